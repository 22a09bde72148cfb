// Package journal persists and publishes trigger emissions.
//
// Sinks:
//   - PostgresWriter: batched inserts into quote_emissions
//   - SQLiteStore: local emission journal
//   - KafkaPublisher: one message per emission, keyed by symbol
//   - RedisPublisher: PUBLISH plus a latest-value key per symbol
//
// Fanout writes one emission to several sinks; Pump drains a trigger's
// emission stream into a sink.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/l4z41/ibkr-connector/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("journal: sink closed")

// Sink receives emissions.
type Sink interface {
	Write(ctx context.Context, em model.Emission) error
	Close() error
}

// Record is the flat, storable form of an emission.
type Record struct {
	TriggerID     string    `json:"triggerId"`
	Owner         string    `json:"owner"`
	Symbol        string    `json:"symbol"`
	Currency      string    `json:"currency,omitempty"`
	Last          *float64  `json:"last,omitempty"`
	Bid           *float64  `json:"bid,omitempty"`
	Ask           *float64  `json:"ask,omitempty"`
	PriceChange   *float64  `json:"priceChange,omitempty"`
	PreviousPrice *float64  `json:"previousPrice,omitempty"`
	EmittedAt     time.Time `json:"emittedAt"`
	Payload       []byte    `json:"-"`
}

// NewRecord flattens an emission. Payload holds the emission's output
// record as JSON.
func NewRecord(em model.Emission) (Record, error) {
	payload, err := json.Marshal(em.Map())
	if err != nil {
		return Record{}, fmt.Errorf("encode emission: %w", err)
	}

	at := em.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	return Record{
		TriggerID:     em.TriggerID,
		Owner:         em.Snapshot.Owner,
		Symbol:        em.Snapshot.Symbol,
		Currency:      em.Snapshot.Currency,
		Last:          number(em.Snapshot, "last"),
		Bid:           number(em.Snapshot, "bid"),
		Ask:           number(em.Snapshot, "ask"),
		PriceChange:   em.PriceChange,
		PreviousPrice: em.PreviousPrice,
		EmittedAt:     at.UTC(),
		Payload:       payload,
	}, nil
}

func number(s model.Snapshot, name string) *float64 {
	v, ok := s.Number(name)
	if !ok {
		return nil
	}
	return &v
}

// Fanout writes every emission to all of its sinks.
type Fanout []Sink

// Write writes to every sink and joins their errors.
func (f Fanout) Write(ctx context.Context, em model.Emission) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(ctx, em); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pump writes emissions to sink until the stream closes or ctx is done.
// Write failures are logged and skipped.
func Pump(ctx context.Context, emissions <-chan model.Emission, sink Sink, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case em, ok := <-emissions:
			if !ok {
				return nil
			}
			if err := sink.Write(ctx, em); err != nil {
				logger.Error("journal write failed", "trigger", em.TriggerID, "error", err)
			}
		}
	}
}
