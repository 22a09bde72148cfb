// Package session runs one-shot subscription collections: subscribe,
// collect for a fixed window, unsubscribe and snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l4z41/ibkr-connector/internal/aggregate"
	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/observe"
)

// DefaultCollectFor is the collection window used when none is configured.
const DefaultCollectFor = 5 * time.Second

// Result is the outcome of a collection: snapshots, or a placeholder when
// nothing arrived.
type Result struct {
	Snapshots   []model.Snapshot
	Placeholder *model.Placeholder
	Updates     int
	Rows        []map[string]any
}

// Empty reports whether the collection produced no snapshots.
func (r *Result) Empty() bool {
	return len(r.Snapshots) == 0
}

// Records returns the result as output records.
func (r *Result) Records() []map[string]any {
	if r.Empty() {
		if r.Placeholder == nil {
			return nil
		}
		return []map[string]any{r.Placeholder.Map()}
	}
	out := make([]map[string]any, 0, len(r.Snapshots))
	for _, s := range r.Snapshots {
		out = append(out, s.Map())
	}
	return out
}

// Session runs collections over a shared connection.
type Session struct {
	conn   gateway.Connection
	obs    observe.Observer
	logger *slog.Logger
}

// New creates a Session. A nil obs discards events.
func New(conn gateway.Connection, obs observe.Observer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = observe.Nop{}
	}
	return &Session{conn: conn, obs: obs, logger: logger}
}

// Run subscribes, feeds every update into a fresh aggregator for the full
// collectFor window, then unsubscribes and snapshots. The subscription is
// always closed before Run returns.
func (s *Session) Run(ctx context.Context, q Query, collectFor time.Duration) (*Result, error) {
	if collectFor <= 0 {
		collectFor = DefaultCollectFor
	}
	id := uuid.NewString()
	logger := s.logger.With("session", id, "topic", q.Request.Topic)

	if s.conn.State() != model.Connected {
		return nil, &gateway.SubscriptionError{Topic: q.Request.Topic, Err: gateway.ErrNotConnected}
	}

	sub, err := s.conn.Subscribe(ctx, q.Request)
	if err != nil {
		if gateway.IsConnectionLoss(err) {
			return nil, gateway.NewConnectionError(s.conn.Addr(), err)
		}
		return nil, err
	}
	defer sub.Close()

	logger.Debug("collecting", "window", collectFor)

	agg := aggregate.New()
	timer := time.NewTimer(collectFor)
	defer timer.Stop()

collect:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			break collect
		case msg, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					return nil, s.streamError(q, err)
				}
				break collect
			}
			agg.Accept(msg)
		}
	}

	if err := sub.Close(); err != nil {
		logger.Warn("unsubscribe failed", "error", err)
	}

	connected := s.conn.State() == model.Connected
	now := time.Now()

	res := &Result{
		Snapshots: agg.Snapshots(),
		Updates:   agg.Updates(),
	}
	for i := range res.Snapshots {
		snap := &res.Snapshots[i]
		snap.Connected = connected
		snap.Timestamp = now
		if snap.Symbol == "" {
			snap.Symbol = q.Symbol
		}
		if snap.Currency == "" {
			snap.Currency = q.Currency
		}
	}

	if res.Empty() {
		res.Placeholder = &model.Placeholder{
			Message:     q.Empty,
			Connected:   connected,
			UpdateCount: res.Updates,
			Symbol:      q.Symbol,
			Hint:        q.Hint,
		}
	} else if q.Request.Topic == gateway.TopicAccountUpdates {
		res.Rows = agg.Rows()
	}

	logger.Debug("collection complete", "updates", res.Updates, "owners", len(res.Snapshots))
	s.obs.CollectionCompleted(id, res.Updates, res.Empty())
	return res, nil
}

func (s *Session) streamError(q Query, err error) error {
	if gateway.IsConnectionLoss(err) {
		return gateway.NewConnectionError(s.conn.Addr(), err)
	}
	return &gateway.SubscriptionError{Topic: q.Request.Topic, Err: err}
}

// ManagedAccounts asks the gateway for the accounts this login can access.
// The reply is either a JSON array or a comma-separated list.
func ManagedAccounts(ctx context.Context, conn gateway.Connection) ([]string, error) {
	resp, err := conn.Request(ctx, gateway.Request{Topic: gateway.TopicManagedAccounts})
	if err != nil {
		return nil, err
	}

	var list []string
	if err := resp.Decode(&list); err != nil {
		var joined string
		if errJoined := resp.Decode(&joined); errJoined != nil {
			return nil, fmt.Errorf("decode managed accounts: %w", errors.Join(err, errJoined))
		}
		list = strings.Split(joined, ",")
	}

	accounts := make([]string, 0, len(list))
	for _, a := range list {
		if a = strings.TrimSpace(a); a != "" {
			accounts = append(accounts, a)
		}
	}
	return accounts, nil
}
