package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/l4z41/ibkr-connector/internal/model"
)

// Policy selects which updates are eligible for emission.
type Policy string

const (
	PolicyAll         Policy = "all"
	PolicyPriceChange Policy = "priceChange"
	PolicyBidAsk      Policy = "bidAsk"
)

// ParsePolicy accepts the policy names in any case, with or without
// separators.
func ParsePolicy(s string) (Policy, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch norm {
	case "", "all":
		return PolicyAll, nil
	case "pricechange", "price":
		return PolicyPriceChange, nil
	case "bidask":
		return PolicyBidAsk, nil
	}
	return "", fmt.Errorf("unknown trigger policy %q (want all|priceChange|bidAsk)", s)
}

// State is the trigger lifecycle state.
type State int

const (
	Idle State = iota
	AwaitingConnection
	Subscribed
	Filtering
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingConnection:
		return "awaiting_connection"
	case Subscribed:
		return "subscribed"
	case Filtering:
		return "filtering"
	case ShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures a Trigger.
type Config struct {
	Contract           model.Contract
	TriggerOn          Policy
	MinPriceChange     float64 // percent
	UpdateInterval     time.Duration
	Snapshot           bool
	RegulatorySnapshot bool
	ClientID           int
	ConnectTimeout     time.Duration
	EmissionBuffer     int
}

// DefaultConfig returns the trigger defaults.
func DefaultConfig() Config {
	return Config{
		TriggerOn:      PolicyAll,
		UpdateInterval: 10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		EmissionBuffer: 64,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if err := c.Contract.Validate(); err != nil {
		return err
	}
	if _, err := ParsePolicy(string(c.TriggerOn)); err != nil {
		return err
	}
	if c.MinPriceChange < 0 {
		return fmt.Errorf("trigger.min_price_change must be >= 0, got %v", c.MinPriceChange)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("trigger.update_interval must be positive, got %v", c.UpdateInterval)
	}
	return nil
}

// Stats reports trigger activity.
type Stats struct {
	ID               string   `json:"id"`
	State            State    `json:"state"`
	Symbol           string   `json:"symbol"`
	Policy           Policy   `json:"policy"`
	Updates          int64    `json:"updates"`
	Accepted         int64    `json:"accepted"`
	Emitted          int64    `json:"emitted"`
	Dropped          int64    `json:"dropped"`
	Subscribes       int64    `json:"subscribes"`
	LastEmittedPrice *float64 `json:"lastEmittedPrice,omitempty"`
}
