// Package observe defines the observability capability injected into the
// gateway, session and trigger components.
package observe

import (
	"log/slog"
	"sync/atomic"

	"github.com/l4z41/ibkr-connector/internal/model"
)

// Observer receives discrete core events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ConnectionStateChanged(addr string, from, to model.ConnectionState)
	UpdateReceived(sub string, owner string, fields int)
	UpdateDropped(sub string, err error)
	SubscriptionClosed(sub string, updates int)

	// CollectionCompleted fires when a one-shot session window ends.
	CollectionCompleted(session string, updates int, empty bool)
	// SubscriptionReplaced fires when a trigger resubscribes after a
	// reconnect. n counts subscribes so far, the first included.
	SubscriptionReplaced(trigger string, n int)
	// EmissionDropped fires when an emission finds the output buffer full.
	EmissionDropped(trigger string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) ConnectionStateChanged(string, model.ConnectionState, model.ConnectionState) {}
func (Nop) UpdateReceived(string, string, int) {}
func (Nop) UpdateDropped(string, error) {}
func (Nop) SubscriptionClosed(string, int) {}
func (Nop) CollectionCompleted(string, int, bool) {}
func (Nop) SubscriptionReplaced(string, int) {}
func (Nop) EmissionDropped(string) {}

// LogObserver writes events to a slog.Logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an Observer backed by logger.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) ConnectionStateChanged(addr string, from, to model.ConnectionState) {
	switch to {
	case model.Connected:
		o.logger.Info("gateway connected", "addr", addr, "from", from)
	case model.Connecting:
		o.logger.Info("connecting to gateway", "addr", addr)
	default:
		o.logger.Warn("gateway connection lost", "addr", addr, "from", from)
	}
}

func (o *LogObserver) UpdateReceived(sub string, owner string, fields int) {
	o.logger.Debug("update received", "sub", sub, "owner", owner, "fields", fields)
}

func (o *LogObserver) UpdateDropped(sub string, err error) {
	o.logger.Warn("update dropped", "sub", sub, "error", err)
}

func (o *LogObserver) SubscriptionClosed(sub string, updates int) {
	o.logger.Info("subscription closed", "sub", sub, "updates", updates)
}

func (o *LogObserver) CollectionCompleted(session string, updates int, empty bool) {
	if empty {
		o.logger.Info("collection window ended with no data", "session", session)
		return
	}
	o.logger.Debug("collection complete", "session", session, "updates", updates)
}

func (o *LogObserver) SubscriptionReplaced(trigger string, n int) {
	o.logger.Info("market data resubscribed", "trigger", trigger, "subscribes", n)
}

func (o *LogObserver) EmissionDropped(trigger string) {
	o.logger.Warn("emission buffer full, dropping emission", "trigger", trigger)
}

// Counters tallies events for the status endpoint.
type Counters struct {
	stateChanges  atomic.Int64
	updates       atomic.Int64
	dropped       atomic.Int64
	subsClosed    atomic.Int64
	lastState     atomic.Int32
	reconnections atomic.Int64
	connectedOnce atomic.Bool

	collections      atomic.Int64
	emptyCollections atomic.Int64
	resubscribes     atomic.Int64
	emissionsDropped atomic.Int64
}

// CounterStats is a point-in-time copy of Counters.
type CounterStats struct {
	StateChanges        int64                 `json:"stateChanges"`
	Reconnections       int64                 `json:"reconnections"`
	UpdatesReceived     int64                 `json:"updatesReceived"`
	UpdatesDropped      int64                 `json:"updatesDropped"`
	SubscriptionsClosed int64                 `json:"subscriptionsClosed"`
	Collections         int64                 `json:"collections"`
	EmptyCollections    int64                 `json:"emptyCollections"`
	Resubscribes        int64                 `json:"resubscribes"`
	EmissionsDropped    int64                 `json:"emissionsDropped"`
	LastState           model.ConnectionState `json:"lastState"`
}

func (c *Counters) ConnectionStateChanged(_ string, _, to model.ConnectionState) {
	c.stateChanges.Add(1)
	c.lastState.Store(int32(to))
	if to == model.Connected && c.connectedOnce.Swap(true) {
		c.reconnections.Add(1)
	}
}

func (c *Counters) UpdateReceived(string, string, int) { c.updates.Add(1) }
func (c *Counters) UpdateDropped(string, error) { c.dropped.Add(1) }
func (c *Counters) SubscriptionClosed(string, int) { c.subsClosed.Add(1) }
func (c *Counters) EmissionDropped(string) { c.emissionsDropped.Add(1) }

func (c *Counters) CollectionCompleted(_ string, _ int, empty bool) {
	c.collections.Add(1)
	if empty {
		c.emptyCollections.Add(1)
	}
}

// SubscriptionReplaced counts resubscribes; the initial subscribe is not one.
func (c *Counters) SubscriptionReplaced(_ string, n int) {
	if n > 1 {
		c.resubscribes.Add(1)
	}
}

// Stats returns the current counter values.
func (c *Counters) Stats() CounterStats {
	return CounterStats{
		StateChanges:        c.stateChanges.Load(),
		Reconnections:       c.reconnections.Load(),
		UpdatesReceived:     c.updates.Load(),
		UpdatesDropped:      c.dropped.Load(),
		SubscriptionsClosed: c.subsClosed.Load(),
		Collections:         c.collections.Load(),
		EmptyCollections:    c.emptyCollections.Load(),
		Resubscribes:        c.resubscribes.Load(),
		EmissionsDropped:    c.emissionsDropped.Load(),
		LastState:           model.ConnectionState(c.lastState.Load()),
	}
}

// Multi fans events out to several observers.
type Multi []Observer

func (m Multi) ConnectionStateChanged(addr string, from, to model.ConnectionState) {
	for _, o := range m {
		o.ConnectionStateChanged(addr, from, to)
	}
}

func (m Multi) UpdateReceived(sub string, owner string, fields int) {
	for _, o := range m {
		o.UpdateReceived(sub, owner, fields)
	}
}

func (m Multi) UpdateDropped(sub string, err error) {
	for _, o := range m {
		o.UpdateDropped(sub, err)
	}
}

func (m Multi) SubscriptionClosed(sub string, updates int) {
	for _, o := range m {
		o.SubscriptionClosed(sub, updates)
	}
}

func (m Multi) CollectionCompleted(session string, updates int, empty bool) {
	for _, o := range m {
		o.CollectionCompleted(session, updates, empty)
	}
}

func (m Multi) SubscriptionReplaced(trigger string, n int) {
	for _, o := range m {
		o.SubscriptionReplaced(trigger, n)
	}
}

func (m Multi) EmissionDropped(trigger string) {
	for _, o := range m {
		o.EmissionDropped(trigger)
	}
}
