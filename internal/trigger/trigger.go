// Package trigger implements the long-lived market data stream: one
// subscription kept alive across reconnects, filtered per update and
// emitted on a fixed interval.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l4z41/ibkr-connector/internal/aggregate"
	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/observe"
	"github.com/l4z41/ibkr-connector/internal/session"
)

// Trigger streams filtered, coalesced market data emissions.
type Trigger struct {
	id     string
	cfg    Config
	conn   gateway.Connection
	obs    observe.Observer
	logger *slog.Logger

	emissions chan model.Emission

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes update handling, emitter ticks and subscription swaps.
	mu               sync.Mutex
	state            State
	agg              *aggregate.Aggregator
	sub              gateway.Subscription
	pending          *model.Emission
	lastEmittedPrice *float64
	stats            Stats
	stopListen       func()
	connected        chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New creates a Trigger over conn. The trigger owns conn from Start until
// Close. A nil obs discards events.
func New(cfg Config, conn gateway.Connection, obs observe.Observer, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = observe.Nop{}
	}
	d := DefaultConfig()
	if cfg.TriggerOn == "" {
		cfg.TriggerOn = d.TriggerOn
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = d.UpdateInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.EmissionBuffer <= 0 {
		cfg.EmissionBuffer = d.EmissionBuffer
	}
	cfg.Contract = cfg.Contract.WithDefaults()

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	return &Trigger{
		id:        id,
		cfg:       cfg,
		conn:      conn,
		obs:       obs,
		logger:    logger.With("trigger", id, "symbol", cfg.Contract.Symbol),
		emissions: make(chan model.Emission, cfg.EmissionBuffer),
		ctx:       ctx,
		cancel:    cancel,
		agg:       aggregate.New(),
		connected: make(chan struct{}),
		stats: Stats{
			ID:     id,
			Symbol: cfg.Contract.Symbol,
			Policy: cfg.TriggerOn,
		},
	}
}

// ID returns the trigger id.
func (t *Trigger) ID() string {
	return t.id
}

// Emissions returns the emission stream. It is closed by Close.
func (t *Trigger) Emissions() <-chan model.Emission {
	return t.emissions
}

// State returns the current lifecycle state.
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stats returns a copy of the trigger counters.
func (t *Trigger) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.State = t.state
	if t.lastEmittedPrice != nil {
		p := *t.lastEmittedPrice
		s.LastEmittedPrice = &p
	}
	return s
}

// Start attaches the state listener, connects and waits for the first
// Connected transition. On failure everything is released and a
// *gateway.ConnectionError is returned; Start does not retry.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Idle {
		t.mu.Unlock()
		return fmt.Errorf("trigger %s already started", t.id)
	}
	t.state = AwaitingConnection
	states, stop := t.conn.Listen()
	t.stopListen = stop
	t.mu.Unlock()

	alreadyConnected := t.conn.State() == model.Connected
	kick := make(chan struct{}, 1)
	if alreadyConnected {
		kick <- struct{}{}
	}

	t.wg.Add(1)
	go t.watch(states, kick)

	connectCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	if err := t.conn.Connect(connectCtx, t.cfg.ClientID); err != nil {
		t.Close()
		var connErr *gateway.ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return gateway.NewConnectionError(t.conn.Addr(), err)
	}

	select {
	case <-t.connected:
	case <-connectCtx.Done():
		t.Close()
		return gateway.NewConnectionError(t.conn.Addr(), fmt.Errorf("no connection after %v: %w", t.cfg.ConnectTimeout, gateway.ErrTimeout))
	}

	t.wg.Add(1)
	go t.emitLoop()

	t.logger.Info("trigger started",
		"policy", t.cfg.TriggerOn,
		"interval", t.cfg.UpdateInterval,
		"min_price_change", t.cfg.MinPriceChange,
	)
	return nil
}

// watch reacts to connection state transitions.
func (t *Trigger) watch(states <-chan model.ConnectionState, kick <-chan struct{}) {
	defer t.wg.Done()

	var once sync.Once
	markConnected := func() { once.Do(func() { close(t.connected) }) }

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-kick:
			t.logger.Info("gateway already connected", "addr", t.conn.Addr())
			t.resubscribe()
			markConnected()
		case s, ok := <-states:
			if !ok {
				return
			}
			switch s {
			case model.Connected:
				t.logger.Info("connected to gateway", "addr", t.conn.Addr())
				t.resubscribe()
				markConnected()
			case model.Disconnected:
				t.logger.Warn("gateway connection lost, waiting for reconnect", "addr", t.conn.Addr())
				t.setState(AwaitingConnection)
			case model.Connecting:
				t.logger.Info("connecting to gateway", "addr", t.conn.Addr())
			}
		}
	}
}

// resubscribe closes the prior subscription, if any, and issues a fresh
// market data subscribe call.
func (t *Trigger) resubscribe() {
	t.mu.Lock()
	if t.state == ShuttingDown {
		t.mu.Unlock()
		return
	}
	old := t.sub
	t.sub = nil
	t.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			t.logger.Debug("release previous subscription", "error", err)
		}
	}

	q := session.MarketData(t.cfg.Contract, t.cfg.Snapshot, t.cfg.RegulatorySnapshot)
	sub, err := t.conn.Subscribe(t.ctx, q.Request)
	if err != nil {
		t.logger.Error("market data subscription failed", "error", err)
		return
	}

	t.mu.Lock()
	if t.state == ShuttingDown {
		t.mu.Unlock()
		sub.Close()
		return
	}
	t.sub = sub
	t.state = Subscribed
	t.stats.Subscribes++
	n := int(t.stats.Subscribes)
	t.mu.Unlock()

	t.obs.SubscriptionReplaced(t.id, n)

	t.wg.Add(1)
	go t.pump(sub)
}

func (t *Trigger) pump(sub gateway.Subscription) {
	defer t.wg.Done()

	for msg := range sub.Updates() {
		t.handle(msg)
	}
	if err := sub.Err(); err != nil && !gateway.IsConnectionLoss(err) {
		t.logger.Error("market data subscription ended", "error", err)
	}
}

// handle merges one update and retains it for emission if the policy
// accepts it.
func (t *Trigger) handle(msg model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == ShuttingDown {
		return
	}
	t.stats.Updates++

	changes := t.agg.Accept(msg)
	snap, ok := t.snapshot()
	if !ok {
		return
	}

	prev := t.state
	t.state = Filtering
	em, accept := t.filter(changes, snap)
	t.state = prev

	if accept {
		t.pending = &em
		t.stats.Accepted++
	}
}

func (t *Trigger) snapshot() (model.Snapshot, bool) {
	snaps := t.agg.Snapshots()
	if len(snaps) == 0 {
		return model.Snapshot{}, false
	}
	s := snaps[0]
	s.Symbol = t.cfg.Contract.Symbol
	s.Currency = t.cfg.Contract.Currency
	s.Connected = true
	return s, true
}

// filter applies the policy to the fields this update applied.
func (t *Trigger) filter(changes aggregate.Changes, snap model.Snapshot) (model.Emission, bool) {
	em := model.Emission{TriggerID: t.id, Snapshot: snap}

	switch t.cfg.TriggerOn {
	case PolicyBidAsk:
		return em, changes.Has("bid") || changes.Has("ask")

	case PolicyPriceChange:
		if !changes.Has("last") {
			return em, false
		}
		price, ok := snap.Number("last")
		if !ok {
			return em, false
		}
		if t.lastEmittedPrice == nil {
			t.lastEmittedPrice = &price
			return em, true
		}

		prev := *t.lastEmittedPrice
		if prev == 0 {
			if price == prev {
				return em, false
			}
			em.PreviousPrice = &prev
			t.lastEmittedPrice = &price
			return em, true
		}

		change := math.Abs((price-prev)/prev) * 100
		if change < t.cfg.MinPriceChange {
			return em, false
		}
		em.PriceChange = &change
		em.PreviousPrice = &prev
		t.lastEmittedPrice = &price
		return em, true

	default:
		return em, !changes.Empty()
	}
}

func (t *Trigger) emitLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

// flush emits the pending accepted update, if any, and clears it.
func (t *Trigger) flush() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil || t.state == ShuttingDown {
		return false
	}
	em := *t.pending
	t.pending = nil
	em.Timestamp = time.Now()
	em.Snapshot.Timestamp = em.Timestamp

	select {
	case t.emissions <- em:
		t.stats.Emitted++
		return true
	default:
		t.stats.Dropped++
		t.obs.EmissionDropped(t.id)
		return false
	}
}

func (t *Trigger) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ShuttingDown {
		t.state = s
	}
}

// Close stops the emitter, releases the subscription and the state
// listener, and disconnects. Each step runs even if an earlier one failed.
// Idempotent.
func (t *Trigger) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = ShuttingDown
		sub := t.sub
		t.sub = nil
		stop := t.stopListen
		t.pending = nil
		t.mu.Unlock()

		var errs []error

		t.cancel()

		if sub != nil {
			if err := sub.Close(); err != nil {
				errs = append(errs, fmt.Errorf("release subscription: %w", err))
			}
		}
		if stop != nil {
			stop()
		}
		if err := t.conn.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}

		t.wg.Wait()
		close(t.emissions)

		t.closeErr = errors.Join(errs...)
		t.logger.Info("trigger stopped")
	})
	return t.closeErr
}
