package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/observe"
)

//go:generate mockgen -destination=mocks/connection.go -package=mocks . Connection,Subscription

// Connection is the single shared link to the gateway.
type Connection interface {
	// Connect dials the bridge and performs the handshake for clientID.
	// Calling Connect on a live connection is a no-op.
	Connect(ctx context.Context, clientID int) error

	// Disconnect stops reconnecting, closes the socket and ends every open
	// subscription and pending request. Idempotent.
	Disconnect() error

	// State returns the current connection state.
	State() model.ConnectionState

	// Listen returns a stream of state transitions from now on, and a
	// function that detaches it.
	Listen() (<-chan model.ConnectionState, func())

	// Subscribe issues a subscribe call and waits for the gateway ack.
	Subscribe(ctx context.Context, req Request) (Subscription, error)

	// Request issues a one-shot request and waits for its reply.
	Request(ctx context.Context, req Request) (Response, error)

	// Send issues a fire-and-forget command.
	Send(ctx context.Context, cmd string, params any) error

	// Addr returns host:port of the gateway.
	Addr() string
}

type result struct {
	frame Frame
	err   error
}

// connection implements the Connection interface.
type connection struct {
	cfg     Config
	obs     observe.Observer
	logger  *slog.Logger
	limiter *rate.Limiter

	cmdID atomic.Int64

	mu       sync.Mutex
	client   Client
	running  bool
	clientID int
	stop     chan struct{}
	wg       sync.WaitGroup

	stateMu      sync.Mutex
	state        model.ConnectionState
	listeners    map[int]chan model.ConnectionState
	nextListener int

	pendingMu sync.Mutex
	pending   map[int64]chan result

	subsMu sync.Mutex
	subs   map[int64]*subscription
}

// NewConnection creates a Connection. It does not dial until Connect.
func NewConnection(cfg Config, obs observe.Observer, logger *slog.Logger) Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = observe.Nop{}
	}
	cfg = cfg.withDefaults()

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &connection{
		cfg:       cfg,
		obs:       obs,
		logger:    logger.With("component", "gateway", "addr", cfg.Addr()),
		limiter:   rate.NewLimiter(limit, burst),
		listeners: make(map[int]chan model.ConnectionState),
		pending:   make(map[int64]chan result),
		subs:      make(map[int64]*subscription),
	}
}

// Addr returns host:port.
func (c *connection) Addr() string {
	return c.cfg.Addr()
}

// Connect dials the bridge and runs the hello handshake.
func (c *connection) Connect(ctx context.Context, clientID int) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.clientID = clientID
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.setState(model.Connecting)

	cl, err := c.dial(ctx, clientID)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.setState(model.Disconnected)
		return &ConnectionError{Host: c.cfg.Host, Port: c.cfg.Port, Err: err}
	}

	c.mu.Lock()
	if stopped(stop) {
		c.mu.Unlock()
		cl.Close()
		return &ConnectionError{Host: c.cfg.Host, Port: c.cfg.Port, Err: ErrDisconnected}
	}
	c.client = cl
	c.wg.Add(1)
	c.mu.Unlock()
	c.setState(model.Connected)

	go c.supervise(cl, stop)

	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *connection) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stop)
	cl := c.client
	c.client = nil
	c.mu.Unlock()

	var err error
	if cl != nil {
		err = cl.Close()
	}

	c.wg.Wait()

	c.failAll(ErrDisconnected)
	c.setState(model.Disconnected)
	c.logger.Info("disconnected from gateway")

	return err
}

// State returns the current state.
func (c *connection) State() model.ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Listen attaches a state listener. Transitions are delivered without
// blocking; a listener that falls behind misses transitions.
func (c *connection) Listen() (<-chan model.ConnectionState, func()) {
	ch := make(chan model.ConnectionState, 16)

	c.stateMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = ch
	c.stateMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.stateMu.Lock()
			delete(c.listeners, id)
			close(ch)
			c.stateMu.Unlock()
		})
	}
}

// Subscribe issues a subscribe call.
func (c *connection) Subscribe(ctx context.Context, req Request) (Subscription, error) {
	if c.State() != model.Connected {
		return nil, &SubscriptionError{Topic: req.Topic, Err: ErrNotConnected}
	}

	id := c.cmdID.Add(1)
	sub := newSubscription(id, req.Topic, c, c.cfg.BufferSize)

	c.subsMu.Lock()
	c.subs[id] = sub
	c.subsMu.Unlock()

	if _, err := c.roundTrip(ctx, Command{ID: id, Cmd: "subscribe", Topic: req.Topic, Params: req.Params}); err != nil {
		c.removeSub(id)
		sub.finish(err)
		return nil, &SubscriptionError{Topic: req.Topic, Err: err}
	}

	c.logger.Debug("subscribed", "topic", req.Topic, "id", id)
	return sub, nil
}

// Request issues a one-shot request.
func (c *connection) Request(ctx context.Context, req Request) (Response, error) {
	if c.State() != model.Connected {
		return Response{}, ErrNotConnected
	}

	id := c.cmdID.Add(1)
	f, err := c.roundTrip(ctx, Command{ID: id, Cmd: "request", Topic: req.Topic, Params: req.Params})
	if err != nil {
		return Response{}, fmt.Errorf("request %s: %w", req.Topic, err)
	}
	return Response{ID: id, Data: f.Data}, nil
}

// Send issues a fire-and-forget command.
func (c *connection) Send(ctx context.Context, cmd string, params any) error {
	if c.State() != model.Connected {
		return ErrNotConnected
	}
	return c.write(ctx, Command{ID: c.cmdID.Add(1), Cmd: cmd, Params: params})
}

// roundTrip writes a command and waits for the ack or error reply.
func (c *connection) roundTrip(ctx context.Context, cmd Command) (Frame, error) {
	ch := make(chan result, 1)

	c.pendingMu.Lock()
	c.pending[cmd.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, cmd.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, cmd); err != nil {
		return Frame{}, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
		return Frame{}, ErrTimeout
	case res := <-ch:
		if res.err != nil {
			return Frame{}, res.err
		}
		if res.frame.Type == frameError {
			return Frame{}, res.frame.remoteError()
		}
		return res.frame, nil
	}
}

// write paces and sends a command on the current socket.
func (c *connection) write(ctx context.Context, cmd Command) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Cmd, err)
	}

	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	if cl == nil {
		return ErrNotConnected
	}
	return cl.Send(data)
}

// dial opens a socket and completes the hello handshake.
func (c *connection) dial(ctx context.Context, clientID int) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	cl := NewClient(ClientConfig{
		URL:              c.cfg.URL(),
		HandshakeTimeout: c.cfg.ConnectTimeout,
		WatchdogInterval: c.cfg.WatchdogInterval,
		WriteTimeout:     c.cfg.WriteTimeout,
		BufferSize:       DefaultClientConfig().BufferSize,
	}, c.logger)

	if err := cl.Connect(ctx); err != nil {
		return nil, err
	}
	if err := c.handshake(ctx, cl, clientID); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

// handshake sends hello and reads frames until its reply arrives.
func (c *connection) handshake(ctx context.Context, cl Client, clientID int) error {
	id := c.cmdID.Add(1)
	data, err := json.Marshal(Command{ID: id, Cmd: "hello", Params: HelloParams{ClientID: clientID}})
	if err != nil {
		return err
	}
	if err := cl.Send(data); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("handshake: %w", ctx.Err())
		case err := <-cl.Errors():
			return fmt.Errorf("handshake: %w", err)
		case msg := <-cl.Messages():
			f, err := decodeFrame(msg.Data)
			if err != nil || f.ID != id {
				continue
			}
			switch f.Type {
			case frameAck:
				return nil
			case frameError:
				return fmt.Errorf("handshake: %w", f.remoteError())
			}
		}
	}
}

// supervise pumps frames from the live client and reconnects after loss
// until stop is closed.
func (c *connection) supervise(cl Client, stop <-chan struct{}) {
	defer c.wg.Done()

	for {
		err := c.pump(cl, stop)
		if err == nil {
			return
		}

		if !c.handleLoss(cl, err) {
			return
		}
		if !c.cfg.AutoReconnect {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return
		}

		cl = c.reconnect(stop)
		if cl == nil {
			return
		}
	}
}

// pump dispatches frames until the client fails (returns its error) or
// stop is closed (returns nil).
func (c *connection) pump(cl Client, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-cl.Done():
			return nil
		case err := <-cl.Errors():
			return err
		case msg := <-cl.Messages():
			c.dispatch(msg)
		}
	}
}

// handleLoss tears down after an unexpected failure. It reports false when
// the connection was already replaced or stopped.
func (c *connection) handleLoss(cl Client, err error) bool {
	c.mu.Lock()
	if !c.running || c.client != cl {
		c.mu.Unlock()
		return false
	}
	c.client = nil
	c.mu.Unlock()

	cl.Close()
	st := cl.Stats()
	c.logger.Warn("gateway connection lost",
		"error", err,
		"frames", st.Received,
		"dropped_frames", st.Dropped,
		"last_seen", st.LastSeen,
	)

	c.failAll(ErrConnectionLost)
	c.setState(model.Disconnected)
	return true
}

// reconnect retries at a fixed interval. It returns nil once stop is closed.
func (c *connection) reconnect(stop <-chan struct{}) Client {
	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}

		c.mu.Lock()
		clientID := c.clientID
		c.mu.Unlock()

		c.logger.Info("attempting reconnection", "attempt", attempt)
		c.setState(model.Connecting)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		cl, err := c.dial(ctx, clientID)
		cancel()

		if err != nil {
			c.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			c.setState(model.Disconnected)
			continue
		}

		c.mu.Lock()
		if stopped(stop) {
			c.mu.Unlock()
			cl.Close()
			return nil
		}
		c.client = cl
		c.mu.Unlock()

		c.logger.Info("reconnected", "attempt", attempt)
		c.setState(model.Connected)
		return cl
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// dispatch routes one inbound frame.
func (c *connection) dispatch(msg TimestampedMessage) {
	f, err := decodeFrame(msg.Data)
	if err != nil {
		c.obs.UpdateDropped("", err)
		return
	}

	switch f.Type {
	case frameAck, frameError:
		c.pendingMu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			select {
			case ch <- result{frame: f}:
			default:
			}
			return
		}
		if f.Type == frameError {
			c.subsMu.Lock()
			sub := c.subs[f.ID]
			delete(c.subs, f.ID)
			c.subsMu.Unlock()
			if sub != nil {
				sub.finish(f.remoteError())
				return
			}
			c.logger.Warn("gateway error", "id", f.ID, "code", f.Code, "message", f.Message)
		}

	case frameData:
		c.subsMu.Lock()
		sub := c.subs[f.ID]
		c.subsMu.Unlock()
		if sub == nil {
			c.logger.Debug("data for unknown subscription", "id", f.ID)
			return
		}
		sub.deliver(f.toMessage(msg.ReceivedAt))

	case frameEnd:
		c.logger.Debug("initial data complete", "id", f.ID)

	case frameHeartbeat:
	}
}

// failAll ends every subscription and pending request with err.
func (c *connection) failAll(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- result{err: err}:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.subsMu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for id, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	for _, sub := range subs {
		sub.finish(err)
	}
}

func (c *connection) removeSub(id int64) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

// setState records a transition and fans it out to listeners.
func (c *connection) setState(s model.ConnectionState) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	from := c.state
	c.state = s
	for _, ch := range c.listeners {
		select {
		case ch <- s:
		default:
			c.logger.Warn("state listener full, dropping transition", "state", s)
		}
	}
	c.stateMu.Unlock()

	c.obs.ConnectionStateChanged(c.cfg.Addr(), from, s)
}
