package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one WebSocket to the bridge. It knows nothing about commands
// or subscriptions; connection layers those on top.
type Client interface {
	Connect(ctx context.Context) error
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages delivers inbound frames stamped with their local receive time.
	Messages() <-chan TimestampedMessage

	// Errors delivers at most one error per socket: a read failure, a close
	// from the bridge, or ErrStaleConnection from the watchdog.
	Errors() <-chan error

	// Done is closed once Close has been called.
	Done() <-chan struct{}

	IsConnected() bool
	Stats() ClientStats
}

// ClientStats reports frame traffic on one socket.
type ClientStats struct {
	Received int64
	Dropped  int64
	LastSeen time.Time
}

type wsClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	ws *websocket.Conn

	frames chan TimestampedMessage
	errs   chan error
	done   chan struct{}

	// gorilla allows one concurrent writer; control frames included.
	writeMu sync.Mutex

	received atomic.Int64
	dropped  atomic.Int64

	mu        sync.RWMutex
	connected bool
	closed    bool
	lastSeen  time.Time
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultClientConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = d.MaxFrameSize
	}

	return &wsClient{
		cfg:    cfg,
		logger: logger.With("url", cfg.URL),
		frames: make(chan TimestampedMessage, cfg.BufferSize),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect dials the bridge and starts the reader and watchdog.
func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{"Accept": []string{"application/json"}}

	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial bridge: %w (http %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial bridge: %w", err)
	}
	ws.SetReadLimit(c.cfg.MaxFrameSize)

	// Any inbound traffic, control frames included, counts as liveness.
	ws.SetPingHandler(func(payload string) error {
		c.seen(time.Now())
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(time.Second))
	})
	ws.SetPongHandler(func(string) error {
		c.seen(time.Now())
		return nil
	})

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.lastSeen = time.Now()
	c.mu.Unlock()

	go c.readFrames(ws)
	go c.watchdog(ws)

	c.logger.Debug("bridge socket open")
	return nil
}

// Close sends a close frame and releases the socket. Idempotent.
func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return ws.Close()
}

func (c *wsClient) Send(data []byte) error {
	c.mu.RLock()
	ws, ok := c.ws, c.connected
	c.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Messages() <-chan TimestampedMessage { return c.frames }
func (c *wsClient) Errors() <-chan error                { return c.errs }
func (c *wsClient) Done() <-chan struct{}               { return c.done }

func (c *wsClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *wsClient) Stats() ClientStats {
	c.mu.RLock()
	last := c.lastSeen
	c.mu.RUnlock()
	return ClientStats{
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
		LastSeen: last,
	}
}

func (c *wsClient) seen(at time.Time) {
	c.mu.Lock()
	c.lastSeen = at
	c.mu.Unlock()
}

func (c *wsClient) lastSeenAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// fail marks the socket dead and reports err unless Close already ran.
func (c *wsClient) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	select {
	case c.errs <- err:
	default:
	}
}

// readFrames forwards frames until the socket fails. A full buffer drops
// the frame rather than stalling the socket.
func (c *wsClient) readFrames(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		at := time.Now()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: bridge closed the socket", ErrConnectionLost)
			} else {
				err = fmt.Errorf("read frame: %w", err)
			}
			c.fail(err)
			return
		}
		c.seen(at)
		c.received.Add(1)

		select {
		case c.frames <- TimestampedMessage{Data: data, ReceivedAt: at}:
		case <-c.done:
			return
		default:
			n := c.dropped.Add(1)
			c.logger.Warn("frame buffer full, dropping frame", "dropped", n)
		}
	}
}

// watchdog pings every half window and fails the socket with
// ErrStaleConnection after a full window of silence. A zero window
// disables it.
func (c *wsClient) watchdog(ws *websocket.Conn) {
	window := c.cfg.WatchdogInterval
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if silent := time.Since(c.lastSeenAt()); silent > window {
			c.logger.Warn("bridge silent, connection stale", "silent_for", silent.Round(time.Millisecond), "window", window)
			c.fail(ErrStaleConnection)
			return
		}

		c.writeMu.Lock()
		err := ws.WriteControl(websocket.PingMessage, []byte("ibkr"), time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("watchdog ping failed", "error", err)
		}
	}
}
