package gateway

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no heartbeat)")
	ErrTimeout         = errors.New("gateway did not answer in time")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrConnectionLost  = errors.New("connection lost")
	ErrDisconnected    = errors.New("disconnected by caller")
)

// ConnectionError reports a failure to establish, or the loss of, the
// gateway connection.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gateway %s: %v (check the gateway is running and API connections are enabled)",
		net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError builds a ConnectionError for a host:port address.
func NewConnectionError(addr string, err error) *ConnectionError {
	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return &ConnectionError{Host: addr, Err: err}
	}
	port, _ := strconv.Atoi(portStr)
	return &ConnectionError{Host: host, Port: port, Err: err}
}

// IsConnectionLoss reports whether err means the connection went away.
func IsConnectionLoss(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrDisconnected)
}

// SubscriptionError reports a subscribe call that could not be issued or
// was rejected by the gateway.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// RemoteError is an error reply sent by the gateway.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// Subscription topics.
const (
	TopicAccountUpdates  = "account_updates"
	TopicPositions       = "positions"
	TopicMarketData      = "market_data"
	TopicOpenOrders      = "open_orders"
	TopicManagedAccounts = "managed_accounts"
	TopicNextOrderID     = "next_order_id"
)

// Fire-and-forget commands.
const (
	CmdPlaceOrder  = "place_order"
	CmdCancelOrder = "cancel_order"
)

// Request is a subscribe or one-shot request.
type Request struct {
	Topic  string
	Params any
}

// Response is the payload of an ack to a one-shot request.
type Response struct {
	ID   int64
	Data []byte
}

// Decode unmarshals the response payload into v.
func (r Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response %d: empty payload", r.ID)
	}
	return json.Unmarshal(r.Data, v)
}

// Config configures a Connection.
type Config struct {
	Host string
	Port int
	Path string // Bridge WebSocket path

	ConnectTimeout    time.Duration // Bound on dial plus handshake
	ReconnectInterval time.Duration // Fixed wait between reconnect attempts
	WatchdogInterval  time.Duration // Max silence before the connection is stale
	RequestTimeout    time.Duration // Wait for ack/error replies
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Per-subscription update buffer
	RequestsPerSecond float64       // Outbound command pacing (0 = unlimited)
	AutoReconnect     bool
}

// DefaultConfig returns the gateway defaults (paper trading port).
func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              7497,
		Path:              "/",
		ConnectTimeout:    10 * time.Second,
		ReconnectInterval: 5 * time.Second,
		WatchdogInterval:  10 * time.Second,
		RequestTimeout:    10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1024,
		RequestsPerSecond: 50,
		AutoReconnect:     true,
	}
}

// withDefaults fills unset durations and sizes from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the bridge WebSocket URL.
func (c Config) URL() string {
	path := c.Path
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return "ws://" + c.Addr() + path
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WatchdogInterval time.Duration // Max time without any inbound traffic
	WriteTimeout     time.Duration
	BufferSize       int   // Inbound frame channel buffer
	MaxFrameSize     int64 // Read limit per frame
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WatchdogInterval: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       4096,
		MaxFrameSize:     1 << 20,
	}
}

// TimestampedMessage wraps raw frame data with its receive time.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}
