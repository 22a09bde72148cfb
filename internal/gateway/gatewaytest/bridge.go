// Package gatewaytest provides an in-process fake of the gateway bridge for
// tests, in the manner of net/http/httptest.
package gatewaytest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/l4z41/ibkr-connector/internal/gateway"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Command is an outbound command as seen by the bridge.
type Command struct {
	ID     int64               `json:"id"`
	Cmd    string              `json:"cmd"`
	Topic  string              `json:"topic"`
	Params jsoniter.RawMessage `json:"params"`
}

// Field is one field of a pushed data frame.
type Field struct {
	Tick     *int   `json:"tick,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Currency string `json:"currency,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Value    any    `json:"value"`
	Ingress  int64  `json:"ingress,omitempty"`
}

// Tick returns a tick field.
func Tick(id int, v any) Field {
	return Field{Tick: &id, Value: v}
}

// Tag returns a tagged field.
func Tag(tag, currency string, v any) Field {
	return Field{Tag: tag, Currency: currency, Value: v}
}

// Data is a data frame pushed to a subscription.
type Data struct {
	Owner    string  `json:"owner,omitempty"`
	Account  string  `json:"account,omitempty"`
	Symbol   string  `json:"symbol,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Fields   []Field `json:"fields"`
}

// Bridge is a fake bridge server. By default it acks hello, subscribe and
// request commands; Responses supplies ack payloads for requests by topic
// and Reject makes the listed commands or topics answer with an error.
type Bridge struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	conns     []*bridgeConn
	responses map[string]any
	reject    map[string]string
	silent    bool
	refuse    bool

	cmds chan Command
}

type bridgeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *bridgeConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewBridge starts a fake bridge. It is closed by t.Cleanup.
func NewBridge(t *testing.T) *Bridge {
	t.Helper()

	b := &Bridge{
		t:         t,
		responses: make(map[string]any),
		reject:    make(map[string]string),
		cmds:      make(chan Command, 1024),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		refuse := b.refuse
		b.mu.Unlock()
		if refuse {
			http.Error(w, "refused", http.StatusServiceUnavailable)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		conn := &bridgeConn{ws: ws}

		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		defer ws.Close()
		b.serve(conn)
	}))
	t.Cleanup(b.Close)

	return b
}

// Config returns a gateway config pointed at the bridge with short timings.
func (b *Bridge) Config() gateway.Config {
	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(b.server.URL, "http://"))
	port, _ := strconv.Atoi(portStr)

	cfg := gateway.DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.WatchdogInterval = 0
	cfg.RequestTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.RequestsPerSecond = 0
	return cfg
}

// Close shuts the server down.
func (b *Bridge) Close() {
	b.DropAll()
	b.server.Close()
}

// SetResponse sets the ack payload for requests on topic.
func (b *Bridge) SetResponse(topic string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses[topic] = v
}

// Reject makes commands or topics named key answer with an error message.
func (b *Bridge) Reject(key, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject[key] = message
}

// SetSilent stops the bridge from replying to anything but hello.
func (b *Bridge) SetSilent(silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
}

// SetRefuse makes new WebSocket upgrades fail.
func (b *Bridge) SetRefuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

// Commands returns every command received, in order.
func (b *Bridge) Commands() <-chan Command {
	return b.cmds
}

// WaitCommand returns the next command named cmd, skipping others.
func (b *Bridge) WaitCommand(cmd string, timeout time.Duration) (Command, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case c := <-b.cmds:
			if c.Cmd == cmd {
				return c, true
			}
		case <-deadline:
			return Command{}, false
		}
	}
}

// Push sends a data frame for subscription id on the newest connection.
func (b *Bridge) Push(id int64, d Data) {
	b.t.Helper()
	frame := struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
		Data
	}{ID: id, Type: "data", Data: d}

	if err := b.latest().write(frame); err != nil {
		b.t.Logf("push error: %v", err)
	}
}

// PushRaw writes raw bytes on the newest connection.
func (b *Bridge) PushRaw(data string) {
	conn := b.latest()
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	if err := conn.ws.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		b.t.Logf("push error: %v", err)
	}
}

// DropAll closes every open connection from the server side.
func (b *Bridge) DropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// Connections returns how many connections are open.
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Bridge) latest() *bridgeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		b.t.Fatalf("bridge has no connections")
	}
	return b.conns[len(b.conns)-1]
}

func (b *Bridge) serve(conn *bridgeConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.t.Logf("bad command: %v", err)
			continue
		}

		select {
		case b.cmds <- cmd:
		default:
		}

		b.mu.Lock()
		silent := b.silent
		rejectCmd, rejectedCmd := b.reject[cmd.Cmd]
		rejectTopic, rejectedTopic := b.reject[cmd.Topic]
		resp, hasResp := b.responses[cmd.Topic]
		b.mu.Unlock()

		switch cmd.Cmd {
		case "hello", "subscribe", "request":
		default:
			continue
		}
		if silent && cmd.Cmd != "hello" {
			continue
		}

		switch {
		case rejectedCmd:
			conn.write(map[string]any{"id": cmd.ID, "type": "error", "code": 502, "message": rejectCmd})
		case rejectedTopic && cmd.Topic != "":
			conn.write(map[string]any{"id": cmd.ID, "type": "error", "code": 200, "message": rejectTopic})
		case hasResp && cmd.Cmd == "request":
			conn.write(map[string]any{"id": cmd.ID, "type": "ack", "data": resp})
		default:
			conn.write(map[string]any{"id": cmd.ID, "type": "ack"})
		}
	}
}
