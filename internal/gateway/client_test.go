package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// bridgeSocket starts a raw WebSocket server running handler for each
// upgraded connection.
func bridgeSocket(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(server.Close)
	return server
}

func socketConfig(server *httptest.Server) ClientConfig {
	return ClientConfig{
		URL:              "ws" + strings.TrimPrefix(server.URL, "http"),
		WatchdogInterval: 30 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       100,
	}
}

func dialSocket(t *testing.T, cfg ClientConfig) Client {
	t.Helper()
	cl := NewClient(cfg, nil)
	if err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

// drain reads until the peer goes away.
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClient_ConnectAndClose(t *testing.T) {
	server := bridgeSocket(t, drain)
	cl := dialSocket(t, socketConfig(server))

	if !cl.IsConnected() {
		t.Error("IsConnected = false after Connect")
	}
	if err := cl.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if cl.IsConnected() {
		t.Error("IsConnected = true after Close")
	}

	select {
	case <-cl.Done():
	default:
		t.Error("Done not closed after Close")
	}

	if err := cl.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := cl.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_DialRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	cl := NewClient(socketConfig(server), nil)
	err := cl.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect to a non-WebSocket endpoint succeeded")
	}
	if !strings.Contains(err.Error(), "http 404") {
		t.Errorf("error = %v, want http status in message", err)
	}
}

func TestClient_SendHello(t *testing.T) {
	got := make(chan string, 1)
	server := bridgeSocket(t, func(ws *websocket.Conn) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		got <- string(data)
		drain(ws)
	})
	cl := dialSocket(t, socketConfig(server))

	hello := `{"id":1,"cmd":"hello","params":{"clientId":0}}`
	if err := cl.Send([]byte(hello)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-got:
		if data != hello {
			t.Errorf("bridge received %q, want %q", data, hello)
		}
	case <-time.After(time.Second):
		t.Fatal("bridge never received hello")
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	cl := NewClient(ClientConfig{URL: "ws://127.0.0.1:1", WriteTimeout: time.Second}, nil)
	if err := cl.Send([]byte("{}")); err != ErrNotConnected {
		t.Errorf("Send before Connect = %v, want ErrNotConnected", err)
	}
}

func TestClient_FramesInOrder(t *testing.T) {
	frames := []string{
		`{"id":1,"type":"ack"}`,
		`{"id":2,"type":"data","owner":"AAPL","fields":[{"tick":4,"value":190.5}]}`,
		`{"type":"heartbeat"}`,
	}
	server := bridgeSocket(t, func(ws *websocket.Conn) {
		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		drain(ws)
	})
	cl := dialSocket(t, socketConfig(server))

	timeout := time.After(time.Second)
	for i, want := range frames {
		select {
		case msg := <-cl.Messages():
			if string(msg.Data) != want {
				t.Errorf("frame %d = %q, want %q", i, msg.Data, want)
			}
			if msg.ReceivedAt.IsZero() {
				t.Errorf("frame %d has zero ReceivedAt", i)
			}
		case <-timeout:
			t.Fatalf("timeout after %d of %d frames", i, len(frames))
		}
	}

	if st := cl.Stats(); st.Received != int64(len(frames)) || st.LastSeen.IsZero() {
		t.Errorf("Stats = %+v, want %d received and a last-seen time", st, len(frames))
	}
}

func TestClient_FullBufferDropsFrames(t *testing.T) {
	server := bridgeSocket(t, func(ws *websocket.Conn) {
		for i := 0; i < 5; i++ {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
				return
			}
		}
		drain(ws)
	})
	cfg := socketConfig(server)
	cfg.BufferSize = 2
	cl := dialSocket(t, cfg)

	deadline := time.Now().Add(time.Second)
	for cl.Stats().Received < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	st := cl.Stats()
	if st.Received != 5 || st.Dropped != 3 {
		t.Errorf("Stats = %+v, want 5 received and 3 dropped", st)
	}
	if n := len(cl.Messages()); n != 2 {
		t.Errorf("buffered frames = %d, want 2", n)
	}
}

func TestClient_BridgeCloseIsConnectionLoss(t *testing.T) {
	server := bridgeSocket(t, func(ws *websocket.Conn) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway restarting"),
			time.Now().Add(time.Second))
	})
	cl := dialSocket(t, socketConfig(server))

	select {
	case err := <-cl.Errors():
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error after bridge closed the socket")
	}
	if cl.IsConnected() {
		t.Error("IsConnected = true after bridge close")
	}
}

func TestClient_AbruptDropReportsReadError(t *testing.T) {
	server := bridgeSocket(t, func(ws *websocket.Conn) {
		ws.UnderlyingConn().Close()
	})
	cl := dialSocket(t, socketConfig(server))

	select {
	case err := <-cl.Errors():
		if err == nil || errors.Is(err, ErrConnectionLost) {
			t.Errorf("error = %v, want a read error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error after abrupt drop")
	}
}

func TestClient_OversizedFrameFails(t *testing.T) {
	server := bridgeSocket(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 2048)))
		drain(ws)
	})
	cfg := socketConfig(server)
	cfg.MaxFrameSize = 1024
	cl := dialSocket(t, cfg)

	select {
	case err := <-cl.Errors():
		if !errors.Is(err, websocket.ErrReadLimit) {
			t.Errorf("error = %v, want ErrReadLimit", err)
		}
	case <-time.After(time.Second):
		t.Fatal("oversized frame was accepted")
	}
}

func TestClient_WatchdogStale(t *testing.T) {
	release := make(chan struct{})
	server := bridgeSocket(t, func(ws *websocket.Conn) {
		// never reads, so watchdog pings go unanswered
		<-release
	})
	defer close(release)

	cfg := socketConfig(server)
	cfg.WatchdogInterval = 100 * time.Millisecond
	cl := dialSocket(t, cfg)

	select {
	case err := <-cl.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestClient_BridgePingKeepsAlive(t *testing.T) {
	server := bridgeSocket(t, func(ws *websocket.Conn) {
		for i := 0; i < 6; i++ {
			if err := ws.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		drain(ws)
	})
	cfg := socketConfig(server)
	cfg.WatchdogInterval = 150 * time.Millisecond
	cl := dialSocket(t, cfg)

	select {
	case err := <-cl.Errors():
		t.Fatalf("connection failed while the bridge was pinging: %v", err)
	case <-time.After(250 * time.Millisecond):
	}
	if !cl.IsConnected() {
		t.Error("IsConnected = false while the bridge was pinging")
	}
}
