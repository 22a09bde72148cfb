package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/gateway/gatewaytest"
	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/observe"
)

func connect(t *testing.T, b *gatewaytest.Bridge, cfg gateway.Config, obs observe.Observer) gateway.Connection {
	t.Helper()
	conn := gateway.NewConnection(cfg, obs, nil)
	if err := conn.Connect(context.Background(), 0); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Disconnect() })
	return conn
}

func waitState(t *testing.T, ch <-chan model.ConnectionState, want model.ConnectionState) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func TestConnection_ConnectHandshake(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := gateway.NewConnection(b.Config(), nil, nil)

	if conn.State() != model.Disconnected {
		t.Errorf("initial state = %s, want disconnected", conn.State())
	}

	if err := conn.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Disconnect()

	hello, ok := b.WaitCommand("hello", time.Second)
	if !ok {
		t.Fatal("bridge did not receive hello")
	}
	if string(hello.Params) != `{"client_id":7}` {
		t.Errorf("hello params = %s", hello.Params)
	}
	if conn.State() != model.Connected {
		t.Errorf("state = %s, want connected", conn.State())
	}

	// second Connect on a live connection is a no-op
	if err := conn.Connect(context.Background(), 7); err != nil {
		t.Errorf("second Connect failed: %v", err)
	}
	if b.Connections() != 1 {
		t.Errorf("connections = %d, want 1", b.Connections())
	}
}

func TestConnection_ConnectRefused(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	cfg := b.Config()
	b.Close()

	conn := gateway.NewConnection(cfg, nil, nil)
	err := conn.Connect(context.Background(), 0)

	var connErr *gateway.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v, want *ConnectionError", err)
	}
	if connErr.Host != cfg.Host || connErr.Port != cfg.Port {
		t.Errorf("ConnectionError = %s:%d, want %s:%d", connErr.Host, connErr.Port, cfg.Host, cfg.Port)
	}
	if conn.State() != model.Disconnected {
		t.Errorf("state = %s, want disconnected", conn.State())
	}
}

func TestConnection_HandshakeRejected(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	b.Reject("hello", "client id already in use")

	conn := gateway.NewConnection(b.Config(), nil, nil)
	err := conn.Connect(context.Background(), 0)

	var remote *gateway.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want wrapped *RemoteError", err)
	}
	if remote.Message != "client id already in use" {
		t.Errorf("message = %q", remote.Message)
	}
}

func TestConnection_SubscribeAndDeliver(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	counters := &observe.Counters{}
	conn := connect(t, b, b.Config(), counters)

	sub, err := conn.Subscribe(context.Background(), gateway.Request{
		Topic:  gateway.TopicMarketData,
		Params: map[string]any{"symbol": "AAPL"},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cmd, ok := b.WaitCommand("subscribe", time.Second)
	if !ok {
		t.Fatal("bridge did not receive subscribe")
	}
	if cmd.ID != sub.ID() || cmd.Topic != gateway.TopicMarketData {
		t.Errorf("subscribe command = %+v, want id %d", cmd, sub.ID())
	}

	b.Push(sub.ID(), gatewaytest.Data{
		Owner:  "contract",
		Symbol: "AAPL",
		Fields: []gatewaytest.Field{gatewaytest.Tick(1, 189.5)},
	})

	select {
	case msg := <-sub.Updates():
		if msg.SubscriptionID != sub.ID() {
			t.Errorf("SubscriptionID = %d, want %d", msg.SubscriptionID, sub.ID())
		}
		if len(msg.Fields) != 1 || msg.Fields[0].Key != model.TickKey(1) {
			t.Errorf("fields = %+v", msg.Fields)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
	}

	if err := sub.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, ok := b.WaitCommand("cancel", time.Second); !ok {
		t.Error("bridge did not receive cancel")
	}
	if _, open := <-sub.Updates(); open {
		t.Error("Updates should be closed after Close")
	}
	if sub.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", sub.Err())
	}

	stats := counters.Stats()
	if stats.UpdatesReceived != 1 || stats.SubscriptionsClosed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestConnection_SubscribeRejected(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	b.Reject(gateway.TopicMarketData, "No security definition has been found")
	conn := connect(t, b, b.Config(), nil)

	_, err := conn.Subscribe(context.Background(), gateway.Request{Topic: gateway.TopicMarketData})

	var subErr *gateway.SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("error = %v, want *SubscriptionError", err)
	}
	var remote *gateway.RemoteError
	if !errors.As(err, &remote) || remote.Code != 200 {
		t.Errorf("error = %v, want wrapped RemoteError code 200", err)
	}
}

func TestConnection_SubscribeNotConnected(t *testing.T) {
	conn := gateway.NewConnection(gateway.DefaultConfig(), nil, nil)

	_, err := conn.Subscribe(context.Background(), gateway.Request{Topic: gateway.TopicPositions})

	var subErr *gateway.SubscriptionError
	if !errors.As(err, &subErr) || !errors.Is(err, gateway.ErrNotConnected) {
		t.Errorf("error = %v, want SubscriptionError wrapping ErrNotConnected", err)
	}
}

func TestConnection_Request(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	b.SetResponse(gateway.TopicManagedAccounts, []string{"DU111", "DU222"})
	conn := connect(t, b, b.Config(), nil)

	resp, err := conn.Request(context.Background(), gateway.Request{Topic: gateway.TopicManagedAccounts})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var accounts []string
	if err := resp.Decode(&accounts); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(accounts) != 2 || accounts[1] != "DU222" {
		t.Errorf("accounts = %v", accounts)
	}
}

func TestConnection_RequestTimeout(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	cfg := b.Config()
	cfg.RequestTimeout = 100 * time.Millisecond
	conn := connect(t, b, cfg, nil)
	b.SetSilent(true)

	_, err := conn.Request(context.Background(), gateway.Request{Topic: gateway.TopicNextOrderID})
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestConnection_Send(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := connect(t, b, b.Config(), nil)

	if err := conn.Send(context.Background(), gateway.CmdCancelOrder, map[string]int64{"order_id": 42}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	cmd, ok := b.WaitCommand(gateway.CmdCancelOrder, time.Second)
	if !ok {
		t.Fatal("bridge did not receive cancel_order")
	}
	if string(cmd.Params) != `{"order_id":42}` {
		t.Errorf("params = %s", cmd.Params)
	}

	conn.Disconnect()
	if err := conn.Send(context.Background(), gateway.CmdCancelOrder, nil); !errors.Is(err, gateway.ErrNotConnected) {
		t.Errorf("Send after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestConnection_LossClosesSubscriptionsAndReconnects(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := connect(t, b, b.Config(), nil)

	states, stop := conn.Listen()
	defer stop()

	sub, err := conn.Subscribe(context.Background(), gateway.Request{Topic: gateway.TopicPositions})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.DropAll()

	waitState(t, states, model.Disconnected)

	select {
	case _, open := <-sub.Updates():
		if open {
			t.Fatal("unexpected update")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on connection loss")
	}
	if !errors.Is(sub.Err(), gateway.ErrConnectionLost) {
		t.Errorf("Err = %v, want ErrConnectionLost", sub.Err())
	}

	waitState(t, states, model.Connected)
	if conn.State() != model.Connected {
		t.Errorf("state = %s, want connected", conn.State())
	}
}

func TestConnection_ReconnectRetriesUntilAvailable(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := connect(t, b, b.Config(), nil)

	states, stop := conn.Listen()
	defer stop()

	b.SetRefuse(true)
	b.DropAll()

	waitState(t, states, model.Disconnected)
	waitState(t, states, model.Connecting)
	waitState(t, states, model.Disconnected)

	b.SetRefuse(false)
	waitState(t, states, model.Connected)
}

func TestConnection_NoAutoReconnect(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	cfg := b.Config()
	cfg.AutoReconnect = false
	conn := connect(t, b, cfg, nil)

	states, stop := conn.Listen()
	defer stop()

	b.DropAll()
	waitState(t, states, model.Disconnected)

	time.Sleep(3 * cfg.ReconnectInterval)
	if conn.State() != model.Disconnected {
		t.Errorf("state = %s, want disconnected", conn.State())
	}

	// a stopped connection can be connected again
	if err := conn.Connect(context.Background(), 0); err != nil {
		t.Fatalf("Connect after loss failed: %v", err)
	}
	if conn.State() != model.Connected {
		t.Errorf("state = %s, want connected", conn.State())
	}
}

func TestConnection_DisconnectIdempotent(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := connect(t, b, b.Config(), nil)

	sub, err := conn.Subscribe(context.Background(), gateway.Request{Topic: gateway.TopicOpenOrders})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
	if conn.State() != model.Disconnected {
		t.Errorf("state = %s, want disconnected", conn.State())
	}
	if !errors.Is(sub.Err(), gateway.ErrDisconnected) {
		t.Errorf("Err = %v, want ErrDisconnected", sub.Err())
	}
	if err := sub.Close(); err != nil {
		t.Errorf("Close after Disconnect failed: %v", err)
	}

	// reconnect after explicit disconnect
	if err := conn.Connect(context.Background(), 0); err != nil {
		t.Fatalf("Connect after Disconnect failed: %v", err)
	}
	if conn.State() != model.Connected {
		t.Errorf("state = %s, want connected", conn.State())
	}
}

func TestConnection_ListenNoReplay(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := connect(t, b, b.Config(), nil)

	states, stop := conn.Listen()

	select {
	case s := <-states:
		t.Errorf("unexpected replayed state %s", s)
	case <-time.After(50 * time.Millisecond):
	}

	stop()
	stop()
	if _, open := <-states; open {
		t.Error("listener channel should be closed after stop")
	}
}

func TestConnection_MalformedFrameSkipped(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	counters := &observe.Counters{}
	conn := connect(t, b, b.Config(), counters)

	sub, err := conn.Subscribe(context.Background(), gateway.Request{Topic: gateway.TopicPositions})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	b.PushRaw(`{not json`)
	b.Push(sub.ID(), gatewaytest.Data{Owner: "DU111", Fields: []gatewaytest.Field{gatewaytest.Tag("position", "", 100)}})

	select {
	case msg := <-sub.Updates():
		if msg.Owner != "DU111" {
			t.Errorf("Owner = %q, want DU111", msg.Owner)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update after malformed frame")
	}

	if counters.Stats().UpdatesDropped != 1 {
		t.Errorf("UpdatesDropped = %d, want 1", counters.Stats().UpdatesDropped)
	}
	if conn.State() != model.Connected {
		t.Errorf("state = %s, want connected", conn.State())
	}
}
