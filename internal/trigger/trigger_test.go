package trigger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/gateway/gatewaytest"
	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/observe"
	"github.com/l4z41/ibkr-connector/internal/trigger"
)

func testConfig() trigger.Config {
	cfg := trigger.DefaultConfig()
	cfg.Contract = model.Contract{Symbol: "AAPL"}
	cfg.UpdateInterval = 100 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func waitEmission(t *testing.T, tr *trigger.Trigger) model.Emission {
	t.Helper()
	select {
	case em, ok := <-tr.Emissions():
		require.True(t, ok, "emissions closed")
		return em
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for emission")
		return model.Emission{}
	}
}

func TestTrigger_StreamsEmissions(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := gateway.NewConnection(b.Config(), nil, nil)
	tr := trigger.New(testConfig(), conn, nil, nil)

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	cmd, ok := b.WaitCommand("subscribe", time.Second)
	require.True(t, ok)
	assert.Equal(t, gateway.TopicMarketData, cmd.Topic)

	b.Push(cmd.ID, gatewaytest.Data{Fields: []gatewaytest.Field{
		gatewaytest.Tick(1, 189.5),
		gatewaytest.Tick(4, 189.55),
	}})

	em := waitEmission(t, tr)
	last, ok := em.Snapshot.Number("last")
	require.True(t, ok)
	assert.Equal(t, 189.55, last)
	assert.Equal(t, "AAPL", em.Snapshot.Symbol)
	assert.Equal(t, "USD", em.Snapshot.Currency)
	assert.Equal(t, tr.ID(), em.TriggerID)

	m := em.Map()
	assert.Equal(t, "AAPL", m["symbol"])
	assert.Equal(t, true, m["connected"])
}

func TestTrigger_ReconnectKeepsOneSubscription(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	counters := &observe.Counters{}
	conn := gateway.NewConnection(b.Config(), counters, nil)
	tr := trigger.New(testConfig(), conn, counters, nil)

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	first, ok := b.WaitCommand("subscribe", time.Second)
	require.True(t, ok)

	b.DropAll()

	second, ok := b.WaitCommand("subscribe", 3*time.Second)
	require.True(t, ok, "trigger must resubscribe after reconnect")
	assert.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool {
		return tr.Stats().Subscribes == 2 && tr.State() == trigger.Subscribed &&
			counters.Stats().Resubscribes == 1 && counters.Stats().Reconnections == 1
	}, 2*time.Second, 10*time.Millisecond)

	// updates for the dead subscription are ignored, the live one streams
	b.Push(first.ID, gatewaytest.Data{Fields: []gatewaytest.Field{gatewaytest.Tick(4, 1)}})
	b.Push(second.ID, gatewaytest.Data{Fields: []gatewaytest.Field{gatewaytest.Tick(4, 2)}})

	em := waitEmission(t, tr)
	last, _ := em.Snapshot.Number("last")
	assert.Equal(t, 2.0, last)
	assert.Equal(t, int64(1), tr.Stats().Updates)

	select {
	case c := <-b.Commands():
		if c.Cmd == "subscribe" {
			t.Errorf("unexpected extra subscribe %+v", c)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTrigger_StartFailure(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	cfg := b.Config()
	b.Close()

	conn := gateway.NewConnection(cfg, nil, nil)
	tr := trigger.New(testConfig(), conn, nil, nil)

	err := tr.Start(context.Background())

	var connErr *gateway.ConnectionError
	require.True(t, errors.As(err, &connErr), "error = %v", err)
	assert.Equal(t, cfg.Port, connErr.Port)
	assert.Equal(t, trigger.ShuttingDown, tr.State())

	_, open := <-tr.Emissions()
	assert.False(t, open, "emissions closed after failed start")
}

func TestTrigger_CloseIdempotent(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := gateway.NewConnection(b.Config(), nil, nil)
	tr := trigger.New(testConfig(), conn, nil, nil)

	require.NoError(t, tr.Start(context.Background()))
	_, ok := b.WaitCommand("subscribe", time.Second)
	require.True(t, ok)

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())

	_, ok = b.WaitCommand("cancel", time.Second)
	assert.True(t, ok, "subscription released on close")
	assert.Equal(t, model.Disconnected, conn.State())
	assert.Equal(t, trigger.ShuttingDown, tr.State())

	_, open := <-tr.Emissions()
	assert.False(t, open)

	assert.Error(t, tr.Start(context.Background()), "closed trigger cannot restart")
}

func TestTrigger_SharedConnectionAlreadyConnected(t *testing.T) {
	b := gatewaytest.NewBridge(t)
	conn := gateway.NewConnection(b.Config(), nil, nil)
	require.NoError(t, conn.Connect(context.Background(), 0))

	tr := trigger.New(testConfig(), conn, nil, nil)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	_, ok := b.WaitCommand("subscribe", time.Second)
	assert.True(t, ok)
	assert.Equal(t, int64(1), tr.Stats().Subscribes)
}
