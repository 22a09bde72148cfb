package aggregate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l4z41/ibkr-connector/internal/model"
)

func tick(id int, v float64) model.FieldUpdate {
	return model.FieldUpdate{Key: model.TickKey(id), Value: model.Number(v)}
}

func TestAccept_LatestNonSentinelWins(t *testing.T) {
	a := New()

	a.Accept(model.Message{Fields: []model.FieldUpdate{tick(TickBid, 100)}})
	a.Accept(model.Message{Fields: []model.FieldUpdate{tick(TickBid, model.NoDataSentinel)}})
	a.Accept(model.Message{Fields: []model.FieldUpdate{tick(TickBid, 101)}})
	a.Accept(model.Message{Fields: []model.FieldUpdate{tick(TickBid, model.NoDataSentinel)}})

	s, ok := a.Snapshot(SingleContract)
	require.True(t, ok)
	bid, ok := s.Number("bid")
	require.True(t, ok)
	assert.Equal(t, 101.0, bid)
	assert.Equal(t, 4, a.Updates())
}

func TestAccept_SentinelOnlyLeavesNoField(t *testing.T) {
	a := New()

	changes := a.Accept(model.Message{Fields: []model.FieldUpdate{
		tick(TickAsk, model.NoDataSentinel),
		{Key: model.TickKey(TickBid)},
	}})

	assert.True(t, changes.Empty())
	assert.Empty(t, a.Snapshots())
	_, ok := a.Snapshot(SingleContract)
	assert.False(t, ok)
}

func TestAccept_EmptyMessage(t *testing.T) {
	a := New()

	changes := a.Accept(model.Message{})

	assert.True(t, changes.Empty())
	assert.Equal(t, 1, a.Updates())
	assert.Equal(t, 0, a.Len())
}

func TestAccept_ReportsAppliedNames(t *testing.T) {
	a := New()

	changes := a.Accept(model.Message{Fields: []model.FieldUpdate{
		tick(TickBid, 99.5),
		tick(TickLast, 99.6),
		tick(TickAsk, model.NoDataSentinel),
		tick(99, 1),
	}})

	assert.True(t, changes.Has("bid"))
	assert.True(t, changes.Has("last"))
	assert.False(t, changes.Has("ask"))
	assert.Len(t, changes, 2)
}

func TestAccept_OwnersNeverMerge(t *testing.T) {
	a := New()

	a.Accept(model.Message{Owner: "DU222", Account: "DU222", Fields: []model.FieldUpdate{
		{Key: model.TagKey("NetLiquidation", "USD"), Value: model.String("2000")},
	}})
	a.Accept(model.Message{Owner: "DU111", Account: "DU111", Fields: []model.FieldUpdate{
		{Key: model.TagKey("NetLiquidation", "USD"), Value: model.String("1000")},
		{Key: model.TagKey("NetLiquidation", "EUR"), Value: model.String("900")},
	}})

	snaps := a.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "DU111", snaps[0].Owner, "owners sorted")
	assert.Equal(t, "DU222", snaps[1].Owner)

	require.Len(t, snaps[0].Fields, 2)
	assert.Equal(t, "EUR", snaps[0].Fields[0].Currency)
	assert.Equal(t, "USD", snaps[0].Fields[1].Currency)

	v, _ := snaps[1].Get("NetLiquidation")
	assert.Equal(t, "2000", v.Text())
}

func TestAccept_PerFieldOwnerOverridesMessageOwner(t *testing.T) {
	a := New()

	a.Accept(model.Message{Owner: "batch", Fields: []model.FieldUpdate{
		{Owner: "1001", Key: model.TagKey("status", ""), Value: model.String("Submitted")},
		{Owner: "1002", Key: model.TagKey("status", ""), Value: model.String("PreSubmitted")},
	}})

	assert.Equal(t, 2, a.Len())
	s, ok := a.Snapshot("1002")
	require.True(t, ok)
	v, _ := s.Get("status")
	assert.Equal(t, "PreSubmitted", v.Text())
}

func TestSnapshot_TranslatesTicksAndHidesUnknown(t *testing.T) {
	a := New()
	at := time.UnixMilli(1705321845000)

	a.Accept(model.Message{Symbol: "AAPL", Currency: "USD", Fields: []model.FieldUpdate{
		{Key: model.TickKey(TickAsk), Value: model.Number(190.1), IngressAt: at},
		tick(TickBid, 190.0),
		tick(TickOpen, 188.0),
		tick(77, 5),
	}})

	s, ok := a.Snapshot(SingleContract)
	require.True(t, ok)
	assert.Equal(t, "AAPL", s.Symbol)
	assert.Equal(t, "USD", s.Currency)

	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"bid", "ask", "open"}, names)

	m := s.Map()
	assert.Equal(t, at.UnixMilli(), m["askTime"])
	assert.NotContains(t, m, "bidTime")
}

func TestSnapshots_OmitOwnersWithOnlyUnknownTicks(t *testing.T) {
	a := New()
	a.Accept(model.Message{Fields: []model.FieldUpdate{tick(77, 5)}})

	assert.Equal(t, 1, a.Len())
	assert.Empty(t, a.Snapshots())
}

func TestSnapshot_DoesNotMutate(t *testing.T) {
	a := New()
	a.Accept(model.Message{Fields: []model.FieldUpdate{tick(TickLast, 10)}})

	first := a.Snapshots()
	second := a.Snapshots()
	assert.Equal(t, first, second)
	assert.Equal(t, 1, a.Updates())
}

func TestRows(t *testing.T) {
	a := New()
	a.Accept(model.Message{Owner: "DU111", Account: "DU111", Fields: []model.FieldUpdate{
		{Key: model.TagKey("BuyingPower", "USD"), Value: model.String("4000")},
		{Key: model.TagKey("AccountType", ""), Value: model.String("INDIVIDUAL")},
	}})

	rows := a.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"account": "DU111", "tag": "AccountType", "value": "INDIVIDUAL"}, rows[0])
	assert.Equal(t, "USD", rows[1]["currency"])
}

func TestAggregator_ConcurrentAccept(t *testing.T) {
	a := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Accept(model.Message{Fields: []model.FieldUpdate{tick(TickVolume, float64(i*100+j))}})
				a.Snapshots()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 800, a.Updates())
	s, ok := a.Snapshot(SingleContract)
	require.True(t, ok)
	assert.Equal(t, 800, s.UpdateCount)
}
