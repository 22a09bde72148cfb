package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l4z41/ibkr-connector/internal/model"
)

func testEmission(symbol string, last float64, at time.Time) model.Emission {
	change := 1.5
	prev := last / 1.015
	return model.Emission{
		TriggerID: "trig-1",
		Timestamp: at,
		Snapshot: model.Snapshot{
			Owner:    "contract",
			Symbol:   symbol,
			Currency: "USD",
			Fields: []model.Field{
				{Name: "bid", Value: model.Number(last - 0.05)},
				{Name: "last", Value: model.Number(last)},
			},
			Connected: true,
			Timestamp: at,
		},
		PriceChange:   &change,
		PreviousPrice: &prev,
	}
}

func TestNewRecord(t *testing.T) {
	at := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	r, err := NewRecord(testEmission("AAPL", 190, at))
	require.NoError(t, err)

	assert.Equal(t, "trig-1", r.TriggerID)
	assert.Equal(t, "AAPL", r.Symbol)
	require.NotNil(t, r.Last)
	assert.Equal(t, 190.0, *r.Last)
	require.NotNil(t, r.Bid)
	assert.Nil(t, r.Ask)
	assert.Equal(t, 1.5, *r.PriceChange)
	assert.Equal(t, at, r.EmittedAt)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(r.Payload, &payload))
	assert.Equal(t, "AAPL", payload["symbol"])
	assert.Equal(t, 1.5, payload["priceChange"])
}

type recordingSink struct {
	mu     sync.Mutex
	got    []model.Emission
	err    error
	closed bool
}

func (s *recordingSink) Write(_ context.Context, em model.Emission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, em)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return s.err
}

func TestFanout(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("boom")}
	f := Fanout{ok, bad}

	err := f.Write(context.Background(), testEmission("AAPL", 1, time.Now()))
	assert.EqualError(t, err, "boom")
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1, "every sink is written even when one fails")

	assert.Error(t, f.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestPump(t *testing.T) {
	sink := &recordingSink{err: errors.New("skipped")}
	ch := make(chan model.Emission, 3)
	for i := 0; i < 3; i++ {
		ch <- testEmission("AAPL", float64(i+1), time.Now())
	}
	close(ch)

	require.NoError(t, Pump(context.Background(), ch, sink, nil))
	assert.Len(t, sink.got, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Pump(ctx, make(chan model.Emission), sink, nil), context.Canceled)
}

// fakeBatchSender records queued inserts and reports every row as
// inserted.
type fakeBatchSender struct {
	mu      sync.Mutex
	queries []*pgx.QueuedQuery
	err     error
}

func (f *fakeBatchSender) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	f.queries = append(f.queries, b.QueuedQueries...)
	f.mu.Unlock()
	return &fakeResults{err: f.err}
}

func (f *fakeBatchSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeResults struct{ err error }

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func TestPostgresWriter_FlushOnBatchSize(t *testing.T) {
	db := &fakeBatchSender{}
	w := NewPostgresWriter(WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, db, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	now := time.Now()
	require.NoError(t, w.Write(context.Background(), testEmission("AAPL", 1, now)))
	require.NoError(t, w.Write(context.Background(), testEmission("AAPL", 2, now.Add(time.Second))))

	require.Eventually(t, func() bool { return w.Stats().Flushes == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, db.count())
	assert.Equal(t, int64(2), w.Stats().Inserts)

	db.mu.Lock()
	args := db.queries[0].Arguments
	db.mu.Unlock()
	assert.Equal(t, "trig-1", args[0])
	assert.Equal(t, "AAPL", args[3])
}

func TestPostgresWriter_CloseFlushesQueued(t *testing.T) {
	db := &fakeBatchSender{}
	w := NewPostgresWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, db, nil)

	require.NoError(t, w.Write(context.Background(), testEmission("MSFT", 400, time.Now())))
	require.NoError(t, w.Close())

	assert.Equal(t, 1, db.count())
	assert.ErrorIs(t, w.Write(context.Background(), testEmission("MSFT", 401, time.Now())), ErrClosed)
	assert.NoError(t, w.Close())
}

func TestPostgresWriter_InsertErrorCounted(t *testing.T) {
	db := &fakeBatchSender{err: errors.New("relation does not exist")}
	w := NewPostgresWriter(WriterConfig{BatchSize: 1, FlushInterval: time.Hour}, db, nil)

	w.add(mustRecord(t, testEmission("AAPL", 1, time.Now())))
	assert.Equal(t, int64(1), w.Stats().Errors)
	assert.Equal(t, int64(0), w.Stats().Inserts)
}

func mustRecord(t *testing.T, em model.Emission) Record {
	t.Helper()
	r, err := NewRecord(em)
	require.NoError(t, err)
	return r
}

type fakeExecer struct{ sql string }

func (f *fakeExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeExecer{}
	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.Contains(t, db.sql, "quote_emissions")
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, testEmission("AAPL", 190, base)))
	require.NoError(t, s.Write(ctx, testEmission("AAPL", 191, base.Add(time.Second))))
	require.NoError(t, s.Write(ctx, testEmission("MSFT", 400, base.Add(2*time.Second))))

	recs, err := s.Recent(ctx, "AAPL", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 191.0, *recs[0].Last)
	assert.Equal(t, base.Add(time.Second), recs[0].EmittedAt)
	assert.Nil(t, recs[0].Ask)
	assert.Equal(t, "USD", recs[0].Currency)

	all, err := s.Recent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "MSFT", all[0].Symbol)
}

type fakeKafka struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	fk := &fakeKafka{}
	p := &KafkaPublisher{w: fk}

	require.NoError(t, p.Write(context.Background(), testEmission("AAPL", 190, time.Now())))
	require.Len(t, fk.msgs, 1)
	assert.Equal(t, "AAPL", string(fk.msgs[0].Key))
	assert.Equal(t, "trig-1", string(fk.msgs[0].Headers[0].Value))

	fk.err = errors.New("leader not available")
	assert.ErrorContains(t, p.Write(context.Background(), testEmission("AAPL", 191, time.Now())), "kafka publish")

	require.NoError(t, p.Close())
	assert.True(t, fk.closed)
}

func TestNewKafkaPublisher_Validates(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "quotes"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "quotes"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

type fakeRedis struct {
	published map[string][]any
	set       map[string]any
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.published == nil {
		f.published = map[string][]any{}
	}
	f.published[channel] = append(f.published[channel], message)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.set == nil {
		f.set = map[string]any{}
	}
	f.set[key] = value
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisPublisher(t *testing.T) {
	fr := &fakeRedis{}
	p := newRedisPublisher(fr, RedisConfig{})

	require.NoError(t, p.Write(context.Background(), testEmission("AAPL", 190, time.Now())))
	assert.Len(t, fr.published["ibkr:emissions"], 1)
	assert.Contains(t, fr.set, "ibkr:last:AAPL")
}

func TestNewRedisPublisher_RequiresAddr(t *testing.T) {
	_, err := NewRedisPublisher(RedisConfig{})
	assert.Error(t, err)
}
