package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/l4z41/ibkr-connector/internal/model"
)

// PostgresSchema creates the emissions table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS quote_emissions (
	trigger_id     TEXT             NOT NULL,
	emitted_at     TIMESTAMPTZ      NOT NULL,
	owner          TEXT             NOT NULL,
	symbol         TEXT             NOT NULL,
	currency       TEXT,
	last           DOUBLE PRECISION,
	bid            DOUBLE PRECISION,
	ask            DOUBLE PRECISION,
	price_change   DOUBLE PRECISION,
	previous_price DOUBLE PRECISION,
	payload        JSONB            NOT NULL,
	PRIMARY KEY (trigger_id, emitted_at)
)`

// BatchSender is the part of pgxpool.Pool the writer uses.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Execer runs DDL.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates quote_emissions if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create quote_emissions: %w", err)
	}
	return nil
}

// WriterConfig configures the Postgres writer.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// DefaultWriterConfig returns writer defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		QueueSize:     256,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Flushes   int64 `json:"flushes"`
	Errors    int64 `json:"errors"`
}

var _ Sink = (*PostgresWriter)(nil)

// PostgresWriter queues emissions and writes them to quote_emissions in
// batches, on size or on the flush interval.
type PostgresWriter struct {
	cfg    WriterConfig
	logger *slog.Logger
	db     BatchSender
	queue  *Queue[Record]

	batch   []Record
	batchMu sync.Mutex
	metrics WriterMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPostgresWriter creates a writer over db.
func NewPostgresWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *PostgresWriter {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresWriter{
		cfg:    cfg,
		logger: logger.With("sink", "postgres"),
		db:     db,
		queue:  NewQueue[Record](cfg.QueueSize),
		batch:  make([]Record, 0, cfg.BatchSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the consume and flush loops.
func (w *PostgresWriter) Start(ctx context.Context) error {
	w.cancel()
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("emission writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Write queues an emission.
func (w *PostgresWriter) Write(_ context.Context, em model.Emission) error {
	rec, err := NewRecord(em)
	if err != nil {
		return err
	}
	if !w.queue.Push(rec) {
		return ErrClosed
	}
	return nil
}

// Close stops the loops and writes whatever is still queued.
func (w *PostgresWriter) Close() error {
	w.once.Do(func() {
		w.queue.Close()
		w.cancel()
		w.wg.Wait()

		w.batchMu.Lock()
		w.batch = append(w.batch, w.queue.Drain(0)...)
		w.batchMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.flush(ctx)

		w.logger.Info("emission writer stopped")
	})
	return nil
}

// Stats returns current metrics.
func (w *PostgresWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *PostgresWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		rec, ok := w.queue.Pop()
		if !ok {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		w.add(rec)
	}
}

func (w *PostgresWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

func (w *PostgresWriter) add(rec Record) {
	w.batchMu.Lock()
	w.batch = append(w.batch, rec)
	full := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if full {
		w.flush(w.ctx)
	}
}

func (w *PostgresWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]Record, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.insert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed emissions",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

const insertEmission = `
	INSERT INTO quote_emissions (trigger_id, emitted_at, owner, symbol, currency, last, bid, ask, price_change, previous_price, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (trigger_id, emitted_at) DO NOTHING`

func (w *PostgresWriter) insert(ctx context.Context, rows []Record) (conflicts int, err error) {
	if w.db == nil {
		return 0, fmt.Errorf("no database configured")
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEmission,
			r.TriggerID, r.EmittedAt, r.Owner, r.Symbol, r.Currency,
			r.Last, r.Bid, r.Ask, r.PriceChange, r.PreviousPrice, string(r.Payload),
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
