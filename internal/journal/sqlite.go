package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/l4z41/ibkr-connector/internal/model"
)

// SQLiteSchema creates the local emissions table.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS emissions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	trigger_id     TEXT    NOT NULL,
	emitted_at     INTEGER NOT NULL,
	owner          TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	currency       TEXT,
	last           REAL,
	bid            REAL,
	ask            REAL,
	price_change   REAL,
	previous_price REAL,
	payload        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS emissions_symbol_time ON emissions (symbol, emitted_at);
`

var _ Sink = (*SQLiteStore)(nil)

// SQLiteStore is a local emission journal.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the journal at path in WAL mode.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		SQLiteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite journal: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Write appends one emission.
func (s *SQLiteStore) Write(ctx context.Context, em model.Emission) error {
	r, err := NewRecord(em)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO emissions
		(trigger_id, emitted_at, owner, symbol, currency, last, bid, ask, price_change, previous_price, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TriggerID, r.EmittedAt.UnixMilli(), r.Owner, r.Symbol, r.Currency,
		r.Last, r.Bid, r.Ask, r.PriceChange, r.PreviousPrice, string(r.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert emission: %w", err)
	}
	return nil
}

// Recent returns the newest emissions for symbol, newest first. An empty
// symbol matches every symbol.
func (s *SQLiteStore) Recent(ctx context.Context, symbol string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger_id, emitted_at, owner, symbol, currency, last, bid, ask, price_change, previous_price, payload
		FROM emissions
		WHERE ? = '' OR symbol = ?
		ORDER BY emitted_at DESC, id DESC
		LIMIT ?`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query emissions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			at       int64
			currency sql.NullString
			last     sql.NullFloat64
			bid      sql.NullFloat64
			ask      sql.NullFloat64
			change   sql.NullFloat64
			prev     sql.NullFloat64
			payload  string
		)
		if err := rows.Scan(&r.TriggerID, &at, &r.Owner, &r.Symbol, &currency,
			&last, &bid, &ask, &change, &prev, &payload); err != nil {
			return nil, fmt.Errorf("scan emission: %w", err)
		}
		r.EmittedAt = time.UnixMilli(at).UTC()
		r.Currency = currency.String
		r.Last = nullFloat(last)
		r.Bid = nullFloat(bid)
		r.Ask = nullFloat(ask)
		r.PriceChange = nullFloat(change)
		r.PreviousPrice = nullFloat(prev)
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
