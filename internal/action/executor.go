// Package action maps resource/operation requests onto the session,
// order and connection primitives and runs them in batches over one
// gateway connection.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/observe"
	"github.com/l4z41/ibkr-connector/internal/order"
	"github.com/l4z41/ibkr-connector/internal/session"
)

// ErrUnknownOperation is returned for a resource/operation pair with no
// handler.
var ErrUnknownOperation = errors.New("unknown operation")

// Config controls batch execution.
type Config struct {
	ClientID           int
	CollectFor         time.Duration
	SettleAfterConnect time.Duration
	ContinueOnFail     bool
	Orders             order.Config
}

// DefaultConfig returns the default execution settings.
func DefaultConfig() Config {
	return Config{
		CollectFor:         session.DefaultCollectFor,
		SettleAfterConnect: 2 * time.Second,
		Orders:             order.DefaultConfig(),
	}
}

// Output holds the records produced by one batch item.
type Output struct {
	Item    int              `json:"item"`
	Key     string           `json:"operation"`
	Records []map[string]any `json:"records"`
	Failed  bool             `json:"failed,omitempty"`
}

type handler func(e *Executor, ctx context.Context, it Item) ([]map[string]any, error)

var handlers = map[string]handler{
	ResourceAccount + "/" + OpGetSummary:   (*Executor).accountSummary,
	ResourceAccount + "/" + OpGetPositions: (*Executor).positions,
	ResourceMarketData + "/" + OpGetQuote:  (*Executor).quote,
	ResourceOrder + "/" + OpPlaceOrder:     (*Executor).placeOrder,
	ResourceOrder + "/" + OpCancelOrder:    (*Executor).cancelOrder,
	ResourceOrder + "/" + OpGetOpenOrders:  (*Executor).openOrders,
	ResourcePosition + "/" + OpGetAll:      (*Executor).positions,
}

// Executor runs items over a connection.
type Executor struct {
	conn    gateway.Connection
	cfg     Config
	session *session.Session
	orders  *order.Gateway
	logger  *slog.Logger
}

// NewExecutor creates an Executor. obs receives session events and may be
// nil.
func NewExecutor(conn gateway.Connection, cfg Config, obs observe.Observer, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CollectFor <= 0 {
		cfg.CollectFor = session.DefaultCollectFor
	}
	return &Executor{
		conn:    conn,
		cfg:     cfg,
		session: session.New(conn, obs, logger),
		orders:  order.NewGateway(conn, cfg.Orders, logger),
		logger:  logger,
	}
}

// Run connects, waits the post-connect settle delay, executes every item in
// order and always disconnects. With ContinueOnFail a failing item yields a
// single {error, connected} record and the batch proceeds; otherwise the
// first failure aborts the batch and the outputs collected so far are
// returned with the error.
func (e *Executor) Run(ctx context.Context, items []Item) ([]Output, error) {
	if err := e.conn.Connect(ctx, e.cfg.ClientID); err != nil {
		var connErr *gateway.ConnectionError
		if !errors.As(err, &connErr) {
			err = gateway.NewConnectionError(e.conn.Addr(), err)
		}
		e.conn.Disconnect()
		return nil, err
	}
	defer func() {
		if derr := e.conn.Disconnect(); derr != nil {
			e.logger.Warn("disconnect failed", "error", derr)
		}
	}()

	if e.cfg.SettleAfterConnect > 0 {
		timer := time.NewTimer(e.cfg.SettleAfterConnect)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	out := make([]Output, 0, len(items))
	for i, it := range items {
		records, err := e.Execute(ctx, it)
		if err != nil {
			e.logger.Error("operation failed", "item", i, "operation", it.Key(), "error", err)
			if !e.cfg.ContinueOnFail || ctx.Err() != nil {
				return out, fmt.Errorf("item %d (%s): %w", i, it.Key(), err)
			}
			out = append(out, Output{
				Item: i,
				Key:  it.Key(),
				Records: []map[string]any{{
					"error":     err.Error(),
					"connected": e.conn.State() == model.Connected,
				}},
				Failed: true,
			})
			continue
		}
		out = append(out, Output{Item: i, Key: it.Key(), Records: records})
	}
	return out, nil
}

// Execute runs one item on an already connected connection.
func (e *Executor) Execute(ctx context.Context, it Item) ([]map[string]any, error) {
	h, ok := handlers[it.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, it.Key())
	}
	e.logger.Debug("executing", "operation", it.Key(), "symbol", it.Symbol)
	return h(e, ctx, it)
}

// accountSummary looks up the managed accounts, collects account updates
// for the first one and flattens them into account/tag/currency rows.
func (e *Executor) accountSummary(ctx context.Context, _ Item) ([]map[string]any, error) {
	accounts, err := session.ManagedAccounts(ctx, e.conn)
	if err != nil {
		e.logger.Warn("could not get managed accounts", "error", err)
	}
	account := ""
	if len(accounts) > 0 {
		account = accounts[0]
	}

	res, err := e.session.Run(ctx, session.AccountUpdates(account), e.cfg.CollectFor)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		res.Placeholder.ManagedAccounts = accounts
		if res.Placeholder.ManagedAccounts == nil {
			res.Placeholder.ManagedAccounts = []string{}
		}
		return res.Records(), nil
	}
	return res.Rows, nil
}

func (e *Executor) positions(ctx context.Context, _ Item) ([]map[string]any, error) {
	return e.collect(ctx, session.Positions())
}

func (e *Executor) openOrders(ctx context.Context, _ Item) ([]map[string]any, error) {
	return e.collect(ctx, session.OpenOrders())
}

func (e *Executor) quote(ctx context.Context, it Item) ([]map[string]any, error) {
	c, err := it.Contract()
	if err != nil {
		return nil, err
	}
	return e.collect(ctx, session.MarketData(c, false, false))
}

func (e *Executor) placeOrder(ctx context.Context, it Item) ([]map[string]any, error) {
	c, err := it.Contract()
	if err != nil {
		return nil, err
	}
	o, err := it.Order()
	if err != nil {
		return nil, err
	}
	r, err := e.orders.PlaceOrder(ctx, c, o)
	if err != nil {
		return nil, err
	}
	return []map[string]any{r.Map()}, nil
}

func (e *Executor) cancelOrder(ctx context.Context, it Item) ([]map[string]any, error) {
	r, err := e.orders.CancelOrder(ctx, it.OrderID)
	if err != nil {
		return nil, err
	}
	return []map[string]any{r.Map()}, nil
}

func (e *Executor) collect(ctx context.Context, q session.Query) ([]map[string]any, error) {
	res, err := e.session.Run(ctx, q, e.cfg.CollectFor)
	if err != nil {
		return nil, err
	}
	return res.Records(), nil
}
