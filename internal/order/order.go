// Package order places and cancels orders through the gateway.
//
// The gateway bridge does not confirm orders: a receipt reports the status
// the order is assumed to have once the settle delay has passed.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/model"
)

// Receipt statuses.
const (
	StatusSubmitted = "Submitted"
	StatusCancelled = "Cancelled"
)

// GatewayError reports an order operation that could not reach the gateway.
type GatewayError struct {
	Op   string
	Addr string
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: gateway %s: %v", e.Op, e.Addr, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Config holds the settle delays.
type Config struct {
	PlaceSettle  time.Duration
	CancelSettle time.Duration
}

// DefaultConfig returns the default settle delays.
func DefaultConfig() Config {
	return Config{
		PlaceSettle:  2 * time.Second,
		CancelSettle: time.Second,
	}
}

// Receipt describes a submitted order or cancellation.
type Receipt struct {
	OrderID   int64
	Status    string
	Contract  *model.Contract
	Order     *model.Order
	Connected bool
	Timestamp time.Time
}

// Map flattens the receipt into an output record.
func (r Receipt) Map() map[string]any {
	out := map[string]any{
		"orderId":   r.OrderID,
		"status":    r.Status,
		"connected": r.Connected,
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if r.Contract != nil {
		out["symbol"] = r.Contract.Symbol
		out["secType"] = string(r.Contract.SecType)
		out["exchange"] = r.Contract.Exchange
		out["currency"] = r.Contract.Currency
	}
	if o := r.Order; o != nil {
		out["action"] = string(o.Action)
		out["quantity"] = o.Quantity.String()
		out["orderType"] = string(o.Type)
		if o.NeedsLimitPrice() {
			out["limitPrice"] = o.LimitPrice.String()
		}
		if o.NeedsStopPrice() {
			out["stopPrice"] = o.StopPrice.String()
		}
	}
	return out
}

// PlaceParams is the place_order command payload.
type PlaceParams struct {
	OrderID  int64          `json:"orderId"`
	Contract model.Contract `json:"contract"`
	Order    model.Order    `json:"order"`
}

// CancelParams is the cancel_order command payload.
type CancelParams struct {
	OrderID int64 `json:"orderId"`
}

// Gateway issues order commands over a connection.
type Gateway struct {
	conn   gateway.Connection
	cfg    Config
	logger *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(conn gateway.Connection, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PlaceSettle < 0 {
		cfg.PlaceSettle = 0
	}
	if cfg.CancelSettle < 0 {
		cfg.CancelSettle = 0
	}
	return &Gateway{conn: conn, cfg: cfg, logger: logger.With("component", "orders")}
}

// NextOrderID asks the gateway for the next valid order id.
func (g *Gateway) NextOrderID(ctx context.Context) (int64, error) {
	if err := g.ensureConnected("next order id"); err != nil {
		return 0, err
	}

	resp, err := g.conn.Request(ctx, gateway.Request{Topic: gateway.TopicNextOrderID})
	if err != nil {
		return 0, g.wrap("next order id", err)
	}

	var id int64
	if err := resp.Decode(&id); err != nil {
		var obj struct {
			OrderID int64 `json:"orderId"`
		}
		if errObj := resp.Decode(&obj); errObj != nil || obj.OrderID == 0 {
			return 0, fmt.Errorf("decode next order id: %w", err)
		}
		id = obj.OrderID
	}
	if id <= 0 {
		return 0, fmt.Errorf("gateway returned invalid order id %d", id)
	}
	return id, nil
}

// PlaceOrder validates and sends an order, allocating the next id when the
// order has none, then waits the place settle delay.
func (g *Gateway) PlaceOrder(ctx context.Context, c model.Contract, o model.Order) (Receipt, error) {
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Receipt{}, err
	}
	if err := o.Validate(); err != nil {
		return Receipt{}, err
	}
	if err := g.ensureConnected("place order"); err != nil {
		return Receipt{}, err
	}

	if o.ID == 0 {
		id, err := g.NextOrderID(ctx)
		if err != nil {
			return Receipt{}, fmt.Errorf("allocate order id: %w", err)
		}
		o.ID = id
	}

	params := PlaceParams{OrderID: o.ID, Contract: c, Order: o}
	if err := g.conn.Send(ctx, gateway.CmdPlaceOrder, params); err != nil {
		return Receipt{}, g.wrap("place order", err)
	}

	g.logger.Info("order sent",
		"order_id", o.ID,
		"symbol", c.Symbol,
		"action", o.Action,
		"quantity", o.Quantity.String(),
		"type", o.Type,
	)

	if err := settle(ctx, g.cfg.PlaceSettle); err != nil {
		return Receipt{}, err
	}

	return Receipt{
		OrderID:   o.ID,
		Status:    StatusSubmitted,
		Contract:  &c,
		Order:     &o,
		Connected: g.connected(),
		Timestamp: time.Now(),
	}, nil
}

// CancelOrder sends a cancellation and waits the cancel settle delay.
func (g *Gateway) CancelOrder(ctx context.Context, orderID int64) (Receipt, error) {
	if orderID <= 0 {
		return Receipt{}, fmt.Errorf("order.order_id must be positive, got %d", orderID)
	}
	if err := g.ensureConnected("cancel order"); err != nil {
		return Receipt{}, err
	}

	if err := g.conn.Send(ctx, gateway.CmdCancelOrder, CancelParams{OrderID: orderID}); err != nil {
		return Receipt{}, g.wrap("cancel order", err)
	}
	g.logger.Info("cancel sent", "order_id", orderID)

	if err := settle(ctx, g.cfg.CancelSettle); err != nil {
		return Receipt{}, err
	}

	return Receipt{
		OrderID:   orderID,
		Status:    StatusCancelled,
		Connected: g.connected(),
		Timestamp: time.Now(),
	}, nil
}

func (g *Gateway) ensureConnected(op string) error {
	if g.conn.State() != model.Connected {
		return &GatewayError{Op: op, Addr: g.conn.Addr(), Err: gateway.ErrNotConnected}
	}
	return nil
}

// connected reports the connection state after the settle delay.
func (g *Gateway) connected() bool {
	return g.conn.State() == model.Connected
}

// wrap turns connection-level failures into GatewayErrors.
func (g *Gateway) wrap(op string, err error) error {
	if errors.Is(err, gateway.ErrNotConnected) || gateway.IsConnectionLoss(err) {
		return &GatewayError{Op: op, Addr: g.conn.Addr(), Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
