package action

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/l4z41/ibkr-connector/internal/model"
)

// Resources.
const (
	ResourceAccount    = "account"
	ResourceMarketData = "marketData"
	ResourceOrder      = "order"
	ResourcePosition   = "position"
)

// Operations.
const (
	OpGetSummary    = "getSummary"
	OpGetPositions  = "getPositions"
	OpGetQuote      = "getQuote"
	OpPlaceOrder    = "placeOrder"
	OpCancelOrder   = "cancelOrder"
	OpGetOpenOrders = "getOpenOrders"
	OpGetAll        = "getAll"
)

// Item is one requested operation with its parameters.
type Item struct {
	Resource  string `yaml:"resource" json:"resource"`
	Operation string `yaml:"operation" json:"operation"`

	Symbol   string `yaml:"symbol,omitempty" json:"symbol,omitempty"`
	SecType  string `yaml:"sec_type,omitempty" json:"secType,omitempty"`
	Exchange string `yaml:"exchange,omitempty" json:"exchange,omitempty"`
	Currency string `yaml:"currency,omitempty" json:"currency,omitempty"`

	Action     string `yaml:"action,omitempty" json:"action,omitempty"`
	Quantity   string `yaml:"quantity,omitempty" json:"quantity,omitempty"`
	OrderType  string `yaml:"order_type,omitempty" json:"orderType,omitempty"`
	LimitPrice string `yaml:"limit_price,omitempty" json:"limitPrice,omitempty"`
	StopPrice  string `yaml:"stop_price,omitempty" json:"stopPrice,omitempty"`
	OrderID    int64  `yaml:"order_id,omitempty" json:"orderId,omitempty"`
}

// Key returns "resource/operation".
func (it Item) Key() string {
	return it.Resource + "/" + it.Operation
}

// Contract builds the item's contract with gateway defaults applied.
func (it Item) Contract() (model.Contract, error) {
	c := model.Contract{
		Symbol:   strings.TrimSpace(it.Symbol),
		Exchange: it.Exchange,
		Currency: it.Currency,
	}
	if it.SecType != "" {
		st, err := model.ParseSecType(it.SecType)
		if err != nil {
			return model.Contract{}, err
		}
		c.SecType = st
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return model.Contract{}, err
	}
	return c, nil
}

// Order builds and validates the item's order.
func (it Item) Order() (model.Order, error) {
	action, err := model.ParseOrderAction(it.Action)
	if err != nil {
		return model.Order{}, err
	}
	orderType, err := model.ParseOrderType(it.OrderType)
	if err != nil {
		return model.Order{}, err
	}
	qty, err := parseDecimal("quantity", it.Quantity)
	if err != nil {
		return model.Order{}, err
	}

	o := model.Order{
		ID:       it.OrderID,
		Action:   action,
		Quantity: qty,
		Type:     orderType,
	}
	if o.NeedsLimitPrice() {
		if o.LimitPrice, err = parseDecimal("limit_price", it.LimitPrice); err != nil {
			return model.Order{}, err
		}
	}
	if o.NeedsStopPrice() {
		if o.StopPrice, err = parseDecimal("stop_price", it.StopPrice); err != nil {
			return model.Order{}, err
		}
	}
	if err := o.Validate(); err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("order.%s is required", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("order.%s: invalid number %q", field, s)
	}
	return d, nil
}

// Batch is a list of items run over one connection.
type Batch struct {
	ContinueOnFail bool   `yaml:"continue_on_fail"`
	Items          []Item `yaml:"items"`
}

// LoadBatch reads a batch file. Environment variables are expanded.
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	return ParseBatch(data)
}

// ParseBatch parses batch YAML.
func ParseBatch(data []byte) (*Batch, error) {
	expanded := os.ExpandEnv(string(data))

	var b Batch
	if err := yaml.Unmarshal([]byte(expanded), &b); err != nil {
		return nil, fmt.Errorf("parsing batch: %w", err)
	}
	if len(b.Items) == 0 {
		return nil, fmt.Errorf("batch has no items")
	}
	for i, it := range b.Items {
		if _, ok := handlers[it.Key()]; !ok {
			return nil, fmt.Errorf("items[%d]: %w: %s", i, ErrUnknownOperation, it.Key())
		}
	}
	return &b, nil
}
