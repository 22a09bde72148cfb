package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SecType is the gateway security type code.
type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
	SecTypeFuture SecType = "FUT"
	SecTypeForex  SecType = "CASH"
)

// OrderAction is the order side.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// OrderType is the gateway order type code.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
)

// Contract defaults.
const (
	DefaultExchange = "SMART"
	DefaultCurrency = "USD"
)

// Contract describes the instrument an operation refers to.
type Contract struct {
	Symbol   string  `json:"symbol" yaml:"symbol"`
	SecType  SecType `json:"secType" yaml:"sec_type"`
	Exchange string  `json:"exchange" yaml:"exchange"`
	Currency string  `json:"currency" yaml:"currency"`
}

// WithDefaults fills the optional fields the way the gateway expects.
func (c Contract) WithDefaults() Contract {
	if c.SecType == "" {
		c.SecType = SecTypeStock
	}
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	return c
}

// Validate checks the contract is usable.
func (c Contract) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return errors.New("contract.symbol is required")
	}
	if _, err := ParseSecType(string(c.SecType)); err != nil {
		return err
	}
	return nil
}

// Order describes an order to place. ID zero means "allocate the next id".
type Order struct {
	ID         int64           `json:"orderId,omitempty" yaml:"order_id"`
	Action     OrderAction     `json:"action" yaml:"action"`
	Quantity   decimal.Decimal `json:"totalQuantity" yaml:"quantity"`
	Type       OrderType       `json:"orderType" yaml:"order_type"`
	LimitPrice decimal.Decimal `json:"lmtPrice,omitempty" yaml:"limit_price"`
	StopPrice  decimal.Decimal `json:"auxPrice,omitempty" yaml:"stop_price"`
}

// NeedsLimitPrice reports whether the order type carries a limit price.
func (o Order) NeedsLimitPrice() bool {
	return o.Type == OrderTypeLimit || o.Type == OrderTypeStopLimit
}

// NeedsStopPrice reports whether the order type carries a stop price.
func (o Order) NeedsStopPrice() bool {
	return o.Type == OrderTypeStop || o.Type == OrderTypeStopLimit
}

// Validate checks the order fields required by its type.
func (o Order) Validate() error {
	if _, err := ParseOrderAction(string(o.Action)); err != nil {
		return err
	}
	if _, err := ParseOrderType(string(o.Type)); err != nil {
		return err
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("order.quantity must be positive, got %s", o.Quantity)
	}
	if o.NeedsLimitPrice() && !o.LimitPrice.IsPositive() {
		return fmt.Errorf("order.limit_price is required for %s orders", o.Type)
	}
	if o.NeedsStopPrice() && !o.StopPrice.IsPositive() {
		return fmt.Errorf("order.stop_price is required for %s orders", o.Type)
	}
	return nil
}

// ParseSecType accepts gateway codes and readable names.
func ParseSecType(s string) (SecType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STK", "STOCK":
		return SecTypeStock, nil
	case "OPT", "OPTION":
		return SecTypeOption, nil
	case "FUT", "FUTURE":
		return SecTypeFuture, nil
	case "CASH", "FOREX", "FX":
		return SecTypeForex, nil
	}
	return "", fmt.Errorf("unknown security type %q (want STK|OPT|FUT|CASH)", s)
}

// ParseOrderAction accepts BUY and SELL in any case.
func ParseOrderAction(s string) (OrderAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return ActionBuy, nil
	case "SELL":
		return ActionSell, nil
	}
	return "", fmt.Errorf("unknown order action %q (want BUY|SELL)", s)
}

// ParseOrderType accepts gateway codes and readable names.
func ParseOrderType(s string) (OrderType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	switch norm {
	case "MKT", "MARKET":
		return OrderTypeMarket, nil
	case "LMT", "LIMIT":
		return OrderTypeLimit, nil
	case "STP", "STOP":
		return OrderTypeStop, nil
	case "STP LMT", "STOP LIMIT", "STOPLIMIT":
		return OrderTypeStopLimit, nil
	}
	return "", fmt.Errorf("unknown order type %q (want MKT|LMT|STP|STP LMT)", s)
}
