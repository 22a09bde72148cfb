package session

import (
	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/model"
)

// Query describes one subscription collection and how to report an empty
// result.
type Query struct {
	Request gateway.Request
	Empty   string // placeholder message when nothing arrived
	Hint    string

	// Symbol and Currency fill snapshots whose frames did not carry them.
	Symbol   string
	Currency string
}

// AccountParams select the account for account updates.
type AccountParams struct {
	Account string `json:"account"`
}

// MarketDataParams describe a market data subscription.
type MarketDataParams struct {
	model.Contract
	Snapshot           bool `json:"snapshot"`
	RegulatorySnapshot bool `json:"regulatory_snapshot"`
}

// AccountUpdates collects account values for one account.
func AccountUpdates(account string) Query {
	return Query{
		Request: gateway.Request{
			Topic:  gateway.TopicAccountUpdates,
			Params: AccountParams{Account: account},
		},
		Empty: "No account data received",
		Hint:  "Check that the account is valid and that API access has account permissions",
	}
}

// Positions collects positions across all accounts.
func Positions() Query {
	return Query{
		Request: gateway.Request{Topic: gateway.TopicPositions},
		Empty:   "No positions found",
	}
}

// MarketData collects quotes for one contract.
func MarketData(c model.Contract, snapshot, regulatory bool) Query {
	c = c.WithDefaults()
	return Query{
		Request: gateway.Request{
			Topic: gateway.TopicMarketData,
			Params: MarketDataParams{
				Contract:           c,
				Snapshot:           snapshot,
				RegulatorySnapshot: regulatory,
			},
		},
		Empty:    "No market data received",
		Hint:     "Check market data subscriptions for " + c.Symbol + " and that the market is open",
		Symbol:   c.Symbol,
		Currency: c.Currency,
	}
}

// OpenOrders collects open orders, one owner per order id.
func OpenOrders() Query {
	return Query{
		Request: gateway.Request{Topic: gateway.TopicOpenOrders},
		Empty:   "No open orders found",
	}
}
