package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/l4z41/ibkr-connector/internal/action"
)

var (
	orderAction   string
	orderQuantity string
	orderType     string
	orderLimit    string
	orderStop     string
	orderID       int64
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Place, cancel and list orders",
}

var ordersOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "List open orders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOne(cmd, action.Item{
			Resource:  action.ResourceOrder,
			Operation: action.OpGetOpenOrders,
		})
	},
}

var ordersPlaceCmd = &cobra.Command{
	Use:   "place SYMBOL",
	Short: "Place an order",
	Long: `Place an order and print its receipt.

The receipt reports status Submitted once the gateway accepted the request;
fills are not tracked.

Example:
  ibkr orders place AAPL --action BUY --quantity 10 --type LMT --limit 189.50`,
	Args: cobra.ExactArgs(1),
	RunE: runPlaceOrder,
}

var ordersCancelCmd = &cobra.Command{
	Use:   "cancel ORDER_ID",
	Short: "Cancel an order",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancelOrder,
}

func init() {
	ordersPlaceCmd.Flags().StringVarP(&orderAction, "action", "a", "", "BUY or SELL (required)")
	ordersPlaceCmd.Flags().StringVarP(&orderQuantity, "quantity", "q", "", "order quantity (required)")
	ordersPlaceCmd.Flags().StringVarP(&orderType, "type", "t", "MKT", "MKT, LMT, STP or STP LMT")
	ordersPlaceCmd.Flags().StringVar(&orderLimit, "limit", "", "limit price (LMT, STP LMT)")
	ordersPlaceCmd.Flags().StringVar(&orderStop, "stop", "", "stop price (STP, STP LMT)")
	ordersPlaceCmd.Flags().Int64Var(&orderID, "order-id", 0, "order id (default: next valid id)")
	addContractFlags(ordersPlaceCmd)
	ordersPlaceCmd.MarkFlagRequired("action")
	ordersPlaceCmd.MarkFlagRequired("quantity")

	ordersCmd.AddCommand(ordersOpenCmd)
	ordersCmd.AddCommand(ordersPlaceCmd)
	ordersCmd.AddCommand(ordersCancelCmd)
	rootCmd.AddCommand(ordersCmd)
}

func runPlaceOrder(cmd *cobra.Command, args []string) error {
	return runOne(cmd, action.Item{
		Resource:   action.ResourceOrder,
		Operation:  action.OpPlaceOrder,
		Symbol:     args[0],
		SecType:    contractSecType,
		Exchange:   contractExchange,
		Currency:   contractCurrency,
		Action:     orderAction,
		Quantity:   orderQuantity,
		OrderType:  orderType,
		LimitPrice: orderLimit,
		StopPrice:  orderStop,
		OrderID:    orderID,
	})
}

func runCancelOrder(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid order id %q", args[0])
	}
	return runOne(cmd, action.Item{
		Resource:  action.ResourceOrder,
		Operation: action.OpCancelOrder,
		OrderID:   id,
	})
}
