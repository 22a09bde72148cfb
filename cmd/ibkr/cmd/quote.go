package cmd

import (
	"github.com/spf13/cobra"

	"github.com/l4z41/ibkr-connector/internal/action"
)

var (
	contractSecType  string
	contractExchange string
	contractCurrency string
)

var quoteCmd = &cobra.Command{
	Use:   "quote SYMBOL",
	Short: "Collect a market data quote for a contract",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuote,
}

func init() {
	rootCmd.AddCommand(quoteCmd)
	addContractFlags(quoteCmd)
}

func addContractFlags(c *cobra.Command) {
	c.Flags().StringVar(&contractSecType, "sec-type", "", "security type (default STK)")
	c.Flags().StringVar(&contractExchange, "exchange", "", "exchange (default SMART)")
	c.Flags().StringVar(&contractCurrency, "currency", "", "currency (default USD)")
}

func runQuote(cmd *cobra.Command, args []string) error {
	return runOne(cmd, action.Item{
		Resource:  action.ResourceMarketData,
		Operation: action.OpGetQuote,
		Symbol:    args[0],
		SecType:   contractSecType,
		Exchange:  contractExchange,
		Currency:  contractCurrency,
	})
}
