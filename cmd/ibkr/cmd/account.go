package cmd

import (
	"github.com/spf13/cobra"

	"github.com/l4z41/ibkr-connector/internal/action"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account summary and positions",
}

var accountSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the account summary of the first managed account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOne(cmd, action.Item{
			Resource:  action.ResourceAccount,
			Operation: action.OpGetSummary,
		})
	},
}

var accountPositionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Show positions across managed accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOne(cmd, action.Item{
			Resource:  action.ResourceAccount,
			Operation: action.OpGetPositions,
		})
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List all positions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOne(cmd, action.Item{
			Resource:  action.ResourcePosition,
			Operation: action.OpGetAll,
		})
	},
}

func init() {
	accountCmd.AddCommand(accountSummaryCmd)
	accountCmd.AddCommand(accountPositionsCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(positionsCmd)
}
