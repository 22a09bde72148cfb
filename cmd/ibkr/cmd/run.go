package cmd

import (
	"github.com/spf13/cobra"

	"github.com/l4z41/ibkr-connector/internal/action"
)

var (
	batchFile      string
	continueOnFail bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of operations over one connection",
	Long: `Run executes every item of a YAML batch file in order over a single
gateway connection and prints one output per item.

Example batch:
  continue_on_fail: true
  items:
    - resource: account
      operation: getSummary
    - resource: marketData
      operation: getQuote
      symbol: AAPL`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&batchFile, "file", "f", "", "path to batch YAML (required)")
	runCmd.Flags().BoolVar(&continueOnFail, "continue-on-fail", false, "record failing items and keep going")
	runCmd.MarkFlagRequired("file")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	batch, err := action.LoadBatch(batchFile)
	if err != nil {
		return err
	}
	out, err := execute(cmd.Context(), batch.Items, batch.ContinueOnFail || continueOnFail)
	if len(out) > 0 {
		if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
			return perr
		}
	}
	return err
}
