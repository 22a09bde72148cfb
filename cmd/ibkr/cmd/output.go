package cmd

import (
	"context"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/l4z41/ibkr-connector/internal/action"
	"github.com/l4z41/ibkr-connector/internal/gateway"
	"github.com/l4z41/ibkr-connector/internal/observe"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newConnection(obs observe.Observer) gateway.Connection {
	if obs == nil {
		obs = observe.NewLogObserver(logger)
	}
	return gateway.NewConnection(cfg.GatewayConfig(), obs, logger)
}

func execute(ctx context.Context, items []action.Item, continueOnFail bool) ([]action.Output, error) {
	ac := cfg.ActionConfig()
	ac.ContinueOnFail = continueOnFail
	obs := observe.NewLogObserver(logger)
	return action.NewExecutor(newConnection(obs), ac, obs, logger).Run(ctx, items)
}

// runOne executes a single item and prints its records.
func runOne(cmd *cobra.Command, it action.Item) error {
	out, err := execute(cmd.Context(), []action.Item{it}, false)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out[0].Records)
}
