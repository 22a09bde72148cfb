package main

import (
	"os"

	"github.com/l4z41/ibkr-connector/cmd/ibkr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
