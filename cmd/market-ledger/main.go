// Package main is the entry point for the market-ledger service.
package main

import (
	"os"

	"github.com/donaldgifford/market-ledger/cmd/market-ledger/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
