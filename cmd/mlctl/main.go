// Package main is the entry point for the mlctl CLI client.
package main

import (
	"github.com/donaldgifford/market-ledger/cmd/mlctl/cmd"
)

func main() {
	cmd.Execute()
}
