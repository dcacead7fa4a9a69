//go:build ignore
// +build ignore

// List Swaps Script
//
// Lists swaps straight from the coordinator store, newest first.
//
// Usage:
//   go run scripts/utils/list-swaps.go -config config.yaml -state secret_revealed

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/swap-coordinator/pkg/config"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/pgutil"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	state      = flag.String("state", "", "Only list swaps in this state")
	chainID    = flag.String("chain", "", "Only list swaps touching this chain")
	limit      = flag.Int("limit", 50, "Maximum number of swaps")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var store db.Store
	if cfg.Database.Driver == "bolt" {
		store, err = db.NewBoltStore(cfg.Database.BoltPath)
	} else {
		bunDB, connErr := pgutil.ConnectDB(&cfg.Database)
		if connErr == nil {
			store = db.NewPGStore(bunDB)
		}
		err = connErr
	}
	if err != nil {
		fmt.Printf("ERROR: Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	swaps, total, err := store.ListSwaps(context.Background(), db.Filter{
		State:   swap.State(*state),
		ChainID: *chainID,
		Limit:   *limit,
	})
	if err != nil {
		fmt.Printf("ERROR: Failed to list swaps: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%d of %d swaps\n\n", len(swaps), total)
	fmt.Printf("%-68s %-20s %-12s %-12s %s\n", "ORDER HASH", "STATE", "SOURCE", "DESTINATION", "LAST ERROR")
	for _, sw := range swaps {
		fmt.Printf("%-68s %-20s %-12s %-12s %s\n",
			sw.OrderHash, sw.State, sw.Source.ChainID, sw.Destination.ChainID, sw.LastError)
	}
}
