package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/swap-coordinator/pkg/app/coordinator"
	"github.com/chainsafe/swap-coordinator/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := coordinator.NewServer(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Coordinator failed: %v\n", err)
		os.Exit(1)
	}
}
