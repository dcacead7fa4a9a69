//go:build ignore
// +build ignore

// Generate Service Token Script
//
// Prints a service token the coordinator would present to the signing
// service or the secret relay. Useful for calling a devsigner by hand.
//
// Usage:
//   go run scripts/utils/generate-token.go -config config.yaml -target signer

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/swap-coordinator/pkg/auth"
	"github.com/chainsafe/swap-coordinator/pkg/config"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	target     = flag.String("target", "signer", "Token audience: signer or relay")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var tokens *auth.ServiceTokens
	var subject string
	switch *target {
	case "signer":
		tokens, err = auth.NewServiceTokens([]byte(cfg.Signer.JWTSecret), cfg.Signer.Issuer, cfg.Signer.Audience, cfg.Signer.TokenTTL)
		subject = cfg.Signer.Issuer
	case "relay":
		tokens, err = auth.NewServiceTokens([]byte(cfg.Relay.JWTSecret), cfg.Relay.Issuer, cfg.Relay.Audience, cfg.Relay.TokenTTL)
		subject = cfg.Relay.Issuer
	default:
		fmt.Printf("ERROR: unknown target %q\n", *target)
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	token, err := tokens.Issue(subject)
	if err != nil {
		fmt.Printf("ERROR: Failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
