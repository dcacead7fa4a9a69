//go:build ignore
// +build ignore

// Submit Order Script
//
// Posts a sample order to a running coordinator and polls its status until
// the swap settles or the timeout passes.
//
// Usage:
//   go run scripts/testing/submit-order.go -url http://localhost:8080 \
//     -src evm-1 -dst btc -maker 0x... -dst-address bcrt1q...

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

var (
	baseURL    = flag.String("url", "http://localhost:8080", "Coordinator base URL")
	src        = flag.String("src", "evm-1", "Source chain id")
	dst        = flag.String("dst", "btc", "Destination chain id")
	maker      = flag.String("maker", "", "Maker address on the source chain")
	srcAsset   = flag.String("src-asset", "native", "Source asset")
	dstAsset   = flag.String("dst-asset", "native", "Destination asset")
	srcAmount  = flag.String("src-amount", "1000000000000000", "Source amount in base units")
	dstAmount  = flag.String("dst-amount", "10000", "Destination amount in base units")
	dstAddress = flag.String("dst-address", "", "Maker address on the destination chain")
	fee        = flag.String("fee", "100000000000000", "Resolver fee in base units")
	expiry     = flag.Duration("expiry", 4*time.Hour, "Order lifetime")
	wait       = flag.Duration("wait", 30*time.Minute, "How long to poll for settlement")
)

func main() {
	flag.Parse()
	if *maker == "" || *dstAddress == "" {
		fmt.Println("ERROR: -maker and -dst-address are required")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]any{
		"maker":                *maker,
		"source_chain_id":      *src,
		"source_asset":         *srcAsset,
		"source_amount":        *srcAmount,
		"destination_chain_id": *dst,
		"destination_asset":    *dstAsset,
		"destination_amount":   *dstAmount,
		"destination_address":  *dstAddress,
		"resolver_fee":         *fee,
		"safety_deposit_bps":   500,
		"expiry":               time.Now().Add(*expiry).UTC().Format(time.RFC3339),
	})

	resp, err := http.Post(*baseURL+"/api/v1/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	var accepted struct {
		OrderHash string `json:"order_hash"`
		Error     string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fmt.Printf("ERROR: submit returned %d: %s\n", resp.StatusCode, accepted.Error)
		os.Exit(1)
	}
	fmt.Printf(">>> Submitted %s\n", accepted.OrderHash)

	deadline := time.Now().Add(*wait)
	last := ""
	for time.Now().Before(deadline) {
		time.Sleep(5 * time.Second)
		resp, err := http.Get(*baseURL + "/api/v1/swaps/" + accepted.OrderHash)
		if err != nil {
			fmt.Printf("    poll failed: %v\n", err)
			continue
		}
		var view struct {
			State     string `json:"state"`
			Settled   bool   `json:"settled"`
			LastError string `json:"last_error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&view)
		resp.Body.Close()
		if view.State != last {
			fmt.Printf("    %s %s\n", view.State, view.LastError)
			last = view.State
		}
		if view.Settled {
			fmt.Println("    ✓ Settled")
			return
		}
	}
	fmt.Println("ERROR: timed out waiting for settlement")
	os.Exit(1)
}
