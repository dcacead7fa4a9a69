package solana

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/rpc"
)

// RPC is a JSON-RPC 2.0 caller. *rpc.Client from go-ethereum speaks the same
// envelope as Solana nodes.
type RPC interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

var _ RPC = (*rpc.Client)(nil)

// Dial opens an HTTP JSON-RPC connection to a node.
func Dial(ctx context.Context, url string) (*rpc.Client, error) {
	return rpc.DialContext(ctx, url)
}

type commitmentOpts struct {
	Commitment string `json:"commitment,omitempty"`
}

type blockOpts struct {
	Commitment                     string `json:"commitment,omitempty"`
	TransactionDetails             string `json:"transactionDetails"`
	Rewards                        bool   `json:"rewards"`
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
}

type blockResult struct {
	Blockhash   string  `json:"blockhash"`
	BlockTime   *int64  `json:"blockTime"`
	BlockHeight *uint64 `json:"blockHeight"`
}

type latestBlockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

type sendOpts struct {
	Encoding            string `json:"encoding"`
	PreflightCommitment string `json:"preflightCommitment,omitempty"`
}

type statusOpts struct {
	SearchTransactionHistory bool `json:"searchTransactionHistory"`
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type signatureStatusesResult struct {
	Value []*signatureStatus `json:"value"`
}

type accountOpts struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment,omitempty"`
}

type accountInfoResult struct {
	Value *struct {
		Data     []string `json:"data"`
		Owner    string   `json:"owner"`
		Lamports uint64   `json:"lamports"`
	} `json:"value"`
}

type signaturesOpts struct {
	Limit      int    `json:"limit"`
	Before     string `json:"before,omitempty"`
	Commitment string `json:"commitment,omitempty"`
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
}

type transactionOpts struct {
	Encoding                       string `json:"encoding"`
	Commitment                     string `json:"commitment,omitempty"`
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
}

type transactionResult struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err         json.RawMessage `json:"err"`
		LogMessages []string        `json:"logMessages"`
	} `json:"meta"`
}

func failed(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
