// Package swap holds the domain model shared by every component of the
// coordinator: orders, hashlocks, timelock schedules, escrows and the error
// taxonomy used to route failures.
package swap

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Order is a maker's intent to trade an asset on the source ledger for an
// asset on the destination ledger.
type Order struct {
	OrderHash          string    `json:"order_hash"`
	Maker              string    `json:"maker"`
	SourceChainID      string    `json:"source_chain_id"`
	SourceAsset        string    `json:"source_asset"`
	SourceAmount       *big.Int  `json:"source_amount"`
	DestinationChainID string    `json:"destination_chain_id"`
	DestinationAsset   string    `json:"destination_asset"`
	DestinationAmount  *big.Int  `json:"destination_amount"`
	DestinationAddress string    `json:"destination_address"`
	ResolverFee        *big.Int  `json:"resolver_fee"`
	SafetyDepositBps   uint32    `json:"safety_deposit_bps"`
	CreatedAt          time.Time `json:"created_at"`
	Expiry             time.Time `json:"expiry"`
	Status             State     `json:"status"`
}

var (
	ErrOrderHashSet      = errors.New("order hash already set")
	ErrOrderHashMismatch = errors.New("order hash does not match order fields")
)

var orderHashArgs abi.Arguments

func init() {
	str, _ := abi.NewType("string", "", nil)
	u256, _ := abi.NewType("uint256", "", nil)
	u32, _ := abi.NewType("uint32", "", nil)
	u64, _ := abi.NewType("uint64", "", nil)
	orderHashArgs = abi.Arguments{
		{Name: "maker", Type: str},
		{Name: "sourceChainId", Type: str},
		{Name: "sourceAsset", Type: str},
		{Name: "sourceAmount", Type: u256},
		{Name: "destinationChainId", Type: str},
		{Name: "destinationAsset", Type: str},
		{Name: "destinationAmount", Type: u256},
		{Name: "destinationAddress", Type: str},
		{Name: "resolverFee", Type: u256},
		{Name: "safetyDepositBps", Type: u32},
		{Name: "createdAt", Type: u64},
		{Name: "expiry", Type: u64},
	}
}

// ComputeOrderHash returns keccak256 over the ABI encoding of the immutable
// order fields. Status and OrderHash itself are excluded.
func ComputeOrderHash(o *Order) (string, error) {
	if o.SourceAmount == nil || o.DestinationAmount == nil || o.ResolverFee == nil {
		return "", errors.New("order amounts must be set")
	}
	encoded, err := orderHashArgs.Pack(
		strings.ToLower(o.Maker),
		o.SourceChainID,
		strings.ToLower(o.SourceAsset),
		o.SourceAmount,
		o.DestinationChainID,
		strings.ToLower(o.DestinationAsset),
		o.DestinationAmount,
		o.DestinationAddress,
		o.ResolverFee,
		o.SafetyDepositBps,
		uint64(o.CreatedAt.Unix()),
		uint64(o.Expiry.Unix()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to encode order: %w", err)
	}
	return hexutil.Encode(crypto.Keccak256(encoded)), nil
}

// Seal computes and stores the order hash. It refuses to overwrite an
// existing hash so that the identity of an order never changes.
func (o *Order) Seal() error {
	if o.OrderHash != "" {
		return ErrOrderHashSet
	}
	h, err := ComputeOrderHash(o)
	if err != nil {
		return err
	}
	o.OrderHash = h
	return nil
}

// VerifyHash recomputes the hash and compares it with the stored one.
func (o *Order) VerifyHash() error {
	h, err := ComputeOrderHash(o)
	if err != nil {
		return err
	}
	if !strings.EqualFold(h, o.OrderHash) {
		return ErrOrderHashMismatch
	}
	return nil
}

// OrderHashBytes decodes the 0x-prefixed order hash.
func (o *Order) OrderHashBytes() ([32]byte, error) {
	return DecodeHash32(o.OrderHash)
}

// Expired reports whether the order expiry lies at or before now.
func (o *Order) Expired(now time.Time) bool {
	return !now.Before(o.Expiry)
}

// DecodeHash32 decodes a 0x-prefixed (or bare) 32 byte hex string.
func DecodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
