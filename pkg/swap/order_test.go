package swap

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func testOrder() *Order {
	return &Order{
		Maker:              "0x1111111111111111111111111111111111111111",
		SourceChainID:      "ethereum",
		SourceAsset:        "0x2222222222222222222222222222222222222222",
		SourceAmount:       big.NewInt(1_000_000),
		DestinationChainID: "solana",
		DestinationAsset:   "native",
		DestinationAmount:  big.NewInt(5_000_000),
		DestinationAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		ResolverFee:        big.NewInt(2_000),
		SafetyDepositBps:   500,
		CreatedAt:          time.Unix(1_700_000_000, 0),
		Expiry:             time.Unix(1_700_003_600, 0),
		Status:             StateDetected,
	}
}

func TestComputeOrderHash_Deterministic(t *testing.T) {
	a, b := testOrder(), testOrder()
	ha, err := ComputeOrderHash(a)
	if err != nil {
		t.Fatalf("ComputeOrderHash failed: %v", err)
	}
	hb, _ := ComputeOrderHash(b)
	if ha != hb {
		t.Errorf("expected equal hashes, got %s and %s", ha, hb)
	}
	if len(ha) != 66 {
		t.Errorf("expected 0x-prefixed 32 byte hash, got %q", ha)
	}

	// Status is not part of the identity.
	b.Status = StateCompleted
	hb, _ = ComputeOrderHash(b)
	if ha != hb {
		t.Error("status change altered the order hash")
	}

	b.DestinationAmount = big.NewInt(5_000_001)
	hb, _ = ComputeOrderHash(b)
	if ha == hb {
		t.Error("immutable field change did not alter the order hash")
	}
}

func TestOrder_SealAndVerify(t *testing.T) {
	o := testOrder()
	if err := o.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := o.VerifyHash(); err != nil {
		t.Errorf("VerifyHash failed: %v", err)
	}
	if err := o.Seal(); !errors.Is(err, ErrOrderHashSet) {
		t.Errorf("expected ErrOrderHashSet, got %v", err)
	}

	o.SourceAmount = big.NewInt(1)
	if err := o.VerifyHash(); !errors.Is(err, ErrOrderHashMismatch) {
		t.Errorf("expected ErrOrderHashMismatch, got %v", err)
	}
}

func TestComputeOrderHash_MissingAmounts(t *testing.T) {
	o := testOrder()
	o.ResolverFee = nil
	if _, err := ComputeOrderHash(o); err == nil {
		t.Error("expected error for missing resolver fee")
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateDetected, StateValidated, true},
		{StateValidated, StateSourceLocked, true},
		{StateSourceLocked, StateDestinationFunded, true},
		{StateDestinationFunded, StateSecretRevealed, true},
		{StateSecretRevealed, StateCompleted, true},
		{StateSourceLocked, StateRefunded, true},
		{StateDetected, StateRejected, true},
		{StateValidated, StateDetected, false},
		{StateSecretRevealed, StateSourceLocked, false},
		{StateCompleted, StateRefunded, false},
		{StateRefunded, StateCompleted, false},
		{StateFailed, StateFailed, false},
		{State("bogus"), StateValidated, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestDecodeHash32(t *testing.T) {
	if _, err := DecodeHash32("0x1234"); err == nil {
		t.Error("expected length error")
	}
	h, err := DecodeHash32("ab" + "00000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("DecodeHash32 failed: %v", err)
	}
	if h[0] != 0xab {
		t.Errorf("unexpected first byte %x", h[0])
	}
}
