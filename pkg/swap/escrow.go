package swap

import (
	"math/big"
)

// Side identifies which leg of a swap an escrow belongs to.
type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
)

// Escrow is the on-ledger HTLC holding one leg of a swap.
type Escrow struct {
	OrderHash     string       `json:"order_hash"`
	Side          Side         `json:"side"`
	LockedAmount  *big.Int     `json:"locked_amount"`
	Hashlock      Hashlock     `json:"hashlock"`
	Timelocks     Schedule     `json:"timelocks"`
	Depositor     string       `json:"depositor"`
	Beneficiary   string       `json:"beneficiary"`
	SafetyDeposit *big.Int     `json:"safety_deposit"`
	Status        EscrowStatus `json:"status"`
}

// SafetyDepositPolicy bounds the collateral a resolver posts.
type SafetyDepositPolicy struct {
	Floor *big.Int
	// Cap of zero or nil means uncapped.
	Cap *big.Int
}

var bpsDenominator = big.NewInt(10_000)

// SafetyDeposit returns min(max(amount*bps/10000, floor), cap).
func SafetyDeposit(amount *big.Int, bps uint32, policy SafetyDepositPolicy) *big.Int {
	d := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	d.Quo(d, bpsDenominator)
	if policy.Floor != nil && d.Cmp(policy.Floor) < 0 {
		d.Set(policy.Floor)
	}
	if policy.Cap != nil && policy.Cap.Sign() > 0 && d.Cmp(policy.Cap) > 0 {
		d.Set(policy.Cap)
	}
	return d
}
