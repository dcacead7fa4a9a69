// Package analyzer decides whether the resolver should take an order. Decide
// is a pure function of its input so it can be tested without ledgers.
package analyzer

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// RejectReason classifies a rejected order.
type RejectReason string

const (
	ReasonInvalidOrder        RejectReason = "invalid_order"
	ReasonExpired             RejectReason = "expired"
	ReasonInsufficientTime    RejectReason = "insufficient_time"
	ReasonUnderCollateralized RejectReason = "under_collateralized"
	ReasonUnprofitable        RejectReason = "unprofitable"
)

// Config holds the thresholds applied to every order.
type Config struct {
	MarginBps           uint32
	MinSafetyDepositBps uint32
	// MinExecutionTime is the time needed to finish every on-ledger step.
	MinExecutionTime time.Duration
	SafetyMargin     time.Duration
	SafetyDeposit    swap.SafetyDepositPolicy
}

// Input is everything a decision depends on. Costs are in fee units.
type Input struct {
	Order           *swap.Order
	SourceCost      decimal.Decimal
	DestinationCost decimal.Decimal
	SignatureFee    decimal.Decimal
	Now             time.Time
}

// Sizing describes an accepted order.
type Sizing struct {
	FillAmount     *big.Int
	SafetyDeposit  *big.Int
	EstimatedCost  decimal.Decimal
	RequiredFee    decimal.Decimal
	ExpectedProfit decimal.Decimal
}

// Decision is either an acceptance with sizing or a rejection with reason.
type Decision struct {
	Accept bool
	Reason RejectReason
	Detail string
	Sizing *Sizing
}

func reject(reason RejectReason, format string, args ...interface{}) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

type Analyzer struct {
	cfg Config
}

func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

var bps = decimal.NewFromInt(10_000)

// Decide accepts iff resolverFee >= estimatedCost * (1 + marginBps/10000)
// and the order leaves enough time to finish safely. The comparison is done
// as resolverFee*10000 >= cost*(10000+margin) so no rounding is involved.
func (a *Analyzer) Decide(in Input) Decision {
	o := in.Order
	if o == nil || o.SourceAmount == nil || o.DestinationAmount == nil || o.ResolverFee == nil {
		return reject(ReasonInvalidOrder, "order is missing amounts")
	}
	if o.SourceAmount.Sign() <= 0 || o.DestinationAmount.Sign() <= 0 || o.ResolverFee.Sign() < 0 {
		return reject(ReasonInvalidOrder, "order amounts must be positive")
	}
	if in.SourceCost.IsNegative() || in.DestinationCost.IsNegative() || in.SignatureFee.IsNegative() {
		return reject(ReasonInvalidOrder, "cost estimates must not be negative")
	}

	if !o.Expiry.After(in.Now) {
		return reject(ReasonExpired, "order expired at %s", o.Expiry.UTC().Format(time.RFC3339))
	}
	need := a.cfg.MinExecutionTime + a.cfg.SafetyMargin
	if left := o.Expiry.Sub(in.Now); left < need {
		return reject(ReasonInsufficientTime, "%s left before expiry, need %s", left.Truncate(time.Second), need)
	}

	if o.SafetyDepositBps < a.cfg.MinSafetyDepositBps {
		return reject(ReasonUnderCollateralized, "safety deposit %d bps below minimum %d bps",
			o.SafetyDepositBps, a.cfg.MinSafetyDepositBps)
	}

	cost := in.SourceCost.Add(in.DestinationCost).Add(in.SignatureFee)
	fee := decimal.NewFromBigInt(o.ResolverFee, 0)
	factor := bps.Add(decimal.NewFromInt(int64(a.cfg.MarginBps)))
	if fee.Mul(bps).LessThan(cost.Mul(factor)) {
		return reject(ReasonUnprofitable, "resolver fee %s below required %s", fee, cost.Mul(factor).Div(bps))
	}

	return Decision{
		Accept: true,
		Sizing: &Sizing{
			FillAmount:     new(big.Int).Set(o.SourceAmount),
			SafetyDeposit:  swap.SafetyDeposit(o.SourceAmount, o.SafetyDepositBps, a.cfg.SafetyDeposit),
			EstimatedCost:  cost,
			RequiredFee:    cost.Mul(factor).Div(bps),
			ExpectedProfit: fee.Sub(cost),
		},
	}
}
