package analyzer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// FeeConverter prices native fee estimates in fee units.
type FeeConverter struct {
	prices map[string]decimal.Decimal
}

// NewFeeConverter takes the price of one native base unit per chain.
func NewFeeConverter(prices map[string]decimal.Decimal) *FeeConverter {
	return &FeeConverter{prices: prices}
}

func (f *FeeConverter) Convert(chainID string, native *big.Int) (decimal.Decimal, error) {
	p, ok := f.prices[chainID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price configured for chain %s", chainID)
	}
	if native == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(native, 0).Mul(p), nil
}

// Estimator gathers live fee estimates for an order from the adapters.
type Estimator struct {
	registry     *chain.Registry
	converter    *FeeConverter
	signatureFee decimal.Decimal
	now          func() time.Time
}

func NewEstimator(registry *chain.Registry, converter *FeeConverter, signatureFee decimal.Decimal) *Estimator {
	return &Estimator{registry: registry, converter: converter, signatureFee: signatureFee, now: time.Now}
}

// legActions lists the transactions the resolver pays for on each leg.
// Destination claims are only paid where the resolver claims for the
// beneficiary.
func legActions(a chain.Adapter, side swap.Side) []chain.Action {
	if side == swap.SideDestination && !a.Capabilities().ClaimForBeneficiary {
		return []chain.Action{chain.ActionLock}
	}
	return []chain.Action{chain.ActionLock, chain.ActionClaim}
}

func (e *Estimator) legCost(ctx context.Context, chainID string, side swap.Side) (decimal.Decimal, error) {
	a, err := e.registry.Get(chainID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, action := range legActions(a, side) {
		fee, err := a.EstimateFee(ctx, action)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to estimate %s fee on %s: %w", action, chainID, err)
		}
		v, err := e.converter.Convert(chainID, fee)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v)
	}
	return total, nil
}

// Input builds the analyzer input for an order.
func (e *Estimator) Input(ctx context.Context, o *swap.Order) (Input, error) {
	src, err := e.legCost(ctx, o.SourceChainID, swap.SideSource)
	if err != nil {
		return Input{}, err
	}
	dst, err := e.legCost(ctx, o.DestinationChainID, swap.SideDestination)
	if err != nil {
		return Input{}, err
	}
	return Input{
		Order:           o,
		SourceCost:      src,
		DestinationCost: dst,
		SignatureFee:    e.signatureFee,
		Now:             e.now(),
	}, nil
}
