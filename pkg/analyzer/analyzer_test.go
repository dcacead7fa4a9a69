package analyzer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"testing/quick"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MarginBps:           1000,
		MinSafetyDepositBps: 100,
		MinExecutionTime:    time.Hour,
		SafetyMargin:        15 * time.Minute,
		SafetyDeposit:       swap.SafetyDepositPolicy{Floor: big.NewInt(1)},
	}
}

func testOrder(fee int64) *swap.Order {
	return &swap.Order{
		OrderHash:          "0x01",
		Maker:              "0xmaker",
		SourceChainID:      "eth",
		SourceAsset:        "0xtoken",
		SourceAmount:       big.NewInt(100),
		DestinationChainID: "sol",
		DestinationAsset:   "native",
		DestinationAmount:  big.NewInt(200),
		DestinationAddress: "maker-sol",
		ResolverFee:        big.NewInt(fee),
		SafetyDepositBps:   500,
		CreatedAt:          now,
		Expiry:             now.Add(3 * time.Hour),
	}
}

func TestDecide(t *testing.T) {
	a := New(testConfig())

	tests := []struct {
		name       string
		order      func() *swap.Order
		cost       int64
		wantAccept bool
		wantReason RejectReason
	}{
		{"exactly at margin", func() *swap.Order { return testOrder(110) }, 100, true, ""},
		{"below margin", func() *swap.Order { return testOrder(109) }, 100, false, ReasonUnprofitable},
		{"free order", func() *swap.Order { return testOrder(0) }, 0, true, ""},
		{"expired", func() *swap.Order {
			o := testOrder(1000)
			o.Expiry = now
			return o
		}, 1, false, ReasonExpired},
		{"not enough time", func() *swap.Order {
			o := testOrder(1000)
			o.Expiry = now.Add(74 * time.Minute)
			return o
		}, 1, false, ReasonInsufficientTime},
		{"under collateralized", func() *swap.Order {
			o := testOrder(1000)
			o.SafetyDepositBps = 50
			return o
		}, 1, false, ReasonUnderCollateralized},
		{"missing amount", func() *swap.Order {
			o := testOrder(1000)
			o.DestinationAmount = nil
			return o
		}, 1, false, ReasonInvalidOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := a.Decide(Input{
				Order:           tt.order(),
				SourceCost:      decimal.NewFromInt(tt.cost),
				DestinationCost: decimal.Zero,
				SignatureFee:    decimal.Zero,
				Now:             now,
			})
			if d.Accept != tt.wantAccept {
				t.Fatalf("expected accept=%v, got %+v", tt.wantAccept, d)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q (%s)", tt.wantReason, d.Reason, d.Detail)
			}
			if d.Accept && d.Sizing == nil {
				t.Error("accepted decision must carry sizing")
			}
		})
	}
}

func TestDecide_Sizing(t *testing.T) {
	a := New(testConfig())
	d := a.Decide(Input{
		Order:           testOrder(50),
		SourceCost:      decimal.RequireFromString("12.5"),
		DestinationCost: decimal.RequireFromString("20"),
		SignatureFee:    decimal.RequireFromString("2.5"),
		Now:             now,
	})
	if !d.Accept {
		t.Fatalf("expected accept, got %s: %s", d.Reason, d.Detail)
	}
	s := d.Sizing
	if s.SafetyDeposit.Int64() != 5 {
		t.Errorf("expected safety deposit 5, got %s", s.SafetyDeposit)
	}
	if s.FillAmount.Int64() != 100 {
		t.Errorf("expected full fill, got %s", s.FillAmount)
	}
	if !s.EstimatedCost.Equal(decimal.NewFromInt(35)) || !s.RequiredFee.Equal(decimal.RequireFromString("38.5")) {
		t.Errorf("unexpected cost %s / required %s", s.EstimatedCost, s.RequiredFee)
	}
	if !s.ExpectedProfit.Equal(decimal.NewFromInt(15)) {
		t.Errorf("unexpected profit %s", s.ExpectedProfit)
	}
}

func TestDecide_ProfitabilityProperty(t *testing.T) {
	prop := func(src, dst, sig uint32, fee uint64, margin uint16) bool {
		cfg := testConfig()
		cfg.MarginBps = uint32(margin)
		o := testOrder(0)
		o.ResolverFee = new(big.Int).SetUint64(fee)

		d := New(cfg).Decide(Input{
			Order:           o,
			SourceCost:      decimal.NewFromInt(int64(src)),
			DestinationCost: decimal.NewFromInt(int64(dst)),
			SignatureFee:    decimal.NewFromInt(int64(sig)),
			Now:             now,
		})

		cost := new(big.Int).SetUint64(uint64(src) + uint64(dst) + uint64(sig))
		lhs := new(big.Int).Mul(o.ResolverFee, big.NewInt(10_000))
		rhs := new(big.Int).Mul(cost, big.NewInt(10_000+int64(margin)))
		want := lhs.Cmp(rhs) >= 0
		if d.Accept != want {
			return false
		}
		return d.Accept || d.Reason == ReasonUnprofitable
	}
	if err := quick.Check(prop, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	a := New(testConfig())
	prop := func(fee uint32, cost uint32) bool {
		in := Input{Order: testOrder(int64(fee)), SourceCost: decimal.NewFromInt(int64(cost)), Now: now}
		first, second := a.Decide(in), a.Decide(in)
		return first.Accept == second.Accept && first.Reason == second.Reason && first.Detail == second.Detail
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

type stubAdapter struct {
	chain.Adapter
	id   string
	caps chain.Capabilities
	fees map[chain.Action]int64
	err  error
}

func (s *stubAdapter) ChainID() string                  { return s.id }
func (s *stubAdapter) Capabilities() chain.Capabilities { return s.caps }
func (s *stubAdapter) EstimateFee(_ context.Context, action chain.Action) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return big.NewInt(s.fees[action]), nil
}

func TestEstimator_Input(t *testing.T) {
	eth := &stubAdapter{id: "eth", caps: chain.Capabilities{SourceLegs: true, ClaimForBeneficiary: true},
		fees: map[chain.Action]int64{chain.ActionLock: 1000, chain.ActionClaim: 500}}
	btc := &stubAdapter{id: "btc", fees: map[chain.Action]int64{chain.ActionLock: 300, chain.ActionClaim: 200}}
	reg, err := chain.NewRegistry(eth, btc)
	if err != nil {
		t.Fatal(err)
	}
	conv := NewFeeConverter(map[string]decimal.Decimal{
		"eth": decimal.RequireFromString("0.01"),
		"btc": decimal.RequireFromString("0.1"),
	})
	est := NewEstimator(reg, conv, decimal.NewFromInt(3))
	est.now = func() time.Time { return now }

	o := testOrder(100)
	o.DestinationChainID = "btc"
	in, err := est.Input(context.Background(), o)
	if err != nil {
		t.Fatalf("Input() failed: %v", err)
	}
	if !in.SourceCost.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected source cost 15, got %s", in.SourceCost)
	}
	// The beneficiary claims UTXO escrows itself, so only the lock is paid.
	if !in.DestinationCost.Equal(decimal.NewFromInt(30)) {
		t.Errorf("expected destination cost 30, got %s", in.DestinationCost)
	}
	if !in.SignatureFee.Equal(decimal.NewFromInt(3)) || !in.Now.Equal(now) {
		t.Errorf("unexpected input %+v", in)
	}

	btc.err = errors.New("rpc down")
	if _, err := est.Input(context.Background(), o); err == nil {
		t.Error("expected estimate error")
	}

	o.SourceChainID = "doge"
	if _, err := est.Input(context.Background(), o); !errors.Is(err, chain.ErrUnknownChain) {
		t.Errorf("expected ErrUnknownChain, got %v", err)
	}
}

func TestFeeConverter_MissingPrice(t *testing.T) {
	conv := NewFeeConverter(map[string]decimal.Decimal{})
	if _, err := conv.Convert("eth", big.NewInt(1)); err == nil {
		t.Error("expected error for chain without price")
	}
}
