package executor

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/pkg/analyzer"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/htlc"
	"github.com/chainsafe/swap-coordinator/pkg/keys"
	"github.com/chainsafe/swap-coordinator/pkg/monitor"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeEstimator struct {
	mu   sync.Mutex
	cost decimal.Decimal
	err  error
	now  func() time.Time
}

func (f *fakeEstimator) Input(_ context.Context, o *swap.Order) (analyzer.Input, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return analyzer.Input{}, f.err
	}
	return analyzer.Input{Order: o, SourceCost: f.cost, Now: f.now()}, nil
}

type delivery struct {
	orderHash   string
	beneficiary string
	secret      swap.Secret
}

type fakeRelay struct {
	mu  sync.Mutex
	got []delivery
}

func (f *fakeRelay) Deliver(_ context.Context, orderHash, beneficiary string, secret swap.Secret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, delivery{orderHash, beneficiary, secret})
	return nil
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	w      *world
	src    *fakeLedger
	dst    *fakeLedger
	store  *db.BoltStore
	relay  *fakeRelay
	est    *fakeEstimator
	sealer *keys.Sealer
	cfg    Config
	e      *Executor
}

func testConfig(srcCancel time.Duration) Config {
	return Config{
		MaxConcurrency:   2,
		PollInterval:     10 * time.Millisecond,
		MaxAttempts:      3,
		RetryDelay:       time.Second,
		MaxRetryDelay:    5 * time.Second,
		ClaimLatency:     3 * time.Minute,
		TimelockMargin:   10 * time.Minute,
		RebroadcastAfter: time.Minute,
		Timelocks: func(string, string) swap.TimelockOffsets {
			return swap.TimelockOffsets{
				DstWithdraw: 0,
				DstCancel:   20 * time.Minute,
				SrcWithdraw: 32 * time.Minute,
				SrcCancel:   srcCancel,
			}
		},
	}
}

func newHarness(t *testing.T, cfg Config, dstCaps chain.Capabilities) *harness {
	t.Helper()
	w := &world{now: base}
	store, err := db.NewBoltStore(filepath.Join(t.TempDir(), "swaps.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sealer, err := keys.NewSealer(make([]byte, keys.MasterKeySize))
	if err != nil {
		t.Fatalf("NewSealer() failed: %v", err)
	}
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		w:      w,
		src:    newFakeLedger("src", chain.Capabilities{SourceLegs: true, ClaimForBeneficiary: true}, w),
		dst:    newFakeLedger("dst", dstCaps, w),
		store:  store,
		relay:  &fakeRelay{},
		est:    &fakeEstimator{cost: decimal.Zero, now: w.Now},
		sealer: sealer,
		cfg:    cfg,
	}
	h.restart()
	return h
}

// restart replaces the executor, keeping the store and the ledgers.
func (h *harness) restart() {
	h.t.Helper()
	registry, err := chain.NewRegistry(h.src, h.dst)
	if err != nil {
		h.t.Fatalf("NewRegistry() failed: %v", err)
	}
	decider := analyzer.New(analyzer.Config{
		MinSafetyDepositBps: 100,
		MinExecutionTime:    time.Hour,
	})
	var relay SecretRelay
	if !h.dst.caps.ClaimForBeneficiary {
		relay = h.relay
	}
	h.e = New(h.cfg, h.store, registry, decider, h.est, h.sealer, relay, zap.NewNop())
	h.e.now = h.w.Now
}

func (h *harness) order(maker string) *swap.Order {
	h.t.Helper()
	o := &swap.Order{
		Maker:              maker,
		SourceChainID:      "src",
		SourceAsset:        "0xasset",
		SourceAmount:       big.NewInt(100),
		DestinationChainID: "dst",
		DestinationAsset:   "native",
		DestinationAmount:  big.NewInt(200),
		DestinationAddress: maker + "@dst",
		ResolverFee:        big.NewInt(10),
		SafetyDepositBps:   500,
		CreatedAt:          base,
		Expiry:             base.Add(3 * time.Hour),
	}
	if err := o.Seal(); err != nil {
		h.t.Fatalf("Seal() failed: %v", err)
	}
	return o
}

func (h *harness) detect(o *swap.Order) {
	h.t.Helper()
	ev := monitor.Event{Kind: monitor.NewOrderDetected, ChainID: "src", OrderHash: o.OrderHash, TxID: "0xcommit", Order: o}
	if err := h.e.apply(h.ctx, ev); err != nil {
		h.t.Fatalf("apply() failed: %v", err)
	}
}

func (h *harness) swap(hash string) *db.Swap {
	h.t.Helper()
	sw, err := h.store.GetSwap(h.ctx, hash)
	if err != nil {
		h.t.Fatalf("GetSwap() failed: %v", err)
	}
	return sw
}

// stepUntil steps the swap until done holds.
func (h *harness) stepUntil(hash string, done func(*db.Swap) bool) *db.Swap {
	h.t.Helper()
	for i := 0; i < 10; i++ {
		if err := h.e.step(h.ctx, hash); err != nil {
			h.t.Fatalf("step() failed: %v", err)
		}
		if sw := h.swap(hash); done(sw) {
			return sw
		}
	}
	sw := h.swap(hash)
	h.t.Fatalf("swap stuck in %s (last error %q)", sw.State, sw.LastError)
	return nil
}

func inState(st swap.State) func(*db.Swap) bool {
	return func(sw *db.Swap) bool { return sw.State == st }
}

func settled(sw *db.Swap) bool { return sw.Settled }

func (h *harness) states(hash string) []swap.State {
	h.t.Helper()
	ts, err := h.store.ListTransitions(h.ctx, hash)
	if err != nil {
		h.t.Fatalf("ListTransitions() failed: %v", err)
	}
	out := make([]swap.State, 0, len(ts))
	for _, tr := range ts {
		out = append(out, tr.To)
	}
	return out
}

func equalStates(a, b []swap.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var claimCaps = chain.Capabilities{ClaimForBeneficiary: true}

func TestExecutor_HappyPath(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	o := h.order("alice")
	h.detect(o)

	sw := h.stepUntil(o.OrderHash, inState(swap.StateSecretRevealed))
	if h.dst.status(o.OrderHash) != swap.EscrowClaimed {
		t.Fatalf("destination escrow should be claimed, got %s", h.dst.status(o.OrderHash))
	}
	if sw.Source.Escrow.Beneficiary != h.src.addr || sw.Destination.Escrow.Beneficiary != "alice@dst" {
		t.Errorf("unexpected beneficiaries: %s, %s", sw.Source.Escrow.Beneficiary, sw.Destination.Escrow.Beneficiary)
	}
	if sw.Source.Escrow.SafetyDeposit.Cmp(big.NewInt(5)) != 0 {
		t.Errorf("expected safety deposit 5, got %s", sw.Source.Escrow.SafetyDeposit)
	}

	// The source window is not open yet.
	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("step() failed: %v", err)
	}
	if sw := h.swap(o.OrderHash); sw.Source.Tx(chain.ActionClaim) != nil {
		t.Fatal("source claim sent before the source window opened")
	}

	h.w.advance(33 * time.Minute)
	sw = h.stepUntil(o.OrderHash, settled)

	if sw.State != swap.StateCompleted {
		t.Fatalf("expected completed, got %s", sw.State)
	}
	if h.src.status(o.OrderHash) != swap.EscrowClaimed {
		t.Errorf("source escrow should be claimed, got %s", h.src.status(o.OrderHash))
	}
	want := []swap.State{
		swap.StateValidated,
		swap.StateSourceLocked,
		swap.StateDestinationFunded,
		swap.StateSecretRevealed,
		swap.StateCompleted,
	}
	if got := h.states(o.OrderHash); !equalStates(got, want) {
		t.Errorf("unexpected transitions: %v", got)
	}
	if n := h.src.sent(sw.Source.Tx(chain.ActionLock).TxID); n != 1 {
		t.Errorf("source lock broadcast %d times", n)
	}
	if sw.Order.Status != swap.StateCompleted {
		t.Errorf("order status not updated: %s", sw.Order.Status)
	}
}

func TestExecutor_RevealRequiresSourceClaimToFit(t *testing.T) {
	tests := []struct {
		name      string
		srcCancel time.Duration
		want      swap.State
	}{
		// The source window [32m, 40m) leaves room for a 3m claim.
		{"fits", 40 * time.Minute, swap.StateCompleted},
		// A claim sent at 32m lands at 35m, after the 34m cancel.
		{"does not fit", 34 * time.Minute, swap.StateRefunded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(tt.srcCancel), claimCaps)
			o := h.order("bob")
			h.detect(o)

			sw := h.stepUntil(o.OrderHash, func(sw *db.Swap) bool {
				return sw.State == swap.StateSecretRevealed || sw.State.Terminal()
			})
			h.w.advance(20 * time.Minute)
			h.stepUntil(o.OrderHash, func(sw *db.Swap) bool {
				return sw.Settled || sw.Destination.Status.Final() && sw.Source.Tx(chain.ActionClaim) == nil
			})
			h.w.advance(15 * time.Minute)
			sw = h.stepUntil(o.OrderHash, settled)

			if sw.State != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, sw.State)
			}
			if tt.want == swap.StateRefunded {
				if sw.Destination.Tx(chain.ActionClaim) != nil {
					t.Error("destination claim must not be built when the source claim cannot fit")
				}
				e, err := h.dst.contract.Get(o.OrderHash)
				if err != nil {
					t.Fatalf("Get() failed: %v", err)
				}
				if e.Preimage != nil {
					t.Error("secret reached the destination ledger")
				}
				if h.src.status(o.OrderHash) != swap.EscrowRefunded || h.dst.status(o.OrderHash) != swap.EscrowRefunded {
					t.Errorf("expected both legs refunded, got %s and %s",
						h.src.status(o.OrderHash), h.dst.status(o.OrderHash))
				}
			}
		})
	}
}

func TestExecutor_RestartResendsSignedTransaction(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	o := h.order("carol")
	h.detect(o)

	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("step() failed: %v", err)
	}
	h.dst.sendErr = errors.New("connection refused")
	if err := h.e.step(h.ctx, o.OrderHash); err == nil {
		t.Fatal("expected broadcast failure")
	}
	sw := h.swap(o.OrderHash)
	if sw.State != swap.StateSourceLocked {
		t.Fatalf("expected source_locked, got %s", sw.State)
	}
	rec := sw.Destination.Tx(chain.ActionLock)
	if rec == nil || rec.Status != db.TxSigned {
		t.Fatalf("destination lock should be persisted as signed, got %+v", rec)
	}
	if sw.Attempts != 1 || !strings.Contains(sw.LastError, "connection refused") {
		t.Errorf("retry not recorded: attempts=%d error=%q", sw.Attempts, sw.LastError)
	}

	h.dst.sendErr = nil
	h.restart()
	sw = h.stepUntil(o.OrderHash, inState(swap.StateSecretRevealed))

	if got := sw.Destination.Tx(chain.ActionLock).TxID; got != rec.TxID {
		t.Errorf("restart rebuilt the destination lock: %s != %s", got, rec.TxID)
	}
	if n := h.dst.totalBuilds(); n != 2 {
		t.Errorf("expected lock and claim builds only, got %d", n)
	}
	if n := h.src.sent(sw.Source.Tx(chain.ActionLock).TxID); n != 1 {
		t.Errorf("source lock re-broadcast after restart: %d", n)
	}
	if sw.Attempts != 0 || sw.LastError != "" {
		t.Errorf("retry state not cleared: attempts=%d error=%q", sw.Attempts, sw.LastError)
	}
}

func TestExecutor_SignatureMismatchIsNeverBroadcast(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	h.src.buildErr = &swap.SignatureMismatchError{ChainID: "src", DerivationPath: "m/44'/60'/0'/0/0", Reason: "recovered address differs"}
	o := h.order("dave")
	h.detect(o)

	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("step() failed: %v", err)
	}
	sw := h.swap(o.OrderHash)
	if sw.State != swap.StateFailed || !sw.Escalated {
		t.Fatalf("expected escalated failure, got %s escalated=%v", sw.State, sw.Escalated)
	}
	if len(h.src.broadcasts) != 0 {
		t.Errorf("unexpected broadcasts: %v", h.src.broadcasts)
	}
	if sw.Source.Tx(chain.ActionLock) != nil {
		t.Error("no transaction should be recorded")
	}

	if !sw.Source.IsBlocked(chain.ActionLock) {
		t.Error("mismatched action should be blocked")
	}
	// Nothing reached a ledger, so there is nothing left to release.
	if !sw.Settled {
		t.Error("failure without locked funds should be settled")
	}
	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("step() failed: %v", err)
	}
	if h.swap(o.OrderHash).Version != sw.Version {
		t.Error("settled swap was modified")
	}
}

func TestExecutor_EscalatedSwapIsStillRefunded(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	o := h.order("dora")
	h.detect(o)
	// Stop once the destination lock is out, before the claim is built.
	h.stepUntil(o.OrderHash, func(sw *db.Swap) bool { return sw.Destination.Tx(chain.ActionLock) != nil })

	h.dst.buildErr = &swap.SignatureMismatchError{ChainID: "dst", DerivationPath: "m/44'/60'/0'/0/1", Reason: "recovered address differs"}
	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("step() failed: %v", err)
	}
	sw := h.swap(o.OrderHash)
	if sw.State != swap.StateFailed || !sw.Escalated {
		t.Fatalf("expected escalated failure, got %s escalated=%v", sw.State, sw.Escalated)
	}
	if !sw.Active() {
		t.Fatal("escalated swap holding funds must stay active")
	}
	if !sw.Destination.IsBlocked(chain.ActionClaim) {
		t.Fatal("destination claim should be blocked")
	}
	active, err := h.store.ListActive(h.ctx)
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	if len(active) != 1 || active[0].OrderHash != o.OrderHash {
		t.Fatalf("escalated swap missing from active swaps: %d", len(active))
	}

	// The signer recovers; only the mismatched claim stays blocked.
	h.dst.buildErr = nil
	h.w.advance(3 * time.Hour)
	sw = h.stepUntil(o.OrderHash, settled)

	if sw.State != swap.StateFailed {
		t.Errorf("terminal state changed to %s", sw.State)
	}
	if sw.Destination.Tx(chain.ActionClaim) != nil {
		t.Error("blocked claim was built again")
	}
	if sw.Source.Tx(chain.ActionRefund) == nil || sw.Destination.Tx(chain.ActionRefund) == nil {
		t.Fatal("both legs should have a refund transaction")
	}
	if h.src.status(o.OrderHash) != swap.EscrowRefunded || h.dst.status(o.OrderHash) != swap.EscrowRefunded {
		t.Errorf("expected both legs refunded, got %s and %s", h.src.status(o.OrderHash), h.dst.status(o.OrderHash))
	}
}

func TestExecutor_DeadlinePassesWhileLockInFlight(t *testing.T) {
	tests := []struct {
		name    string
		pending func(h *harness) *fakeLedger
		state   swap.State
	}{
		{"source lock", func(h *harness) *fakeLedger { return h.src }, swap.StateValidated},
		{"destination lock", func(h *harness) *fakeLedger { return h.dst }, swap.StateSourceLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(40*time.Minute), claimCaps)
			tt.pending(h).holdLocks = true
			o := h.order("peggy")
			h.detect(o)

			sw := h.stepUntil(o.OrderHash, inState(tt.state))
			if err := h.e.step(h.ctx, o.OrderHash); err != nil {
				t.Fatalf("step() failed: %v", err)
			}
			sw = h.swap(o.OrderHash)
			if sw.State != tt.state {
				t.Fatalf("expected %s while the lock is pending, got %s", tt.state, sw.State)
			}

			h.w.advance(3 * time.Hour)
			sw = h.stepUntil(o.OrderHash, func(sw *db.Swap) bool {
				return sw.State == swap.StateRefunded && (tt.state == swap.StateValidated || sw.Source.Status == swap.EscrowRefunded)
			})

			if tt.state == swap.StateSourceLocked {
				if h.src.status(o.OrderHash) != swap.EscrowRefunded {
					t.Errorf("source escrow should be refunded, got %s", h.src.status(o.OrderHash))
				}
				if h.dst.status(o.OrderHash) != "" {
					t.Errorf("destination escrow should not exist, got %s", h.dst.status(o.OrderHash))
				}
			} else if h.src.status(o.OrderHash) != "" {
				t.Errorf("source escrow should not exist, got %s", h.src.status(o.OrderHash))
			}
			if sw.Destination.Tx(chain.ActionClaim) != nil {
				t.Error("no claim may be sent after the deadline passed")
			}
		})
	}
}

func TestExecutor_RejectsUnprofitableOrder(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	h.est.cost = decimal.NewFromInt(100)
	o := h.order("erin")
	h.detect(o)

	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("step() failed: %v", err)
	}
	sw := h.swap(o.OrderHash)
	if sw.State != swap.StateRejected || !sw.Settled {
		t.Fatalf("expected settled rejection, got %s settled=%v", sw.State, sw.Settled)
	}
	if sw.Order.Status != swap.StateRejected {
		t.Errorf("order status not updated: %s", sw.Order.Status)
	}
	if h.src.totalBuilds() != 0 || h.dst.totalBuilds() != 0 {
		t.Error("rejected order must not touch any ledger")
	}
}

func TestExecutor_RejectsTamperedOrder(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	o := h.order("frank")
	o.DestinationAmount = big.NewInt(1)
	h.detect(o)

	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("step() failed: %v", err)
	}
	if sw := h.swap(o.OrderHash); sw.State != swap.StateRejected {
		t.Fatalf("expected rejected, got %s", sw.State)
	}
}

func TestExecutor_RelaysSecretToSelfClaimingBeneficiary(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), chain.Capabilities{})
	o := h.order("grace")
	h.detect(o)

	sw := h.stepUntil(o.OrderHash, func(sw *db.Swap) bool { return sw.SecretSent })
	if sw.State != swap.StateDestinationFunded {
		t.Fatalf("expected destination_funded, got %s", sw.State)
	}
	if len(h.relay.got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(h.relay.got))
	}
	d := h.relay.got[0]
	if d.beneficiary != "grace@dst" || d.secret.Hashlock() != sw.Hashlock {
		t.Fatalf("unexpected delivery: %s", d.beneficiary)
	}
	if sw.Destination.Tx(chain.ActionClaim) != nil {
		t.Error("resolver must not claim a self-claiming destination")
	}

	// The beneficiary claims with the relayed secret. The fake contract only
	// admits the matched resolver as caller.
	if _, err := h.dst.contract.Claim(o.OrderHash, h.dst.addr, d.secret.Bytes(), htlc.Point{Height: 101, Time: h.w.Now()}); err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	ev := monitor.Event{
		Kind:      monitor.CounterpartyClaimed,
		ChainID:   "dst",
		OrderHash: o.OrderHash,
		Side:      swap.SideDestination,
		TxID:      "0xbeneficiary",
		Secret:    &d.secret,
	}
	if err := h.e.apply(h.ctx, ev); err != nil {
		t.Fatalf("apply() failed: %v", err)
	}
	h.stepUntil(o.OrderHash, inState(swap.StateSecretRevealed))

	h.w.advance(33 * time.Minute)
	sw = h.stepUntil(o.OrderHash, settled)
	if sw.State != swap.StateCompleted {
		t.Fatalf("expected completed, got %s", sw.State)
	}
	if len(h.relay.got) != 1 {
		t.Errorf("secret relayed %d times", len(h.relay.got))
	}
}

func TestExecutor_ReorgRevalidatesWithoutRegression(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	o := h.order("heidi")
	h.detect(o)

	sw := h.stepUntil(o.OrderHash, inState(swap.StateSourceLocked))
	lock := sw.Source.Tx(chain.ActionLock)
	h.src.orphan(lock.TxID)

	ev := monitor.Event{
		Kind:      monitor.ReorgInvalidated,
		ChainID:   "src",
		OrderHash: o.OrderHash,
		Side:      swap.SideSource,
		TxID:      lock.TxID,
	}
	if err := h.e.apply(h.ctx, ev); err != nil {
		t.Fatalf("apply() failed: %v", err)
	}
	if !h.swap(o.OrderHash).Revalidate {
		t.Fatal("reorg not recorded")
	}

	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("step() failed: %v", err)
	}
	sw = h.swap(o.OrderHash)
	if sw.Revalidate || sw.State != swap.StateSourceLocked {
		t.Fatalf("unexpected state after revalidation: %s revalidate=%v", sw.State, sw.Revalidate)
	}
	if sw.Source.Locked() {
		t.Fatal("orphaned lock still counted as confirmed")
	}

	sw = h.stepUntil(o.OrderHash, inState(swap.StateSecretRevealed))
	if got := sw.Source.Tx(chain.ActionLock).TxID; got != lock.TxID {
		t.Errorf("source lock rebuilt after reorg: %s", got)
	}
	if n := h.src.sent(lock.TxID); n != 2 {
		t.Errorf("expected the same lock re-broadcast once, got %d sends", n)
	}
	want := []swap.State{
		swap.StateValidated,
		swap.StateSourceLocked,
		swap.StateDestinationFunded,
		swap.StateSecretRevealed,
	}
	if got := h.states(o.OrderHash); !equalStates(got, want) {
		t.Errorf("unexpected transitions: %v", got)
	}
}

func TestExecutor_RetriesThenFails(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	h.est.err = errors.New("price feed unavailable")
	o := h.order("ivan")
	h.detect(o)

	if err := h.e.step(h.ctx, o.OrderHash); err == nil {
		t.Fatal("expected step error")
	}
	sw := h.swap(o.OrderHash)
	if sw.State != swap.StateDetected || sw.Attempts != 1 {
		t.Fatalf("unexpected retry state: %s attempts=%d", sw.State, sw.Attempts)
	}
	if !sw.NextAttemptAt.Equal(base.Add(time.Second)) {
		t.Errorf("unexpected next attempt: %s", sw.NextAttemptAt)
	}

	_ = h.e.step(h.ctx, o.OrderHash)
	if err := h.e.step(h.ctx, o.OrderHash); err != nil {
		t.Fatalf("final attempt should route the swap, got %v", err)
	}
	sw = h.swap(o.OrderHash)
	if sw.State != swap.StateFailed || !sw.Settled {
		t.Fatalf("expected settled failure, got %s settled=%v", sw.State, sw.Settled)
	}
}

func TestRetryDelay(t *testing.T) {
	e := &Executor{cfg: Config{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second}}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := e.retryDelay(i + 1); got != w {
			t.Errorf("retryDelay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestClaimFeasible(t *testing.T) {
	c := swap.Clock{Kind: swap.DeadlineTime, RefTime: base, BlockInterval: time.Minute}
	w := swap.Window{
		Open:  swap.TimeDeadline(base.Add(2 * time.Minute)),
		Close: swap.TimeDeadline(base.Add(10 * time.Minute)),
	}
	tests := []struct {
		name    string
		at      time.Duration
		latency time.Duration
		want    bool
	}{
		{"before open", 0, 5 * time.Minute, true},
		{"latency fills window", 0, 8 * time.Minute, false},
		{"inside window", 6 * time.Minute, 3 * time.Minute, true},
		{"too late", 8 * time.Minute, 3 * time.Minute, false},
		{"closed", 10 * time.Minute, time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := chain.Head{Height: 1, Time: base.Add(tt.at)}
			if got := claimFeasible(c, h, w, tt.latency); got != tt.want {
				t.Errorf("claimFeasible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutor_Run(t *testing.T) {
	h := newHarness(t, testConfig(40*time.Minute), claimCaps)
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan monitor.Event)
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx, events) }()

	orders := []*swap.Order{h.order("judy"), h.order("mallory"), h.order("oscar")}
	for _, o := range orders {
		events <- monitor.Event{Kind: monitor.NewOrderDetected, ChainID: "src", OrderHash: o.OrderHash, Order: o}
	}

	waitFor := func(st swap.State) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			all := true
			for _, o := range orders {
				sw, err := h.store.GetSwap(context.Background(), o.OrderHash)
				if err != nil || sw.State != st {
					all = false
					break
				}
			}
			if all {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("swaps did not reach %s", st)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	waitFor(swap.StateSecretRevealed)
	h.w.advance(33 * time.Minute)
	waitFor(swap.StateCompleted)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop")
	}
	for _, o := range orders {
		if h.src.status(o.OrderHash) != swap.EscrowClaimed || h.dst.status(o.OrderHash) != swap.EscrowClaimed {
			t.Errorf("order %s not claimed on both ledgers", o.OrderHash)
		}
	}
}
