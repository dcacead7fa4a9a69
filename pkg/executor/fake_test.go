package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/htlc"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// world is a manual clock shared by the executor and every fake ledger.
type world struct {
	mu  sync.Mutex
	now time.Time
}

func (w *world) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

func (w *world) advance(d time.Duration) {
	w.mu.Lock()
	w.now = w.now.Add(d)
	w.mu.Unlock()
}

type fakeTx struct {
	tx       *chain.SignedTx
	req      chain.TxRequest
	included bool
	reverted bool
	height   uint64
}

// fakeLedger executes transactions against an htlc.Contract when they are
// broadcast.
type fakeLedger struct {
	id       string
	caps     chain.Capabilities
	addr     string
	world    *world
	contract *htlc.Contract

	mu         sync.Mutex
	base       time.Time
	txs        map[string]*fakeTx
	built      map[string]string
	builds     int
	broadcasts map[string]int
	seq        int
	buildErr   error
	sendErr    error
	// holdLocks accepts lock broadcasts without ever including them.
	holdLocks bool
}

func newFakeLedger(id string, caps chain.Capabilities, w *world) *fakeLedger {
	c := htlc.NewContract("owner", swap.SafetyDepositPolicy{})
	addr := "resolver@" + id
	_ = c.AddResolver("owner", addr)
	return &fakeLedger{
		id:         id,
		caps:       caps,
		addr:       addr,
		world:      w,
		contract:   c,
		base:       w.Now(),
		txs:        make(map[string]*fakeTx),
		built:      make(map[string]string),
		broadcasts: make(map[string]int),
	}
}

func (f *fakeLedger) ChainID() string                  { return f.id }
func (f *fakeLedger) Family() chain.Family             { return chain.FamilyEVM }
func (f *fakeLedger) Capabilities() chain.Capabilities { return f.caps }
func (f *fakeLedger) Address() string                  { return f.addr }

func (f *fakeLedger) Clock(h chain.Head) swap.Clock {
	return swap.Clock{Kind: swap.DeadlineTime, RefHeight: h.Height, RefTime: h.Time, BlockInterval: time.Minute}
}

// headLocked derives one block per elapsed minute.
func (f *fakeLedger) headLocked() chain.Head {
	now := f.world.Now()
	height := 100 + uint64(now.Sub(f.base)/time.Minute)
	return chain.Head{Height: height, Hash: fmt.Sprintf("%s-%d", f.id, height), Time: now}
}

func (f *fakeLedger) Head(context.Context) (chain.Head, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headLocked(), nil
}

func (f *fakeLedger) BlockHash(_ context.Context, height uint64) (string, error) {
	return fmt.Sprintf("%s-%d", f.id, height), nil
}

func (f *fakeLedger) ScanEvents(context.Context, uint64, uint64) ([]chain.LedgerEvent, error) {
	return nil, nil
}

func (f *fakeLedger) BuildAndSign(_ context.Context, req *chain.TxRequest) (*chain.SignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	if id, ok := f.built[req.Key()]; ok && !f.txs[id].reverted {
		return f.txs[id].tx, nil
	}
	f.seq++
	f.builds++
	tx := &chain.SignedTx{
		ChainID: f.id,
		Key:     req.Key(),
		TxID:    fmt.Sprintf("%s-%s-%d", f.id, req.Action, f.seq),
		Raw:     []byte(req.Key()),
	}
	f.txs[tx.TxID] = &fakeTx{tx: tx, req: *req}
	f.built[req.Key()] = tx.TxID
	return tx, nil
}

func (f *fakeLedger) Broadcast(_ context.Context, tx *chain.SignedTx) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	ft, ok := f.txs[tx.TxID]
	if !ok {
		return errors.New("unknown transaction")
	}
	f.broadcasts[tx.TxID]++
	if ft.included || f.holdLocks && ft.req.Action == chain.ActionLock {
		return nil
	}
	head := f.headLocked()
	ft.included = true
	ft.height = head.Height
	ft.reverted = f.execute(ft.req, head) != nil
	return nil
}

func (f *fakeLedger) execute(req chain.TxRequest, head chain.Head) error {
	ref := req.Escrow
	at := htlc.Point{Height: head.Height, Time: head.Time}
	switch req.Action {
	case chain.ActionLock:
		if _, err := f.contract.Get(ref.OrderHash); err == nil {
			// A lock re-included after a reorg finds its escrow in place.
			return nil
		}
		if _, err := f.contract.Create(htlc.CreateParams{
			OrderHash:   ref.OrderHash,
			Side:        ref.Side,
			Depositor:   ref.Depositor,
			Beneficiary: ref.Beneficiary,
			Amount:      ref.Amount,
			Hashlock:    ref.Hashlock,
			Timelocks:   ref.Schedule,
		}); err != nil {
			return err
		}
		_, err := f.contract.Match(ref.OrderHash, f.addr, ref.SafetyDeposit)
		return err
	case chain.ActionClaim:
		_, err := f.contract.Claim(ref.OrderHash, f.addr, req.Secret.Bytes(), at)
		return err
	case chain.ActionRefund:
		_, err := f.contract.Refund(ref.OrderHash, f.addr, ref.Maker, at)
		return err
	}
	return fmt.Errorf("unknown action %s", req.Action)
}

func (f *fakeLedger) TxStatus(_ context.Context, tx *chain.SignedTx) (*chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.txs[tx.TxID]
	if !ok || !ft.included {
		return &chain.TxStatus{State: chain.TxPending}, nil
	}
	head := f.headLocked()
	st := &chain.TxStatus{
		State:         chain.TxIncluded,
		Height:        ft.height,
		BlockHash:     fmt.Sprintf("%s-%d", f.id, ft.height),
		Confirmations: head.Height - ft.height + 1,
	}
	if ft.reverted {
		st.State = chain.TxFailed
	}
	return st, nil
}

func (f *fakeLedger) Escrow(_ context.Context, ref chain.EscrowRef) (*chain.EscrowState, error) {
	e, err := f.contract.Get(ref.OrderHash)
	if errors.Is(err, htlc.ErrOrderNotFound) {
		return &chain.EscrowState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &chain.EscrowState{
		Exists:   true,
		Status:   e.Escrow.Status,
		Hashlock: e.Escrow.Hashlock,
		Schedule: e.Escrow.Timelocks,
		Amount:   e.Escrow.LockedAmount,
		Secret:   e.Preimage,
	}, nil
}

func (f *fakeLedger) EstimateFee(context.Context, chain.Action) (*big.Int, error) {
	return big.NewInt(0), nil
}

// orphan drops a transaction from the canonical chain.
func (f *fakeLedger) orphan(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.txs[txID]; ok {
		ft.included = false
	}
}

func (f *fakeLedger) sent(txID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts[txID]
}

func (f *fakeLedger) totalBuilds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func (f *fakeLedger) status(orderHash string) swap.EscrowStatus {
	e, err := f.contract.Get(orderHash)
	if err != nil {
		return ""
	}
	return e.Escrow.Status
}

var _ chain.Adapter = (*fakeLedger)(nil)
