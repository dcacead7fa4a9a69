package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// run is the working set of one step: the loaded swap, its adapters and the
// ledger heads fetched so far.
type run struct {
	e     *Executor
	sw    *db.Swap
	src   chain.Adapter
	dst   chain.Adapter
	heads map[swap.Side]chain.Head
}

func (e *Executor) newRun(sw *db.Swap) (*run, error) {
	src, err := e.registry.Get(sw.Order.SourceChainID)
	if err != nil {
		return nil, err
	}
	dst, err := e.registry.Get(sw.Order.DestinationChainID)
	if err != nil {
		return nil, err
	}
	return &run{e: e, sw: sw, src: src, dst: dst, heads: make(map[swap.Side]chain.Head)}, nil
}

func (r *run) adapter(side swap.Side) chain.Adapter {
	if side == swap.SideDestination {
		return r.dst
	}
	return r.src
}

func (r *run) head(ctx context.Context, side swap.Side) (chain.Head, error) {
	if h, ok := r.heads[side]; ok {
		return h, nil
	}
	a := r.adapter(side)
	h, err := a.Head(ctx)
	if err != nil {
		return chain.Head{}, swap.Transient(a.ChainID(), "head", err)
	}
	r.heads[side] = h
	return h, nil
}

func (r *run) clock(ctx context.Context, side swap.Side) (swap.Clock, chain.Head, error) {
	h, err := r.head(ctx, side)
	if err != nil {
		return swap.Clock{}, h, err
	}
	return r.adapter(side).Clock(h), h, nil
}

// reached reports whether deadline d has passed on the ledger of side.
func (r *run) reached(ctx context.Context, side swap.Side, d swap.Deadline) (bool, error) {
	h, err := r.head(ctx, side)
	if err != nil {
		return false, err
	}
	return d.ReachedAt(h.Height, h.Time), nil
}

// fits reports whether n more transactions can each get included within
// ClaimLatency before deadline d on the ledger of side.
func (r *run) fits(ctx context.Context, side swap.Side, d swap.Deadline, n int) (bool, error) {
	c, h, err := r.clock(ctx, side)
	if err != nil {
		return false, err
	}
	if d.ReachedAt(h.Height, h.Time) {
		return false, nil
	}
	budget := time.Duration(n) * r.e.cfg.ClaimLatency
	return h.Time.Add(budget).Before(c.TimeOf(d)), nil
}

// claimFits reports whether a claim sent as soon as w opens lands before w
// closes.
func (r *run) claimFits(ctx context.Context, side swap.Side, w swap.Window) (bool, error) {
	c, h, err := r.clock(ctx, side)
	if err != nil {
		return false, err
	}
	return claimFeasible(c, h, w, r.e.cfg.ClaimLatency), nil
}

func claimFeasible(c swap.Clock, h chain.Head, w swap.Window, latency time.Duration) bool {
	if w.Close.ReachedAt(h.Height, h.Time) {
		return false
	}
	start := h.Time
	if open := c.TimeOf(w.Open); open.After(start) {
		start = open
	}
	return start.Add(latency).Before(c.TimeOf(w.Close))
}

type txOutcome int

const (
	txWaiting txOutcome = iota
	txConfirmed
	txReverted
)

// advance moves the transaction for action on side one stage forward:
// sign and persist, broadcast and persist, or poll inclusion. A signed record
// is always broadcast as is; the request is only rebuilt after the ledger
// reports it dropped. An action whose signature failed verification stays
// waiting.
func (r *run) advance(ctx context.Context, side swap.Side, action chain.Action, secret *swap.Secret) (txOutcome, error) {
	leg := r.sw.Leg(side)
	a := r.adapter(side)
	now := r.e.now()
	rec := leg.Tx(action)

	if rec == nil {
		if leg.IsBlocked(action) {
			return txWaiting, nil
		}
		req := &chain.TxRequest{Escrow: leg.Escrow, Action: action, Secret: secret}
		signed, err := a.BuildAndSign(ctx, req)
		var mismatch *swap.SignatureMismatchError
		if errors.As(err, &mismatch) {
			leg.Block(action)
		}
		if err != nil {
			return txWaiting, err
		}
		rec = db.NewTxRecord(action, signed, now)
		leg.SetTx(rec)
		if action == chain.ActionLock && a.Family() == chain.FamilyUTXO {
			leg.Escrow.LockTxID = signed.TxID
			leg.Escrow.LockOutput = signed.Output
		}
		if err := r.e.save(ctx, r.sw, nil); err != nil {
			return txWaiting, err
		}
		r.e.logger.Info("Transaction signed",
			zap.String("order_hash", r.sw.OrderHash),
			zap.String("chain", leg.ChainID),
			zap.String("action", string(action)),
			zap.String("tx_id", rec.TxID))
	}

	tx := rec.SignedTx(leg.ChainID, (&chain.TxRequest{Escrow: leg.Escrow, Action: action}).Key())
	switch rec.Status {
	case db.TxConfirmed:
		return txConfirmed, nil
	case db.TxFailed:
		return txReverted, nil
	case db.TxSigned:
		if err := a.Broadcast(ctx, tx); err != nil {
			return txWaiting, err
		}
		rec.Status = db.TxBroadcast
		rec.Attempts++
		rec.UpdatedAt = now
		metrics.TransactionsSent.WithLabelValues(leg.ChainID, string(action), "broadcast").Inc()
		return txWaiting, r.e.save(ctx, r.sw, nil)
	}

	st, err := a.TxStatus(ctx, tx)
	if err != nil {
		return txWaiting, err
	}
	switch st.State {
	case chain.TxIncluded:
		if st.Confirmations < r.e.cfg.confirmations(leg.ChainID) {
			return txWaiting, nil
		}
		rec.Status = db.TxConfirmed
		rec.Height = st.Height
		rec.BlockHash = st.BlockHash
		rec.UpdatedAt = now
		metrics.TransactionsSent.WithLabelValues(leg.ChainID, string(action), "confirmed").Inc()
		return txConfirmed, r.e.save(ctx, r.sw, nil)
	case chain.TxFailed:
		rec.Status = db.TxFailed
		rec.UpdatedAt = now
		metrics.TransactionsSent.WithLabelValues(leg.ChainID, string(action), "failed").Inc()
		r.e.logger.Warn("Transaction reverted",
			zap.String("order_hash", r.sw.OrderHash),
			zap.String("chain", leg.ChainID),
			zap.String("action", string(action)),
			zap.String("tx_id", rec.TxID))
		return txReverted, r.e.save(ctx, r.sw, nil)
	case chain.TxDropped:
		r.e.logger.Warn("Transaction dropped, rebuilding",
			zap.String("order_hash", r.sw.OrderHash),
			zap.String("chain", leg.ChainID),
			zap.String("action", string(action)),
			zap.String("tx_id", rec.TxID))
		delete(leg.Txs, action)
		if action == chain.ActionLock && a.Family() == chain.FamilyUTXO {
			leg.Escrow.LockTxID = ""
			leg.Escrow.LockOutput = 0
		}
		metrics.TransactionsSent.WithLabelValues(leg.ChainID, string(action), "dropped").Inc()
		return txWaiting, r.e.save(ctx, r.sw, nil)
	}

	if now.Sub(rec.UpdatedAt) >= r.e.cfg.RebroadcastAfter {
		if err := a.Broadcast(ctx, tx); err != nil {
			return txWaiting, err
		}
		rec.Attempts++
		rec.UpdatedAt = now
		return txWaiting, r.e.save(ctx, r.sw, nil)
	}
	return txWaiting, nil
}

// verifyEscrow checks that the escrow on side exists on ledger with the
// swap's hashlock and schedule.
func (r *run) verifyEscrow(ctx context.Context, side swap.Side) error {
	leg := r.sw.Leg(side)
	a := r.adapter(side)
	es, err := a.Escrow(ctx, leg.Escrow)
	if err != nil {
		return swap.Transient(a.ChainID(), "escrow", err)
	}
	switch {
	case !es.Exists:
		return &swap.ReorgInvalidatedError{ChainID: a.ChainID(), Height: leg.Tx(chain.ActionLock).Height}
	case es.Hashlock != r.sw.Hashlock:
		return &escrowMismatchError{side: side, reason: "hashlock differs"}
	case es.Schedule != leg.Escrow.Schedule:
		return &escrowMismatchError{side: side, reason: "timelock schedule differs"}
	}
	leg.Status = es.Status
	return nil
}

// refresh copies the on-ledger escrow status into the leg.
func (r *run) refresh(ctx context.Context, side swap.Side) (*chain.EscrowState, error) {
	leg := r.sw.Leg(side)
	a := r.adapter(side)
	es, err := a.Escrow(ctx, leg.Escrow)
	if err != nil {
		return nil, swap.Transient(a.ChainID(), "escrow", err)
	}
	if es.Exists && es.Status != "" {
		leg.Status = es.Status
	}
	return es, nil
}

type escrowMismatchError struct {
	side   swap.Side
	reason string
}

func (e *escrowMismatchError) Error() string {
	return fmt.Sprintf("%s escrow does not match swap: %s", e.side, e.reason)
}
