package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

func (e *Executor) save(ctx context.Context, sw *db.Swap, t *db.Transition) error {
	sw.UpdatedAt = e.now()
	return e.store.SaveSwap(ctx, sw, t)
}

// transition records a state change together with its log entry.
func (e *Executor) transition(ctx context.Context, sw *db.Swap, to swap.State, reason string) error {
	if err := swap.CheckTransition(sw.State, to); err != nil {
		return err
	}
	from := sw.State
	now := e.now()
	sw.State = to
	sw.Order.Status = to
	sw.Attempts = 0
	sw.LastError = ""
	sw.NextAttemptAt = time.Time{}
	t := &db.Transition{OrderHash: sw.OrderHash, From: from, To: to, Reason: reason, At: now}
	if err := e.save(ctx, sw, t); err != nil {
		sw.State = from
		sw.Order.Status = from
		return err
	}

	metrics.SwapTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if to.Terminal() {
		metrics.SwapDuration.WithLabelValues(string(to)).Observe(now.Sub(sw.CreatedAt).Seconds())
	}
	e.logger.Info("Swap transition",
		zap.String("order_hash", sw.OrderHash),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return nil
}

// finish moves the swap to a terminal state. It stays active until every
// leg the resolver locked is released.
func (e *Executor) finish(ctx context.Context, sw *db.Swap, to swap.State, reason string) error {
	settled := sw.Settled
	sw.Settled = to == swap.StateCompleted || !holdsAny(sw)
	if err := e.transition(ctx, sw, to, reason); err != nil {
		sw.Settled = settled
		return err
	}
	return nil
}

// abort switches to the refund path: Refunded when funds are locked, Expired
// when nothing reached a ledger.
func (e *Executor) abort(ctx context.Context, r *run, reason string) error {
	to := swap.StateExpired
	if holdsAny(r.sw) {
		to = swap.StateRefunded
	}
	e.logger.Warn("Switching to refund path",
		zap.String("order_hash", r.sw.OrderHash),
		zap.String("state", string(r.sw.State)),
		zap.String("reason", reason))
	return e.finish(ctx, r.sw, to, reason)
}

// holds reports whether the leg has a lock that is or may become effective
// and has not been released.
func holds(leg *db.Leg) bool {
	rec := leg.Tx(chain.ActionLock)
	return rec != nil && rec.Status != db.TxFailed && !leg.Status.Final()
}

func holdsAny(sw *db.Swap) bool {
	return holds(&sw.Source) || holds(&sw.Destination)
}

func other(side swap.Side) swap.Side {
	if side == swap.SideSource {
		return swap.SideDestination
	}
	return swap.SideSource
}

func window(sw *db.Swap, side swap.Side) swap.Window {
	if side == swap.SideDestination {
		return sw.Schedule.DestinationWindow()
	}
	return sw.Schedule.SourceWindow()
}

// handle routes a step failure by its class.
func (e *Executor) handle(ctx context.Context, sw *db.Swap, err error) error {
	if errors.Is(err, db.ErrVersionConflict) || ctx.Err() != nil {
		return err
	}
	r, rerr := e.newRun(sw)
	if rerr != nil {
		return rerr
	}

	var (
		mismatch *swap.SignatureMismatchError
		funds    *swap.InsufficientFundsError
		timelock *swap.TimelockViolationError
		reorg    *swap.ReorgInvalidatedError
		escrow   *escrowMismatchError
	)
	switch {
	case errors.As(err, &mismatch):
		metrics.AlertsTotal.WithLabelValues("signature_mismatch").Inc()
		e.logger.Error("Signature mismatch, escalating to operator",
			zap.String("order_hash", sw.OrderHash), zap.Error(err))
		sw.Escalated = true
		sw.LastError = err.Error()
		if !sw.State.Terminal() {
			return e.finish(ctx, sw, swap.StateFailed, err.Error())
		}
		return e.save(ctx, sw, nil)

	case errors.As(err, &funds) && !sw.State.Terminal():
		metrics.AlertsTotal.WithLabelValues("insufficient_funds").Inc()
		e.logger.Error("Insufficient funds, aborting swap",
			zap.String("order_hash", sw.OrderHash), zap.Error(err))
		sw.LastError = err.Error()
		return e.finish(ctx, sw, swap.StateFailed, err.Error())

	case errors.As(err, &timelock) && !sw.State.Terminal():
		sw.LastError = err.Error()
		return e.abort(ctx, r, err.Error())

	case errors.As(err, &escrow) && !sw.State.Terminal():
		metrics.AlertsTotal.WithLabelValues("escrow_mismatch").Inc()
		sw.LastError = err.Error()
		return e.abort(ctx, r, err.Error())

	case errors.As(err, &reorg):
		e.logger.Warn("Observation invalidated, revalidating",
			zap.String("order_hash", sw.OrderHash), zap.Error(err))
		sw.Revalidate = true
		return e.save(ctx, sw, nil)
	}

	sw.Attempts++
	sw.LastError = err.Error()
	sw.NextAttemptAt = e.now().Add(e.retryDelay(sw.Attempts))
	metrics.ErrorsTotal.WithLabelValues("executor", errorType(err)).Inc()

	if sw.Attempts >= e.cfg.MaxAttempts {
		if !sw.State.Terminal() {
			metrics.AlertsTotal.WithLabelValues("retries_exhausted").Inc()
			if !holdsAny(sw) {
				return e.finish(ctx, sw, swap.StateFailed, "retries exhausted: "+err.Error())
			}
			return e.abort(ctx, r, "retries exhausted: "+err.Error())
		}
		if sw.Attempts == e.cfg.MaxAttempts {
			metrics.AlertsTotal.WithLabelValues("settlement_stuck").Inc()
			e.logger.Error("Settlement keeps failing", zap.String("order_hash", sw.OrderHash), zap.Error(err))
		}
	}
	if serr := e.save(ctx, sw, nil); serr != nil {
		return serr
	}
	return err
}

func (e *Executor) retryDelay(attempt int) time.Duration {
	d := e.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxRetryDelay {
			return e.cfg.MaxRetryDelay
		}
	}
	return d
}

func errorType(err error) string {
	var (
		transient *swap.TransientLedgerError
		funds     *swap.InsufficientFundsError
	)
	switch {
	case errors.As(err, &transient):
		return "transient"
	case errors.As(err, &funds):
		return "insufficient_funds"
	}
	return "other"
}

// settle releases every leg the resolver locked after the swap reached a
// terminal state. Claims take precedence: once one leg is claimed, the other
// is claimed too and never refunded.
func (e *Executor) settle(ctx context.Context, r *run) error {
	sw := r.sw
	for _, side := range []swap.Side{swap.SideDestination, swap.SideSource} {
		if err := e.settleLeg(ctx, r, side); err != nil {
			return err
		}
	}
	if holdsAny(sw) {
		return nil
	}
	sw.Settled = true
	e.logger.Info("Swap settled",
		zap.String("order_hash", sw.OrderHash),
		zap.String("state", string(sw.State)),
		zap.String("source", string(sw.Source.Status)),
		zap.String("destination", string(sw.Destination.Status)))
	return e.save(ctx, sw, nil)
}

func (e *Executor) settleLeg(ctx context.Context, r *run, side swap.Side) error {
	sw := r.sw
	leg := sw.Leg(side)
	if !holds(leg) {
		return nil
	}
	if !leg.Locked() {
		// An in-flight lock is reconciled against its final outcome first.
		if _, err := r.advance(ctx, side, chain.ActionLock, nil); err != nil {
			return err
		}
		if !leg.Locked() {
			return nil
		}
	}

	if sw.Leg(other(side)).Status == swap.EscrowClaimed || leg.Tx(chain.ActionClaim) != nil {
		return e.settleClaim(ctx, r, side)
	}
	return e.settleRefund(ctx, r, side)
}

func (e *Executor) settleClaim(ctx context.Context, r *run, side swap.Side) error {
	sw := r.sw
	leg := sw.Leg(side)
	if leg.Tx(chain.ActionClaim) == nil {
		if side == swap.SideDestination && !r.dst.Capabilities().ClaimForBeneficiary {
			// The beneficiary claims for itself.
			es, err := r.refresh(ctx, side)
			if err != nil || !es.Status.Final() {
				return err
			}
			return e.save(ctx, sw, nil)
		}
		h, err := r.head(ctx, side)
		if err != nil {
			return err
		}
		w := window(sw, side)
		if w.Close.ReachedAt(h.Height, h.Time) {
			if sw.Escalated {
				return nil
			}
			metrics.AlertsTotal.WithLabelValues("claim_window_missed").Inc()
			e.logger.Error("Claim window closed during settlement",
				zap.String("order_hash", sw.OrderHash), zap.String("side", string(side)))
			sw.Escalated = true
			sw.LastError = string(side) + " claim window closed during settlement"
			return e.save(ctx, sw, nil)
		}
		if !w.Open.ReachedAt(h.Height, h.Time) {
			return nil
		}
	}

	secret, err := e.secret(sw)
	if err != nil {
		return err
	}
	out, err := r.advance(ctx, side, chain.ActionClaim, &secret)
	if err != nil || out == txWaiting {
		return err
	}
	if out == txConfirmed {
		leg.Status = swap.EscrowClaimed
		return e.save(ctx, sw, nil)
	}
	es, err := r.refresh(ctx, side)
	if err != nil {
		return err
	}
	if !es.Status.Final() {
		delete(leg.Txs, chain.ActionClaim)
	}
	return e.save(ctx, sw, nil)
}

func (e *Executor) settleRefund(ctx context.Context, r *run, side swap.Side) error {
	sw := r.sw
	leg := sw.Leg(side)
	peer := sw.Leg(other(side))
	if rec := peer.Tx(chain.ActionClaim); rec != nil && rec.Status != db.TxFailed {
		return nil
	}
	// The source is only refunded once the destination can no longer be
	// claimed. A destination lock still in flight cannot be claimed after
	// its cancel deadline either.
	if side == swap.SideSource && holds(peer) {
		closed, err := r.reached(ctx, swap.SideDestination, sw.Schedule.DstCancel)
		if err != nil || !closed {
			return err
		}
	}

	if leg.Tx(chain.ActionRefund) == nil {
		closed, err := r.reached(ctx, side, window(sw, side).Close)
		if err != nil || !closed {
			return err
		}
		// A counterparty may have released the escrow already.
		es, err := r.refresh(ctx, side)
		if err != nil {
			return err
		}
		if es.Status.Final() {
			return e.save(ctx, sw, nil)
		}
	}

	out, err := r.advance(ctx, side, chain.ActionRefund, nil)
	if err != nil || out == txWaiting {
		return err
	}
	if out == txConfirmed {
		leg.Status = swap.EscrowRefunded
		e.logger.Info("Escrow refunded", zap.String("order_hash", sw.OrderHash), zap.String("side", string(side)))
		return e.save(ctx, sw, nil)
	}
	es, err := r.refresh(ctx, side)
	if err != nil {
		return err
	}
	if !es.Status.Final() {
		delete(leg.Txs, chain.ActionRefund)
	}
	return e.save(ctx, sw, nil)
}

// revalidate re-checks every confirmed transaction and escrow after a reorg
// invalidated an observation. States never regress; forward steps wait for
// their prerequisite locks to confirm again.
func (e *Executor) revalidate(ctx context.Context, r *run) error {
	sw := r.sw
	if err := sw.Order.VerifyHash(); err != nil {
		sw.Revalidate = false
		return e.finish(ctx, sw, swap.StateFailed, err.Error())
	}
	if sw.State == swap.StateDetected {
		// The order commitment itself was reorged away; wait for it to be
		// detected again.
		if sw.Order.Expired(e.now()) {
			sw.Revalidate = false
			return e.finish(ctx, sw, swap.StateExpired, "order expired while awaiting re-detection")
		}
		return nil
	}

	for _, side := range []swap.Side{swap.SideSource, swap.SideDestination} {
		leg := sw.Leg(side)
		a := r.adapter(side)
		for action, rec := range leg.Txs {
			if rec.Status != db.TxConfirmed {
				continue
			}
			st, err := a.TxStatus(ctx, rec.SignedTx(leg.ChainID, ""))
			if err != nil {
				return swap.Transient(a.ChainID(), "tx_status", err)
			}
			if st.State == chain.TxIncluded {
				rec.Height, rec.BlockHash = st.Height, st.BlockHash
				continue
			}
			e.logger.Warn("Confirmed transaction no longer included",
				zap.String("order_hash", sw.OrderHash),
				zap.String("chain", leg.ChainID),
				zap.String("action", string(action)),
				zap.String("tx_id", rec.TxID))
			rec.Status = db.TxBroadcast
			rec.UpdatedAt = time.Time{}
		}
		if leg.Tx(chain.ActionLock) == nil {
			continue
		}
		es, err := r.refresh(ctx, side)
		if err != nil {
			return err
		}
		if !es.Exists {
			leg.Status = ""
		}
	}
	sw.Revalidate = false
	e.logger.Info("Swap revalidated", zap.String("order_hash", sw.OrderHash), zap.String("state", string(sw.State)))
	return e.save(ctx, sw, nil)
}

// awaitLocks keeps prerequisite locks confirmed. It returns false while one
// of them is back in flight after a reorg.
func (e *Executor) awaitLocks(ctx context.Context, r *run, sides ...swap.Side) (bool, error) {
	for _, side := range sides {
		leg := r.sw.Leg(side)
		if leg.Locked() {
			continue
		}
		out, err := r.advance(ctx, side, chain.ActionLock, nil)
		if err != nil {
			return false, err
		}
		if out == txReverted {
			return false, e.abort(ctx, r, string(side)+" lock reverted after reorg")
		}
		if out != txConfirmed {
			return false, nil
		}
	}
	return true, nil
}
