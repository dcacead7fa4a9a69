package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// maxHops bounds how many transitions one step may take.
const maxHops = 8

// step evaluates one swap against current ledger state and advances it as
// far as that state allows.
func (e *Executor) step(ctx context.Context, orderHash string) error {
	sw, err := e.store.GetSwap(ctx, orderHash)
	if err != nil {
		return err
	}
	if !sw.Active() {
		return nil
	}
	r, err := e.newRun(sw)
	if err != nil {
		return e.finish(ctx, sw, swap.StateFailed, err.Error())
	}

	for i := 0; i < maxHops && sw.Active(); i++ {
		before := sw.State
		var err error
		switch {
		case sw.State.Terminal():
			err = e.settle(ctx, r)
		case sw.Revalidate:
			err = e.revalidate(ctx, r)
		default:
			err = e.forward(ctx, r)
		}
		if err != nil {
			return e.handle(ctx, sw, err)
		}
		if sw.State == before {
			break
		}
	}
	if sw.Attempts > 0 || sw.LastError != "" {
		sw.Attempts = 0
		sw.LastError = ""
		return e.save(ctx, sw, nil)
	}
	return nil
}

func (e *Executor) forward(ctx context.Context, r *run) error {
	switch r.sw.State {
	case swap.StateDetected:
		return e.detected(ctx, r)
	case swap.StateValidated:
		return e.validated(ctx, r)
	case swap.StateSourceLocked:
		return e.sourceLocked(ctx, r)
	case swap.StateDestinationFunded:
		return e.destinationFunded(ctx, r)
	case swap.StateSecretRevealed:
		return e.secretRevealed(ctx, r)
	}
	return fmt.Errorf("unknown state %q", r.sw.State)
}

// detected validates the order, asks the analyzer and, on accept, fixes the
// secret, the schedule and both escrow references.
func (e *Executor) detected(ctx context.Context, r *run) error {
	sw, o := r.sw, r.sw.Order
	if err := o.VerifyHash(); err != nil {
		return e.finish(ctx, sw, swap.StateRejected, err.Error())
	}
	if !r.src.Capabilities().SourceLegs {
		return e.finish(ctx, sw, swap.StateRejected, fmt.Sprintf("chain %s cannot hold source escrows", r.src.ChainID()))
	}
	if !r.dst.Capabilities().ClaimForBeneficiary && e.relay == nil {
		return e.finish(ctx, sw, swap.StateRejected, fmt.Sprintf("no secret relay for destination chain %s", r.dst.ChainID()))
	}

	in, err := e.estimator.Input(ctx, o)
	if err != nil {
		return err
	}
	d := e.decider.Decide(in)
	if !d.Accept {
		metrics.AnalyzerDecisionsTotal.WithLabelValues("reject", string(d.Reason)).Inc()
		e.logger.Info("Order rejected",
			zap.String("order_hash", sw.OrderHash),
			zap.String("reason", string(d.Reason)),
			zap.String("detail", d.Detail))
		return e.finish(ctx, sw, swap.StateRejected, fmt.Sprintf("%s: %s", d.Reason, d.Detail))
	}
	metrics.AnalyzerDecisionsTotal.WithLabelValues("accept", "").Inc()

	srcClock, _, err := r.clock(ctx, swap.SideSource)
	if err != nil {
		return err
	}
	dstClock, _, err := r.clock(ctx, swap.SideDestination)
	if err != nil {
		return err
	}
	sched := swap.NewSchedule(e.now(), e.cfg.Timelocks(o.SourceChainID, o.DestinationChainID), srcClock, dstClock)
	if err := sched.Validate(srcClock, dstClock, e.cfg.TimelockMargin); err != nil {
		metrics.AlertsTotal.WithLabelValues("timelock_config").Inc()
		return e.finish(ctx, sw, swap.StateFailed, err.Error())
	}

	secret, err := swap.NewSecret()
	if err != nil {
		return err
	}
	sealed, err := e.sealer.Seal(secret.Bytes(), []byte(sw.OrderHash))
	if err != nil {
		return err
	}

	sw.Hashlock = secret.Hashlock()
	sw.SealedSecret = sealed
	sw.Schedule = sched
	sw.SafetyDeposit = d.Sizing.SafetyDeposit
	sw.Source = db.Leg{
		ChainID: o.SourceChainID,
		Escrow: chain.EscrowRef{
			OrderHash:     sw.OrderHash,
			Side:          swap.SideSource,
			Hashlock:      sw.Hashlock,
			Schedule:      sched,
			Maker:         o.Maker,
			Depositor:     o.Maker,
			Beneficiary:   r.src.Address(),
			Asset:         o.SourceAsset,
			Amount:        new(big.Int).Set(d.Sizing.FillAmount),
			SafetyDeposit: new(big.Int).Set(d.Sizing.SafetyDeposit),
		},
	}
	sw.Destination = db.Leg{
		ChainID: o.DestinationChainID,
		Escrow: chain.EscrowRef{
			OrderHash:     sw.OrderHash,
			Side:          swap.SideDestination,
			Hashlock:      sw.Hashlock,
			Schedule:      sched,
			Maker:         o.DestinationAddress,
			Depositor:     r.dst.Address(),
			Beneficiary:   o.DestinationAddress,
			Asset:         o.DestinationAsset,
			Amount:        new(big.Int).Set(o.DestinationAmount),
			SafetyDeposit: new(big.Int),
		},
	}
	return e.transition(ctx, sw, swap.StateValidated, "accepted")
}

// validated locks the source leg.
func (e *Executor) validated(ctx context.Context, r *run) error {
	sw := r.sw
	if sw.Source.Tx(chain.ActionLock) == nil && sw.Order.Expired(e.now()) {
		return e.abort(ctx, r, "order expired before the source lock")
	}
	if !sw.Source.Locked() {
		// Source lock, destination lock and destination claim must all fit
		// before the destination cancel deadline, also while the source lock
		// is still in flight.
		ok, err := r.fits(ctx, swap.SideDestination, sw.Schedule.DstCancel, 3)
		if err != nil {
			return err
		}
		if !ok {
			return e.abort(ctx, r, "destination cancel deadline too close to lock the source")
		}
	}

	out, err := r.advance(ctx, swap.SideSource, chain.ActionLock, nil)
	if err != nil || out == txWaiting {
		return err
	}
	if out == txReverted {
		return e.abort(ctx, r, "source lock reverted")
	}
	if err := r.verifyEscrow(ctx, swap.SideSource); err != nil {
		return err
	}
	return e.transition(ctx, sw, swap.StateSourceLocked, "source lock confirmed")
}

// sourceLocked funds the destination leg.
func (e *Executor) sourceLocked(ctx context.Context, r *run) error {
	sw := r.sw
	if !sw.Destination.Locked() {
		ok, err := r.fits(ctx, swap.SideDestination, sw.Schedule.DstCancel, 2)
		if err != nil {
			return err
		}
		if !ok {
			return e.abort(ctx, r, "destination cancel deadline too close to fund the destination")
		}
	}
	if ok, err := e.awaitLocks(ctx, r, swap.SideSource); err != nil || !ok {
		return err
	}

	out, err := r.advance(ctx, swap.SideDestination, chain.ActionLock, nil)
	if err != nil || out == txWaiting {
		return err
	}
	if out == txReverted {
		return e.abort(ctx, r, "destination lock reverted")
	}
	if err := r.verifyEscrow(ctx, swap.SideDestination); err != nil {
		return err
	}
	return e.transition(ctx, sw, swap.StateDestinationFunded, "destination escrow funded")
}

// destinationFunded releases the secret on the destination ledger, either by
// claiming for the beneficiary or by relaying it, once it is still safe to
// finish on the source ledger.
func (e *Executor) destinationFunded(ctx context.Context, r *run) error {
	sw := r.sw
	if sw.Destination.Status == swap.EscrowClaimed {
		return e.transition(ctx, sw, swap.StateSecretRevealed, "destination claimed")
	}
	if sw.Source.Status == swap.EscrowRefunded {
		return e.abort(ctx, r, "source escrow refunded")
	}
	if !sw.Source.Locked() || !sw.Destination.Locked() {
		ok, err := r.claimFits(ctx, swap.SideDestination, sw.Schedule.DestinationWindow())
		if err != nil {
			return err
		}
		if !ok {
			return e.abort(ctx, r, "destination claim no longer fits while a lock is in flight")
		}
	}
	if ok, err := e.awaitLocks(ctx, r, swap.SideSource, swap.SideDestination); err != nil || !ok {
		return err
	}

	open, err := r.reached(ctx, swap.SideDestination, sw.Schedule.DstWithdraw)
	if err != nil || !open {
		return err
	}

	if r.dst.Capabilities().ClaimForBeneficiary {
		return e.claimDestination(ctx, r)
	}
	return e.relaySecret(ctx, r)
}

func (e *Executor) claimDestination(ctx context.Context, r *run) error {
	sw := r.sw
	if sw.Destination.Tx(chain.ActionClaim) == nil {
		if ok, err := e.revealSafe(ctx, r); err != nil || !ok {
			return err
		}
	}
	secret, err := e.secret(sw)
	if err != nil {
		return err
	}
	out, err := r.advance(ctx, swap.SideDestination, chain.ActionClaim, &secret)
	if err != nil || out == txWaiting {
		return err
	}
	if out == txConfirmed {
		sw.Destination.Status = swap.EscrowClaimed
		return e.transition(ctx, sw, swap.StateSecretRevealed, "destination claimed for beneficiary")
	}

	es, err := r.refresh(ctx, swap.SideDestination)
	if err != nil {
		return err
	}
	switch es.Status {
	case swap.EscrowClaimed:
		return e.transition(ctx, sw, swap.StateSecretRevealed, "destination claimed")
	case swap.EscrowRefunded:
		return e.abort(ctx, r, "destination refunded before claim")
	}
	delete(sw.Destination.Txs, chain.ActionClaim)
	return e.save(ctx, sw, nil)
}

func (e *Executor) relaySecret(ctx context.Context, r *run) error {
	sw := r.sw
	if !sw.SecretSent {
		if ok, err := e.revealSafe(ctx, r); err != nil || !ok {
			return err
		}
		secret, err := e.secret(sw)
		if err != nil {
			return err
		}
		if err := e.relay.Deliver(ctx, sw.OrderHash, sw.Destination.Escrow.Beneficiary, secret); err != nil {
			return swap.Transient(r.dst.ChainID(), "relay", err)
		}
		sw.SecretSent = true
		e.logger.Info("Secret delivered to beneficiary", zap.String("order_hash", sw.OrderHash))
		if err := e.save(ctx, sw, nil); err != nil {
			return err
		}
	}

	es, err := r.refresh(ctx, swap.SideDestination)
	if err != nil {
		return err
	}
	if es.Status == swap.EscrowClaimed {
		return e.transition(ctx, sw, swap.StateSecretRevealed, "beneficiary claimed destination")
	}
	closed, err := r.reached(ctx, swap.SideDestination, sw.Schedule.DstCancel)
	if err != nil {
		return err
	}
	if closed {
		return e.abort(ctx, r, "beneficiary did not claim before destination cancel")
	}
	return nil
}

// revealSafe gates every release of the secret: both claims must still fit
// in their windows and no refund may be under way. When it returns false the
// swap has been routed to its refund path.
func (e *Executor) revealSafe(ctx context.Context, r *run) (bool, error) {
	sw := r.sw
	if sw.Source.Tx(chain.ActionRefund) != nil || sw.Destination.Tx(chain.ActionRefund) != nil {
		return false, e.abort(ctx, r, "refund already under way")
	}
	ok, err := r.claimFits(ctx, swap.SideDestination, sw.Schedule.DestinationWindow())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, e.abort(ctx, r, "destination claim would not land before destination cancel")
	}
	ok, err = r.claimFits(ctx, swap.SideSource, sw.Schedule.SourceWindow())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, e.abort(ctx, r, "source claim would not land before source cancel")
	}
	return true, nil
}

// secretRevealed claims the source leg with the secret.
func (e *Executor) secretRevealed(ctx context.Context, r *run) error {
	sw := r.sw
	if sw.Source.Status == swap.EscrowClaimed {
		return e.finish(ctx, sw, swap.StateCompleted, "source claimed")
	}
	if ok, err := e.awaitLocks(ctx, r, swap.SideSource); err != nil || !ok {
		return err
	}
	rec := sw.Source.Tx(chain.ActionClaim)
	if rec == nil {
		h, err := r.head(ctx, swap.SideSource)
		if err != nil {
			return err
		}
		w := sw.Schedule.SourceWindow()
		if w.Close.ReachedAt(h.Height, h.Time) {
			metrics.AlertsTotal.WithLabelValues("source_claim_missed").Inc()
			sw.Escalated = true
			return e.finish(ctx, sw, swap.StateFailed, "source claim window closed before the claim was sent")
		}
		if !w.Open.ReachedAt(h.Height, h.Time) {
			return nil
		}
		// The destination is already claimed, so refunding cannot restore
		// exclusivity. Keep claiming while the window is open.
		if ok, err := r.claimFits(ctx, swap.SideSource, w); err == nil && !ok {
			metrics.AlertsTotal.WithLabelValues("source_claim_at_risk").Inc()
			e.logger.Warn("Source claim may not land before source cancel", zap.String("order_hash", sw.OrderHash))
		}
	}

	secret, err := e.secret(sw)
	if err != nil {
		return err
	}
	out, err := r.advance(ctx, swap.SideSource, chain.ActionClaim, &secret)
	if err != nil || out == txWaiting {
		return err
	}
	if out == txConfirmed {
		sw.Source.Status = swap.EscrowClaimed
		return e.finish(ctx, sw, swap.StateCompleted, "source claimed")
	}

	es, err := r.refresh(ctx, swap.SideSource)
	if err != nil {
		return err
	}
	switch es.Status {
	case swap.EscrowClaimed:
		return e.finish(ctx, sw, swap.StateCompleted, "source claimed")
	case swap.EscrowRefunded:
		metrics.AlertsTotal.WithLabelValues("source_refunded_after_reveal").Inc()
		sw.Escalated = true
		return e.finish(ctx, sw, swap.StateFailed, "source refunded after the secret was revealed")
	}
	delete(sw.Source.Txs, chain.ActionClaim)
	return e.save(ctx, sw, nil)
}

func (e *Executor) secret(sw *db.Swap) (swap.Secret, error) {
	raw, err := e.sealer.Open(sw.SealedSecret, []byte(sw.OrderHash))
	if err != nil {
		return swap.Secret{}, fmt.Errorf("failed to open secret: %w", err)
	}
	s, err := swap.SecretFromBytes(raw)
	if err != nil {
		return swap.Secret{}, err
	}
	if s.Hashlock() != sw.Hashlock {
		return swap.Secret{}, errors.New("stored secret does not match hashlock")
	}
	return s, nil
}
