package executor

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/monitor"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// apply records a monitor event on the swap it concerns. The state machine
// reacts to the recorded facts on the next step.
func (e *Executor) apply(ctx context.Context, ev monitor.Event) error {
	if ev.Kind == monitor.NewOrderDetected {
		return e.admit(ctx, ev)
	}

	sw, err := e.store.GetSwap(ctx, ev.OrderHash)
	if errors.Is(err, db.ErrSwapNotFound) {
		e.logger.Debug("Event for unknown swap", zap.String("order_hash", ev.OrderHash), zap.String("kind", string(ev.Kind)))
		return nil
	}
	if err != nil {
		return err
	}
	if !sw.Active() {
		return nil
	}
	leg := sw.Leg(ev.Side)
	if leg.ChainID != ev.ChainID {
		e.logger.Warn("Event chain does not match swap leg",
			zap.String("order_hash", ev.OrderHash),
			zap.String("chain", ev.ChainID),
			zap.String("side", string(ev.Side)))
		return nil
	}

	switch ev.Kind {
	case monitor.CounterpartyClaimed:
		if ev.Secret != nil && ev.Secret.Hashlock() != sw.Hashlock {
			e.logger.Warn("Claim event carries a preimage for another hashlock",
				zap.String("order_hash", ev.OrderHash), zap.String("tx_id", ev.TxID))
			return nil
		}
		if leg.Status == swap.EscrowClaimed {
			return nil
		}
		leg.Status = swap.EscrowClaimed
	case monitor.CounterpartyRefunded:
		if leg.Status == swap.EscrowRefunded {
			return nil
		}
		leg.Status = swap.EscrowRefunded
	case monitor.ReorgInvalidated:
		sw.Revalidate = true
	default:
		return nil
	}
	e.logger.Info("Ledger event recorded",
		zap.String("order_hash", sw.OrderHash),
		zap.String("kind", string(ev.Kind)),
		zap.String("side", string(ev.Side)),
		zap.String("tx_id", ev.TxID))
	return e.save(ctx, sw, nil)
}

// admit creates the checkpoint for a newly detected order.
func (e *Executor) admit(ctx context.Context, ev monitor.Event) error {
	if ev.Order == nil {
		return errors.New("order event without order")
	}
	existing, err := e.store.GetSwap(ctx, ev.OrderHash)
	switch {
	case err == nil:
		if existing.Revalidate && existing.State == swap.StateDetected {
			existing.Revalidate = false
			return e.save(ctx, existing, nil)
		}
		return nil
	case !errors.Is(err, db.ErrSwapNotFound):
		return err
	}

	o := *ev.Order
	o.Status = swap.StateDetected
	now := e.now()
	sw := &db.Swap{
		OrderHash:   o.OrderHash,
		Order:       &o,
		State:       swap.StateDetected,
		Source:      db.Leg{ChainID: o.SourceChainID},
		Destination: db.Leg{ChainID: o.DestinationChainID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateSwap(ctx, sw); err != nil {
		if errors.Is(err, db.ErrSwapExists) {
			return nil
		}
		return err
	}
	e.logger.Info("Order detected",
		zap.String("order_hash", o.OrderHash),
		zap.String("source", o.SourceChainID),
		zap.String("destination", o.DestinationChainID),
		zap.String("via", ev.TxID))
	return nil
}
