// Package intake admits orders submitted by an external marketplace. Orders
// that are malformed, under-collateralized, expired or aimed at a degraded
// ledger are rejected here and never reach the executor.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	apperrors "github.com/chainsafe/swap-coordinator/pkg/app/errors"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/monitor"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// Sink is the stream admitted orders are handed to.
type Sink interface {
	Enqueue(ctx context.Context, o *swap.Order) error
	Healthy(chainID string) bool
}

type Config struct {
	MinSafetyDepositBps uint32
	// MinTimeToExpiry rejects orders that expire sooner.
	MinTimeToExpiry time.Duration
}

type Service struct {
	cfg      Config
	registry *chain.Registry
	store    db.SwapStore
	sink     Sink
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(cfg Config, registry *chain.Registry, store db.SwapStore, sink Sink, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		store:    store,
		sink:     sink,
		logger:   logger.Named("intake"),
		now:      time.Now,
	}
}

// Submit checks o and hands it to the sink. An order without a hash is
// sealed; an order with a hash must match its fields.
func (s *Service) Submit(ctx context.Context, o *swap.Order) error {
	err := s.submit(ctx, o)
	result := "accepted"
	if err != nil {
		result = "rejected"
		s.logger.Info("Order rejected",
			zap.String("order_hash", o.OrderHash),
			zap.String("source", o.SourceChainID),
			zap.Error(err))
	}
	metrics.OrdersSubmitted.WithLabelValues(o.SourceChainID, result).Inc()
	return err
}

func (s *Service) submit(ctx context.Context, o *swap.Order) error {
	if err := s.check(o); err != nil {
		return err
	}
	if o.OrderHash == "" {
		if err := o.Seal(); err != nil {
			return apperrors.BadRequestError(err, err.Error())
		}
	} else if err := o.VerifyHash(); err != nil {
		return apperrors.BadRequestError(err, "order hash does not match order fields")
	}

	if _, err := s.store.GetSwap(ctx, o.OrderHash); err == nil {
		return apperrors.ConflictError(nil, "order already submitted")
	} else if !errors.Is(err, db.ErrSwapNotFound) {
		return apperrors.GeneralError(err)
	}

	if !s.sink.Healthy(o.SourceChainID) {
		return apperrors.UnavailableError(nil, fmt.Sprintf("intake from %s is paused", o.SourceChainID))
	}
	o.Status = swap.StateDetected
	if err := s.sink.Enqueue(ctx, o); err != nil {
		if errors.Is(err, monitor.ErrSourceDegraded) {
			return apperrors.UnavailableError(err, fmt.Sprintf("intake from %s is paused", o.SourceChainID))
		}
		return apperrors.GeneralError(err)
	}
	s.logger.Info("Order submitted",
		zap.String("order_hash", o.OrderHash),
		zap.String("source", o.SourceChainID),
		zap.String("destination", o.DestinationChainID))
	return nil
}

func (s *Service) check(o *swap.Order) error {
	switch {
	case o.SourceAmount == nil || o.SourceAmount.Sign() <= 0:
		return apperrors.BadRequestError(nil, "source_amount must be positive")
	case o.DestinationAmount == nil || o.DestinationAmount.Sign() <= 0:
		return apperrors.BadRequestError(nil, "destination_amount must be positive")
	case o.ResolverFee == nil || o.ResolverFee.Sign() < 0:
		return apperrors.BadRequestError(nil, "resolver_fee must not be negative")
	case o.SafetyDepositBps < s.cfg.MinSafetyDepositBps:
		return apperrors.BadRequestError(nil, fmt.Sprintf(
			"safety deposit of %d bps is below the minimum of %d bps", o.SafetyDepositBps, s.cfg.MinSafetyDepositBps))
	case o.SourceChainID == o.DestinationChainID:
		return apperrors.BadRequestError(nil, "source and destination chains must differ")
	case !o.Expiry.After(s.now().Add(s.cfg.MinTimeToExpiry)):
		return apperrors.BadRequestError(nil, "order expires too soon")
	}

	src, err := s.registry.Get(o.SourceChainID)
	if err != nil {
		return apperrors.BadRequestError(err, err.Error())
	}
	if _, err := s.registry.Get(o.DestinationChainID); err != nil {
		return apperrors.BadRequestError(err, err.Error())
	}
	if !src.Capabilities().SourceLegs {
		return apperrors.BadRequestError(nil, fmt.Sprintf("chain %s cannot hold source escrows", o.SourceChainID))
	}
	return nil
}
