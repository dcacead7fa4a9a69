package chain

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// PoolConfig bounds RPC usage against one ledger.
type PoolConfig struct {
	MaxConcurrent  int64
	RequestsPerSec float64
	Burst          int
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Pool rate limits, bounds and retries RPC calls for one ledger. Callers
// block while the pool is saturated.
type Pool struct {
	chainID string
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	cfg     PoolConfig
}

func NewPool(chainID string, cfg PoolConfig) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.MaxConcurrent)
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Pool{
		chainID: chainID,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
	}
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn under the pool's limits. Errors are retried with exponential
// backoff unless fn marks them Permanent or they already carry a taxonomy
// classification. Exhausted retries surface as swap.TransientLedgerError.
func (p *Pool) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialBackoff
	exp.MaxInterval = p.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, p.cfg.MaxRetries), ctx)

	permanent := false
	operation := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		err := fn(ctx)
		metrics.RPCDuration.WithLabelValues(p.chainID, op).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			permanent = true
			return err
		}
		if swap.Classified(err) && !swap.IsTransient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		metrics.RPCErrorsTotal.WithLabelValues(p.chainID, op).Inc()
		return err
	}

	err := backoff.Retry(operation, policy)
	if err == nil || permanent {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return swap.Transient(p.chainID, op, err)
}
