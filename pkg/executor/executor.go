// Package executor drives accepted orders through the swap state machine.
//
// Every suspension point is a checkpoint in the store: a step loads the swap,
// performs at most one kind of side effect per leg and saves before the next
// one. A restart therefore resumes from the persisted record and re-sends
// already signed transactions instead of building new ones.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/analyzer"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/keys"
	"github.com/chainsafe/swap-coordinator/pkg/monitor"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// Decider accepts or rejects an order.
type Decider interface {
	Decide(in analyzer.Input) analyzer.Decision
}

// Estimator prices the on-chain work an order needs.
type Estimator interface {
	Input(ctx context.Context, o *swap.Order) (analyzer.Input, error)
}

// SecretRelay hands the secret to a beneficiary that has to claim with its
// own signature.
type SecretRelay interface {
	Deliver(ctx context.Context, orderHash, beneficiary string, secret swap.Secret) error
}

// Config holds executor policy.
type Config struct {
	MaxConcurrency int
	PollInterval   time.Duration
	// MaxAttempts bounds retries of one forward step before the swap is
	// routed to its refund path.
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// ClaimLatency is the time budget for getting one transaction included
	// at the required depth.
	ClaimLatency   time.Duration
	TimelockMargin time.Duration
	// RebroadcastAfter is how long a broadcast transaction may stay pending
	// before the same bytes are sent again.
	RebroadcastAfter time.Duration
	// Confirmations is the required depth per chain.
	Confirmations map[string]uint64
	Timelocks     func(src, dst string) swap.TimelockOffsets
}

func (c *Config) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.ClaimLatency <= 0 {
		c.ClaimLatency = 10 * time.Minute
	}
	if c.RebroadcastAfter <= 0 {
		c.RebroadcastAfter = time.Minute
	}
	if c.Timelocks == nil {
		c.Timelocks = func(string, string) swap.TimelockOffsets {
			return swap.TimelockOffsets{
				DstWithdraw: 0,
				DstCancel:   30 * time.Minute,
				SrcWithdraw: 45 * time.Minute,
				SrcCancel:   2 * time.Hour,
			}
		}
	}
}

func (c *Config) confirmations(chainID string) uint64 {
	if n, ok := c.Confirmations[chainID]; ok && n > 0 {
		return n
	}
	return 1
}

// Executor runs swap state machines concurrently. Work on one order is
// strictly sequential.
type Executor struct {
	cfg       Config
	store     db.SwapStore
	registry  *chain.Registry
	decider   Decider
	estimator Estimator
	sealer    *keys.Sealer
	relay     SecretRelay
	logger    *zap.Logger
	now       func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*queue
}

// queue is the mailbox of one order. At most one worker drains it.
type queue struct {
	events  []monitor.Event
	pending bool
}

// New creates an executor. relay may be nil when every destination ledger
// lets the resolver claim for the beneficiary.
func New(
	cfg Config,
	store db.SwapStore,
	registry *chain.Registry,
	decider Decider,
	estimator Estimator,
	sealer *keys.Sealer,
	relay SecretRelay,
	logger *zap.Logger,
) *Executor {
	cfg.setDefaults()
	return &Executor{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		decider:   decider,
		estimator: estimator,
		sealer:    sealer,
		relay:     relay,
		logger:    logger.Named("executor"),
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		queues:    make(map[string]*queue),
	}
}

// Run consumes monitor events and re-evaluates due swaps every poll interval
// until ctx is cancelled. Deadlines are re-checked on every evaluation. It
// waits for in-flight steps before returning.
func (e *Executor) Run(ctx context.Context, events <-chan monitor.Event) error {
	e.logger.Info("Starting executor",
		zap.Int("max_concurrency", e.cfg.MaxConcurrency),
		zap.Duration("poll_interval", e.cfg.PollInterval))
	defer e.wg.Wait()

	e.resume(ctx)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Executor stopping")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.enqueue(ctx, ev.OrderHash, &ev)
		case <-ticker.C:
			e.resume(ctx)
		}
	}
}

// resume schedules every active swap whose retry time has come.
func (e *Executor) resume(ctx context.Context) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		e.logger.Error("Failed to list active swaps", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("executor", "store").Inc()
		return
	}
	counts := make(map[swap.State]int)
	now := e.now()
	for _, sw := range active {
		counts[sw.State]++
		if now.Before(sw.NextAttemptAt) {
			continue
		}
		e.enqueue(ctx, sw.OrderHash, nil)
	}
	for _, st := range swap.AllStates {
		metrics.SwapsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// enqueue adds work for an order and starts its worker if none is running.
func (e *Executor) enqueue(ctx context.Context, orderHash string, ev *monitor.Event) {
	e.mu.Lock()
	q, running := e.queues[orderHash]
	if !running {
		q = &queue{}
		e.queues[orderHash] = q
	}
	if ev != nil {
		q.events = append(q.events, *ev)
	}
	q.pending = true
	e.mu.Unlock()
	if running {
		return
	}

	e.wg.Add(1)
	go e.work(ctx, orderHash, q)
}

func (e *Executor) work(ctx context.Context, orderHash string, q *queue) {
	defer e.wg.Done()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.mu.Lock()
		delete(e.queues, orderHash)
		e.mu.Unlock()
		return
	}
	defer e.sem.Release(1)

	for {
		e.mu.Lock()
		if !q.pending || ctx.Err() != nil {
			delete(e.queues, orderHash)
			e.mu.Unlock()
			return
		}
		events := q.events
		q.events = nil
		q.pending = false
		e.mu.Unlock()

		for _, ev := range events {
			if err := e.apply(ctx, ev); err != nil {
				e.logger.Error("Failed to apply event",
					zap.String("order_hash", orderHash),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
				metrics.ErrorsTotal.WithLabelValues("executor", "event").Inc()
			}
		}
		if err := e.step(ctx, orderHash); err != nil {
			e.logger.Warn("Swap step failed", zap.String("order_hash", orderHash), zap.Error(err))
		}
	}
}
