package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
)

// WatcherConfig configures polling of one ledger.
type WatcherConfig struct {
	// Confirmations is the depth a block needs before its events are acted
	// on. A depth of one means the head block itself is final.
	Confirmations uint64
	PollInterval  time.Duration
	// RescanWindow is the number of blocks below the cursor scanned again on
	// every cycle.
	RescanWindow uint64
	// StartHeight is used when no cursor is stored. Zero starts at the
	// current confirmed tip.
	StartHeight uint64
	// BatchSize caps the number of new blocks scanned per cycle.
	BatchSize      uint64
	MaxFailures    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *WatcherConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
}

// WatcherStatus is a snapshot of a watcher's health.
type WatcherStatus struct {
	ChainID   string    `json:"chain_id"`
	Head      uint64    `json:"head"`
	Cursor    uint64    `json:"cursor"`
	Degraded  bool      `json:"degraded"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	LastPoll  time.Time `json:"last_poll"`
}

type emitted struct {
	height    uint64
	blockHash string
	event     Event
}

// Watcher polls one ledger.
type Watcher struct {
	adapter chain.Adapter
	cfg     WatcherConfig
	store   db.ChainStateStore
	emit    func(context.Context, Event) error
	logger  *zap.Logger

	// next is the lowest height not yet scanned to the confirmed tip.
	next    uint64
	started bool
	seen    map[string]emitted

	mu       sync.RWMutex
	head     uint64
	degraded bool
	failures int
	lastErr  error
	lastPoll time.Time
}

func newWatcher(a chain.Adapter, cfg WatcherConfig, store db.ChainStateStore, emit func(context.Context, Event) error, logger *zap.Logger) *Watcher {
	cfg.setDefaults()
	return &Watcher{
		adapter: a,
		cfg:     cfg,
		store:   store,
		emit:    emit,
		logger:  logger.With(zap.String("chain", a.ChainID())),
		seen:    make(map[string]emitted),
	}
}

// Run polls until ctx is cancelled. Failed cycles back off exponentially.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("Starting chain watcher",
		zap.Uint64("confirmations", w.cfg.Confirmations),
		zap.Uint64("rescan_window", w.cfg.RescanWindow))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialBackoff
	bo.MaxInterval = w.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		delay := w.cfg.PollInterval
		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.recordFailure(err)
			delay = bo.NextBackOff()
		} else {
			w.recordSuccess()
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *Watcher) recordFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	w.lastErr = err
	metrics.ErrorsTotal.WithLabelValues("monitor", "poll").Inc()
	if !w.degraded && w.failures >= w.cfg.MaxFailures {
		w.degraded = true
		metrics.WatcherDegraded.WithLabelValues(w.adapter.ChainID()).Set(1)
		metrics.AlertsTotal.WithLabelValues("watcher_degraded").Inc()
		w.logger.Error("Chain watcher degraded, pausing order intake",
			zap.Int("failures", w.failures), zap.Error(err))
		return
	}
	w.logger.Warn("Chain poll failed", zap.Int("failures", w.failures), zap.Error(err))
}

func (w *Watcher) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.degraded {
		w.logger.Info("Chain watcher recovered")
		metrics.WatcherDegraded.WithLabelValues(w.adapter.ChainID()).Set(0)
	}
	w.degraded = false
	w.failures = 0
	w.lastErr = nil
	w.lastPoll = time.Now()
}

// Degraded reports whether new order intake from this ledger is paused.
func (w *Watcher) Degraded() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.degraded
}

func (w *Watcher) Status() WatcherStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := WatcherStatus{
		ChainID:  w.adapter.ChainID(),
		Head:     w.head,
		Degraded: w.degraded,
		Failures: w.failures,
		LastPoll: w.lastPoll,
	}
	if w.next > 0 {
		st.Cursor = w.next - 1
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// confirmedTip returns the highest height with the required depth.
func (w *Watcher) confirmedTip(head uint64) (uint64, bool) {
	if w.cfg.Confirmations == 0 {
		return head, true
	}
	if head+1 < w.cfg.Confirmations {
		return 0, false
	}
	return head + 1 - w.cfg.Confirmations, true
}

func (w *Watcher) load(ctx context.Context, tip uint64) error {
	st, err := w.store.GetChainState(ctx, w.adapter.ChainID())
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	switch {
	case st != nil:
		w.next = st.Height + 1
		w.logger.Info("Resuming from stored cursor", zap.Uint64("height", st.Height))
	case w.cfg.StartHeight > 0:
		w.next = w.cfg.StartHeight
		w.logger.Info("Starting from configured height", zap.Uint64("height", w.next))
	default:
		w.next = tip
		w.logger.Info("Starting from confirmed tip", zap.Uint64("height", tip))
	}
	w.started = true
	return nil
}

// poll runs one cycle: check earlier emissions for reorgs, scan the rescan
// window plus new confirmed blocks, emit unseen events in order and persist
// the cursor.
func (w *Watcher) poll(ctx context.Context) error {
	head, err := w.adapter.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head: %w", err)
	}
	w.mu.Lock()
	w.head = head.Height
	w.mu.Unlock()

	tip, ok := w.confirmedTip(head.Height)
	if !ok {
		return nil
	}
	if !w.started {
		if err := w.load(ctx, tip); err != nil {
			return err
		}
	}

	if err := w.checkReorgs(ctx); err != nil {
		return err
	}

	from := w.next
	if from > w.cfg.RescanWindow {
		from -= w.cfg.RescanWindow
	} else {
		from = 0
	}
	to := tip
	if w.next <= tip && tip-w.next >= w.cfg.BatchSize {
		to = w.next + w.cfg.BatchSize - 1
	}
	if from > to {
		return nil
	}

	events, err := w.adapter.ScanEvents(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to scan %d-%d: %w", from, to, err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Height != events[j].Height {
			return events[i].Height < events[j].Height
		}
		return events[i].Index < events[j].Index
	})

	for _, le := range events {
		ev, ok := fromLedger(le)
		if !ok {
			continue
		}
		key := ev.key()
		if _, dup := w.seen[key]; dup {
			continue
		}
		if err := w.emit(ctx, ev); err != nil {
			return err
		}
		w.seen[key] = emitted{height: ev.Height, blockHash: ev.BlockHash, event: ev}
		metrics.EventsDetected.WithLabelValues(ev.ChainID, string(ev.Kind)).Inc()
	}
	w.prune(from)

	if to+1 > w.next {
		hash, err := w.adapter.BlockHash(ctx, to)
		if err != nil {
			return fmt.Errorf("failed to get block hash at %d: %w", to, err)
		}
		if err := w.store.SetChainState(ctx, &db.ChainState{ChainID: w.adapter.ChainID(), Height: to, BlockHash: hash}); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}
		w.next = to + 1
		metrics.LastScannedBlock.WithLabelValues(w.adapter.ChainID()).Set(float64(to))
	}
	return nil
}

// checkReorgs compares the block hash of every remembered emission with the
// canonical hash at its height and retracts the ones that moved.
func (w *Watcher) checkReorgs(ctx context.Context) error {
	if len(w.seen) == 0 {
		return nil
	}
	keys := make([]string, 0, len(w.seen))
	for key := range w.seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := w.seen[keys[i]], w.seen[keys[j]]
		if a.height != b.height {
			return a.height < b.height
		}
		return a.event.Index < b.event.Index
	})

	canonical := make(map[uint64]string)
	for _, key := range keys {
		em := w.seen[key]
		hash, ok := canonical[em.height]
		if !ok {
			var err error
			if hash, err = w.adapter.BlockHash(ctx, em.height); err != nil {
				return fmt.Errorf("failed to recheck block %d: %w", em.height, err)
			}
			canonical[em.height] = hash
		}
		if hash == em.blockHash {
			continue
		}
		w.logger.Warn("Reorg invalidated emitted event",
			zap.String("order_hash", em.event.OrderHash),
			zap.String("kind", string(em.event.Kind)),
			zap.Uint64("height", em.height))
		ev := em.event
		ev.Retracted = ev.Kind
		ev.Kind = ReorgInvalidated
		if err := w.emit(ctx, ev); err != nil {
			return err
		}
		delete(w.seen, key)
		metrics.EventsDetected.WithLabelValues(ev.ChainID, string(ReorgInvalidated)).Inc()
		if em.height < w.next {
			w.next = em.height
		}
	}
	return nil
}

// prune forgets emissions below the rescan window. They are deep enough
// that they will not be scanned or rechecked again.
func (w *Watcher) prune(below uint64) {
	for key, em := range w.seen {
		if em.height < below {
			delete(w.seen, key)
		}
	}
}
