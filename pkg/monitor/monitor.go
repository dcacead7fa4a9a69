package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

var ErrSourceDegraded = errors.New("source ledger watcher is degraded")

// orderTTL bounds how long a detected order hash is remembered for
// deduplication.
const orderTTL = 24 * time.Hour

// Monitor owns one watcher per ledger and the channel to the executor.
type Monitor struct {
	watchers map[string]*Watcher
	order    []string
	events   chan Event
	logger   *zap.Logger

	mu     sync.Mutex
	orders map[string]time.Time
	now    func() time.Time
}

func New(registry *chain.Registry, store db.ChainStateStore, configs map[string]WatcherConfig, buffer int, logger *zap.Logger) (*Monitor, error) {
	if buffer <= 0 {
		buffer = 1
	}
	m := &Monitor{
		watchers: make(map[string]*Watcher),
		events:   make(chan Event, buffer),
		logger:   logger.Named("monitor"),
		orders:   make(map[string]time.Time),
		now:      time.Now,
	}
	for _, a := range registry.All() {
		cfg, ok := configs[a.ChainID()]
		if !ok {
			return nil, fmt.Errorf("no watcher config for chain %s", a.ChainID())
		}
		m.watchers[a.ChainID()] = newWatcher(a, cfg, store, m.emit, m.logger)
		m.order = append(m.order, a.ChainID())
	}
	return m, nil
}

// Events is the stream consumed by the executor.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Run starts every watcher and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range m.order {
		w := m.watchers[id]
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Enqueue hands an order accepted by intake to the executor. It blocks while
// the channel is full.
func (m *Monitor) Enqueue(ctx context.Context, o *swap.Order) error {
	w, ok := m.watchers[o.SourceChainID]
	if !ok {
		return fmt.Errorf("%w: %s", chain.ErrUnknownChain, o.SourceChainID)
	}
	if w.Degraded() {
		return fmt.Errorf("%w: %s", ErrSourceDegraded, o.SourceChainID)
	}
	return m.emit(ctx, Event{
		Kind:      NewOrderDetected,
		ChainID:   o.SourceChainID,
		OrderHash: o.OrderHash,
		Side:      swap.SideSource,
		TxID:      "intake",
		Order:     o,
	})
}

// Healthy reports whether new orders from the chain are accepted.
func (m *Monitor) Healthy(chainID string) bool {
	w, ok := m.watchers[chainID]
	return ok && !w.Degraded()
}

func (m *Monitor) Status() []WatcherStatus {
	out := make([]WatcherStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.watchers[id].Status())
	}
	return out
}

// emit is the single path onto the channel. New orders are deduplicated by
// order hash; a reorg retracting a detection makes the hash detectable again.
func (m *Monitor) emit(ctx context.Context, ev Event) error {
	switch {
	case ev.Kind == NewOrderDetected:
		if !m.remember(ev.OrderHash) {
			return nil
		}
	case ev.Kind == ReorgInvalidated && ev.Retracted == NewOrderDetected:
		m.forget(ev.OrderHash)
	}

	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		if ev.Kind == NewOrderDetected {
			m.forget(ev.OrderHash)
		}
		return ctx.Err()
	}
}

func (m *Monitor) remember(orderHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if at, ok := m.orders[orderHash]; ok && now.Sub(at) < orderTTL {
		return false
	}
	m.orders[orderHash] = now
	for h, at := range m.orders {
		if now.Sub(at) >= orderTTL {
			delete(m.orders, h)
		}
	}
	return true
}

func (m *Monitor) forget(orderHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderHash)
}
