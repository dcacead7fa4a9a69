// Package db persists swap checkpoints, the transition log, monitor cursors
// and account nonces. Two implementations exist: Postgres through bun and an
// embedded bbolt file for single node deployments.
package db

import (
	"context"
	"errors"
	"sort"

	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

var (
	ErrSwapNotFound    = errors.New("swap not found")
	ErrSwapExists      = errors.New("swap already exists")
	ErrVersionConflict = errors.New("swap was modified concurrently")
)

// SwapStore holds swap checkpoints.
type SwapStore interface {
	CreateSwap(ctx context.Context, s *Swap) error
	GetSwap(ctx context.Context, orderHash string) (*Swap, error)
	// SaveSwap writes s if its Version matches the stored one, then bumps
	// Version. A non-nil transition is appended in the same write.
	SaveSwap(ctx context.Context, s *Swap, t *Transition) error
	// ListActive returns swaps that are not settled, escalated ones included.
	ListActive(ctx context.Context) ([]*Swap, error)
	ListSwaps(ctx context.Context, f Filter) ([]*Swap, int, error)
	ListTransitions(ctx context.Context, orderHash string) ([]Transition, error)
}

// ChainStateStore holds monitor cursors.
type ChainStateStore interface {
	// GetChainState returns nil without error for an unknown ledger.
	GetChainState(ctx context.Context, chainID string) (*ChainState, error)
	SetChainState(ctx context.Context, st *ChainState) error
}

// NonceStore holds the next nonce per account.
type NonceStore interface {
	GetNonce(ctx context.Context, chainID, address string) (uint64, bool, error)
	SetNonce(ctx context.Context, chainID, address string, next uint64) error
}

// Store is everything the coordinator persists.
type Store interface {
	SwapStore
	ChainStateStore
	NonceStore
	Close() error
}

// Filter selects swaps for listing. Zero values match everything.
type Filter struct {
	State   swap.State
	ChainID string
	Offset  int
	Limit   int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

func (f Filter) match(s *Swap) bool {
	if f.State != "" && s.State != f.State {
		return false
	}
	if f.ChainID != "" && s.Source.ChainID != f.ChainID && s.Destination.ChainID != f.ChainID {
		return false
	}
	return true
}

// page sorts newest first and applies offset and limit.
func (f Filter) page(all []*Swap) []*Swap {
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].OrderHash < all[j].OrderHash
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Offset >= len(all) {
		return nil
	}
	end := f.Offset + f.limit()
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end]
}
