package chain

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownChain = errors.New("unknown chain")

// Registry maps chain ids to adapters. It is built once at startup and
// passed to every component that needs ledger access.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, ok := r.adapters[a.ChainID()]; ok {
			return nil, fmt.Errorf("duplicate adapter for chain %s", a.ChainID())
		}
		r.adapters[a.ChainID()] = a
	}
	return r, nil
}

func (r *Registry) Get(chainID string) (Adapter, error) {
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	return a, nil
}

// ChainIDs returns the registered chain ids in sorted order.
func (r *Registry) ChainIDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, id := range r.ChainIDs() {
		out = append(out, r.adapters[id])
	}
	return out
}
