// Package monitor watches every registered ledger for swap events and hands
// them to the executor over a single bounded channel.
//
// Events observed on one ledger are delivered in on-ledger order (height,
// then index within the block), so events for the same order on the same
// ledger never overtake each other. There is no ordering across ledgers. A
// full channel blocks the watchers, which stops them from polling until the
// executor catches up.
package monitor

import (
	"fmt"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

type EventKind string

const (
	NewOrderDetected     EventKind = "new_order_detected"
	CounterpartyClaimed  EventKind = "counterparty_claimed"
	CounterpartyRefunded EventKind = "counterparty_refunded"
	// ReorgInvalidated retracts a previously emitted event whose block is no
	// longer canonical.
	ReorgInvalidated EventKind = "reorg_invalidated"
)

// Event is delivered to the executor.
type Event struct {
	Kind      EventKind
	ChainID   string
	OrderHash string
	Side      swap.Side
	TxID      string
	Height    uint64
	BlockHash string
	Index     uint
	// Secret is set on claims.
	Secret *swap.Secret
	// Order is set on new orders.
	Order *swap.Order
	// Retracted is the kind of event a reorg invalidated.
	Retracted EventKind
}

func (e Event) key() string {
	return fmt.Sprintf("%s/%s/%s/%s", e.Kind, e.OrderHash, e.Side, e.TxID)
}

// fromLedger maps adapter events to monitor events. Escrow creation is
// tracked by the executor through its own transactions and is not emitted.
func fromLedger(le chain.LedgerEvent) (Event, bool) {
	ev := Event{
		ChainID:   le.ChainID,
		OrderHash: le.OrderHash,
		Side:      le.Side,
		TxID:      le.TxID,
		Height:    le.Height,
		BlockHash: le.BlockHash,
		Index:     le.Index,
	}
	switch le.Kind {
	case chain.EventOrderCommitted:
		if le.Order == nil {
			return Event{}, false
		}
		ev.Kind = NewOrderDetected
		ev.Order = le.Order
	case chain.EventClaimed:
		ev.Kind = CounterpartyClaimed
		ev.Secret = le.Secret
	case chain.EventRefunded:
		ev.Kind = CounterpartyRefunded
	default:
		return Event{}, false
	}
	return ev, true
}
