package swap

import "fmt"

// State is the lifecycle state of an order as driven by the executor.
type State string

const (
	StateDetected          State = "detected"
	StateValidated         State = "validated"
	StateSourceLocked      State = "source_locked"
	StateDestinationFunded State = "destination_funded"
	StateSecretRevealed    State = "secret_revealed"
	StateCompleted         State = "completed"
	StateExpired           State = "expired"
	StateRefunded          State = "refunded"
	StateFailed            State = "failed"
	// StateRejected marks orders skipped by the profitability analyzer.
	StateRejected State = "rejected"
)

var stateRank = map[State]int{
	StateDetected:          0,
	StateValidated:         1,
	StateSourceLocked:      2,
	StateDestinationFunded: 3,
	StateSecretRevealed:    4,
	StateCompleted:         10,
	StateExpired:           10,
	StateRefunded:          10,
	StateFailed:            10,
	StateRejected:          10,
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDetected, StateValidated, StateSourceLocked, StateDestinationFunded,
	StateSecretRevealed, StateCompleted, StateExpired, StateRefunded, StateFailed, StateRejected,
}

func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

func (s State) Terminal() bool {
	return stateRank[s] == 10
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotonic: terminal states never change and ranks never decrease.
func (s State) CanTransitionTo(next State) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	return stateRank[next] > stateRank[s]
}

// CheckTransition returns an error when the transition would regress.
func CheckTransition(from, to State) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	return nil
}

// EscrowStatus is the status of one HTLC escrow on one ledger.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowMatched  EscrowStatus = "matched"
	EscrowClaimed  EscrowStatus = "claimed"
	EscrowRefunded EscrowStatus = "refunded"
)

func (s EscrowStatus) Final() bool {
	return s == EscrowClaimed || s == EscrowRefunded
}
