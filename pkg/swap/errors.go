package swap

import (
	"errors"
	"fmt"
)

// TransientLedgerError wraps RPC timeouts, dropped connections and other
// failures that are retried with backoff.
type TransientLedgerError struct {
	ChainID string
	Op      string
	Err     error
}

func (e *TransientLedgerError) Error() string {
	return fmt.Sprintf("transient ledger error on %s during %s: %v", e.ChainID, e.Op, e.Err)
}

func (e *TransientLedgerError) Unwrap() error { return e.Err }

// InsufficientFundsError aborts the order and raises an operator alert.
type InsufficientFundsError struct {
	ChainID string
	Account string
	Need    string
	Have    string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s for %s: need %s, have %s", e.ChainID, e.Account, e.Need, e.Have)
}

// SignatureMismatchError means the signing service returned a signature that
// does not verify against the pinned public key. It is never retried.
type SignatureMismatchError struct {
	ChainID        string
	DerivationPath string
	Reason         string
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("signature mismatch on %s for path %s: %s", e.ChainID, e.DerivationPath, e.Reason)
}

// TimelockViolationError means a deadline cannot be met or a schedule is
// malformed. The executor routes it to the refund path.
type TimelockViolationError struct {
	Reason string
}

func (e *TimelockViolationError) Error() string {
	return "timelock violation: " + e.Reason
}

// ReorgInvalidatedError means previously observed ledger data was reorged
// away and the order must be re-validated.
type ReorgInvalidatedError struct {
	ChainID string
	Height  uint64
}

func (e *ReorgInvalidatedError) Error() string {
	return fmt.Sprintf("reorg invalidated observation on %s at height %d", e.ChainID, e.Height)
}

// Transient wraps err as a TransientLedgerError unless it already carries a
// classification.
func Transient(chainID, op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return &TransientLedgerError{ChainID: chainID, Op: op, Err: err}
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	var (
		t *TransientLedgerError
		i *InsufficientFundsError
		s *SignatureMismatchError
		l *TimelockViolationError
		r *ReorgInvalidatedError
	)
	return errors.As(err, &t) || errors.As(err, &i) || errors.As(err, &s) ||
		errors.As(err, &l) || errors.As(err, &r)
}

func IsTransient(err error) bool {
	var t *TransientLedgerError
	return errors.As(err, &t)
}
