// Package chain defines the contract every ledger family implements for the
// executor and the monitor, plus the shared RPC plumbing adapters use.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// Family is a ledger architecture family.
type Family string

const (
	FamilyEVM     Family = "evm"
	FamilyUTXO    Family = "utxo"
	FamilyEd25519 Family = "ed25519"
)

// Action is a transaction the executor asks an adapter to build.
type Action string

const (
	ActionLock   Action = "lock"
	ActionClaim  Action = "claim"
	ActionRefund Action = "refund"
)

// Head is the latest block observed on a ledger.
type Head struct {
	Height uint64    `json:"height"`
	Hash   string    `json:"hash"`
	Time   time.Time `json:"time"`
}

// Capabilities describes what a ledger family supports.
type Capabilities struct {
	// SourceLegs is true where the resolver can open the source escrow by
	// pulling maker funds that were pre-authorized on ledger.
	SourceLegs bool
	// ClaimForBeneficiary is true where anyone holding the secret can
	// release the escrow to its beneficiary. Where false, the beneficiary
	// must claim with its own signature once it learns the secret.
	ClaimForBeneficiary bool
}

// EscrowRef identifies one escrow and carries what an adapter needs to
// rebuild any transaction touching it.
type EscrowRef struct {
	OrderHash     string        `json:"order_hash"`
	Side          swap.Side     `json:"side"`
	Hashlock      swap.Hashlock `json:"hashlock"`
	Schedule      swap.Schedule `json:"schedule"`
	Maker         string        `json:"maker"`
	Depositor     string        `json:"depositor"`
	Beneficiary   string        `json:"beneficiary"`
	Asset         string        `json:"asset"`
	Amount        *big.Int      `json:"amount"`
	SafetyDeposit *big.Int      `json:"safety_deposit"`
	// LockTxID and LockOutput locate the funding output on UTXO ledgers.
	LockTxID   string `json:"lock_tx_id,omitempty"`
	LockOutput uint32 `json:"lock_output,omitempty"`
}

// TxRequest asks an adapter to build and sign one transaction.
type TxRequest struct {
	Escrow EscrowRef
	Action Action
	// Secret is set for claims only.
	Secret *swap.Secret
}

// Key identifies the request for idempotency.
func (r *TxRequest) Key() string {
	return fmt.Sprintf("%s/%s/%s", r.Escrow.OrderHash, r.Escrow.Side, r.Action)
}

// SignedTx is a fully signed transaction ready for broadcast. Raw is
// persisted before broadcast so that a restart re-sends identical bytes.
type SignedTx struct {
	ChainID string   `json:"chain_id"`
	Key     string   `json:"key"`
	TxID    string   `json:"tx_id"`
	Raw     []byte   `json:"raw"`
	Nonce   uint64   `json:"nonce,omitempty"`
	Fee     *big.Int `json:"fee,omitempty"`
	// Output is the escrow output index of a UTXO funding transaction.
	Output uint32 `json:"output,omitempty"`
	// ValidUntil is the last height at which the transaction can still be
	// included, for ledgers whose transactions expire.
	ValidUntil uint64 `json:"valid_until,omitempty"`
}

// TxState is the inclusion state of a broadcast transaction.
type TxState string

const (
	TxPending  TxState = "pending"
	TxIncluded TxState = "included"
	TxFailed   TxState = "failed"
	// TxDropped means the transaction can no longer be included.
	TxDropped TxState = "dropped"
)

type TxStatus struct {
	State         TxState `json:"state"`
	Height        uint64  `json:"height,omitempty"`
	BlockHash     string  `json:"block_hash,omitempty"`
	Confirmations uint64  `json:"confirmations,omitempty"`
}

// EventKind classifies ledger events relevant to swaps.
type EventKind string

const (
	EventOrderCommitted EventKind = "order_committed"
	EventEscrowCreated  EventKind = "escrow_created"
	EventClaimed        EventKind = "claimed"
	EventRefunded       EventKind = "refunded"
)

// LedgerEvent is one swap related event found in a block.
type LedgerEvent struct {
	Kind      EventKind
	ChainID   string
	OrderHash string
	Side      swap.Side
	TxID      string
	Height    uint64
	BlockHash string
	Index     uint
	// Secret is set on claims that reveal the preimage.
	Secret *swap.Secret
	// Order is set on order commitments.
	Order *swap.Order
}

// EscrowState is the on-ledger state of an escrow.
type EscrowState struct {
	Exists   bool
	Status   swap.EscrowStatus
	Hashlock swap.Hashlock
	Schedule swap.Schedule
	Amount   *big.Int
	Secret   *swap.Secret
}

// Adapter is implemented once per ledger family.
type Adapter interface {
	ChainID() string
	Family() Family
	Capabilities() Capabilities
	// Address is the resolver's identity as an escrow party on this
	// ledger: an account address, or a public key where scripts commit to
	// keys.
	Address() string
	// Clock models the ledger's deadline kind and block interval relative
	// to head.
	Clock(head Head) swap.Clock
	Head(ctx context.Context) (Head, error)
	BlockHash(ctx context.Context, height uint64) (string, error)
	ScanEvents(ctx context.Context, from, to uint64) ([]LedgerEvent, error)
	// BuildAndSign returns the same signed transaction for the same request
	// while the state it was built against remains valid.
	BuildAndSign(ctx context.Context, req *TxRequest) (*SignedTx, error)
	// Broadcast treats an already known transaction as success.
	Broadcast(ctx context.Context, tx *SignedTx) error
	TxStatus(ctx context.Context, tx *SignedTx) (*TxStatus, error)
	Escrow(ctx context.Context, ref EscrowRef) (*EscrowState, error)
	// EstimateFee returns the native fee for an action in base units.
	EstimateFee(ctx context.Context, action Action) (*big.Int, error)
}

// KeyRef names the signing key an adapter uses.
type KeyRef struct {
	DerivationPath string
	KeyVersion     uint32
	PublicKey      []byte
}
