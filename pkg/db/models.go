package db

import (
	"math/big"
	"time"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// TxRecordStatus is the persisted lifecycle of one transaction.
type TxRecordStatus string

const (
	TxSigned    TxRecordStatus = "signed"
	TxBroadcast TxRecordStatus = "broadcast"
	TxConfirmed TxRecordStatus = "confirmed"
	TxFailed    TxRecordStatus = "failed"
)

// TxRecord is a signed transaction. Raw is stored before the first
// broadcast so a restart re-sends the same bytes.
type TxRecord struct {
	Action     chain.Action   `json:"action"`
	TxID       string         `json:"tx_id"`
	Raw        []byte         `json:"raw"`
	Nonce      uint64         `json:"nonce,omitempty"`
	Output     uint32         `json:"output,omitempty"`
	ValidUntil uint64         `json:"valid_until,omitempty"`
	Fee        *big.Int       `json:"fee,omitempty"`
	Status     TxRecordStatus `json:"status"`
	Height     uint64         `json:"height,omitempty"`
	BlockHash  string         `json:"block_hash,omitempty"`
	Attempts   int            `json:"attempts"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SignedTx returns the adapter view of the record.
func (r *TxRecord) SignedTx(chainID, key string) *chain.SignedTx {
	return &chain.SignedTx{
		ChainID:    chainID,
		Key:        key,
		TxID:       r.TxID,
		Raw:        r.Raw,
		Nonce:      r.Nonce,
		Fee:        r.Fee,
		Output:     r.Output,
		ValidUntil: r.ValidUntil,
	}
}

// NewTxRecord captures a freshly signed transaction.
func NewTxRecord(action chain.Action, tx *chain.SignedTx, now time.Time) *TxRecord {
	return &TxRecord{
		Action:     action,
		TxID:       tx.TxID,
		Raw:        tx.Raw,
		Nonce:      tx.Nonce,
		Output:     tx.Output,
		ValidUntil: tx.ValidUntil,
		Fee:        tx.Fee,
		Status:     TxSigned,
		UpdatedAt:  now,
	}
}

// Leg is one side of a swap as the coordinator last observed it.
type Leg struct {
	ChainID string                     `json:"chain_id"`
	Escrow  chain.EscrowRef            `json:"escrow"`
	Status  swap.EscrowStatus          `json:"status,omitempty"`
	Txs     map[chain.Action]*TxRecord `json:"txs,omitempty"`
	// Blocked lists actions whose signature did not verify. They are not
	// built again until an operator clears them.
	Blocked []chain.Action `json:"blocked,omitempty"`
}

// Tx returns the record for action, or nil.
func (l *Leg) Tx(action chain.Action) *TxRecord {
	if l.Txs == nil {
		return nil
	}
	return l.Txs[action]
}

func (l *Leg) SetTx(rec *TxRecord) {
	if l.Txs == nil {
		l.Txs = make(map[chain.Action]*TxRecord)
	}
	l.Txs[rec.Action] = rec
}

// Block records that action must not be built again.
func (l *Leg) Block(action chain.Action) {
	if !l.IsBlocked(action) {
		l.Blocked = append(l.Blocked, action)
	}
}

func (l *Leg) IsBlocked(action chain.Action) bool {
	for _, a := range l.Blocked {
		if a == action {
			return true
		}
	}
	return false
}

// Locked reports whether the resolver's own lock on this leg is confirmed.
func (l *Leg) Locked() bool {
	rec := l.Tx(chain.ActionLock)
	return rec != nil && rec.Status == TxConfirmed
}

// Swap is the durable checkpoint of one order.
type Swap struct {
	OrderHash     string        `json:"order_hash"`
	Order         *swap.Order   `json:"order"`
	State         swap.State    `json:"state"`
	Hashlock      swap.Hashlock `json:"hashlock"`
	SealedSecret  string        `json:"sealed_secret,omitempty"`
	Schedule      swap.Schedule `json:"schedule"`
	SafetyDeposit *big.Int      `json:"safety_deposit,omitempty"`
	Source        Leg           `json:"source"`
	Destination   Leg           `json:"destination"`
	// SecretSent is set once the secret reached a beneficiary that claims
	// for itself.
	SecretSent    bool      `json:"secret_sent,omitempty"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	// Revalidate is set when a reorg removed an observation this swap
	// depended on.
	Revalidate bool      `json:"revalidate,omitempty"`
	Escalated  bool      `json:"escalated,omitempty"`
	Settled    bool      `json:"settled,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Active reports whether the executor still has work on the swap. Escalated
// swaps stay active so that the legs the resolver funded are still refunded.
func (s *Swap) Active() bool {
	return !s.Settled
}

// Leg returns the leg for side.
func (s *Swap) Leg(side swap.Side) *Leg {
	if side == swap.SideDestination {
		return &s.Destination
	}
	return &s.Source
}

// Transition is one entry in a swap's append only state log.
type Transition struct {
	OrderHash string     `json:"order_hash"`
	From      swap.State `json:"from"`
	To        swap.State `json:"to"`
	Reason    string     `json:"reason,omitempty"`
	At        time.Time  `json:"at"`
}

// ChainState is the monitor checkpoint for one ledger.
type ChainState struct {
	ChainID   string    `json:"chain_id"`
	Height    uint64    `json:"height"`
	BlockHash string    `json:"block_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}
