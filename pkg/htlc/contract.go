// Package htlc is an executable model of the escrow contract every ledger
// family enforces. Adapters and tests use it as the reference for claim and
// refund predicates.
package htlc

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderAlreadyExists  = errors.New("order already exists")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidState        = errors.New("invalid escrow state")
	ErrInvalidPreimage     = errors.New("preimage does not match hashlock")
	ErrWindowNotOpen       = errors.New("withdrawal window not open")
	ErrTimelockExpired     = errors.New("timelock expired")
	ErrTimelockNotExpired  = errors.New("timelock not expired")
	ErrInsufficientDeposit = errors.New("insufficient safety deposit")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Point is a ledger head used to evaluate deadlines.
type Point struct {
	Height uint64
	Time   time.Time
}

// Payout is a transfer made when an escrow reaches a final state.
type Payout struct {
	To     string
	Amount *big.Int
}

// Entry is one escrow held by the contract.
type Entry struct {
	Escrow      swap.Escrow
	Resolver    string
	ResolverFee *big.Int
	Preimage    *swap.Secret
	CreatedAt   time.Time
	Payouts     []Payout
}

// CreateParams opens a new escrow in the Pending state.
type CreateParams struct {
	OrderHash   string
	Side        swap.Side
	Depositor   string
	Beneficiary string
	Amount      *big.Int
	ResolverFee *big.Int
	Hashlock    swap.Hashlock
	Timelocks   swap.Schedule
	// SafetyDepositBps is the minimum collateral the matching resolver
	// must post.
	SafetyDepositBps uint32
}

// Contract keeps escrows for one ledger.
type Contract struct {
	mu        sync.Mutex
	owner     string
	resolvers map[string]bool
	entries   map[string]*Entry
	policy    swap.SafetyDepositPolicy
	now       func() time.Time
}

func NewContract(owner string, policy swap.SafetyDepositPolicy) *Contract {
	return &Contract{
		owner:     owner,
		resolvers: map[string]bool{},
		entries:   map[string]*Entry{},
		policy:    policy,
		now:       time.Now,
	}
}

// AddResolver authorizes a resolver. Only the owner may call it.
func (c *Contract) AddResolver(caller, resolver string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return ErrUnauthorized
	}
	c.resolvers[resolver] = true
	return nil
}

func (c *Contract) RemoveResolver(caller, resolver string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return ErrUnauthorized
	}
	delete(c.resolvers, resolver)
	return nil
}

func (c *Contract) IsAuthorized(resolver string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolvers[resolver]
}

// Create opens an escrow funded by the depositor.
func (c *Contract) Create(p CreateParams) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[p.OrderHash]; ok {
		return nil, ErrOrderAlreadyExists
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.Hashlock.IsZero() {
		return nil, swap.ErrInvalidHashlock
	}
	fee := new(big.Int)
	if p.ResolverFee != nil {
		fee.Set(p.ResolverFee)
	}
	e := &Entry{
		Escrow: swap.Escrow{
			OrderHash:     p.OrderHash,
			Side:          p.Side,
			LockedAmount:  new(big.Int).Set(p.Amount),
			Hashlock:      p.Hashlock,
			Timelocks:     p.Timelocks,
			Depositor:     p.Depositor,
			Beneficiary:   p.Beneficiary,
			SafetyDeposit: swap.SafetyDeposit(p.Amount, p.SafetyDepositBps, c.policy),
			Status:        swap.EscrowPending,
		},
		ResolverFee: fee,
		CreatedAt:   c.now(),
	}
	c.entries[p.OrderHash] = e
	return e.copy(), nil
}

// Match records the resolver and the safety deposit it posted.
func (c *Contract) Match(orderHash, resolver string, deposit *big.Int) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[orderHash]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !c.resolvers[resolver] {
		return nil, ErrUnauthorized
	}
	if e.Escrow.Status != swap.EscrowPending {
		return nil, ErrInvalidState
	}
	if deposit == nil || deposit.Cmp(e.Escrow.SafetyDeposit) < 0 {
		return nil, ErrInsufficientDeposit
	}
	e.Resolver = resolver
	e.Escrow.SafetyDeposit = new(big.Int).Set(deposit)
	e.Escrow.Status = swap.EscrowMatched
	return e.copy(), nil
}

// Claim releases the escrow to the beneficiary when the preimage matches and
// the withdrawal window of the escrow's side is open.
func (c *Contract) Claim(orderHash, caller string, preimage []byte, at Point) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[orderHash]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if caller != e.Resolver {
		return nil, ErrUnauthorized
	}
	if e.Escrow.Status != swap.EscrowMatched {
		return nil, ErrInvalidState
	}
	w := window(e.Escrow)
	if w.Close.ReachedAt(at.Height, at.Time) {
		return nil, ErrTimelockExpired
	}
	if !w.Open.ReachedAt(at.Height, at.Time) {
		return nil, ErrWindowNotOpen
	}
	if len(preimage) != swap.SecretSize || !e.Escrow.Hashlock.Matches(preimage) {
		return nil, ErrInvalidPreimage
	}
	secret, _ := swap.SecretFromBytes(preimage)
	e.Preimage = &secret
	e.Escrow.Status = swap.EscrowClaimed
	e.Payouts = []Payout{
		{To: e.Escrow.Beneficiary, Amount: new(big.Int).Add(e.Escrow.LockedAmount, e.ResolverFee)},
		{To: e.Resolver, Amount: new(big.Int).Set(e.Escrow.SafetyDeposit)},
	}
	return e.copy(), nil
}

// Refund returns the escrow to the depositor once the cancel deadline has
// passed. A refund forced by the maker on a matched escrow forfeits the
// resolver's safety deposit to the maker.
func (c *Contract) Refund(orderHash, caller, maker string, at Point) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[orderHash]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if caller != maker && caller != e.Resolver {
		return nil, ErrUnauthorized
	}
	if e.Escrow.Status.Final() {
		return nil, ErrInvalidState
	}
	if !window(e.Escrow).Close.ReachedAt(at.Height, at.Time) {
		return nil, ErrTimelockNotExpired
	}
	e.Escrow.Status = swap.EscrowRefunded
	e.Payouts = []Payout{
		{To: e.Escrow.Depositor, Amount: new(big.Int).Add(e.Escrow.LockedAmount, e.ResolverFee)},
	}
	if e.Resolver != "" {
		depositTo := e.Resolver
		if caller == maker && caller != e.Resolver {
			depositTo = maker
		}
		e.Payouts = append(e.Payouts, Payout{To: depositTo, Amount: new(big.Int).Set(e.Escrow.SafetyDeposit)})
	}
	return e.copy(), nil
}

func (c *Contract) Get(orderHash string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[orderHash]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return e.copy(), nil
}

// List returns escrows with the given status ordered by creation time. An
// empty status matches every escrow.
func (c *Contract) List(status swap.EscrowStatus, offset, limit int) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Entry
	for _, e := range c.entries {
		if status == "" || e.Escrow.Status == status {
			out = append(out, e.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Escrow.OrderHash < out[j].Escrow.OrderHash
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func window(e swap.Escrow) swap.Window {
	if e.Side == swap.SideDestination {
		return e.Timelocks.DestinationWindow()
	}
	return e.Timelocks.SourceWindow()
}

func (e *Entry) copy() *Entry {
	cp := *e
	cp.Payouts = append([]Payout(nil), e.Payouts...)
	return &cp
}
