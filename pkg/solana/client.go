package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/chain/sigs"
	"github.com/chainsafe/swap-coordinator/pkg/signer"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

type Config struct {
	ChainID string
	// Program is the escrow program id.
	Program      PublicKey
	SlotInterval time.Duration
	Commitment   string
	// LamportsPerSignature is the base fee per signature.
	LamportsPerSignature uint64
	Key                  chain.KeyRef
}

// Client implements chain.Adapter for Ed25519 account ledgers.
type Client struct {
	cfg    Config
	rpc    RPC
	pool   *chain.Pool
	signer signer.Service
	locks  *signer.PathLocker
	payer  PublicKey
	logger *zap.Logger

	mu    sync.Mutex
	built map[string]*chain.SignedTx
}

func NewClient(cfg Config, rpc RPC, pool *chain.Pool, svc signer.Service, locks *signer.PathLocker, logger *zap.Logger) (*Client, error) {
	if len(cfg.Key.PublicKey) != 32 {
		return nil, fmt.Errorf("ed25519 public key for chain %s must be 32 bytes", cfg.ChainID)
	}
	if cfg.SlotInterval <= 0 {
		cfg.SlotInterval = 400 * time.Millisecond
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.LamportsPerSignature == 0 {
		cfg.LamportsPerSignature = 5000
	}
	var payer PublicKey
	copy(payer[:], cfg.Key.PublicKey)
	c := &Client{
		cfg:    cfg,
		rpc:    rpc,
		pool:   pool,
		signer: svc,
		locks:  locks,
		payer:  payer,
		logger: logger.With(zap.String("chain", cfg.ChainID)),
		built:  make(map[string]*chain.SignedTx),
	}
	c.logger.Info("Ed25519 adapter ready",
		zap.String("program", cfg.Program.String()),
		zap.String("resolver_address", payer.String()))
	return c, nil
}

func (c *Client) ChainID() string      { return c.cfg.ChainID }
func (c *Client) Family() chain.Family { return chain.FamilyEd25519 }
func (c *Client) Address() string      { return c.payer.String() }

func (c *Client) Capabilities() chain.Capabilities {
	return chain.Capabilities{SourceLegs: true, ClaimForBeneficiary: true}
}

// Clock uses slots as heights; deadlines are compared against the cluster's
// unix timestamp.
func (c *Client) Clock(head chain.Head) swap.Clock {
	return swap.Clock{Kind: swap.DeadlineTime, RefHeight: head.Height, RefTime: head.Time, BlockInterval: c.cfg.SlotInterval}
}

func (c *Client) call(ctx context.Context, op string, out interface{}, method string, args ...interface{}) error {
	return c.pool.Do(ctx, op, func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, out, method, args...)
	})
}

func (c *Client) Head(ctx context.Context) (chain.Head, error) {
	var slot uint64
	if err := c.call(ctx, "get_slot", &slot, "getSlot", commitmentOpts{Commitment: c.cfg.Commitment}); err != nil {
		return chain.Head{}, err
	}
	b, err := c.block(ctx, slot)
	if err != nil {
		return chain.Head{}, err
	}
	head := chain.Head{Height: slot, Hash: b.Blockhash, Time: time.Now()}
	if b.BlockTime != nil {
		head.Time = time.Unix(*b.BlockTime, 0)
	}
	return head, nil
}

// BlockHash returns an empty hash for skipped slots.
func (c *Client) BlockHash(ctx context.Context, slot uint64) (string, error) {
	b, err := c.block(ctx, slot)
	if err != nil {
		if isSkippedSlot(err) {
			return "", nil
		}
		return "", err
	}
	return b.Blockhash, nil
}

func (c *Client) block(ctx context.Context, slot uint64) (*blockResult, error) {
	var b blockResult
	err := c.pool.Do(ctx, "get_block", func(ctx context.Context) error {
		err := c.rpc.CallContext(ctx, &b, "getBlock", slot, blockOpts{
			Commitment: c.cfg.Commitment, TransactionDetails: "none", MaxSupportedTransactionVersion: 0,
		})
		if isSkippedSlot(err) {
			return chain.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func isSkippedSlot(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "was skipped") || strings.Contains(msg, "missing in long-term storage")
}

func (c *Client) blockHeight(ctx context.Context) (uint64, error) {
	var h uint64
	err := c.call(ctx, "get_block_height", &h, "getBlockHeight", commitmentOpts{Commitment: c.cfg.Commitment})
	return h, err
}

func (c *Client) EstimateFee(ctx context.Context, action chain.Action) (*big.Int, error) {
	return new(big.Int).SetUint64(c.cfg.LamportsPerSignature), nil
}

// BuildAndSign builds one escrow program instruction against a recent
// blockhash. The same request returns the same transaction until that
// blockhash expires.
func (c *Client) BuildAndSign(ctx context.Context, req *chain.TxRequest) (*chain.SignedTx, error) {
	unlock, err := c.locks.Lock(ctx, c.cfg.Key.DerivationPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if cached, ok := c.cachedTx(ctx, req.Key()); ok {
		return cached, nil
	}

	ix, value, err := c.instruction(req)
	if err != nil {
		return nil, chain.Permanent(err)
	}
	if err := c.checkBalance(ctx, value); err != nil {
		return nil, err
	}

	var latest latestBlockhashResult
	if err := c.call(ctx, "latest_blockhash", &latest, "getLatestBlockhash", commitmentOpts{Commitment: c.cfg.Commitment}); err != nil {
		return nil, err
	}
	hashBytes, err := base58.Decode(latest.Value.Blockhash)
	if err != nil || len(hashBytes) != 32 {
		return nil, fmt.Errorf("invalid blockhash %q", latest.Value.Blockhash)
	}
	var blockhash [32]byte
	copy(blockhash[:], hashBytes)

	msg, err := NewMessage(c.payer, blockhash, ix)
	if err != nil {
		return nil, chain.Permanent(err)
	}
	payload := msg.Serialize()
	sig, err := c.sign(ctx, payload)
	if err != nil {
		return nil, err
	}

	tx := &chain.SignedTx{
		ChainID:    c.cfg.ChainID,
		Key:        req.Key(),
		TxID:       base58.Encode(sig),
		Raw:        EncodeTransaction([][]byte{sig}, payload),
		Fee:        new(big.Int).SetUint64(c.cfg.LamportsPerSignature),
		ValidUntil: latest.Value.LastValidBlockHeight,
	}
	c.mu.Lock()
	c.built[req.Key()] = tx
	c.mu.Unlock()
	c.logger.Info("Signed transaction",
		zap.String("order_hash", req.Escrow.OrderHash),
		zap.String("action", string(req.Action)),
		zap.String("signature", tx.TxID),
		zap.Uint64("valid_until", tx.ValidUntil))
	return tx, nil
}

func (c *Client) cachedTx(ctx context.Context, key string) (*chain.SignedTx, bool) {
	c.mu.Lock()
	tx, ok := c.built[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	st, err := c.TxStatus(ctx, tx)
	if err == nil && st.State != chain.TxDropped && st.State != chain.TxFailed {
		return tx, true
	}
	c.mu.Lock()
	delete(c.built, key)
	c.mu.Unlock()
	return nil, false
}

func (c *Client) sign(ctx context.Context, message []byte) ([]byte, error) {
	resp, err := c.signer.Sign(ctx, &signer.Request{
		DerivationPath: c.cfg.Key.DerivationPath,
		KeyVersion:     c.cfg.Key.KeyVersion,
		Scheme:         signer.SchemeEd25519,
		Payload:        message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	if len(resp.PublicKey) > 0 && !bytes.Equal(resp.PublicKey, c.cfg.Key.PublicKey) {
		return nil, c.mismatch("service returned an unexpected public key")
	}
	if err := sigs.VerifyEd25519(message, resp.Signature, c.cfg.Key.PublicKey); err != nil {
		return nil, c.mismatch(err.Error())
	}
	return resp.Signature, nil
}

func (c *Client) mismatch(reason string) error {
	metrics.SignatureMismatchesTotal.WithLabelValues(c.cfg.ChainID).Inc()
	return &swap.SignatureMismatchError{ChainID: c.cfg.ChainID, DerivationPath: c.cfg.Key.DerivationPath, Reason: reason}
}

func (c *Client) checkBalance(ctx context.Context, value uint64) error {
	var bal balanceResult
	if err := c.call(ctx, "get_balance", &bal, "getBalance", c.payer.String(), commitmentOpts{Commitment: c.cfg.Commitment}); err != nil {
		return err
	}
	need := value + c.cfg.LamportsPerSignature
	if bal.Value < need {
		return &swap.InsufficientFundsError{ChainID: c.cfg.ChainID, Account: c.payer.String(), Need: fmt.Sprint(need), Have: fmt.Sprint(bal.Value)}
	}
	return nil
}

// instruction returns the escrow instruction and the lamports the payer
// moves into the program with it.
func (c *Client) instruction(req *chain.TxRequest) (Instruction, uint64, error) {
	ref := req.Escrow
	orderHash, err := swap.DecodeHash32(ref.OrderHash)
	if err != nil {
		return Instruction{}, 0, err
	}
	escrow, _, err := EscrowAddress(c.cfg.Program, orderHash, ref.Side)
	if err != nil {
		return Instruction{}, 0, err
	}
	keys, err := parseKeys(ref.Maker, ref.Depositor, ref.Beneficiary)
	if err != nil {
		return Instruction{}, 0, err
	}
	maker, depositor, beneficiary := keys[0], keys[1], keys[2]
	payer := AccountMeta{PublicKey: c.payer, IsSigner: true, IsWritable: true}
	escrowMeta := AccountMeta{PublicKey: escrow, IsWritable: true}

	switch req.Action {
	case chain.ActionLock:
		amount, err := lamports(ref.Amount)
		if err != nil {
			return Instruction{}, 0, err
		}
		deposit, err := lamports(ref.SafetyDeposit)
		if err != nil {
			return Instruction{}, 0, err
		}
		var mint PublicKey
		if ref.Asset != "" && !strings.EqualFold(ref.Asset, "native") {
			if mint, err = ParsePublicKey(ref.Asset); err != nil {
				return Instruction{}, 0, fmt.Errorf("asset: %w", err)
			}
		}
		args := &escrowArgs{
			orderHash: orderHash, side: ref.Side, maker: maker, depositor: depositor,
			beneficiary: beneficiary, mint: mint, amount: amount, deposit: deposit,
			hashlock: ref.Hashlock, timelocks: packTimelocks(ref.Schedule),
		}
		accounts := []AccountMeta{escrowMeta, payer}
		value := deposit
		if ref.Side == swap.SideSource {
			order, _, err := OrderAddress(c.cfg.Program, orderHash)
			if err != nil {
				return Instruction{}, 0, err
			}
			accounts = append(accounts, AccountMeta{PublicKey: order, IsWritable: true})
		} else if mint == (PublicKey{}) {
			value += amount
		}
		accounts = append(accounts, AccountMeta{PublicKey: SystemProgram})
		return Instruction{ProgramID: c.cfg.Program, Accounts: accounts, Data: args.encode()}, value, nil
	case chain.ActionClaim:
		if req.Secret == nil {
			return Instruction{}, 0, errors.New("claim requires the secret")
		}
		return Instruction{
			ProgramID: c.cfg.Program,
			Accounts: []AccountMeta{
				escrowMeta, payer,
				{PublicKey: beneficiary, IsWritable: true},
				{PublicKey: depositor, IsWritable: true},
			},
			Data: claimData(orderHash, ref.Side, [32]byte(*req.Secret)),
		}, 0, nil
	case chain.ActionRefund:
		return Instruction{
			ProgramID: c.cfg.Program,
			Accounts: []AccountMeta{
				escrowMeta, payer,
				{PublicKey: depositor, IsWritable: true},
				{PublicKey: maker, IsWritable: true},
			},
			Data: refundData(orderHash, ref.Side),
		}, 0, nil
	default:
		return Instruction{}, 0, fmt.Errorf("unsupported action %q", req.Action)
	}
}

func parseKeys(in ...string) ([]PublicKey, error) {
	out := make([]PublicKey, len(in))
	for i, s := range in {
		k, err := ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", s, err)
		}
		out[i] = k
	}
	return out, nil
}

func lamports(v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("amount %s does not fit in u64", v)
	}
	return v.Uint64(), nil
}

// Broadcast submits the transaction. Transactions the cluster has already
// processed count as success.
func (c *Client) Broadcast(ctx context.Context, tx *chain.SignedTx) error {
	encoded := base64.StdEncoding.EncodeToString(tx.Raw)
	err := c.pool.Do(ctx, "send", func(ctx context.Context) error {
		var sig string
		err := c.rpc.CallContext(ctx, &sig, "sendTransaction", encoded, sendOpts{Encoding: "base64", PreflightCommitment: c.cfg.Commitment})
		if err == nil {
			return nil
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "already been processed") || strings.Contains(msg, "alreadyprocessed"):
			return nil
		case strings.Contains(msg, "insufficient"):
			return &swap.InsufficientFundsError{ChainID: c.cfg.ChainID, Account: c.payer.String(), Need: "unknown", Have: "unknown"}
		case strings.Contains(msg, "blockhash not found"):
			return chain.Permanent(err)
		}
		return err
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.TransactionsSent.WithLabelValues(c.cfg.ChainID, actionOf(tx.Key), status).Inc()
	return err
}

func actionOf(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// TxStatus reports unknown signatures as dropped once their blockhash has
// expired.
func (c *Client) TxStatus(ctx context.Context, tx *chain.SignedTx) (*chain.TxStatus, error) {
	var res signatureStatusesResult
	if err := c.call(ctx, "signature_statuses", &res, "getSignatureStatuses", []string{tx.TxID}, statusOpts{SearchTransactionHistory: true}); err != nil {
		return nil, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		height, err := c.blockHeight(ctx)
		if err != nil {
			return nil, err
		}
		if tx.ValidUntil > 0 && height > tx.ValidUntil {
			return &chain.TxStatus{State: chain.TxDropped}, nil
		}
		return &chain.TxStatus{State: chain.TxPending}, nil
	}
	st := res.Value[0]
	if failed(st.Err) {
		return &chain.TxStatus{State: chain.TxFailed, Height: st.Slot}, nil
	}
	if st.ConfirmationStatus == "processed" {
		return &chain.TxStatus{State: chain.TxPending}, nil
	}
	out := &chain.TxStatus{State: chain.TxIncluded, Height: st.Slot}
	if hash, err := c.BlockHash(ctx, st.Slot); err == nil {
		out.BlockHash = hash
	}
	switch {
	case st.Confirmations != nil:
		out.Confirmations = *st.Confirmations + 1
	default:
		head, err := c.Head(ctx)
		if err != nil {
			return nil, err
		}
		if head.Height >= st.Slot {
			out.Confirmations = head.Height - st.Slot + 1
		}
	}
	return out, nil
}

func (c *Client) Escrow(ctx context.Context, ref chain.EscrowRef) (*chain.EscrowState, error) {
	orderHash, err := swap.DecodeHash32(ref.OrderHash)
	if err != nil {
		return nil, err
	}
	addr, _, err := EscrowAddress(c.cfg.Program, orderHash, ref.Side)
	if err != nil {
		return nil, err
	}
	var info accountInfoResult
	if err := c.call(ctx, "get_account", &info, "getAccountInfo", addr.String(), accountOpts{Encoding: "base64", Commitment: c.cfg.Commitment}); err != nil {
		return nil, err
	}
	if info.Value == nil {
		return &chain.EscrowState{Exists: false}, nil
	}
	if info.Value.Owner != c.cfg.Program.String() {
		return nil, fmt.Errorf("escrow account %s is owned by %s", addr, info.Value.Owner)
	}
	if len(info.Value.Data) == 0 {
		return nil, fmt.Errorf("escrow account %s has no data", addr)
	}
	data, err := base64.StdEncoding.DecodeString(info.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode escrow account: %w", err)
	}
	acc, err := decodeEscrowAccount(data)
	if err != nil {
		return nil, err
	}
	return acc.state(ref.Schedule), nil
}

var _ chain.Adapter = (*Client)(nil)
