// Package ethereum is the chain adapter for account based ECDSA ledgers that
// speak the Ethereum JSON-RPC API.
package ethereum

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/chain/sigs"
	"github.com/chainsafe/swap-coordinator/pkg/signer"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// RPC is the subset of ethclient.Client the adapter uses.
type RPC interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q geth.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg geth.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NonceStore persists the next nonce per account so restarts never reuse a
// nonce that was signed but not yet seen by the node.
type NonceStore interface {
	GetNonce(ctx context.Context, chainID, address string) (uint64, bool, error)
	SetNonce(ctx context.Context, chainID, address string, next uint64) error
}

// Config configures one EVM ledger.
type Config struct {
	ChainID        string
	NetworkID      *big.Int
	EscrowContract common.Address
	BlockInterval  time.Duration
	// Legacy selects EIP-155 legacy transactions instead of EIP-1559.
	Legacy       bool
	MaxFeePerGas *big.Int
	GasLimits    map[chain.Action]uint64
	Key          chain.KeyRef
}

var defaultGasLimits = map[chain.Action]uint64{
	chain.ActionLock:   250_000,
	chain.ActionClaim:  120_000,
	chain.ActionRefund: 100_000,
}

// Client implements chain.Adapter for EVM ledgers.
type Client struct {
	cfg     Config
	rpc     RPC
	pool    *chain.Pool
	signer  signer.Service
	locks   *signer.PathLocker
	nonces  NonceStore
	txSign  types.Signer
	address common.Address
	logger  *zap.Logger

	mu    sync.Mutex
	built map[string]*chain.SignedTx
}

func NewClient(cfg Config, rpc RPC, pool *chain.Pool, svc signer.Service, locks *signer.PathLocker, nonces NonceStore, logger *zap.Logger) (*Client, error) {
	if cfg.NetworkID == nil || cfg.NetworkID.Sign() <= 0 {
		return nil, fmt.Errorf("network id is required for chain %s", cfg.ChainID)
	}
	pub, err := crypto.DecompressPubkey(cfg.Key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key for chain %s: %w", cfg.ChainID, err)
	}
	if cfg.GasLimits == nil {
		cfg.GasLimits = defaultGasLimits
	}
	var txSign types.Signer = types.LatestSignerForChainID(cfg.NetworkID)
	if cfg.Legacy {
		txSign = types.NewEIP155Signer(cfg.NetworkID)
	}
	c := &Client{
		cfg:     cfg,
		rpc:     rpc,
		pool:    pool,
		signer:  svc,
		locks:   locks,
		nonces:  nonces,
		txSign:  txSign,
		address: crypto.PubkeyToAddress(*pub),
		logger:  logger.With(zap.String("chain", cfg.ChainID)),
		built:   make(map[string]*chain.SignedTx),
	}
	c.logger.Info("EVM adapter ready",
		zap.String("network_id", cfg.NetworkID.String()),
		zap.String("escrow_contract", cfg.EscrowContract.Hex()),
		zap.String("resolver_address", c.address.Hex()))
	return c, nil
}

func (c *Client) ChainID() string      { return c.cfg.ChainID }
func (c *Client) Family() chain.Family { return chain.FamilyEVM }
func (c *Client) Address() string      { return c.address.Hex() }

func (c *Client) Capabilities() chain.Capabilities {
	return chain.Capabilities{SourceLegs: true, ClaimForBeneficiary: true}
}

func (c *Client) Clock(head chain.Head) swap.Clock {
	return swap.Clock{Kind: swap.DeadlineTime, RefHeight: head.Height, RefTime: head.Time, BlockInterval: c.cfg.BlockInterval}
}

func (c *Client) Head(ctx context.Context) (chain.Head, error) {
	var h *types.Header
	err := c.pool.Do(ctx, "head", func(ctx context.Context) error {
		var err error
		h, err = c.rpc.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return chain.Head{}, err
	}
	return chain.Head{Height: h.Number.Uint64(), Hash: h.Hash().Hex(), Time: time.Unix(int64(h.Time), 0)}, nil
}

func (c *Client) BlockHash(ctx context.Context, height uint64) (string, error) {
	var h *types.Header
	err := c.pool.Do(ctx, "header", func(ctx context.Context) error {
		var err error
		h, err = c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		return err
	})
	if err != nil {
		return "", err
	}
	return h.Hash().Hex(), nil
}

// EstimateFee prices an action at twice the current base fee plus tip.
func (c *Client) EstimateFee(ctx context.Context, action chain.Action) (*big.Int, error) {
	tip, feeCap, err := c.feeParams(ctx)
	if err != nil {
		return nil, err
	}
	price := feeCap
	if c.cfg.Legacy {
		price = tip
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(c.cfg.GasLimits[action])), nil
}

// feeParams returns (tip, feeCap) for EIP-1559 or (gasPrice, gasPrice) for
// legacy transactions, capped by MaxFeePerGas.
func (c *Client) feeParams(ctx context.Context) (*big.Int, *big.Int, error) {
	if c.cfg.Legacy {
		var price *big.Int
		err := c.pool.Do(ctx, "gas_price", func(ctx context.Context) error {
			var err error
			price, err = c.rpc.SuggestGasPrice(ctx)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		price = c.capFee(price)
		return price, price, nil
	}
	var (
		tip  *big.Int
		head *types.Header
	)
	err := c.pool.Do(ctx, "fee_params", func(ctx context.Context) error {
		var err error
		if tip, err = c.rpc.SuggestGasTipCap(ctx); err != nil {
			return err
		}
		head, err = c.rpc.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	base := head.BaseFee
	if base == nil {
		base = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
	feeCap = c.capFee(feeCap)
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}
	return tip, feeCap, nil
}

func (c *Client) capFee(v *big.Int) *big.Int {
	if c.cfg.MaxFeePerGas != nil && c.cfg.MaxFeePerGas.Sign() > 0 && v.Cmp(c.cfg.MaxFeePerGas) > 0 {
		c.logger.Warn("Suggested gas price exceeds maximum",
			zap.String("suggested", v.String()),
			zap.String("max", c.cfg.MaxFeePerGas.String()))
		return new(big.Int).Set(c.cfg.MaxFeePerGas)
	}
	return v
}

// BuildAndSign builds the escrow call for req, signs it through the signing
// service and verifies the result before returning it.
func (c *Client) BuildAndSign(ctx context.Context, req *chain.TxRequest) (*chain.SignedTx, error) {
	unlock, err := c.locks.Lock(ctx, c.cfg.Key.DerivationPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cached, ok, err := c.cachedTx(ctx, req.Key())
	if err != nil {
		return nil, err
	}
	if ok {
		return cached, nil
	}

	data, value, err := c.callData(req)
	if err != nil {
		return nil, err
	}
	tip, feeCap, err := c.feeParams(ctx)
	if err != nil {
		return nil, err
	}
	gas := c.cfg.GasLimits[req.Action]
	if err := c.checkBalance(ctx, value, new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas))); err != nil {
		return nil, err
	}
	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return nil, err
	}

	to := c.cfg.EscrowContract
	var unsigned *types.Transaction
	if c.cfg.Legacy {
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce: nonce, GasPrice: feeCap, Gas: gas, To: &to, Value: value, Data: data,
		})
	} else {
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID: c.cfg.NetworkID, Nonce: nonce, GasTipCap: tip, GasFeeCap: feeCap,
			Gas: gas, To: &to, Value: value, Data: data,
		})
	}

	signed, err := c.sign(ctx, unsigned)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	if err := c.nonces.SetNonce(ctx, c.cfg.ChainID, c.address.Hex(), nonce+1); err != nil {
		return nil, fmt.Errorf("failed to persist nonce: %w", err)
	}

	tx := &chain.SignedTx{
		ChainID: c.cfg.ChainID,
		Key:     req.Key(),
		TxID:    signed.Hash().Hex(),
		Raw:     raw,
		Nonce:   nonce,
		Fee:     new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas)),
	}
	c.mu.Lock()
	c.built[req.Key()] = tx
	c.mu.Unlock()

	c.logger.Info("Signed transaction",
		zap.String("order_hash", req.Escrow.OrderHash),
		zap.String("action", string(req.Action)),
		zap.String("side", string(req.Escrow.Side)),
		zap.String("tx_hash", tx.TxID),
		zap.Uint64("nonce", nonce))
	return tx, nil
}

// cachedTx returns a previously built transaction whose nonce has not been
// consumed by something else. It fails rather than report a miss when the
// nonce cannot be checked, so a request never gets a second transaction.
func (c *Client) cachedTx(ctx context.Context, key string) (*chain.SignedTx, bool, error) {
	c.mu.Lock()
	tx, ok := c.built[key]
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	confirmed, err := c.confirmedNonce(ctx)
	if err != nil {
		return nil, false, err
	}
	if tx.Nonce >= confirmed {
		return tx, true, nil
	}
	st, err := c.TxStatus(ctx, tx)
	if err != nil {
		return nil, false, swap.Transient(c.cfg.ChainID, "tx_status", err)
	}
	if st.State == chain.TxIncluded || st.State == chain.TxPending {
		return tx, true, nil
	}
	c.mu.Lock()
	delete(c.built, key)
	c.mu.Unlock()
	return nil, false, nil
}

// confirmedNonce is the next nonce at the latest block.
func (c *Client) confirmedNonce(ctx context.Context) (uint64, error) {
	var confirmed uint64
	err := c.pool.Do(ctx, "nonce_at", func(ctx context.Context) error {
		var err error
		confirmed, err = c.rpc.NonceAt(ctx, c.address, nil)
		return err
	})
	if err != nil {
		return 0, swap.Transient(c.cfg.ChainID, "nonce_at", err)
	}
	return confirmed, nil
}

func (c *Client) nextNonce(ctx context.Context) (uint64, error) {
	var pending uint64
	err := c.pool.Do(ctx, "pending_nonce", func(ctx context.Context) error {
		var err error
		pending, err = c.rpc.PendingNonceAt(ctx, c.address)
		return err
	})
	if err != nil {
		return 0, err
	}
	stored, ok, err := c.nonces.GetNonce(ctx, c.cfg.ChainID, c.address.Hex())
	if err != nil {
		return 0, fmt.Errorf("failed to load nonce: %w", err)
	}
	if ok && stored > pending {
		return stored, nil
	}
	return pending, nil
}

func (c *Client) checkBalance(ctx context.Context, value, fee *big.Int) error {
	var bal *big.Int
	err := c.pool.Do(ctx, "balance", func(ctx context.Context) error {
		var err error
		bal, err = c.rpc.BalanceAt(ctx, c.address, nil)
		return err
	})
	if err != nil {
		return err
	}
	need := new(big.Int).Add(value, fee)
	if bal.Cmp(need) < 0 {
		return &swap.InsufficientFundsError{ChainID: c.cfg.ChainID, Account: c.address.Hex(), Need: need.String(), Have: bal.String()}
	}
	return nil
}

func (c *Client) sign(ctx context.Context, unsigned *types.Transaction) (*types.Transaction, error) {
	digest := c.txSign.Hash(unsigned)
	resp, err := c.signer.Sign(ctx, &signer.Request{
		DerivationPath: c.cfg.Key.DerivationPath,
		KeyVersion:     c.cfg.Key.KeyVersion,
		Scheme:         signer.SchemeSecp256k1,
		Payload:        digest.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if len(resp.PublicKey) > 0 && !samePubkey(resp.PublicKey, c.cfg.Key.PublicKey) {
		return nil, c.mismatch("service returned an unexpected public key")
	}
	sig, err := sigs.ReconstructSecp256k1(digest.Bytes(), resp.Signature, c.cfg.Key.PublicKey)
	if err != nil {
		return nil, c.mismatch(err.Error())
	}
	signed, err := unsigned.WithSignature(c.txSign, sig)
	if err != nil {
		return nil, c.mismatch(err.Error())
	}
	sender, err := types.Sender(c.txSign, signed)
	if err != nil || sender != c.address {
		return nil, c.mismatch(fmt.Sprintf("recovered sender %s", sender.Hex()))
	}
	return signed, nil
}

func (c *Client) mismatch(reason string) error {
	metrics.SignatureMismatchesTotal.WithLabelValues(c.cfg.ChainID).Inc()
	return &swap.SignatureMismatchError{ChainID: c.cfg.ChainID, DerivationPath: c.cfg.Key.DerivationPath, Reason: reason}
}

func samePubkey(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	pa, errA := normalizePub(a)
	pb, errB := normalizePub(b)
	return errA == nil && errB == nil && bytes.Equal(pa, pb)
}

func normalizePub(p []byte) ([]byte, error) {
	if len(p) == 65 {
		k, err := crypto.UnmarshalPubkey(p)
		if err != nil {
			return nil, err
		}
		return crypto.CompressPubkey(k), nil
	}
	return p, nil
}

func (c *Client) callData(req *chain.TxRequest) ([]byte, *big.Int, error) {
	orderHash, err := swap.DecodeHash32(req.Escrow.OrderHash)
	if err != nil {
		return nil, nil, err
	}
	side := sideCode(req.Escrow.Side)
	switch req.Action {
	case chain.ActionLock:
		ref := req.Escrow
		call := &escrowCall{
			orderHash:     orderHash,
			side:          ref.Side,
			maker:         common.HexToAddress(ref.Maker),
			depositor:     common.HexToAddress(ref.Depositor),
			beneficiary:   common.HexToAddress(ref.Beneficiary),
			token:         tokenAddress(ref.Asset),
			amount:        ref.Amount,
			safetyDeposit: zeroIfNil(ref.SafetyDeposit),
			hashlock:      ref.Hashlock,
			timelocks:     packTimelocks(ref.Schedule),
		}
		data, err := packCreateEscrow(call)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to pack createEscrow: %w", err)
		}
		value := new(big.Int).Set(call.safetyDeposit)
		if ref.Side == swap.SideDestination && call.token == nativeToken {
			value.Add(value, ref.Amount)
		}
		return data, value, nil
	case chain.ActionClaim:
		if req.Secret == nil {
			return nil, nil, errors.New("claim requires the secret")
		}
		data, err := escrowABI.Pack("claim", orderHash, side, [32]byte(*req.Secret))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to pack claim: %w", err)
		}
		return data, new(big.Int), nil
	case chain.ActionRefund:
		data, err := escrowABI.Pack("refund", orderHash, side)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to pack refund: %w", err)
		}
		return data, new(big.Int), nil
	default:
		return nil, nil, fmt.Errorf("unsupported action %q", req.Action)
	}
}

// Broadcast sends the raw transaction. Nodes that already have it are
// treated as success.
func (c *Client) Broadcast(ctx context.Context, tx *chain.SignedTx) error {
	decoded := new(types.Transaction)
	if err := decoded.UnmarshalBinary(tx.Raw); err != nil {
		return chain.Permanent(fmt.Errorf("failed to decode raw transaction: %w", err))
	}
	err := c.pool.Do(ctx, "send", func(ctx context.Context) error {
		err := c.rpc.SendTransaction(ctx, decoded)
		if err == nil || isKnownTx(err) {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return &swap.InsufficientFundsError{ChainID: c.cfg.ChainID, Account: c.address.Hex(), Need: decoded.Cost().String(), Have: "unknown"}
		}
		if strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
			if _, rerr := c.rpc.TransactionReceipt(ctx, decoded.Hash()); rerr == nil {
				return nil
			}
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

func isKnownTx(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func actionOf(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// TxStatus reports a transaction without a receipt as dropped once its nonce
// was consumed at the latest block by another transaction.
func (c *Client) TxStatus(ctx context.Context, tx *chain.SignedTx) (*chain.TxStatus, error) {
	// The nonce is read before the receipt so an inclusion in between is
	// still seen as included.
	confirmed, err := c.confirmedNonce(ctx)
	if err != nil {
		return nil, err
	}
	var receipt *types.Receipt
	err = c.pool.Do(ctx, "receipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.rpc.TransactionReceipt(ctx, common.HexToHash(tx.TxID))
		if errors.Is(err, geth.NotFound) {
			receipt = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		if tx.Nonce < confirmed {
			return &chain.TxStatus{State: chain.TxDropped}, nil
		}
		return &chain.TxStatus{State: chain.TxPending}, nil
	}
	head, err := c.Head(ctx)
	if err != nil {
		return nil, err
	}
	height := receipt.BlockNumber.Uint64()
	st := &chain.TxStatus{State: chain.TxIncluded, Height: height, BlockHash: receipt.BlockHash.Hex()}
	if head.Height >= height {
		st.Confirmations = head.Height - height + 1
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		st.State = chain.TxFailed
	}
	return st, nil
}

func (c *Client) Escrow(ctx context.Context, ref chain.EscrowRef) (*chain.EscrowState, error) {
	orderHash, err := swap.DecodeHash32(ref.OrderHash)
	if err != nil {
		return nil, err
	}
	data, err := escrowABI.Pack("getEscrow", orderHash, sideCode(ref.Side))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getEscrow: %w", err)
	}
	to := c.cfg.EscrowContract
	var out []byte
	err = c.pool.Do(ctx, "get_escrow", func(ctx context.Context) error {
		var err error
		out, err = c.rpc.CallContract(ctx, geth.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	var view escrowView
	if err := escrowABI.UnpackIntoInterface(&view, "getEscrow", out); err != nil {
		return nil, fmt.Errorf("failed to unpack getEscrow: %w", err)
	}
	if view.Status == statusNone {
		return &chain.EscrowState{Exists: false}, nil
	}
	st := &chain.EscrowState{
		Exists:   true,
		Status:   escrowStatus(view.Status),
		Hashlock: swap.Hashlock(view.Hashlock),
		Schedule: unpackTimelocks(view.Timelocks, ref.Schedule),
		Amount:   view.Amount,
	}
	if view.Status == statusClaimed && view.Secret != [32]byte{} {
		s := swap.Secret(view.Secret)
		st.Secret = &s
	}
	return st, nil
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var _ chain.Adapter = (*Client)(nil)
