// Package bitcoin is the chain adapter for UTXO ledgers with segwit script
// support. Escrows are P2WSH outputs locked by an HTLC redeem script.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/chain/sigs"
	"github.com/chainsafe/swap-coordinator/pkg/signer"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// RPC is the subset of rpcclient.Client the adapter uses. The node must run
// with a transaction index so confirmed transactions can be looked up.
type RPC interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawTransactionVerbose(hash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetTxOut(hash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
	ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error)
}

var _ RPC = (*rpcclient.Client)(nil)

// RPCConfig configures the node connection.
type RPCConfig struct {
	Host       string
	User       string
	Pass       string
	DisableTLS bool
}

// Dial connects to a bitcoind compatible node over HTTP POST.
func Dial(cfg RPCConfig) (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
}

// NetworkParams maps a network name to its parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", name)
	}
}

type Config struct {
	ChainID       string
	Params        *chaincfg.Params
	BlockInterval time.Duration
	// ConfTarget is the estimatesmartfee confirmation target in blocks.
	ConfTarget int64
	// FallbackFeeRate in sat/vB is used when the node has no estimate.
	FallbackFeeRate int64
	// DustRelayFeeRate in sat/vB prices the dust threshold.
	DustRelayFeeRate int64
	Key              chain.KeyRef
}

// Client implements chain.Adapter for UTXO ledgers.
type Client struct {
	cfg      Config
	rpc      RPC
	pool     *chain.Pool
	signer   signer.Service
	locks    *signer.PathLocker
	pkScript []byte
	address  btcutil.Address
	logger   *zap.Logger

	mu       sync.Mutex
	built    map[string]*chain.SignedTx
	reserved map[wire.OutPoint]string
	spends   map[wire.OutPoint]spend
}

type spend struct {
	status swap.EscrowStatus
	secret *swap.Secret
}

func NewClient(cfg Config, rpc RPC, pool *chain.Pool, svc signer.Service, locks *signer.PathLocker, logger *zap.Logger) (*Client, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("network params are required for chain %s", cfg.ChainID)
	}
	if _, err := btcec.ParsePubKey(cfg.Key.PublicKey); err != nil {
		return nil, fmt.Errorf("invalid public key for chain %s: %w", cfg.ChainID, err)
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 10 * time.Minute
	}
	if cfg.ConfTarget <= 0 {
		cfg.ConfTarget = 6
	}
	if cfg.FallbackFeeRate <= 0 {
		cfg.FallbackFeeRate = 10
	}
	if cfg.DustRelayFeeRate <= 0 {
		cfg.DustRelayFeeRate = 3
	}
	pkScript, addr, err := p2wpkhScript(cfg.Key.PublicKey, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive resolver address: %w", err)
	}
	c := &Client{
		cfg:      cfg,
		rpc:      rpc,
		pool:     pool,
		signer:   svc,
		locks:    locks,
		pkScript: pkScript,
		address:  addr,
		logger:   logger.With(zap.String("chain", cfg.ChainID)),
		built:    make(map[string]*chain.SignedTx),
		reserved: make(map[wire.OutPoint]string),
		spends:   make(map[wire.OutPoint]spend),
	}
	c.logger.Info("UTXO adapter ready",
		zap.String("network", cfg.Params.Name),
		zap.String("resolver_address", addr.EncodeAddress()))
	return c, nil
}

func (c *Client) ChainID() string      { return c.cfg.ChainID }
func (c *Client) Family() chain.Family { return chain.FamilyUTXO }

// Address is the resolver's compressed public key in hex, the identity HTLC
// scripts commit to.
func (c *Client) Address() string { return hex.EncodeToString(c.cfg.Key.PublicKey) }

// Capabilities: escrows cannot pull maker funds and claims must be signed by
// the beneficiary.
func (c *Client) Capabilities() chain.Capabilities {
	return chain.Capabilities{}
}

func (c *Client) Clock(head chain.Head) swap.Clock {
	return swap.Clock{Kind: swap.DeadlineHeight, RefHeight: head.Height, RefTime: head.Time, BlockInterval: c.cfg.BlockInterval}
}

func (c *Client) Head(ctx context.Context) (chain.Head, error) {
	var head chain.Head
	err := c.pool.Do(ctx, "head", func(ctx context.Context) error {
		count, err := c.rpc.GetBlockCount()
		if err != nil {
			return err
		}
		hash, err := c.rpc.GetBlockHash(count)
		if err != nil {
			return err
		}
		hdr, err := c.rpc.GetBlockHeader(hash)
		if err != nil {
			return err
		}
		head = chain.Head{Height: uint64(count), Hash: hash.String(), Time: hdr.Timestamp}
		return nil
	})
	return head, err
}

func (c *Client) BlockHash(ctx context.Context, height uint64) (string, error) {
	var hash *chainhash.Hash
	err := c.pool.Do(ctx, "block_hash", func(ctx context.Context) error {
		var err error
		hash, err = c.rpc.GetBlockHash(int64(height))
		return err
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// feeRate returns sat/vB.
func (c *Client) feeRate(ctx context.Context) int64 {
	var rate int64
	mode := btcjson.EstimateModeConservative
	err := c.pool.Do(ctx, "estimate_fee", func(ctx context.Context) error {
		res, err := c.rpc.EstimateSmartFee(c.cfg.ConfTarget, &mode)
		if err != nil {
			return err
		}
		if res.FeeRate == nil || *res.FeeRate <= 0 {
			return nil
		}
		// BTC/kvB to sat/vB
		rate = int64(*res.FeeRate*1e8/1000 + 0.5)
		return nil
	})
	if err != nil || rate <= 0 {
		if err != nil {
			c.logger.Warn("Fee estimation failed, using fallback", zap.Error(err))
		}
		return c.cfg.FallbackFeeRate
	}
	return rate
}

// Approximate virtual sizes for fee estimates before a transaction exists.
var estimatedVSize = map[chain.Action]int64{
	chain.ActionLock:   11 + 2*68 + 43 + 31,
	chain.ActionClaim:  11 + 139 + 31,
	chain.ActionRefund: 11 + 113 + 31,
}

func (c *Client) EstimateFee(ctx context.Context, action chain.Action) (*big.Int, error) {
	return big.NewInt(c.feeRate(ctx) * estimatedVSize[action]), nil
}

// dustThreshold mirrors the relay policy: an output is dust when spending it
// would cost more than its value at the dust relay fee rate.
func (c *Client) dustThreshold(pkScript []byte) int64 {
	outSize := int64(8 + 1 + len(pkScript))
	// segwit input: outpoint, sequence, empty script sig and a discounted
	// witness of a signature and a key
	inSize := int64(32 + 4 + 1 + 4 + 107/4)
	return (outSize + inSize) * c.cfg.DustRelayFeeRate
}

// BuildAndSign funds, claims or refunds an escrow output.
func (c *Client) BuildAndSign(ctx context.Context, req *chain.TxRequest) (*chain.SignedTx, error) {
	unlock, err := c.locks.Lock(ctx, c.cfg.Key.DerivationPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if cached, ok := c.cachedTx(ctx, req.Key()); ok {
		return cached, nil
	}

	htlc, err := htlcFor(req.Escrow)
	if err != nil {
		return nil, chain.Permanent(err)
	}
	var tx *chain.SignedTx
	switch req.Action {
	case chain.ActionLock:
		tx, err = c.buildLock(ctx, req, htlc)
	case chain.ActionClaim:
		if req.Secret == nil {
			return nil, chain.Permanent(errors.New("claim requires the secret"))
		}
		tx, err = c.buildSpend(ctx, req, htlc)
	case chain.ActionRefund:
		tx, err = c.buildSpend(ctx, req, htlc)
	default:
		return nil, fmt.Errorf("unsupported action %q", req.Action)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.built[req.Key()] = tx
	c.mu.Unlock()
	c.logger.Info("Signed transaction",
		zap.String("order_hash", req.Escrow.OrderHash),
		zap.String("action", string(req.Action)),
		zap.String("txid", tx.TxID),
		zap.String("fee", tx.Fee.String()))
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
	c.release(key)
	return nil, false
}

func (c *Client) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.built, key)
	for op, k := range c.reserved {
		if k == key {
			delete(c.reserved, op)
		}
	}
}

func htlcFor(ref chain.EscrowRef) (*HTLC, error) {
	orderHash, err := swap.DecodeHash32(ref.OrderHash)
	if err != nil {
		return nil, err
	}
	beneficiary, err := decodePubKey(ref.Beneficiary)
	if err != nil {
		return nil, fmt.Errorf("beneficiary: %w", err)
	}
	depositor, err := decodePubKey(ref.Depositor)
	if err != nil {
		return nil, fmt.Errorf("depositor: %w", err)
	}
	lock := ref.Schedule.DstCancel
	if ref.Side == swap.SideSource {
		lock = ref.Schedule.SrcCancel
	}
	if lock.Value == 0 || lock.Value > uint64(^uint32(0)) {
		return nil, fmt.Errorf("locktime %d out of range", lock.Value)
	}
	if lock.Kind == swap.DeadlineHeight && lock.Value >= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("height locktime %d collides with time locktimes", lock.Value)
	}
	return &HTLC{
		OrderHash:   orderHash,
		Hashlock:    ref.Hashlock,
		Beneficiary: beneficiary,
		Depositor:   depositor,
		LockTime:    uint32(lock.Value),
	}, nil
}

func (c *Client) buildLock(ctx context.Context, req *chain.TxRequest, htlc *HTLC) (*chain.SignedTx, error) {
	if req.Escrow.Amount == nil || !req.Escrow.Amount.IsInt64() || req.Escrow.Amount.Sign() <= 0 {
		return nil, chain.Permanent(fmt.Errorf("invalid escrow amount %v", req.Escrow.Amount))
	}
	amount := req.Escrow.Amount.Int64()
	escrowScript, err := htlc.PkScript()
	if err != nil {
		return nil, chain.Permanent(err)
	}
	if amount < c.dustThreshold(escrowScript) {
		return nil, chain.Permanent(fmt.Errorf("escrow amount %d is below the dust threshold", amount))
	}

	var utxos []btcjson.ListUnspentResult
	err = c.pool.Do(ctx, "list_unspent", func(ctx context.Context) error {
		var err error
		utxos, err = c.rpc.ListUnspentMinMaxAddresses(1, 9_999_999, []btcutil.Address{c.address})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Amount > utxos[j].Amount })

	rate := c.feeRate(ctx)
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(amount, escrowScript))
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))

	var (
		total int64
		fee   int64
		have  bool
	)
	c.mu.Lock()
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		op := wire.OutPoint{Hash: *hash, Index: u.Vout}
		if _, taken := c.reserved[op]; taken {
			continue
		}
		value, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			continue
		}
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		fetcher.AddPrevOut(op, wire.NewTxOut(int64(value), c.pkScript))
		total += int64(value)
		fee = rate * c.vsize(tx, true)
		if total >= amount+fee {
			have = true
			break
		}
	}
	c.mu.Unlock()
	if !have {
		return nil, &swap.InsufficientFundsError{
			ChainID: c.cfg.ChainID, Account: c.Address(),
			Need: fmt.Sprint(amount + fee), Have: fmt.Sprint(total),
		}
	}
	if change := total - amount - fee; change >= c.dustThreshold(c.pkScript) {
		tx.AddTxOut(wire.NewTxOut(change, c.pkScript))
	} else {
		fee = total - amount
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		digest, err := txscript.CalcWitnessSigHash(c.pkScript, sigHashes, txscript.SigHashAll, tx, i, prev.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to compute sighash: %w", err)
		}
		sig, err := c.sign(ctx, digest)
		if err != nil {
			return nil, err
		}
		in.Witness = wire.TxWitness{sig, c.cfg.Key.PublicKey}
	}
	if err := c.verifyInputs(tx, fetcher); err != nil {
		return nil, err
	}

	signed, err := c.finish(req, tx, fee, 0)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	for _, in := range tx.TxIn {
		c.reserved[in.PreviousOutPoint] = req.Key()
	}
	c.mu.Unlock()
	return signed, nil
}

// buildSpend claims or refunds the escrow output to the key of the branch
// being spent. The adapter can only sign for the branch whose key it holds.
func (c *Client) buildSpend(ctx context.Context, req *chain.TxRequest, htlc *HTLC) (*chain.SignedTx, error) {
	ref := req.Escrow
	if ref.LockTxID == "" {
		return nil, chain.Permanent(errors.New("escrow funding transaction is unknown"))
	}
	lockHash, err := chainhash.NewHashFromStr(ref.LockTxID)
	if err != nil {
		return nil, chain.Permanent(fmt.Errorf("invalid funding txid: %w", err))
	}
	claim := req.Action == chain.ActionClaim
	key := htlc.Depositor
	if claim {
		key = htlc.Beneficiary
	}
	if !samePub(key, c.cfg.Key.PublicKey) {
		return nil, chain.Permanent(fmt.Errorf("%s branch is not spendable by the resolver key", req.Action))
	}
	if ref.Amount == nil || !ref.Amount.IsInt64() {
		return nil, chain.Permanent(fmt.Errorf("invalid escrow amount %v", ref.Amount))
	}
	amount := ref.Amount.Int64()

	script, err := htlc.Script()
	if err != nil {
		return nil, chain.Permanent(err)
	}
	escrowScript := witnessScriptHash(script)
	op := wire.OutPoint{Hash: *lockHash, Index: ref.LockOutput}

	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&op, nil, nil)
	if !claim {
		tx.LockTime = htlc.LockTime
		in.Sequence = wire.MaxTxInSequenceNum - 1
	}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(0, c.pkScript))
	placeholder := make([]byte, 73)
	if claim {
		in.Witness = ClaimWitness(placeholder, [32]byte(*req.Secret), script)
	} else {
		in.Witness = RefundWitness(placeholder, script)
	}
	fee := c.feeRate(ctx) * c.vsize(tx, false)
	value := amount - fee
	if value < c.dustThreshold(c.pkScript) {
		return nil, chain.Permanent(fmt.Errorf("escrow of %d sat cannot cover fee %d", amount, fee))
	}
	tx.TxOut[0].Value = value

	fetcher := txscript.NewCannedPrevOutputFetcher(escrowScript, amount)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	digest, err := txscript.CalcWitnessSigHash(script, sigHashes, txscript.SigHashAll, tx, 0, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	sig, err := c.sign(ctx, digest)
	if err != nil {
		return nil, err
	}
	if claim {
		in.Witness = ClaimWitness(sig, [32]byte(*req.Secret), script)
	} else {
		in.Witness = RefundWitness(sig, script)
	}
	multi := txscript.NewMultiPrevOutFetcher(map[wire.OutPoint]*wire.TxOut{op: wire.NewTxOut(amount, escrowScript)})
	if err := c.verifyInputs(tx, multi); err != nil {
		return nil, err
	}
	return c.finish(req, tx, fee, 0)
}

// vsize estimates the virtual size, filling missing witnesses with
// placeholders the size of a P2WPKH spend.
func (c *Client) vsize(tx *wire.MsgTx, withChange bool) int64 {
	est := tx.Copy()
	for _, in := range est.TxIn {
		if len(in.Witness) == 0 {
			in.Witness = wire.TxWitness{make([]byte, 73), make([]byte, 33)}
		}
	}
	if withChange {
		est.AddTxOut(wire.NewTxOut(0, c.pkScript))
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(est))
	return (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor
}

// sign fetches a signature over digest and returns it DER encoded with the
// sighash type appended.
func (c *Client) sign(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := c.signer.Sign(ctx, &signer.Request{
		DerivationPath: c.cfg.Key.DerivationPath,
		KeyVersion:     c.cfg.Key.KeyVersion,
		Scheme:         signer.SchemeSecp256k1,
		Payload:        digest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign input: %w", err)
	}
	if len(resp.PublicKey) > 0 && !samePub(resp.PublicKey, c.cfg.Key.PublicKey) {
		return nil, c.mismatch("service returned an unexpected public key")
	}
	der, err := sigs.DERSecp256k1(digest, resp.Signature, c.cfg.Key.PublicKey)
	if err != nil {
		return nil, c.mismatch(err.Error())
	}
	return append(der, byte(txscript.SigHashAll)), nil
}

// verifyInputs runs every input through the script engine with standard
// policy flags.
func (c *Client) verifyInputs(tx *wire.MsgTx, fetcher txscript.PrevOutputFetcher) error {
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if prev == nil {
			return fmt.Errorf("missing previous output for input %d", i)
		}
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, prev.Value, fetcher)
		if err != nil {
			return c.mismatch(fmt.Sprintf("input %d: %v", i, err))
		}
		if err := vm.Execute(); err != nil {
			return c.mismatch(fmt.Sprintf("input %d: %v", i, err))
		}
	}
	return nil
}

func (c *Client) finish(req *chain.TxRequest, tx *wire.MsgTx, fee int64, output uint32) (*chain.SignedTx, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return &chain.SignedTx{
		ChainID: c.cfg.ChainID,
		Key:     req.Key(),
		TxID:    tx.TxHash().String(),
		Raw:     buf.Bytes(),
		Fee:     big.NewInt(fee),
		Output:  output,
	}, nil
}

func (c *Client) mismatch(reason string) error {
	metrics.SignatureMismatchesTotal.WithLabelValues(c.cfg.ChainID).Inc()
	return &swap.SignatureMismatchError{ChainID: c.cfg.ChainID, DerivationPath: c.cfg.Key.DerivationPath, Reason: reason}
}

// Broadcast submits the raw transaction. A node that already has it reports
// success.
func (c *Client) Broadcast(ctx context.Context, tx *chain.SignedTx) error {
	msg, err := decodeTx(tx.Raw)
	if err != nil {
		return chain.Permanent(err)
	}
	err = c.pool.Do(ctx, "send", func(ctx context.Context) error {
		_, err := c.rpc.SendRawTransaction(msg, false)
		if err == nil || isKnownTx(err) {
			return nil
		}
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && (rpcErr.Code == btcjson.ErrRPCVerify || rpcErr.Code == btcjson.ErrRPCDeserialization) {
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
	return strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "txn-already-known") ||
		strings.Contains(msg, "txn-already-in-mempool") ||
		strings.Contains(msg, "already have transaction")
}

func actionOf(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// TxStatus reports a transaction as dropped once any of its inputs has been
// spent by something else.
func (c *Client) TxStatus(ctx context.Context, tx *chain.SignedTx) (*chain.TxStatus, error) {
	hash, err := chainhash.NewHashFromStr(tx.TxID)
	if err != nil {
		return nil, chain.Permanent(err)
	}
	var (
		res   *btcjson.TxRawResult
		found bool
	)
	err = c.pool.Do(ctx, "get_raw_tx", func(ctx context.Context) error {
		r, err := c.rpc.GetRawTransactionVerbose(hash)
		if isNoTxInfo(err) {
			return nil
		}
		if err != nil {
			return err
		}
		res, found = r, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found {
		if res.Confirmations == 0 {
			return &chain.TxStatus{State: chain.TxPending}, nil
		}
		head, err := c.Head(ctx)
		if err != nil {
			return nil, err
		}
		st := &chain.TxStatus{State: chain.TxIncluded, BlockHash: res.BlockHash, Confirmations: res.Confirmations}
		if head.Height+1 >= res.Confirmations {
			st.Height = head.Height + 1 - res.Confirmations
		}
		return st, nil
	}

	msg, err := decodeTx(tx.Raw)
	if err != nil {
		return nil, chain.Permanent(err)
	}
	for _, in := range msg.TxIn {
		var out *btcjson.GetTxOutResult
		prev := in.PreviousOutPoint
		err := c.pool.Do(ctx, "get_tx_out", func(ctx context.Context) error {
			var err error
			out, err = c.rpc.GetTxOut(&prev.Hash, prev.Index, true)
			return err
		})
		if err != nil {
			return nil, err
		}
		if out == nil {
			return &chain.TxStatus{State: chain.TxDropped}, nil
		}
	}
	return &chain.TxStatus{State: chain.TxPending}, nil
}

func isNoTxInfo(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo
}

// Escrow reads the funding output. Spent outputs are resolved from spends
// seen by ScanEvents; an unresolved spend is reported as transient so callers
// retry after the monitor catches up.
func (c *Client) Escrow(ctx context.Context, ref chain.EscrowRef) (*chain.EscrowState, error) {
	if ref.LockTxID == "" {
		return &chain.EscrowState{Exists: false}, nil
	}
	hash, err := chainhash.NewHashFromStr(ref.LockTxID)
	if err != nil {
		return nil, chain.Permanent(err)
	}
	op := wire.OutPoint{Hash: *hash, Index: ref.LockOutput}

	c.mu.Lock()
	sp, spent := c.spends[op]
	c.mu.Unlock()
	if spent {
		return &chain.EscrowState{
			Exists: true, Status: sp.status, Hashlock: ref.Hashlock,
			Schedule: ref.Schedule, Amount: ref.Amount, Secret: sp.secret,
		}, nil
	}

	var out *btcjson.GetTxOutResult
	err = c.pool.Do(ctx, "get_tx_out", func(ctx context.Context) error {
		var err error
		out, err = c.rpc.GetTxOut(hash, ref.LockOutput, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		status, err := c.TxStatus(ctx, &chain.SignedTx{TxID: ref.LockTxID})
		if err == nil && status.State == chain.TxIncluded {
			return nil, swap.Transient(c.cfg.ChainID, "escrow", errors.New("escrow output spent by an unscanned transaction"))
		}
		return &chain.EscrowState{Exists: false}, nil
	}
	htlc, err := htlcFor(ref)
	if err != nil {
		return nil, chain.Permanent(err)
	}
	want, err := htlc.PkScript()
	if err != nil {
		return nil, chain.Permanent(err)
	}
	if !strings.EqualFold(out.ScriptPubKey.Hex, hex.EncodeToString(want)) {
		return nil, fmt.Errorf("output %s does not pay to the expected HTLC", op)
	}
	value, err := btcutil.NewAmount(out.Value)
	if err != nil {
		return nil, err
	}
	return &chain.EscrowState{
		Exists:   true,
		Status:   swap.EscrowMatched,
		Hashlock: ref.Hashlock,
		Schedule: ref.Schedule,
		Amount:   big.NewInt(int64(value)),
	}, nil
}

var _ chain.Adapter = (*Client)(nil)

func decodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	return tx, nil
}

// decodePubKey accepts a hex encoded compressed secp256k1 key.
func decodePubKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, err
	}
	return pub.SerializeCompressed(), nil
}

func samePub(a, b []byte) bool {
	pa, errA := btcec.ParsePubKey(a)
	pb, errB := btcec.ParsePubKey(b)
	return errA == nil && errB == nil && pa.IsEqual(pb)
}
