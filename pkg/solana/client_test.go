package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/signer"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// mockRPC answers JSON-RPC methods from canned values.
type mockRPC struct {
	responses map[string]interface{}
	calls     map[string]int
	txs       map[string]interface{}
}

func newMockRPC() *mockRPC {
	blockTime := int64(1_700_000_000)
	return &mockRPC{
		responses: map[string]interface{}{
			"getSlot":        uint64(250_000_000),
			"getBlock":       blockResult{Blockhash: base58.Encode(bytes.Repeat([]byte{9}, 32)), BlockTime: &blockTime},
			"getBlockHeight": uint64(230_000_000),
			"getBalance":     balanceResult{Value: 10_000_000_000},
			"getLatestBlockhash": map[string]interface{}{
				"value": map[string]interface{}{
					"blockhash":            base58.Encode(bytes.Repeat([]byte{7}, 32)),
					"lastValidBlockHeight": 230_000_150,
				},
			},
			"getSignatureStatuses": signatureStatusesResult{Value: []*signatureStatus{nil}},
			"sendTransaction":      "sig",
		},
		calls: map[string]int{},
		txs:   map[string]interface{}{},
	}
}

func (m *mockRPC) CallContext(_ context.Context, result interface{}, method string, args ...interface{}) error {
	m.calls[method]++
	var v interface{}
	switch method {
	case "getTransaction":
		v = m.txs[args[0].(string)]
	default:
		var ok bool
		if v, ok = m.responses[method]; !ok {
			return fmt.Errorf("unexpected method %s", method)
		}
	}
	if err, ok := v.(error); ok {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func withLogs(slot uint64, lines ...string) map[string]interface{} {
	return map[string]interface{}{
		"slot": slot,
		"meta": map[string]interface{}{"err": nil, "logMessages": lines},
	}
}

type fixture struct {
	rpc    *mockRPC
	client *Client
	pub    []byte
	maker  string
}

var program = PublicKey{1, 2, 3, 4, 5, 6, 7, 8}

func newFixture(t *testing.T, pinnedPath string) *fixture {
	t.Helper()
	local, err := signer.NewLocalSigner(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	ctx := context.Background()
	pinned, err := local.PublicKey(ctx, signer.SchemeEd25519, pinnedPath, 1)
	require.NoError(t, err)
	own, err := local.PublicKey(ctx, signer.SchemeEd25519, "m/swap/sol/0", 1)
	require.NoError(t, err)
	maker, err := local.PublicKey(ctx, signer.SchemeEd25519, "m/maker", 1)
	require.NoError(t, err)

	rpc := newMockRPC()
	c, err := NewClient(Config{
		ChainID: "solana",
		Program: program,
		Key:     chain.KeyRef{DerivationPath: "m/swap/sol/0", KeyVersion: 1, PublicKey: pinned},
	}, rpc, chain.NewPool("solana", chain.PoolConfig{MaxRetries: 1, InitialBackoff: time.Millisecond}),
		local, signer.NewPathLocker(), zap.NewNop())
	require.NoError(t, err)
	return &fixture{rpc: rpc, client: c, pub: own, maker: base58.Encode(maker)}
}

func (f *fixture) ref(secret swap.Secret) chain.EscrowRef {
	return chain.EscrowRef{
		OrderHash:     "0x" + secret.Hashlock().Hex(),
		Side:          swap.SideDestination,
		Hashlock:      secret.Hashlock(),
		Maker:         f.maker,
		Depositor:     base58.Encode(f.pub),
		Beneficiary:   f.maker,
		Asset:         "native",
		Amount:        big.NewInt(2_000_000),
		SafetyDeposit: big.NewInt(100_000),
		Schedule: swap.Schedule{
			DstWithdraw: swap.Deadline{Kind: swap.DeadlineTime, Value: 1_700_000_100},
			DstCancel:   swap.Deadline{Kind: swap.DeadlineTime, Value: 1_700_001_000},
			SrcWithdraw: swap.Deadline{Kind: swap.DeadlineTime, Value: 1_700_002_000},
			SrcCancel:   swap.Deadline{Kind: swap.DeadlineTime, Value: 1_700_003_000},
		},
	}
}

func TestCompactU16(t *testing.T) {
	for n, want := range map[int][]byte{
		0:     {0x00},
		127:   {0x7f},
		128:   {0x80, 0x01},
		16383: {0xff, 0x7f},
		16384: {0x80, 0x80, 0x01},
	} {
		var b bytes.Buffer
		writeCompactU16(&b, n)
		assert.Equal(t, want, b.Bytes(), "n=%d", n)
		got, size, err := readCompactU16(b.Bytes())
		require.NoError(t, err)
		assert.Equal(t, n, got)
		assert.Equal(t, len(want), size)
	}
}

func TestNewMessageAccountOrder(t *testing.T) {
	payer := PublicKey{0xaa}
	writable := PublicKey{0xbb}
	readonly := PublicKey{0xcc}
	prog := PublicKey{0xdd}
	m, err := NewMessage(payer, [32]byte{1}, Instruction{
		ProgramID: prog,
		Accounts: []AccountMeta{
			{PublicKey: readonly},
			{PublicKey: writable, IsWritable: true},
			{PublicKey: payer, IsSigner: true, IsWritable: true},
		},
		Data: []byte{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []PublicKey{payer, writable, readonly, prog}, m.AccountKeys)
	assert.Equal(t, uint8(1), m.NumRequiredSignatures)
	assert.Equal(t, uint8(0), m.NumReadonlySignedAccounts)
	assert.Equal(t, uint8(2), m.NumReadonlyUnsignedAccounts)
	assert.Equal(t, []uint8{2, 1, 0}, m.Instructions[0].accounts)
	assert.Equal(t, uint8(3), m.Instructions[0].programIndex)

	raw := m.Serialize()
	assert.Equal(t, []byte{1, 0, 2, 4}, raw[:4])
	assert.Equal(t, payer[:], raw[4:36])
}

func TestProgramAddressIsOffCurve(t *testing.T) {
	orderHash := [32]byte{0x42}
	a, bump, err := EscrowAddress(program, orderHash, swap.SideSource)
	require.NoError(t, err)
	assert.False(t, a.OnCurve())
	b, bump2, err := EscrowAddress(program, orderHash, swap.SideSource)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, bump, bump2)
	c, _, _ := EscrowAddress(program, orderHash, swap.SideDestination)
	assert.NotEqual(t, a, c)
}

func TestBuildAndSign_SignaturePrefixesMessage(t *testing.T) {
	f := newFixture(t, "m/swap/sol/0")
	secret, _ := swap.NewSecret()
	req := &chain.TxRequest{Action: chain.ActionLock, Escrow: f.ref(secret)}

	tx, err := f.client.BuildAndSign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(230_000_150), tx.ValidUntil)

	sigs, message, err := DecodeTransaction(tx.Raw)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.True(t, ed25519.Verify(f.pub, message, sigs[0]))
	assert.Equal(t, base58.Encode(sigs[0]), tx.TxID)
	assert.Equal(t, bytes.Repeat([]byte{7}, 32), message[4+32*int(message[3]):4+32*int(message[3])+32],
		"recent blockhash follows the account keys")

	again, err := f.client.BuildAndSign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, tx.Raw, again.Raw)
	assert.Equal(t, 1, f.rpc.calls["getLatestBlockhash"])
}

func TestBuildAndSign_RebuildsAfterBlockhashExpiry(t *testing.T) {
	f := newFixture(t, "m/swap/sol/0")
	secret, _ := swap.NewSecret()
	req := &chain.TxRequest{Action: chain.ActionLock, Escrow: f.ref(secret)}
	_, err := f.client.BuildAndSign(context.Background(), req)
	require.NoError(t, err)

	f.rpc.responses["getBlockHeight"] = uint64(230_000_151)
	_, err = f.client.BuildAndSign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.rpc.calls["getLatestBlockhash"])
}

func TestBuildAndSign_KeyMismatch(t *testing.T) {
	f := newFixture(t, "m/other")
	secret, _ := swap.NewSecret()
	_, err := f.client.BuildAndSign(context.Background(), &chain.TxRequest{Action: chain.ActionLock, Escrow: f.ref(secret)})
	var mismatch *swap.SignatureMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Zero(t, f.rpc.calls["sendTransaction"])
}

func TestBuildAndSign_InsufficientFunds(t *testing.T) {
	f := newFixture(t, "m/swap/sol/0")
	f.rpc.responses["getBalance"] = balanceResult{Value: 1000}
	secret, _ := swap.NewSecret()
	_, err := f.client.BuildAndSign(context.Background(), &chain.TxRequest{Action: chain.ActionLock, Escrow: f.ref(secret)})
	var funds *swap.InsufficientFundsError
	assert.ErrorAs(t, err, &funds)
}

func TestBroadcast_AlreadyProcessed(t *testing.T) {
	f := newFixture(t, "m/swap/sol/0")
	f.rpc.responses["sendTransaction"] = fmt.Errorf("Transaction simulation failed: This transaction has already been processed")
	assert.NoError(t, f.client.Broadcast(context.Background(), &chain.SignedTx{Key: "k/destination/lock", Raw: []byte{0}}))
}

func TestTxStatus(t *testing.T) {
	f := newFixture(t, "m/swap/sol/0")
	tx := &chain.SignedTx{TxID: "abc", ValidUntil: 230_000_150}

	st, err := f.client.TxStatus(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, chain.TxPending, st.State)

	conf := uint64(4)
	f.rpc.responses["getSignatureStatuses"] = signatureStatusesResult{Value: []*signatureStatus{
		{Slot: 249_999_990, Confirmations: &conf, ConfirmationStatus: "confirmed"},
	}}
	st, err = f.client.TxStatus(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, chain.TxIncluded, st.State)
	assert.Equal(t, uint64(5), st.Confirmations)

	f.rpc.responses["getSignatureStatuses"] = signatureStatusesResult{Value: []*signatureStatus{
		{Slot: 249_999_990, Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)},
	}}
	st, err = f.client.TxStatus(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, chain.TxFailed, st.State)
}

func TestScanEvents(t *testing.T) {
	f := newFixture(t, "m/swap/sol/0")
	secret, _ := swap.NewSecret()
	hash := secret.Hashlock().Hex()

	order := &swap.Order{
		Maker: f.maker, SourceChainID: "solana", SourceAsset: "native", SourceAmount: big.NewInt(5),
		DestinationChainID: "ethereum", DestinationAsset: "0x00", DestinationAmount: big.NewInt(7),
		DestinationAddress: "0x01", ResolverFee: big.NewInt(1), SafetyDepositBps: 500,
		CreatedAt: time.Unix(1_700_000_000, 0), Expiry: time.Unix(1_700_090_000, 0),
	}
	require.NoError(t, order.Seal())
	payload, _ := json.Marshal(order)

	f.rpc.responses["getSignaturesForAddress"] = []signatureInfo{
		{Signature: "late", Slot: 300},
		{Signature: "claim", Slot: 120},
		{Signature: "commit", Slot: 110},
		{Signature: "bad", Slot: 105, Err: json.RawMessage(`{"err":1}`)},
		{Signature: "old", Slot: 90},
	}
	f.rpc.txs["claim"] = withLogs(120,
		"Program "+program.String()+" invoke [1]",
		"Program log: swap:claimed "+hash+" 1 "+secret.Hex(),
	)
	f.rpc.txs["commit"] = withLogs(110,
		"Program log: swap:order_committed "+base64.StdEncoding.EncodeToString(payload),
	)

	events, err := f.client.ScanEvents(context.Background(), 100, 200)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, chain.EventOrderCommitted, events[0].Kind)
	assert.Equal(t, order.OrderHash, events[0].OrderHash)
	require.NotNil(t, events[0].Order)
	assert.Equal(t, uint64(110), events[0].Height)

	assert.Equal(t, chain.EventClaimed, events[1].Kind)
	assert.Equal(t, swap.SideDestination, events[1].Side)
	assert.Equal(t, "0x"+hash, events[1].OrderHash)
	require.NotNil(t, events[1].Secret)
	assert.Equal(t, secret, *events[1].Secret)
	assert.Equal(t, 2, f.rpc.calls["getTransaction"])
}

func TestEscrowAccount(t *testing.T) {
	f := newFixture(t, "m/swap/sol/0")
	secret, _ := swap.NewSecret()
	ref := f.ref(secret)

	f.rpc.responses["getAccountInfo"] = accountInfoResult{}
	st, err := f.client.Escrow(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, st.Exists)

	data := encodeEscrowAccount(&escrowAccount{
		Status:    statusClaimed,
		Side:      1,
		Hashlock:  [32]byte(ref.Hashlock),
		Amount:    2_000_000,
		Timelocks: packTimelocks(ref.Schedule),
		Secret:    [32]byte(secret),
	})
	f.rpc.responses["getAccountInfo"] = map[string]interface{}{
		"value": map[string]interface{}{
			"data":  []string{base64.StdEncoding.EncodeToString(data), "base64"},
			"owner": program.String(),
		},
	}
	st, err = f.client.Escrow(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, swap.EscrowClaimed, st.Status)
	assert.Equal(t, ref.Schedule, st.Schedule)
	require.NotNil(t, st.Secret)
	assert.Equal(t, secret, *st.Secret)
}
