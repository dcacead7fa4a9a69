package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var ErrNotHTLC = errors.New("script is not a swap HTLC")

// HTLC is the parsed form of the escrow redeem script:
//
//	<orderHash> OP_DROP
//	OP_IF
//	    OP_SHA256 <hashlock> OP_EQUALVERIFY <beneficiary>
//	OP_ELSE
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP <depositor>
//	OP_ENDIF
//	OP_CHECKSIG
//
// The leading push tags the output with its order so spends can be matched
// back to swaps from the witness alone.
type HTLC struct {
	OrderHash   [32]byte
	Hashlock    [32]byte
	Beneficiary []byte
	Depositor   []byte
	LockTime    uint32
}

// Script returns the redeem script.
func (h *HTLC) Script() ([]byte, error) {
	if _, err := btcec.ParsePubKey(h.Beneficiary); err != nil {
		return nil, fmt.Errorf("invalid beneficiary key: %w", err)
	}
	if _, err := btcec.ParsePubKey(h.Depositor); err != nil {
		return nil, fmt.Errorf("invalid depositor key: %w", err)
	}
	if h.LockTime == 0 {
		return nil, errors.New("locktime is required")
	}
	return txscript.NewScriptBuilder().
		AddData(h.OrderHash[:]).AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_SHA256).AddData(h.Hashlock[:]).AddOp(txscript.OP_EQUALVERIFY).
		AddData(h.Beneficiary).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(h.LockTime)).AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).AddOp(txscript.OP_DROP).
		AddData(h.Depositor).
		AddOp(txscript.OP_ENDIF).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// PkScript returns the P2WSH output script paying to the redeem script.
func (h *HTLC) PkScript() ([]byte, error) {
	script, err := h.Script()
	if err != nil {
		return nil, err
	}
	return witnessScriptHash(script), nil
}

// Address returns the P2WSH address of the escrow.
func (h *HTLC) Address(params *chaincfg.Params) (btcutil.Address, error) {
	script, err := h.Script()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(script)
	return btcutil.NewAddressWitnessScriptHash(sum[:], params)
}

func witnessScriptHash(script []byte) []byte {
	sum := sha256.Sum256(script)
	out := make([]byte, 0, 34)
	out = append(out, txscript.OP_0, txscript.OP_DATA_32)
	return append(out, sum[:]...)
}

// ParseHTLC recognizes a redeem script built by HTLC.Script.
func ParseHTLC(script []byte) (*HTLC, error) {
	type step struct {
		op      byte
		dataLen int
	}
	// dataLen > 0 means a push of exactly that length; -1 means the locktime.
	layout := []step{
		{dataLen: 32}, {op: txscript.OP_DROP},
		{op: txscript.OP_IF},
		{op: txscript.OP_SHA256}, {dataLen: 32}, {op: txscript.OP_EQUALVERIFY},
		{dataLen: 33},
		{op: txscript.OP_ELSE},
		{dataLen: -1}, {op: txscript.OP_CHECKLOCKTIMEVERIFY}, {op: txscript.OP_DROP},
		{dataLen: 33},
		{op: txscript.OP_ENDIF},
		{op: txscript.OP_CHECKSIG},
	}

	var (
		h      HTLC
		pushes [][]byte
		lock   int64
	)
	tok := txscript.MakeScriptTokenizer(0, script)
	for i := 0; i < len(layout); i++ {
		if !tok.Next() {
			return nil, ErrNotHTLC
		}
		want := layout[i]
		switch {
		case want.dataLen == -1:
			v, err := scriptInt(tok.Opcode(), tok.Data())
			if err != nil {
				return nil, ErrNotHTLC
			}
			lock = v
		case want.dataLen > 0:
			if len(tok.Data()) != want.dataLen || tok.Opcode() != byte(want.dataLen) {
				return nil, ErrNotHTLC
			}
			pushes = append(pushes, tok.Data())
		default:
			if tok.Opcode() != want.op {
				return nil, ErrNotHTLC
			}
		}
	}
	if tok.Next() || tok.Err() != nil {
		return nil, ErrNotHTLC
	}
	if lock <= 0 || lock > int64(^uint32(0)) {
		return nil, ErrNotHTLC
	}
	copy(h.OrderHash[:], pushes[0])
	copy(h.Hashlock[:], pushes[1])
	h.Beneficiary = bytes.Clone(pushes[2])
	h.Depositor = bytes.Clone(pushes[3])
	h.LockTime = uint32(lock)
	return &h, nil
}

// scriptInt decodes a minimally pushed script number of up to 5 bytes.
func scriptInt(op byte, data []byte) (int64, error) {
	if op >= txscript.OP_1 && op <= txscript.OP_16 {
		return int64(op - (txscript.OP_1 - 1)), nil
	}
	if len(data) == 0 || len(data) > 5 {
		return 0, ErrNotHTLC
	}
	var v int64
	for i, b := range data {
		v |= int64(b) << (8 * i)
	}
	last := data[len(data)-1]
	if last&0x80 != 0 {
		v &^= int64(0x80) << (8 * (len(data) - 1))
		v = -v
	}
	return v, nil
}

// ClaimWitness spends the hashlock branch.
func ClaimWitness(sig []byte, secret [32]byte, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, secret[:], {0x01}, script}
}

// RefundWitness spends the timelock branch.
func RefundWitness(sig []byte, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, {}, script}
}

// spendKind inspects a P2WSH witness and reports whether it spends an HTLC
// and through which branch.
func spendKind(w wire.TxWitness) (*HTLC, *[32]byte, bool) {
	if len(w) != 3 && len(w) != 4 {
		return nil, nil, false
	}
	h, err := ParseHTLC(w[len(w)-1])
	if err != nil {
		return nil, nil, false
	}
	if len(w) == 4 {
		if !bytes.Equal(w[2], []byte{0x01}) || len(w[1]) != 32 {
			return nil, nil, false
		}
		var secret [32]byte
		copy(secret[:], w[1])
		if sha256.Sum256(secret[:]) != h.Hashlock {
			return nil, nil, false
		}
		return h, &secret, true
	}
	if len(w[1]) != 0 {
		return nil, nil, false
	}
	return h, nil, true
}

func p2wpkhScript(pub []byte, params *chaincfg.Params) ([]byte, btcutil.Address, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), params)
	if err != nil {
		return nil, nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}
	return script, addr, nil
}
