// Package solana is the chain adapter for Ed25519 account ledgers using the
// Solana transaction format and JSON-RPC API.
package solana

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKey is a 32 byte account address.
type PublicKey [32]byte

// SystemProgram is the native program owning plain wallet accounts.
var SystemProgram = PublicKey{}

func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid base58 public key: %w", err)
	}
	if len(b) != len(pk) {
		return pk, fmt.Errorf("public key must be 32 bytes, got %d", len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (p PublicKey) String() string { return base58.Encode(p[:]) }

// OnCurve reports whether the key is a valid Ed25519 point.
func (p PublicKey) OnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(p[:])
	return err == nil
}

var ErrNoProgramAddress = errors.New("unable to find a viable program address")

// FindProgramAddress derives the off-curve address for seeds under program,
// searching bump seeds from 255 down.
func FindProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, ErrNoProgramAddress
}

func CreateProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, error) {
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > 32 {
			return PublicKey{}, fmt.Errorf("seed longer than 32 bytes")
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte("ProgramDerivedAddress"))
	var pk PublicKey
	copy(pk[:], h.Sum(nil))
	if pk.OnCurve() {
		return PublicKey{}, ErrNoProgramAddress
	}
	return pk, nil
}

type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Message is a compiled legacy message.
type Message struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
	AccountKeys                 []PublicKey
	RecentBlockhash             [32]byte
	Instructions                []compiledInstruction
}

type compiledInstruction struct {
	programIndex uint8
	accounts     []uint8
	data         []byte
}

// NewMessage orders accounts as the runtime expects: the fee payer, then
// writable signers, readonly signers, writable and readonly non-signers.
func NewMessage(payer PublicKey, blockhash [32]byte, ixs ...Instruction) (*Message, error) {
	type entry struct {
		key      PublicKey
		signer   bool
		writable bool
	}
	var order []PublicKey
	seen := map[PublicKey]*entry{}
	add := func(k PublicKey, signer, writable bool) {
		if e, ok := seen[k]; ok {
			e.signer = e.signer || signer
			e.writable = e.writable || writable
			return
		}
		seen[k] = &entry{key: k, signer: signer, writable: writable}
		order = append(order, k)
	}
	add(payer, true, true)
	for _, ix := range ixs {
		for _, a := range ix.Accounts {
			add(a.PublicKey, a.IsSigner, a.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	var groups [4][]PublicKey
	for _, k := range order {
		e := seen[k]
		switch {
		case e.signer && e.writable:
			groups[0] = append(groups[0], k)
		case e.signer:
			groups[1] = append(groups[1], k)
		case e.writable:
			groups[2] = append(groups[2], k)
		default:
			groups[3] = append(groups[3], k)
		}
	}
	m := &Message{RecentBlockhash: blockhash}
	for _, g := range groups {
		m.AccountKeys = append(m.AccountKeys, g...)
	}
	if len(m.AccountKeys) > 256 {
		return nil, fmt.Errorf("too many accounts: %d", len(m.AccountKeys))
	}
	m.NumRequiredSignatures = uint8(len(groups[0]) + len(groups[1]))
	m.NumReadonlySignedAccounts = uint8(len(groups[1]))
	m.NumReadonlyUnsignedAccounts = uint8(len(groups[3]))

	index := make(map[PublicKey]uint8, len(m.AccountKeys))
	for i, k := range m.AccountKeys {
		index[k] = uint8(i)
	}
	for _, ix := range ixs {
		ci := compiledInstruction{programIndex: index[ix.ProgramID], data: ix.Data}
		for _, a := range ix.Accounts {
			ci.accounts = append(ci.accounts, index[a.PublicKey])
		}
		m.Instructions = append(m.Instructions, ci)
	}
	return m, nil
}

// Serialize returns the exact bytes that are signed.
func (m *Message) Serialize() []byte {
	var b bytes.Buffer
	b.WriteByte(m.NumRequiredSignatures)
	b.WriteByte(m.NumReadonlySignedAccounts)
	b.WriteByte(m.NumReadonlyUnsignedAccounts)
	writeCompactU16(&b, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b.Write(k[:])
	}
	b.Write(m.RecentBlockhash[:])
	writeCompactU16(&b, len(m.Instructions))
	for _, ix := range m.Instructions {
		b.WriteByte(ix.programIndex)
		writeCompactU16(&b, len(ix.accounts))
		b.Write(ix.accounts)
		writeCompactU16(&b, len(ix.data))
		b.Write(ix.data)
	}
	return b.Bytes()
}

// EncodeTransaction prefixes the message with its signatures.
func EncodeTransaction(sigs [][]byte, message []byte) []byte {
	var b bytes.Buffer
	writeCompactU16(&b, len(sigs))
	for _, s := range sigs {
		b.Write(s)
	}
	b.Write(message)
	return b.Bytes()
}

// DecodeTransaction splits a wire transaction into signatures and message.
func DecodeTransaction(raw []byte) ([][]byte, []byte, error) {
	n, off, err := readCompactU16(raw)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) < off+n*64 {
		return nil, nil, errors.New("transaction truncated")
	}
	sigs := make([][]byte, n)
	for i := range sigs {
		sigs[i] = raw[off+i*64 : off+(i+1)*64]
	}
	return sigs, raw[off+n*64:], nil
}

func writeCompactU16(b *bytes.Buffer, n int) {
	for {
		c := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			b.WriteByte(c)
			return
		}
		b.WriteByte(c | 0x80)
	}
}

func readCompactU16(b []byte) (int, int, error) {
	var n int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("compact-u16 truncated")
		}
		n |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return n, i + 1, nil
		}
	}
	return 0, 0, errors.New("compact-u16 overflow")
}
