package solana

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// Escrow program instructions are tagged with the first 8 bytes of
// sha256("global:<name>") and carry little endian fixed size arguments.
func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

var (
	ixCreateEscrow = discriminator("create_escrow")
	ixClaim        = discriminator("claim")
	ixRefund       = discriminator("refund")

	escrowAccountTag = func() [8]byte {
		sum := sha256.Sum256([]byte("account:Escrow"))
		var d [8]byte
		copy(d[:], sum[:8])
		return d
	}()
)

const (
	statusPending uint8 = iota + 1
	statusMatched
	statusClaimed
	statusRefunded
)

func sideCode(s swap.Side) uint8 {
	if s == swap.SideDestination {
		return 1
	}
	return 0
}

func sideFromCode(c uint8) swap.Side {
	if c == 1 {
		return swap.SideDestination
	}
	return swap.SideSource
}

// EscrowAddress is the program account holding one leg.
func EscrowAddress(program PublicKey, orderHash [32]byte, side swap.Side) (PublicKey, uint8, error) {
	return FindProgramAddress([][]byte{[]byte("escrow"), orderHash[:], {sideCode(side)}}, program)
}

// OrderAddress is the account where a maker pre-authorizes source funds.
func OrderAddress(program PublicKey, orderHash [32]byte) (PublicKey, uint8, error) {
	return FindProgramAddress([][]byte{[]byte("order"), orderHash[:]}, program)
}

type escrowArgs struct {
	orderHash   [32]byte
	side        swap.Side
	maker       PublicKey
	depositor   PublicKey
	beneficiary PublicKey
	mint        PublicKey
	amount      uint64
	deposit     uint64
	hashlock    [32]byte
	timelocks   [4]uint64
}

func (a *escrowArgs) encode() []byte {
	var b bytes.Buffer
	b.Write(ixCreateEscrow[:])
	b.Write(a.orderHash[:])
	b.WriteByte(sideCode(a.side))
	b.Write(a.maker[:])
	b.Write(a.depositor[:])
	b.Write(a.beneficiary[:])
	b.Write(a.mint[:])
	_ = binary.Write(&b, binary.LittleEndian, a.amount)
	_ = binary.Write(&b, binary.LittleEndian, a.deposit)
	b.Write(a.hashlock[:])
	_ = binary.Write(&b, binary.LittleEndian, a.timelocks)
	return b.Bytes()
}

func claimData(orderHash [32]byte, side swap.Side, secret [32]byte) []byte {
	out := make([]byte, 0, 8+32+1+32)
	out = append(out, ixClaim[:]...)
	out = append(out, orderHash[:]...)
	out = append(out, sideCode(side))
	return append(out, secret[:]...)
}

func refundData(orderHash [32]byte, side swap.Side) []byte {
	out := make([]byte, 0, 8+32+1)
	out = append(out, ixRefund[:]...)
	out = append(out, orderHash[:]...)
	return append(out, sideCode(side))
}

func packTimelocks(s swap.Schedule) [4]uint64 {
	return [4]uint64{s.DstWithdraw.Value, s.DstCancel.Value, s.SrcWithdraw.Value, s.SrcCancel.Value}
}

// escrowAccount is the on-chain layout of an escrow account after the
// 8 byte account tag.
type escrowAccount struct {
	Status    uint8
	Side      uint8
	OrderHash [32]byte
	Hashlock  [32]byte
	Amount    uint64
	Timelocks [4]uint64
	Secret    [32]byte
}

const escrowAccountSize = 8 + 1 + 1 + 32 + 32 + 8 + 32 + 32

func decodeEscrowAccount(data []byte) (*escrowAccount, error) {
	if len(data) < escrowAccountSize {
		return nil, fmt.Errorf("escrow account too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], escrowAccountTag[:]) {
		return nil, errors.New("account is not an escrow")
	}
	var acc escrowAccount
	if err := binary.Read(bytes.NewReader(data[8:escrowAccountSize]), binary.LittleEndian, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func encodeEscrowAccount(acc *escrowAccount) []byte {
	var b bytes.Buffer
	b.Write(escrowAccountTag[:])
	_ = binary.Write(&b, binary.LittleEndian, acc)
	return b.Bytes()
}

func (a *escrowAccount) state(like swap.Schedule) *chain.EscrowState {
	st := &chain.EscrowState{
		Exists:   true,
		Hashlock: swap.Hashlock(a.Hashlock),
		Amount:   new(big.Int).SetUint64(a.Amount),
		Schedule: swap.Schedule{
			DstWithdraw: swap.Deadline{Kind: like.DstWithdraw.Kind, Value: a.Timelocks[0]},
			DstCancel:   swap.Deadline{Kind: like.DstCancel.Kind, Value: a.Timelocks[1]},
			SrcWithdraw: swap.Deadline{Kind: like.SrcWithdraw.Kind, Value: a.Timelocks[2]},
			SrcCancel:   swap.Deadline{Kind: like.SrcCancel.Kind, Value: a.Timelocks[3]},
		},
	}
	switch a.Status {
	case statusMatched:
		st.Status = swap.EscrowMatched
	case statusClaimed:
		st.Status = swap.EscrowClaimed
		if a.Secret != [32]byte{} {
			s := swap.Secret(a.Secret)
			st.Secret = &s
		}
	case statusRefunded:
		st.Status = swap.EscrowRefunded
	default:
		st.Status = swap.EscrowPending
	}
	return st
}
