package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// EscrowABI is the interface of the HTLC escrow contract deployed on every
// EVM ledger the coordinator serves.
const EscrowABI = `[
  {"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[
    {"name":"orderHash","type":"bytes32"},{"name":"side","type":"uint8"},
    {"name":"maker","type":"address"},{"name":"depositor","type":"address"},
    {"name":"beneficiary","type":"address"},{"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},{"name":"safetyDeposit","type":"uint256"},
    {"name":"hashlock","type":"bytes32"},{"name":"timelocks","type":"uint64[4]"}],"outputs":[]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
    {"name":"orderHash","type":"bytes32"},{"name":"side","type":"uint8"},{"name":"secret","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"orderHash","type":"bytes32"},{"name":"side","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[
    {"name":"orderHash","type":"bytes32"},{"name":"side","type":"uint8"}],"outputs":[
    {"name":"status","type":"uint8"},{"name":"hashlock","type":"bytes32"},
    {"name":"amount","type":"uint256"},{"name":"timelocks","type":"uint64[4]"},
    {"name":"secret","type":"bytes32"}]},
  {"type":"event","name":"OrderCommitted","anonymous":false,"inputs":[
    {"name":"orderHash","type":"bytes32","indexed":true},{"name":"maker","type":"address","indexed":true},
    {"name":"srcAsset","type":"address","indexed":false},{"name":"srcAmount","type":"uint256","indexed":false},
    {"name":"dstChainId","type":"string","indexed":false},{"name":"dstAsset","type":"string","indexed":false},
    {"name":"dstAmount","type":"uint256","indexed":false},{"name":"dstAddress","type":"string","indexed":false},
    {"name":"resolverFee","type":"uint256","indexed":false},{"name":"safetyDepositBps","type":"uint32","indexed":false},
    {"name":"createdAt","type":"uint64","indexed":false},{"name":"expiry","type":"uint64","indexed":false}]},
  {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[
    {"name":"orderHash","type":"bytes32","indexed":true},{"name":"side","type":"uint8","indexed":false},
    {"name":"hashlock","type":"bytes32","indexed":false}]},
  {"type":"event","name":"Claimed","anonymous":false,"inputs":[
    {"name":"orderHash","type":"bytes32","indexed":true},{"name":"side","type":"uint8","indexed":false},
    {"name":"secret","type":"bytes32","indexed":false}]},
  {"type":"event","name":"Refunded","anonymous":false,"inputs":[
    {"name":"orderHash","type":"bytes32","indexed":true},{"name":"side","type":"uint8","indexed":false}]}
]`

var escrowABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		panic(fmt.Sprintf("invalid escrow ABI: %v", err))
	}
	escrowABI = parsed
}

// on-chain escrow status codes
const (
	statusNone uint8 = iota
	statusPending
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

func escrowStatus(c uint8) swap.EscrowStatus {
	switch c {
	case statusMatched:
		return swap.EscrowMatched
	case statusClaimed:
		return swap.EscrowClaimed
	case statusRefunded:
		return swap.EscrowRefunded
	default:
		return swap.EscrowPending
	}
}

func packTimelocks(s swap.Schedule) [4]uint64 {
	return [4]uint64{s.DstWithdraw.Value, s.DstCancel.Value, s.SrcWithdraw.Value, s.SrcCancel.Value}
}

// unpackTimelocks takes deadline kinds from like, since the contract only
// stores values.
func unpackTimelocks(v [4]uint64, like swap.Schedule) swap.Schedule {
	return swap.Schedule{
		DstWithdraw: swap.Deadline{Kind: like.DstWithdraw.Kind, Value: v[0]},
		DstCancel:   swap.Deadline{Kind: like.DstCancel.Kind, Value: v[1]},
		SrcWithdraw: swap.Deadline{Kind: like.SrcWithdraw.Kind, Value: v[2]},
		SrcCancel:   swap.Deadline{Kind: like.SrcCancel.Kind, Value: v[3]},
	}
}

func packCreateEscrow(ref *escrowCall) ([]byte, error) {
	return escrowABI.Pack("createEscrow",
		ref.orderHash, sideCode(ref.side), ref.maker, ref.depositor, ref.beneficiary,
		ref.token, ref.amount, ref.safetyDeposit, ref.hashlock, ref.timelocks)
}

type escrowCall struct {
	orderHash     [32]byte
	side          swap.Side
	maker         common.Address
	depositor     common.Address
	beneficiary   common.Address
	token         common.Address
	amount        *big.Int
	safetyDeposit *big.Int
	hashlock      [32]byte
	timelocks     [4]uint64
}

type escrowView struct {
	Status    uint8
	Hashlock  [32]byte
	Amount    *big.Int
	Timelocks [4]uint64
	Secret    [32]byte
}

// nativeToken marks native currency in the token field.
var nativeToken = common.Address{}

func tokenAddress(asset string) common.Address {
	if asset == "" || strings.EqualFold(asset, "native") {
		return nativeToken
	}
	return common.HexToAddress(asset)
}
