package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

type orderCommitted struct {
	SrcAsset         common.Address
	SrcAmount        *big.Int
	DstChainId       string
	DstAsset         string
	DstAmount        *big.Int
	DstAddress       string
	ResolverFee      *big.Int
	SafetyDepositBps uint32
	CreatedAt        uint64
	Expiry           uint64
}

type claimedEvent struct {
	Side   uint8
	Secret [32]byte
}

// ScanEvents returns escrow contract events in [from, to] ordered by block
// and log index.
func (c *Client) ScanEvents(ctx context.Context, from, to uint64) ([]chain.LedgerEvent, error) {
	if to < from {
		return nil, nil
	}
	q := geth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.cfg.EscrowContract},
		Topics: [][]common.Hash{{
			escrowABI.Events["OrderCommitted"].ID,
			escrowABI.Events["EscrowCreated"].ID,
			escrowABI.Events["Claimed"].ID,
			escrowABI.Events["Refunded"].ID,
		}},
	}
	var logs []types.Log
	err := c.pool.Do(ctx, "filter_logs", func(ctx context.Context) error {
		var err error
		logs, err = c.rpc.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber == logs[j].BlockNumber {
			return logs[i].Index < logs[j].Index
		}
		return logs[i].BlockNumber < logs[j].BlockNumber
	})

	events := make([]chain.LedgerEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 2 {
			continue
		}
		ev, err := c.decodeLog(l)
		if err != nil {
			c.logger.Warn("Skipping undecodable escrow log",
				zap.String("tx_hash", l.TxHash.Hex()),
				zap.Uint("log_index", l.Index),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) decodeLog(l types.Log) (chain.LedgerEvent, error) {
	ev := chain.LedgerEvent{
		ChainID:   c.cfg.ChainID,
		OrderHash: hexutil.Encode(l.Topics[1].Bytes()),
		TxID:      l.TxHash.Hex(),
		Height:    l.BlockNumber,
		BlockHash: l.BlockHash.Hex(),
		Index:     l.Index,
	}
	switch l.Topics[0] {
	case escrowABI.Events["OrderCommitted"].ID:
		if len(l.Topics) < 3 {
			return ev, fmt.Errorf("OrderCommitted missing maker topic")
		}
		var oc orderCommitted
		if err := escrowABI.UnpackIntoInterface(&oc, "OrderCommitted", l.Data); err != nil {
			return ev, fmt.Errorf("failed to unpack OrderCommitted: %w", err)
		}
		order := &swap.Order{
			OrderHash:          ev.OrderHash,
			Maker:              common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
			SourceChainID:      c.cfg.ChainID,
			SourceAsset:        oc.SrcAsset.Hex(),
			SourceAmount:       oc.SrcAmount,
			DestinationChainID: oc.DstChainId,
			DestinationAsset:   oc.DstAsset,
			DestinationAmount:  oc.DstAmount,
			DestinationAddress: oc.DstAddress,
			ResolverFee:        oc.ResolverFee,
			SafetyDepositBps:   oc.SafetyDepositBps,
			CreatedAt:          time.Unix(int64(oc.CreatedAt), 0),
			Expiry:             time.Unix(int64(oc.Expiry), 0),
			Status:             swap.StateDetected,
		}
		if err := order.VerifyHash(); err != nil {
			return ev, err
		}
		ev.Kind = chain.EventOrderCommitted
		ev.Side = swap.SideSource
		ev.Order = order
	case escrowABI.Events["EscrowCreated"].ID:
		side, err := unpackSide("EscrowCreated", l.Data)
		if err != nil {
			return ev, err
		}
		ev.Kind = chain.EventEscrowCreated
		ev.Side = side
	case escrowABI.Events["Claimed"].ID:
		var ce claimedEvent
		if err := escrowABI.UnpackIntoInterface(&ce, "Claimed", l.Data); err != nil {
			return ev, fmt.Errorf("failed to unpack Claimed: %w", err)
		}
		secret := swap.Secret(ce.Secret)
		ev.Kind = chain.EventClaimed
		ev.Side = sideFromCode(ce.Side)
		ev.Secret = &secret
	case escrowABI.Events["Refunded"].ID:
		side, err := unpackSide("Refunded", l.Data)
		if err != nil {
			return ev, err
		}
		ev.Kind = chain.EventRefunded
		ev.Side = side
	default:
		return ev, fmt.Errorf("unknown topic %s", l.Topics[0].Hex())
	}
	return ev, nil
}

func unpackSide(event string, data []byte) (swap.Side, error) {
	vals, err := escrowABI.Unpack(event, data)
	if err != nil {
		return "", fmt.Errorf("failed to unpack %s: %w", event, err)
	}
	if len(vals) == 0 {
		return "", fmt.Errorf("%s has no fields", event)
	}
	code, ok := vals[0].(uint8)
	if !ok {
		return "", fmt.Errorf("%s side has type %T", event, vals[0])
	}
	return sideFromCode(code), nil
}
