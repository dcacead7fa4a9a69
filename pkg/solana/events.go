package solana

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// The escrow program logs one line per state change:
//
//	swap:order_committed <base64 JSON order>
//	swap:escrow_created <orderHash> <side>
//	swap:claimed <orderHash> <side> <secret>
//	swap:refunded <orderHash> <side>
const logPrefix = "Program log: swap:"

const signaturePageSize = 1000

// ScanEvents pages the program's signatures back to from and decodes the
// logs of every successful transaction in [from, to], oldest first.
func (c *Client) ScanEvents(ctx context.Context, from, to uint64) ([]chain.LedgerEvent, error) {
	var (
		sigs   []signatureInfo
		before string
	)
	for {
		var page []signatureInfo
		opts := signaturesOpts{Limit: signaturePageSize, Before: before, Commitment: c.cfg.Commitment}
		if err := c.call(ctx, "signatures", &page, "getSignaturesForAddress", c.cfg.Program.String(), opts); err != nil {
			return nil, err
		}
		done := len(page) < signaturePageSize
		for _, s := range page {
			if s.Slot < from {
				done = true
				break
			}
			if s.Slot <= to && !failed(s.Err) {
				sigs = append(sigs, s)
			}
		}
		if done || len(page) == 0 {
			break
		}
		before = page[len(page)-1].Signature
	}

	var (
		events []chain.LedgerEvent
		hashes = map[uint64]string{}
		index  = map[uint64]uint{}
	)
	for i := len(sigs) - 1; i >= 0; i-- {
		s := sigs[i]
		var tx transactionResult
		opts := transactionOpts{Encoding: "json", Commitment: c.cfg.Commitment, MaxSupportedTransactionVersion: 0}
		if err := c.call(ctx, "transaction", &tx, "getTransaction", s.Signature, opts); err != nil {
			return nil, err
		}
		if tx.Meta == nil || failed(tx.Meta.Err) {
			continue
		}
		hash, ok := hashes[s.Slot]
		if !ok {
			h, err := c.BlockHash(ctx, s.Slot)
			if err != nil {
				return nil, err
			}
			hashes[s.Slot] = h
			hash = h
		}
		for _, line := range tx.Meta.LogMessages {
			if !strings.HasPrefix(line, logPrefix) {
				continue
			}
			ev, err := c.decodeLog(strings.TrimPrefix(line, logPrefix))
			if err != nil {
				c.logger.Warn("Skipping undecodable program log",
					zap.String("signature", s.Signature),
					zap.String("line", line),
					zap.Error(err))
				continue
			}
			ev.ChainID = c.cfg.ChainID
			ev.TxID = s.Signature
			ev.Height = s.Slot
			ev.BlockHash = hash
			ev.Index = index[s.Slot]
			index[s.Slot]++
			events = append(events, ev)
		}
	}
	return events, nil
}

func (c *Client) decodeLog(line string) (chain.LedgerEvent, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return chain.LedgerEvent{}, fmt.Errorf("short log line")
	}
	var ev chain.LedgerEvent
	if fields[0] == "order_committed" {
		raw, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return ev, fmt.Errorf("order payload: %w", err)
		}
		var order swap.Order
		if err := json.Unmarshal(raw, &order); err != nil {
			return ev, fmt.Errorf("order payload: %w", err)
		}
		order.SourceChainID = c.cfg.ChainID
		order.Status = swap.StateDetected
		if err := order.VerifyHash(); err != nil {
			return ev, err
		}
		ev.Kind = chain.EventOrderCommitted
		ev.OrderHash = order.OrderHash
		ev.Side = swap.SideSource
		ev.Order = &order
		return ev, nil
	}

	if len(fields) < 3 {
		return ev, fmt.Errorf("short log line")
	}
	orderHash, err := swap.DecodeHash32(fields[1])
	if err != nil {
		return ev, err
	}
	side, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return ev, fmt.Errorf("side: %w", err)
	}
	ev.OrderHash = "0x" + hex.EncodeToString(orderHash[:])
	ev.Side = sideFromCode(uint8(side))
	switch fields[0] {
	case "escrow_created":
		ev.Kind = chain.EventEscrowCreated
	case "refunded":
		ev.Kind = chain.EventRefunded
	case "claimed":
		if len(fields) < 4 {
			return ev, fmt.Errorf("claim without secret")
		}
		secret, err := swap.ParseSecret(fields[3])
		if err != nil {
			return ev, err
		}
		ev.Kind = chain.EventClaimed
		ev.Secret = &secret
	default:
		return ev, fmt.Errorf("unknown event %q", fields[0])
	}
	return ev, nil
}
