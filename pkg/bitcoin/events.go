package bitcoin

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// ScanEvents walks blocks in [from, to] and reports every input spending a
// swap HTLC. Escrow outputs are only recognizable once spent, so funding is
// tracked through TxStatus and Escrow rather than events.
func (c *Client) ScanEvents(ctx context.Context, from, to uint64) ([]chain.LedgerEvent, error) {
	var events []chain.LedgerEvent
	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			hash  *chainhash.Hash
			block *wire.MsgBlock
		)
		err := c.pool.Do(ctx, "get_block", func(ctx context.Context) error {
			var err error
			if hash, err = c.rpc.GetBlockHash(int64(h)); err != nil {
				return err
			}
			block, err = c.rpc.GetBlock(hash)
			return err
		})
		if err != nil {
			return nil, err
		}
		events = append(events, c.blockEvents(h, hash.String(), block)...)
		if h == to {
			break
		}
	}
	return events, nil
}

func (c *Client) blockEvents(height uint64, blockHash string, block *wire.MsgBlock) []chain.LedgerEvent {
	var events []chain.LedgerEvent
	for i, tx := range block.Transactions {
		for _, in := range tx.TxIn {
			htlc, secret, ok := spendKind(in.Witness)
			if !ok {
				continue
			}
			ev := chain.LedgerEvent{
				ChainID:   c.cfg.ChainID,
				OrderHash: "0x" + hex.EncodeToString(htlc.OrderHash[:]),
				Side:      swap.SideDestination,
				TxID:      tx.TxHash().String(),
				Height:    height,
				BlockHash: blockHash,
				Index:     uint(i),
			}
			sp := spend{status: swap.EscrowRefunded}
			if secret != nil {
				s := swap.Secret(*secret)
				ev.Kind = chain.EventClaimed
				ev.Secret = &s
				sp = spend{status: swap.EscrowClaimed, secret: &s}
			} else {
				ev.Kind = chain.EventRefunded
			}
			c.mu.Lock()
			c.spends[in.PreviousOutPoint] = sp
			c.mu.Unlock()
			events = append(events, ev)
		}
	}
	return events
}
