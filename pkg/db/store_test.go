package db

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

func newTestSwap(hash, src, dst string, created time.Time) *Swap {
	return &Swap{
		OrderHash: hash,
		Order: &swap.Order{
			OrderHash:          hash,
			Maker:              "0xmaker",
			SourceChainID:      src,
			SourceAsset:        "0xasset",
			SourceAmount:       big.NewInt(1000),
			DestinationChainID: dst,
			DestinationAsset:   "native",
			DestinationAmount:  big.NewInt(2000),
			DestinationAddress: "maker-dst",
			ResolverFee:        big.NewInt(10),
			SafetyDepositBps:   500,
			CreatedAt:          created,
			Expiry:             created.Add(time.Hour),
		},
		State:       swap.StateDetected,
		Source:      Leg{ChainID: src},
		Destination: Leg{ChainID: dst},
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// runStoreTests exercises the Store contract against one implementation.
func runStoreTests(t *testing.T, ctx context.Context, s Store) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("CreateAndGet", func(t *testing.T) {
		sw := newTestSwap("0x01", "ethereum", "bitcoin", base)
		if err := s.CreateSwap(ctx, sw); err != nil {
			t.Fatalf("CreateSwap() failed: %v", err)
		}
		if err := s.CreateSwap(ctx, sw); !errors.Is(err, ErrSwapExists) {
			t.Fatalf("expected ErrSwapExists, got %v", err)
		}
		got, err := s.GetSwap(ctx, "0x01")
		if err != nil {
			t.Fatalf("GetSwap() failed: %v", err)
		}
		if got.Order.SourceAmount.Cmp(big.NewInt(1000)) != 0 || got.Destination.ChainID != "bitcoin" {
			t.Errorf("unexpected swap: %+v", got)
		}
		if _, err := s.GetSwap(ctx, "0xmissing"); !errors.Is(err, ErrSwapNotFound) {
			t.Errorf("expected ErrSwapNotFound, got %v", err)
		}
	})

	t.Run("SaveChecksVersion", func(t *testing.T) {
		sw, err := s.GetSwap(ctx, "0x01")
		if err != nil {
			t.Fatalf("GetSwap() failed: %v", err)
		}
		stale := *sw

		sw.State = swap.StateValidated
		sw.Source.SetTx(&TxRecord{Action: chain.ActionLock, TxID: "0xabc", Raw: []byte{1, 2, 3}, Status: TxSigned})
		tr := &Transition{OrderHash: sw.OrderHash, From: swap.StateDetected, To: swap.StateValidated, Reason: "accepted", At: base}
		if err := s.SaveSwap(ctx, sw, tr); err != nil {
			t.Fatalf("SaveSwap() failed: %v", err)
		}
		if sw.Version != 1 {
			t.Errorf("expected version 1, got %d", sw.Version)
		}

		stale.State = swap.StateFailed
		if err := s.SaveSwap(ctx, &stale, nil); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}
		if stale.Version != 0 {
			t.Errorf("failed save must not bump version, got %d", stale.Version)
		}

		got, _ := s.GetSwap(ctx, "0x01")
		if got.State != swap.StateValidated {
			t.Errorf("expected validated, got %s", got.State)
		}
		rec := got.Source.Tx(chain.ActionLock)
		if rec == nil || string(rec.Raw) != "\x01\x02\x03" {
			t.Errorf("lock record not persisted: %+v", rec)
		}

		trs, err := s.ListTransitions(ctx, "0x01")
		if err != nil {
			t.Fatalf("ListTransitions() failed: %v", err)
		}
		if len(trs) != 1 || trs[0].To != swap.StateValidated || trs[0].Reason != "accepted" {
			t.Errorf("unexpected transitions: %+v", trs)
		}
	})

	t.Run("ListActiveAndFilter", func(t *testing.T) {
		done := newTestSwap("0x02", "solana", "ethereum", base.Add(time.Minute))
		done.State = swap.StateCompleted
		done.Settled = true
		escalated := newTestSwap("0x03", "ethereum", "solana", base.Add(2*time.Minute))
		escalated.Escalated = true
		later := newTestSwap("0x04", "ethereum", "solana", base.Add(3*time.Minute))
		for _, sw := range []*Swap{done, escalated, later} {
			if err := s.CreateSwap(ctx, sw); err != nil {
				t.Fatalf("CreateSwap(%s) failed: %v", sw.OrderHash, err)
			}
		}

		active, err := s.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive() failed: %v", err)
		}
		if len(active) != 3 || active[0].OrderHash != "0x01" || active[1].OrderHash != "0x03" || active[2].OrderHash != "0x04" {
			t.Errorf("unexpected active swaps: %v", hashes(active))
		}

		all, total, err := s.ListSwaps(ctx, Filter{Limit: 2})
		if err != nil {
			t.Fatalf("ListSwaps() failed: %v", err)
		}
		if total != 4 || len(all) != 2 || all[0].OrderHash != "0x04" || all[1].OrderHash != "0x03" {
			t.Errorf("unexpected page: total=%d %v", total, hashes(all))
		}

		sol, total, err := s.ListSwaps(ctx, Filter{ChainID: "solana", Offset: 1})
		if err != nil {
			t.Fatalf("ListSwaps() failed: %v", err)
		}
		if total != 3 || len(sol) != 2 || sol[0].OrderHash != "0x03" {
			t.Errorf("unexpected chain filter: total=%d %v", total, hashes(sol))
		}

		completed, total, err := s.ListSwaps(ctx, Filter{State: swap.StateCompleted})
		if err != nil {
			t.Fatalf("ListSwaps() failed: %v", err)
		}
		if total != 1 || completed[0].OrderHash != "0x02" {
			t.Errorf("unexpected state filter: total=%d %v", total, hashes(completed))
		}
	})

	t.Run("ChainState", func(t *testing.T) {
		st, err := s.GetChainState(ctx, "ethereum")
		if err != nil || st != nil {
			t.Fatalf("expected no state, got %+v, %v", st, err)
		}
		for _, h := range []uint64{100, 120} {
			if err := s.SetChainState(ctx, &ChainState{ChainID: "ethereum", Height: h, BlockHash: "0xh"}); err != nil {
				t.Fatalf("SetChainState() failed: %v", err)
			}
		}
		st, err = s.GetChainState(ctx, "ethereum")
		if err != nil {
			t.Fatalf("GetChainState() failed: %v", err)
		}
		if st.Height != 120 || st.BlockHash != "0xh" {
			t.Errorf("unexpected chain state: %+v", st)
		}
	})

	t.Run("Nonces", func(t *testing.T) {
		if _, ok, err := s.GetNonce(ctx, "ethereum", "0xa"); err != nil || ok {
			t.Fatalf("expected no nonce, got ok=%v err=%v", ok, err)
		}
		if err := s.SetNonce(ctx, "ethereum", "0xa", 7); err != nil {
			t.Fatalf("SetNonce() failed: %v", err)
		}
		if err := s.SetNonce(ctx, "ethereum", "0xa", 8); err != nil {
			t.Fatalf("SetNonce() failed: %v", err)
		}
		n, ok, err := s.GetNonce(ctx, "ethereum", "0xa")
		if err != nil || !ok || n != 8 {
			t.Errorf("expected nonce 8, got %d ok=%v err=%v", n, ok, err)
		}
	})
}

func hashes(in []*Swap) []string {
	out := make([]string, len(in))
	for i, sw := range in {
		out[i] = sw.OrderHash
	}
	return out
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "coordinator.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() failed: %v", err)
	}
	defer s.Close()
	runStoreTests(t, context.Background(), s)
}

func TestBoltStore_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.db")
	ctx := context.Background()

	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore() failed: %v", err)
	}
	sw := newTestSwap("0xaa", "ethereum", "solana", time.Now().UTC())
	if err := s.CreateSwap(ctx, sw); err != nil {
		t.Fatalf("CreateSwap() failed: %v", err)
	}
	sw.State = swap.StateSourceLocked
	if err := s.SaveSwap(ctx, sw, &Transition{OrderHash: "0xaa", From: swap.StateValidated, To: swap.StateSourceLocked, At: time.Now()}); err != nil {
		t.Fatalf("SaveSwap() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.GetSwap(ctx, "0xaa")
	if err != nil {
		t.Fatalf("GetSwap() failed: %v", err)
	}
	if got.State != swap.StateSourceLocked || got.Version != 1 {
		t.Errorf("unexpected state after reopen: %s v%d", got.State, got.Version)
	}
}

func TestFilterPage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var all []*Swap
	for i := 0; i < 5; i++ {
		all = append(all, newTestSwap(string(rune('a'+i)), "x", "y", base.Add(time.Duration(i)*time.Minute)))
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"default limit", Filter{}, []string{"e", "d", "c", "b", "a"}},
		{"limit", Filter{Limit: 2}, []string{"e", "d"}},
		{"offset", Filter{Offset: 3}, []string{"b", "a"}},
		{"negative offset", Filter{Offset: -1, Limit: 1}, []string{"e"}},
		{"offset past end", Filter{Offset: 10}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hashes(tt.filter.page(append([]*Swap(nil), all...)))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
