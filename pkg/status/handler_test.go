package status

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/monitor"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

type fakeWatchers []monitor.WatcherStatus

func (f fakeWatchers) Status() []monitor.WatcherStatus { return f }

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store db.Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	var hashes []string
	for i := 0; i < n; i++ {
		hash := fmt.Sprintf("0x%064x", i+1)
		created := base.Add(time.Duration(i) * time.Minute)
		dst := "btc"
		if i%2 == 1 {
			dst = "sol"
		}
		sw := &db.Swap{
			OrderHash: hash,
			Order: &swap.Order{
				OrderHash:          hash,
				Maker:              "0xmaker",
				SourceChainID:      "evm-1",
				SourceAmount:       big.NewInt(1000),
				DestinationChainID: dst,
				DestinationAmount:  big.NewInt(10),
				ResolverFee:        big.NewInt(1),
				CreatedAt:          created,
				Expiry:             created.Add(time.Hour),
			},
			State:         swap.StateDetected,
			SealedSecret:  "ciphertext",
			SafetyDeposit: big.NewInt(20),
			Source:        db.Leg{ChainID: "evm-1"},
			Destination:   db.Leg{ChainID: dst},
			CreatedAt:     created,
			UpdatedAt:     created,
		}
		require.NoError(t, store.CreateSwap(ctx, sw))
		hashes = append(hashes, hash)
	}
	return hashes
}

func newTestRouter(t *testing.T) (http.Handler, db.Store) {
	t.Helper()
	store, err := db.NewBoltStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	watchers := fakeWatchers{{ChainID: "evm-1", Head: 120, Cursor: 108}, {ChainID: "btc", Degraded: true, Failures: 5, LastError: "connection refused"}}
	r := chi.NewRouter()
	NewHandler(store, watchers, zap.NewNop()).Register(r)
	return r, store
}

func get(t *testing.T, r http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec.Code
}

func TestHandler_ListSwaps(t *testing.T) {
	r, store := newTestRouter(t)
	hashes := seed(t, store, 5)

	var resp ListResponse
	require.Equal(t, http.StatusOK, get(t, r, "/swaps?limit=2", &resp))
	assert.Equal(t, 5, resp.Total)
	require.Len(t, resp.Swaps, 2)
	assert.Equal(t, hashes[4], resp.Swaps[0].OrderHash, "newest first")

	resp = ListResponse{}
	require.Equal(t, http.StatusOK, get(t, r, "/swaps?chain=sol", &resp))
	assert.Equal(t, 2, resp.Total)

	resp = ListResponse{}
	require.Equal(t, http.StatusOK, get(t, r, "/swaps?state=completed", &resp))
	assert.Equal(t, 0, resp.Total)
	assert.NotNil(t, resp.Swaps)
}

func TestHandler_ListSwapsBadQuery(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Equal(t, http.StatusBadRequest, get(t, r, "/swaps?state=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, r, "/swaps?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, r, "/swaps?offset=x", nil))
}

func TestHandler_GetSwap(t *testing.T) {
	r, store := newTestRouter(t)
	hashes := seed(t, store, 1)
	ctx := context.Background()

	sw, err := store.GetSwap(ctx, hashes[0])
	require.NoError(t, err)
	sw.State = swap.StateValidated
	sw.Source.SetTx(&db.TxRecord{Action: chain.ActionLock, TxID: "0xlock", Raw: []byte{1, 2}, Status: db.TxSigned})
	require.NoError(t, store.SaveSwap(ctx, sw, &db.Transition{
		OrderHash: sw.OrderHash, From: swap.StateDetected, To: swap.StateValidated, Reason: "profitable", At: base,
	}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/swaps/"+hashes[0], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ciphertext")
	assert.NotContains(t, rec.Body.String(), `"raw"`)

	var view SwapView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, swap.StateValidated, view.State)
	assert.Equal(t, "0xlock", view.Source.TxIDs[string(chain.ActionLock)])
	require.Len(t, view.Transitions, 1)
	assert.Equal(t, "profitable", view.Transitions[0].Reason)
}

func TestHandler_GetSwapNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Equal(t, http.StatusNotFound, get(t, r, "/swaps/0xmissing", nil))
}

func TestHandler_ListChains(t *testing.T) {
	r, _ := newTestRouter(t)
	var resp ChainsResponse
	require.Equal(t, http.StatusOK, get(t, r, "/chains", &resp))
	require.Len(t, resp.Chains, 2)
	assert.True(t, resp.Chains[1].Degraded)
	assert.Equal(t, uint64(108), resp.Chains[0].Cursor)
}
