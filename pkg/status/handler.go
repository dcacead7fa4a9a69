// Package status serves read-only views of swaps and ledger watchers.
package status

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/swap-coordinator/pkg/app/errors"
	apphttp "github.com/chainsafe/swap-coordinator/pkg/app/http"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/monitor"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// Watchers reports ledger watcher health.
type Watchers interface {
	Status() []monitor.WatcherStatus
}

type Handler struct {
	store    db.SwapStore
	watchers Watchers
	logger   *zap.Logger
}

func NewHandler(store db.SwapStore, watchers Watchers, logger *zap.Logger) *Handler {
	return &Handler{store: store, watchers: watchers, logger: logger.Named("status")}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/swaps", apphttp.HandleError(h.logger, h.listSwaps))
	r.Get("/swaps/{orderHash}", apphttp.HandleError(h.logger, h.getSwap))
	r.Get("/chains", apphttp.HandleError(h.logger, h.listChains))
}

// LegView is the public part of a leg. Raw transaction bytes stay private.
type LegView struct {
	ChainID string            `json:"chain_id"`
	Status  swap.EscrowStatus `json:"status,omitempty"`
	TxIDs   map[string]string `json:"tx_ids,omitempty"`
}

// SwapView is a swap without its sealed secret.
type SwapView struct {
	OrderHash     string        `json:"order_hash"`
	Order         *swap.Order   `json:"order"`
	State         swap.State    `json:"state"`
	Hashlock      string        `json:"hashlock,omitempty"`
	Schedule      swap.Schedule `json:"schedule"`
	SafetyDeposit *big.Int      `json:"safety_deposit,omitempty"`
	Source        LegView       `json:"source"`
	Destination   LegView       `json:"destination"`
	Attempts      int           `json:"attempts"`
	Escalated     bool          `json:"escalated,omitempty"`
	Settled       bool          `json:"settled,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Transitions   []Transition  `json:"transitions,omitempty"`
}

type Transition struct {
	From   swap.State `json:"from"`
	To     swap.State `json:"to"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

type ListResponse struct {
	Swaps []*SwapView `json:"swaps"`
	Total int         `json:"total"`
}

type ChainsResponse struct {
	Chains []monitor.WatcherStatus `json:"chains"`
}

func (h *Handler) listSwaps(w http.ResponseWriter, r *http.Request) error {
	f, err := parseFilter(r)
	if err != nil {
		return err
	}
	swaps, total, err := h.store.ListSwaps(r.Context(), f)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	resp := ListResponse{Swaps: make([]*SwapView, 0, len(swaps)), Total: total}
	for _, sw := range swaps {
		resp.Swaps = append(resp.Swaps, newSwapView(sw))
	}
	apphttp.WriteJSON(w, http.StatusOK, &resp)
	return nil
}

func (h *Handler) getSwap(w http.ResponseWriter, r *http.Request) error {
	hash := chi.URLParam(r, "orderHash")
	sw, err := h.store.GetSwap(r.Context(), hash)
	if errors.Is(err, db.ErrSwapNotFound) {
		return apperrors.ResourceNotFoundError(err, "swap not found")
	}
	if err != nil {
		return apperrors.GeneralError(err)
	}
	log, err := h.store.ListTransitions(r.Context(), hash)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	view := newSwapView(sw)
	for _, t := range log {
		view.Transitions = append(view.Transitions, Transition{From: t.From, To: t.To, Reason: t.Reason, At: t.At})
	}
	apphttp.WriteJSON(w, http.StatusOK, view)
	return nil
}

func (h *Handler) listChains(w http.ResponseWriter, _ *http.Request) error {
	apphttp.WriteJSON(w, http.StatusOK, &ChainsResponse{Chains: h.watchers.Status()})
	return nil
}

func parseFilter(r *http.Request) (db.Filter, error) {
	q := r.URL.Query()
	f := db.Filter{
		State:   swap.State(q.Get("state")),
		ChainID: q.Get("chain"),
	}
	if f.State != "" && !f.State.Valid() {
		return f, apperrors.BadRequestError(nil, "unknown state "+q.Get("state"))
	}
	var err error
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, apperrors.BadRequestError(err, "offset must be a non-negative integer")
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, apperrors.BadRequestError(err, "limit must be a non-negative integer")
	}
	return f, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative")
	}
	return v, nil
}

func newSwapView(sw *db.Swap) *SwapView {
	v := &SwapView{
		OrderHash:     sw.OrderHash,
		Order:         sw.Order,
		State:         sw.State,
		Schedule:      sw.Schedule,
		SafetyDeposit: sw.SafetyDeposit,
		Source:        newLegView(&sw.Source),
		Destination:   newLegView(&sw.Destination),
		Attempts:      sw.Attempts,
		Escalated:     sw.Escalated,
		Settled:       sw.Settled,
		LastError:     sw.LastError,
		CreatedAt:     sw.CreatedAt,
		UpdatedAt:     sw.UpdatedAt,
	}
	if !sw.Hashlock.IsZero() {
		v.Hashlock = sw.Hashlock.Hex()
	}
	return v
}

func newLegView(l *db.Leg) LegView {
	v := LegView{ChainID: l.ChainID, Status: l.Status}
	for action, rec := range l.Txs {
		if rec == nil || rec.TxID == "" {
			continue
		}
		if v.TxIDs == nil {
			v.TxIDs = make(map[string]string)
		}
		v.TxIDs[string(action)] = rec.TxID
	}
	return v
}
