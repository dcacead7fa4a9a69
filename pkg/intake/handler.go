package intake

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/swap-coordinator/pkg/app/errors"
	apphttp "github.com/chainsafe/swap-coordinator/pkg/app/http"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// Submitter admits orders.
type Submitter interface {
	Submit(ctx context.Context, o *swap.Order) error
}

// OrderRequest is the body of POST /orders. Amounts are base-unit integers
// encoded as decimal strings.
type OrderRequest struct {
	OrderHash          string     `json:"order_hash,omitempty" validate:"omitempty,startswith=0x,len=66,hexadecimal"`
	Maker              string     `json:"maker" validate:"required"`
	SourceChainID      string     `json:"source_chain_id" validate:"required"`
	SourceAsset        string     `json:"source_asset" validate:"required"`
	SourceAmount       string     `json:"source_amount" validate:"required,number"`
	DestinationChainID string     `json:"destination_chain_id" validate:"required,nefield=SourceChainID"`
	DestinationAsset   string     `json:"destination_asset" validate:"required"`
	DestinationAmount  string     `json:"destination_amount" validate:"required,number"`
	DestinationAddress string     `json:"destination_address" validate:"required"`
	ResolverFee        string     `json:"resolver_fee" validate:"omitempty,number"`
	SafetyDepositBps   uint32     `json:"safety_deposit_bps" validate:"max=10000"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	Expiry             time.Time  `json:"expiry" validate:"required"`
}

type OrderResponse struct {
	OrderHash string     `json:"order_hash"`
	Status    swap.State `json:"status"`
}

type Handler struct {
	svc      Submitter
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewHandler(svc Submitter, logger *zap.Logger) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
		logger:   logger.Named("intake-http"),
		now:      time.Now,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/orders", apphttp.HandleError(h.logger, h.submit))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) error {
	var req OrderRequest
	if err := apphttp.DecodeJSON(r, &req); err != nil {
		return err
	}
	if err := h.validate.Struct(&req); err != nil {
		return apperrors.BadRequestError(err, err.Error())
	}
	o, err := req.order(h.now())
	if err != nil {
		return err
	}
	if err := h.svc.Submit(r.Context(), o); err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusAccepted, &OrderResponse{OrderHash: o.OrderHash, Status: o.Status})
	return nil
}

func (req *OrderRequest) order(now time.Time) (*swap.Order, error) {
	src, err := parseAmount("source_amount", req.SourceAmount)
	if err != nil {
		return nil, err
	}
	dst, err := parseAmount("destination_amount", req.DestinationAmount)
	if err != nil {
		return nil, err
	}
	fee := big.NewInt(0)
	if req.ResolverFee != "" {
		if fee, err = parseAmount("resolver_fee", req.ResolverFee); err != nil {
			return nil, err
		}
	}
	created := now.UTC().Truncate(time.Second)
	if req.CreatedAt != nil {
		created = req.CreatedAt.UTC()
	}
	return &swap.Order{
		OrderHash:          req.OrderHash,
		Maker:              req.Maker,
		SourceChainID:      req.SourceChainID,
		SourceAsset:        req.SourceAsset,
		SourceAmount:       src,
		DestinationChainID: req.DestinationChainID,
		DestinationAsset:   req.DestinationAsset,
		DestinationAmount:  dst,
		DestinationAddress: req.DestinationAddress,
		ResolverFee:        fee,
		SafetyDepositBps:   req.SafetyDepositBps,
		CreatedAt:          created,
		Expiry:             req.Expiry.UTC(),
	}, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, apperrors.BadRequestError(nil, fmt.Sprintf("%s must be a base-unit integer", field))
	}
	return v, nil
}
