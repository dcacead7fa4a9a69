// Package http adapts error-returning handlers to net/http and writes JSON
// responses for the coordinator's HTTP surfaces.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/chainsafe/swap-coordinator/pkg/app/errors"
)

// HandlerFunc is a handler that reports failure by returning an error.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type errorResponse struct {
	ErrMsg     string `json:"error"`
	ErrMsgCode int    `json:"code"`
}

// HandleError wraps h so that returned errors are written as JSON:
//
//	r.Post("/orders", apphttp.HandleError(logger, h.submit))
func HandleError(logger *zap.Logger, h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			WriteError(logger, w, r, err)
		}
	}
}

// WriteError writes err. Only ServiceError messages reach the caller;
// anything else is reported as an unexpected error and logged.
func WriteError(logger *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{ErrMsg: "Unexpected Service Error", ErrMsgCode: http.StatusInternalServerError}
	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		resp = errorResponse{ErrMsg: svcErr.Message, ErrMsgCode: svcErr.StatusCode()}
	}
	if resp.ErrMsgCode >= http.StatusInternalServerError && logger != nil {
		logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	WriteJSON(w, resp.ErrMsgCode, &resp)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.BadRequestError(err, "invalid JSON body")
	}
	return nil
}
