package signer

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// NewHandler serves the signing contract from svc. The development signing
// oracle mounts it behind service token authentication.
func NewHandler(svc Service, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/sign", handleSign(svc, logger))
	r.Get("/v1/keys", handlePublicKey(svc, logger))
	return r
}

func handleSign(svc Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body signRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		payload, err := hex.DecodeString(strings.TrimPrefix(body.Payload, "0x"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "payload must be hex")
			return
		}
		resp, err := svc.Sign(r.Context(), &Request{
			RequestID:      body.RequestID,
			DerivationPath: body.DerivationPath,
			KeyVersion:     body.KeyVersion,
			Scheme:         body.Scheme,
			Payload:        payload,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidRequest) {
				status = http.StatusBadRequest
			}
			logger.Warn("Sign request failed", zap.String("request_id", body.RequestID), zap.Error(err))
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, signResponseBody{
			RequestID: body.RequestID,
			Signature: hex.EncodeToString(resp.Signature),
			PublicKey: hex.EncodeToString(resp.PublicKey),
		})
	}
}

func handlePublicKey(svc Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		version, err := strconv.ParseUint(q.Get("version"), 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		pub, err := svc.PublicKey(r.Context(), Scheme(q.Get("scheme")), q.Get("path"), uint32(version))
		if err != nil {
			logger.Warn("Public key lookup failed", zap.String("path", q.Get("path")), zap.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, keyResponseBody{PublicKey: hex.EncodeToString(pub)})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
