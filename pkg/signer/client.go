package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/internal/metrics"
	"github.com/chainsafe/swap-coordinator/pkg/auth"
)

type signRequestBody struct {
	RequestID      string `json:"request_id"`
	DerivationPath string `json:"derivation_path"`
	KeyVersion     uint32 `json:"key_version"`
	Scheme         Scheme `json:"scheme"`
	Payload        string `json:"payload"`
}

type signResponseBody struct {
	RequestID string `json:"request_id"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

type keyResponseBody struct {
	PublicKey string `json:"public_key"`
}

type errorBody struct {
	Error string `json:"error"`
}

// UnavailableError is returned for 5xx responses and transport failures.
type UnavailableError struct {
	Status int
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("signing service unavailable (status %d): %v", e.Status, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// HTTPClient talks to the signing service over HTTP+JSON.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	tokens  *auth.ServiceTokens
	subject string
	logger  *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, tokens *auth.ServiceTokens, subject string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		subject: subject,
		logger:  logger,
	}
}

func (c *HTTPClient) Sign(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	body, err := json.Marshal(signRequestBody{
		RequestID:      req.RequestID,
		DerivationPath: req.DerivationPath,
		KeyVersion:     req.KeyVersion,
		Scheme:         req.Scheme,
		Payload:        hex.EncodeToString(req.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sign request: %w", err)
	}

	start := time.Now()
	var out signResponseBody
	err = c.do(ctx, http.MethodPost, c.baseURL+"/v1/sign", body, &out)
	metrics.SignatureRequestDuration.WithLabelValues(string(req.Scheme)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SignatureRequestsTotal.WithLabelValues(string(req.Scheme), "error").Inc()
		return nil, err
	}
	metrics.SignatureRequestsTotal.WithLabelValues(string(req.Scheme), "ok").Inc()

	sig, err := hex.DecodeString(strings.TrimPrefix(out.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(out.PublicKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	c.logger.Debug("Signature received",
		zap.String("request_id", req.RequestID),
		zap.String("derivation_path", req.DerivationPath),
		zap.Duration("duration", time.Since(start)))
	return &Response{Signature: sig, PublicKey: pub}, nil
}

func (c *HTTPClient) PublicKey(ctx context.Context, scheme Scheme, path string, version uint32) ([]byte, error) {
	q := url.Values{}
	q.Set("scheme", string(scheme))
	q.Set("path", path)
	q.Set("version", strconv.FormatUint(uint64(version), 10))
	var out keyResponseBody
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/keys?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(out.PublicKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	return pub, nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if err := c.tokens.Authorize(req, c.subject); err != nil {
			return err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &UnavailableError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 500 {
		return &UnavailableError{Status: resp.StatusCode, Err: fmt.Errorf("%s", errorMessage(raw))}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signing service rejected request (status %d): %s", resp.StatusCode, errorMessage(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var e errorBody
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
