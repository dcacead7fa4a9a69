// Package relay hands swap secrets to beneficiaries whose ledger does not
// let the resolver claim on their behalf.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/pkg/auth"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

const maxRetries = 3

type deliverBody struct {
	RequestID   string `json:"request_id"`
	OrderHash   string `json:"order_hash"`
	Beneficiary string `json:"beneficiary"`
	Secret      string `json:"secret"`
	Hashlock    string `json:"hashlock"`
}

// Client posts secrets to the maker-side relay.
type Client struct {
	url     string
	http    *http.Client
	tokens  *auth.ServiceTokens
	subject string
	logger  *zap.Logger
}

func NewClient(url string, timeout time.Duration, tokens *auth.ServiceTokens, subject string, logger *zap.Logger) *Client {
	return &Client{
		url:     strings.TrimRight(url, "/") + "/v1/secrets",
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		subject: subject,
		logger:  logger.Named("relay"),
	}
}

// Deliver sends the secret for one order. The relay treats a repeated
// delivery for the same order as success, so retries are safe.
func (c *Client) Deliver(ctx context.Context, orderHash, beneficiary string, secret swap.Secret) error {
	body, err := json.Marshal(deliverBody{
		RequestID:   uuid.NewString(),
		OrderHash:   orderHash,
		Beneficiary: beneficiary,
		Secret:      secret.Hex(),
		Hashlock:    secret.Hashlock().Hex(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	err = backoff.Retry(func() error { return c.post(ctx, body) }, policy)
	if err != nil {
		return err
	}
	c.logger.Info("Secret delivered", zap.String("order_hash", orderHash), zap.String("beneficiary", beneficiary))
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if err := c.tokens.Authorize(req, c.subject); err != nil {
			return backoff.Permanent(err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay unavailable: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("relay unavailable (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return backoff.Permanent(fmt.Errorf("relay rejected delivery (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw))))
}
