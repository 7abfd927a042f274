// Package facilitator talks to an x402 facilitator service and dry-runs
// payments against the chain before the gateway trusts them.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/paygate/internal/chain"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/retry"
	"github.com/mbd888/paygate/pkg/x402"
)

var (
	// ErrUnavailable wraps transport failures and non-200 responses.
	ErrUnavailable = errors.New("facilitator: unavailable")

	// ErrSettlementFailed is returned when every settle attempt failed.
	ErrSettlementFailed = errors.New("facilitator: settlement failed")
)

const (
	DefaultTimeout      = 30 * time.Second
	SettleAttempts      = 3
	SettleBackoffBase   = 500 * time.Millisecond
	maxResponseBodySize = 1 << 20
)

// VerifyResult is the facilitator's verdict on a payment. It never moves funds.
type VerifyResult struct {
	Valid  bool
	Reason string
	Payer  string
}

// SettlementResult describes the outcome of settling one authorization.
type SettlementResult struct {
	Success     bool
	Transaction string
	Network     string
	Payer       string
	ErrorReason string
	Attempts    int

	// AlreadySettled is set when a retry found the authorization already
	// consumed, meaning an earlier attempt went through without a reply.
	AlreadySettled bool
}

// Client is a stateless handle on a facilitator plus the chain pool used
// for simulation. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	chains     *chain.Pool
	backoff    retry.Backoff
	logger     *slog.Logger
}

// Option configures the client
type Option func(*Client)

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithChainPool enables on-chain simulation.
func WithChainPool(p *chain.Pool) Option {
	return func(c *Client) { c.chains = p }
}

// WithSettleBackoff overrides the settlement retry schedule.
func WithSettleBackoff(b retry.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the facilitator at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		backoff:    retry.Linear(SettleBackoffBase),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
}

// SupportedKind is one (version, scheme, network) the facilitator handles.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// Supported is the GET /supported response.
type Supported struct {
	Kinds []SupportedKind `json:"kinds"`
}

func newRequest(p *x402.PaymentPayload, req *x402.PaymentRequirements) request {
	version := p.X402Version
	if version == 0 {
		version = x402.Version1
	}
	return request{X402Version: version, PaymentPayload: p, PaymentRequirements: req}
}

// Verify asks the facilitator whether p is a valid payment for req.
func (c *Client) Verify(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements) (*VerifyResult, error) {
	var resp verifyResponse
	if err := c.do(ctx, "verify", http.MethodPost, "/verify", newRequest(p, req), &resp); err != nil {
		return nil, err
	}
	return &VerifyResult{Valid: resp.IsValid, Reason: resp.InvalidReason, Payer: resp.Payer}, nil
}

// Settle broadcasts the payment. Failed attempts are retried with linear
// backoff up to SettleAttempts times. An authorization found already used
// is reported as AlreadySettled only when an earlier attempt had an
// unknown outcome (no reply or a 5xx); after explicit rejections the nonce
// may have been spent elsewhere, so it is a settlement failure.
func (c *Client) Settle(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements) (*SettlementResult, error) {
	result := &SettlementResult{Network: req.Network}
	body := newRequest(p, req)
	inDoubt := false

	err := retry.Do(ctx, SettleAttempts, c.backoff, func(attempt int) error {
		result.Attempts = attempt

		var resp settleResponse
		if err := c.do(ctx, "settle", http.MethodPost, "/settle", body, &resp); err != nil {
			inDoubt = true
			result.ErrorReason = err.Error()
			c.logger.Warn("settle attempt failed", "attempt", attempt, "error", err)
			return err
		}
		if resp.Success {
			result.Success = true
			result.Transaction = resp.Transaction
			result.Payer = resp.Payer
			if resp.Network != "" {
				result.Network = resp.Network
			}
			result.ErrorReason = ""
			return nil
		}

		result.ErrorReason = resp.ErrorReason
		result.Payer = resp.Payer
		if isNonceUsed(resp.ErrorReason) {
			if inDoubt {
				result.Success = true
				result.AlreadySettled = true
				result.ErrorReason = ""
				c.logger.Info("authorization already settled by an earlier attempt", "attempt", attempt)
				return nil
			}
			return retry.Permanent(fmt.Errorf("%w: %s", ErrSettlementFailed, resp.ErrorReason))
		}
		c.logger.Warn("settle rejected", "attempt", attempt, "reason", resp.ErrorReason)
		return fmt.Errorf("%w: %s", ErrSettlementFailed, resp.ErrorReason)
	})
	if err != nil {
		if !errors.Is(err, ErrSettlementFailed) {
			err = fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
		return result, err
	}
	return result, nil
}

// Supported lists what the facilitator can verify and settle.
func (c *Client) Supported(ctx context.Context) (*Supported, error) {
	var resp Supported
	if err := c.do(ctx, "supported", http.MethodGet, "/supported", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping is a health check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Supported(ctx)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.FacilitatorRequestsTotal.WithLabelValues(op, result).Inc()
		metrics.FacilitatorRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("facilitator: marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("facilitator: create %s request: %w", op, err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, op, err)
	}

	// Some facilitators answer a rejected settle with 400 and a JSON body.
	if resp.StatusCode != http.StatusOK && !(op == "settle" && resp.StatusCode == http.StatusBadRequest && json.Valid(data)) {
		return fmt.Errorf("%w: %s returned status %d: %s", ErrUnavailable, op, resp.StatusCode, truncate(data, 256))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, op, err)
	}
	return nil
}

// isNonceUsed matches the ways facilitators and USDC report a consumed
// EIP-3009 nonce.
func isNonceUsed(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "nonce") && (strings.Contains(r, "used") || strings.Contains(r, "already")) ||
		strings.Contains(r, "authorization is used")
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
