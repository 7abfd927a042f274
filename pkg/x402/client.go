package x402

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// ErrAmountExceedsLimit is returned when a challenge asks for more than
// the client is willing to pay.
var ErrAmountExceedsLimit = errors.New("x402: requested amount exceeds limit")

// Client wraps http.Client with automatic 402 payment handling
type Client struct {
	httpClient *http.Client
	key        *ecdsa.PrivateKey

	// MaxAmount caps a single payment in atomic units (nil = unlimited).
	MaxAmount *big.Int
	// Networks restricts which CAIP-2 networks the client pays on (empty = any).
	Networks []string

	// OnPayment is called after signing, before the paid request is sent.
	OnPayment func(req PaymentRequirements, payment *PaymentPayload)

	now func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxAmount caps the amount a single call may pay.
func WithMaxAmount(amount *big.Int) Option {
	return func(c *Client) { c.MaxAmount = amount }
}

// NewClient creates an x402-enabled HTTP client that pays with key.
func NewClient(key *ecdsa.PrivateKey, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 90 * time.Second},
		key:        key,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs req; on a 402 challenge it signs a payment for the first
// acceptable requirement and repeats the request once with PAYMENT-SIGNATURE.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("x402: read request body: %w", err)
		}
	}

	resp, err := c.send(ctx, req, body, "")
	if err != nil || !Is402Response(resp) {
		return resp, err
	}

	challengeBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	challenge, err := PaymentRequiredFromResponse(resp, challengeBody)
	if err != nil {
		return nil, err
	}
	chosen, err := c.choose(challenge.Accepts)
	if err != nil {
		return nil, err
	}

	payment, err := SignExact(c.key, chosen, c.now())
	if err != nil {
		return nil, err
	}
	if c.OnPayment != nil {
		c.OnPayment(chosen, payment)
	}
	header, err := EncodeHeader(payment)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req, body, header)
}

// Post sends a JSON body to url, paying if challenged.
func (c *Client) Post(ctx context.Context, url string, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}

func (c *Client) send(ctx context.Context, orig *http.Request, body []byte, payment string) (*http.Response, error) {
	req := orig.Clone(ctx)
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	if payment != "" {
		req.Header.Set(HeaderPaymentSignature, payment)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("x402: request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) choose(accepts []PaymentRequirements) (PaymentRequirements, error) {
	for _, req := range accepts {
		if req.Scheme != SchemeExact || !c.allowsNetwork(req.Network) {
			continue
		}
		if c.MaxAmount != nil {
			amount, ok := new(big.Int).SetString(req.Amount, 10)
			if !ok {
				continue
			}
			if amount.Cmp(c.MaxAmount) > 0 {
				return PaymentRequirements{}, fmt.Errorf("%w: %s > %s", ErrAmountExceedsLimit, amount, c.MaxAmount)
			}
		}
		return req, nil
	}
	return PaymentRequirements{}, errors.New("x402: no acceptable payment requirement")
}

func (c *Client) allowsNetwork(network string) bool {
	if len(c.Networks) == 0 {
		return true
	}
	for _, n := range c.Networks {
		if n == network {
			return true
		}
	}
	return false
}
