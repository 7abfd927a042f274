package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/mbd888/paygate/internal/security"
)

const (
	// MaxResponseSize caps the backend response body read into memory.
	MaxResponseSize = 10 << 20

	DefaultForwardTimeout = 30 * time.Second
	MaxForwardTimeout     = 120 * time.Second
)

var (
	ErrTargetTimeout     = errors.New("gateway: target timed out")
	ErrTargetUnreachable = errors.New("gateway: target unreachable")
	ErrResponseTooLarge  = errors.New("gateway: target response too large")
)

// ForwardRequest is the input to the HTTP forwarder.
type ForwardRequest struct {
	TargetURL   string
	Body        []byte
	ContentType string
	Header      http.Header // already filtered by the header policy
	Timeout     time.Duration
}

// ForwardResponse is what the backend returned.
type ForwardResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	LatencyMs   int64
}

// OK reports a 2xx response, the only outcome that is charged.
func (r *ForwardResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Forwarder POSTs calls to agent targets.
type Forwarder struct {
	client         *http.Client
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithTimeouts sets the default and maximum per-call timeout.
func WithTimeouts(def, max time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if def > 0 {
			f.defaultTimeout = def
		}
		if max > 0 {
			f.maxTimeout = max
		}
	}
}

// AllowPrivateNetworks disables the dial-time private address guard.
func AllowPrivateNetworks() ForwarderOption {
	return func(f *Forwarder) {
		f.client.Transport = newTransport(nil)
	}
}

// NewForwarder creates a forwarder whose dialer refuses private addresses,
// so DNS answers cannot bypass the target URL check.
func NewForwarder(opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		client: &http.Client{
			Transport: newTransport(security.DialControl),
			// redirects could point anywhere; the backend's 3xx is mirrored instead
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		defaultTimeout: DefaultForwardTimeout,
		maxTimeout:     MaxForwardTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func newTransport(control func(string, string, syscall.RawConn) error) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second, Control: control}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Timeout returns min(agent timeout, platform max), or the default when the
// agent has none.
func (f *Forwarder) Timeout(agent time.Duration) time.Duration {
	if agent <= 0 {
		return f.defaultTimeout
	}
	if agent > f.maxTimeout {
		return f.maxTimeout
	}
	return agent
}

// Forward sends the call. Any non-nil error is ErrTargetTimeout or
// ErrTargetUnreachable; non-2xx responses are returned without error.
func (f *Forwarder) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout(req.Timeout))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TargetURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = v
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classifyForwardError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, classifyForwardError(ctx, err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("%w: %w", ErrTargetUnreachable, ErrResponseTooLarge)
	}

	return &ForwardResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		LatencyMs:   latency,
	}, nil
}

func classifyForwardError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTargetTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
}
