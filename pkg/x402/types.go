// Package x402 implements the x402 "exact" payment scheme wire types, header
// codec, and a paying HTTP client.
package x402

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Protocol versions. V2 moves the requirements echo into "accepted" and the
// resource description to the top level of the 402 body.
const (
	Version1 = 1
	Version2 = 2

	SchemeExact = "exact"
)

// Header names.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentLegacy    = "X-PAYMENT"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// Resource describes what the caller is paying for.
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// SigningDomain carries the EIP-712 domain name/version of the asset contract.
type SigningDomain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentRequirements describes one acceptable way to pay.
// Network is a CAIP-2 identifier ("eip155:84532"); Amount is in atomic units.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Amount            string         `json:"amount"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             *SigningDomain `json:"extra,omitempty"`
}

// PaymentRequired is the 402 challenge, sent both as the JSON body and
// base64-encoded in the PAYMENT-REQUIRED header.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *Resource             `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Authorization holds the EIP-3009 transferWithAuthorization parameters.
type Authorization struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	Value       string    `json:"value"`
	ValidAfter  Timestamp `json:"validAfter"`
	ValidBefore Timestamp `json:"validBefore"`
	Nonce       string    `json:"nonce"`
}

// ExactPayload is the scheme-specific payload of the "exact" EVM scheme.
type ExactPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// PaymentPayload is what the caller sends in PAYMENT-SIGNATURE (v2) or
// X-PAYMENT (v1). V1 payloads carry scheme/network at the top level; v2
// payloads echo the full requirements in Accepted.
type PaymentPayload struct {
	X402Version int                  `json:"x402Version"`
	Scheme      string               `json:"scheme,omitempty"`
	Network     string               `json:"network,omitempty"`
	Accepted    *PaymentRequirements `json:"accepted,omitempty"`
	Payload     ExactPayload         `json:"payload"`
}

// SchemeName returns the declared scheme, preferring the v2 echo.
func (p *PaymentPayload) SchemeName() string {
	if p.Accepted != nil && p.Accepted.Scheme != "" {
		return p.Accepted.Scheme
	}
	return p.Scheme
}

// NetworkID returns the declared CAIP-2 network, preferring the v2 echo.
func (p *PaymentPayload) NetworkID() string {
	if p.Accepted != nil && p.Accepted.Network != "" {
		return p.Accepted.Network
	}
	return p.Network
}

// PaymentResponse is sent in the PAYMENT-RESPONSE header once a call has
// reached settlement.
type PaymentResponse struct {
	Success      bool                 `json:"success"`
	Transaction  string               `json:"transaction,omitempty"`
	Network      string               `json:"network,omitempty"`
	Payer        string               `json:"payer,omitempty"`
	ErrorReason  string               `json:"errorReason,omitempty"`
	Requirements *PaymentRequirements `json:"requirements,omitempty"`
}

// Error is the JSON error body returned by the gateway.
type Error struct {
	Code      string `json:"error"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// Timestamp is a unix time that accepts both JSON numbers and decimal
// strings and always marshals as a string.
type Timestamp int64

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(t), 10))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("x402: invalid timestamp %q", s)
	}
	*t = Timestamp(v)
	return nil
}

// CAIP2 formats an EVM chain id as a CAIP-2 network identifier.
func CAIP2(chainID int64) string {
	return "eip155:" + strconv.FormatInt(chainID, 10)
}

// ParseCAIP2 extracts the chain id from an "eip155:<id>" network identifier.
func ParseCAIP2(network string) (int64, error) {
	ns, ref, ok := strings.Cut(network, ":")
	if !ok || ns != "eip155" {
		return 0, fmt.Errorf("x402: unsupported network %q", network)
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("x402: invalid chain id in %q", network)
	}
	return id, nil
}
