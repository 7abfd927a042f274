package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoPayment is returned when a request carries no payment header.
var ErrNoPayment = errors.New("x402: no payment header")

// maxHeaderPayload bounds the decoded size of a payment header.
const maxHeaderPayload = 16 << 10

// EncodeHeader serializes v as base64(JSON).
func EncodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader parses a base64(JSON) header value into v. Both padded and
// unpadded standard/URL alphabets are accepted.
func DecodeHeader(value string, v any) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("x402: empty header")
	}
	if len(value) > base64.StdEncoding.EncodedLen(maxHeaderPayload) {
		return errors.New("x402: header too large")
	}

	var data []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if data, err = enc.DecodeString(value); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("x402: header is not base64: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("x402: header is not valid JSON: %w", err)
	}
	return nil
}

// PaymentFromRequest extracts the payment payload from PAYMENT-SIGNATURE,
// falling back to the legacy X-PAYMENT header. Returns ErrNoPayment when
// neither is present.
func PaymentFromRequest(h http.Header) (*PaymentPayload, error) {
	raw := h.Get(HeaderPaymentSignature)
	if raw == "" {
		raw = h.Get(HeaderPaymentLegacy)
	}
	if raw == "" {
		return nil, ErrNoPayment
	}

	var p PaymentPayload
	if err := DecodeHeader(raw, &p); err != nil {
		return nil, err
	}
	if p.Payload.Authorization == nil {
		return nil, errors.New("x402: payload has no authorization")
	}
	if p.Payload.Signature == "" {
		return nil, errors.New("x402: payload has no signature")
	}
	return &p, nil
}

// PaymentRequiredFromResponse decodes the 402 challenge from the
// PAYMENT-REQUIRED header, falling back to the JSON body.
func PaymentRequiredFromResponse(resp *http.Response, body []byte) (*PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402: not a 402 response: got %d", resp.StatusCode)
	}

	var pr PaymentRequired
	if raw := resp.Header.Get(HeaderPaymentRequired); raw != "" {
		if err := DecodeHeader(raw, &pr); err != nil {
			return nil, err
		}
		return &pr, nil
	}
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("x402: parse payment requirement: %w", err)
	}
	return &pr, nil
}

// SettlementFromResponse decodes the PAYMENT-RESPONSE header, returning
// nil when the response carries none.
func SettlementFromResponse(resp *http.Response) (*PaymentResponse, error) {
	raw := resp.Header.Get(HeaderPaymentResponse)
	if raw == "" {
		return nil, nil
	}
	var pr PaymentResponse
	if err := DecodeHeader(raw, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}
