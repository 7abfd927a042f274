package paywall

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/pkg/x402"
)

// ErrMalformedPayment wraps any payment header that cannot be decoded.
var ErrMalformedPayment = errors.New("paywall: malformed payment header")

// DecodePayment reads the caller's payment from PAYMENT-SIGNATURE or the
// legacy X-PAYMENT header. x402.ErrNoPayment is returned unchanged.
func DecodePayment(h http.Header) (*x402.PaymentPayload, error) {
	p, err := x402.PaymentFromRequest(h)
	if errors.Is(err, x402.ErrNoPayment) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	return p, nil
}

// EncodeRequired encodes the PAYMENT-REQUIRED header value.
func EncodeRequired(pr *x402.PaymentRequired) (string, error) {
	return x402.EncodeHeader(pr)
}

// EncodeSettlement encodes the PAYMENT-RESPONSE header value.
func EncodeSettlement(s *x402.PaymentResponse) (string, error) {
	return x402.EncodeHeader(s)
}

// Challenge is the 402 body: the x402 challenge plus the gateway's error
// detail when an earlier payment was rejected.
type Challenge struct {
	*x402.PaymentRequired
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteChallenge aborts c with a 402 carrying the challenge in both the
// PAYMENT-REQUIRED header and the body.
func WriteChallenge(c *gin.Context, ch Challenge) {
	if v, err := EncodeRequired(ch.PaymentRequired); err == nil {
		c.Header(x402.HeaderPaymentRequired, v)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, ch)
}

// SetSettlement attaches the PAYMENT-RESPONSE header.
func SetSettlement(c *gin.Context, s *x402.PaymentResponse) {
	if s == nil {
		return
	}
	if v, err := EncodeSettlement(s); err == nil {
		c.Header(x402.HeaderPaymentResponse, v)
	}
}
