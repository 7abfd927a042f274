package gateway

import (
	"net/http"
	"strings"

	"github.com/mbd888/paygate/pkg/x402"
)

// HeaderAction decides what happens to one request header on the way to
// the backend.
type HeaderAction int

const (
	Keep HeaderAction = iota
	Drop
	Override // replaced by a gateway-supplied value, or dropped if none
)

func (a HeaderAction) String() string {
	switch a {
	case Drop:
		return "drop"
	case Override:
		return "override"
	default:
		return "keep"
	}
}

// Headers injected by the gateway.
const (
	HeaderRequestID      = "X-Gateway-Request-ID"
	HeaderAgentID        = "X-Agent-ID"
	HeaderPayerAddress   = "X-Payer-Address"
	HeaderGatewaySecret  = "X-Gateway-Secret"
	HeaderFeedbackAuth   = "X-Feedback-Auth"
	HeaderFeedbackExpiry = "X-Feedback-Auth-Expires"
)

// HeaderPolicy maps canonical header names to actions. Unlisted headers
// get Default.
type HeaderPolicy struct {
	Rules   map[string]HeaderAction
	Default HeaderAction
}

// DefaultHeaderPolicy strips hop-by-hop, credential, and payment-protocol
// headers and reserves the gateway's own metadata headers.
func DefaultHeaderPolicy() HeaderPolicy {
	rules := map[string]HeaderAction{}
	for _, h := range []string{
		// hop-by-hop
		"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
		// credentials
		"Authorization", "Cookie",
		// payment protocol
		x402.HeaderPaymentSignature, x402.HeaderPaymentLegacy,
		x402.HeaderPaymentRequired, x402.HeaderPaymentResponse,
		// recomputed by the transport
		"Host", "Content-Length",
	} {
		rules[http.CanonicalHeaderKey(h)] = Drop
	}
	for _, h := range []string{HeaderRequestID, HeaderAgentID, HeaderPayerAddress, HeaderGatewaySecret} {
		rules[http.CanonicalHeaderKey(h)] = Override
	}
	return HeaderPolicy{Rules: rules, Default: Keep}
}

// Action returns the action for name.
func (p HeaderPolicy) Action(name string) HeaderAction {
	if a, ok := p.Rules[http.CanonicalHeaderKey(name)]; ok {
		return a
	}
	return p.Default
}

// Apply builds the outbound header set from the caller's headers and the
// gateway overrides. Headers named in the caller's Connection header are
// dropped too. An override with an empty value removes the header.
func (p HeaderPolicy) Apply(in http.Header, overrides map[string]string) http.Header {
	connTokens := map[string]bool{}
	for _, v := range in.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				connTokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}

	out := make(http.Header, len(in)+len(overrides))
	for name, values := range in {
		canon := http.CanonicalHeaderKey(name)
		if connTokens[canon] || p.Action(canon) != Keep {
			continue
		}
		out[canon] = append([]string(nil), values...)
	}
	for name, value := range overrides {
		canon := http.CanonicalHeaderKey(name)
		if p.Action(canon) != Override || value == "" {
			continue
		}
		out.Set(canon, value)
	}
	return out
}
