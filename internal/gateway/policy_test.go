package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/paygate/pkg/x402"
)

func TestDefaultHeaderPolicy_Apply(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "application/json")
	in.Set("Accept", "application/json")
	in.Set("User-Agent", "agent-sdk/1.0")
	in.Set("Authorization", "Bearer secret")
	in.Set("Cookie", "session=1")
	in.Set(x402.HeaderPaymentSignature, "eyJ...")
	in.Set(x402.HeaderPaymentLegacy, "eyJ...")
	in.Set("Transfer-Encoding", "chunked")
	in.Set("Keep-Alive", "timeout=5")
	in.Set(HeaderAgentID, "spoofed")
	in.Set(HeaderGatewaySecret, "spoofed")

	out := DefaultHeaderPolicy().Apply(in, map[string]string{
		HeaderRequestID:     "req_1",
		HeaderAgentID:       "agt_1",
		HeaderPayerAddress:  "0xabc",
		HeaderGatewaySecret: "",
	})

	assert.Equal(t, "application/json", out.Get("Accept"))
	assert.Equal(t, "agent-sdk/1.0", out.Get("User-Agent"))
	for _, h := range []string{"Authorization", "Cookie", x402.HeaderPaymentSignature, x402.HeaderPaymentLegacy, "Transfer-Encoding", "Keep-Alive"} {
		assert.Empty(t, out.Values(h), h)
	}
	assert.Equal(t, "req_1", out.Get(HeaderRequestID))
	assert.Equal(t, []string{"agt_1"}, out.Values(HeaderAgentID))
	assert.Equal(t, "0xabc", out.Get(HeaderPayerAddress))
	// caller value never passes through, even without a replacement
	assert.Empty(t, out.Values(HeaderGatewaySecret))
}

func TestHeaderPolicy_DropsConnectionTokens(t *testing.T) {
	in := http.Header{}
	in.Set("Connection", "X-Debug, close")
	in.Set("X-Debug", "1")
	in.Set("X-Trace", "2")

	out := DefaultHeaderPolicy().Apply(in, nil)

	assert.Empty(t, out.Get("X-Debug"))
	assert.Empty(t, out.Get("Connection"))
	assert.Equal(t, "2", out.Get("X-Trace"))
}

func TestHeaderPolicy_OverrideOnlyForOverrideRules(t *testing.T) {
	p := HeaderPolicy{Rules: map[string]HeaderAction{"X-Tenant": Override}, Default: Drop}

	out := p.Apply(http.Header{"X-Other": {"a"}}, map[string]string{"x-tenant": "t1", "X-Other": "b"})

	assert.Equal(t, "t1", out.Get("X-Tenant"))
	assert.Empty(t, out.Get("X-Other"))
}

func TestHeaderPolicy_ApplyCopiesValues(t *testing.T) {
	in := http.Header{"Accept": {"a", "b"}}
	out := DefaultHeaderPolicy().Apply(in, nil)
	out["Accept"][0] = "changed"

	assert.Equal(t, "a", in.Get("Accept"))
}

func TestHeaderAction_String(t *testing.T) {
	assert.Equal(t, "keep", Keep.String())
	assert.Equal(t, "drop", Drop.String())
	assert.Equal(t, "override", Override.String())
	assert.Equal(t, Drop, DefaultHeaderPolicy().Action("content-length"))
	assert.Equal(t, Keep, DefaultHeaderPolicy().Action("X-Custom"))
}
