package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/directory"
	"github.com/mbd888/paygate/internal/events"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/pkg/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var agentOwner = common.HexToAddress("0x1111111111111111111111111111111111111111")

// fakeOwnership answers every ownership read without a chain.
type fakeOwnership struct{}

func (fakeOwnership) OwnerOf(context.Context, int64, *big.Int) (common.Address, error) {
	return agentOwner, nil
}

func (fakeOwnership) BatchOwnerOf(_ context.Context, _ int64, ids []*big.Int) (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(ids))
	for _, id := range ids {
		out[id.String()] = agentOwner
	}
	return out, nil
}

func (fakeOwnership) TokensOwnedBy(context.Context, int64, common.Address) ([]*big.Int, error) {
	return []*big.Int{big.NewInt(7)}, nil
}

func (fakeOwnership) LastFeedbackIndex(context.Context, int64, *big.Int, common.Address) (uint64, error) {
	return 0, nil
}

func newFacilitator(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kinds":[{"x402Version":2,"scheme":"exact","network":"eip155:84532"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a minimal config for testing
func testConfig(facilitatorURL string) *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "json",
		PublicBaseURL:         "https://gw.test",
		FacilitatorURL:        facilitatorURL,
		RPCTimeout:            time.Second,
		ForwardDefaultTimeout: time.Second,
		ForwardMaxTimeout:     2 * time.Second,
		ReconcileInterval:     time.Minute,
	}
}

// newTestServer creates a server with in-memory stores and a fake oracle
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *directory.MemoryStore) {
	t.Helper()
	agents := directory.NewMemoryStore()
	agents.Put(&directory.AgentRecord{
		ID:         "agt_1",
		Handle:     "acme",
		Slug:       "summarize",
		TargetURL:  "https://agent.acme.dev/summarize",
		PriceCents: 5,
		ChainID:    84532,
		TokenID:    big.NewInt(7),
		Active:     true,
	})
	s, err := New(cfg,
		WithAgentStore(agents),
		WithLedgerStore(ledger.NewMemoryStore()),
		WithOwnership(fakeOwnership{}),
		WithEventPublisher(&events.MemoryPublisher{}),
		WithVersion("test"),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return s, agents
}

func do(s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(`{"text":"hi"}`))
	for k, v := range header {
		req.Header[k] = v
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))

	w := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "facilitator", resp.Checks[0].Name)
}

func TestHealth_FacilitatorDown(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, false).URL))

	w := do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestLivenessAndReadiness(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/ready", nil).Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))

	do(s, http.MethodPost, "/api/call/acme/summarize", nil)
	w := do(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "paygate_")
}

func TestCall_ChallengeThroughFullStack(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))

	w := do(s, http.MethodPost, "/api/call/acme/summarize", nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	requestID := w.Header().Get("X-Request-ID")
	assert.True(t, strings.HasPrefix(requestID, "req_"), requestID)
	require.NotEmpty(t, w.Header().Get(x402.HeaderPaymentRequired))

	var body x402.PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "50000", body.Accepts[0].Amount)
	assert.Equal(t, agentOwner.Hex(), body.Accepts[0].PayTo)
	require.NotNil(t, body.Resource)
	assert.Equal(t, "https://gw.test/api/call/acme/summarize", body.Resource.URL)
}

func TestCall_UnknownAgentCarriesRequestID(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))

	w := do(s, http.MethodPost, "/api/call/acme/nope", http.Header{"X-Request-Id": {"req_upstream"}})
	require.Equal(t, http.StatusNotFound, w.Code)

	requestID := w.Header().Get("X-Request-ID")
	assert.True(t, strings.HasPrefix(requestID, "req_"), requestID)
	assert.NotEqual(t, "req_upstream", requestID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, requestID, body["requestId"])
}

func TestRequestID_AlwaysGenerated(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))

	for _, upstream := range []string{"", "req_mine", strings.Repeat("x", 500)} {
		w := do(s, http.MethodGet, "/health/live", http.Header{"X-Request-Id": {upstream}})
		got := w.Header().Get("X-Request-ID")
		assert.True(t, strings.HasPrefix(got, "req_"), got)
		assert.NotEqual(t, upstream, got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))

	w := do(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestDashboard_DisabledWithoutJWTSecret(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))

	w := do(s, http.MethodGet, "/api/agents/agt_1/payments", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboard_RequiresBearer(t *testing.T) {
	cfg := testConfig(newFacilitator(t, true).URL)
	cfg.JWTSecret = strings.Repeat("s", 32)
	s, _ := newTestServer(t, cfg)

	w := do(s, http.MethodGet, "/api/agents/agt_1/payments", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNew_RejectsBadNetworksFile(t *testing.T) {
	cfg := testConfig(newFacilitator(t, true).URL)
	cfg.NetworksFile = t.TempDir() + "/missing.yaml"

	_, err := New(cfg, WithOwnership(fakeOwnership{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "networks")
}

func TestNew_RejectsBadFeedbackKey(t *testing.T) {
	cfg := testConfig(newFacilitator(t, true).URL)
	cfg.FeedbackKeyEncryptionKey = "zz"

	_, err := New(cfg, WithOwnership(fakeOwnership{}))
	require.Error(t, err)
}

func TestShutdown_WithoutRun(t *testing.T) {
	s, _ := newTestServer(t, testConfig(newFacilitator(t, true).URL))
	assert.NoError(t, s.Shutdown())
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:%2A%2A%2A@db:5432/paygate",
		maskDSN("postgres://user:secret@db:5432/paygate"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
