package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/pkg/x402"
)

var requirement = x402.PaymentRequirements{
	Scheme:            x402.SchemeExact,
	Network:           "eip155:84532",
	Amount:            "50000",
	Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	PayTo:             "0x1111111111111111111111111111111111111111",
	MaxTimeoutSeconds: 300,
	Extra:             &x402.SigningDomain{Name: "USDC", Version: "2"},
}

func gatewayStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := x402.PaymentFromRequest(r.Header)
		if errors.Is(err, x402.ErrNoPayment) {
			challenge := x402.PaymentRequired{X402Version: x402.Version2, Accepts: []x402.PaymentRequirements{requirement}}
			h, _ := x402.EncodeHeader(challenge)
			w.Header().Set(x402.HeaderPaymentRequired, h)
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(challenge)
			return
		}
		settled, _ := x402.EncodeHeader(x402.PaymentResponse{Success: true, Transaction: "0xfeed", Network: requirement.Network})
		w.Header().Set(x402.HeaderPaymentResponse, settled)
		w.Header().Set("X-Request-ID", "req_1")
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setKey(t *testing.T) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("PAYCALL_PRIVATE_KEY", "0x"+hex.EncodeToString(crypto.FromECDSA(key)))
}

func TestRun_PaysAndPrintsBody(t *testing.T) {
	setKey(t)
	srv := gatewayStub(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-url", srv.URL, "-data", `{"text":"hi"}`}, &stdout, &stderr)

	assert.Equal(t, 0, code, stderr.String())
	assert.Equal(t, `{"text":"hi"}`, stdout.String())
	assert.Contains(t, stderr.String(), "paying 50000 (0.050000 USDC)")
	assert.Contains(t, stderr.String(), "status: 200")
	assert.Contains(t, stderr.String(), `"transaction":"0xfeed"`)
	assert.Contains(t, stderr.String(), "request id: req_1")
}

func TestRun_MaxAmountRefusesPayment(t *testing.T) {
	setKey(t)
	srv := gatewayStub(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-url", srv.URL, "-max-amount", "100"}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "exceeds limit")
	assert.Empty(t, stdout.String())
}

func TestRun_MaxUSDC(t *testing.T) {
	setKey(t)
	srv := gatewayStub(t)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"-url", srv.URL, "-max-usdc", "0.01"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "exceeds limit")

	stdout.Reset()
	stderr.Reset()
	assert.Equal(t, 0, run([]string{"-url", srv.URL, "-max-usdc", "0.05"}, &stdout, &stderr), stderr.String())
	assert.Equal(t, "{}", stdout.String())
}

func TestDisplayUSDC(t *testing.T) {
	assert.Equal(t, "1.500000", displayUSDC("1500000"))
	assert.Equal(t, "?", displayUSDC("0x10"))
}

func TestRun_NetworkFilter(t *testing.T) {
	setKey(t)
	srv := gatewayStub(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-url", srv.URL, "-network", "eip155:8453"}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "no acceptable payment requirement")
}

func TestRun_UsageErrors(t *testing.T) {
	t.Setenv("PAYCALL_PRIVATE_KEY", "")

	tests := []struct {
		name string
		args []string
		env  string
		want string
	}{
		{"missing url", nil, "0x01", "-url is required"},
		{"missing key", []string{"-url", "http://gw"}, "", "PAYCALL_PRIVATE_KEY is required"},
		{"bad key", []string{"-url", "http://gw"}, "zz", "invalid PAYCALL_PRIVATE_KEY"},
		{"bad max amount", []string{"-url", "http://gw", "-max-amount", "lots"}, "", "invalid -max-amount"},
		{"bad max usdc", []string{"-url", "http://gw", "-max-usdc", "1.2.3"}, "", "invalid -max-usdc"},
		{"both limits", []string{"-url", "http://gw", "-max-amount", "1", "-max-usdc", "1"}, "", "mutually exclusive"},
		{"missing body file", []string{"-url", "http://gw", "-data", "@/nonexistent/body.json"}, "", "read /nonexistent/body.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("PAYCALL_PRIVATE_KEY", tt.env)
			} else if tt.want != "PAYCALL_PRIVATE_KEY is required" {
				setKey(t)
			}
			var stdout, stderr bytes.Buffer
			assert.Equal(t, 2, run(tt.args, &stdout, &stderr))
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestReadBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))

	b, err := readBody("@" + path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b))

	b, err = readBody(`{"b":2}`)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(b))
}
