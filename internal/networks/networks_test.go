package networks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_ResolveBaseSepolia(t *testing.T) {
	r, err := NewRegistry(Defaults()...)
	require.NoError(t, err)

	cfg, err := r.Resolve(context.Background(), 84532)
	require.NoError(t, err)
	assert.Equal(t, "eip155:84532", cfg.Network())
	assert.Equal(t, 6, cfg.Asset.Decimals)
	assert.Equal(t, "USDC", cfg.SigningDomain().Name)
	assert.Equal(t, Multicall3Address, cfg.Multicall3)
	assert.Equal(t, []int64{8453, 84532}, r.ChainIDs())
}

func TestResolve_Unsupported(t *testing.T) {
	r, err := NewRegistry(Defaults()...)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrUnsupportedNetwork))
}

func TestResolve_ReturnsCopy(t *testing.T) {
	r, err := NewRegistry(Defaults()...)
	require.NoError(t, err)

	a, _ := r.Resolve(context.Background(), 8453)
	a.RPCURL = "mutated"
	b, _ := r.Resolve(context.Background(), 8453)
	assert.NotEqual(t, "mutated", b.RPCURL)
}

func TestLoad_FileOverridesAndExtends(t *testing.T) {
	t.Setenv("TEST_SEPOLIA_RPC", "https://rpc.test/sepolia")
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
networks:
  - chainId: 84532
    rpcUrl: ${TEST_SEPOLIA_RPC}
    identityRegistry: "0x8004a6090Cd10A7288092483047B097295Fb8847"
    reputationRegistry: "0x8004B8FD1A363aa02fDC07635C0c5F94f6Af5B7E"
    identityDeployBlock: 25000000
  - chainId: 11155111
    name: sepolia
    rpcUrl: https://rpc.test/eth-sepolia
    asset:
      address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
      name: USDC
      version: "2"
      decimals: 6
`), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	cfg, err := r.Resolve(context.Background(), 84532)
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.test/sepolia", cfg.RPCURL)
	assert.Equal(t, uint64(25000000), cfg.IdentityDeployBlock)
	// untouched defaults survive the merge
	assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", cfg.Asset.Address)

	eth, err := r.Resolve(context.Background(), 11155111)
	require.NoError(t, err)
	assert.Equal(t, Multicall3Address, eth.Multicall3)
	assert.Equal(t, uint64(DefaultLogChunkSize), eth.LogChunkSize)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("networks:\n  - chainId: 1\n    rpcURL: typo\n"))
	assert.Error(t, err)
}

func TestNewRegistry_Validation(t *testing.T) {
	base := Defaults()[0]

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad asset", func(c *Config) { c.Asset.Address = "nope" }},
		{"no rpc", func(c *Config) { c.RPCURL = "" }},
		{"no domain", func(c *Config) { c.Asset.Version = "" }},
		{"bad registry", func(c *Config) { c.IdentityRegistry = "0x12" }},
		{"low decimals", func(c *Config) { c.Asset.Decimals = 0 }},
		{"zero chain", func(c *Config) { c.ChainID = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			_, err := NewRegistry(c)
			assert.Error(t, err)
		})
	}
}
