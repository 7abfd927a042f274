// Package networks resolves chain ids to the RPC endpoint, payment asset, and
// registry contracts the gateway uses on that chain.
package networks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/paygate/pkg/x402"
)

// ErrUnsupportedNetwork is returned for chain ids with no configuration.
var ErrUnsupportedNetwork = errors.New("networks: unsupported network")

// Multicall3Address is deployed at the same address on every major EVM chain.
const Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

// DefaultLogChunkSize is the block window used when scanning event logs.
const DefaultLogChunkSize = 10_000

// Asset is the ERC-20 / EIP-3009 token used for payment.
type Asset struct {
	Address  string `yaml:"address" json:"address"`
	Name     string `yaml:"name" json:"name"`       // EIP-712 domain name
	Version  string `yaml:"version" json:"version"` // EIP-712 domain version
	Decimals int    `yaml:"decimals" json:"decimals"`
}

// Config is the immutable per-chain configuration.
type Config struct {
	ChainID             int64  `yaml:"chainId" json:"chainId"`
	Name                string `yaml:"name" json:"name"`
	RPCURL              string `yaml:"rpcUrl" json:"rpcUrl"`
	Asset               Asset  `yaml:"asset" json:"asset"`
	IdentityRegistry    string `yaml:"identityRegistry" json:"identityRegistry"`
	ReputationRegistry  string `yaml:"reputationRegistry" json:"reputationRegistry"`
	IdentityDeployBlock uint64 `yaml:"identityDeployBlock" json:"identityDeployBlock"`
	Multicall3          string `yaml:"multicall3" json:"multicall3"`
	LogChunkSize        uint64 `yaml:"logChunkSize" json:"logChunkSize"`
}

// Network returns the CAIP-2 identifier, e.g. "eip155:84532".
func (c *Config) Network() string {
	return x402.CAIP2(c.ChainID)
}

// SigningDomain returns the EIP-712 domain of the payment asset.
func (c *Config) SigningDomain() *x402.SigningDomain {
	return &x402.SigningDomain{Name: c.Asset.Name, Version: c.Asset.Version}
}

// Validate checks required fields and address formats.
func (c *Config) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("networks: chainId must be positive")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("networks: chain %d: rpcUrl is required", c.ChainID)
	}
	if !common.IsHexAddress(c.Asset.Address) {
		return fmt.Errorf("networks: chain %d: asset.address is not an address", c.ChainID)
	}
	if c.Asset.Name == "" || c.Asset.Version == "" {
		return fmt.Errorf("networks: chain %d: asset signing domain (name, version) is required", c.ChainID)
	}
	if c.Asset.Decimals < 2 {
		return fmt.Errorf("networks: chain %d: asset.decimals must be at least 2", c.ChainID)
	}
	for field, addr := range map[string]string{
		"identityRegistry":   c.IdentityRegistry,
		"reputationRegistry": c.ReputationRegistry,
		"multicall3":         c.Multicall3,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("networks: chain %d: %s is not an address", c.ChainID, field)
		}
	}
	return nil
}

// Resolver maps a chain id to its configuration.
type Resolver interface {
	Resolve(ctx context.Context, chainID int64) (*Config, error)
}

// Registry is a static, read-only Resolver.
type Registry struct {
	configs map[int64]Config
}

var _ Resolver = (*Registry)(nil)

// Defaults returns the built-in Base and Base Sepolia configurations.
// Registry addresses are deployment specific and come from the networks file.
func Defaults() []Config {
	return []Config{
		{
			ChainID: 84532,
			Name:    "base-sepolia",
			RPCURL:  "https://sepolia.base.org",
			Asset: Asset{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Name:     "USDC",
				Version:  "2",
				Decimals: 6,
			},
			Multicall3:   Multicall3Address,
			LogChunkSize: DefaultLogChunkSize,
		},
		{
			ChainID: 8453,
			Name:    "base",
			RPCURL:  "https://mainnet.base.org",
			Asset: Asset{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: 6,
			},
			Multicall3:   Multicall3Address,
			LogChunkSize: DefaultLogChunkSize,
		},
	}
}

// NewRegistry validates and indexes configs. Later entries for the same
// chain id are merged over earlier ones.
func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{configs: make(map[int64]Config, len(configs))}
	for _, c := range configs {
		if prev, ok := r.configs[c.ChainID]; ok {
			c = merge(prev, c)
		}
		if c.Multicall3 == "" {
			c.Multicall3 = Multicall3Address
		}
		if c.LogChunkSize == 0 {
			c.LogChunkSize = DefaultLogChunkSize
		}
		r.configs[c.ChainID] = c
	}
	for _, c := range r.configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load builds a registry from the defaults plus an optional YAML file.
// Environment references like ${BASE_RPC_URL} in the file are expanded.
func Load(path string) (*Registry, error) {
	configs := Defaults()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("networks: read %s: %w", path, err)
		}
		fileConfigs, err := Parse([]byte(os.ExpandEnv(string(data))))
		if err != nil {
			return nil, fmt.Errorf("networks: %s: %w", path, err)
		}
		configs = append(configs, fileConfigs...)
	}
	return NewRegistry(configs...)
}

// Parse decodes a networks YAML document:
//
//	networks:
//	  - chainId: 84532
//	    rpcUrl: https://...
//	    identityRegistry: 0x...
func Parse(data []byte) ([]Config, error) {
	var doc struct {
		Networks []Config `yaml:"networks"`
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return doc.Networks, nil
}

// Resolve returns a copy of the configuration for chainID.
func (r *Registry) Resolve(_ context.Context, chainID int64) (*Config, error) {
	c, ok := r.configs[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d", ErrUnsupportedNetwork, chainID)
	}
	return &c, nil
}

// ChainIDs lists configured chains in ascending order.
func (r *Registry) ChainIDs() []int64 {
	ids := make([]int64, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// merge overlays the non-zero fields of override onto base.
func merge(base, override Config) Config {
	out := base
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.RPCURL != "" {
		out.RPCURL = override.RPCURL
	}
	if override.Asset.Address != "" {
		out.Asset.Address = override.Asset.Address
	}
	if override.Asset.Name != "" {
		out.Asset.Name = override.Asset.Name
	}
	if override.Asset.Version != "" {
		out.Asset.Version = override.Asset.Version
	}
	if override.Asset.Decimals != 0 {
		out.Asset.Decimals = override.Asset.Decimals
	}
	if override.IdentityRegistry != "" {
		out.IdentityRegistry = override.IdentityRegistry
	}
	if override.ReputationRegistry != "" {
		out.ReputationRegistry = override.ReputationRegistry
	}
	if override.IdentityDeployBlock != 0 {
		out.IdentityDeployBlock = override.IdentityDeployBlock
	}
	if override.Multicall3 != "" {
		out.Multicall3 = override.Multicall3
	}
	if override.LogChunkSize != 0 {
		out.LogChunkSize = override.LogChunkSize
	}
	return out
}
