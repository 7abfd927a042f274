// Package chain provides pooled, instrumented read access to EVM chains.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/paygate/internal/circuitbreaker"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/networks"
)

var (
	ErrRPCConnection = errors.New("chain: RPC connection failed")
	ErrReverted      = errors.New("chain: call reverted")
)

// DefaultRPCTimeout bounds each individual RPC call.
const DefaultRPCTimeout = 10 * time.Second

// CallError wraps a failed contract call with the method and decoded
// revert reason, when the node returned one.
type CallError struct {
	ChainID int64
	Method  string
	Reason  string // decoded Error(string) revert reason, if any
	Err     error
}

func (e *CallError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chain %d: %s reverted: %s", e.ChainID, e.Method, e.Reason)
	}
	return fmt.Sprintf("chain %d: %s failed: %v", e.ChainID, e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// EthClient is the subset of ethclient.Client the gateway uses.
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a client for an RPC URL.
type Dialer func(ctx context.Context, rpcURL string) (EthClient, error)

// Pool keeps one long-lived client per RPC endpoint and applies a timeout,
// a per-chain circuit breaker, and metrics to every call.
type Pool struct {
	resolver networks.Resolver
	dial     Dialer
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker

	mu      sync.Mutex
	clients map[string]EthClient
}

// Option configures the pool
type Option func(*Pool)

// WithDialer replaces the ethclient dialer (useful for testing).
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// WithTimeout sets the per-call RPC timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBreaker replaces the per-chain circuit breaker. A nil breaker
// disables it.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(p *Pool) { p.breaker = b }
}

// NewPool creates a pool that resolves chain ids through resolver.
func NewPool(resolver networks.Resolver, opts ...Option) *Pool {
	p := &Pool{
		resolver: resolver,
		timeout:  DefaultRPCTimeout,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		clients:  make(map[string]EthClient),
		dial: func(ctx context.Context, url string) (EthClient, error) {
			return ethclient.DialContext(ctx, url)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Network resolves the chain configuration.
func (p *Pool) Network(ctx context.Context, chainID int64) (*networks.Config, error) {
	return p.resolver.Resolve(ctx, chainID)
}

func (p *Pool) client(ctx context.Context, cfg *networks.Config) (EthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[cfg.RPCURL]; ok {
		return c, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	c, err := p.dial(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %d: %v", ErrRPCConnection, cfg.ChainID, err)
	}
	p.clients[cfg.RPCURL] = c
	return c, nil
}

// Call packs method/args with contractABI, executes eth_call against to,
// and unpacks the outputs.
func (p *Pool) Call(ctx context.Context, cfg *networks.Config, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := p.CallRaw(ctx, cfg, method, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return nil, err
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, &CallError{ChainID: cfg.ChainID, Method: method, Err: fmt.Errorf("unpack: %w", err)}
	}
	return out, nil
}

// CallRaw executes an eth_call at the latest block. The method name is
// used only for metrics and errors.
func (p *Pool) CallRaw(ctx context.Context, cfg *networks.Config, method string, msg ethereum.CallMsg) ([]byte, error) {
	c, err := p.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var out []byte
	err = p.guard(cfg, method, func() error {
		var callErr error
		out, callErr = c.CallContract(ctx, msg, nil)
		metrics.ObserveRPC(cfg.ChainID, method, callErr)
		if callErr != nil {
			return wrapCallError(cfg.ChainID, method, callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FilterLogs runs eth_getLogs with the pool timeout.
func (p *Pool) FilterLogs(ctx context.Context, cfg *networks.Config, q ethereum.FilterQuery) ([]types.Log, error) {
	c, err := p.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var logs []types.Log
	err = p.guard(cfg, "eth_getLogs", func() error {
		var callErr error
		logs, callErr = c.FilterLogs(ctx, q)
		metrics.ObserveRPC(cfg.ChainID, "eth_getLogs", callErr)
		if callErr != nil {
			return &CallError{ChainID: cfg.ChainID, Method: "eth_getLogs", Err: callErr}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// BlockNumber returns the latest block height.
func (p *Pool) BlockNumber(ctx context.Context, cfg *networks.Config) (uint64, error) {
	c, err := p.client(ctx, cfg)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var n uint64
	err = p.guard(cfg, "eth_blockNumber", func() error {
		var callErr error
		n, callErr = c.BlockNumber(ctx)
		metrics.ObserveRPC(cfg.ChainID, "eth_blockNumber", callErr)
		if callErr != nil {
			return &CallError{ChainID: cfg.ChainID, Method: "eth_blockNumber", Err: callErr}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.clients {
		c.Close()
		delete(p.clients, url)
	}
}

// guard runs fn behind the chain's circuit breaker. Reverts are answers
// from a healthy node and do not count as failures.
func (p *Pool) guard(cfg *networks.Config, method string, fn func() error) error {
	key := "chain:" + strconv.FormatInt(cfg.ChainID, 10)
	err := p.breaker.Execute(key, fn, func(err error) bool { return !errors.Is(err, ErrReverted) })
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &CallError{ChainID: cfg.ChainID, Method: method, Err: fmt.Errorf("%w: %w", ErrRPCConnection, err)}
	}
	return err
}

func wrapCallError(chainID int64, method string, err error) error {
	ce := &CallError{ChainID: chainID, Method: method, Err: err}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					ce.Reason = reason
				}
			}
		}
		ce.Err = fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return ce
}
