// Package ownership reads who currently controls an agent's on-chain
// identity token.
//
// OwnerOf is the only authoritative read and the only one money-moving code
// may rely on. BatchOwnerOf and TokensOwnedBy serve dashboards.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/paygate/internal/chain"
	"github.com/mbd888/paygate/internal/networks"
)

var (
	// ErrRegistryNotConfigured means the chain has no identity (or
	// reputation) registry address configured.
	ErrRegistryNotConfigured = errors.New("ownership: registry not configured for chain")

	// ErrNoOwner means the token does not exist or has been burned.
	// Unlike transport errors this is not worth retrying.
	ErrNoOwner = errors.New("ownership: token has no owner")
)

// DefaultBatchSize is the number of ownerOf calls per multicall.
const DefaultBatchSize = 200

// Oracle answers ownership questions against the identity registry.
type Oracle struct {
	pool      *chain.Pool
	batchSize int
	logger    *slog.Logger
}

// NewOracle creates an oracle backed by pool.
func NewOracle(pool *chain.Pool, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{pool: pool, batchSize: DefaultBatchSize, logger: logger}
}

func (o *Oracle) identity(ctx context.Context, chainID int64) (*networks.Config, common.Address, error) {
	cfg, err := o.pool.Network(ctx, chainID)
	if err != nil {
		return nil, common.Address{}, err
	}
	if cfg.IdentityRegistry == "" {
		return nil, common.Address{}, fmt.Errorf("%w: identity registry on chain %d", ErrRegistryNotConfigured, chainID)
	}
	return cfg, common.HexToAddress(cfg.IdentityRegistry), nil
}

// OwnerOf returns the current holder of tokenID.
func (o *Oracle) OwnerOf(ctx context.Context, chainID int64, tokenID *big.Int) (common.Address, error) {
	cfg, registry, err := o.identity(ctx, chainID)
	if err != nil {
		return common.Address{}, err
	}

	out, err := o.pool.Call(ctx, cfg, registry, chain.IdentityABI, "ownerOf", tokenID)
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			return common.Address{}, fmt.Errorf("%w: token %s: %v", ErrNoOwner, tokenID, err)
		}
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok || owner == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: token %s", ErrNoOwner, tokenID)
	}
	return owner, nil
}

// BatchOwnerOf reads many owners through Multicall3. Tokens whose call
// failed, or whose whole chunk failed, are absent from the result. The
// error return is reserved for configuration problems.
func (o *Oracle) BatchOwnerOf(ctx context.Context, chainID int64, tokenIDs []*big.Int) (map[string]common.Address, error) {
	cfg, registry, err := o.identity(ctx, chainID)
	if err != nil {
		return nil, err
	}

	owners := make(map[string]common.Address, len(tokenIDs))
	multicall := common.HexToAddress(cfg.Multicall3)

	for start := 0; start < len(tokenIDs); start += o.batchSize {
		end := min(start+o.batchSize, len(tokenIDs))
		chunk := tokenIDs[start:end]

		calls := make([]chain.Call3, 0, len(chunk))
		for _, id := range chunk {
			data, err := chain.IdentityABI.Pack("ownerOf", id)
			if err != nil {
				return nil, fmt.Errorf("ownership: pack ownerOf: %w", err)
			}
			calls = append(calls, chain.Call3{Target: registry, AllowFailure: true, CallData: data})
		}

		out, err := o.pool.Call(ctx, cfg, multicall, chain.Multicall3ABI, "aggregate3", calls)
		if err != nil {
			o.logger.Warn("multicall chunk failed", "chain_id", chainID, "tokens", len(chunk), "error", err)
			continue
		}
		results := *abi.ConvertType(out[0], new([]chain.Call3Result)).(*[]chain.Call3Result)

		for i, res := range results {
			if i >= len(chunk) || !res.Success || len(res.ReturnData) < 32 {
				continue
			}
			owner := common.BytesToAddress(res.ReturnData[12:32])
			if owner == (common.Address{}) {
				continue
			}
			owners[chunk[i].String()] = owner
		}
	}
	return owners, nil
}

// TokensOwnedBy derives the tokens held by owner by replaying identity
// registry Transfer logs from the deployment block. The result is a
// derived view and may lag or miss tokens on RPC errors; never use it to
// decide who gets paid.
func (o *Oracle) TokensOwnedBy(ctx context.Context, chainID int64, owner common.Address) ([]*big.Int, error) {
	cfg, registry, err := o.identity(ctx, chainID)
	if err != nil {
		return nil, err
	}
	latest, err := o.pool.BlockNumber(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ownerTopic := common.BytesToHash(owner.Bytes())
	chunk := cfg.LogChunkSize
	if chunk == 0 {
		chunk = networks.DefaultLogChunkSize
	}

	var logs []types.Log
	seen := make(map[logKey]bool)
	for from := cfg.IdentityDeployBlock; from <= latest; from += chunk {
		to := min(from+chunk-1, latest)
		for _, topics := range [][][]common.Hash{
			{{chain.TransferTopic}, nil, {ownerTopic}}, // received
			{{chain.TransferTopic}, {ownerTopic}},      // sent
		} {
			batch, err := o.pool.FilterLogs(ctx, cfg, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{registry},
				Topics:    topics,
			})
			if err != nil {
				return nil, err
			}
			for _, l := range batch {
				k := logKey{tx: l.TxHash, index: l.Index}
				if l.Removed || len(l.Topics) != 4 || seen[k] {
					continue
				}
				seen[k] = true
				logs = append(logs, l)
			}
		}
	}

	return replay(logs, owner), nil
}

type logKey struct {
	tx    common.Hash
	index uint
}

// replay applies transfers in chain order and returns what owner holds at the end.
func replay(logs []types.Log, owner common.Address) []*big.Int {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	held := make(map[string]*big.Int)
	for _, l := range logs {
		from := common.BytesToAddress(l.Topics[1].Bytes())
		to := common.BytesToAddress(l.Topics[2].Bytes())
		id := new(big.Int).SetBytes(l.Topics[3].Bytes())
		if from == owner {
			delete(held, id.String())
		}
		if to == owner {
			held[id.String()] = id
		}
	}

	tokens := make([]*big.Int, 0, len(held))
	for _, id := range held {
		tokens = append(tokens, id)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Cmp(tokens[j]) < 0 })
	return tokens
}

// LastFeedbackIndex returns how many feedback entries client has already
// submitted for the agent, as recorded by the reputation registry.
func (o *Oracle) LastFeedbackIndex(ctx context.Context, chainID int64, tokenID *big.Int, client common.Address) (uint64, error) {
	cfg, err := o.pool.Network(ctx, chainID)
	if err != nil {
		return 0, err
	}
	if cfg.ReputationRegistry == "" {
		return 0, fmt.Errorf("%w: reputation registry on chain %d", ErrRegistryNotConfigured, chainID)
	}

	out, err := o.pool.Call(ctx, cfg, common.HexToAddress(cfg.ReputationRegistry), chain.ReputationABI, "getLastIndex", tokenID, client)
	if err != nil {
		return 0, err
	}
	idx, ok := out[0].(uint64)
	if !ok {
		return 0, fmt.Errorf("ownership: unexpected getLastIndex output %T", out[0])
	}
	return idx, nil
}
