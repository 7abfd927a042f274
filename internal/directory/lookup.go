package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paygate/internal/networks"
	"github.com/mbd888/paygate/internal/ownership"
	"github.com/mbd888/paygate/internal/security"
)

// OwnerReader reads the authoritative owner of an identity token.
type OwnerReader interface {
	OwnerOf(ctx context.Context, chainID int64, tokenID *big.Int) (common.Address, error)
}

// Target is a resolved agent plus the wallet that must be paid.
type Target struct {
	Agent *AgentRecord
	PayTo common.Address
}

// Lookup resolves routes to payable targets.
type Lookup struct {
	store        Store
	owners       OwnerReader
	allowPrivate bool
	logger       *slog.Logger
}

// LookupOption configures a Lookup.
type LookupOption func(*Lookup)

// AllowPrivateTargets disables the private-network guard on target URLs.
// Placeholder URLs are still rejected.
func AllowPrivateTargets(allow bool) LookupOption {
	return func(l *Lookup) { l.allowPrivate = allow }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LookupOption {
	return func(l *Lookup) { l.logger = logger }
}

// NewLookup creates a Lookup.
func NewLookup(store Store, owners OwnerReader, opts ...LookupOption) *Lookup {
	l := &Lookup{store: store, owners: owners, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve returns the agent for (handle, slug) and its payee. Agents with an
// identity token are paid to the token's current on-chain owner, read fresh
// on every call; the directory's cached owner is never used for payment.
func (l *Lookup) Resolve(ctx context.Context, handle, slug string) (*Target, error) {
	agent, err := l.store.GetBySlug(ctx, handle, slug)
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, fmt.Errorf("%w: %s/%s is inactive", ErrNotFound, handle, slug)
	}

	if err := security.ValidateTargetURL(agent.TargetURL); err != nil {
		if !(l.allowPrivate && errors.Is(err, security.ErrBlockedTarget)) {
			l.logger.Warn("agent target rejected", "agent_id", agent.ID, "error", err)
			return nil, fmt.Errorf("%w: %s/%s target rejected: %v", ErrNotFound, handle, slug, err)
		}
	}

	if !agent.HasIdentity() {
		if !common.IsHexAddress(agent.PayoutAddress) {
			return nil, fmt.Errorf("%w: %s/%s has no payee", ErrNotFound, handle, slug)
		}
		return &Target{Agent: agent, PayTo: common.HexToAddress(agent.PayoutAddress)}, nil
	}

	owner, err := l.owners.OwnerOf(ctx, agent.ChainID, agent.TokenID)
	switch {
	case err == nil:
	case errors.Is(err, networks.ErrUnsupportedNetwork):
		return nil, err
	case errors.Is(err, ownership.ErrNoOwner):
		return nil, fmt.Errorf("%w: %s/%s identity token has no owner", ErrNotFound, handle, slug)
	default:
		return nil, fmt.Errorf("%w: %v", ErrOwnerUnavailable, err)
	}

	if !strings.EqualFold(agent.CachedOwner, owner.Hex()) {
		l.logger.Info("agent owner differs from directory cache",
			"agent_id", agent.ID, "cached_owner", agent.CachedOwner, "owner", owner.Hex())
		if err := l.store.UpdateCachedOwner(ctx, agent.ID, owner.Hex()); err != nil {
			l.logger.Warn("failed to refresh cached owner", "agent_id", agent.ID, "error", err)
		}
	}

	return &Target{Agent: agent, PayTo: owner}, nil
}
