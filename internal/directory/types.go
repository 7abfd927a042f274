// Package directory resolves caller-facing (handle, slug) routes to agent
// records and the wallet that must be paid for a call.
package directory

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound = errors.New("directory: agent not found")

	// ErrOwnerUnavailable means the on-chain owner could not be read. It is
	// retryable and must not be reported as not found.
	ErrOwnerUnavailable = errors.New("directory: on-chain owner unavailable")
)

// FeedbackSigner is the delegated key an agent uses to authorize reviews.
// EncryptedKey is never decrypted by this package.
type FeedbackSigner struct {
	Address      string
	EncryptedKey []byte
	Approved     bool
}

// Provisioned reports whether a usable signer exists.
func (s FeedbackSigner) Provisioned() bool {
	return s.Approved && len(s.EncryptedKey) > 0 && common.IsHexAddress(s.Address)
}

// AgentRecord is a registered backend endpoint.
type AgentRecord struct {
	ID         string
	Handle     string
	Slug       string
	Name       string
	TargetURL  string
	TimeoutMs  int
	PriceCents int64

	// On-chain identity. TokenID is nil when the agent has none, in which
	// case PayoutAddress receives payment.
	ChainID       int64
	TokenID       *big.Int
	PayoutAddress string
	CachedOwner   string

	OriginSecret   string
	FeedbackSigner FeedbackSigner
	Active         bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasIdentity reports whether the agent is backed by an identity token.
func (a *AgentRecord) HasIdentity() bool {
	return a.TokenID != nil
}

// Timeout returns the agent's forward timeout, or zero for the platform default.
func (a *AgentRecord) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

func (a *AgentRecord) clone() *AgentRecord {
	c := *a
	if a.TokenID != nil {
		c.TokenID = new(big.Int).Set(a.TokenID)
	}
	if a.FeedbackSigner.EncryptedKey != nil {
		c.FeedbackSigner.EncryptedKey = append([]byte(nil), a.FeedbackSigner.EncryptedKey...)
	}
	return &c
}
