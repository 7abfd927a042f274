// Package feedback issues signed, single-use review capabilities to payers
// whose call settled.
package feedback

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paygate/internal/directory"
	"github.com/mbd888/paygate/internal/keys"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/networks"
)

// DefaultTTL is how long an authorization stays redeemable.
const DefaultTTL = 30 * time.Minute

var ErrSignerMismatch = errors.New("feedback: signer key does not match signer address")

var issuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "feedback_authorizations_total",
		Help:      "Feedback authorizations by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(issuedTotal)
}

// IndexReader reads how many reviews a client has already left on-chain.
type IndexReader interface {
	LastFeedbackIndex(ctx context.Context, chainID int64, tokenID *big.Int, client common.Address) (uint64, error)
}

// IndexReserver hands out strictly increasing indexes per (agent, client).
type IndexReserver interface {
	ReserveFeedbackIndex(ctx context.Context, agentID, client string, floor uint64) (uint64, error)
}

// Issuer signs feedback authorizations with each agent's delegated key.
type Issuer struct {
	chain    IndexReader
	reserver IndexReserver
	keys     keys.Decrypter
	ttl      time.Duration
	now      func() time.Time
}

// NewIssuer creates an issuer. keys may be nil, in which case no
// authorization is ever issued.
func NewIssuer(chain IndexReader, reserver IndexReserver, decrypter keys.Decrypter) *Issuer {
	return &Issuer{
		chain:    chain,
		reserver: reserver,
		keys:     decrypter,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
}

// Issue returns a signed authorization for client, or (nil, nil) when the
// agent has no identity, no approved signer, or the chain has no identity
// registry. Call only after settlement succeeded.
func (i *Issuer) Issue(ctx context.Context, agent *directory.AgentRecord, client common.Address, net *networks.Config) (*Authorization, error) {
	if i == nil || i.keys == nil || !agent.HasIdentity() || !agent.FeedbackSigner.Provisioned() || net.IdentityRegistry == "" {
		issuedTotal.WithLabelValues("skipped").Inc()
		return nil, nil
	}

	auth, err := i.issue(ctx, agent, client, net)
	if err != nil {
		issuedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	issuedTotal.WithLabelValues("issued").Inc()
	return auth, nil
}

func (i *Issuer) issue(ctx context.Context, agent *directory.AgentRecord, client common.Address, net *networks.Config) (*Authorization, error) {
	var floor uint64
	if i.chain != nil && net.ReputationRegistry != "" {
		last, err := i.chain.LastFeedbackIndex(ctx, net.ChainID, agent.TokenID, client)
		if err != nil {
			// the ledger reservation alone still guarantees monotonicity
			logging.L(ctx).Warn("reputation index read failed, using ledger index",
				"agent_id", agent.ID, "client", client.Hex(), "error", err)
		} else {
			floor = last
		}
	}

	indexLimit, err := i.reserver.ReserveFeedbackIndex(ctx, agent.ID, client.Hex(), floor)
	if err != nil {
		return nil, fmt.Errorf("feedback: reserve index: %w", err)
	}

	auth := &Authorization{
		AgentID:          new(big.Int).Set(agent.TokenID),
		Client:           client,
		IndexLimit:       indexLimit,
		Expiry:           i.now().Add(i.ttl).Unix(),
		ChainID:          net.ChainID,
		IdentityRegistry: common.HexToAddress(net.IdentityRegistry),
		Signer:           common.HexToAddress(agent.FeedbackSigner.Address),
	}

	sig, err := i.sign(ctx, agent.FeedbackSigner, auth)
	if err != nil {
		return nil, err
	}
	auth.Signature = sig
	return auth, nil
}

// sign decrypts the signer key for the duration of one signature.
func (i *Issuer) sign(ctx context.Context, signer directory.FeedbackSigner, auth *Authorization) ([]byte, error) {
	plain, err := i.keys.Decrypt(ctx, signer.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("feedback: decrypt signer key: %w", err)
	}
	defer keys.Zero(plain)

	key, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("feedback: invalid signer key: %w", err)
	}
	defer zeroKey(key)

	if crypto.PubkeyToAddress(key.PublicKey) != auth.Signer {
		return nil, ErrSignerMismatch
	}

	digest, err := auth.digest()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(HashMessage(digest), key)
	if err != nil {
		return nil, fmt.Errorf("feedback: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

func zeroKey(k *ecdsa.PrivateKey) {
	if k != nil && k.D != nil {
		k.D.SetInt64(0)
	}
}
