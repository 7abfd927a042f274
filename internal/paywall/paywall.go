// Package paywall builds x402 payment requirements and checks that a
// caller's payment matches them exactly.
package paywall

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paygate/internal/networks"
	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/pkg/x402"
)

// MaxTimeoutSeconds is how long a signed authorization may take to settle.
const MaxTimeoutSeconds = 300

var (
	ErrInvalidPrice        = errors.New("paywall: price cannot be represented in asset units")
	ErrRequirementMismatch = errors.New("paywall: payment does not match requirement")
)

// Offer is what the caller is being asked to pay for.
type Offer struct {
	PriceCents  int64
	PayTo       common.Address
	Resource    string
	Description string
	MimeType    string
}

// BuildRequirement derives the "exact" requirement for offer on net.
// It has no side effects and must be rebuilt per call because the payee
// can change between calls.
func BuildRequirement(offer Offer, net *networks.Config) (x402.PaymentRequirements, error) {
	amount, ok := usdc.FromCents(offer.PriceCents, net.Asset.Decimals)
	if !ok {
		return x402.PaymentRequirements{}, fmt.Errorf("%w: %d cents with %d decimals", ErrInvalidPrice, offer.PriceCents, net.Asset.Decimals)
	}
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           net.Network(),
		Amount:            amount.String(),
		Asset:             common.HexToAddress(net.Asset.Address).Hex(),
		PayTo:             offer.PayTo.Hex(),
		MaxTimeoutSeconds: MaxTimeoutSeconds,
		Extra:             net.SigningDomain(),
	}, nil
}

// Required wraps req into the 402 challenge body.
func Required(offer Offer, req x402.PaymentRequirements, reason string) *x402.PaymentRequired {
	if reason == "" {
		reason = "payment required"
	}
	return &x402.PaymentRequired{
		X402Version: x402.Version2,
		Error:       reason,
		Resource: &x402.Resource{
			URL:         offer.Resource,
			Description: offer.Description,
			MimeType:    offer.MimeType,
		},
		Accepts: []x402.PaymentRequirements{req},
	}
}

// MismatchError names the first field that disagreed.
type MismatchError struct {
	Field string
	Got   string
	Want  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("paywall: %s mismatch: got %q, want %q", e.Field, e.Got, e.Want)
}

func (e *MismatchError) Unwrap() error { return ErrRequirementMismatch }

// Match compares a payment with the requirement before any network call.
// Amounts are compared numerically and addresses case-insensitively.
func Match(p *x402.PaymentPayload, req x402.PaymentRequirements) error {
	if p.Payload.Authorization == nil {
		return &MismatchError{Field: "authorization", Want: "present"}
	}
	auth := p.Payload.Authorization

	if got := p.SchemeName(); got != req.Scheme {
		return &MismatchError{Field: "scheme", Got: got, Want: req.Scheme}
	}
	if got := p.NetworkID(); got != req.Network {
		return &MismatchError{Field: "network", Got: got, Want: req.Network}
	}
	if !sameAddress(auth.To, req.PayTo) {
		return &MismatchError{Field: "payTo", Got: auth.To, Want: req.PayTo}
	}
	if !sameAmount(auth.Value, req.Amount) {
		return &MismatchError{Field: "amount", Got: auth.Value, Want: req.Amount}
	}

	// v1 payloads carry no asset. Their asset is still pinned: the EIP-3009
	// signature is over the token's EIP-712 domain (verifyingContract), and
	// verify, simulate and settle all run against req.Asset, so a payment
	// signed for another token fails there.
	if a := p.Accepted; a != nil {
		if !sameAddress(a.Asset, req.Asset) {
			return &MismatchError{Field: "asset", Got: a.Asset, Want: req.Asset}
		}
		if !sameAddress(a.PayTo, req.PayTo) {
			return &MismatchError{Field: "accepted.payTo", Got: a.PayTo, Want: req.PayTo}
		}
		if !sameAmount(a.Amount, req.Amount) {
			return &MismatchError{Field: "accepted.amount", Got: a.Amount, Want: req.Amount}
		}
	}
	return nil
}

func sameAddress(a, b string) bool {
	return common.IsHexAddress(a) && strings.EqualFold(a, b)
}

func sameAmount(a, b string) bool {
	x, ok := usdc.ParseUnits(a)
	if !ok {
		return false
	}
	y, ok := usdc.ParseUnits(b)
	return ok && x.Cmp(y) == 0
}
