// Package auth verifies dashboard bearer tokens. Tokens are minted by the
// login service; the gateway only checks them.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecret     = errors.New("auth: no signing secret configured")
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims carried by a dashboard token. The subject is the wallet address.
type Claims struct {
	Wallet string `json:"wallet,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	Wallet    string // lowercase 0x address
	ExpiresAt time.Time
}

// Verifier checks HMAC-signed tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) VerifierOption {
	return func(v *Verifier) { v.issuer = iss }
}

// WithLeeway tolerates clock skew on exp/nbf.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = d }
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	v := &Verifier{secret: []byte(secret), leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses tokenString and returns the wallet it was issued to.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	wallet := claims.Wallet
	if wallet == "" {
		wallet = claims.Subject
	}
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("%w: subject is not a wallet address", ErrInvalidToken)
	}

	id := &Identity{Wallet: strings.ToLower(wallet)}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// bearer extracts the token from an Authorization header value.
func bearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
