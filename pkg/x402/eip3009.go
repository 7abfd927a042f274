package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// validAfterSkew backdates validAfter so small clock differences between
// payer and chain do not make a fresh authorization "not yet valid".
const validAfterSkew = 10 * time.Minute

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// AuthorizationDigest returns the EIP-712 digest the payer signs for an
// EIP-3009 transferWithAuthorization against the requirement's asset.
func AuthorizationDigest(auth *Authorization, req *PaymentRequirements) ([]byte, error) {
	if auth == nil {
		return nil, errors.New("x402: nil authorization")
	}
	if req.Extra == nil || req.Extra.Name == "" {
		return nil, errors.New("x402: requirement has no signing domain")
	}
	chainID, err := ParseCAIP2(req.Network)
	if err != nil {
		return nil, err
	}

	td := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              req.Extra.Name,
			Version:           req.Extra.Version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  strconv.FormatInt(int64(auth.ValidAfter), 10),
			"validBefore": strconv.FormatInt(int64(auth.ValidBefore), 10),
			"nonce":       auth.Nonce,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("x402: hash typed data: %w", err)
	}
	return digest, nil
}

// SignExact builds and signs an "exact" payment for req from key's address.
// The authorization is valid from now-10m until now+maxTimeoutSeconds.
func SignExact(key *ecdsa.PrivateKey, req PaymentRequirements, now time.Time) (*PaymentPayload, error) {
	if req.Scheme != SchemeExact {
		return nil, fmt.Errorf("x402: unsupported scheme %q", req.Scheme)
	}
	timeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("x402: generate nonce: %w", err)
	}

	auth := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       req.Amount,
		ValidAfter:  Timestamp(now.Add(-validAfterSkew).Unix()),
		ValidBefore: Timestamp(now.Add(timeout).Unix()),
		Nonce:       hexutil.Encode(nonce),
	}

	digest, err := AuthorizationDigest(auth, &req)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("x402: sign authorization: %w", err)
	}
	sig[64] += 27

	accepted := req
	return &PaymentPayload{
		X402Version: Version2,
		Accepted:    &accepted,
		Payload: ExactPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	}, nil
}

// RecoverAuthorizer returns the address that signed the authorization.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverAuthorizer(p *PaymentPayload, req *PaymentRequirements) (common.Address, error) {
	digest, err := AuthorizationDigest(p.Payload.Authorization, req)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hexutil.Decode(p.Payload.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("x402: malformed signature")
	}
	sig = append([]byte(nil), sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("x402: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
