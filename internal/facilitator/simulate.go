package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/paygate/internal/chain"
	"github.com/mbd888/paygate/internal/networks"
	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/pkg/x402"
)

// SimulationKind classifies why a dry run failed.
type SimulationKind string

const (
	KindSelfPayment         SimulationKind = "self_payment"
	KindInsufficientBalance SimulationKind = "insufficient_balance"
	KindInvalidNonce        SimulationKind = "invalid_nonce"
	KindInvalidSignature    SimulationKind = "invalid_signature"
	KindUnclassified        SimulationKind = "simulation_failed"
)

// SimulationError is returned by Simulate.
type SimulationError struct {
	Kind SimulationKind
	Err  error
}

func (e *SimulationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("facilitator: simulation %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("facilitator: simulation %s", e.Kind)
}

func (e *SimulationError) Unwrap() error { return e.Err }

func simErr(kind SimulationKind, format string, args ...any) error {
	return &SimulationError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Simulate dry-runs transferWithAuthorization against current chain state.
// The self-payment check runs here because verification does not cover it.
func (c *Client) Simulate(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements, net *networks.Config) error {
	auth := p.Payload.Authorization
	if auth == nil {
		return simErr(KindInvalidSignature, "missing authorization")
	}
	if strings.EqualFold(auth.From, auth.To) {
		return &SimulationError{Kind: KindSelfPayment}
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return simErr(KindInvalidSignature, "malformed address")
	}

	v, r, s, err := splitSignature(p.Payload.Signature)
	if err != nil {
		return &SimulationError{Kind: KindInvalidSignature, Err: err}
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return simErr(KindInvalidNonce, "nonce must be 32 bytes")
	}
	value, ok := usdc.ParseUnits(auth.Value)
	if !ok {
		return simErr(KindUnclassified, "invalid value %q", auth.Value)
	}

	if c.chains == nil {
		return nil
	}

	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)
	asset := common.HexToAddress(req.Asset)
	var nonce32 [32]byte
	copy(nonce32[:], nonce)

	out, err := c.chains.Call(ctx, net, asset, chain.TokenABI, "balanceOf", from)
	if err != nil {
		return &SimulationError{Kind: KindUnclassified, Err: err}
	}
	if bal, ok := out[0].(*big.Int); ok && bal.Cmp(value) < 0 {
		return simErr(KindInsufficientBalance, "balance %s < %s", bal, value)
	}

	out, err = c.chains.Call(ctx, net, asset, chain.TokenABI, "authorizationState", from, nonce32)
	if err != nil {
		return &SimulationError{Kind: KindUnclassified, Err: err}
	}
	if used, ok := out[0].(bool); ok && used {
		return simErr(KindInvalidNonce, "authorization nonce already used")
	}

	data, err := chain.TokenABI.Pack("transferWithAuthorization",
		from, to, value,
		big.NewInt(int64(auth.ValidAfter)), big.NewInt(int64(auth.ValidBefore)),
		nonce32, v, r, s,
	)
	if err != nil {
		return simErr(KindUnclassified, "pack transferWithAuthorization: %v", err)
	}
	if _, err := c.chains.CallRaw(ctx, net, "transferWithAuthorization", ethereum.CallMsg{To: &asset, Data: data}); err != nil {
		return &SimulationError{Kind: classifyRevert(err), Err: err}
	}
	return nil
}

// splitSignature decodes a 65-byte signature and normalises the recovery
// id to 27/28. Callers send either convention.
func splitSignature(sigHex string) (v uint8, r, s [32]byte, err error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return 0, r, s, fmt.Errorf("signature is not hex: %w", err)
	}
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	v = sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	return v, r, s, nil
}

func classifyRevert(err error) SimulationKind {
	if !errors.Is(err, chain.ErrReverted) {
		return KindUnclassified
	}
	msg := strings.ToLower(err.Error())
	var ce *chain.CallError
	if errors.As(err, &ce) && ce.Reason != "" {
		msg = strings.ToLower(ce.Reason)
	}
	switch {
	case strings.Contains(msg, "exceeds balance"), strings.Contains(msg, "insufficient"):
		return KindInsufficientBalance
	case strings.Contains(msg, "authorization is used"), strings.Contains(msg, "nonce"):
		return KindInvalidNonce
	case strings.Contains(msg, "invalid signature"), strings.Contains(msg, "invalid signer"), strings.Contains(msg, "ecrecover"):
		return KindInvalidSignature
	}
	return KindUnclassified
}
