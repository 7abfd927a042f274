package feedback

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// structSize is the ABI-encoded width of the seven static fields.
const structSize = 7 * 32

var authArgs = abi.Arguments{
	{Name: "agentId", Type: mustType("uint256")},
	{Name: "clientAddress", Type: mustType("address")},
	{Name: "indexLimit", Type: mustType("uint64")},
	{Name: "expiry", Type: mustType("uint256")},
	{Name: "chainId", Type: mustType("uint256")},
	{Name: "identityRegistry", Type: mustType("address")},
	{Name: "signerAddress", Type: mustType("address")},
}

// Authorization permits Client to leave exactly one review for the agent,
// at any index up to IndexLimit, until Expiry.
type Authorization struct {
	AgentID          *big.Int
	Client           common.Address
	IndexLimit       uint64
	Expiry           int64
	ChainID          int64
	IdentityRegistry common.Address
	Signer           common.Address
	Signature        []byte
}

// StructBytes is the fixed-width ABI encoding that gets signed.
func (a *Authorization) StructBytes() ([]byte, error) {
	return authArgs.Pack(
		a.AgentID, a.Client, a.IndexLimit,
		big.NewInt(a.Expiry), big.NewInt(a.ChainID),
		a.IdentityRegistry, a.Signer,
	)
}

// digest is keccak256 of the struct bytes; the signer personal-signs it.
func (a *Authorization) digest() ([]byte, error) {
	encoded, err := a.StructBytes()
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(encoded), nil
}

// Bytes returns struct bytes || signature.
func (a *Authorization) Bytes() ([]byte, error) {
	encoded, err := a.StructBytes()
	if err != nil {
		return nil, err
	}
	return append(encoded, a.Signature...), nil
}

// Hex returns Bytes as 0x-prefixed hex, the header wire form.
func (a *Authorization) Hex() (string, error) {
	b, err := a.Bytes()
	if err != nil {
		return "", err
	}
	return hexutil.Encode(b), nil
}

// Parse decodes a blob produced by Bytes and checks the signature was
// made by the embedded signer.
func Parse(blob []byte) (*Authorization, error) {
	if len(blob) != structSize+crypto.SignatureLength {
		return nil, fmt.Errorf("feedback: authorization must be %d bytes, got %d", structSize+crypto.SignatureLength, len(blob))
	}
	vals, err := authArgs.Unpack(blob[:structSize])
	if err != nil {
		return nil, fmt.Errorf("feedback: decode authorization: %w", err)
	}
	expiry := vals[3].(*big.Int)
	chainID := vals[4].(*big.Int)
	if !expiry.IsInt64() || !chainID.IsInt64() {
		return nil, errors.New("feedback: expiry or chain id out of range")
	}
	a := &Authorization{
		AgentID:          vals[0].(*big.Int),
		Client:           vals[1].(common.Address),
		IndexLimit:       vals[2].(uint64),
		Expiry:           expiry.Int64(),
		ChainID:          chainID.Int64(),
		IdentityRegistry: vals[5].(common.Address),
		Signer:           vals[6].(common.Address),
		Signature:        append([]byte(nil), blob[structSize:]...),
	}

	digest, err := a.digest()
	if err != nil {
		return nil, err
	}
	signer, err := RecoverSigner(digest, a.Signature)
	if err != nil {
		return nil, fmt.Errorf("feedback: %w", err)
	}
	if signer != a.Signer {
		return nil, fmt.Errorf("%w: signed by %s, claims %s", ErrSignerMismatch, signer.Hex(), a.Signer.Hex())
	}
	return a, nil
}

func mustType(s string) abi.Type {
	t, err := abi.NewType(s, "", nil)
	if err != nil {
		panic("feedback: " + err.Error())
	}
	return t
}
