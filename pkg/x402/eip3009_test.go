package x402

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequirement() PaymentRequirements {
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           "eip155:84532",
		Amount:            "50000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x2222222222222222222222222222222222222222",
		MaxTimeoutSeconds: 300,
		Extra:             &SigningDomain{Name: "USDC", Version: "2"},
	}
}

func TestSignExact_RecoversPayer(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	req := testRequirement()
	now := time.Unix(1_750_000_000, 0)

	payment, err := SignExact(key, req, now)
	require.NoError(t, err)

	auth := payment.Payload.Authorization
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), auth.From)
	assert.Equal(t, "50000", auth.Value)
	assert.Equal(t, Timestamp(now.Add(300*time.Second).Unix()), auth.ValidBefore)
	assert.Len(t, auth.Nonce, 66)
	require.NotNil(t, payment.Accepted)
	assert.Equal(t, req.Asset, payment.Accepted.Asset)

	signer, err := RecoverAuthorizer(payment, &req)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
}

func TestRecoverAuthorizer_TamperedValue(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	req := testRequirement()

	payment, err := SignExact(key, req, time.Now())
	require.NoError(t, err)
	payment.Payload.Authorization.Value = "1"

	signer, err := RecoverAuthorizer(payment, &req)
	if err == nil {
		assert.NotEqual(t, crypto.PubkeyToAddress(key.PublicKey), signer)
	}
}

func TestAuthorizationDigest_DomainMatters(t *testing.T) {
	req := testRequirement()
	auth := &Authorization{
		From: "0x1111111111111111111111111111111111111111", To: req.PayTo,
		Value: "50000", ValidAfter: 0, ValidBefore: 10,
		Nonce: "0x0000000000000000000000000000000000000000000000000000000000000001",
	}
	a, err := AuthorizationDigest(auth, &req)
	require.NoError(t, err)

	other := req
	other.Network = "eip155:8453"
	b, err := AuthorizationDigest(auth, &other)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	noDomain := req
	noDomain.Extra = nil
	_, err = AuthorizationDigest(auth, &noDomain)
	assert.Error(t, err)
}

func TestSignExact_RejectsOtherSchemes(t *testing.T) {
	key, _ := crypto.GenerateKey()
	req := testRequirement()
	req.Scheme = "upto"
	_, err := SignExact(key, req, time.Now())
	assert.Error(t, err)
}
