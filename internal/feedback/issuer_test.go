package feedback

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/directory"
	"github.com/mbd888/paygate/internal/keys"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/networks"
)

type fakeIndex struct {
	last uint64
	err  error
}

func (f *fakeIndex) LastFeedbackIndex(context.Context, int64, *big.Int, common.Address) (uint64, error) {
	return f.last, f.err
}

// recordingDecrypter wraps a keyring and keeps the plaintext it handed out.
type recordingDecrypter struct {
	inner *keys.Keyring
	last  []byte
}

func (r *recordingDecrypter) Decrypt(ctx context.Context, ct []byte) ([]byte, error) {
	plain, err := r.inner.Decrypt(ctx, ct)
	r.last = plain
	return plain, err
}

var client = common.HexToAddress("0x2222222222222222222222222222222222222222")

type fixture struct {
	issuer *Issuer
	agent  *directory.AgentRecord
	net    *networks.Config
	dec    *recordingDecrypter
	chain  *fakeIndex
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := keys.NewKeyring("0x000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)

	signerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	encrypted, err := kr.Encrypt(crypto.FromECDSA(signerKey))
	require.NoError(t, err)

	agent := &directory.AgentRecord{
		ID:      "agt_1",
		ChainID: 84532,
		TokenID: big.NewInt(42),
		FeedbackSigner: directory.FeedbackSigner{
			Address:      crypto.PubkeyToAddress(signerKey.PublicKey).Hex(),
			EncryptedKey: encrypted,
			Approved:     true,
		},
	}
	net := &networks.Config{
		ChainID:            84532,
		IdentityRegistry:   "0x8004a6090Cd10A7288092483047B097295Fb8847",
		ReputationRegistry: "0x8004B8FD1A363aa02fDC07635C0c5F94f6Af5B7E",
	}

	dec := &recordingDecrypter{inner: kr}
	chain := &fakeIndex{}
	issuer := NewIssuer(chain, ledger.NewMemoryStore(), dec)
	now := time.Unix(1_800_000_000, 0)
	issuer.now = func() time.Time { return now }

	return &fixture{issuer: issuer, agent: agent, net: net, dec: dec, chain: chain, now: now}
}

func TestIssuer_IssuesVerifiableAuthorization(t *testing.T) {
	f := newFixture(t)
	f.chain.last = 3

	auth, err := f.issuer.Issue(context.Background(), f.agent, client, f.net)
	require.NoError(t, err)
	require.NotNil(t, auth)

	assert.Equal(t, uint64(4), auth.IndexLimit)
	assert.Equal(t, f.now.Add(30*time.Minute).Unix(), auth.Expiry)
	assert.Equal(t, int64(84532), auth.ChainID)

	hexBlob, err := auth.Hex()
	require.NoError(t, err)
	blob, err := hexutil.Decode(hexBlob)
	require.NoError(t, err)
	assert.Len(t, blob, 224+65)
	assert.Contains(t, []byte{27, 28}, blob[len(blob)-1])

	parsed, err := Parse(blob)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.AgentID.Cmp(big.NewInt(42)))
	assert.Equal(t, client, parsed.Client)
	assert.Equal(t, uint64(4), parsed.IndexLimit)
	assert.Equal(t, common.HexToAddress(f.agent.FeedbackSigner.Address), parsed.Signer)
	assert.Equal(t, common.HexToAddress(f.net.IdentityRegistry), parsed.IdentityRegistry)

	// plaintext key was wiped after use
	assert.Equal(t, make([]byte, len(f.dec.last)), f.dec.last)
}

func TestIssuer_IndexLimitStrictlyIncreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 3; i++ {
		auth, err := f.issuer.Issue(ctx, f.agent, client, f.net)
		require.NoError(t, err)
		assert.Greater(t, auth.IndexLimit, prev)
		prev = auth.IndexLimit
	}
	assert.Equal(t, uint64(3), prev)

	// chain catches up past the ledger
	f.chain.last = 10
	auth, err := f.issuer.Issue(ctx, f.agent, client, f.net)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), auth.IndexLimit)
}

func TestIssuer_ChainReadFailureFallsBackToLedger(t *testing.T) {
	f := newFixture(t)
	f.chain.err = errors.New("rpc down")

	auth, err := f.issuer.Issue(context.Background(), f.agent, client, f.net)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), auth.IndexLimit)
}

func TestIssuer_SkipsWithoutSigner(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
	}{
		{"not approved", func(f *fixture) { f.agent.FeedbackSigner.Approved = false }},
		{"no key", func(f *fixture) { f.agent.FeedbackSigner.EncryptedKey = nil }},
		{"no identity", func(f *fixture) { f.agent.TokenID = nil }},
		{"no registry", func(f *fixture) { f.net.IdentityRegistry = "" }},
		{"no decrypter", func(f *fixture) { f.issuer.keys = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			auth, err := f.issuer.Issue(context.Background(), f.agent, client, f.net)
			assert.NoError(t, err)
			assert.Nil(t, auth)
		})
	}
}

func TestIssuer_SignerMismatch(t *testing.T) {
	f := newFixture(t)
	f.agent.FeedbackSigner.Address = "0x3333333333333333333333333333333333333333"

	_, err := f.issuer.Issue(context.Background(), f.agent, client, f.net)
	assert.ErrorIs(t, err, ErrSignerMismatch)
}

func TestIssuer_BadCiphertext(t *testing.T) {
	f := newFixture(t)
	f.agent.FeedbackSigner.EncryptedKey = []byte("garbage that is long enough to not be too short at all")

	_, err := f.issuer.Issue(context.Background(), f.agent, client, f.net)
	assert.ErrorIs(t, err, keys.ErrDecrypt)
}

func TestParse_RejectsTamperedStruct(t *testing.T) {
	f := newFixture(t)
	auth, err := f.issuer.Issue(context.Background(), f.agent, client, f.net)
	require.NoError(t, err)
	blob, err := auth.Bytes()
	require.NoError(t, err)

	// bump indexLimit (last byte of the third word)
	blob[3*32-1]++
	_, err = Parse(blob)
	assert.Error(t, err)

	_, err = Parse(blob[:100])
	assert.Error(t, err)
}

func TestStructBytes_FixedWidth(t *testing.T) {
	a := &Authorization{
		AgentID:    big.NewInt(1),
		Client:     client,
		IndexLimit: 1,
		Expiry:     1,
		ChainID:    8453,
	}
	b, err := a.StructBytes()
	require.NoError(t, err)
	require.Len(t, b, 224)
	// agentId occupies a full word, right aligned
	assert.Equal(t, byte(1), b[31])
	assert.Equal(t, client.Bytes(), b[44:64])
}

func TestRecoverSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	msg := []byte("hello")
	sig, err := crypto.Sign(HashMessage(msg), key)
	require.NoError(t, err)

	got, err := RecoverSigner(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), got)

	sig[64] += 27
	got, err = RecoverSigner(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), got)

	_, err = RecoverSigner(msg, sig[:10])
	assert.Error(t, err)
}
