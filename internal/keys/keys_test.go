package keys

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestKeyring_RoundTrip(t *testing.T) {
	k, err := NewKeyring(testKey)
	require.NoError(t, err)

	secret := []byte("signer private key bytes")
	ct, err := k.Encrypt(secret)
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "signer")

	ct2, err := k.Encrypt(secret)
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2, "nonce must be random")

	plain, err := k.Decrypt(context.Background(), ct)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)
}

func TestKeyring_RejectsTampering(t *testing.T) {
	k, err := NewKeyring(strings.TrimPrefix(testKey, "0x"))
	require.NoError(t, err)

	ct, err := k.Encrypt([]byte("secret"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, err = k.Decrypt(context.Background(), ct)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = k.Decrypt(context.Background(), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestKeyring_WrongKey(t *testing.T) {
	k1, err := NewKeyring(testKey)
	require.NoError(t, err)
	k2, err := NewKeyring("0x" + strings.Repeat("ff", 32))
	require.NoError(t, err)

	ct, err := k1.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = k2.Decrypt(context.Background(), ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewKeyring_Invalid(t *testing.T) {
	_, err := NewKeyring("")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = NewKeyring("abcd")
	assert.Error(t, err)

	_, err = NewKeyring("zz" + strings.Repeat("00", 31))
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
