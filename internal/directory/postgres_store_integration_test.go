//go:build integration

package directory

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	agent := &AgentRecord{
		ID:         "agt_pg",
		Handle:     "Acme",
		Slug:       "Summarize",
		TargetURL:  "https://agent.acme.dev",
		TimeoutMs:  5000,
		PriceCents: 5,
		ChainID:    84532,
		TokenID:    new(big.Int).Lsh(big.NewInt(1), 200),
		FeedbackSigner: FeedbackSigner{
			Address:      "0x1111111111111111111111111111111111111111",
			EncryptedKey: []byte{1, 2, 3},
			Approved:     true,
		},
		Active: true,
	}
	require.NoError(t, store.Insert(ctx, agent))

	got, err := store.GetBySlug(ctx, "acme", "summarize")
	require.NoError(t, err)
	assert.Equal(t, "agt_pg", got.ID)
	assert.Equal(t, 0, agent.TokenID.Cmp(got.TokenID))
	assert.Equal(t, []byte{1, 2, 3}, got.FeedbackSigner.EncryptedKey)
	assert.True(t, got.FeedbackSigner.Provisioned())

	require.NoError(t, store.UpdateCachedOwner(ctx, "agt_pg", "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"))
	got, err = store.GetByID(ctx, "agt_pg")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", got.CachedOwner)

	_, err = store.GetBySlug(ctx, "acme", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	noToken := &AgentRecord{ID: "agt_pg2", Handle: "acme", Slug: "plain", TargetURL: "https://a.dev", PriceCents: 1, ChainID: 8453, PayoutAddress: "0x3333333333333333333333333333333333333333", Active: true}
	require.NoError(t, store.Insert(ctx, noToken))
	got, err = store.GetByID(ctx, "agt_pg2")
	require.NoError(t, err)
	assert.Nil(t, got.TokenID)
}
