package usdc

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCents(t *testing.T) {
	tests := []struct {
		name     string
		cents    int64
		decimals int
		want     string
	}{
		{"five cents usdc", 5, 6, "50000"},
		{"one dollar usdc", 100, 6, "1000000"},
		{"free", 0, 6, "0"},
		{"two decimal token", 5, 2, "5"},
		{"eighteen decimals", 1, 18, "10000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FromCents(tt.cents, tt.decimals)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFromCents_Rejects(t *testing.T) {
	_, ok := FromCents(-1, 6)
	assert.False(t, ok)
	_, ok = FromCents(5, 1)
	assert.False(t, ok)
}

func TestParseUnits(t *testing.T) {
	v, ok := ParseUnits("50000")
	require.True(t, ok)
	assert.Equal(t, int64(50000), v.Int64())

	v, ok = ParseUnits("050000")
	require.True(t, ok)
	assert.Equal(t, int64(50000), v.Int64())

	for _, bad := range []string{"", "-1", "+1", "1.5", "0x10", "1e6", " 1"} {
		_, ok := ParseUnits(bad)
		assert.False(t, ok, bad)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1.00", 1_000_000},
		{"0.05", 50_000},
		{"100", 100_000_000},
		{"0.000001", 1},
		{"1.1234567", 1_123_456},
		{".5", 500_000},
		{"", 0},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.input)
		require.True(t, ok, tt.input)
		assert.Equal(t, tt.want, got.Int64(), tt.input)
	}

	for _, bad := range []string{"-1", "1.2.3", "abc"} {
		_, ok := Parse(bad)
		assert.False(t, ok, bad)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.050000", Format(big.NewInt(50_000)))
	assert.Equal(t, "1.500000", Format(big.NewInt(1_500_000)))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "-2.000000", Format(big.NewInt(-2_000_000)))
	assert.Equal(t, "0.000000", Format(nil))
}
