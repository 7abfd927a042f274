package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	encoded := Encode(ts, "req|with|pipes")

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "req|with|pipes", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "bm9waXBl", "YWJjfA"} {
		_, err := Decode(s)
		assert.Error(t, err, s)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("100000"))
}

func TestComputePage(t *testing.T) {
	type row struct {
		at time.Time
		id string
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{base, "a"}, {base.Add(-time.Minute), "b"}, {base.Add(-2 * time.Minute), "c"}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page, next, more := ComputePage(rows, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next, more = ComputePage(rows, 5, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}
