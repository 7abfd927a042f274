package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute, WithClock(c.now)), c
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("chain:84532")
	b.RecordFailure("chain:84532")
	assert.True(t, b.Allow("chain:84532"))

	b.RecordFailure("chain:84532")
	assert.False(t, b.Allow("chain:84532"))
	assert.Equal(t, StateOpen, b.State("chain:84532"))

	// keys are independent
	assert.True(t, b.Allow("chain:8453"))
	assert.Equal(t, StateClosed, b.State("chain:8453"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")

	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(1)
	b.RecordFailure("k")
	assert.False(t, b.Allow("k"))

	c.advance(time.Minute)
	assert.True(t, b.Allow("k"), "one probe after cool-down")
	assert.Equal(t, StateHalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "only one probe at a time")

	b.RecordSuccess("k")
	assert.Equal(t, StateClosed, b.State("k"))
	assert.True(t, b.Allow("k"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, c := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		b.RecordFailure("k")
	}
	c.advance(time.Minute)
	assert.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	assert.False(t, b.Allow("k"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2)
	transport := errors.New("dial tcp: connection refused")
	reverted := errors.New("execution reverted")
	isTransport := func(err error) bool { return errors.Is(err, transport) }

	// reverts are answers, not outages
	for i := 0; i < 5; i++ {
		err := b.Execute("k", func() error { return reverted }, isTransport)
		assert.ErrorIs(t, err, reverted)
	}
	assert.Equal(t, StateClosed, b.State("k"))

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute("k", func() error { return transport }, isTransport), transport)
	}

	called := false
	err := b.Execute("k", func() error { called = true; return nil }, isTransport)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestBreaker_Metrics(t *testing.T) {
	b, _ := newTestBreaker(1)
	key := "chain:metrics-test"
	rejected := cbRejected.WithLabelValues(key)
	opened := cbStateTransitions.WithLabelValues(key, "closed", "open")
	before := counterValue(t, rejected)

	boom := errors.New("boom")
	_ = b.Execute(key, func() error { return boom }, nil)
	_ = b.Execute(key, func() error { return nil }, nil)
	_ = b.Execute(key, func() error { return nil }, nil)

	assert.Equal(t, before+2, counterValue(t, rejected))
	assert.Equal(t, 1.0, counterValue(t, opened))
}

func TestBreaker_NilExecutesDirectly(t *testing.T) {
	var b *Breaker
	assert.NoError(t, b.Execute("k", func() error { return nil }, nil))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
