package delegate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreakers(threshold int) (*Breakers, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: 10 * time.Second, HalfOpenMax: 1})
	b.now = clock.now
	return b, clock
}

func TestBreakers_StartsClosed(t *testing.T) {
	b, _ := newBreakers(3)
	assert.NoError(t, b.Allow("deploy"))
	assert.Equal(t, BreakerClosed, b.State("deploy"))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newBreakers(3)
	b.Failure("deploy")
	b.Failure("deploy")
	assert.Equal(t, BreakerClosed, b.State("deploy"))

	assert.Equal(t, BreakerOpen, b.Failure("deploy"))
	err := b.Allow("deploy")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.ErrorCode(err))
}

func TestBreakers_SuccessResetsCount(t *testing.T) {
	b, _ := newBreakers(3)
	b.Failure("deploy")
	b.Failure("deploy")
	b.Success("deploy")
	b.Failure("deploy")
	b.Failure("deploy")
	assert.Equal(t, BreakerClosed, b.State("deploy"))
}

func TestBreakers_HalfOpenProbe(t *testing.T) {
	b, clock := newBreakers(2)
	b.Failure("deploy")
	b.Failure("deploy")
	require.Error(t, b.Allow("deploy"))

	clock.advance(11 * time.Second)
	require.NoError(t, b.Allow("deploy"), "first probe passes")
	assert.Error(t, b.Allow("deploy"), "second probe rejected while the first is in flight")

	b.Success("deploy")
	assert.Equal(t, BreakerClosed, b.State("deploy"))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newBreakers(2)
	b.Failure("deploy")
	b.Failure("deploy")
	clock.advance(11 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State("deploy"))
	require.NoError(t, b.Allow("deploy"))
	assert.Equal(t, BreakerOpen, b.Failure("deploy"))
}

func TestBreakers_PerTaskTypeIsolation(t *testing.T) {
	b, _ := newBreakers(1)
	b.Failure("deploy")
	assert.Error(t, b.Allow("deploy"))
	assert.NoError(t, b.Allow("verify"))
}

func TestBreakers_DisabledWithZeroThreshold(t *testing.T) {
	b, _ := newBreakers(0)
	for range 10 {
		b.Failure("deploy")
	}
	assert.NoError(t, b.Allow("deploy"))
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
