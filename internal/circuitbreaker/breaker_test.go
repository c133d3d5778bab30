package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcert/backend/internal/core"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", WithTripThreshold(3), WithCooldown(time.Hour))
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(boom)
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Allow())
	b.Record(boom)
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUpstream)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", WithTripThreshold(2), WithCooldown(time.Hour))
	boom := errors.New("boom")

	require.NoError(t, b.Allow())
	b.Record(boom)
	require.NoError(t, b.Allow())
	b.Record(nil)
	require.NoError(t, b.Allow())
	b.Record(boom)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerRecoversThroughProbes(t *testing.T) {
	b := New("test", WithTripThreshold(1), WithCooldown(10*time.Millisecond), WithProbeQuota(2))
	b.Record(errors.New("boom"))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// First probe admitted after cooldown.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	b.Record(nil)

	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", WithTripThreshold(1), WithCooldown(10*time.Millisecond))
	b.Record(errors.New("boom"))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.Record(errors.New("still down"))

	assert.Equal(t, StateOpen, b.State())
	assert.Error(t, b.Allow())
}

func TestBreakerProbeQuota(t *testing.T) {
	b := New("test", WithTripThreshold(1), WithCooldown(10*time.Millisecond), WithProbeQuota(1))
	b.Record(errors.New("boom"))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	// Quota exhausted until the in-flight probe reports back.
	assert.Error(t, b.Allow())
}

func TestBreakerDo(t *testing.T) {
	b := New("test", WithTripThreshold(1), WithCooldown(time.Hour))

	calls := 0
	err := b.Do(func() error { calls++; return errors.New("boom") })
	require.Error(t, err)

	err = b.Do(func() error { calls++; return nil })
	assert.ErrorIs(t, err, core.ErrUpstream)
	assert.Equal(t, 1, calls)
}
