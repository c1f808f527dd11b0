package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(timeout time.Duration) *Breaker {
	return New(Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	b := newTestBreaker(time.Minute)

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	assert.Equal(t, StateClosed, b.State())

	// a success resets the consecutive counter
	require.NoError(t, b.Execute(func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(time.Minute)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, b.State())
}
