package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(Config{
		Name:    "cluster",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(string, State, State) {},
		Now:           clock.Now,
	})
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	boom := errors.New("api down")

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpenState)
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("x") })
	}

	clock.now = clock.now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("x") })
	}
	clock.now = clock.now.Add(11 * time.Second)

	_ = cb.Execute(func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestBreakerIsSuccessfulOverride(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	notFound := errors.New("not found")
	cb := NewCircuitBreaker(Config{
		Name:         "cluster",
		ReadyToTrip:  func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, notFound) },
		Now:          clock.Now,
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return notFound })
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(5), cb.GetCounts().TotalSuccesses)
}
