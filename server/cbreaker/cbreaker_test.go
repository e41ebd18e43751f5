package cbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func testConfig() Config {
	return Config{Threshold: 3, Cooldown: 50 * time.Millisecond, ProbeSuccesses: 2}
}

func TestOpensAtThreshold(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	for i := 0; i < 3; i++ {
		assert.Equal(t, errBoom, r.Do("db", failing))
	}
	assert.Equal(t, Open, r.State("db"))

	// Short-circuited: op must not run.
	ran := false
	err := r.Do("db", func() error { ran = true; return nil })
	assert.Equal(t, ErrUnavailable, err)
	assert.False(t, ran)
}

func TestSuccessDecrementsFailures(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	require.Error(t, r.Do("db", failing))
	require.Error(t, r.Do("db", failing))
	require.NoError(t, r.Do("db", succeeding))
	// Two failures, one success: count back to 1, third failure must not trip.
	require.Error(t, r.Do("db", failing))
	assert.Equal(t, Closed, r.State("db"))
}

func TestHalfOpenRecovery(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	for i := 0; i < 3; i++ {
		r.Do("db", failing)
	}
	require.Equal(t, Open, r.State("db"))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, HalfOpen, r.State("db"))

	// Two successful probes close the circuit.
	require.NoError(t, r.Do("db", succeeding))
	require.NoError(t, r.Do("db", succeeding))
	assert.Equal(t, Closed, r.State("db"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	for i := 0; i < 3; i++ {
		r.Do("db", failing)
	}
	time.Sleep(60 * time.Millisecond)

	require.Equal(t, errBoom, r.Do("db", failing))
	assert.Equal(t, Open, r.State("db"))

	// openedAt was reset: still open right away.
	assert.Equal(t, ErrUnavailable, r.Do("db", succeeding))
}

func TestBreakersAreIndependent(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	for i := 0; i < 3; i++ {
		r.Do("db", failing)
	}
	assert.Equal(t, Open, r.State("db"))
	assert.Equal(t, Closed, r.State("bus"))
	assert.NoError(t, r.Do("bus", succeeding))
}

func TestObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	done := make(chan struct{}, 8)
	r := NewRegistry(testConfig(), func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
		done <- struct{}{}
	})

	for i := 0; i < 3; i++ {
		r.Do("auth", failing)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.Equal(t, Open, transitions[0])
}

func TestUnknownBreakerIsClosed(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	assert.Equal(t, Closed, r.State("never-used"))
}
