package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitWithinBudget(t *testing.T) {
	l := New(nil)
	now := time.Now()

	for i := 0; i < 30; i++ {
		d := l.admit("message_send", "u1", now)
		require.True(t, d.Allowed, "send %d should be admitted", i+1)
	}

	d := l.admit("message_send", "u1", now.Add(10*time.Second))
	assert.False(t, d.Allowed)
	assert.InDelta(t, float64(50*time.Second), float64(d.RetryAfter), float64(time.Second))
	assert.Equal(t, 1, d.Violations)
}

func TestWindowReset(t *testing.T) {
	l := New(nil)
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.True(t, l.admit("message_delete", "u1", now).Allowed)
	}
	require.False(t, l.admit("message_delete", "u1", now).Allowed)

	// New window: full budget again.
	later := now.Add(61 * time.Second)
	assert.True(t, l.admit("message_delete", "u1", later).Allowed)
}

func TestSubjectsAreIndependent(t *testing.T) {
	l := New(nil)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.True(t, l.admit("moderation_ban", "mod1", now).Allowed)
	}
	require.False(t, l.admit("moderation_ban", "mod1", now).Allowed)
	assert.True(t, l.admit("moderation_ban", "mod2", now).Allowed)
}

func TestUnknownActionUsesDefault(t *testing.T) {
	l := New(nil)
	r := l.Rule("no_such_action")
	assert.Equal(t, 100, r.Limit)
	assert.Equal(t, time.Minute, r.Window)
}

func TestOverrides(t *testing.T) {
	l := New(map[string]Rule{"connect": {2, time.Second}})
	now := time.Now()
	require.True(t, l.admit("connect", "1.2.3.4", now).Allowed)
	require.True(t, l.admit("connect", "1.2.3.4", now).Allowed)
	assert.False(t, l.admit("connect", "1.2.3.4", now).Allowed)
}

func TestViolationsAccumulate(t *testing.T) {
	l := New(nil)
	now := time.Now()

	for i := 0; i < 3; i++ {
		l.admit("moderation_ban", "u1", now)
	}
	for i := 1; i <= 4; i++ {
		d := l.admit("moderation_ban", "u1", now)
		require.False(t, d.Allowed)
		assert.Equal(t, i, d.Violations)
	}
}

func TestGC(t *testing.T) {
	l := New(nil)
	now := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 40; i++ {
		l.admit("connect", fmt.Sprintf("ip-%d", i), now)
	}
	removed := l.GC(5 * time.Minute)
	assert.Equal(t, 40, removed)
}
