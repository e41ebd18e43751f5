package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklistRejects(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	sec.AddToBlacklist("203.0.113.9", "abuse report", "high", time.Hour, false)

	dec := sec.Allow("203.0.113.9", "test-agent", "")
	require.False(t, dec.Allowed)
	assert.Equal(t, CloseBlacklisted, dec.CloseCode)
	assert.Equal(t, "blacklisted: abuse report", dec.Reason)

	// Other addresses are unaffected.
	assert.True(t, sec.Allow("203.0.113.10", "test-agent", "").Allowed)
}

func TestBlacklistExpiry(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	sec.AddToBlacklist("203.0.113.9", "short block", "low", 10*time.Millisecond, true)
	time.Sleep(20 * time.Millisecond)

	assert.True(t, sec.Allow("203.0.113.9", "test-agent", "").Allowed)
}

func TestDDoSDetection(t *testing.T) {
	setupGlobals(func(cfg *Config) { cfg.DDoSThreshold = 5 })
	sec := globals.security

	addr := "198.51.100.7"
	for i := 0; i < 5; i++ {
		require.True(t, sec.Allow(addr, "agent", "").Allowed, "connect %d", i+1)
	}

	dec := sec.Allow(addr, "agent", "")
	require.False(t, dec.Allowed)
	assert.Equal(t, CloseBlacklisted, dec.CloseCode)

	// The auto-blacklist keeps rejecting subsequent attempts.
	dec = sec.Allow(addr, "agent", "")
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "blacklisted")
}

func TestSuspicionHardBlock(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	evicted := make(chan string, 1)
	sec.evict = func(addr, reason string) { evicted <- addr }

	addr := "198.51.100.9"
	sec.RaiseSuspicion(addr, 60, "probe")
	assert.True(t, sec.Allow(addr, "agent", "").Allowed, "alert level still admits")

	sec.RaiseSuspicion(addr, 60, "probe")

	select {
	case got := <-evicted:
		assert.Equal(t, addr, got)
	case <-time.After(time.Second):
		t.Fatal("hard block did not evict the address")
	}
	assert.False(t, sec.Allow(addr, "agent", "").Allowed)
}

func TestSuspicionDecay(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	sec.RaiseSuspicion("198.51.100.11", 12, "probe")
	sec.janitor()
	assert.Equal(t, 7, sec.Suspicion("198.51.100.11"))
	sec.janitor()
	assert.Equal(t, 2, sec.Suspicion("198.51.100.11"))
	sec.janitor()
	assert.Equal(t, 0, sec.Suspicion("198.51.100.11"))
}

func TestValidateContentDeniedNames(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	for _, name := range []string{"__proto__", "constructor.pollute", "eval"} {
		verr := sec.ValidateContent("10.0.0.1", name, nil)
		require.NotNil(t, verr, "event %q", name)
		assert.Equal(t, "event", verr.Field)
	}
}

func TestValidateContentUnknownEvent(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	before := sec.Suspicion("10.0.0.2")
	verr := sec.ValidateContent("10.0.0.2", "no.such.event", nil)
	require.NotNil(t, verr)
	assert.Equal(t, before+5, sec.Suspicion("10.0.0.2"))
}

func TestValidateContentPayloadTooLarge(t *testing.T) {
	setupGlobals(func(cfg *Config) { cfg.MaxPayloadBytes = 64 })
	sec := globals.security

	big := []byte(fmt.Sprintf(`{"content":%q}`, make([]byte, 128)))
	verr := sec.ValidateContent("10.0.0.3", evMessageSend, big)
	require.NotNil(t, verr)
	assert.Equal(t, "data", verr.Field)
}

func TestValidateContentInjection(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	for _, body := range []string{
		`{"content":"<script>alert(1)</script>"}`,
		`{"content":"javascript:void(0)"}`,
	} {
		verr := sec.ValidateContent("10.0.0.4", evMessageSend, []byte(body))
		require.NotNil(t, verr, "body %q", body)
	}
}

func TestValidateContentPrivEscFlagsWithoutBlocking(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	before := sec.Suspicion("10.0.0.5")
	verr := sec.ValidateContent("10.0.0.5", evMessageSend, []byte(`{"content":"run sudo please"}`))
	assert.Nil(t, verr, "keyword raises suspicion but does not block")
	assert.Greater(t, sec.Suspicion("10.0.0.5"), before)
}

func TestConnectRateLimit(t *testing.T) {
	setupGlobals(nil)
	sec := globals.security

	addr := "198.51.100.20"
	for i := 0; i < 10; i++ {
		require.True(t, sec.Allow(addr, "agent", "").Allowed)
	}
	dec := sec.Allow(addr, "agent", "")
	require.False(t, dec.Allowed)
	assert.Equal(t, CloseRateLimited, dec.CloseCode)
}

func TestUABlocklist(t *testing.T) {
	setupGlobals(func(cfg *Config) { cfg.UABlocklist = []string{"badbot"} })
	sec := globals.security

	assert.False(t, sec.Allow("10.1.0.1", "Mozilla BadBot/1.0", "").Allowed)
	assert.True(t, sec.Allow("10.1.0.2", "Mozilla/5.0", "").Allowed)
}

func TestGeoAllowlist(t *testing.T) {
	setupGlobals(func(cfg *Config) { cfg.GeoAllowlist = []string{"US", "CA"} })
	sec := globals.security

	assert.True(t, sec.Allow("10.2.0.1", "agent", "US").Allowed)
	assert.False(t, sec.Allow("10.2.0.2", "agent", "RU").Allowed)
	// No country information: filter does not apply.
	assert.True(t, sec.Allow("10.2.0.3", "agent", "").Allowed)
}
