package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arfacturas/relay/server/store"
)

func handshakeWith(addr string, auth *MsgAuth) *Handshake {
	return &Handshake{
		RemoteAddr: addr,
		UserAgent:  "test-agent",
		Header:     http.Header{},
		Query:      map[string]string{},
		Auth:       auth,
	}
}

func TestExtractTokenPriority(t *testing.T) {
	hs := handshakeWith("10.0.0.1", &MsgAuth{
		Token:       "from-auth-token",
		AccessToken: "from-access-token",
	})
	hs.Header.Set("Authorization", "Bearer from-header")
	hs.Query["token"] = "from-query"

	// auth.token wins over everything.
	assert.Equal(t, "from-auth-token", ExtractToken(hs))

	hs.Auth.Token = ""
	assert.Equal(t, "from-header", ExtractToken(hs))

	hs.Header.Del("Authorization")
	assert.Equal(t, "from-query", ExtractToken(hs))

	delete(hs.Query, "token")
	assert.Equal(t, "from-access-token", ExtractToken(hs))

	hs.Auth.AccessToken = ""
	assert.Equal(t, "", ExtractToken(hs))
}

func TestAuthenticateHappyPath(t *testing.T) {
	mem := setupGlobals(nil)
	mem.AddUser(&store.User{ID: "u1", DisplayName: "A"})

	hs := handshakeWith("10.0.0.1", &MsgAuth{Token: signToken("u1", time.Now())})
	res := globals.gate.Authenticate(context.Background(), hs)

	require.Equal(t, authOK, res.Reason)
	require.NotNil(t, res.User)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "A", res.User.DisplayName)
}

func TestAuthenticateInvalidFormat(t *testing.T) {
	setupGlobals(nil)

	for _, token := range []string{"", "short", "no-dots-here-at-all", "a.b"} {
		hs := handshakeWith("10.0.0.2", &MsgAuth{Token: token})
		res := globals.gate.Authenticate(context.Background(), hs)
		assert.Equal(t, authInvalidFormat, res.Reason, "token %q", token)
	}
	assert.Equal(t, CloseAuthFailure, closeCodeFor(authInvalidFormat))
}

func TestAuthenticateBadSignature(t *testing.T) {
	setupGlobals(nil)

	token := signToken("u1", time.Now())
	tampered := token[:len(token)-6] + "zzzzzz"
	hs := handshakeWith("10.0.0.3", &MsgAuth{Token: tampered})
	res := globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authTokenInvalid, res.Reason)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	setupGlobals(nil)

	hs := handshakeWith("10.0.0.4", &MsgAuth{Token: signToken("ghost", time.Now())})
	res := globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authUserUnknown, res.Reason)
}

func TestAuthenticateBanned(t *testing.T) {
	mem := setupGlobals(nil)

	until := time.Now().Add(time.Hour)
	mem.AddUser(&store.User{ID: "u1", BannedUntil: &until})

	hs := handshakeWith("10.0.0.5", &MsgAuth{Token: signToken("u1", time.Now())})
	res := globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authBanned, res.Reason)
	assert.Equal(t, CloseBanned, closeCodeFor(authBanned))
}

func TestAuthenticateRecentlyExpiredBanStillCounts(t *testing.T) {
	mem := setupGlobals(nil)

	// Ban lapsed a week ago: still inside the linger window.
	until := time.Now().Add(-7 * 24 * time.Hour)
	mem.AddUser(&store.User{ID: "u1", BannedUntil: &until})

	hs := handshakeWith("10.0.0.6", &MsgAuth{Token: signToken("u1", time.Now())})
	res := globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authBanned, res.Reason)
}

func TestAuthenticateOldBanIsForgotten(t *testing.T) {
	mem := setupGlobals(nil)

	until := time.Now().Add(-60 * 24 * time.Hour)
	mem.AddUser(&store.User{ID: "u1", BannedUntil: &until})

	hs := handshakeWith("10.0.0.7", &MsgAuth{Token: signToken("u1", time.Now())})
	res := globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authOK, res.Reason)
}

func TestAuthenticateSessionCap(t *testing.T) {
	mem := setupGlobals(nil)
	mem.AddUser(&store.User{ID: "u1", DisplayName: "A"})

	for i := 0; i < 5; i++ {
		s := &Session{sid: store.NextID(), remoteAddr: "10.0.0.8", uid: "u1"}
		globals.sessionStore.Add(s)
		globals.sessionStore.AttachUser(s)
	}

	hs := handshakeWith("10.0.0.8", &MsgAuth{Token: signToken("u1", time.Now())})
	res := globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authTooManySessions, res.Reason)
}

func TestAuthenticateTwoFactor(t *testing.T) {
	mem := setupGlobals(nil)
	mem.AddUser(&store.User{ID: "u1", TwoFactorRequired: true})

	hs := handshakeWith("10.0.0.9", &MsgAuth{Token: signToken("u1", time.Now())})
	res := globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authTwoFactorRequired, res.Reason)

	hs = handshakeWith("10.0.0.9", &MsgAuth{
		Token:         signToken("u1", time.Now()),
		TwoFactorCode: "123456",
	})
	res = globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authOK, res.Reason)
}

func TestAuthenticateStaleTokenAcceptedWithNotice(t *testing.T) {
	mem := setupGlobals(nil)
	mem.AddUser(&store.User{ID: "u1"})
	c := collectTopic("security")
	defer c.stop()

	hs := handshakeWith("10.0.0.10", &MsgAuth{
		Token: signToken("u1", time.Now().Add(-time.Hour)),
	})
	res := globals.gate.Authenticate(context.Background(), hs)
	require.Equal(t, authOK, res.Reason)

	require.Eventually(t, func() bool {
		return c.countKind("security.old_token") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAuthenticateAttemptRateLimit(t *testing.T) {
	setupGlobals(nil)

	addr := "10.0.0.11"
	for i := 0; i < 10; i++ {
		hs := handshakeWith(addr, &MsgAuth{Token: "bad"})
		globals.gate.Authenticate(context.Background(), hs)
	}
	hs := handshakeWith(addr, &MsgAuth{Token: signToken("u1", time.Now())})
	res := globals.gate.Authenticate(context.Background(), hs)
	assert.Equal(t, authRateLimited, res.Reason)
}

func TestAuthenticateAnonymousMode(t *testing.T) {
	setupGlobals(func(cfg *Config) { cfg.AllowAnonymous = true })
	globals.gate = newAuthGate(globals.cfg, nil, globals.directory, nil, globals.bus)

	hs := handshakeWith("10.0.0.12", nil)
	res := globals.gate.Authenticate(context.Background(), hs)
	require.Equal(t, authOK, res.Reason)
	assert.Contains(t, res.User.ID, "guest-")
}
