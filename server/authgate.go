/******************************************************************************
 *
 *  Description :
 *
 *    Authentication of connection handshakes: token extraction, signature
 *    verification, user lookup, ban and concurrent-session checks.
 *
 *****************************************************************************/

package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/arfacturas/relay/server/auth"
	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/store"
)

// Authentication failure reasons, mapped to close codes by the caller.
const (
	authOK                = ""
	authInvalidFormat     = "invalid_format"
	authTokenInvalid      = "token_invalid"
	authTokenExpired      = "token_expired"
	authUserUnknown       = "user_unknown"
	authBanned            = "banned"
	authTooManySessions   = "max_concurrent_sessions"
	authTwoFactorRequired = "two_factor_required"
	authRateLimited       = "rate_limited"
	authUnavailable       = "service_unavailable"
)

// Token age past which a stale-token notice is emitted. The token is still
// accepted.
const tokenRefreshThreshold = 30 * time.Minute

// Recently expired bans still count as banned for this long.
const banLingerWindow = 30 * 24 * time.Hour

// Handshake carries everything the gate inspects: the HTTP upgrade request
// plus the optional first-frame auth payload.
type Handshake struct {
	RemoteAddr string
	UserAgent  string
	Header     http.Header
	Query      map[string]string
	Auth       *MsgAuth
}

// AuthResult is the gate's verdict.
type AuthResult struct {
	User    *store.User
	Reason  string
	Claims  *auth.Claims
}

// AuthGate validates handshakes.
type AuthGate struct {
	cfg      *Config
	verifier auth.TokenVerifier
	dir      store.UserDirectory
	bus      *bus.Bus
	counter  sessionCounter
}

// sessionCounter reports the user's cluster-wide live session count.
type sessionCounter interface {
	SessionCount(ctx context.Context, userID string) (int64, error)
}

func newAuthGate(cfg *Config, verifier auth.TokenVerifier, dir store.UserDirectory, counter sessionCounter, b *bus.Bus) *AuthGate {
	return &AuthGate{cfg: cfg, verifier: verifier, dir: dir, counter: counter, bus: b}
}

// ExtractToken applies the fixed extraction priority:
// auth.token, Authorization bearer, ?token=, then the alternative auth keys.
func ExtractToken(hs *Handshake) string {
	if hs.Auth != nil && hs.Auth.Token != "" {
		return hs.Auth.Token
	}
	if hs.Header != nil {
		if h := hs.Header.Get("Authorization"); h != "" {
			if strings.HasPrefix(h, "Bearer ") {
				return strings.TrimSpace(h[len("Bearer "):])
			}
		}
	}
	if hs.Query != nil {
		if t := hs.Query["token"]; t != "" {
			return t
		}
	}
	if hs.Auth != nil {
		for _, t := range []string{
			hs.Auth.AccessToken, hs.Auth.AccessTokenCC, hs.Auth.AuthToken,
			hs.Auth.AuthTokenSnk, hs.Auth.JWT,
		} {
			if t != "" {
				return t
			}
		}
	}
	return ""
}

// Authenticate validates the handshake and resolves the user. A non-empty
// Reason means the connection must be rejected.
func (g *AuthGate) Authenticate(ctx context.Context, hs *Handshake) *AuthResult {
	// Auth attempts are budgeted per address, cluster-wide.
	if !g.admitAttempt(ctx, hs.RemoteAddr) {
		statsInc("AuthFailures", 1)
		return &AuthResult{Reason: authRateLimited}
	}

	if g.cfg.AllowAnonymous {
		return g.anonymous(ctx, hs)
	}

	token := ExtractToken(hs)
	if len(token) < 10 || strings.Count(token, ".") != 2 {
		statsInc("AuthFailures", 1)
		return &AuthResult{Reason: authInvalidFormat}
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		statsInc("AuthFailures", 1)
		switch err {
		case auth.ErrExpired:
			return &AuthResult{Reason: authTokenExpired}
		case auth.ErrMalformed:
			return &AuthResult{Reason: authInvalidFormat}
		default:
			return &AuthResult{Reason: authTokenInvalid}
		}
	}

	user, reason := g.lookup(ctx, claims.UserID)
	if reason != authOK {
		statsInc("AuthFailures", 1)
		return &AuthResult{Reason: reason}
	}

	now := time.Now()
	if user.BannedUntil != nil && user.BannedUntil.After(now.Add(-banLingerWindow)) {
		statsInc("AuthFailures", 1)
		return &AuthResult{Reason: authBanned}
	}

	if reason := g.checkSessionCap(ctx, user.ID); reason != authOK {
		statsInc("AuthFailures", 1)
		return &AuthResult{Reason: reason}
	}

	if user.TwoFactorRequired {
		if hs.Auth == nil || hs.Auth.TwoFactorCode == "" {
			statsInc("AuthFailures", 1)
			return &AuthResult{Reason: authTwoFactorRequired}
		}
	}

	if claims.Age(now) >= tokenRefreshThreshold {
		// Informational only; the token is accepted.
		g.emitOldToken(user.ID, claims.Age(now))
	}

	return &AuthResult{User: user, Claims: claims}
}

// anonymous mints a guest identity for development mode. The session cap
// still applies, keyed by address.
func (g *AuthGate) anonymous(ctx context.Context, hs *Handshake) *AuthResult {
	guestID := "guest-" + store.NextID()
	return &AuthResult{User: &store.User{
		ID:          guestID,
		DisplayName: "Guest",
	}}
}

// lookup resolves the user through the directory, circuit-broken.
func (g *AuthGate) lookup(ctx context.Context, userID string) (*store.User, string) {
	lctx, cancel := context.WithTimeout(ctx, authDeadline)
	defer cancel()

	var user *store.User
	err := globals.breakers.Do("auth", func() error {
		var err error
		user, err = g.dir.LookupUser(lctx, userID)
		if err == store.ErrNotFound {
			// Not a dependency failure; don't count against the breaker.
			user = nil
			return nil
		}
		return err
	})
	if err != nil {
		log.Println("authgate: directory lookup failed:", err)
		return nil, authUnavailable
	}
	if user == nil {
		return nil, authUserUnknown
	}
	return user, authOK
}

// checkSessionCap enforces the cluster-wide concurrent session limit.
func (g *AuthGate) checkSessionCap(ctx context.Context, userID string) string {
	local := globals.sessionStore.CountUser(userID)
	if local >= g.cfg.MaxConcurrentSessions {
		return authTooManySessions
	}

	if g.counter == nil {
		return authOK
	}
	cctx, cancel := context.WithTimeout(ctx, storeDeadline)
	defer cancel()
	var total int64
	err := globals.breakers.Do("store", func() error {
		var err error
		total, err = g.counter.SessionCount(cctx, userID)
		return err
	})
	if err != nil {
		// Store down: fall back to the local count already checked.
		return authOK
	}
	if total >= int64(g.cfg.MaxConcurrentSessions) {
		return authTooManySessions
	}
	return authOK
}

// admitAttempt budgets auth attempts per address. Prefers the cluster-wide
// window; falls back to the local limiter when the store is unreachable.
func (g *AuthGate) admitAttempt(ctx context.Context, addr string) bool {
	rule := globals.limiter.Rule("auth_attempt")

	if globals.shared != nil {
		mctx, cancel := context.WithTimeout(ctx, storeDeadline)
		defer cancel()
		var count int64
		err := globals.breakers.Do("store", func() error {
			var err error
			count, err = globals.shared.MarkRateEvent(mctx, "auth_attempt", addr, rule.Window)
			return err
		})
		if err == nil {
			return count <= int64(rule.Limit)
		}
	}

	return globals.limiter.Admit("auth_attempt", addr).Allowed
}

func (g *AuthGate) emitOldToken(userID string, age time.Duration) {
	if g.bus == nil {
		return
	}
	g.bus.Publish("security", "security.old_token", map[string]interface{}{
		"user_id": userID,
		"age_s":   int(age / time.Second),
	}, bus.PublishOpts{Priority: bus.PriorityLow})
}

// closeCodeFor maps an auth failure reason to the wire close code.
func closeCodeFor(reason string) int {
	switch reason {
	case authBanned:
		return CloseBanned
	case authRateLimited:
		return CloseRateLimited
	default:
		return CloseAuthFailure
	}
}
