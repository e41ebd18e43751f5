// Package auth verifies client bearer tokens. The wire format is three
// base64url segments separated by dots: header.claims.signature, signed
// with HMAC-SHA256 over the first two segments.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Verification failures. AuthGate maps these to close reasons.
var (
	ErrMalformed = errors.New("auth: malformed token")
	ErrSignature = errors.New("auth: invalid signature")
	ErrExpired   = errors.New("auth: expired token")
)

const minKeyLength = 32

// Claims carried by a verified token.
type Claims struct {
	UserID    string `json:"uid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Age of the token at the given time.
func (c *Claims) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(c.IssuedAt, 0))
}

// TokenVerifier validates a raw token and extracts its claims.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// HMACVerifier checks HMAC-SHA256 signed tokens.
type HMACVerifier struct {
	key []byte
}

// NewHMACVerifier creates a verifier. The key must be at least 32 bytes.
func NewHMACVerifier(key []byte) (*HMACVerifier, error) {
	if len(key) < minKeyLength {
		return nil, errors.New("auth: signing key missing or too short")
	}
	return &HMACVerifier{key: key}, nil
}

// Verify checks structure, signature and expiry.
func (v *HMACVerifier) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}

	hasher := hmac.New(sha256.New, v.key)
	hasher.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, hasher.Sum(nil)) {
		return nil, ErrSignature
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, ErrMalformed
	}
	if claims.UserID == "" {
		return nil, ErrMalformed
	}

	if claims.ExpiresAt > 0 && time.Now().After(time.Unix(claims.ExpiresAt, 0)) {
		return nil, ErrExpired
	}

	return &claims, nil
}

// Sign mints a token for the given claims. Used by tests and by the
// development-mode guest issuer.
func (v *HMACVerifier) Sign(claims *Claims) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := header + "." + base64.RawURLEncoding.EncodeToString(body)

	hasher := hmac.New(sha256.New, v.key)
	hasher.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(hasher.Sum(nil))

	return payload + "." + sig, nil
}
