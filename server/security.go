/******************************************************************************
 *
 *  Description :
 *
 *    Pre-connect security filtering and per-event content validation:
 *    blacklist, DDoS detection, UA/geo filters, suspicion scoring.
 *
 *****************************************************************************/

package main

import (
	"context"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/store"
)

const (
	hardBlockThreshold = 100
	alertThreshold     = 50
	suspicionDecay     = 5
	suspicionDecayEvery = 5 * time.Minute

	ddosWindow        = 60 * time.Second
	ddosBlockDuration = 5 * time.Minute

	securityShards = 16
)

// Event-name denylist: prototype pollution and code-injection vectors.
var deniedEventNames = []string{"__proto__", "constructor", "prototype", "eval", "script", "function("}

// Injection patterns scanned in stringified payloads.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script[\s>]`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)on(error|load|click)\s*=`),
	regexp.MustCompile(`(?i)data:text/html`),
}

// Privilege-escalation heuristics: raise suspicion, never block.
var privEscKeywords = []string{"sudo", "setuid", "grant_admin", "role=admin", "is_admin=true"}

// SecurityDecision is the outcome of the pre-connect check.
type SecurityDecision struct {
	Allowed    bool
	CloseCode  int
	Reason     string
	Suspicious bool
}

// ValidationError rejects an inbound event's content.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// blacklistStore is the slice of the shared store used here.
type blacklistStore interface {
	SetBlacklist(ctx context.Context, addr string, entry *store.BlacklistEntry, ttl time.Duration) error
	GetBlacklist(ctx context.Context, addr string) (*store.BlacklistEntry, error)
}

type suspicionShard struct {
	mu     sync.Mutex
	scores map[string]int
	// connect timestamps inside the DDoS window
	connects map[string][]time.Time
}

// Security implements the pre-connect filter and content validation.
// Suspicion and DDoS state is local; the blacklist is write-through to the
// shared store so peers reject the same addresses.
type Security struct {
	cfg    *Config
	shared blacklistStore
	bus    *bus.Bus

	// Local blacklist cache; authoritative copy lives in the shared store.
	cache sync.Map // addr -> *store.BlacklistEntry

	shards [securityShards]*suspicionShard

	// evict closes all local sessions from an address on hard block. Wired
	// by the supervisor.
	evict func(addr, reason string)
}

func newSecurity(cfg *Config, shared blacklistStore, b *bus.Bus) *Security {
	s := &Security{cfg: cfg, shared: shared, bus: b, evict: func(string, string) {}}
	for i := range s.shards {
		s.shards[i] = &suspicionShard{
			scores:   make(map[string]int),
			connects: make(map[string][]time.Time),
		}
	}
	return s
}

func (s *Security) shardFor(addr string) *suspicionShard {
	var h uint32 = 2166136261
	for i := 0; i < len(addr); i++ {
		h = (h ^ uint32(addr[i])) * 16777619
	}
	return s.shards[h%securityShards]
}

// Blacklist returns the active blacklist entry for an address, if any.
func (s *Security) Blacklist(addr string) *store.BlacklistEntry {
	now := time.Now()
	if v, ok := s.cache.Load(addr); ok {
		entry := v.(*store.BlacklistEntry)
		if entry.ExpiresAt == nil || entry.ExpiresAt.After(now) {
			return entry
		}
		s.cache.Delete(addr)
	}

	if s.shared == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
	defer cancel()
	var entry *store.BlacklistEntry
	err := globals.breakers.Do("store", func() error {
		var err error
		entry, err = s.shared.GetBlacklist(ctx, addr)
		if err == store.ErrNotFound {
			entry = nil
			return nil
		}
		return err
	})
	if err != nil {
		// Store unreachable: local cache is the best we have.
		return nil
	}
	if entry != nil {
		s.cache.Store(addr, entry)
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
			return nil
		}
	}
	return entry
}

// AddToBlacklist records the address locally and in the shared store.
func (s *Security) AddToBlacklist(addr, reason, severity string, duration time.Duration, automatic bool) {
	now := time.Now()
	entry := &store.BlacklistEntry{
		Reason:    reason,
		Severity:  severity,
		AddedAt:   now,
		Automatic: automatic,
	}
	if duration > 0 {
		exp := now.Add(duration)
		entry.ExpiresAt = &exp
	}
	s.cache.Store(addr, entry)

	if s.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
		defer cancel()
		if err := globals.breakers.Do("store", func() error {
			return s.shared.SetBlacklist(ctx, addr, entry, duration)
		}); err != nil {
			log.Println("security: blacklist write-through failed:", err)
		}
	}

	s.emit("security.blacklisted", map[string]interface{}{
		"addr": addr, "reason": reason, "severity": severity, "automatic": automatic,
	})
}

// Allow runs the ordered pre-connect checks for one connection attempt.
func (s *Security) Allow(addr, userAgent, country string) *SecurityDecision {
	// 1. Blacklist.
	if entry := s.Blacklist(addr); entry != nil {
		statsInc("SecurityRejections", 1)
		return &SecurityDecision{
			CloseCode: CloseBlacklisted,
			Reason:    "blacklisted: " + entry.Reason,
		}
	}

	// 2. Connection rate limit.
	if d := globals.limiter.Admit("connect", addr); !d.Allowed {
		statsInc("RateLimitRejections", 1)
		s.noteViolation(addr, d.Violations)
		return &SecurityDecision{CloseCode: CloseRateLimited, Reason: "connect rate exceeded"}
	}

	// 3. UA / geo filters.
	for _, blocked := range s.cfg.UABlocklist {
		if blocked != "" && strings.Contains(strings.ToLower(userAgent), strings.ToLower(blocked)) {
			statsInc("SecurityRejections", 1)
			return &SecurityDecision{CloseCode: CloseBlacklisted, Reason: "user agent not permitted"}
		}
	}
	if len(s.cfg.GeoAllowlist) > 0 && country != "" {
		allowed := false
		for _, c := range s.cfg.GeoAllowlist {
			if strings.EqualFold(c, country) {
				allowed = true
				break
			}
		}
		if !allowed {
			statsInc("SecurityRejections", 1)
			return &SecurityDecision{CloseCode: CloseBlacklisted, Reason: "region not permitted"}
		}
	}

	// 4. DDoS detector.
	if s.recordConnect(addr) {
		statsInc("DDoSDetected", 1)
		s.AddToBlacklist(addr, "ddos detected", "critical", ddosBlockDuration, true)
		s.emit("security.ddos_detected", map[string]interface{}{"addr": addr})
		return &SecurityDecision{CloseCode: CloseBlacklisted, Reason: "ddos detected"}
	}

	// 5. Suspicion score.
	score := s.Suspicion(addr)
	if score >= hardBlockThreshold {
		statsInc("SuspicionBlacklists", 1)
		s.AddToBlacklist(addr, "suspicion threshold", "high", ddosBlockDuration, true)
		s.evict(addr, "suspicion threshold")
		return &SecurityDecision{CloseCode: CloseBlacklisted, Reason: "suspicious activity"}
	}

	dec := &SecurityDecision{Allowed: true}
	if score >= alertThreshold {
		dec.Suspicious = true
	}
	return dec
}

// recordConnect adds a connect timestamp and reports whether the address
// crossed the DDoS threshold inside the window.
func (s *Security) recordConnect(addr string) bool {
	now := time.Now()
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	times := sh.connects[addr]
	// Prune entries outside the window.
	keep := times[:0]
	for _, t := range times {
		if now.Sub(t) <= ddosWindow {
			keep = append(keep, t)
		}
	}
	keep = append(keep, now)
	sh.connects[addr] = keep

	return len(keep) > s.cfg.DDoSThreshold
}

// Suspicion returns the address's current score.
func (s *Security) Suspicion(addr string) int {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.scores[addr]
}

// RaiseSuspicion bumps the score and applies threshold effects.
func (s *Security) RaiseSuspicion(addr string, delta int, reason string) {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	was := sh.scores[addr]
	score := was + delta
	sh.scores[addr] = score
	sh.mu.Unlock()

	if was < alertThreshold && score >= alertThreshold {
		s.emit("security.suspicious", map[string]interface{}{
			"addr": addr, "score": score, "reason": reason,
		})
	}
	if was < hardBlockThreshold && score >= hardBlockThreshold {
		statsInc("SuspicionBlacklists", 1)
		s.AddToBlacklist(addr, "suspicion: "+reason, "critical", ddosBlockDuration, true)
		s.evict(addr, "suspicious activity")
	}
}

// noteViolation feeds rate-limit rejections into the suspicion score.
func (s *Security) noteViolation(addr string, violations int) {
	if violations > 0 {
		s.RaiseSuspicion(addr, 5, "rate limit violations")
	}
}

// ValidateContent checks one inbound event's name and payload. Returns nil
// when acceptable. Suspicion side effects are applied against addr.
func (s *Security) ValidateContent(addr, event string, payload []byte) *ValidationError {
	lower := strings.ToLower(event)
	for _, denied := range deniedEventNames {
		if strings.Contains(lower, denied) {
			s.RaiseSuspicion(addr, 20, "denied event name")
			return &ValidationError{Field: "event", Message: "event name not permitted"}
		}
	}
	if !knownEvents[event] {
		s.RaiseSuspicion(addr, 5, "unknown event name")
		return &ValidationError{Field: "event", Message: "unknown event"}
	}

	if int64(len(payload)) > s.cfg.MaxPayloadBytes {
		return &ValidationError{Field: "data", Message: "payload too large"}
	}

	body := string(payload)
	for _, pat := range injectionPatterns {
		if pat.MatchString(body) {
			s.RaiseSuspicion(addr, 20, "injection pattern")
			return &ValidationError{Field: "data", Message: "payload not permitted"}
		}
	}

	lowerBody := strings.ToLower(body)
	for _, kw := range privEscKeywords {
		if strings.Contains(lowerBody, kw) {
			// Heuristic only: flag, do not block.
			s.RaiseSuspicion(addr, 20, "privilege escalation keyword")
			break
		}
	}
	return nil
}

// janitor decays suspicion scores and prunes stale DDoS windows and expired
// cache entries. Run every 5 minutes.
func (s *Security) janitor() {
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for addr, score := range sh.scores {
			score -= suspicionDecay
			if score <= 0 {
				delete(sh.scores, addr)
			} else {
				sh.scores[addr] = score
			}
		}
		for addr, times := range sh.connects {
			keep := times[:0]
			for _, t := range times {
				if now.Sub(t) <= ddosWindow {
					keep = append(keep, t)
				}
			}
			if len(keep) == 0 {
				delete(sh.connects, addr)
			} else {
				sh.connects[addr] = keep
			}
		}
		sh.mu.Unlock()
	}

	s.cache.Range(func(k, v interface{}) bool {
		entry := v.(*store.BlacklistEntry)
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
			s.cache.Delete(k)
		}
		return true
	})
}

func (s *Security) emit(kind string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish("security", kind, payload, bus.PublishOpts{
		Priority: bus.PriorityHigh,
	}); err != nil {
		log.Println("security: event publish failed:", err)
	}
}
