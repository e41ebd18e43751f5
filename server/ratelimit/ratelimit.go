// Package ratelimit implements sliding-window counters keyed by
// (action, subject), with a fixed per-action budget table.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const numShards = 16

// Rule is the budget for one action.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Default per-action budgets. The "default" entry applies to any action not
// listed.
var defaultRules = map[string]Rule{
	"connect":         {10, time.Minute},
	"auth_attempt":    {10, time.Minute},
	"message_send":    {30, time.Minute},
	"message_edit":    {10, time.Minute},
	"message_delete":  {5, time.Minute},
	"typing_start":    {10, 10 * time.Second},
	"typing_stop":     {10, 10 * time.Second},
	"presence_update": {5, 30 * time.Second},
	"voice_join":      {20, time.Minute},
	"channel_join":    {50, time.Minute},
	"channel_leave":   {50, time.Minute},
	"dm_send":         {20, time.Minute},
	"moderation_kick": {5, 5 * time.Minute},
	"moderation_ban":  {3, 5 * time.Minute},
	"default":         {100, time.Minute},
}

type bucket struct {
	windowStart time.Time
	count       int
	violations  int
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter admits or rejects actions against the budget table.
type Limiter struct {
	rules  map[string]Rule
	shards [numShards]*shard
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Violations is how many times this key has been rejected since the
	// bucket was created. Feeds the suspicion score.
	Violations int
}

// New creates a limiter with the default budget table. Entries in overrides
// replace matching defaults.
func New(overrides map[string]Rule) *Limiter {
	rules := make(map[string]Rule, len(defaultRules))
	for k, v := range defaultRules {
		rules[k] = v
	}
	for k, v := range overrides {
		rules[k] = v
	}
	l := &Limiter{rules: rules}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Rule returns the budget applied to an action.
func (l *Limiter) Rule(action string) Rule {
	if r, ok := l.rules[action]; ok {
		return r
	}
	return l.rules["default"]
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%numShards]
}

// Admit checks and consumes one unit of budget for (action, subject).
func (l *Limiter) Admit(action, subject string) Decision {
	return l.admit(action, subject, time.Now())
}

func (l *Limiter) admit(action, subject string, now time.Time) Decision {
	rule := l.Rule(action)
	key := action + "|" + subject
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b := sh.buckets[key]
	if b == nil {
		b = &bucket{windowStart: now, count: 1}
		sh.buckets[key] = b
		return Decision{Allowed: true}
	}

	if now.Sub(b.windowStart) >= rule.Window {
		b.windowStart = now
		b.count = 1
		return Decision{Allowed: true}
	}

	if b.count < rule.Limit {
		b.count++
		return Decision{Allowed: true}
	}

	b.violations++
	return Decision{
		Allowed:    false,
		RetryAfter: b.windowStart.Add(rule.Window).Sub(now),
		Violations: b.violations,
	}
}

// GC drops buckets whose window closed before the cutoff. Run periodically.
// Returns the number of buckets removed.
func (l *Limiter) GC(maxAge time.Duration) int {
	now := time.Now()
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if now.Sub(b.windowStart) > maxAge {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
