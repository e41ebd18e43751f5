// Package cbreaker guards calls to external dependencies with a
// closed/open/half-open circuit breaker, one breaker per named dependency.
package cbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned without invoking the wrapped call while the
// circuit is open.
var ErrUnavailable = errors.New("cbreaker: circuit open")

// State of a single breaker.
type State int

const (
	// Closed: calls pass through, failures are counted.
	Closed State = iota
	// Open: calls are short-circuited until the cooldown elapses.
	Open
	// HalfOpen: probe calls are let through one at a time.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds breaker tunables.
type Config struct {
	// Consecutive-ish failures before the circuit opens.
	Threshold int
	// How long the circuit stays open before probing.
	Cooldown time.Duration
	// Successful probes required to close a half-open circuit.
	ProbeSuccesses int
}

// DefaultConfig mirrors the production defaults.
var DefaultConfig = Config{
	Threshold:      5,
	Cooldown:       30 * time.Second,
	ProbeSuccesses: 3,
}

// Observer is notified of state transitions, e.g. to update metrics.
// Called outside the breaker lock.
type Observer func(name string, from, to State)

type breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	probes   int
	openedAt time.Time
	probing  bool
	cfg      Config
}

// Registry is a set of named breakers sharing an observer.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      Config
	observer Observer
}

// NewRegistry creates a breaker registry. A nil observer is allowed.
func NewRegistry(cfg Config, observer Observer) *Registry {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = DefaultConfig.ProbeSuccesses
	}
	return &Registry{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
		observer: observer,
	}
}

func (r *Registry) get(name string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.breakers[name]
	if b == nil {
		b = &breaker{state: Closed, cfg: r.cfg}
		r.breakers[name] = b
	}
	return b
}

// State reports the current state of a named breaker. Unknown names are
// Closed: a dependency which has never failed has never been tripped.
func (r *Registry) State(name string) State {
	r.mu.Lock()
	b := r.breakers[name]
	r.mu.Unlock()
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

// stateLocked resolves Open→HalfOpen promotion on read.
func (b *breaker) stateLocked(now time.Time) State {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs op under the named breaker. While the circuit is open it returns
// ErrUnavailable without invoking op. Otherwise op's error is returned as-is
// and counted.
func (r *Registry) Do(name string, op func() error) error {
	b := r.get(name)
	now := time.Now()

	b.mu.Lock()
	switch b.stateLocked(now) {
	case Open:
		b.mu.Unlock()
		return ErrUnavailable
	case HalfOpen:
		if b.state == Open {
			// Cooldown elapsed; record the transition.
			b.state = HalfOpen
			b.probes = 0
			r.notify(name, Open, HalfOpen)
		}
		if b.probing {
			// Another probe is in flight; only one call is permitted.
			b.mu.Unlock()
			return ErrUnavailable
		}
		b.probing = true
	}
	state := b.state
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()

	if state == HalfOpen {
		b.probing = false
		if err != nil {
			b.state = Open
			b.openedAt = time.Now()
			b.probes = 0
			r.notify(name, HalfOpen, Open)
			return err
		}
		b.probes++
		if b.probes >= b.cfg.ProbeSuccesses {
			b.state = Closed
			b.failures = 0
			b.probes = 0
			r.notify(name, HalfOpen, Closed)
		}
		return nil
	}

	// Closed.
	if err != nil {
		b.failures++
		if b.failures >= b.cfg.Threshold && b.state == Closed {
			b.state = Open
			b.openedAt = time.Now()
			r.notify(name, Closed, Open)
		}
		return err
	}
	if b.failures > 0 {
		b.failures--
	}
	return nil
}

// notify is called with b.mu held; dispatch on a copy to keep the observer
// out of the lock.
func (r *Registry) notify(name string, from, to State) {
	if r.observer != nil {
		go r.observer(name, from, to)
	}
}
