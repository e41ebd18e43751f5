package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/arfacturas/relay/server/auth"
	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/cbreaker"
	"github.com/arfacturas/relay/server/ratelimit"
	"github.com/arfacturas/relay/server/store"
)

var testAuthKey = []byte("0123456789abcdef0123456789abcdef")

// deadTransport keeps the bus transport permanently down; local delivery
// still works, which is all the tests need.
type deadTransport struct{}

func (deadTransport) Connect(ctx context.Context) error { return errors.New("down") }
func (deadTransport) Publish(ctx context.Context, topic string, data []byte) error {
	return errors.New("down")
}
func (deadTransport) Receive(ctx context.Context) (string, []byte, error) {
	<-ctx.Done()
	return "", nil, ctx.Err()
}
func (deadTransport) Close() error { return nil }

// fakeRegistry is an in-memory node registry for cluster tests.
type fakeRegistry struct {
	mu    sync.Mutex
	nodes map[string]*store.NodeInfo
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{nodes: make(map[string]*store.NodeInfo)}
}

func (r *fakeRegistry) RegisterNode(ctx context.Context, info *store.NodeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *info
	r.nodes[info.NodeID] = &cp
	return nil
}

func (r *fakeRegistry) DeregisterNode(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
	return nil
}

func (r *fakeRegistry) ListNodes(ctx context.Context) ([]*store.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*store.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRegistry) setHeartbeat(nodeID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.LastHeartbeatAt = at
	}
}

func testTypingConfig() TypingConfig {
	return TypingConfig{
		TTL:              400 * time.Millisecond,
		Debounce:         60 * time.Millisecond,
		MinStartInterval: 20 * time.Millisecond,
		MaxTypingUsers:   3,
	}
}

// setupGlobals rebuilds the global component graph on in-memory fakes.
// Returns the collaborator backend for seeding users and messages.
func setupGlobals(mutate func(cfg *Config)) *store.InMemory {
	cfg := &Config{
		NodeID:                "n1",
		Host:                  "127.0.0.1",
		Port:                  6060,
		MaxConcurrentSessions: 5,
		MaxPayloadBytes:       1 << 20,
		DDoSThreshold:         100,
	}
	if mutate != nil {
		mutate(cfg)
	}

	statsInit()
	store.InitIDs(1)

	globals.cfg = cfg
	globals.startedAt = time.Now()
	globals.shuttingDown.Store(false)
	globals.breakers = cbreaker.NewRegistry(cbreaker.DefaultConfig, nil)
	globals.limiter = ratelimit.New(nil)
	globals.sessionStore = newSessionStore()
	globals.shared = nil
	globals.bus = bus.New(cfg.NodeID, deadTransport{})

	mem := store.NewInMemory()
	globals.directory = mem
	globals.content = mem
	globals.indexer = mem
	globals.media = mem

	globals.security = newSecurity(cfg, nil, globals.bus)
	globals.security.evict = func(addr, reason string) {
		globals.sessionStore.EvictAddr(addr, reason)
	}

	verifier, err := auth.NewHMACVerifier(testAuthKey)
	if err != nil {
		panic(err)
	}
	globals.gate = newAuthGate(cfg, verifier, mem, nil, globals.bus)

	globals.presence = newPresenceTracker(cfg.NodeID, globals.bus, nil, mem)
	globals.typing = newTypingTracker(testTypingConfig(), cfg.NodeID, globals.bus, nil)
	globals.cluster = newCluster(cfg, newFakeRegistry(), nil, globals.bus, globals.presence)

	return mem
}

// signToken mints a valid test token.
func signToken(uid string, issuedAt time.Time) string {
	v, _ := auth.NewHMACVerifier(testAuthKey)
	token, _ := v.Sign(&auth.Claims{
		UserID:    uid,
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: issuedAt.Add(24 * time.Hour).Unix(),
	})
	return token
}

// busCollector subscribes to a topic and accumulates envelopes.
type busCollector struct {
	mu   sync.Mutex
	envs []*bus.Envelope
	sub  *bus.Subscription
}

func collectTopic(topic string) *busCollector {
	c := &busCollector{}
	c.sub = globals.bus.Subscribe(topic, func(env *bus.Envelope) {
		c.mu.Lock()
		c.envs = append(c.envs, env)
		c.mu.Unlock()
	})
	return c
}

func (c *busCollector) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.envs))
	for _, e := range c.envs {
		out = append(out, e.Kind)
	}
	return out
}

func (c *busCollector) countKind(kind string) int {
	n := 0
	for _, k := range c.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (c *busCollector) stop() {
	globals.bus.Unsubscribe(c.sub)
}

func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func jsonUnmarshalEnv(env *bus.Envelope, v interface{}) error {
	return json.Unmarshal(env.Payload, v)
}
