/******************************************************************************
 *
 *  Description :
 *
 *    Pub/sub bridge: fan-out to local subscribers plus cross-node
 *    replication over the shared transport, with an offline queue and
 *    reconnection backoff for transport outages.
 *
 *****************************************************************************/

package bus

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bounded mailbox per local subscriber. A slow consumer drops its own
// oldest messages and never blocks delivery to others.
const subscriberMailbox = 256

// Dedupe window for (topic, dedupe_key) pairs.
const dedupeWindow = 2 * time.Second

// Reconnection backoff: full jitter, base 1 s, cap 30 s. After
// maxReconnectAttempts the bus enters degraded mode and probes on a fixed
// period instead.
const (
	reconnectBase        = time.Second
	reconnectCap         = 30 * time.Second
	maxReconnectAttempts = 10
	degradedProbePeriod  = 30 * time.Second
)

// ConnState is the transport connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Result of a Publish call.
type Result int

const (
	Delivered Result = iota
	Queued
	Dropped
)

// PublishOpts tune a single Publish.
type PublishOpts struct {
	Priority Priority
	TTL      time.Duration
	Compress bool
	Dedupe   bool
	// ToAll delivers the envelope to the origin node's subscribers on
	// remote receipt as well; used for cluster-wide control events.
	ToAll bool
}

// Handler consumes envelopes delivered to a subscription.
type Handler func(env *Envelope)

// Subscription is a handle returned by Subscribe, used to cancel it.
type Subscription struct {
	topic   string
	mailbox chan *Envelope
	quit    chan struct{}
	handler Handler
	bus     *Bus
	once    sync.Once
}

// Stats counts bus-level events. All fields are atomics.
type Stats struct {
	MessagesDropped    atomic.Int64
	DroppedTTL         atomic.Int64
	Deduped            atomic.Int64
	SubscriberOverflow atomic.Int64
	Reconnects         atomic.Int64
	Published          atomic.Int64
	RemoteReceived     atomic.Int64
}

// Bus is the in-process pub/sub abstraction. One per node.
type Bus struct {
	nodeID    string
	transport Transport

	mu   sync.RWMutex
	subs map[string][]*Subscription

	queue *offlineQueue
	stats Stats

	state atomic.Int32

	dmu    sync.Mutex
	dedupe map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bus for this node over the given transport. Call Run to
// start the transport loop; local delivery works immediately.
func New(nodeID string, transport Transport) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		nodeID:    nodeID,
		transport: transport,
		subs:      make(map[string][]*Subscription),
		queue:     newOfflineQueue(),
		dedupe:    make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	b.state.Store(int32(StateDisconnected))
	return b
}

// Stats exposes the bus counters.
func (b *Bus) Stats() *Stats {
	return &b.stats
}

// State returns the current transport state.
func (b *Bus) State() ConnState {
	return ConnState(b.state.Load())
}

// QueueLen reports the number of envelopes waiting for the transport.
func (b *Bus) QueueLen() int {
	return b.queue.len()
}

func (b *Bus) setState(s ConnState) {
	old := ConnState(b.state.Swap(int32(s)))
	if old != s {
		log.Println("bus: transport", old.String(), "->", s.String())
	}
}

// Run drives the transport: connect, receive, reconnect with backoff.
// Blocks until Close is called.
func (b *Bus) Run() {
	defer close(b.done)

	attempts := 0
	for {
		if b.ctx.Err() != nil {
			return
		}

		if attempts == 0 {
			b.setState(StateConnecting)
		} else {
			b.setState(StateReconnecting)
		}

		if err := b.transport.Connect(b.ctx); err != nil {
			attempts++
			if attempts >= maxReconnectAttempts {
				b.setState(StateFailed)
				log.Println("bus: transport failed after", attempts, "attempts, degraded mode")
				if !b.sleep(degradedProbePeriod) {
					return
				}
				continue
			}
			if !b.sleep(backoff(attempts)) {
				return
			}
			continue
		}

		b.setState(StateConnected)
		if attempts > 0 {
			b.stats.Reconnects.Add(1)
		}
		attempts = 0
		b.flushQueue()

		// Receive until the connection breaks.
		for {
			topic, data, err := b.transport.Receive(b.ctx)
			if err != nil {
				if b.ctx.Err() != nil {
					b.transport.Close()
					return
				}
				log.Println("bus: receive failed:", err)
				b.transport.Close()
				attempts = 1
				break
			}
			b.handleRemote(topic, data)
		}
	}
}

// sleep waits for d unless the bus is closing first.
func (b *Bus) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-b.ctx.Done():
		return false
	}
}

// backoff computes the jittered delay before reconnect attempt n.
func backoff(attempt int) time.Duration {
	ceiling := reconnectBase << (attempt - 1)
	if ceiling > reconnectCap || ceiling <= 0 {
		ceiling = reconnectCap
	}
	return time.Duration(rand.Int63n(int64(ceiling)) + 1)
}

// Close stops the transport loop and all subscriber goroutines.
func (b *Bus) Close() {
	b.cancel()
	<-b.done

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, list := range subs {
		for _, s := range list {
			s.stop()
		}
	}
}

// Subscribe registers a local handler for a topic. A topic ending in ".*"
// is a suffix wildcard: "typing.*" receives "typing.r1.update" but a plain
// "typing" subscription does not.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	sub := &Subscription{
		topic:   topic,
		mailbox: make(chan *Envelope, subscriberMailbox),
		quit:    make(chan struct{}),
		handler: handler,
		bus:     b,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, sub.topic)
	} else {
		b.subs[sub.topic] = list
	}
	b.mu.Unlock()

	sub.stop()
}

func (s *Subscription) run() {
	for {
		select {
		case env := <-s.mailbox:
			s.handler(env)
		case <-s.quit:
			return
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.quit) })
}

// deliver places the envelope in the subscriber's mailbox; on overflow the
// subscriber's oldest message is dropped.
func (s *Subscription) deliver(env *Envelope, stats *Stats) {
	for {
		select {
		case s.mailbox <- env:
			return
		default:
		}
		select {
		case <-s.mailbox:
			stats.SubscriberOverflow.Add(1)
		default:
		}
	}
}

// matches reports whether a subscription pattern covers the topic.
func matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}

// deliverLocal fans the envelope out to all matching local subscribers.
func (b *Bus) deliverLocal(env *Envelope) {
	b.mu.RLock()
	var targets []*Subscription
	for pattern, list := range b.subs {
		if matches(pattern, env.Topic) {
			targets = append(targets, list...)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(env, &b.stats)
	}
}

// isDuplicate records the (topic, key) pair and reports whether it was
// already published inside the dedupe window.
func (b *Bus) isDuplicate(topic, key string, now time.Time) bool {
	if key == "" {
		return false
	}
	k := topic + "|" + key
	b.dmu.Lock()
	defer b.dmu.Unlock()

	// Opportunistic cleanup of expired entries.
	if len(b.dedupe) > 4096 {
		for dk, at := range b.dedupe {
			if now.Sub(at) > dedupeWindow {
				delete(b.dedupe, dk)
			}
		}
	}

	if at, ok := b.dedupe[k]; ok && now.Sub(at) <= dedupeWindow {
		return true
	}
	b.dedupe[k] = now
	return false
}

// Publish stamps and sends an envelope: local subscribers first, then
// remote replication. During an outage high/critical envelopes are queued,
// everything else is dropped.
func (b *Bus) Publish(topic, kind string, payload interface{}, opts PublishOpts) (Result, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Dropped, err
	}

	now := time.Now()
	env := &Envelope{
		Topic:        topic,
		Kind:         kind,
		OriginNodeID: b.nodeID,
		Priority:     opts.Priority,
		CreatedAt:    now.UnixMilli(),
		ToAll:        opts.ToAll,
		Payload:      data,
	}
	if opts.TTL > 0 {
		env.TTLSeconds = int(opts.TTL / time.Second)
	}
	if opts.Dedupe && opts.Priority != PriorityCritical {
		env.DedupeKey = dedupeKeyFor(kind, data)
		if b.isDuplicate(topic, env.DedupeKey, now) {
			b.stats.Deduped.Add(1)
			return Dropped, nil
		}
	}

	return b.publishEnvelope(env, opts)
}

// PublishEnvelope sends a pre-built envelope. The origin node and creation
// time are stamped here; dedupe uses the envelope's own key.
func (b *Bus) PublishEnvelope(env *Envelope, opts PublishOpts) (Result, error) {
	now := time.Now()
	env.OriginNodeID = b.nodeID
	if env.CreatedAt == 0 {
		env.CreatedAt = now.UnixMilli()
	}
	env.Priority = opts.Priority
	if opts.TTL > 0 && env.TTLSeconds == 0 {
		env.TTLSeconds = int(opts.TTL / time.Second)
	}
	if opts.Dedupe && opts.Priority != PriorityCritical && env.DedupeKey != "" {
		if b.isDuplicate(env.Topic, env.DedupeKey, now) {
			b.stats.Deduped.Add(1)
			return Dropped, nil
		}
	}
	return b.publishEnvelope(env, opts)
}

func (b *Bus) publishEnvelope(env *Envelope, opts PublishOpts) (Result, error) {
	if opts.Compress && opts.Priority != PriorityCritical {
		if compressed, ok := compressPayload(env.Payload); ok {
			env.Payload = compressed
			env.Compressed = true
		}
	}

	b.stats.Published.Add(1)
	b.deliverLocal(env)

	if b.State() == StateConnected {
		data, err := json.Marshal(env)
		if err != nil {
			return Dropped, err
		}
		ctx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
		err = b.transport.Publish(ctx, env.Topic, data)
		cancel()
		if err == nil {
			return Delivered, nil
		}
		log.Println("bus: publish failed, queueing:", err)
	}

	// Transport down: queue high/critical, drop the rest.
	switch env.Priority {
	case PriorityHigh, PriorityCritical:
		if dropped := b.queue.push(env); dropped > 0 {
			b.stats.MessagesDropped.Add(int64(dropped))
		}
		return Queued, nil
	default:
		b.stats.MessagesDropped.Add(1)
		return Dropped, nil
	}
}

// flushQueue replays queued envelopes after a reconnect, oldest first.
func (b *Bus) flushQueue() {
	envs, expired := b.queue.drain(time.Now())
	if expired > 0 {
		b.stats.MessagesDropped.Add(int64(expired))
	}
	if len(envs) == 0 {
		return
	}
	log.Println("bus: flushing", len(envs), "queued envelopes")
	for _, env := range envs {
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
		err = b.transport.Publish(ctx, env.Topic, data)
		cancel()
		if err != nil {
			// Connection broke mid-flush; requeue and let Run retry.
			b.queue.push(env)
		}
	}
}

// handleRemote processes an inbound transport message.
func (b *Bus) handleRemote(topic string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Println("bus: malformed remote envelope on", topic, err)
		return
	}

	if env.OriginNodeID == b.nodeID {
		// Own publish echoed back; local delivery already happened.
		return
	}

	if env.Expired(time.Now()) {
		b.stats.DroppedTTL.Add(1)
		return
	}

	if env.Compressed {
		payload, err := decompressPayload(env.Payload)
		if err != nil {
			log.Println("bus: failed to decompress envelope on", topic, err)
			return
		}
		env.Payload = payload
		env.Compressed = false
	}

	b.stats.RemoteReceived.Add(1)
	b.deliverLocal(&env)
}

// dedupeKeyFor derives a stable key from the kind and payload bytes.
func dedupeKeyFor(kind string, payload []byte) string {
	h := uint64(14695981039346656037)
	for _, c := range []byte(kind) {
		h = (h ^ uint64(c)) * 1099511628211
	}
	for _, c := range payload {
		h = (h ^ uint64(c)) * 1099511628211
	}
	var buf [16]byte
	const hexdigits = "0123456789abcdef"
	for i := 0; i < 16; i++ {
		buf[i] = hexdigits[(h>>(60-4*i))&0xf]
	}
	return string(buf[:])
}

// compressPayload gzips the payload and wraps it in a JSON string so the
// envelope stays valid JSON. Returns ok=false when compression won't help.
func compressPayload(payload []byte) (json.RawMessage, bool) {
	if len(payload) < 256 {
		return nil, false
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(payload) {
		return nil, false
	}
	wrapped, err := json.Marshal(buf.Bytes())
	if err != nil {
		return nil, false
	}
	return wrapped, true
}

func decompressPayload(payload json.RawMessage) (json.RawMessage, error) {
	var raw []byte
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
