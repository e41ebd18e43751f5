package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inboundMsg struct {
	topic string
	data  []byte
}

// fakeTransport is an in-memory Transport with a switchable failure mode.
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	published  []inboundMsg
	inbound    chan inboundMsg
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan inboundMsg, 64)}
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectErr
}

func (t *fakeTransport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, inboundMsg{topic: topic, data: data})
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case m := <-t.inbound:
		if m.topic == "" && m.data == nil {
			return "", nil, errors.New("connection reset")
		}
		return m.topic, m.data, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) publishedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func collect(t *testing.T) (Handler, func() []*Envelope) {
	var mu sync.Mutex
	var got []*Envelope
	h := func(env *Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	}
	return h, func() []*Envelope {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Envelope(nil), got...)
	}
}

func TestLocalDelivery(t *testing.T) {
	b := New("n1", newFakeTransport())
	defer b.Close()

	h, got := collect(t)
	b.Subscribe("room.r1", h)

	res, err := b.Publish("room.r1", "message.new", map[string]string{"text": "hi"}, PublishOpts{Priority: PriorityNormal})
	require.NoError(t, err)
	// Transport is disconnected, so the envelope is dropped remotely but
	// still delivered locally.
	assert.Equal(t, Dropped, res)

	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
	env := got()[0]
	assert.Equal(t, "message.new", env.Kind)
	assert.Equal(t, "n1", env.OriginNodeID)
}

func TestWildcardMatching(t *testing.T) {
	b := New("n1", newFakeTransport())
	defer b.Close()

	wild, gotWild := collect(t)
	exact, gotExact := collect(t)
	b.Subscribe("typing.*", wild)
	b.Subscribe("typing", exact)

	b.Publish("typing.r1.update", "typing.update", nil, PublishOpts{})

	require.Eventually(t, func() bool { return len(gotWild()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, gotExact(), "non-wildcard subscriber must not receive deeper topics")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New("n1", newFakeTransport())
	defer b.Close()

	h, got := collect(t)
	sub := b.Subscribe("room.r1", h)
	b.Publish("room.r1", "a", nil, PublishOpts{})
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)

	b.Unsubscribe(sub)
	b.Publish("room.r1", "b", nil, PublishOpts{})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got(), 1)
}

func TestOutageQueueCapAndFlushOrder(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnectErr(errors.New("refused"))
	b := New("n1", tr)
	defer b.Close()

	for i := 0; i < 1100; i++ {
		res, err := b.Publish("x", "evt", map[string]int{"seq": i}, PublishOpts{Priority: PriorityHigh})
		require.NoError(t, err)
		assert.Equal(t, Queued, res)
	}
	assert.Equal(t, 1000, b.QueueLen())
	assert.Equal(t, int64(100), b.Stats().MessagesDropped.Load())

	// Transport recovers; Run flushes the queue oldest-first.
	tr.setConnectErr(nil)
	go b.Run()

	require.Eventually(t, func() bool { return tr.publishedCount() == 1000 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	published := append([]inboundMsg(nil), tr.published...)
	tr.mu.Unlock()

	var first, last Envelope
	require.NoError(t, json.Unmarshal(published[0].data, &first))
	require.NoError(t, json.Unmarshal(published[999].data, &last))

	var firstPayload, lastPayload map[string]int
	json.Unmarshal(first.Payload, &firstPayload)
	json.Unmarshal(last.Payload, &lastPayload)
	assert.Equal(t, 100, firstPayload["seq"], "oldest surviving entry flushes first")
	assert.Equal(t, 1099, lastPayload["seq"])
}

func TestLowPriorityDroppedDuringOutage(t *testing.T) {
	b := New("n1", newFakeTransport())
	defer b.Close()

	res, err := b.Publish("x", "evt", nil, PublishOpts{Priority: PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, Dropped, res)
	assert.Equal(t, 0, b.QueueLen())
}

func TestRemoteSelfOriginSkipped(t *testing.T) {
	tr := newFakeTransport()
	b := New("n1", tr)
	defer b.Close()
	go b.Run()

	h, got := collect(t)
	b.Subscribe("room.r1", h)

	env := &Envelope{Topic: "room.r1", Kind: "echo", OriginNodeID: "n1", CreatedAt: time.Now().UnixMilli()}
	data, _ := json.Marshal(env)
	tr.inbound <- inboundMsg{topic: "room.r1", data: data}

	env2 := &Envelope{Topic: "room.r1", Kind: "remote", OriginNodeID: "n2", CreatedAt: time.Now().UnixMilli()}
	data2, _ := json.Marshal(env2)
	tr.inbound <- inboundMsg{topic: "room.r1", data: data2}

	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "remote", got()[0].Kind)
}

func TestRemoteTTLExpiry(t *testing.T) {
	tr := newFakeTransport()
	b := New("n1", tr)
	defer b.Close()
	go b.Run()

	h, got := collect(t)
	b.Subscribe("room.r1", h)

	stale := &Envelope{
		Topic: "room.r1", Kind: "old", OriginNodeID: "n2",
		TTLSeconds: 5, CreatedAt: time.Now().Add(-10 * time.Second).UnixMilli(),
	}
	data, _ := json.Marshal(stale)
	tr.inbound <- inboundMsg{topic: "room.r1", data: data}

	require.Eventually(t, func() bool { return b.Stats().DroppedTTL.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, got())
}

func TestDedupeWindow(t *testing.T) {
	b := New("n1", newFakeTransport())
	defer b.Close()

	h, got := collect(t)
	b.Subscribe("room.r1", h)

	payload := map[string]string{"id": "m1"}
	b.Publish("room.r1", "reaction.added", payload, PublishOpts{Dedupe: true})
	res, _ := b.Publish("room.r1", "reaction.added", payload, PublishOpts{Dedupe: true})
	assert.Equal(t, Dropped, res)
	assert.Equal(t, int64(1), b.Stats().Deduped.Load())

	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCriticalBypassesDedupe(t *testing.T) {
	b := New("n1", newFakeTransport())
	defer b.Close()

	h, got := collect(t)
	b.Subscribe("sys", h)

	payload := map[string]string{"id": "m1"}
	b.Publish("sys", "alert", payload, PublishOpts{Dedupe: true, Priority: PriorityCritical})
	b.Publish("sys", "alert", payload, PublishOpts{Dedupe: true, Priority: PriorityCritical})

	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), b.Stats().Deduped.Load())
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New("n1", newFakeTransport())
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	b.Subscribe("firehose", func(env *Envelope) {
		<-release
		mu.Lock()
		seen = append(seen, env.Kind)
		mu.Unlock()
	})

	// One message is in the handler, subscriberMailbox fill the queue, the
	// rest overflow.
	total := subscriberMailbox + 50
	for i := 0; i < total; i++ {
		b.Publish("firehose", fmt.Sprintf("m%d", i), nil, PublishOpts{})
	}

	require.Eventually(t, func() bool {
		return b.Stats().SubscriberOverflow.Load() > 0
	}, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == fmt.Sprintf("m%d", total-1)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, len(seen), total)
}

func TestCompressionRoundTrip(t *testing.T) {
	big := make(map[string]string)
	for i := 0; i < 64; i++ {
		big[fmt.Sprintf("key-%d", i)] = "the same repetitive value over and over"
	}
	data, err := json.Marshal(big)
	require.NoError(t, err)

	compressed, ok := compressPayload(data)
	require.True(t, ok)
	assert.Less(t, len(compressed), len(data))

	back, err := decompressPayload(compressed)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(back))
}

func TestQueueAgeDiscard(t *testing.T) {
	q := newOfflineQueue()
	old := &Envelope{Topic: "x", CreatedAt: time.Now().Add(-6 * time.Minute).UnixMilli()}
	fresh := &Envelope{Topic: "x", CreatedAt: time.Now().UnixMilli()}
	q.push(old)
	q.push(fresh)

	envs, expired := q.drain(time.Now())
	assert.Equal(t, 1, expired)
	require.Len(t, envs, 1)
	assert.Equal(t, fresh.CreatedAt, envs[0].CreatedAt)
}
