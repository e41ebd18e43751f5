package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/store"
)

const typingRoom = "channel:c1"

func typingUpdates(c *busCollector) []*bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bus.Envelope
	for _, e := range c.envs {
		if e.Kind == "typing.update" {
			out = append(out, e)
		}
	}
	return out
}

func waitUpdates(t *testing.T, c *busCollector, n int) []*bus.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(typingUpdates(c)) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return typingUpdates(c)
}

func TestTypingDebounceCoalesces(t *testing.T) {
	setupGlobals(nil)
	c := collectTopic(typingRoom)
	defer c.stop()

	tr := globals.typing
	// Three rapid starts inside the debounce window.
	tr.Start("u1", "Alice", typingRoom, "web", "s1")
	time.Sleep(25 * time.Millisecond)
	tr.Start("u1", "Alice", typingRoom, "web", "s1")
	time.Sleep(25 * time.Millisecond)
	tr.Start("u1", "Alice", typingRoom, "web", "s1")

	// Exactly one broadcast leaves the node.
	time.Sleep(200 * time.Millisecond)
	ups := typingUpdates(c)
	require.Len(t, ups, 1)

	var payload struct {
		Users []store.TypingEntry `json:"users"`
	}
	require.NoError(t, jsonUnmarshalEnv(ups[0], &payload))
	require.Len(t, payload.Users, 1)
	assert.Equal(t, "u1", payload.Users[0].UserID)

	// TTL auto-stop follows with an empty list.
	ups = waitUpdates(t, c, 2)
	require.NoError(t, jsonUnmarshalEnv(ups[1], &payload))
	assert.Empty(t, payload.Users)
}

func TestTypingStartStopStart(t *testing.T) {
	setupGlobals(nil)
	c := collectTopic(typingRoom)
	defer c.stop()

	tr := globals.typing
	tr.Start("u1", "Alice", typingRoom, "web", "s1")
	time.Sleep(100 * time.Millisecond)
	tr.Stop("u1", typingRoom)
	time.Sleep(100 * time.Millisecond)
	tr.Start("u1", "Alice", typingRoom, "web", "s1")
	time.Sleep(100 * time.Millisecond)

	// Start, stop, start: three flushes, but the middle one shows empty.
	ups := typingUpdates(c)
	require.GreaterOrEqual(t, len(ups), 3)
}

func TestTypingMaxUsersPerRoom(t *testing.T) {
	setupGlobals(nil)

	tr := globals.typing
	tr.Start("u1", "A", typingRoom, "", "s1")
	tr.Start("u2", "B", typingRoom, "", "s2")
	tr.Start("u3", "C", typingRoom, "", "s3")
	tr.Start("u4", "D", typingRoom, "", "s4")

	users := tr.TypingUsers(typingRoom)
	assert.Len(t, users, 3)
	assert.NotContains(t, users, "u4")
}

func TestTypingOnMessageSentStopsImmediately(t *testing.T) {
	setupGlobals(nil)
	c := collectTopic(typingRoom)
	defer c.stop()

	tr := globals.typing
	tr.Start("u1", "Alice", typingRoom, "web", "s1")
	time.Sleep(100 * time.Millisecond) // let the start flush

	tr.OnMessageSent("u1", typingRoom)

	// The stop is visible immediately, not after the debounce window.
	require.Eventually(t, func() bool {
		return len(typingUpdates(c)) >= 2
	}, 50*time.Millisecond, 2*time.Millisecond)
	assert.Empty(t, tr.TypingUsers(typingRoom))
}

func TestTypingOnSessionClose(t *testing.T) {
	setupGlobals(nil)

	tr := globals.typing
	tr.Start("u1", "Alice", typingRoom, "web", "s1")
	tr.Start("u1", "Alice", "channel:c2", "web", "s1")
	tr.Start("u2", "Bob", typingRoom, "web", "s2")

	tr.OnSessionClose("u1", "s1")

	assert.Equal(t, []string{"u2"}, tr.TypingUsers(typingRoom))
	assert.Empty(t, tr.TypingUsers("channel:c2"))
}

func TestTypingRefreshWithinMinInterval(t *testing.T) {
	setupGlobals(nil)
	c := collectTopic(typingRoom)
	defer c.stop()

	tr := globals.typing
	tr.Start("u1", "Alice", typingRoom, "web", "s1")
	// Immediate re-start: refresh only, no second debounce reset.
	tr.Start("u1", "Alice", typingRoom, "web", "s1")

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, typingUpdates(c), 1)
}

func TestTypingRemoteMirrorDoesNotRebroadcast(t *testing.T) {
	setupGlobals(nil)
	c := collectTopic(typingRoom)
	defer c.stop()

	now := time.Now()
	entry := store.TypingEntry{
		UserID: "u9", DisplayName: "Remote", SessionID: "rs1",
		StartedAt: now, LastUpdateAt: now,
	}
	payload, _ := jsonMarshal(map[string]interface{}{
		"room_id": typingRoom,
		"users":   []store.TypingEntry{entry},
	})
	globals.typing.onMirror(&bus.Envelope{
		Topic:        "typing." + typingRoom + ".update",
		Kind:         "typing.mirror",
		OriginNodeID: "n2",
		Payload:      payload,
	})

	assert.Equal(t, []string{"u9"}, globals.typing.TypingUsers(typingRoom))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, typingUpdates(c), "mirroring must not broadcast")
}
