/******************************************************************************
 *
 *  Description :
 *
 *    Typing indicators: debounced, TTL-bounded, mirrored across nodes
 *    through the bus and repaired against the shared store.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/store"
)

// TypingConfig carries the tracker's timing tunables; tests shrink them.
type TypingConfig struct {
	TTL              time.Duration
	Debounce         time.Duration
	MinStartInterval time.Duration
	MaxTypingUsers   int
}

func defaultTypingConfig() TypingConfig {
	return TypingConfig{
		TTL:              8 * time.Second,
		Debounce:         2 * time.Second,
		MinStartInterval: 3 * time.Second,
		MaxTypingUsers:   10,
	}
}

const typingShardCount = 16

// typingStore is the slice of the shared store used by the tracker.
type typingStore interface {
	SetTyping(ctx context.Context, roomID string, entry *store.TypingEntry) error
	ClearTyping(ctx context.Context, roomID, userID string) error
	TypingUsers(ctx context.Context, roomID string) ([]string, error)
}

type typingEntry struct {
	entry     store.TypingEntry
	lastStart time.Time
	remote    bool
	// Auto-stop timer; reset on refresh.
	expire *time.Timer
}

type typingRoomState struct {
	entries map[string]*typingEntry
	// Pending coalesced broadcast, nil when none is scheduled.
	debounce *time.Timer
}

type typingShard struct {
	mu    sync.Mutex
	rooms map[string]*typingRoomState
}

// TypingTracker owns per-room typing state.
type TypingTracker struct {
	cfg    TypingConfig
	nodeID string
	bus    *bus.Bus
	shared typingStore

	shards [typingShardCount]*typingShard

	mirrorSub *bus.Subscription
}

func newTypingTracker(cfg TypingConfig, nodeID string, b *bus.Bus, shared typingStore) *TypingTracker {
	t := &TypingTracker{cfg: cfg, nodeID: nodeID, bus: b, shared: shared}
	for i := range t.shards {
		t.shards[i] = &typingShard{rooms: make(map[string]*typingRoomState)}
	}
	if b != nil {
		t.mirrorSub = b.Subscribe("typing.*", t.onMirror)
	}
	return t
}

func (t *TypingTracker) shardFor(room string) *typingShard {
	var h uint32 = 2166136261
	for i := 0; i < len(room); i++ {
		h = (h ^ uint32(room[i])) * 16777619
	}
	return t.shards[h%typingShardCount]
}

func (t *TypingTracker) roomState(sh *typingShard, room string) *typingRoomState {
	r := sh.rooms[room]
	if r == nil {
		r = &typingRoomState{entries: make(map[string]*typingEntry)}
		sh.rooms[room] = r
	}
	return r
}

// Start records that a user began typing. Rate limiting happened at the
// router; here only the per-user self-limit applies.
func (t *TypingTracker) Start(uid, displayName, room, device, sid string) {
	now := time.Now()
	sh := t.shardFor(room)

	sh.mu.Lock()
	r := t.roomState(sh, room)

	if e, ok := r.entries[uid]; ok {
		if e.expire == nil {
			// A mirrored entry became local: the user is typing here now.
			e.remote = false
			e.expire = time.AfterFunc(t.cfg.TTL, func() { t.expire(room, uid) })
		}
		if now.Sub(e.lastStart) < t.cfg.MinStartInterval {
			// Too soon after the previous start: refresh only.
			e.entry.LastUpdateAt = now
			e.expire.Reset(t.cfg.TTL)
			sh.mu.Unlock()
			return
		}
		e.lastStart = now
		e.entry.LastUpdateAt = now
		e.expire.Reset(t.cfg.TTL)
	} else {
		if len(r.entries) >= t.cfg.MaxTypingUsers {
			sh.mu.Unlock()
			return
		}
		r.entries[uid] = &typingEntry{
			entry: store.TypingEntry{
				UserID:       uid,
				DisplayName:  displayName,
				Device:       device,
				SessionID:    sid,
				StartedAt:    now,
				LastUpdateAt: now,
			},
			lastStart: now,
			expire:    time.AfterFunc(t.cfg.TTL, func() { t.expire(room, uid) }),
		}
	}
	t.scheduleFlushLocked(sh, r, room)
	sh.mu.Unlock()

	t.writeShared(room, uid, displayName, device, sid, now)
}

// Stop removes a user's typing entry and schedules a coalesced broadcast.
func (t *TypingTracker) Stop(uid, room string) {
	t.stop(uid, room, false)
}

// OnMessageSent stops typing immediately: the message itself supersedes
// the indicator, no debounce.
func (t *TypingTracker) OnMessageSent(uid, room string) {
	t.stop(uid, room, true)
}

// expire fires when an entry's TTL lapses with no refresh. The emptied
// list is user-visible right away, without the debounce delay.
func (t *TypingTracker) expire(room, uid string) {
	sh := t.shardFor(room)
	sh.mu.Lock()
	r := sh.rooms[room]
	e := (*typingEntry)(nil)
	if r != nil {
		e = r.entries[uid]
	}
	if e == nil || time.Since(e.entry.LastUpdateAt) < t.cfg.TTL {
		// Refreshed after the timer was queued.
		sh.mu.Unlock()
		return
	}
	delete(r.entries, uid)
	t.cancelPendingLocked(r)
	sh.mu.Unlock()

	t.clearShared(room, uid)
	t.flushNow(room)
}

func (t *TypingTracker) stop(uid, room string, immediate bool) {
	sh := t.shardFor(room)

	sh.mu.Lock()
	r := sh.rooms[room]
	if r == nil || r.entries[uid] == nil {
		sh.mu.Unlock()
		return
	}
	stopTimer(r.entries[uid].expire)
	delete(r.entries, uid)
	if immediate {
		t.cancelPendingLocked(r)
		users := snapshotTyping(r)
		sh.mu.Unlock()
		t.broadcast(room, users)
	} else {
		t.scheduleFlushLocked(sh, r, room)
		sh.mu.Unlock()
	}

	t.clearShared(room, uid)
}

// OnSessionClose stops typing in every room where the entry belongs to the
// session.
func (t *TypingTracker) OnSessionClose(uid, sid string) {
	if uid == "" {
		return
	}
	for _, sh := range t.shards {
		sh.mu.Lock()
		var flush []string
		for room, r := range sh.rooms {
			if e, ok := r.entries[uid]; ok && e.entry.SessionID == sid {
				stopTimer(e.expire)
				delete(r.entries, uid)
				flush = append(flush, room)
				t.scheduleFlushLocked(sh, r, room)
			}
		}
		sh.mu.Unlock()
		for _, room := range flush {
			t.clearShared(room, uid)
		}
	}
}

// TypingUsers snapshots the current typing user ids in a room.
func (t *TypingTracker) TypingUsers(room string) []string {
	sh := t.shardFor(room)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r := sh.rooms[room]
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.entries))
	for uid := range r.entries {
		out = append(out, uid)
	}
	return out
}

// scheduleFlushLocked coalesces broadcasts: an existing pending broadcast
// is dropped and the debounce window restarts.
func (t *TypingTracker) scheduleFlushLocked(sh *typingShard, r *typingRoomState, room string) {
	if r.debounce != nil {
		if r.debounce.Stop() {
			statsInc("DebouncedEvents", 1)
		}
	}
	r.debounce = time.AfterFunc(t.cfg.Debounce, func() { t.flush(room) })
}

func (t *TypingTracker) cancelPendingLocked(r *typingRoomState) {
	if r.debounce != nil {
		if r.debounce.Stop() {
			statsInc("DebouncedEvents", 1)
		}
		r.debounce = nil
	}
}

// flush broadcasts the room's current typing set.
func (t *TypingTracker) flush(room string) {
	sh := t.shardFor(room)
	sh.mu.Lock()
	r := sh.rooms[room]
	if r == nil {
		sh.mu.Unlock()
		return
	}
	r.debounce = nil
	users := snapshotTyping(r)
	if len(r.entries) == 0 {
		delete(sh.rooms, room)
	}
	sh.mu.Unlock()

	t.broadcast(room, users)
}

func stopTimer(tm *time.Timer) {
	if tm != nil {
		tm.Stop()
	}
}

func snapshotTyping(r *typingRoomState) []store.TypingEntry {
	out := make([]store.TypingEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.entry)
	}
	return out
}

// broadcast publishes the client-facing update on the room topic and the
// tracker mirror on typing.<room>.update. Exactly one client broadcast
// leaves the node per flush.
func (t *TypingTracker) broadcast(room string, users []store.TypingEntry) {
	if t.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"room_id": room,
		"users":   users,
	}
	t.bus.Publish(room, "typing.update", payload, bus.PublishOpts{
		Priority: bus.PriorityLow,
		TTL:      t.cfg.TTL,
	})
	t.bus.Publish("typing."+room+".update", "typing.mirror", payload, bus.PublishOpts{
		Priority: bus.PriorityLow,
		TTL:      t.cfg.TTL,
	})
}

// onMirror applies a remote tracker's state for a room. Mirrors never
// re-broadcast; the originating node already addressed the clients.
func (t *TypingTracker) onMirror(env *bus.Envelope) {
	if env.Kind != "typing.mirror" || env.OriginNodeID == t.nodeID {
		return
	}
	var payload struct {
		RoomID string             `json:"room_id"`
		Users  []store.TypingEntry `json:"users"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Println("typing: malformed mirror:", err)
		return
	}

	sh := t.shardFor(payload.RoomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := t.roomState(sh, payload.RoomID)
	// Replace remote-owned entries with the mirror; local entries win by
	// last_update_at with (node, session) as the tiebreak.
	for uid, e := range r.entries {
		if e.remote {
			delete(r.entries, uid)
		}
	}
	for _, entry := range payload.Users {
		if cur, ok := r.entries[entry.UserID]; ok {
			if cur.entry.LastUpdateAt.After(entry.LastUpdateAt) {
				continue
			}
			if cur.entry.LastUpdateAt.Equal(entry.LastUpdateAt) &&
				t.nodeID+cur.entry.SessionID > env.OriginNodeID+entry.SessionID {
				continue
			}
		}
		r.entries[entry.UserID] = &typingEntry{entry: entry, lastStart: entry.LastUpdateAt, remote: true}
	}
	if len(r.entries) == 0 && r.debounce == nil {
		delete(sh.rooms, payload.RoomID)
	}
}

// gc drops entries past TTL (with slack) and broadcasts rooms that changed.
// Runs every 30 seconds.
func (t *TypingTracker) gc() {
	cutoff := time.Now().Add(-(t.cfg.TTL + 5*time.Second))
	expireAt := time.Now().Add(-t.cfg.TTL)

	for _, sh := range t.shards {
		sh.mu.Lock()
		var changed []string
		for room, r := range sh.rooms {
			dirty := false
			for uid, e := range r.entries {
				// Local entries expire at TTL; anything older than
				// TTL+slack goes regardless of origin.
				if e.entry.LastUpdateAt.Before(cutoff) ||
					(!e.remote && e.entry.LastUpdateAt.Before(expireAt)) {
					delete(r.entries, uid)
					if !e.remote {
						t.clearShared(room, uid)
					}
					dirty = true
				}
			}
			if dirty {
				changed = append(changed, room)
				t.cancelPendingLocked(r)
			}
		}
		sh.mu.Unlock()

		// Expiry is user-visible immediately; no debounce.
		for _, room := range changed {
			t.flushNow(room)
		}
	}
}

func (t *TypingTracker) flushNow(room string) {
	sh := t.shardFor(room)
	sh.mu.Lock()
	r := sh.rooms[room]
	var users []store.TypingEntry
	if r != nil {
		users = snapshotTyping(r)
		if len(r.entries) == 0 {
			delete(sh.rooms, room)
		}
	}
	sh.mu.Unlock()
	t.broadcast(room, users)
}

// reconcile compares local rooms against the shared store and drops local
// entries the store no longer vouches for. Runs every 2 minutes.
func (t *TypingTracker) reconcile() {
	if t.shared == nil {
		return
	}
	for _, sh := range t.shards {
		sh.mu.Lock()
		rooms := make([]string, 0, len(sh.rooms))
		for room := range sh.rooms {
			rooms = append(rooms, room)
		}
		sh.mu.Unlock()

		for _, room := range rooms {
			ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
			var live []string
			err := globals.breakers.Do("store", func() error {
				var err error
				live, err = t.shared.TypingUsers(ctx, room)
				return err
			})
			cancel()
			if err != nil {
				return
			}
			alive := make(map[string]bool, len(live))
			for _, uid := range live {
				alive[uid] = true
			}

			sh.mu.Lock()
			r := sh.rooms[room]
			dirty := false
			if r != nil {
				for uid := range r.entries {
					if !alive[uid] {
						delete(r.entries, uid)
						dirty = true
					}
				}
			}
			sh.mu.Unlock()
			if dirty {
				t.flushNow(room)
			}
		}
	}
}

// shutdown cancels the mirror subscription.
func (t *TypingTracker) shutdown() {
	if t.mirrorSub != nil {
		t.bus.Unsubscribe(t.mirrorSub)
	}
}

func (t *TypingTracker) writeShared(room, uid, displayName, device, sid string, now time.Time) {
	if t.shared == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
	defer cancel()
	err := globals.breakers.Do("store", func() error {
		return t.shared.SetTyping(ctx, room, &store.TypingEntry{
			UserID:       uid,
			DisplayName:  displayName,
			Device:       device,
			SessionID:    sid,
			StartedAt:    now,
			LastUpdateAt: now,
		})
	})
	if err != nil {
		log.Println("typing: shared write failed:", err)
	}
}

func (t *TypingTracker) clearShared(room, uid string) {
	if t.shared == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
	defer cancel()
	err := globals.breakers.Do("store", func() error {
		return t.shared.ClearTyping(ctx, room, uid)
	})
	if err != nil {
		log.Println("typing: shared clear failed:", err)
	}
}
