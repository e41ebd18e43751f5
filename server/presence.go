/******************************************************************************
 *
 *  Description :
 *
 *    Presence tracking: per-user status with last-seen, write-through to
 *    the shared store, cluster-wide via the bus, targeted delivery to
 *    friends.
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

// presenceStore is the slice of the shared store used by the tracker.
type presenceStore interface {
	SetPresence(ctx context.Context, userID string, entry *store.PresenceEntry) error
	IncrSessionCount(ctx context.Context, userID string) (int64, error)
	DecrSessionCount(ctx context.Context, userID string) (int64, error)
}

// PresenceTracker owns the local presence cache and the cluster-visible
// state behind it.
type PresenceTracker struct {
	nodeID string
	bus    *bus.Bus
	shared presenceStore
	dir    store.UserDirectory

	mu    sync.Mutex
	local map[string]*store.PresenceEntry

	sub *bus.Subscription
}

func newPresenceTracker(nodeID string, b *bus.Bus, shared presenceStore, dir store.UserDirectory) *PresenceTracker {
	p := &PresenceTracker{
		nodeID: nodeID,
		bus:    b,
		shared: shared,
		dir:    dir,
		local:  make(map[string]*store.PresenceEntry),
	}
	if b != nil {
		p.sub = b.Subscribe("presence", p.onRemote)
	}
	return p
}

// Status returns the cached status for a user; "offline" when unknown.
func (p *PresenceTracker) Status(uid string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.local[uid]; ok {
		return e.Status
	}
	return "offline"
}

// OnSessionOpened counts the new session and flips the user online if this
// is their first one.
func (p *PresenceTracker) OnSessionOpened(uid, displayName string) {
	count := p.bumpCount(uid, +1)
	if count == 1 || p.Status(uid) == "offline" {
		p.set(uid, "online", "", "presence.online")
	}
}

// OnSessionClosed decrements the cluster session count; the user goes
// offline only when no sessions remain anywhere.
func (p *PresenceTracker) OnSessionClosed(uid string) {
	remaining := p.bumpCount(uid, -1)
	if remaining == 0 {
		p.set(uid, "offline", "", "presence.offline")
	}
}

// Update applies a client-requested status change. Identical repeats are
// no-ops: no second store write, no second broadcast.
func (p *PresenceTracker) Update(uid, status, activity string) {
	p.mu.Lock()
	if cur, ok := p.local[uid]; ok && cur.Status == status && cur.Activity == activity {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.set(uid, status, activity, "presence.changed")
}

// set stores locally, writes through to the shared store and broadcasts.
func (p *PresenceTracker) set(uid, status, activity, kind string) {
	now := time.Now()
	entry := &store.PresenceEntry{
		Status:        status,
		Activity:      activity,
		LastSeenAt:    now,
		PrimaryNodeID: p.nodeID,
	}

	p.mu.Lock()
	p.local[uid] = entry
	p.mu.Unlock()

	if p.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
		err := globals.breakers.Do("store", func() error {
			return p.shared.SetPresence(ctx, uid, entry)
		})
		cancel()
		if err != nil {
			log.Println("presence: shared write failed:", err)
		}
	}

	payload := map[string]interface{}{
		"user_id":      uid,
		"status":       status,
		"activity":     activity,
		"last_seen_at": now.UnixMilli(),
		"node_id":      p.nodeID,
	}
	p.bus.Publish("presence", kind, payload, bus.PublishOpts{Priority: bus.PriorityLow})

	p.notifyFriends(uid, kind, payload)
}

// notifyFriends delivers the change on each friend's personal topic.
func (p *PresenceTracker) notifyFriends(uid, kind string, payload map[string]interface{}) {
	if p.dir == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), authDeadline)
	defer cancel()

	var friends []string
	err := globals.breakers.Do("auth", func() error {
		var err error
		friends, err = p.dir.Friends(ctx, uid)
		return err
	})
	if err != nil {
		// Presence stays correct cluster-wide; only the targeted pushes
		// degrade.
		return
	}
	for _, friend := range friends {
		p.bus.Publish(roomTopic(roomUser, friend), kind, payload,
			bus.PublishOpts{Priority: bus.PriorityLow})
	}
}

// bumpCount adjusts the cluster-wide session counter, falling back to the
// local registry when the store is unreachable.
func (p *PresenceTracker) bumpCount(uid string, delta int) int64 {
	if p.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
		defer cancel()
		var count int64
		err := globals.breakers.Do("store", func() error {
			var err error
			if delta > 0 {
				count, err = p.shared.IncrSessionCount(ctx, uid)
			} else {
				count, err = p.shared.DecrSessionCount(ctx, uid)
			}
			return err
		})
		if err == nil {
			return count
		}
	}
	return int64(globals.sessionStore.CountUser(uid))
}

// onRemote mirrors presence changes from other nodes into the local cache.
func (p *PresenceTracker) onRemote(env *bus.Envelope) {
	if env.OriginNodeID == p.nodeID {
		return
	}
	var payload struct {
		UserID     string `json:"user_id"`
		Status     string `json:"status"`
		Activity   string `json:"activity"`
		LastSeenAt int64  `json:"last_seen_at"`
		NodeID     string `json:"node_id"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.UserID == "" {
		return
	}

	seen := time.UnixMilli(payload.LastSeenAt)

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.local[payload.UserID]; ok {
		// Last-writer-wins; node id breaks the tie.
		if cur.LastSeenAt.After(seen) {
			return
		}
		if cur.LastSeenAt.Equal(seen) && cur.PrimaryNodeID > payload.NodeID {
			return
		}
	}
	p.local[payload.UserID] = &store.PresenceEntry{
		Status:        payload.Status,
		Activity:      payload.Activity,
		LastSeenAt:    seen,
		PrimaryNodeID: payload.NodeID,
	}
}

// markNodeLost flips cached entries owned by a departed node to offline.
// Called by the cluster coordinator on failover.
func (p *PresenceTracker) markNodeLost(nodeID string) []string {
	var lost []string
	p.mu.Lock()
	for uid, e := range p.local {
		if e.PrimaryNodeID == nodeID && e.Status != "offline" {
			e.Status = "offline"
			e.LastSeenAt = time.Now()
			lost = append(lost, uid)
		}
	}
	p.mu.Unlock()
	return lost
}

// gc evicts stale cache entries. Runs every 5 minutes.
func (p *PresenceTracker) gc() {
	cutoff := time.Now().Add(-store.PresenceTTL)
	p.mu.Lock()
	defer p.mu.Unlock()
	for uid, e := range p.local {
		if e.LastSeenAt.Before(cutoff) {
			delete(p.local, uid)
		}
	}
}

// shutdown cancels the remote subscription.
func (p *PresenceTracker) shutdown() {
	if p.sub != nil {
		p.bus.Unsubscribe(p.sub)
	}
}
