/******************************************************************************
 *
 *  Description :
 *
 *    Cluster coordination: node registry in the shared store, heartbeats,
 *    health view, failover signalling and advisory sticky-session
 *    placement.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/hrw"
	"github.com/arfacturas/relay/server/store"
)

const (
	clusterHeartbeatInterval = 15 * time.Second
	clusterHealthInterval    = 30 * time.Second

	// Heartbeat age bounds on the cached view.
	clusterUnhealthyAfter = 2 * clusterHealthInterval
	clusterRemoveAfter    = 4 * clusterHealthInterval
)

// nodeRegistry is the slice of the shared store used by the coordinator.
type nodeRegistry interface {
	RegisterNode(ctx context.Context, info *store.NodeInfo) error
	DeregisterNode(ctx context.Context, nodeID string) error
	ListNodes(ctx context.Context) ([]*store.NodeInfo, error)
}

// failoverStore is the store slice used for failover cleanup.
type failoverStore interface {
	PresenceByNode(ctx context.Context, nodeID string) ([]string, error)
	ResetSessionCount(ctx context.Context, userID string) error
	SetPresence(ctx context.Context, userID string, entry *store.PresenceEntry) error
}

type viewEntry struct {
	info      *store.NodeInfo
	unhealthy bool
}

// Cluster maintains this node's registration and a live view of its peers.
type Cluster struct {
	nodeID    string
	host      string
	port      int
	startedAt time.Time
	version   string

	reg      nodeRegistry
	fo       failoverStore
	bus      *bus.Bus
	presence *PresenceTracker

	mu     sync.RWMutex
	view   map[string]*viewEntry
	picker *hrw.Picker

	sub *bus.Subscription
}

func newCluster(cfg *Config, reg nodeRegistry, fo failoverStore, b *bus.Bus, presence *PresenceTracker) *Cluster {
	c := &Cluster{
		nodeID:    cfg.NodeID,
		host:      cfg.Host,
		port:      cfg.Port,
		startedAt: time.Now(),
		version:   buildVersion,
		reg:       reg,
		fo:        fo,
		bus:       b,
		presence:  presence,
		view:      make(map[string]*viewEntry),
		picker:    hrw.New(cfg.NodeID),
	}
	if b != nil {
		c.sub = b.Subscribe("cluster", c.onClusterEvent)
	}
	return c
}

func (c *Cluster) nodeInfo() *store.NodeInfo {
	return &store.NodeInfo{
		NodeID:          c.nodeID,
		Host:            c.host,
		Port:            c.port,
		StartedAt:       c.startedAt,
		LastHeartbeatAt: time.Now(),
		SessionCount:    globals.sessionStore.Count(),
		LoadScore:       float64(globals.sessionStore.Count()),
		Version:         c.version,
	}
}

// Register writes this node's registry entry and primes the view. Returns
// the node's 1-based position among the sorted member names; used as the
// snowflake worker id.
func (c *Cluster) Register(ctx context.Context) (int, error) {
	if err := c.reg.RegisterNode(ctx, c.nodeInfo()); err != nil {
		return 0, err
	}
	c.healthScan()

	c.mu.RLock()
	names := make([]string, 0, len(c.view)+1)
	seen := false
	for id := range c.view {
		names = append(names, id)
		if id == c.nodeID {
			seen = true
		}
	}
	c.mu.RUnlock()
	if !seen {
		names = append(names, c.nodeID)
	}
	sort.Strings(names)
	return sort.SearchStrings(names, c.nodeID) + 1, nil
}

// Heartbeat refreshes the registry entry. Runs every 15 seconds.
func (c *Cluster) Heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
	defer cancel()
	err := globals.breakers.Do("store", func() error {
		return c.reg.RegisterNode(ctx, c.nodeInfo())
	})
	if err != nil {
		log.Println("cluster: heartbeat failed:", err)
	}
}

// Deregister removes this node from the registry.
func (c *Cluster) Deregister(ctx context.Context) {
	if err := c.reg.DeregisterNode(ctx, c.nodeID); err != nil {
		log.Println("cluster: deregister failed:", err)
	}
}

// AnnounceLeaving publishes the drain notice ahead of shutdown.
func (c *Cluster) AnnounceLeaving() {
	c.bus.Publish("cluster", "cluster.node.leaving", map[string]interface{}{
		"node_id": c.nodeID,
	}, bus.PublishOpts{Priority: bus.PriorityCritical, ToAll: true})
}

// healthScan refreshes the view from the registry. Runs every 30 seconds.
func (c *Cluster) healthScan() {
	ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
	defer cancel()

	var nodes []*store.NodeInfo
	err := globals.breakers.Do("store", func() error {
		var err error
		nodes, err = c.reg.ListNodes(ctx)
		return err
	})
	if err != nil {
		log.Println("cluster: registry scan failed:", err)
		return
	}

	now := time.Now()
	var left []string

	c.mu.Lock()
	for _, info := range nodes {
		c.view[info.NodeID] = &viewEntry{info: info}
	}
	for id, entry := range c.view {
		if id == c.nodeID {
			continue
		}
		age := now.Sub(entry.info.LastHeartbeatAt)
		switch {
		case age > clusterRemoveAfter:
			delete(c.view, id)
			left = append(left, id)
		case age > clusterUnhealthyAfter:
			if !entry.unhealthy {
				log.Println("cluster: node unhealthy:", id)
			}
			entry.unhealthy = true
		default:
			entry.unhealthy = false
		}
	}
	c.rebuildPickerLocked()
	healthy := len(c.healthyLocked())
	c.mu.Unlock()

	statsSet("LiveClusterNodes", int64(healthy))

	for _, id := range left {
		log.Println("cluster: node removed from view:", id)
		c.bus.Publish("cluster", "cluster.node.left", map[string]interface{}{
			"node_id": id,
		}, bus.PublishOpts{Priority: bus.PriorityCritical, ToAll: true})
		c.failover(id)
	}
}

func (c *Cluster) healthyLocked() []string {
	names := make([]string, 0, len(c.view)+1)
	hasSelf := false
	for id, entry := range c.view {
		if entry.unhealthy {
			continue
		}
		names = append(names, id)
		if id == c.nodeID {
			hasSelf = true
		}
	}
	if !hasSelf {
		names = append(names, c.nodeID)
	}
	return names
}

func (c *Cluster) rebuildPickerLocked() {
	names := c.healthyLocked()
	picker := hrw.New(names...)
	if picker.Signature() != c.picker.Signature() {
		log.Println("cluster: membership changed, now", picker.Len(), "healthy nodes")
		c.picker = picker
	}
}

// Nodes snapshots the current view.
func (c *Cluster) Nodes() []*store.NodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*store.NodeInfo, 0, len(c.view))
	for _, entry := range c.view {
		out = append(out, entry.info)
	}
	return out
}

// StickyNode returns the advisory responsible node for a client key. Used
// only for the X-Preferred-Node header; routing belongs to the balancer.
func (c *Cluster) StickyNode(clientKey string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.picker.Get(clientKey)
}

// isLeader reports whether this node has the lexicographically smallest id
// among healthy members; the leader performs cluster-wide cleanup.
func (c *Cluster) isLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := c.healthyLocked()
	sort.Strings(names)
	return len(names) > 0 && names[0] == c.nodeID
}

// failover handles a departed node: local cache flips plus, on the leader,
// shared-store cleanup of the node's presence contributions.
func (c *Cluster) failover(nodeID string) {
	lost := c.presence.markNodeLost(nodeID)
	for _, uid := range lost {
		c.bus.Publish("presence", "presence.offline", map[string]interface{}{
			"user_id":      uid,
			"status":       "offline",
			"last_seen_at": time.Now().UnixMilli(),
			"node_id":      c.nodeID,
		}, bus.PublishOpts{Priority: bus.PriorityNormal})
	}

	if c.fo == nil || !c.isLeader() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*storeDeadline)
	defer cancel()

	var users []string
	err := globals.breakers.Do("store", func() error {
		var err error
		users, err = c.fo.PresenceByNode(ctx, nodeID)
		return err
	})
	if err != nil {
		log.Println("cluster: failover scan failed:", err)
		return
	}
	for _, uid := range users {
		now := time.Now()
		globals.breakers.Do("store", func() error {
			if err := c.fo.ResetSessionCount(ctx, uid); err != nil {
				return err
			}
			return c.fo.SetPresence(ctx, uid, &store.PresenceEntry{
				Status:     "offline",
				LastSeenAt: now,
			})
		})
	}
	if len(users) > 0 {
		log.Println("cluster: failover flipped", len(users), "users offline for node", nodeID)
	}
}

// onClusterEvent applies peer-announced membership changes. Self-origin
// envelopes are skipped unless marked broadcast-to-all; either way an
// event about this node itself carries no new information.
func (c *Cluster) onClusterEvent(env *bus.Envelope) {
	if env.OriginNodeID == c.nodeID && !env.ToAll {
		return
	}
	var payload struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.NodeID == "" {
		return
	}
	if payload.NodeID == c.nodeID {
		return
	}

	switch env.Kind {
	case "cluster.node.left", "cluster.node.leaving":
		c.mu.Lock()
		_, known := c.view[payload.NodeID]
		delete(c.view, payload.NodeID)
		c.rebuildPickerLocked()
		c.mu.Unlock()

		if known && env.Kind == "cluster.node.left" {
			// Peer detected the loss first; mirror its failover locally.
			c.presence.markNodeLost(payload.NodeID)
		}
	}
}

// shutdown cancels the cluster subscription.
func (c *Cluster) shutdown() {
	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
	}
}
