package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared-store keyspace. All cross-node state lives under these prefixes
// with TTLs; local copies are caches repaired by bus events and periodic
// reconciliation.
const (
	keyNodePrefix     = "cluster.node."
	keyPresencePrefix = "presence."
	keyPresCountPref  = "presence.count."
	keyTypingPrefix   = "typing."
	keyTypingRoomPref = "typing.rooms."
	keyBlacklistPref  = "security.blacklist."
	keyRatePrefix     = "rate."
)

const (
	// NodeTTL is how long a node registry entry lives without a refresh.
	NodeTTL = 60 * time.Second
	// PresenceTTL bounds staleness of presence entries.
	PresenceTTL = 300 * time.Second
	// TypingTTL bounds staleness of shared typing entries.
	TypingTTL = 10 * time.Second
)

// NodeInfo is one cluster member's registry payload.
type NodeInfo struct {
	NodeID          string    `json:"node_id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	SessionCount    int       `json:"session_count"`
	LoadScore       float64   `json:"load_score"`
	Version         string    `json:"version"`
}

// PresenceEntry is the shared per-user presence record.
type PresenceEntry struct {
	Status        string    `json:"status"`
	Activity      string    `json:"activity,omitempty"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	PrimaryNodeID string    `json:"primary_node_id,omitempty"`
}

// TypingEntry is the shared per-(room, user) typing record.
type TypingEntry struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Device       string    `json:"device,omitempty"`
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

// BlacklistEntry is the shared per-address block record.
type BlacklistEntry struct {
	Reason    string     `json:"reason"`
	Severity  string     `json:"severity"`
	AddedAt   time.Time  `json:"added_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Automatic bool       `json:"automatic"`
}

// Shared wraps the redis-backed cluster store. All methods honor the
// caller's context deadline; callers wrap calls in the store breaker.
type Shared struct {
	client *redis.Client
}

// NewShared creates the shared store on an existing redis client.
func NewShared(client *redis.Client) *Shared {
	return &Shared{client: client}
}

// Ping verifies store reachability.
func (s *Shared) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Shared) Close() error {
	return s.client.Close()
}

func (s *Shared) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *Shared) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Node registry.

// RegisterNode writes the node's registry entry with the standard TTL.
// Used both for initial registration and heartbeat refresh.
func (s *Shared) RegisterNode(ctx context.Context, info *NodeInfo) error {
	return s.setJSON(ctx, keyNodePrefix+info.NodeID, info, NodeTTL)
}

// DeregisterNode removes the node's registry entry.
func (s *Shared) DeregisterNode(ctx context.Context, nodeID string) error {
	return s.client.Del(ctx, keyNodePrefix+nodeID).Err()
}

// ListNodes scans the registry keyspace and returns all live entries.
func (s *Shared) ListNodes(ctx context.Context) ([]*NodeInfo, error) {
	var nodes []*NodeInfo
	iter := s.client.Scan(ctx, 0, keyNodePrefix+"*", 64).Iterator()
	for iter.Next(ctx) {
		var info NodeInfo
		if err := s.getJSON(ctx, iter.Val(), &info); err != nil {
			// Entry may have expired between scan and get.
			continue
		}
		nodes = append(nodes, &info)
	}
	return nodes, iter.Err()
}

// Presence.

// SetPresence writes the user's shared presence entry.
func (s *Shared) SetPresence(ctx context.Context, userID string, entry *PresenceEntry) error {
	return s.setJSON(ctx, keyPresencePrefix+userID, entry, PresenceTTL)
}

// GetPresence returns the user's shared presence entry or ErrNotFound.
func (s *Shared) GetPresence(ctx context.Context, userID string) (*PresenceEntry, error) {
	var entry PresenceEntry
	if err := s.getJSON(ctx, keyPresencePrefix+userID, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// IncrSessionCount bumps the user's cluster-wide session counter.
func (s *Shared) IncrSessionCount(ctx context.Context, userID string) (int64, error) {
	key := keyPresCountPref + userID
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	s.client.Expire(ctx, key, PresenceTTL)
	return n, nil
}

// decrClamped decrements a counter without going below zero.
var decrClamped = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v or tonumber(v) <= 0 then
	redis.call("SET", KEYS[1], 0, "EX", ARGV[1])
	return 0
end
return redis.call("DECR", KEYS[1])
`)

// DecrSessionCount decrements the user's session counter, clamped at zero.
// Returns the remaining count.
func (s *Shared) DecrSessionCount(ctx context.Context, userID string) (int64, error) {
	return decrClamped.Run(ctx, s.client,
		[]string{keyPresCountPref + userID},
		int(PresenceTTL/time.Second)).Int64()
}

// SessionCount reads the user's cluster-wide session counter.
func (s *Shared) SessionCount(ctx context.Context, userID string) (int64, error) {
	n, err := s.client.Get(ctx, keyPresCountPref+userID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Typing.

// SetTyping writes the shared typing entry and adds the user to the room's
// typing set.
func (s *Shared) SetTyping(ctx context.Context, roomID string, entry *TypingEntry) error {
	if err := s.setJSON(ctx, keyTypingPrefix+roomID+"."+entry.UserID, entry, TypingTTL); err != nil {
		return err
	}
	setKey := keyTypingRoomPref + roomID
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, setKey, entry.UserID)
	pipe.Expire(ctx, setKey, TypingTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearTyping removes the shared typing entry.
func (s *Shared) ClearTyping(ctx context.Context, roomID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, keyTypingPrefix+roomID+"."+userID)
	pipe.SRem(ctx, keyTypingRoomPref+roomID, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// TypingUsers returns the ids of users currently typing in a room per the
// shared store. Used by reconciliation to repair local drift.
func (s *Shared) TypingUsers(ctx context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctx, keyTypingRoomPref+roomID).Result()
}

// PresenceByNode scans shared presence entries and returns the user ids
// whose primary node matches. Used during failover cleanup.
func (s *Shared) PresenceByNode(ctx context.Context, nodeID string) ([]string, error) {
	var users []string
	iter := s.client.Scan(ctx, 0, keyPresencePrefix+"*", 128).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, keyPresCountPref) {
			continue
		}
		var entry PresenceEntry
		if err := s.getJSON(ctx, key, &entry); err != nil {
			continue
		}
		if entry.PrimaryNodeID == nodeID {
			users = append(users, strings.TrimPrefix(key, keyPresencePrefix))
		}
	}
	return users, iter.Err()
}

// ResetSessionCount zeroes a user's session counter.
func (s *Shared) ResetSessionCount(ctx context.Context, userID string) error {
	return s.client.Set(ctx, keyPresCountPref+userID, 0, PresenceTTL).Err()
}

// Blacklist.

// SetBlacklist writes the address's block entry. A zero ttl means no
// expiry.
func (s *Shared) SetBlacklist(ctx context.Context, addr string, entry *BlacklistEntry, ttl time.Duration) error {
	return s.setJSON(ctx, keyBlacklistPref+addr, entry, ttl)
}

// GetBlacklist returns the address's block entry or ErrNotFound.
func (s *Shared) GetBlacklist(ctx context.Context, addr string) (*BlacklistEntry, error) {
	var entry BlacklistEntry
	if err := s.getJSON(ctx, keyBlacklistPref+addr, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RemoveBlacklist deletes the address's block entry.
func (s *Shared) RemoveBlacklist(ctx context.Context, addr string) error {
	return s.client.Del(ctx, keyBlacklistPref+addr).Err()
}

// Cluster-wide rate marks.

// MarkRateEvent records one event in the cluster-wide sliding window for
// (action, subject) and returns the number of events still inside the
// window. Used for budgets that must hold across nodes, e.g. auth attempts
// per address.
func (s *Shared) MarkRateEvent(ctx context.Context, action, subject string, window time.Duration) (int64, error) {
	key := keyRatePrefix + action + "." + subject
	now := time.Now()
	cutoff := now.Add(-window)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixMilli(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}
