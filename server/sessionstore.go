/******************************************************************************
 *
 *  Description :
 *
 *    Registry of live sessions: by id, by user and by remote address.
 *
 *****************************************************************************/

package main

import (
	"sync"
	"time"
)

// SessionStore tracks every live session on this node.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	byAddr   map[string]map[string]*Session
}

func newSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		byAddr:   make(map[string]map[string]*Session),
	}
}

// Add registers a session at accept time, before authentication.
func (ss *SessionStore) Add(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.sessions[s.sid] = s
	if ss.byAddr[s.remoteAddr] == nil {
		ss.byAddr[s.remoteAddr] = make(map[string]*Session)
	}
	ss.byAddr[s.remoteAddr][s.sid] = s

	statsInc("LiveSessions", 1)
	statsInc("TotalSessions", 1)
}

// AttachUser binds an authenticated session to its user.
func (ss *SessionStore) AttachUser(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.byUser[s.uid] == nil {
		ss.byUser[s.uid] = make(map[string]*Session)
	}
	ss.byUser[s.uid][s.sid] = s
}

// Delete removes the session from all indexes.
func (ss *SessionStore) Delete(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if _, ok := ss.sessions[s.sid]; !ok {
		return
	}
	delete(ss.sessions, s.sid)

	if m := ss.byAddr[s.remoteAddr]; m != nil {
		delete(m, s.sid)
		if len(m) == 0 {
			delete(ss.byAddr, s.remoteAddr)
		}
	}
	if s.uid != "" {
		if m := ss.byUser[s.uid]; m != nil {
			delete(m, s.sid)
			if len(m) == 0 {
				delete(ss.byUser, s.uid)
			}
		}
	}

	statsInc("LiveSessions", -1)
}

// Get returns the session with the given id, or nil.
func (ss *SessionStore) Get(sid string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[sid]
}

// Count returns the number of live sessions on this node.
func (ss *SessionStore) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// CountUser returns the number of this user's sessions on this node.
func (ss *SessionStore) CountUser(uid string) int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.byUser[uid])
}

// SessionsForUser snapshots the user's local sessions.
func (ss *SessionStore) SessionsForUser(uid string) []*Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*Session, 0, len(ss.byUser[uid]))
	for _, s := range ss.byUser[uid] {
		out = append(out, s)
	}
	return out
}

// EvictUser closes all of the user's local sessions, e.g. on a cluster-wide
// kick or ban.
func (ss *SessionStore) EvictUser(uid, reason string) {
	for _, s := range ss.snapshotUser(uid) {
		s.closeWith(CloseAuthFailure, reason)
	}
}

func (ss *SessionStore) snapshotUser(uid string) []*Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*Session, 0, len(ss.byUser[uid]))
	for _, s := range ss.byUser[uid] {
		out = append(out, s)
	}
	return out
}

// EvictAddr closes all sessions from a remote address, e.g. when it crosses
// the hard suspicion threshold.
func (ss *SessionStore) EvictAddr(addr, reason string) {
	ss.mu.RLock()
	var victims []*Session
	for _, s := range ss.byAddr[addr] {
		victims = append(victims, s)
	}
	ss.mu.RUnlock()

	for _, s := range victims {
		s.closeWith(CloseBlacklisted, reason)
	}
}

// Range calls fn for each live session until it returns false.
func (ss *SessionStore) Range(fn func(s *Session) bool) {
	ss.mu.RLock()
	var all []*Session
	for _, s := range ss.sessions {
		all = append(all, s)
	}
	ss.mu.RUnlock()

	for _, s := range all {
		if !fn(s) {
			return
		}
	}
}

// Shutdown notifies every session and force-closes those that do not drain
// within the deadline.
func (ss *SessionStore) Shutdown(drain time.Duration) {
	ss.mu.RLock()
	var all []*Session
	for _, s := range ss.sessions {
		all = append(all, s)
	}
	ss.mu.RUnlock()

	for _, s := range all {
		s.queueOut(evtShutdown())
	}

	deadline := time.After(drain)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			for _, s := range all {
				s.closeWith(CloseShutdown, "server shutdown")
			}
			return
		case <-ticker.C:
			if ss.Count() == 0 {
				return
			}
			for _, s := range all {
				if s.outboundEmpty() {
					s.closeWith(CloseShutdown, "server shutdown")
				}
			}
		}
	}
}
