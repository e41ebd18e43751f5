/******************************************************************************
 *
 *  Description :
 *
 *    Handling of client sessions. One Session per WebSocket connection,
 *    owned by a reader/writer goroutine pair. Handlers for inbound events
 *    run on short-lived tasks bounded by a per-session semaphore.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/store"
)

const (
	// Outbound mailbox size; overflow drops the oldest frame.
	outboundMailbox = 512
	// Chronic overflow: this many drops inside droppedOutWindow closes the
	// session.
	maxDroppedOut    = 50
	droppedOutWindow = 30 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 60 * time.Second

	// How long a closing session may drain its outbound queue.
	closingDrain = 2 * time.Second

	// Cap on concurrently running handler tasks per session.
	maxInflightPerSession = 16

	writeDeadline = 10 * time.Second
)

// Session states.
const (
	statePreAuth int32 = iota
	stateActive
	stateClosing
	stateClosed
)

// Session represents a single live WebSocket connection.
type Session struct {
	sid string
	ws  *websocket.Conn

	remoteAddr string
	userAgent  string

	// Identity; set once on successful authentication.
	uid  string
	user *store.User

	// Handshake captured at accept time, reused by the auth frame.
	hs *Handshake

	// Marked by the pre-connect suspicion check.
	suspicious bool

	connectedAt time.Time
	lastAction  atomic.Int64

	state atomic.Int32

	// Outbound frames, serialized.
	send chan []byte
	// Signals the writer to drain and close the socket.
	closing   chan struct{}
	closeOnce sync.Once
	closeMu   sync.Mutex
	closeCode int
	closeRsn  string

	// Rooms this session joined, and the bus subscriptions backing them.
	// Modified by the reader task, and by the supervisor on kick.
	roomsMu  sync.Mutex
	rooms    map[string]bool
	roomSubs map[string]*bus.Subscription

	// Semaphore bounding in-flight handler tasks.
	inflight chan struct{}

	// Overflow accounting for the slow-consumer policy.
	dropMu    sync.Mutex
	dropTimes []time.Time

	// Events-per-second tracking for the suspicion score. Reader-only.
	evtSecond int64
	evtCount  int

	// Closed when cleanup has finished; used by tests.
	done chan struct{}
}

func newSession(ws *websocket.Conn, hs *Handshake) *Session {
	s := &Session{
		sid:         store.NextID(),
		ws:          ws,
		remoteAddr:  hs.RemoteAddr,
		userAgent:   hs.UserAgent,
		hs:          hs,
		connectedAt: time.Now(),
		send:        make(chan []byte, outboundMailbox),
		closing:     make(chan struct{}),
		rooms:       make(map[string]bool),
		roomSubs:    make(map[string]*bus.Subscription),
		inflight:    make(chan struct{}, maxInflightPerSession),
		done:        make(chan struct{}),
	}
	s.state.Store(statePreAuth)
	s.lastAction.Store(time.Now().UnixMilli())
	return s
}

func (s *Session) isActive() bool {
	return s.state.Load() == stateActive
}

// queueOut serializes and enqueues an event. The enqueue always succeeds;
// on overflow the session's oldest frame is dropped and counted, and a
// chronically slow consumer is disconnected.
func (s *Session) queueOut(evt *ServerEvent) {
	if s == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Println("session: marshal failed:", s.sid, err)
		return
	}
	s.queueOutBytes(data)
}

func (s *Session) queueOutBytes(data []byte) {
	for {
		select {
		case s.send <- data:
			return
		default:
		}
		select {
		case <-s.send:
			s.noteDrop()
		default:
		}
	}
}

func (s *Session) outboundEmpty() bool {
	return len(s.send) == 0
}

// noteDrop records one outbound drop and closes the session when drops are
// chronic.
func (s *Session) noteDrop() {
	statsInc("DroppedOutbound", 1)
	now := time.Now()

	s.dropMu.Lock()
	keep := s.dropTimes[:0]
	for _, t := range s.dropTimes {
		if now.Sub(t) <= droppedOutWindow {
			keep = append(keep, t)
		}
	}
	keep = append(keep, now)
	s.dropTimes = keep
	count := len(keep)
	s.dropMu.Unlock()

	if count > maxDroppedOut {
		s.closeWith(CloseSlowConsumer, "slow_consumer")
	}
}

// closeWith initiates session shutdown with a close code. Idempotent.
func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeCode = code
		s.closeRsn = reason
		s.closeMu.Unlock()
		s.state.Store(stateClosing)
		close(s.closing)
	})
}

// writeLoop drains the outbound queue and owns all socket writes.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	pingData, _ := json.Marshal(evtPing())

	for {
		select {
		case data := <-s.send:
			if !s.write(data) {
				return
			}
		case <-ticker.C:
			if !s.write(pingData) {
				return
			}
		case <-s.closing:
			s.drainAndClose()
			return
		}
	}
}

func (s *Session) write(data []byte) bool {
	s.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closeWith(CloseInternal, "write_failed")
		s.ws.Close()
		return false
	}
	return true
}

// drainAndClose flushes remaining outbound frames within the closing
// deadline, then sends the close frame and tears the socket down.
func (s *Session) drainAndClose() {
	deadline := time.After(closingDrain)
drain:
	for {
		select {
		case data := <-s.send:
			if !s.write(data) {
				break drain
			}
		case <-deadline:
			break drain
		default:
			break drain
		}
	}

	s.closeMu.Lock()
	code, reason := s.closeCode, s.closeRsn
	s.closeMu.Unlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}

	s.ws.SetWriteDeadline(time.Now().Add(time.Second))
	s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.ws.Close()
}

// readLoop decodes inbound frames and dispatches them. Blocks until the
// connection dies; runs cleanup on the way out.
func (s *Session) readLoop() {
	defer s.cleanUp()

	s.ws.SetReadLimit(globals.cfg.MaxPayloadBytes + 1024)
	s.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if s.state.Load() != stateClosing {
				if isTimeout(err) {
					s.closeWith(CloseHeartbeatTimeout, "heartbeat_timeout")
				} else {
					s.closeWith(websocket.CloseNormalClosure, "connection closed")
				}
			}
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		s.dispatchRaw(raw)
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

// dispatchRaw parses one frame and routes it.
func (s *Session) dispatchRaw(raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.queueOut(evtError("", codeBadRequest, "malformed frame"))
		s.noteValidationFailure()
		return
	}

	s.lastAction.Store(time.Now().UnixMilli())
	s.noteEventRate()

	switch s.state.Load() {
	case statePreAuth:
		// Only authentication traffic is permitted before login.
		switch frame.Event {
		case evAuth:
			s.handleAuth(&frame)
		case evPong:
		default:
			s.queueOut(evtError(frame.ID, codeBadRequest, "authentication required"))
		}
	case stateActive:
		if frame.Event == evPong {
			return
		}
		s.dispatch(&frame)
	default:
		// Closing or closed: drop.
	}
}

// handleAuth processes the first-frame authentication payload.
func (s *Session) handleAuth(frame *ClientFrame) {
	var payload MsgAuth
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			s.queueOut(evtError(frame.ID, codeBadRequest, "malformed auth payload"))
			return
		}
	}
	s.hs.Auth = &payload
	s.finishAuth()
}

// finishAuth runs the gate and promotes the session on success. Called with
// the handshake token already in place, either from the HTTP upgrade or the
// auth frame.
func (s *Session) finishAuth() {
	ctx, cancel := context.WithTimeout(context.Background(), authDeadline)
	defer cancel()

	res := globals.gate.Authenticate(ctx, s.hs)
	if res.Reason != authOK {
		log.Println("session: auth rejected:", s.sid, res.Reason)
		s.closeWith(closeCodeFor(res.Reason), res.Reason)
		return
	}

	s.uid = res.User.ID
	s.user = res.User
	s.state.Store(stateActive)
	globals.sessionStore.AttachUser(s)
	if s.suspicious {
		log.Println("session: authenticated from flagged address", s.sid, s.remoteAddr)
	}

	// Personal topic: DMs, targeted presence, direct replies.
	s.subscribeRoom(roomTopic(roomUser, s.uid))

	globals.presence.OnSessionOpened(s.uid, s.user.DisplayName)

	s.queueOut(evtReady(&readyUser{
		ID:          s.user.ID,
		DisplayName: s.user.DisplayName,
		Roles:       s.user.Roles,
	}, s.sid, globals.cfg.NodeID, time.Now()))
}

// subscribeRoom attaches the session to a room topic on the bus. Reader
// task or supervisor only.
func (s *Session) subscribeRoom(room string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if s.rooms[room] {
		return false
	}
	s.rooms[room] = true
	s.roomSubs[room] = globals.bus.Subscribe(room, s.busHandler)
	return true
}

// unsubscribeRoom detaches the session from a room topic.
func (s *Session) unsubscribeRoom(room string) bool {
	s.roomsMu.Lock()
	sub := s.roomSubs[room]
	delete(s.rooms, room)
	delete(s.roomSubs, room)
	s.roomsMu.Unlock()

	if sub == nil {
		return false
	}
	globals.bus.Unsubscribe(sub)
	return true
}

// roomList snapshots the joined rooms.
func (s *Session) roomList() []string {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// busHandler forwards room envelopes to the client.
func (s *Session) busHandler(env *bus.Envelope) {
	if !s.isActive() {
		return
	}
	s.queueOut(&ServerEvent{Event: env.Kind, Data: env.Payload})
}

// spawn runs a handler task under the in-flight semaphore. The reader may
// briefly block when the session has 16 handlers already running; the
// handlers themselves never run on the reader.
func (s *Session) spawn(fn func()) {
	select {
	case s.inflight <- struct{}{}:
	case <-s.closing:
		return
	}
	go func() {
		defer func() { <-s.inflight }()
		fn()
	}()
}

// noteEventRate applies the event-flood suspicion rule.
func (s *Session) noteEventRate() {
	sec := time.Now().Unix()
	if s.evtSecond != sec {
		s.evtSecond = sec
		s.evtCount = 0
	}
	s.evtCount++
	if s.evtCount == 101 {
		globals.security.RaiseSuspicion(s.remoteAddr, 10, "event flood")
	}
}

// noteValidationFailure raises suspicion on repeated malformed frames.
func (s *Session) noteValidationFailure() {
	globals.security.RaiseSuspicion(s.remoteAddr, 5, "malformed frame")
}

// cleanUp tears down all session state. Runs exactly once, after the reader
// exits.
func (s *Session) cleanUp() {
	s.closeWith(websocket.CloseNormalClosure, "connection closed")
	s.state.Store(stateClosed)

	s.closeMu.Lock()
	reason := s.closeRsn
	s.closeMu.Unlock()

	globals.sessionStore.Delete(s)

	rooms := s.roomList()

	// Stop typing everywhere this session was typing.
	globals.typing.OnSessionClose(s.uid, s.sid)

	// Leave all rooms and let subscribers see the membership change.
	for _, room := range rooms {
		s.unsubscribeRoom(room)
		if s.uid != "" && room != roomTopic(roomUser, s.uid) {
			publishRoomPresence(room, s.uid, -1)
		}
	}

	if s.uid != "" {
		globals.presence.OnSessionClosed(s.uid)

		globals.bus.Publish("session.closed", "session.closed", map[string]interface{}{
			"session_id": s.sid,
			"user_id":    s.uid,
			"node_id":    globals.cfg.NodeID,
			"reason":     reason,
		}, bus.PublishOpts{Priority: bus.PriorityNormal})
	}

	close(s.done)
	log.Println("session: closed", s.sid, reason)
}
