/******************************************************************************
 *
 *  Description :
 *
 *    Dispatch of validated inbound events to their handlers. Every handler
 *    runs behind the rate limiter and content validation; blocking work is
 *    spawned off the reader under the session's in-flight semaphore.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/cbreaker"
	"github.com/arfacturas/relay/server/store"
)

// rate-limit action names per inbound event.
var eventActions = map[string]string{
	evJoin:           "channel_join",
	evLeave:          "channel_leave",
	evMessageSend:    "message_send",
	evMessageEdit:    "message_edit",
	evMessageDelete:  "message_delete",
	evTypingStart:    "typing_start",
	evTypingStop:     "typing_stop",
	evPresenceUpdate: "presence_update",
	evDMSend:         "dm_send",
	evReactionAdd:    "default",
	evReactionRemove: "default",
	evVoiceJoin:      "voice_join",
	evModKick:        "moderation_kick",
	evModBan:         "moderation_ban",
}

// dispatch routes one authenticated frame.
func (s *Session) dispatch(frame *ClientFrame) {
	action := eventActions[frame.Event]
	if action == "" {
		action = "default"
	}

	if d := globals.limiter.Admit(action, s.uid); !d.Allowed {
		statsInc("RateLimitRejections", 1)
		globals.security.noteViolation(s.remoteAddr, d.Violations)
		// Typing overruns are dropped silently; everything else gets an
		// explicit rejection.
		if frame.Event != evTypingStart && frame.Event != evTypingStop {
			s.queueOut(evtRateLimited(frame.ID, d.RetryAfter))
		}
		return
	}

	if verr := globals.security.ValidateContent(s.remoteAddr, frame.Event, frame.Data); verr != nil {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, verr.Field))
		return
	}

	switch frame.Event {
	case evJoin:
		s.handleJoin(frame)
	case evLeave:
		s.handleLeave(frame)
	case evMessageSend:
		s.spawn(func() { s.handleMessageSend(frame) })
	case evMessageEdit:
		s.spawn(func() { s.handleMessageEdit(frame) })
	case evMessageDelete:
		s.spawn(func() { s.handleMessageDelete(frame) })
	case evTypingStart:
		s.handleTyping(frame, true)
	case evTypingStop:
		s.handleTyping(frame, false)
	case evPresenceUpdate:
		s.spawn(func() { s.handlePresenceUpdate(frame) })
	case evDMSend:
		s.spawn(func() { s.handleDMSend(frame) })
	case evReactionAdd:
		s.spawn(func() { s.handleReaction(frame, true) })
	case evReactionRemove:
		s.spawn(func() { s.handleReaction(frame, false) })
	case evVoiceJoin:
		s.spawn(func() { s.handleVoiceJoin(frame) })
	case evModKick, evModBan:
		s.spawn(func() { s.handleModeration(frame) })
	default:
		s.queueOut(evtError(frame.ID, codeBadRequest, "unknown event"))
	}

	promEvents.WithLabelValues(frame.Event).Inc()
}

func decode(frame *ClientFrame, v interface{}) bool {
	if len(frame.Data) == 0 {
		return false
	}
	return json.Unmarshal(frame.Data, v) == nil
}

// publishRoomPresence announces a membership delta on a room topic.
func publishRoomPresence(room, uid string, delta int) {
	globals.bus.Publish(room, "room.presence", map[string]interface{}{
		"room_id": room,
		"user_id": uid,
		"delta":   delta,
	}, bus.PublishOpts{Priority: bus.PriorityNormal})
}

func (s *Session) handleJoin(frame *ClientFrame) {
	var msg MsgJoin
	if !decode(frame, &msg) || msg.RoomID == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "room_id"))
		return
	}
	if s.subscribeRoom(msg.RoomID) {
		publishRoomPresence(msg.RoomID, s.uid, 1)
	}
}

func (s *Session) handleLeave(frame *ClientFrame) {
	var msg MsgJoin
	if !decode(frame, &msg) || msg.RoomID == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "room_id"))
		return
	}
	if s.unsubscribeRoom(msg.RoomID) {
		publishRoomPresence(msg.RoomID, s.uid, -1)
	}
}

func (s *Session) handleMessageSend(frame *ClientFrame) {
	var msg MsgMessageSend
	if !decode(frame, &msg) || msg.ChannelID == "" || msg.Content == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "channel_id"))
		return
	}

	stored := &store.Message{
		ID:        store.NextID(),
		ChannelID: msg.ChannelID,
		AuthorID:  s.uid,
		Content:   msg.Content,
		RefID:     msg.RefID,
		Mentions:  msg.Mentions,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), contentDeadline)
	defer cancel()
	err := globals.breakers.Do("content", func() error {
		return globals.content.SaveMessage(ctx, stored)
	})
	if err != nil {
		s.replyDependencyError(frame.ID, err)
		return
	}

	payload, _ := json.Marshal(stored)
	globals.bus.PublishEnvelope(&bus.Envelope{
		Topic:           roomTopic(roomChannel, msg.ChannelID),
		Kind:            "room.message.new",
		OriginSessionID: s.sid,
		Payload:         payload,
	}, bus.PublishOpts{Priority: bus.PriorityHigh})

	// Sending a message implies the author stopped typing.
	globals.typing.OnMessageSent(s.uid, roomTopic(roomChannel, msg.ChannelID))

	// Index for search, best effort; a missing document is repaired by the
	// indexer's own backfill.
	ictx, icancel := context.WithTimeout(context.Background(), contentDeadline)
	defer icancel()
	if ierr := globals.breakers.Do("index", func() error {
		return globals.indexer.Index(ictx, stored)
	}); ierr != nil {
		log.Println("router: index write failed:", ierr)
	}
}

func (s *Session) handleMessageEdit(frame *ClientFrame) {
	var msg MsgMessageEdit
	if !decode(frame, &msg) || msg.MessageID == "" || msg.Content == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "message_id"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), contentDeadline)
	defer cancel()

	var stored *store.Message
	err := globals.breakers.Do("content", func() error {
		var err error
		stored, err = globals.content.GetMessage(ctx, msg.MessageID)
		if err == store.ErrNotFound {
			stored = nil
			return nil
		}
		return err
	})
	if err != nil {
		s.replyDependencyError(frame.ID, err)
		return
	}
	if stored == nil {
		s.queueOut(evtError(frame.ID, codeNotFound, "message not found"))
		return
	}
	if stored.AuthorID != s.uid {
		s.queueOut(evtError(frame.ID, codePermissionDenied, "not the author"))
		return
	}

	now := time.Now()
	err = globals.breakers.Do("content", func() error {
		return globals.content.UpdateMessage(ctx, msg.MessageID, msg.Content, now)
	})
	if err != nil {
		s.replyDependencyError(frame.ID, err)
		return
	}

	globals.bus.Publish(roomTopic(roomChannel, stored.ChannelID), "room.message.edit", map[string]interface{}{
		"message_id": msg.MessageID,
		"channel_id": stored.ChannelID,
		"content":    msg.Content,
		"edited_at":  now.UnixMilli(),
	}, bus.PublishOpts{Priority: bus.PriorityHigh})
}

func (s *Session) handleMessageDelete(frame *ClientFrame) {
	var msg MsgMessageDelete
	if !decode(frame, &msg) || msg.MessageID == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "message_id"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), contentDeadline)
	defer cancel()

	var stored *store.Message
	err := globals.breakers.Do("content", func() error {
		var err error
		stored, err = globals.content.GetMessage(ctx, msg.MessageID)
		if err == store.ErrNotFound {
			stored = nil
			return nil
		}
		return err
	})
	if err != nil {
		s.replyDependencyError(frame.ID, err)
		return
	}
	if stored == nil {
		s.queueOut(evtError(frame.ID, codeNotFound, "message not found"))
		return
	}
	if stored.AuthorID != s.uid && !s.user.HasRole("moderator") && !s.user.HasRole("admin") {
		s.queueOut(evtError(frame.ID, codePermissionDenied, "not the author"))
		return
	}

	err = globals.breakers.Do("content", func() error {
		return globals.content.SoftDeleteMessage(ctx, msg.MessageID)
	})
	if err != nil {
		s.replyDependencyError(frame.ID, err)
		return
	}

	globals.bus.Publish(roomTopic(roomChannel, stored.ChannelID), "room.message.delete", map[string]interface{}{
		"message_id": msg.MessageID,
		"channel_id": stored.ChannelID,
	}, bus.PublishOpts{Priority: bus.PriorityHigh})
}

func (s *Session) handleTyping(frame *ClientFrame, start bool) {
	var msg MsgTyping
	if !decode(frame, &msg) || msg.ChannelID == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "channel_id"))
		return
	}
	room := roomTopic(roomChannel, msg.ChannelID)
	if start {
		globals.typing.Start(s.uid, s.user.DisplayName, room, msg.Device, s.sid)
	} else {
		globals.typing.Stop(s.uid, room)
	}
}

func (s *Session) handlePresenceUpdate(frame *ClientFrame) {
	var msg MsgPresenceUpdate
	if !decode(frame, &msg) || !validPresenceStatus(msg.Status) {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "status"))
		return
	}
	globals.presence.Update(s.uid, msg.Status, msg.Activity)
}

func (s *Session) handleDMSend(frame *ClientFrame) {
	var msg MsgDMSend
	if !decode(frame, &msg) || msg.RecipientID == "" || msg.Content == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "recipient_id"))
		return
	}

	stored := &store.Message{
		ID:        store.NextID(),
		ChannelID: roomTopic(roomDM, s.uid+":"+msg.RecipientID),
		AuthorID:  s.uid,
		Content:   msg.Content,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), contentDeadline)
	defer cancel()
	err := globals.breakers.Do("content", func() error {
		return globals.content.SaveMessage(ctx, stored)
	})
	if err != nil {
		s.replyDependencyError(frame.ID, err)
		return
	}

	payload := map[string]interface{}{
		"message_id":   stored.ID,
		"sender_id":    s.uid,
		"recipient_id": msg.RecipientID,
		"content":      msg.Content,
		"created_at":   stored.CreatedAt.UnixMilli(),
	}
	// Both parties' personal topics receive the DM.
	globals.bus.Publish(roomTopic(roomUser, msg.RecipientID), "room.dm.new", payload,
		bus.PublishOpts{Priority: bus.PriorityHigh})
	globals.bus.Publish(roomTopic(roomUser, s.uid), "room.dm.new", payload,
		bus.PublishOpts{Priority: bus.PriorityHigh})
}

func (s *Session) handleReaction(frame *ClientFrame, add bool) {
	var msg MsgReaction
	if !decode(frame, &msg) || msg.ContentType == "" || msg.ContentID == "" || msg.ReactionType == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "content_id"))
		return
	}

	reaction := &store.Reaction{
		ContentType:  msg.ContentType,
		ContentID:    msg.ContentID,
		UserID:       s.uid,
		ReactionType: msg.ReactionType,
	}

	ctx, cancel := context.WithTimeout(context.Background(), contentDeadline)
	defer cancel()

	kind := "room.reaction.removed"
	broadcast := true
	err := globals.breakers.Do("content", func() error {
		if add {
			created, err := globals.content.AddReaction(ctx, reaction)
			// A repeated add is a no-op: one stored reaction, one broadcast.
			broadcast = created
			kind = "room.reaction.added"
			return err
		}
		return globals.content.RemoveReaction(ctx, reaction)
	})
	if err != nil {
		s.replyDependencyError(frame.ID, err)
		return
	}
	if !broadcast {
		return
	}

	// The content's host topic carries the reaction event.
	host := roomTopic(roomChannel, msg.ContentID)
	if msg.ContentType == "dm" {
		host = roomTopic(roomUser, s.uid)
	}
	globals.bus.Publish(host, kind, reaction, bus.PublishOpts{
		Priority: bus.PriorityNormal,
		Dedupe:   true,
	})
}

func (s *Session) handleVoiceJoin(frame *ClientFrame) {
	var msg MsgVoiceJoin
	if !decode(frame, &msg) || msg.ChannelID == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "channel_id"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mediaDeadline)
	defer cancel()

	var token string
	err := globals.breakers.Do("media", func() error {
		var err error
		token, err = globals.media.IssueToken(ctx, msg.ChannelID, s.uid)
		return err
	})
	if err != nil {
		s.replyDependencyError(frame.ID, err)
		return
	}

	// Voice membership is a normal room join; media flows elsewhere.
	room := roomTopic(roomVoice, msg.ChannelID)
	if s.subscribeRoom(room) {
		publishRoomPresence(room, s.uid, 1)
	}

	// The token is for this session only, never broadcast.
	s.queueOut(&ServerEvent{Event: "voice.token", ID: frame.ID, Data: map[string]interface{}{
		"channel_id": msg.ChannelID,
		"token":      token,
	}})
}

func (s *Session) handleModeration(frame *ClientFrame) {
	var msg MsgModeration
	if !decode(frame, &msg) || msg.ChannelID == "" || msg.TargetID == "" {
		s.queueOut(evtErrorField(frame.ID, codeBadRequest, "target_id"))
		return
	}

	if !s.user.HasRole("admin") && !s.user.HasRole("moderator") {
		s.queueOut(evtError(frame.ID, codePermissionDenied, "moderator role required"))
		return
	}

	kind := "moderation.kicked"
	if frame.Event == evModBan {
		kind = "moderation.banned"
	}

	globals.bus.Publish(roomTopic(roomChannel, msg.ChannelID), kind, map[string]interface{}{
		"channel_id": msg.ChannelID,
		"target_id":  msg.TargetID,
		"actor_id":   s.uid,
		"reason":     msg.Reason,
	}, bus.PublishOpts{Priority: bus.PriorityHigh})

	// Cluster-wide eviction notice; every node closes the target's local
	// sessions' membership of the channel.
	globals.bus.Publish("moderation.evict", kind, map[string]interface{}{
		"channel_id": msg.ChannelID,
		"target_id":  msg.TargetID,
		"ban":        frame.Event == evModBan,
	}, bus.PublishOpts{Priority: bus.PriorityCritical, ToAll: true})
}

// replyDependencyError maps breaker and dependency failures to the wire.
func (s *Session) replyDependencyError(id string, err error) {
	if err == cbreaker.ErrUnavailable {
		s.queueOut(evtUnavailable(id, cbreaker.DefaultConfig.Cooldown))
		return
	}
	log.Println("router: dependency call failed:", s.sid, err)
	s.queueOut(evtUnavailable(id, 0))
}

func validPresenceStatus(status string) bool {
	switch status {
	case "online", "idle", "dnd", "invisible", "offline":
		return true
	}
	return false
}
