/******************************************************************************
 *
 *  Description :
 *
 *    Wire protocol structures: client frames, server events, close codes.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"time"
)

// WebSocket close codes.
const (
	CloseAuthFailure      = 4001
	CloseRateLimited      = 4008
	CloseShutdown         = 4009
	CloseSlowConsumer     = 4010
	CloseHeartbeatTimeout = 4011
	CloseBanned           = 4013
	CloseBlacklisted      = 4014
	CloseInternal         = 1011
)

// Inbound event names. Unknown names are a validation error.
const (
	evAuth           = "auth"
	evJoin           = "join"
	evLeave          = "leave"
	evMessageSend    = "message.send"
	evMessageEdit    = "message.edit"
	evMessageDelete  = "message.delete"
	evTypingStart    = "typing.start"
	evTypingStop     = "typing.stop"
	evPresenceUpdate = "presence.update"
	evDMSend         = "dm.send"
	evReactionAdd    = "reaction.add"
	evReactionRemove = "reaction.remove"
	evVoiceJoin      = "voice.join"
	evModKick        = "moderation.kick"
	evModBan         = "moderation.ban"
	evPong           = "pong"
)

// knownEvents is the full inbound schema; names outside it raise suspicion.
var knownEvents = map[string]bool{
	evAuth: true, evJoin: true, evLeave: true,
	evMessageSend: true, evMessageEdit: true, evMessageDelete: true,
	evTypingStart: true, evTypingStop: true, evPresenceUpdate: true,
	evDMSend: true, evReactionAdd: true, evReactionRemove: true,
	evVoiceJoin: true, evModKick: true, evModBan: true, evPong: true,
}

// ClientFrame is one inbound JSON frame.
type ClientFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is one outbound JSON frame.
type ServerEvent struct {
	Event string      `json:"event"`
	ID    string      `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Inbound payloads.

// MsgAuth is the first-frame authentication payload. Token extraction
// priority across the whole handshake is fixed in authgate.go.
type MsgAuth struct {
	Token         string `json:"token,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
	AccessTokenCC string `json:"accessToken,omitempty"`
	AuthToken     string `json:"authToken,omitempty"`
	AuthTokenSnk  string `json:"auth_token,omitempty"`
	JWT           string `json:"jwt,omitempty"`
	TwoFactorCode string `json:"two_factor_code,omitempty"`
}

// MsgJoin is the join/leave payload.
type MsgJoin struct {
	RoomID string `json:"room_id"`
}

// MsgMessageSend posts a message to a channel.
type MsgMessageSend struct {
	ChannelID string   `json:"channel_id"`
	Content   string   `json:"content"`
	RefID     string   `json:"ref_id,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
}

// MsgMessageEdit replaces a message's content.
type MsgMessageEdit struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// MsgMessageDelete soft-deletes a message.
type MsgMessageDelete struct {
	MessageID string `json:"message_id"`
}

// MsgTyping starts or stops a typing indicator.
type MsgTyping struct {
	ChannelID string `json:"channel_id"`
	Device    string `json:"device,omitempty"`
}

// MsgPresenceUpdate changes the user's status.
type MsgPresenceUpdate struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
}

// MsgDMSend posts a direct message.
type MsgDMSend struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

// MsgReaction adds or removes a reaction.
type MsgReaction struct {
	ContentType  string `json:"content_type"`
	ContentID    string `json:"content_id"`
	ReactionType string `json:"reaction_type"`
}

// MsgVoiceJoin requests a media token for a voice channel.
type MsgVoiceJoin struct {
	ChannelID string `json:"channel_id"`
}

// MsgModeration kicks or bans a user from a channel.
type MsgModeration struct {
	ChannelID string `json:"channel_id"`
	TargetID  string `json:"target_id"`
	Reason    string `json:"reason,omitempty"`
}

// Outbound payloads.

// MsgReady is sent after successful authentication.
type MsgReady struct {
	User              *readyUser `json:"user"`
	SessionID         string     `json:"session_id"`
	NodeID            string     `json:"node_id"`
	ServerTime        int64      `json:"server_time"`
	HeartbeatInterval int        `json:"heartbeat_interval_s"`
}

type readyUser struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles,omitempty"`
}

// MsgError is the error payload on a live session.
type MsgError struct {
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
	Field      string `json:"field,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"` // milliseconds
}

// Error codes on live sessions.
const (
	codeRateLimited        = "rate_limited"
	codeBadRequest         = "bad_request"
	codeServiceUnavailable = "service_unavailable"
	codePermissionDenied   = "permission_denied"
	codeNotFound           = "not_found"
)

// Event constructors, one per reply shape.

func evtReady(u *readyUser, sid, nodeID string, now time.Time) *ServerEvent {
	return &ServerEvent{Event: "ready", Data: &MsgReady{
		User:              u,
		SessionID:         sid,
		NodeID:            nodeID,
		ServerTime:        now.UnixMilli(),
		HeartbeatInterval: int(heartbeatInterval / time.Second),
	}}
}

func evtError(id, code, message string) *ServerEvent {
	return &ServerEvent{Event: "error", ID: id, Data: &MsgError{Code: code, Message: message}}
}

func evtErrorField(id, code, field string) *ServerEvent {
	return &ServerEvent{Event: "error", ID: id, Data: &MsgError{Code: code, Field: field}}
}

func evtRateLimited(id string, retryAfter time.Duration) *ServerEvent {
	return &ServerEvent{Event: "error", ID: id, Data: &MsgError{
		Code:       codeRateLimited,
		RetryAfter: retryAfter.Milliseconds(),
	}}
}

func evtUnavailable(id string, retryAfter time.Duration) *ServerEvent {
	return &ServerEvent{Event: "error", ID: id, Data: &MsgError{
		Code:       codeServiceUnavailable,
		RetryAfter: retryAfter.Milliseconds(),
	}}
}

func evtShutdown() *ServerEvent {
	return &ServerEvent{Event: "shutdown"}
}

func evtPing() *ServerEvent {
	return &ServerEvent{Event: "ping"}
}

// Room identity. Membership is derived from Session.rooms across the
// cluster; a room has no stored state of its own.

// Room kinds.
const (
	roomChannel   = "channel"
	roomDM        = "dm"
	roomUser      = "user"
	roomCommunity = "community"
	roomVoice     = "voice"
	roomSystem    = "system"
)

// roomTopic renders the addressable name, e.g. "channel:c1".
func roomTopic(kind, id string) string {
	return kind + ":" + id
}
