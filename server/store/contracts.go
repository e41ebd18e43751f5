// Package store holds the shared cluster store and the contracts for
// external collaborators: the user directory, content persistence, the
// full-text indexer and the media token issuer. The gateway depends on
// these interfaces only; concrete backends are registered by the caller.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for missing entities.
var ErrNotFound = errors.New("store: not found")

// User is identity as seen by the gateway. The gateway never mutates it.
type User struct {
	ID                string     `json:"id"`
	DisplayName       string     `json:"display_name"`
	BannedUntil       *time.Time `json:"banned_until,omitempty"`
	Roles             []string   `json:"roles,omitempty"`
	TwoFactorRequired bool       `json:"two_factor_required,omitempty"`
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UserDirectory resolves user identities.
type UserDirectory interface {
	// LookupUser returns the user or ErrNotFound.
	LookupUser(ctx context.Context, id string) (*User, error)
	// Friends enumerates user ids to notify of presence changes.
	Friends(ctx context.Context, id string) ([]string, error)
}

// Message is the persisted form of a channel or DM message.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	RefID     string    `json:"ref_id,omitempty"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Reaction identity; the idempotence key is the full tuple.
type Reaction struct {
	ContentType  string `json:"content_type"`
	ContentID    string `json:"content_id"`
	UserID       string `json:"user_id"`
	ReactionType string `json:"reaction_type"`
}

// ContentStore persists messages and reactions.
type ContentStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	// GetMessage returns the message or ErrNotFound.
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, id, content string, editedAt time.Time) error
	// SoftDeleteMessage marks the message deleted without removing it.
	SoftDeleteMessage(ctx context.Context, id string) error
	// AddReaction is idempotent; it reports whether the reaction was new.
	AddReaction(ctx context.Context, r *Reaction) (bool, error)
	RemoveReaction(ctx context.Context, r *Reaction) error
}

// Indexer is the full-text index contract.
type Indexer interface {
	Index(ctx context.Context, doc *Message) error
	Search(ctx context.Context, query string, limit int) ([]*Message, error)
}

// MediaTokenIssuer mints tokens for the voice media transport.
type MediaTokenIssuer interface {
	IssueToken(ctx context.Context, channelID, userID string) (string, error)
}
