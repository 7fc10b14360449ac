package models

import "time"

// Conversation types (spec.md §3).
const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"
	ConversationSecret  = "secret"
)

// Participant roles.
const (
	ParticipantAdmin  = "admin"
	ParticipantMember = "member"
)

// Conversation is a UUID-keyed container for messages and participants.
type Conversation struct {
	ID                 string     `json:"id" db:"id"`
	Type               string     `json:"type" db:"type"`
	Title              *string    `json:"title,omitempty" db:"title"`
	LastMessageID      *string    `json:"last_message_id,omitempty" db:"last_message_id"`
	OnlyAdminsCanSend   bool      `json:"only_admins_can_send" db:"only_admins_can_send"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Participant is a per-user membership row in a Conversation (spec.md §3).
type Participant struct {
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	Role           string     `json:"role" db:"role"`
	UnreadCount    int        `json:"unread_count" db:"unread_count"`
	MutedUntil     *time.Time `json:"muted_until,omitempty" db:"muted_until"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty" db:"cleared_at"`
	IsHidden       bool       `json:"is_hidden" db:"is_hidden"`
	IsLocked       bool       `json:"is_locked" db:"is_locked"`
	IsFavorite     bool       `json:"is_favorite" db:"is_favorite"`
	IsBlocked      bool       `json:"is_blocked" db:"is_blocked"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty" db:"last_read_at"`
	JoinedAt       time.Time  `json:"joined_at" db:"joined_at"`
}

// ConversationSummary is the list-view shape for GET /chat/conversations/.
type ConversationSummary struct {
	Conversation
	Participant  Participant     `json:"participant"`
	Participants []PublicProfile `json:"participants"`
	LastMessage  *Message        `json:"last_message,omitempty"`
}

// CreateConversationRequest is the body of
// POST /chat/conversations/create/.
type CreateConversationRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// CreateConversationResponse reports whether a hidden private conversation
// was re-opened, which per spec.md §9 Open Question 3 requires a
// session_reset signal on both the REST path and the WS send path.
type CreateConversationResponse struct {
	Conversation ConversationSummary `json:"conversation"`
	SessionReset bool                `json:"session_reset"`
}

// Cursor pagination envelope shared by conversation list, message list, and
// notification history endpoints (spec.md §6).
type CursorPage struct {
	Items      interface{} `json:"items"`
	NextCursor *string     `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}
