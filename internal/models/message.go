package models

import "time"

// Message types.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeFile     = "file"
	MessageTypeLocation = "location"
	MessageTypeSystem   = "system"
)

// MessageStatus values form a strict monotonic lattice
// sent < delivered < read (spec.md §4.3).
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

var statusRank = map[string]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusAdvances reports whether transitioning from `from` to `to` respects
// the sent < delivered < read lattice (a no-op or downgrade is rejected).
func StatusAdvances(from, to string) bool {
	return statusRank[to] > statusRank[from]
}

// Message is the core content entity (spec.md §3). created_at is monotonic
// per conversation per sender within one node; is_deleted implies
// ciphertext cleared; editable only within 900s of creation.
type Message struct {
	ID                string     `json:"id" db:"id"`
	ConversationID    string     `json:"conversation_id" db:"conversation_id"`
	SenderID          int64      `json:"sender_id" db:"sender_id"`
	Type              string     `json:"message_type" db:"message_type"`
	ContentEncrypted  string     `json:"content_encrypted" db:"content_encrypted"`
	IsDeleted         bool       `json:"is_deleted" db:"is_deleted"`
	IsEdited          bool       `json:"is_edited" db:"is_edited"`
	ReplyToID         *string    `json:"reply_to_id,omitempty" db:"reply_to_id"`
	ForwardedFrom     *string    `json:"forwarded_from,omitempty" db:"forwarded_from"`
	AttachmentID      *string    `json:"attachment_id,omitempty" db:"attachment_id"`
	EncryptedFileKey  *string    `json:"encrypted_file_key,omitempty" db:"encrypted_file_key"`
	PlaintextShadow   *string    `json:"plaintext_shadow,omitempty" db:"plaintext_shadow"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	EditedAt          *time.Time `json:"edited_at,omitempty" db:"edited_at"`
}

// EditableWindow is the 900s edit window of spec.md §4.3 and §8 invariant 3.
const EditableWindow = 900 * time.Second

// MessageRecipient is a per-user encrypted payload for group E2EE fan-out
// (spec.md §3): (message, user) unique.
type MessageRecipient struct {
	MessageID        string `json:"message_id" db:"message_id"`
	UserID           int64  `json:"user_id" db:"user_id"`
	ContentEncrypted string `json:"content_encrypted" db:"content_encrypted"`
}

// MessageStatusRow is one MessageStatus row per (message, recipient)
// (spec.md §4.3).
type MessageStatusRow struct {
	MessageID  string    `json:"message_id" db:"message_id"`
	UserID     int64     `json:"user_id" db:"user_id"`
	Status     string    `json:"status" db:"status"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// MessageReaction: (message, user) unique; toggling re-writes the emoji.
type MessageReaction struct {
	MessageID string    `json:"message_id" db:"message_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SendMessageRequest is the inbound payload shared by the WS send_message
// action and the REST send path (spec.md §4.3).
type SendMessageRequest struct {
	ConversationID      string            `json:"conversation_id" binding:"required"`
	MessageType         string            `json:"message_type" binding:"required"`
	ContentEncrypted    string            `json:"content_encrypted"`
	ReplyToID           *string           `json:"reply_to_id,omitempty"`
	AttachmentID        *string           `json:"attachment_id,omitempty"`
	EncryptedFileKey    string            `json:"encrypted_file_key,omitempty"`
	EncryptedFileKeys   map[string]string `json:"encrypted_file_keys,omitempty"`
	RecipientsEncrypted map[string]string `json:"recipients_encrypted,omitempty"`
}

// EditMessageRequest is the inbound payload for edit_message.
type EditMessageRequest struct {
	MessageID        string `json:"message_id" binding:"required"`
	ContentEncrypted string `json:"content_encrypted" binding:"required"`
}

// DeleteMessageRequest is the inbound payload for delete_message.
type DeleteMessageRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

// ReactRequest is the inbound payload for react.
type ReactRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	Emoji     string `json:"emoji" binding:"required"`
}

// ReceiptRequest backs delivered/read_receipt actions.
type ReceiptRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

// TypingRequest backs typing/stop_typing actions — transient, not persisted.
type TypingRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	IsRecording    bool   `json:"is_recording,omitempty"`
}

// MarkReadRequest backs the "mark as read" REST/WS operation.
type MarkReadRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}
