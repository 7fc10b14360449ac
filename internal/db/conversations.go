// Package db — conversation and participant data access (spec.md §3, §4.3).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/umbra-msg/umbra-core/internal/models"
)

// ConversationDB handles database operations for conversations and
// participants.
type ConversationDB struct {
	db *sql.DB
}

func NewConversationDB(db *sql.DB) *ConversationDB {
	return &ConversationDB{db: db}
}

// FindPrivateConversation returns the private conversation between two
// users, if one exists (spec.md §6 create-or-reuse semantics).
func (c *ConversationDB) FindPrivateConversation(ctx context.Context, userA, userB int64) (*models.Conversation, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT conv.id, conv.type, conv.title, conv.last_message_id,
			conv.only_admins_can_send, conv.created_at, conv.updated_at
		FROM conversations conv
		WHERE conv.type = 'private'
		AND EXISTS (SELECT 1 FROM participants p WHERE p.conversation_id = conv.id AND p.user_id = $1)
		AND EXISTS (SELECT 1 FROM participants p WHERE p.conversation_id = conv.id AND p.user_id = $2)
		LIMIT 1
	`, userA, userB)

	var conv models.Conversation
	err := row.Scan(&conv.ID, &conv.Type, &conv.Title, &conv.LastMessageID,
		&conv.OnlyAdminsCanSend, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreatePrivateConversation creates a new private conversation with exactly
// two active non-hidden participants (spec.md §3 invariant a).
func (c *ConversationDB) CreatePrivateConversation(ctx context.Context, userA, userB int64) (*models.Conversation, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var conv models.Conversation
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (type) VALUES ('private')
		RETURNING id, type, title, last_message_id, only_admins_can_send, created_at, updated_at
	`).Scan(&conv.ID, &conv.Type, &conv.Title, &conv.LastMessageID,
		&conv.OnlyAdminsCanSend, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	for _, uid := range []int64{userA, userB} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, role) VALUES ($1, $2, 'member')
		`, conv.ID, uid); err != nil {
			return nil, fmt.Errorf("add participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &conv, nil
}

// UnhideParticipant clears is_hidden for a participant re-opening a
// conversation. Callers must check WasHidden first to report session_reset
// accurately (spec.md §9 Open Question 3) — the update itself always leaves
// is_hidden false, so it can't report the prior state.
func (c *ConversationDB) UnhideParticipant(ctx context.Context, conversationID string, userID int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE participants SET is_hidden = false
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	return err
}

// WasHidden checks is_hidden before the unhide update runs, so callers can
// report session_reset accurately.
func (c *ConversationDB) WasHidden(ctx context.Context, conversationID string, userID int64) (bool, error) {
	var hidden bool
	err := c.db.QueryRowContext(ctx, `
		SELECT is_hidden FROM participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&hidden)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return hidden, err
}

// GetParticipant returns a single participant row.
func (c *ConversationDB) GetParticipant(ctx context.Context, conversationID string, userID int64) (*models.Participant, error) {
	var p models.Participant
	err := c.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, role, unread_count, muted_until, cleared_at,
			is_hidden, is_locked, is_favorite, is_blocked, last_read_at, joined_at
		FROM participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(
		&p.ConversationID, &p.UserID, &p.Role, &p.UnreadCount, &p.MutedUntil, &p.ClearedAt,
		&p.IsHidden, &p.IsLocked, &p.IsFavorite, &p.IsBlocked, &p.LastReadAt, &p.JoinedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListParticipants returns every participant of a conversation.
func (c *ConversationDB) ListParticipants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, unread_count, muted_until, cleared_at,
			is_hidden, is_locked, is_favorite, is_blocked, last_read_at, joined_at
		FROM participants WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(
			&p.ConversationID, &p.UserID, &p.Role, &p.UnreadCount, &p.MutedUntil, &p.ClearedAt,
			&p.IsHidden, &p.IsLocked, &p.IsFavorite, &p.IsBlocked, &p.LastReadAt, &p.JoinedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListForUser returns paginated conversations a user participates in,
// newest-activity first (GET /chat/conversations/, spec.md §6).
func (c *ConversationDB) ListForUser(ctx context.Context, userID int64, limit int) ([]models.Conversation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT conv.id, conv.type, conv.title, conv.last_message_id,
			conv.only_admins_can_send, conv.created_at, conv.updated_at
		FROM conversations conv
		JOIN participants p ON p.conversation_id = conv.id
		WHERE p.user_id = $1 AND NOT p.is_hidden
		ORDER BY conv.updated_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.Type, &conv.Title, &conv.LastMessageID,
			&conv.OnlyAdminsCanSend, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// UpdateLastMessage sets last_message and bumps updated_at (message
// pipeline step 6, spec.md §4.3). Runs inside the pipeline's transaction.
func UpdateConversationLastMessage(ctx context.Context, tx *sql.Tx, conversationID, messageID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = $2, updated_at = now() WHERE id = $1
	`, conversationID, messageID)
	return err
}

// IncrementUnread bumps unread_count for every participant except the
// sender (message pipeline step 7, spec.md §4.3).
func IncrementUnreadExceptSender(ctx context.Context, tx *sql.Tx, conversationID string, senderID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE participants SET unread_count = unread_count + 1
		WHERE conversation_id = $1 AND user_id != $2
	`, conversationID, senderID)
	return err
}

// ResetUnread implements "mark as read": resets unread_count to 0 and sets
// last_read_at (spec.md §4.3).
func (c *ConversationDB) ResetUnread(ctx context.Context, conversationID string, userID int64, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE participants SET unread_count = 0, last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, at)
	return err
}

// IsParticipant checks membership and block status for authorization
// (message pipeline step 1, spec.md §4.3).
func (c *ConversationDB) IsParticipant(ctx context.Context, conversationID string, userID int64) (isMember bool, isBlocked bool, role string, err error) {
	err = c.db.QueryRowContext(ctx, `
		SELECT is_blocked, role FROM participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&isBlocked, &role)
	if err == sql.ErrNoRows {
		return false, false, "", nil
	}
	if err != nil {
		return false, false, "", err
	}
	return true, isBlocked, role, nil
}

// GetConversationType returns the conversation's type and
// only_admins_can_send flag for authorization checks.
func (c *ConversationDB) GetConversationType(ctx context.Context, conversationID string) (convType string, onlyAdmins bool, err error) {
	err = c.db.QueryRowContext(ctx, `
		SELECT type, only_admins_can_send FROM conversations WHERE id = $1
	`, conversationID).Scan(&convType, &onlyAdmins)
	return convType, onlyAdmins, err
}
