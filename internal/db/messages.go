// Package db — message, recipient, status, and reaction data access
// (spec.md §3, §4.3 send_message pipeline).
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/umbra-msg/umbra-core/internal/models"
)

// MessageDB handles database operations for messages and their fan-out.
type MessageDB struct {
	db *sql.DB
}

func NewMessageDB(db *sql.DB) *MessageDB {
	return &MessageDB{db: db}
}

// BeginTx starts a transaction for the pipeline to compose writes within
// (message pipeline steps 5-8, spec.md §4.3).
func (m *MessageDB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return m.db.BeginTx(ctx, nil)
}

// InsertMessage persists the message row (pipeline step 5). Runs inside the
// caller's transaction.
func InsertMessage(ctx context.Context, tx *sql.Tx, req *models.SendMessageRequest, senderID int64) (*models.Message, error) {
	var msg models.Message
	err := tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, message_type, content_encrypted,
			reply_to_id, attachment_id, encrypted_file_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, conversation_id, sender_id, message_type, content_encrypted,
			is_deleted, is_edited, reply_to_id, forwarded_from, attachment_id,
			encrypted_file_key, created_at, edited_at
	`, req.ConversationID, senderID, req.MessageType, req.ContentEncrypted,
		req.ReplyToID, req.AttachmentID, nullIfEmpty(req.EncryptedFileKey)).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Type, &msg.ContentEncrypted,
		&msg.IsDeleted, &msg.IsEdited, &msg.ReplyToID, &msg.ForwardedFrom, &msg.AttachmentID,
		&msg.EncryptedFileKey, &msg.CreatedAt, &msg.EditedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// LinkAttachment claims an attachment for a message under the constraint
// that it was uploaded by the sender and not already linked (pipeline
// step 3, spec.md §4.3). Failure to link is non-fatal to the send.
func LinkAttachment(ctx context.Context, tx *sql.Tx, attachmentID, messageID string, senderID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE attachments SET message_id = $2
		WHERE id = $1 AND uploaded_by = $3 AND message_id IS NULL
	`, attachmentID, messageID, senderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// InsertRecipients fans the per-recipient ciphertext out to message_recipients
// and seeds a `sent` status row for each (pipeline steps 5 and 8).
func InsertRecipients(ctx context.Context, tx *sql.Tx, messageID string, recipients map[string]string) error {
	for userIDStr, ciphertext := range recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_recipients (message_id, user_id, content_encrypted)
			VALUES ($1, $2::bigint, $3)
		`, messageID, userIDStr, ciphertext); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_statuses (message_id, user_id, status)
			VALUES ($1, $2::bigint, 'sent')
			ON CONFLICT (message_id, user_id) DO NOTHING
		`, messageID, userIDStr); err != nil {
			return err
		}
	}
	return nil
}

// GetMessage loads a single message by id.
func (m *MessageDB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := m.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, message_type, content_encrypted,
			is_deleted, is_edited, reply_to_id, forwarded_from, attachment_id,
			encrypted_file_key, created_at, edited_at
		FROM messages WHERE id = $1
	`, id).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Type, &msg.ContentEncrypted,
		&msg.IsDeleted, &msg.IsEdited, &msg.ReplyToID, &msg.ForwardedFrom, &msg.AttachmentID,
		&msg.EncryptedFileKey, &msg.CreatedAt, &msg.EditedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListByConversation returns a cursor page of messages, newest first
// (spec.md §6 message history).
func (m *MessageDB) ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error) {
	var rows *sql.Rows
	var err error
	if before != nil {
		rows, err = m.db.QueryContext(ctx, `
			SELECT id, conversation_id, sender_id, message_type, content_encrypted,
				is_deleted, is_edited, reply_to_id, forwarded_from, attachment_id,
				encrypted_file_key, created_at, edited_at
			FROM messages WHERE conversation_id = $1 AND created_at < $2
			ORDER BY created_at DESC LIMIT $3
		`, conversationID, *before, limit)
	} else {
		rows, err = m.db.QueryContext(ctx, `
			SELECT id, conversation_id, sender_id, message_type, content_encrypted,
				is_deleted, is_edited, reply_to_id, forwarded_from, attachment_id,
				encrypted_file_key, created_at, edited_at
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		`, conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Type, &msg.ContentEncrypted,
			&msg.IsDeleted, &msg.IsEdited, &msg.ReplyToID, &msg.ForwardedFrom, &msg.AttachmentID,
			&msg.EncryptedFileKey, &msg.CreatedAt, &msg.EditedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// EditMessage rewrites ciphertext within the 900s edit window (spec.md §8
// invariant 3). Returns false, nil if the window has elapsed or the sender
// doesn't own the message.
func (m *MessageDB) EditMessage(ctx context.Context, messageID string, senderID int64, ciphertext string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE messages SET content_encrypted = $3, is_edited = true, edited_at = now()
		WHERE id = $1 AND sender_id = $2 AND is_deleted = false
		AND created_at > now() - interval '900 seconds'
	`, messageID, senderID, ciphertext)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMessage tombstones a message, clearing its ciphertext and every
// per-recipient envelope (spec.md §3: is_deleted implies ciphertext
// cleared; §4.3: per-recipient envelopes are also scrubbed).
func (m *MessageDB) DeleteMessage(ctx context.Context, messageID string, senderID int64) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET is_deleted = true, content_encrypted = ''
		WHERE id = $1 AND sender_id = $2 AND is_deleted = false
	`, messageID, senderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE message_recipients SET content_encrypted = '' WHERE message_id = $1
	`, messageID); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// UpdateStatus advances a recipient's status, rejecting downgrades and
// no-ops at the SQL layer via a CASE guard mirroring models.StatusAdvances
// (spec.md §8 invariant 1 and 5). Returns false, nil if the transition was
// rejected or no status row exists yet.
func (m *MessageDB) UpdateStatus(ctx context.Context, messageID string, userID int64, status string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE message_statuses SET status = $3, updated_at = now()
		WHERE message_id = $1 AND user_id = $2
		AND CASE status
			WHEN 'sent' THEN $3 IN ('delivered', 'read')
			WHEN 'delivered' THEN $3 = 'read'
			ELSE false
		END
	`, messageID, userID, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UnreadStatusRow is one message pending a read-all upgrade.
type UnreadStatusRow struct {
	MessageID string
	SenderID  int64
}

// QueryUnreadForConversation returns every message in a conversation not
// sent by userID whose status for userID is missing or below `read`
// (read-all backfill target, spec.md §4.3).
func (m *MessageDB) QueryUnreadForConversation(ctx context.Context, conversationID string, userID int64) ([]UnreadStatusRow, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT msg.id, msg.sender_id
		FROM messages msg
		LEFT JOIN message_statuses ms ON ms.message_id = msg.id AND ms.user_id = $2
		WHERE msg.conversation_id = $1 AND msg.sender_id != $2
		AND (ms.status IS NULL OR ms.status != 'read')
	`, conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnreadStatusRow
	for rows.Next() {
		var r UnreadStatusRow
		if err := rows.Scan(&r.MessageID, &r.SenderID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertStatus sets a recipient's status unconditionally, backfilling a
// missing row (read-all's bulk upgrade, spec.md §4.3 — unlike UpdateStatus
// this does not enforce the lattice, since the caller already determined
// the target status is a valid upgrade).
func (m *MessageDB) UpsertStatus(ctx context.Context, messageID string, userID int64, status string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO message_statuses (message_id, user_id, status) VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET status = $3, updated_at = now()
	`, messageID, userID, status)
	return err
}

// MarkAllDelivered flags every `sent` status row for a user across a
// conversation as `delivered` (Session Router reconnect sweep, spec.md §4.2).
func (m *MessageDB) MarkAllDelivered(ctx context.Context, conversationID string, userID int64) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE message_statuses ms SET status = 'delivered', updated_at = now()
		FROM messages msg
		WHERE ms.message_id = msg.id AND msg.conversation_id = $1
		AND ms.user_id = $2 AND ms.status = 'sent'
	`, conversationID, userID)
	return err
}

// ListStatuses returns every recipient status row for a message (read
// receipts display, spec.md §3).
func (m *MessageDB) ListStatuses(ctx context.Context, messageID string) ([]models.MessageStatusRow, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT message_id, user_id, status, updated_at FROM message_statuses WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MessageStatusRow
	for rows.Next() {
		var s models.MessageStatusRow
		if err := rows.Scan(&s.MessageID, &s.UserID, &s.Status, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertReaction sets or replaces a user's single reaction to a message
// (spec.md §3: (message, user) unique, toggling re-writes the emoji).
func (m *MessageDB) UpsertReaction(ctx context.Context, messageID string, userID int64, emoji string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = $3, created_at = now()
	`, messageID, userID, emoji)
	return err
}

// RemoveReaction deletes a user's reaction to a message.
func (m *MessageDB) RemoveReaction(ctx context.Context, messageID string, userID int64) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2
	`, messageID, userID)
	return err
}

// ListReactions returns every reaction on a message.
func (m *MessageDB) ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM message_reactions WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MessageReaction
	for rows.Next() {
		var r models.MessageReaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
