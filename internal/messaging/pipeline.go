// Package messaging is the Message Pipeline (spec.md §4.3): send,
// edit, delete, react, typing, and read-receipt handling for messages,
// published onto internal/topicbus so the Session Router's subscribers
// see them without the pipeline knowing about individual sockets.
package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/errors"
	"github.com/umbra-msg/umbra-core/internal/logger"
	"github.com/umbra-msg/umbra-core/internal/models"
	"github.com/umbra-msg/umbra-core/internal/topicbus"
)

// PushDispatcher is the Push Dispatcher's inbound contract (spec.md §4.6);
// injected since internal/push isn't built out yet. Enqueue is
// fire-and-forget from the pipeline's point of view: gating (presence,
// mute rules, DND, preferences) is entirely the dispatcher's concern.
type PushDispatcher interface {
	EnqueueNewMessage(ctx context.Context, recipientID int64, conversationID, messageID string) error
}

// Pipeline implements session.MessagePipeline.
type Pipeline struct {
	messages *db.MessageDB
	convs    *db.ConversationDB
	users    *db.UserDB
	bus      *topicbus.Bus
	push     PushDispatcher
}

func NewPipeline(messages *db.MessageDB, convs *db.ConversationDB, users *db.UserDB, bus *topicbus.Bus, push PushDispatcher) *Pipeline {
	return &Pipeline{messages: messages, convs: convs, users: users, bus: bus, push: push}
}

// HandleFrame dispatches one inbound WS frame by its action
// (spec.md §4.2/§4.3).
func (p *Pipeline) HandleFrame(ctx context.Context, userID int64, action string, payload json.RawMessage) error {
	switch action {
	case "send_message":
		return p.handleSend(ctx, userID, payload)
	case "typing":
		return p.handleTyping(ctx, userID, payload, "typing")
	case "stop_typing":
		return p.handleTyping(ctx, userID, payload, "stop_typing")
	case "read_receipt":
		return p.handleReceipt(ctx, userID, payload, models.StatusRead)
	case "delivered":
		return p.handleReceipt(ctx, userID, payload, models.StatusDelivered)
	case "edit_message":
		return p.handleEdit(ctx, userID, payload)
	case "delete_message":
		return p.handleDelete(ctx, userID, payload)
	case "react":
		return p.handleReact(ctx, userID, payload)
	default:
		return fmt.Errorf("messaging: unhandled action %q", action)
	}
}

func (p *Pipeline) publish(topic, eventType string, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		logger.WS().Error().Err(err).Str("event_type", eventType).Msg("failed to marshal pipeline event")
		return
	}
	p.bus.Publish(topicbus.Event{Topic: topic, Type: eventType, Payload: payload})
}

// handleSend implements the 9-step send_message algorithm of spec.md §4.3.
func (p *Pipeline) handleSend(ctx context.Context, senderID int64, payload json.RawMessage) error {
	var req models.SendMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.ValidationFailed(err.Error())
	}

	// Step 1: authorize.
	isMember, isBlocked, role, err := p.convs.IsParticipant(ctx, req.ConversationID, senderID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if !isMember || isBlocked {
		return errors.Forbidden("not a participant in this conversation")
	}
	_, onlyAdmins, err := p.convs.GetConversationType(ctx, req.ConversationID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if onlyAdmins && role != models.ParticipantAdmin {
		return errors.Forbidden("only admins can send in this conversation")
	}

	if _, err := base64.StdEncoding.DecodeString(req.ContentEncrypted); req.ContentEncrypted != "" && err != nil {
		return errors.ValidationFailed("content_encrypted must be base64")
	}

	tx, err := p.messages.BeginTx(ctx)
	if err != nil {
		return errors.DatabaseError(err)
	}
	defer tx.Rollback()

	// Step 2: persist message.
	msg, err := db.InsertMessage(ctx, tx, &req, senderID)
	if err != nil {
		return errors.DatabaseError(err)
	}

	// Step 3: link attachment, non-fatal.
	if req.AttachmentID != nil && *req.AttachmentID != "" {
		if _, err := db.LinkAttachment(ctx, tx, *req.AttachmentID, msg.ID, senderID); err != nil {
			logger.WS().Warn().Err(err).Str("attachment_id", *req.AttachmentID).Msg("attachment link failed, continuing send")
		}
	}

	// Step 4: per-recipient envelopes.
	if len(req.RecipientsEncrypted) > 0 {
		if err := db.InsertRecipients(ctx, tx, msg.ID, req.RecipientsEncrypted); err != nil {
			return errors.DatabaseError(err)
		}
	}

	// Step 5: sender's own status row.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_statuses (message_id, user_id, status) VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, msg.ID, senderID, models.StatusSent); err != nil {
		return errors.DatabaseError(err)
	}

	// Step 6: update conversation.
	if err := db.UpdateConversationLastMessage(ctx, tx, req.ConversationID, msg.ID); err != nil {
		return errors.DatabaseError(err)
	}

	// Step 7: bump unread counts.
	if err := db.IncrementUnreadExceptSender(ctx, tx, req.ConversationID, senderID); err != nil {
		return errors.DatabaseError(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError(err)
	}

	// Step 8: publish.
	if len(req.RecipientsEncrypted) > 0 {
		for recipientIDStr, ciphertext := range req.RecipientsEncrypted {
			recipientMsg := *msg
			recipientMsg.ContentEncrypted = ciphertext
			p.publish("user_"+recipientIDStr, "chat.message", recipientMsg)
		}
	} else {
		p.publish("conv_"+req.ConversationID, "chat.message", msg)
	}

	// Step 9: enqueue push for offline, push-enabled, non-muted participants.
	if p.push != nil {
		participants, err := p.convs.ListParticipants(ctx, req.ConversationID)
		if err != nil {
			logger.WS().Warn().Err(err).Msg("failed to list participants for push enqueue")
			return nil
		}
		for _, part := range participants {
			if part.UserID == senderID {
				continue
			}
			recipient, err := p.users.GetUserByID(ctx, part.UserID)
			if err != nil || recipient == nil || recipient.Online {
				continue
			}
			if part.MutedUntil != nil && part.MutedUntil.After(time.Now()) {
				continue
			}
			if err := p.push.EnqueueNewMessage(ctx, part.UserID, req.ConversationID, msg.ID); err != nil {
				logger.WS().Warn().Err(err).Int64("recipient_id", part.UserID).Msg("push enqueue failed")
			}
		}
	}

	return nil
}

func (p *Pipeline) handleTyping(ctx context.Context, userID int64, payload json.RawMessage, eventType string) error {
	var req models.TypingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.ValidationFailed(err.Error())
	}
	p.publish("conv_"+req.ConversationID, eventType, map[string]interface{}{
		"type":            eventType,
		"conversation_id": req.ConversationID,
		"user_id":         userID,
		"is_recording":    req.IsRecording,
	})
	return nil
}

func (p *Pipeline) handleReceipt(ctx context.Context, userID int64, payload json.RawMessage, status string) error {
	var req models.ReceiptRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.ValidationFailed(err.Error())
	}

	msg, err := p.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if msg == nil {
		return errors.MessageNotFound()
	}

	advanced, err := p.messages.UpdateStatus(ctx, req.MessageID, userID, status)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if !advanced {
		return nil
	}

	p.publish("user_"+itoa(msg.SenderID), "status.update", map[string]interface{}{
		"type":       "status.update",
		"message_id": req.MessageID,
		"user_id":    userID,
		"status":     status,
	})
	return nil
}

func (p *Pipeline) handleEdit(ctx context.Context, userID int64, payload json.RawMessage) error {
	var req models.EditMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.ValidationFailed(err.Error())
	}

	msg, err := p.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if msg == nil {
		return errors.MessageNotFound()
	}

	ok, err := p.messages.EditMessage(ctx, req.MessageID, userID, req.ContentEncrypted)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if !ok {
		return errors.Forbidden("message is not editable")
	}

	p.publish("conv_"+msg.ConversationID, "message.edited", map[string]interface{}{
		"type":              "message.edited",
		"message_id":        req.MessageID,
		"content_encrypted": req.ContentEncrypted,
	})
	return nil
}

func (p *Pipeline) handleDelete(ctx context.Context, userID int64, payload json.RawMessage) error {
	var req models.DeleteMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.ValidationFailed(err.Error())
	}

	msg, err := p.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if msg == nil {
		return errors.MessageNotFound()
	}

	ok, err := p.messages.DeleteMessage(ctx, req.MessageID, userID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if !ok {
		return errors.Forbidden("cannot delete this message")
	}

	p.publish("conv_"+msg.ConversationID, "message.deleted", map[string]interface{}{
		"type":       "message.deleted",
		"message_id": req.MessageID,
	})
	return nil
}

func (p *Pipeline) handleReact(ctx context.Context, userID int64, payload json.RawMessage) error {
	var req models.ReactRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.ValidationFailed(err.Error())
	}

	msg, err := p.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	if msg == nil {
		return errors.MessageNotFound()
	}

	existing, err := p.messages.ListReactions(ctx, req.MessageID)
	if err != nil {
		return errors.DatabaseError(err)
	}

	removed := false
	for _, r := range existing {
		if r.UserID == userID && r.Emoji == req.Emoji {
			removed = true
			break
		}
	}

	if removed {
		if err := p.messages.RemoveReaction(ctx, req.MessageID, userID); err != nil {
			return errors.DatabaseError(err)
		}
	} else {
		if err := p.messages.UpsertReaction(ctx, req.MessageID, userID, req.Emoji); err != nil {
			return errors.DatabaseError(err)
		}
	}

	p.publish("conv_"+msg.ConversationID, "message.reaction", map[string]interface{}{
		"type":       "message.reaction",
		"message_id": req.MessageID,
		"user_id":    userID,
		"emoji":      req.Emoji,
		"removed":    removed,
	})
	return nil
}

// MarkAllRead implements the "mark as read" bulk transition of spec.md
// §4.3, invoked from the REST conversations endpoint rather than a WS
// action.
func (p *Pipeline) MarkAllRead(ctx context.Context, conversationID string, userID int64) error {
	if err := p.convs.ResetUnread(ctx, conversationID, userID, time.Now()); err != nil {
		return errors.DatabaseError(err)
	}

	rows, err := p.upgradeUnreadStatuses(ctx, conversationID, userID)
	if err != nil {
		return errors.DatabaseError(err)
	}

	bySender := make(map[int64][]string)
	for _, row := range rows {
		bySender[row.senderID] = append(bySender[row.senderID], row.messageID)
	}
	for senderID, ids := range bySender {
		p.publish("user_"+itoa(senderID), "status.update", map[string]interface{}{
			"type":        "status.update",
			"message_ids": ids,
			"user_id":     userID,
			"status":      models.StatusRead,
		})
	}
	return nil
}

type upgradedStatus struct {
	messageID string
	senderID  int64
}

// upgradeUnreadStatuses upgrades every non-sender, not-yet-read status row
// in the conversation to read, backfilling missing rows, and returns the
// affected (message, sender) pairs for the per-sender status.update fan-out.
func (p *Pipeline) upgradeUnreadStatuses(ctx context.Context, conversationID string, userID int64) ([]upgradedStatus, error) {
	rows, err := p.messages.QueryUnreadForConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	var out []upgradedStatus
	for _, row := range rows {
		if err := p.messages.UpsertStatus(ctx, row.MessageID, userID, models.StatusRead); err != nil {
			return nil, err
		}
		out = append(out, upgradedStatus{messageID: row.MessageID, senderID: row.SenderID})
	}
	return out, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
