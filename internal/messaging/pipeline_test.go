package messaging

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/topicbus"
)

type fakePush struct {
	enqueued []int64
}

func (f *fakePush) EnqueueNewMessage(ctx context.Context, recipientID int64, conversationID, messageID string) error {
	f.enqueued = append(f.enqueued, recipientID)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, sqlmock.Sqlmock, *fakePush) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	messages := db.NewMessageDB(sqlDB)
	convs := db.NewConversationDB(sqlDB)
	users := db.NewUserDB(sqlDB)
	bus := topicbus.NewBus(nil)
	push := &fakePush{}

	return NewPipeline(messages, convs, users, bus, push), mock, push
}

func messageRow(cols bool) []string {
	return []string{
		"id", "conversation_id", "sender_id", "message_type", "content_encrypted",
		"is_deleted", "is_edited", "reply_to_id", "forwarded_from", "attachment_id",
		"encrypted_file_key", "created_at", "edited_at",
	}
}

func TestHandleSend_PersistsAndPublishesToConversationTopic(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()

	sub := topicbus.NewSubscriber("recv")
	p.bus.Subscribe("conv_conv-1", sub)

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_blocked", "role"}).AddRow(false, "member"))
	mock.ExpectQuery("SELECT type, only_admins_can_send FROM conversations").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"type", "only_admins_can_send"}).AddRow("group", false))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows(messageRow(true)).
			AddRow("msg-1", "conv-1", int64(1), "text", "Y2lwaGVy", false, false, nil, nil, nil, nil, time.Now(), nil))
	mock.ExpectExec("INSERT INTO message_statuses").
		WithArgs("msg-1", int64(1), "sent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conversations SET last_message_id").
		WithArgs("conv-1", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE participants SET unread_count").
		WithArgs("conv-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT conversation_id, user_id, role, unread_count").
		WillReturnRows(sqlmock.NewRows([]string{
			"conversation_id", "user_id", "role", "unread_count", "muted_until", "cleared_at",
			"is_hidden", "is_locked", "is_favorite", "is_blocked", "last_read_at", "joined_at",
		}))

	err := p.HandleFrame(ctx, 1, "send_message", []byte(`{
		"conversation_id": "conv-1",
		"message_type": "text",
		"content_encrypted": "Y2lwaGVy"
	}`))
	require.NoError(t, err)

	sub.Drain()
	select {
	case <-sub.Events():
	default:
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleSend_RejectsNonParticipant(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnError(sql.ErrNoRows)

	err := p.HandleFrame(ctx, 1, "send_message", []byte(`{
		"conversation_id": "conv-1",
		"message_type": "text",
		"content_encrypted": "Y2lwaGVy"
	}`))
	assert.Error(t, err)
}

func TestHandleSend_RejectsInvalidBase64Content(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_blocked", "role"}).AddRow(false, "member"))
	mock.ExpectQuery("SELECT type, only_admins_can_send FROM conversations").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"type", "only_admins_can_send"}).AddRow("group", false))

	err := p.HandleFrame(ctx, 1, "send_message", []byte(`{
		"conversation_id": "conv-1",
		"message_type": "text",
		"content_encrypted": "not-valid-base64!!"
	}`))
	assert.Error(t, err)
}

func TestHandleSend_RejectsNonAdminWhenOnlyAdminsCanSend(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_blocked", "role"}).AddRow(false, "member"))
	mock.ExpectQuery("SELECT type, only_admins_can_send FROM conversations").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"type", "only_admins_can_send"}).AddRow("group", true))

	err := p.HandleFrame(ctx, 1, "send_message", []byte(`{
		"conversation_id": "conv-1",
		"message_type": "text",
		"content_encrypted": ""
	}`))
	assert.Error(t, err)
}

func TestHandleTyping_PublishesWithoutTouchingDB(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()
	sub := topicbus.NewSubscriber("recv")
	p.bus.Subscribe("conv_conv-1", sub)

	err := p.HandleFrame(ctx, 1, "typing", []byte(`{"conversation_id":"conv-1"}`))
	require.NoError(t, err)
	<-sub.Events()
	events := sub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, "typing", events[0].Type)
}

func TestHandleReceipt_PublishesStatusUpdateOnAdvance(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()
	sub := topicbus.NewSubscriber("sender")
	p.bus.Subscribe("user_9", sub)

	mock.ExpectQuery("SELECT id, conversation_id, sender_id, message_type").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows(messageRow(true)).
			AddRow("msg-1", "conv-1", int64(9), "text", "x", false, false, nil, nil, nil, nil, time.Now(), nil))
	mock.ExpectExec("UPDATE message_statuses SET status").
		WithArgs("msg-1", int64(1), "read").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.HandleFrame(ctx, 1, "read_receipt", []byte(`{"message_id":"msg-1"}`))
	require.NoError(t, err)
	<-sub.Events()
	events := sub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, "status.update", events[0].Type)
}

func TestHandleReceipt_MessageNotFoundErrors(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, conversation_id, sender_id, message_type").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	err := p.HandleFrame(ctx, 1, "read_receipt", []byte(`{"message_id":"missing"}`))
	assert.Error(t, err)
}

func TestHandleEdit_RewritesWithinWindow(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()
	sub := topicbus.NewSubscriber("recv")
	p.bus.Subscribe("conv_conv-1", sub)

	mock.ExpectQuery("SELECT id, conversation_id, sender_id, message_type").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows(messageRow(true)).
			AddRow("msg-1", "conv-1", int64(1), "text", "old", false, false, nil, nil, nil, nil, time.Now(), nil))
	mock.ExpectExec("UPDATE messages SET content_encrypted").
		WithArgs("msg-1", int64(1), "new").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.HandleFrame(ctx, 1, "edit_message", []byte(`{"message_id":"msg-1","content_encrypted":"new"}`))
	require.NoError(t, err)
	<-sub.Events()
}

func TestHandleEdit_ForbiddenOutsideWindowOrWrongSender(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, conversation_id, sender_id, message_type").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows(messageRow(true)).
			AddRow("msg-1", "conv-1", int64(1), "text", "old", false, false, nil, nil, nil, nil, time.Now(), nil))
	mock.ExpectExec("UPDATE messages SET content_encrypted").
		WithArgs("msg-1", int64(1), "new").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.HandleFrame(ctx, 1, "edit_message", []byte(`{"message_id":"msg-1","content_encrypted":"new"}`))
	assert.Error(t, err)
}

func TestHandleDelete_TombstonesAndPublishes(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()
	sub := topicbus.NewSubscriber("recv")
	p.bus.Subscribe("conv_conv-1", sub)

	mock.ExpectQuery("SELECT id, conversation_id, sender_id, message_type").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows(messageRow(true)).
			AddRow("msg-1", "conv-1", int64(1), "text", "old", false, false, nil, nil, nil, nil, time.Now(), nil))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE messages SET is_deleted").
		WithArgs("msg-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE message_recipients SET content_encrypted").
		WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := p.HandleFrame(ctx, 1, "delete_message", []byte(`{"message_id":"msg-1"}`))
	require.NoError(t, err)
	<-sub.Events()
}

func TestHandleReact_AddsNewReaction(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()
	sub := topicbus.NewSubscriber("recv")
	p.bus.Subscribe("conv_conv-1", sub)

	mock.ExpectQuery("SELECT id, conversation_id, sender_id, message_type").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows(messageRow(true)).
			AddRow("msg-1", "conv-1", int64(9), "text", "x", false, false, nil, nil, nil, nil, time.Now(), nil))
	mock.ExpectQuery("SELECT message_id, user_id, emoji, created_at FROM message_reactions").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "user_id", "emoji", "created_at"}))
	mock.ExpectExec("INSERT INTO message_reactions").
		WithArgs("msg-1", int64(1), "🔥").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := p.HandleFrame(ctx, 1, "react", []byte(`{"message_id":"msg-1","emoji":"🔥"}`))
	require.NoError(t, err)
	<-sub.Events()
	events := sub.Drain()
	require.Len(t, events, 1)
}

func TestHandleReact_TogglesOffExistingReaction(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()
	sub := topicbus.NewSubscriber("recv")
	p.bus.Subscribe("conv_conv-1", sub)

	mock.ExpectQuery("SELECT id, conversation_id, sender_id, message_type").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows(messageRow(true)).
			AddRow("msg-1", "conv-1", int64(9), "text", "x", false, false, nil, nil, nil, nil, time.Now(), nil))
	mock.ExpectQuery("SELECT message_id, user_id, emoji, created_at FROM message_reactions").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "user_id", "emoji", "created_at"}).
			AddRow("msg-1", int64(1), "🔥", time.Now()))
	mock.ExpectExec("DELETE FROM message_reactions").
		WithArgs("msg-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.HandleFrame(ctx, 1, "react", []byte(`{"message_id":"msg-1","emoji":"🔥"}`))
	require.NoError(t, err)
	<-sub.Events()
}

func TestHandleFrame_UnknownActionReturnsError(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	err := p.HandleFrame(context.Background(), 1, "bogus_action", []byte(`{}`))
	assert.Error(t, err)
}

func TestMarkAllRead_ResetsUnreadAndUpgradesStatuses(t *testing.T) {
	p, mock, _ := newTestPipeline(t)
	ctx := context.Background()
	sub := topicbus.NewSubscriber("sender")
	p.bus.Subscribe("user_9", sub)

	mock.ExpectExec("UPDATE participants SET unread_count = 0").
		WithArgs("conv-1", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT msg.id, msg.sender_id").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id"}).AddRow("msg-1", int64(9)))
	mock.ExpectExec("INSERT INTO message_statuses").
		WithArgs("msg-1", int64(1), "read").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.MarkAllRead(ctx, "conv-1", 1)
	require.NoError(t, err)
	<-sub.Events()
	events := sub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, "status.update", events[0].Type)
}

func TestItoa_MatchesSessionPackageBehavior(t *testing.T) {
	assert.Equal(t, "0", itoa(0))
	assert.Equal(t, "123", itoa(123))
	assert.Equal(t, "-5", itoa(-5))
}
