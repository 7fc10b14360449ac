package callsignaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/models"
	"github.com/umbra-msg/umbra-core/internal/session"
	"github.com/umbra-msg/umbra-core/internal/topicbus"
)

type fakePush struct {
	calls []int64
}

func (f *fakePush) EnqueueIncomingCall(ctx context.Context, recipientID int64, callID, conversationID string) error {
	f.calls = append(f.calls, recipientID)
	return nil
}

func participantRows() []string {
	return []string{
		"conversation_id", "user_id", "role", "unread_count", "muted_until", "cleared_at",
		"is_hidden", "is_locked", "is_favorite", "is_blocked", "last_read_at", "joined_at",
	}
}

func callRows() []string {
	return []string{
		"id", "conversation_id", "initiator_id", "type", "status",
		"started_at", "ended_at", "duration_seconds", "created_at",
	}
}

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock, *fakePush) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	calls := db.NewCallDB(sqlDB)
	convs := db.NewConversationDB(sqlDB)
	bus := topicbus.NewBus(nil)
	push := &fakePush{}
	return NewHandler(calls, convs, bus, push), mock, push
}

func TestHandleInitiate_NotifiesOtherParticipantsAndStartsTimer(t *testing.T) {
	h, mock, push := newTestHandler(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_blocked", "role"}).AddRow(false, "member"))

	now := time.Now()
	mock.ExpectQuery("INSERT INTO calls").
		WithArgs("conv-1", int64(1), "audio").
		WillReturnRows(sqlmock.NewRows(callRows()).AddRow(
			"call-1", "conv-1", int64(1), "audio", "ringing", nil, nil, 0, now))
	mock.ExpectExec("INSERT INTO call_participants").
		WithArgs("call-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery("SELECT id, urls, username, credential FROM ice_servers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "urls", "username", "credential"}))

	mock.ExpectQuery("SELECT conversation_id, user_id, role").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows(participantRows()).
			AddRow("conv-1", int64(1), "member", 0, nil, nil, false, false, false, false, nil, now).
			AddRow("conv-1", int64(2), "member", 0, nil, nil, false, false, false, false, nil, now))

	bus := topicbus.NewBus(nil)
	recipient := topicbus.NewSubscriber("user-2")
	bus.Subscribe("user_2", recipient)
	h.bus = bus

	conn := session.NewTestConnection(bus, 1)
	payload, _ := json.Marshal(models.InitiateCallRequest{ConversationID: "conv-1", Type: "audio"})

	err := h.HandleFrame(ctx, conn, "initiate_call", payload)
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, push.calls)
	assert.Contains(t, conn.ActiveCalls(), "call-1")
	assert.NoError(t, mock.ExpectationsWereMet())

	h.cancelAutoMissed("call-1")
}

func TestHandleReject_TransitionsToBusy(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE calls SET status").
		WithArgs("call-1", models.CallBusy, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	bus := topicbus.NewBus(nil)
	h.bus = bus
	conn := session.NewTestConnection(bus, 2)
	payload, _ := json.Marshal(models.RejectCallRequest{CallID: "call-1", Reason: "busy"})

	err := h.HandleFrame(ctx, conn, "reject_call", payload)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleReject_NoLongerRingingIsConflictNotError(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE calls SET status").
		WithArgs("call-1", models.CallRejected, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	bus := topicbus.NewBus(nil)
	h.bus = bus
	conn := session.NewTestConnection(bus, 2)
	payload, _ := json.Marshal(models.RejectCallRequest{CallID: "call-1"})

	err := h.HandleFrame(ctx, conn, "reject_call", payload)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleSignal_ForwardsOpaquePayload(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ctx := context.Background()

	bus := topicbus.NewBus(nil)
	h.bus = bus
	target := topicbus.NewSubscriber("user-5")
	bus.Subscribe("user_5", target)

	conn := session.NewTestConnection(bus, 1)
	payload, _ := json.Marshal(models.SignalRequest{
		CallID:   "call-1",
		TargetID: 5,
		Payload:  map[string]interface{}{"sdp": "opaque-blob"},
	})

	err := h.HandleFrame(ctx, conn, "offer", payload)
	require.NoError(t, err)

	select {
	case <-target.Events():
		events := target.Drain()
		require.Len(t, events, 1)
		assert.Equal(t, "offer", events[0].Type)
		var got signalEvent
		require.NoError(t, json.Unmarshal(events[0].Payload, &got))
		assert.Equal(t, "call-1", got.CallID)
		assert.Equal(t, int64(1), got.FromUser)
		assert.Equal(t, "opaque-blob", got.Payload["sdp"])
	default:
		t.Fatal("expected an event on the target's topic")
	}
}

func TestEndCall_EndsOnlyFromRingingOrOngoing(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE calls SET status").
		WithArgs("call-1", models.CallEnded, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	bus := topicbus.NewBus(nil)
	h.bus = bus

	err := h.EndCall(ctx, 1, "call-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestToggleMute_PersistsAndBroadcasts(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE call_participants SET muted").
		WithArgs("call-1", int64(1), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	bus := topicbus.NewBus(nil)
	h.bus = bus
	sub := topicbus.NewSubscriber("call-member")
	bus.Subscribe("call_call-1", sub)

	conn := session.NewTestConnection(bus, 1)
	payload, _ := json.Marshal(models.ToggleRequest{CallID: "call-1", On: true})

	err := h.HandleFrame(ctx, conn, "toggle_mute", payload)
	require.NoError(t, err)

	select {
	case <-sub.Events():
		events := sub.Drain()
		require.Len(t, events, 1)
		assert.Equal(t, "call.participant_update", events[0].Type)
	default:
		t.Fatal("expected a participant_update event")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestItoa(t *testing.T) {
	assert.Equal(t, "0", itoa(0))
	assert.Equal(t, "42", itoa(42))
	assert.Equal(t, "-7", itoa(-7))
}
