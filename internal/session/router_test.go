package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/topicbus"
)

type fakeMessages struct {
	calls []string
	err   error
}

func (f *fakeMessages) HandleFrame(ctx context.Context, userID int64, action string, payload json.RawMessage) error {
	f.calls = append(f.calls, action)
	return f.err
}

type fakeCalls struct {
	handled []string
	ended   []string
}

func (f *fakeCalls) HandleFrame(ctx context.Context, conn *Connection, action string, payload json.RawMessage) error {
	f.handled = append(f.handled, action)
	return nil
}

func (f *fakeCalls) EndCall(ctx context.Context, userID int64, callID string) error {
	f.ended = append(f.ended, callID)
	return nil
}

func conversationRows() []string {
	return []string{"id", "type", "title", "last_message_id", "only_admins_can_send", "created_at", "updated_at"}
}

func newTestRouter(t *testing.T) (*Router, sqlmock.Sqlmock, *fakeMessages, *fakeCalls) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	userDB := db.NewUserDB(sqlDB)
	convDB := db.NewConversationDB(sqlDB)
	bus := topicbus.NewBus(nil)
	messages := &fakeMessages{}
	calls := &fakeCalls{}

	r := &Router{bus: bus, userDB: userDB, convDB: convDB, messages: messages, calls: calls}
	return r, mock, messages, calls
}

func TestConnectSession_SubscribesToUserAndConversationTopics(t *testing.T) {
	r, mock, _, _ := newTestRouter(t)
	conn := NewTestConnection(r.bus, 1)
	conn.router = r

	mock.ExpectQuery("SELECT conv.id, conv.type, conv.title").
		WithArgs(int64(1), 10000).
		WillReturnRows(sqlmock.NewRows(conversationRows()).
			AddRow("conv-1", "private", nil, nil, false, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE users SET online").
		WithArgs(int64(1), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.connectSession(context.Background(), conn))
	assert.Equal(t, 1, r.bus.SubscriberCount(topicUser(1)))
	assert.Equal(t, 1, r.bus.SubscriberCount(topicConversation("conv-1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisconnectSession_EndsActiveCallsAndClearsPresence(t *testing.T) {
	r, mock, _, calls := newTestRouter(t)
	conn := NewTestConnection(r.bus, 1)
	conn.router = r
	conn.AddActiveCall("call-1")

	r.bus.Subscribe(topicUser(1), conn.sub)
	r.bus.Subscribe(topicConversation("conv-1"), conn.sub)

	mock.ExpectQuery("SELECT conv.id, conv.type, conv.title").
		WithArgs(int64(1), 10000).
		WillReturnRows(sqlmock.NewRows(conversationRows()).
			AddRow("conv-1", "private", nil, nil, false, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE users SET online").
		WithArgs(int64(1), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.disconnectSession(conn)

	assert.Equal(t, []string{"call-1"}, calls.ended)
	assert.Equal(t, 0, r.bus.SubscriberCount(topicUser(1)))
	assert.Equal(t, 0, r.bus.SubscriberCount(topicConversation("conv-1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_RoutesMessageActionsToMessagePipeline(t *testing.T) {
	r, _, messages, calls := newTestRouter(t)
	conn := NewTestConnection(r.bus, 1)

	require.NoError(t, r.dispatch(conn, "send_message", json.RawMessage(`{}`)))
	assert.Equal(t, []string{"send_message"}, messages.calls)
	assert.Empty(t, calls.handled)
}

func TestDispatch_RoutesCallActionsToCallSignaling(t *testing.T) {
	r, _, messages, calls := newTestRouter(t)
	conn := NewTestConnection(r.bus, 1)

	require.NoError(t, r.dispatch(conn, "initiate_call", json.RawMessage(`{}`)))
	assert.Equal(t, []string{"initiate_call"}, calls.handled)
	assert.Empty(t, messages.calls)
}

func TestDispatch_UnknownActionSendsErrorFrameWithoutError(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	conn := NewTestConnection(r.bus, 1)

	err := r.dispatch(conn, "not_a_real_action", json.RawMessage(`{}`))
	assert.NoError(t, err)
}

func TestConnection_SubscribeAndUnsubscribe(t *testing.T) {
	bus := topicbus.NewBus(nil)
	conn := NewTestConnection(bus, 1)

	conn.Subscribe("topic-a")
	assert.Equal(t, 1, bus.SubscriberCount("topic-a"))

	conn.Unsubscribe("topic-a")
	assert.Equal(t, 0, bus.SubscriberCount("topic-a"))
}

func TestConnection_ActiveCallsTracksAddAndRemove(t *testing.T) {
	conn := NewTestConnection(topicbus.NewBus(nil), 1)

	conn.AddActiveCall("call-1")
	conn.AddActiveCall("call-2")
	assert.ElementsMatch(t, []string{"call-1", "call-2"}, conn.ActiveCalls())

	conn.RemoveActiveCall("call-1")
	assert.Equal(t, []string{"call-2"}, conn.ActiveCalls())
}

func TestItoa_HandlesZeroNegativeAndPositive(t *testing.T) {
	assert.Equal(t, "0", itoa(0))
	assert.Equal(t, "42", itoa(42))
	assert.Equal(t, "-7", itoa(-7))
}
