package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/messaging"
	"github.com/umbra-msg/umbra-core/internal/topicbus"
)

type noopPush struct{}

func (noopPush) EnqueueNewMessage(ctx context.Context, recipientID int64, conversationID, messageID string) error {
	return nil
}

func setupConversationsTest(t *testing.T) (*ConversationHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	convs := db.NewConversationDB(sqlDB)
	users := db.NewUserDB(sqlDB)
	messages := db.NewMessageDB(sqlDB)
	bus := topicbus.NewBus(nil)
	pipeline := messaging.NewPipeline(messages, convs, users, bus, noopPush{})

	handler := NewConversationHandler(convs, users, pipeline)
	return handler, mock, func() { sqlDB.Close() }
}

func newConvTestRouter(h *ConversationHandler, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/api/v1", withUser(userID))
	h.RegisterRoutes(group)
	return router
}

func conversationColumns() []string {
	return []string{"id", "type", "title", "last_message_id", "only_admins_can_send", "created_at", "updated_at"}
}

func participantColumns() []string {
	return []string{
		"conversation_id", "user_id", "role", "unread_count", "muted_until", "cleared_at",
		"is_hidden", "is_locked", "is_favorite", "is_blocked", "last_read_at", "joined_at",
	}
}

func userColumnsForTest() []string {
	return []string{
		"id", "email", "username", "password_hash", "display_name", "avatar_url",
		"is_verified", "lock_pin_hash", "approval_status", "online", "last_seen",
		"created_at", "updated_at", "deleted_at",
	}
}

func TestConversationsCreate_ReusesExistingConversation(t *testing.T) {
	h, mock, cleanup := setupConversationsTest(t)
	defer cleanup()
	router := newConvTestRouter(h, 1)

	mock.ExpectQuery("SELECT conv.id, conv.type, conv.title").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows(conversationColumns()).
			AddRow("conv-1", "private", nil, nil, false, time.Now(), time.Now()))
	mock.ExpectQuery("SELECT is_hidden FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_hidden"}).AddRow(false))
	mock.ExpectQuery("SELECT conversation_id, user_id, role, unread_count").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows(participantColumns()).
			AddRow("conv-1", int64(1), "member", 0, nil, nil, false, false, false, false, nil, time.Now()))
	mock.ExpectQuery("SELECT conversation_id, user_id, role, unread_count").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows(participantColumns()).
			AddRow("conv-1", int64(1), "member", 0, nil, nil, false, false, false, false, nil, time.Now()).
			AddRow("conv-1", int64(2), "member", 0, nil, nil, false, false, false, false, nil, time.Now()))
	mock.ExpectQuery("SELECT id, email, username, password_hash").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(userColumnsForTest()).
			AddRow(int64(1), "a@x.com", "alice", "h", "Alice", nil, true, nil, nil, true, nil, time.Now(), time.Now(), nil))
	mock.ExpectQuery("SELECT id, email, username, password_hash").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(userColumnsForTest()).
			AddRow(int64(2), "b@x.com", "bob", "h", "Bob", nil, true, nil, nil, true, nil, time.Now(), time.Now(), nil))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/create", strings.NewReader(`{"user_id":2}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationsCreate_RejectsSelf(t *testing.T) {
	h, _, cleanup := setupConversationsTest(t)
	defer cleanup()
	router := newConvTestRouter(h, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/create", strings.NewReader(`{"user_id":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationsGet_NotFoundWhenNotAParticipant(t *testing.T) {
	h, mock, cleanup := setupConversationsTest(t)
	defer cleanup()
	router := newConvTestRouter(h, 1)

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/conversations/conv-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationsMarkRead_DelegatesToPipeline(t *testing.T) {
	h, mock, cleanup := setupConversationsTest(t)
	defer cleanup()
	router := newConvTestRouter(h, 1)

	mock.ExpectExec("UPDATE participants SET unread_count = 0").
		WithArgs("conv-1", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT msg.id, msg.sender_id").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id"}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/conv-1/read", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
