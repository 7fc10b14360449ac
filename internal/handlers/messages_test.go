package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-msg/umbra-core/internal/db"
)

func setupMessagesTest(t *testing.T) (*MessageHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	messages := db.NewMessageDB(sqlDB)
	convs := db.NewConversationDB(sqlDB)
	handler := NewMessageHandler(messages, convs)
	return handler, mock, func() { sqlDB.Close() }
}

func newMessageTestRouter(h *MessageHandler, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/api/v1", withUser(userID))
	h.RegisterRoutes(group)
	return router
}

func messageHistoryColumns() []string {
	return []string{
		"id", "conversation_id", "sender_id", "message_type", "content_encrypted",
		"is_deleted", "is_edited", "reply_to_id", "forwarded_from", "attachment_id",
		"encrypted_file_key", "created_at", "edited_at",
	}
}

func TestListHistory_RejectsNonParticipant(t *testing.T) {
	h, mock, cleanup := setupMessagesTest(t)
	defer cleanup()
	router := newMessageTestRouter(h, 1)

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_blocked", "role"}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/conversations/conv-1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListHistory_RejectsOutOfRangeLimit(t *testing.T) {
	h, mock, cleanup := setupMessagesTest(t)
	defer cleanup()
	router := newMessageTestRouter(h, 1)

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_blocked", "role"}).AddRow(false, "member"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/conversations/conv-1/messages?limit=500", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListHistory_RejectsBadBeforeCursor(t *testing.T) {
	h, mock, cleanup := setupMessagesTest(t)
	defer cleanup()
	router := newMessageTestRouter(h, 1)

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_blocked", "role"}).AddRow(false, "member"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/conversations/conv-1/messages?before=not-a-time", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListHistory_ReturnsPageWithHasMoreWhenFull(t *testing.T) {
	h, mock, cleanup := setupMessagesTest(t)
	defer cleanup()
	router := newMessageTestRouter(h, 1)

	mock.ExpectQuery("SELECT is_blocked, role FROM participants").
		WithArgs("conv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"is_blocked", "role"}).AddRow(false, "member"))
	mock.ExpectQuery("SELECT id, conversation_id, sender_id, message_type").
		WithArgs("conv-1", 2).
		WillReturnRows(sqlmock.NewRows(messageHistoryColumns()).
			AddRow("msg-1", "conv-1", int64(2), "text", "ct1", false, false, nil, nil, nil, nil, time.Now(), nil).
			AddRow("msg-2", "conv-1", int64(2), "text", "ct2", false, false, nil, nil, nil, nil, time.Now(), nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/conversations/conv-1/messages?limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
