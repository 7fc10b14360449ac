package handlers

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-msg/umbra-core/internal/db"
)

func setupPushTest(t *testing.T) (*PushHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	devices := db.NewDeviceDB(mockDB)
	handler := NewPushHandler(devices)

	return handler, mock, func() { mockDB.Close() }
}

func preferenceColumns() []string {
	return []string{
		"user_id", "new_message", "call", "reaction", "group_invite", "security_alert",
		"dnd_enabled", "dnd_start", "dnd_end", "show_preview", "sound", "vibration",
	}
}

func withUser(userID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	}
}

func newTestRouter(h *PushHandler, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/api/v1", withUser(userID))
	h.RegisterRoutes(group)
	return router
}

func TestPushRegisterRoutes(t *testing.T) {
	h, _, cleanup := setupPushTest(t)
	defer cleanup()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/api/v1")
	h.RegisterRoutes(group)

	expected := []struct{ method, path string }{
		{"POST", "/api/v1/notifications/devices/register"},
		{"DELETE", "/api/v1/notifications/devices/:device_id"},
		{"GET", "/api/v1/notifications/preferences"},
		{"PATCH", "/api/v1/notifications/preferences"},
		{"PUT", "/api/v1/notifications/mute/:target_type/:target_id"},
		{"DELETE", "/api/v1/notifications/mute/:target_type/:target_id"},
		{"GET", "/api/v1/notifications"},
		{"POST", "/api/v1/notifications/:id/read"},
	}
	routes := router.Routes()
	for _, e := range expected {
		found := false
		for _, r := range routes {
			if r.Method == e.method && r.Path == e.path {
				found = true
				break
			}
		}
		assert.True(t, found, "%s %s", e.method, e.path)
	}
}

func TestRegisterDevice_RequiresAuth(t *testing.T) {
	h, _, cleanup := setupPushTest(t)
	defer cleanup()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/notifications/devices/register", h.RegisterDevice)

	req := httptest.NewRequest(http.MethodPost, "/notifications/devices/register",
		strings.NewReader(`{"device_id":"d1","token":"t1","platform":"android"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterDevice_UpsertsToken(t *testing.T) {
	h, mock, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	mock.ExpectExec("INSERT INTO device_tokens").
		WithArgs(int64(7), "d1", "t1", "android").
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/devices/register",
		strings.NewReader(`{"device_id":"d1","token":"t1","platform":"android"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDevice_RejectsInvalidPlatform(t *testing.T) {
	h, _, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/devices/register",
		strings.NewReader(`{"device_id":"d1","token":"t1","platform":"windows_phone"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnregisterDevice_Deactivates(t *testing.T) {
	h, mock, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	mock.ExpectExec("UPDATE device_tokens SET active = false").
		WithArgs(int64(7), "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/notifications/devices/d1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPreferences_CreatesDefaultOnFirstUse(t *testing.T) {
	h, mock, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	mock.ExpectQuery("SELECT user_id, new_message, call").
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO notification_preferences").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT user_id, new_message, call").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(preferenceColumns()).
			AddRow(int64(7), true, true, true, true, true, false, "22:00", "07:00", true, true, true))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/preferences", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePreferences_AppliesPatch(t *testing.T) {
	h, mock, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	mock.ExpectQuery("SELECT user_id, new_message, call").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(preferenceColumns()).
			AddRow(int64(7), true, true, true, true, true, false, "22:00", "07:00", true, true, true))
	mock.ExpectExec("UPDATE notification_preferences").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/notifications/preferences",
		strings.NewReader(`{"call":false}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetMuteRule_RejectsBadTargetType(t *testing.T) {
	h, _, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/notifications/mute/bogus/123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetMuteRule_RejectsBadMutedUntil(t *testing.T) {
	h, _, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/notifications/mute/conversation/123?muted_until=not-a-time", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetMuteRule_UpsertsForever(t *testing.T) {
	h, mock, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	mock.ExpectExec("INSERT INTO mute_rules").
		WithArgs(int64(7), "conversation", "123", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/notifications/mute/conversation/123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearMuteRule_UpsertsExpiredTimestamp(t *testing.T) {
	h, mock, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	mock.ExpectExec("INSERT INTO mute_rules").
		WithArgs(int64(7), "conversation", "123", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/notifications/mute/conversation/123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListNotifications_RejectsOutOfRangeLimit(t *testing.T) {
	h, _, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications?limit=500", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListNotifications_ReturnsNotificationsAndUnreadCount(t *testing.T) {
	h, mock, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	mock.ExpectQuery("SELECT id, recipient_id, sender_id").
		WithArgs(int64(7), 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "recipient_id", "sender_id", "type", "title", "body", "data",
			"source_type", "source_id", "read", "vendor_sent", "vendor_message_id",
			"vendor_error", "created_at",
		}))
	mock.ExpectQuery(`SELECT count\(\*\) FROM notifications`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead_RejectsNonNumericID(t *testing.T) {
	h, _, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/abc/read", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkRead_MarksNotificationRead(t *testing.T) {
	h, mock, cleanup := setupPushTest(t)
	defer cleanup()
	router := newTestRouter(h, 7)

	mock.ExpectExec("UPDATE notifications SET read = true").
		WithArgs(int64(42), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/42/read", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
