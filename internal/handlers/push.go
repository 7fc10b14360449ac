// Package handlers provides the REST surface for the push dispatcher's
// device, preference, and notification-history data (spec.md §6), in
// the same gin + internal/errors idiom internal/keyservice establishes.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/errors"
	"github.com/umbra-msg/umbra-core/internal/models"
)

// PushHandler implements the device-registration, notification-preference,
// mute-rule, and notification-history HTTP endpoints (spec.md §4.6, §6).
type PushHandler struct {
	devices *db.DeviceDB
}

func NewPushHandler(devices *db.DeviceDB) *PushHandler {
	return &PushHandler{devices: devices}
}

// RegisterRoutes registers the push endpoints under an
// already-authenticated router group.
func (h *PushHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/notifications/devices/register", h.RegisterDevice)
	router.DELETE("/notifications/devices/:device_id", h.UnregisterDevice)
	router.GET("/notifications/preferences", h.GetPreferences)
	router.PATCH("/notifications/preferences", h.UpdatePreferences)
	router.PUT("/notifications/mute/:target_type/:target_id", h.SetMuteRule)
	router.DELETE("/notifications/mute/:target_type/:target_id", h.ClearMuteRule)
	router.GET("/notifications", h.ListNotifications)
	router.POST("/notifications/:id/read", h.MarkRead)
}

func writeErr(c *gin.Context, appErr *errors.AppError) {
	c.JSON(appErr.StatusCode, appErr.ToResponse())
}

func userIDFromContext(c *gin.Context) (int64, bool) {
	v, exists := c.Get("userID")
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// RegisterDevice is POST /notifications/devices/register.
func (h *PushHandler) RegisterDevice(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	var req models.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}

	if err := h.devices.UpsertDeviceToken(c.Request.Context(), userID, &req); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "device registered"})
}

// UnregisterDevice is DELETE /notifications/devices/:device_id.
func (h *PushHandler) UnregisterDevice(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	deviceID := c.Param("device_id")
	if err := h.devices.DeactivateDeviceToken(c.Request.Context(), userID, deviceID); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "device unregistered"})
}

// GetPreferences is GET /notifications/preferences.
func (h *PushHandler) GetPreferences(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	prefs, err := h.devices.EnsurePreferences(c.Request.Context(), userID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// UpdatePreferences is PATCH /notifications/preferences.
func (h *PushHandler) UpdatePreferences(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	var req models.UpdatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}

	if err := h.devices.UpdatePreferences(c.Request.Context(), userID, &req); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "preferences updated"})
}

// SetMuteRule is PUT /notifications/mute/:target_type/:target_id. An
// optional "muted_until" (RFC3339) query param sets a timed mute;
// omitted means mute forever until explicitly cleared (spec.md §3).
func (h *PushHandler) SetMuteRule(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	targetType := c.Param("target_type")
	targetID := c.Param("target_id")
	if targetType != "conversation" && targetType != "user" {
		writeErr(c, errors.ValidationFailed("target_type must be conversation or user"))
		return
	}

	var mutedUntil *time.Time
	if raw := c.Query("muted_until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErr(c, errors.ValidationFailed("muted_until must be RFC3339"))
			return
		}
		mutedUntil = &parsed
	}

	if err := h.devices.UpsertMuteRule(c.Request.Context(), userID, targetType, targetID, mutedUntil); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "mute rule set"})
}

// ClearMuteRule is DELETE /notifications/mute/:target_type/:target_id,
// implemented as an immediate-expiry upsert since db.DeviceDB has no
// direct delete-by-key method for mute rules.
func (h *PushHandler) ClearMuteRule(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	targetType := c.Param("target_type")
	targetID := c.Param("target_id")
	expired := time.Now().Add(-time.Second)

	if err := h.devices.UpsertMuteRule(c.Request.Context(), userID, targetType, targetID, &expired); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "mute rule cleared"})
}

// ListNotifications is GET /notifications, cursor-paginated by
// "before" (RFC3339) and "limit" query params (spec.md §6).
func (h *PushHandler) ListNotifications(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			writeErr(c, errors.ValidationFailed("limit must be between 1 and 200"))
			return
		}
		limit = parsed
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErr(c, errors.ValidationFailed("before must be RFC3339"))
			return
		}
		before = &parsed
	}

	notifications, err := h.devices.ListNotifications(c.Request.Context(), userID, before, limit)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	unread, err := h.devices.CountUnreadNotifications(c.Request.Context(), userID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": notifications, "unread_count": unread})
}

// MarkRead is POST /notifications/:id/read.
func (h *PushHandler) MarkRead(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeErr(c, errors.ValidationFailed("invalid notification id"))
		return
	}

	if err := h.devices.MarkNotificationRead(c.Request.Context(), userID, id); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "marked read"})
}
