// Package handlers provides HTTP handlers for the messaging API.
// This file implements conversation message history retrieval. Sending,
// typing, receipts, edits, deletes, and reactions are WebSocket frame
// actions (internal/session, internal/messaging) — history is the one
// message-related read REST clients need before or alongside a socket.
//
// API Endpoints:
// - GET /chat/conversations/:id/messages - cursor-paginated message history
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

const (
	defaultMessageHistoryLimit = 50
	maxMessageHistoryLimit     = 200
)

// MessageHandler exposes read-only message history over REST.
type MessageHandler struct {
	messages *db.MessageDB
	convs    *db.ConversationDB
}

func NewMessageHandler(messages *db.MessageDB, convs *db.ConversationDB) *MessageHandler {
	return &MessageHandler{messages: messages, convs: convs}
}

func (h *MessageHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/chat/conversations/:id/messages", h.ListHistory)
}

// ListHistory handles GET /chat/conversations/:id/messages/. `before`
// (RFC3339) and `limit` (1-200, default 50) page backward through history,
// newest first, matching the WS history/delivery ordering the pipeline
// already guarantees per conversation (spec.md §6).
func (h *MessageHandler) ListHistory(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}
	conversationID := c.Param("id")

	ctx := c.Request.Context()
	isMember, _, _, err := h.convs.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if !isMember {
		writeErr(c, errors.NotFound("conversation"))
		return
	}

	limit := defaultMessageHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMessageHistoryLimit {
			writeErr(c, errors.ValidationFailed("limit must be between 1 and 200"))
			return
		}
		limit = n
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErr(c, errors.ValidationFailed("before must be RFC3339"))
			return
		}
		before = &t
	}

	msgs, err := h.messages.ListByConversation(ctx, conversationID, before, limit)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	var nextCursor *string
	hasMore := len(msgs) == limit
	if hasMore {
		last := msgs[len(msgs)-1].CreatedAt.Format(time.RFC3339Nano)
		nextCursor = &last
	}

	c.JSON(http.StatusOK, models.CursorPage{
		Items:      msgs,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	})
}
