// Package handlers provides HTTP handlers for the messaging API.
// This file implements conversation lifecycle and list/detail/read endpoints.
//
// API Endpoints:
// - POST /chat/conversations/create - create or reuse a private conversation
// - GET  /chat/conversations        - list the caller's conversations
// - GET  /chat/conversations/:id    - fetch one conversation with participants
// - POST /chat/conversations/:id/read - mark a conversation fully read
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/errors"
	"github.com/umbra-msg/umbra-core/internal/messaging"
	"github.com/umbra-msg/umbra-core/internal/models"
)

const defaultConversationListLimit = 50

// ConversationHandler exposes conversation create/list/read endpoints.
// The realtime send/typing/receipt/edit/delete/react actions live on the
// WebSocket frame path (internal/session, internal/messaging) — this
// surface only covers what REST clients need before opening a socket.
type ConversationHandler struct {
	convs    *db.ConversationDB
	users    *db.UserDB
	pipeline *messaging.Pipeline
}

func NewConversationHandler(convs *db.ConversationDB, users *db.UserDB, pipeline *messaging.Pipeline) *ConversationHandler {
	return &ConversationHandler{convs: convs, users: users, pipeline: pipeline}
}

func (h *ConversationHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/chat/conversations/create", h.Create)
	router.GET("/chat/conversations", h.List)
	router.GET("/chat/conversations/:id", h.Get)
	router.POST("/chat/conversations/:id/read", h.MarkRead)
}

// Create handles POST /chat/conversations/create/. Private conversations
// are created-or-reused: if one already exists between the two users it is
// returned as-is, and if the caller had hidden it, re-opening it surfaces
// session_reset so the client knows to refresh its ratchet state (spec.md
// §9 Open Question 3).
func (h *ConversationHandler) Create(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}
	if req.UserID == userID {
		writeErr(c, errors.ValidationFailed("cannot start a conversation with yourself"))
		return
	}

	ctx := c.Request.Context()

	conv, err := h.convs.FindPrivateConversation(ctx, userID, req.UserID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	sessionReset := false
	if conv == nil {
		conv, err = h.convs.CreatePrivateConversation(ctx, userID, req.UserID)
		if err != nil {
			writeErr(c, errors.DatabaseError(err))
			return
		}
	} else {
		wasHidden, err := h.convs.WasHidden(ctx, conv.ID, userID)
		if err != nil {
			writeErr(c, errors.DatabaseError(err))
			return
		}
		if wasHidden {
			if err := h.convs.UnhideParticipant(ctx, conv.ID, userID); err != nil {
				writeErr(c, errors.DatabaseError(err))
				return
			}
			sessionReset = true
		}
	}

	summary, err := h.buildSummary(ctx, conv, userID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	c.JSON(http.StatusOK, models.CreateConversationResponse{
		Conversation: *summary,
		SessionReset: sessionReset,
	})
}

// List handles GET /chat/conversations/, newest-activity first.
func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	ctx := c.Request.Context()
	convs, err := h.convs.ListForUser(ctx, userID, defaultConversationListLimit)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	summaries := make([]models.ConversationSummary, 0, len(convs))
	for i := range convs {
		summary, err := h.buildSummary(ctx, &convs[i], userID)
		if err != nil {
			writeErr(c, errors.DatabaseError(err))
			return
		}
		summaries = append(summaries, *summary)
	}

	c.JSON(http.StatusOK, models.CursorPage{Items: summaries, HasMore: false})
}

// Get handles GET /chat/conversations/:id/. The caller must be a
// participant; membership doubles as the authorization check.
func (h *ConversationHandler) Get(c *gin.Context) {
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

	convType, onlyAdmins, err := h.convs.GetConversationType(ctx, conversationID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	conv := &models.Conversation{ID: conversationID, Type: convType, OnlyAdminsCanSend: onlyAdmins}

	summary, err := h.buildSummary(ctx, conv, userID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	c.JSON(http.StatusOK, summary)
}

// MarkRead handles POST /chat/conversations/:id/read/, the REST
// counterpart to the WS "receipt" action for bulk-marking a whole
// conversation read (spec.md §4.3).
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}
	conversationID := c.Param("id")

	if err := h.pipeline.MarkAllRead(c.Request.Context(), conversationID, userID); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "conversation marked read"})
}

// buildSummary assembles the list/detail view: the caller's own
// participant row plus every participant's public profile.
func (h *ConversationHandler) buildSummary(ctx context.Context, conv *models.Conversation, userID int64) (*models.ConversationSummary, error) {
	participant, err := h.convs.GetParticipant(ctx, conv.ID, userID)
	if err != nil {
		return nil, err
	}
	if participant == nil {
		participant = &models.Participant{ConversationID: conv.ID, UserID: userID}
	}

	rows, err := h.convs.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	profiles := make([]models.PublicProfile, 0, len(rows))
	for _, p := range rows {
		user, err := h.users.GetUserByID(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			profiles = append(profiles, user.ToPublicProfile())
		}
	}

	return &models.ConversationSummary{
		Conversation: *conv,
		Participant:  *participant,
		Participants: profiles,
	}, nil
}
