// Package callsignaling is Call Signaling (spec.md §4.5): it drives the
// ringing -> ongoing -> ended state machine, forwards opaque SDP/ICE
// payloads between peers, and owns the 45s auto-missed timer for
// unanswered calls.
//
// Generalizes the teacher's websocket.Hub room-broadcast pattern: instead
// of a room-keyed client set, each call gets its own internal/topicbus
// topic ("call_{id}") that participants subscribe to for the lifetime of
// the call.
package callsignaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/logger"
	"github.com/umbra-msg/umbra-core/internal/models"
	"github.com/umbra-msg/umbra-core/internal/session"
	"github.com/umbra-msg/umbra-core/internal/topicbus"
)

// PushDispatcher is the high-priority push path for incoming calls. It is
// a distinct method from messaging.PushDispatcher.EnqueueNewMessage
// because incoming-call pushes bypass the DND/mute gate (spec.md §4.5,
// §4.6).
type PushDispatcher interface {
	EnqueueIncomingCall(ctx context.Context, recipientID int64, callID, conversationID string) error
}

// Handler implements session.CallSignaling.
type Handler struct {
	calls *db.CallDB
	convs *db.ConversationDB
	bus   *topicbus.Bus
	push  PushDispatcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewHandler(calls *db.CallDB, convs *db.ConversationDB, bus *topicbus.Bus, push PushDispatcher) *Handler {
	return &Handler{
		calls:  calls,
		convs:  convs,
		bus:    bus,
		push:   push,
		timers: make(map[string]*time.Timer),
	}
}

func (h *Handler) HandleFrame(ctx context.Context, conn *session.Connection, action string, payload json.RawMessage) error {
	switch action {
	case "initiate_call":
		return h.handleInitiate(ctx, conn, payload)
	case "accept_call":
		return h.handleAccept(ctx, conn, payload)
	case "reject_call":
		return h.handleReject(ctx, conn, payload)
	case "offer", "answer", "ice_candidate":
		return h.handleSignal(ctx, conn, action, payload)
	case "end_call":
		return h.handleEndFrame(ctx, conn, payload)
	case "toggle_mute":
		return h.handleToggle(ctx, conn, payload, "mute")
	case "toggle_video":
		return h.handleToggle(ctx, conn, payload, "video")
	case "toggle_speaker":
		return h.handleToggle(ctx, conn, payload, "speaker")
	default:
		return fmt.Errorf("callsignaling: unhandled action %q", action)
	}
}

func (h *Handler) publish(topic, eventType string, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		logger.Calls().Error().Err(err).Str("event_type", eventType).Msg("failed to marshal call event")
		return
	}
	h.bus.Publish(topicbus.Event{Topic: topic, Type: eventType, Payload: payload, Critical: true})
}

func topicUser(userID int64) string { return "user_" + itoa(userID) }
func topicCall(callID string) string { return "call_" + callID }

// incomingCallEvent is published to every other participant's personal
// topic on initiate_call.
type incomingCallEvent struct {
	CallID         string             `json:"call_id"`
	ConversationID string             `json:"conversation_id"`
	InitiatorID    int64              `json:"initiator_id"`
	Type           string             `json:"type"`
	ICEServers     []models.ICEServer `json:"ice_servers"`
}

type callStatusEvent struct {
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status"`
	UserID         int64  `json:"user_id,omitempty"`
	DurationSecs   int    `json:"duration_seconds,omitempty"`
}

type signalEvent struct {
	CallID   string                 `json:"call_id"`
	FromUser int64                  `json:"from_user_id"`
	Payload  map[string]interface{} `json:"payload"`
}

type participantUpdateEvent struct {
	CallID string `json:"call_id"`
	UserID int64  `json:"user_id"`
	Field  string `json:"field"`
	On     bool   `json:"on"`
}

// handleInitiate creates a call in `ringing`, vends ICE config, notifies
// the other conversation participants, and starts the 45s auto-missed
// timer (spec.md §4.5).
func (h *Handler) handleInitiate(ctx context.Context, conn *session.Connection, payload json.RawMessage) error {
	var req models.InitiateCallRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	userID := conn.UserID()

	isMember, isBlocked, _, err := h.convs.IsParticipant(ctx, req.ConversationID, userID)
	if err != nil {
		return err
	}
	if !isMember || isBlocked {
		conn.Send(errorFrame("forbidden", "initiate_call", "not a participant"))
		return nil
	}

	call, err := h.calls.CreateCall(ctx, req.ConversationID, userID, req.Type)
	if err != nil {
		return err
	}

	ice, err := h.calls.ListICEServers(ctx)
	if err != nil {
		return err
	}

	conn.Subscribe(topicCall(call.ID))
	conn.AddActiveCall(call.ID)

	conn.Send(struct {
		Type string `json:"type"`
		incomingCallEvent
	}{Type: "call.ringing", incomingCallEvent: incomingCallEvent{
		CallID: call.ID, ConversationID: call.ConversationID,
		InitiatorID: userID, Type: call.Type, ICEServers: ice,
	}})

	participants, err := h.convs.ListParticipants(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	event := incomingCallEvent{
		CallID: call.ID, ConversationID: call.ConversationID,
		InitiatorID: userID, Type: call.Type, ICEServers: ice,
	}
	for _, p := range participants {
		if p.UserID == userID {
			continue
		}
		h.publish(topicUser(p.UserID), "call.incoming", event)
		if err := h.push.EnqueueIncomingCall(ctx, p.UserID, call.ID, req.ConversationID); err != nil {
			logger.Calls().Warn().Err(err).Int64("recipient_id", p.UserID).Msg("incoming call push failed")
		}
	}

	h.scheduleAutoMissed(call.ID)
	return nil
}

// scheduleAutoMissed fires 45s after a call enters `ringing`; if it's
// still ringing, it is transitioned to `missed` (spec.md §4.5, §9 Open
// Question 2 — the maintenance scheduler's sweep is the crash-recovery
// backstop for this timer).
func (h *Handler) scheduleAutoMissed(callID string) {
	timer := time.AfterFunc(models.AutoMissedTimeout, func() {
		h.autoMissed(callID)
	})
	h.mu.Lock()
	h.timers[callID] = timer
	h.mu.Unlock()
}

func (h *Handler) cancelAutoMissed(callID string) {
	h.mu.Lock()
	timer, ok := h.timers[callID]
	if ok {
		delete(h.timers, callID)
	}
	h.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (h *Handler) autoMissed(callID string) {
	h.cancelAutoMissed(callID)
	ctx := context.Background()
	ok, err := h.calls.TransitionStatus(ctx, callID, models.CallMissed, []string{models.CallRinging})
	if err != nil {
		logger.Calls().Error().Err(err).Str("call_id", callID).Msg("auto-missed transition failed")
		return
	}
	if !ok {
		return
	}
	h.publish(topicCall(callID), "call.missed", callStatusEvent{CallID: callID, Status: models.CallMissed})
}

// handleAccept transitions ringing -> ongoing, upserts the callee as a
// participant, and re-vends ICE config.
func (h *Handler) handleAccept(ctx context.Context, conn *session.Connection, payload json.RawMessage) error {
	var req models.AcceptCallRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	userID := conn.UserID()

	call, err := h.calls.GetCall(ctx, req.CallID)
	if err != nil {
		return err
	}
	if call == nil {
		conn.Send(errorFrame("not_found", "accept_call", "call not found"))
		return nil
	}

	ok, err := h.calls.TransitionStatus(ctx, req.CallID, models.CallOngoing, []string{models.CallRinging})
	if err != nil {
		return err
	}
	if !ok {
		conn.Send(errorFrame("conflict", "accept_call", "call is no longer ringing"))
		return nil
	}
	h.cancelAutoMissed(req.CallID)

	if err := h.calls.AddParticipant(ctx, req.CallID, userID); err != nil {
		return err
	}

	ice, err := h.calls.ListICEServers(ctx)
	if err != nil {
		return err
	}

	conn.Subscribe(topicCall(req.CallID))
	conn.AddActiveCall(req.CallID)

	conn.Send(struct {
		Type string `json:"type"`
		incomingCallEvent
	}{Type: "call.joined", incomingCallEvent: incomingCallEvent{
		CallID: req.CallID, ConversationID: call.ConversationID,
		InitiatorID: call.InitiatorID, Type: call.Type, ICEServers: ice,
	}})

	h.publish(topicCall(req.CallID), "call.accepted", callStatusEvent{
		CallID: req.CallID, ConversationID: call.ConversationID,
		Status: models.CallOngoing, UserID: userID,
	})
	return nil
}

// handleReject transitions ringing -> rejected/busy.
func (h *Handler) handleReject(ctx context.Context, conn *session.Connection, payload json.RawMessage) error {
	var req models.RejectCallRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}

	toStatus := models.CallRejected
	if req.Reason == models.CallBusy {
		toStatus = models.CallBusy
	}

	ok, err := h.calls.TransitionStatus(ctx, req.CallID, toStatus, []string{models.CallRinging})
	if err != nil {
		return err
	}
	if !ok {
		conn.Send(errorFrame("conflict", "reject_call", "call is no longer ringing"))
		return nil
	}
	h.cancelAutoMissed(req.CallID)

	h.publish(topicCall(req.CallID), "call.rejected", callStatusEvent{
		CallID: req.CallID, Status: toStatus, UserID: conn.UserID(),
	})
	return nil
}

// handleSignal opaquely forwards an SDP offer/answer or ICE candidate to
// its target. The server never inspects Payload (spec.md §4.5, §9 design
// note).
func (h *Handler) handleSignal(ctx context.Context, conn *session.Connection, action string, payload json.RawMessage) error {
	var req models.SignalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	h.publish(topicUser(req.TargetID), action, signalEvent{
		CallID: req.CallID, FromUser: conn.UserID(), Payload: req.Payload,
	})
	return nil
}

func (h *Handler) handleEndFrame(ctx context.Context, conn *session.Connection, payload json.RawMessage) error {
	var req models.EndCallRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	conn.RemoveActiveCall(req.CallID)
	conn.Unsubscribe(topicCall(req.CallID))
	return h.EndCall(ctx, conn.UserID(), req.CallID)
}

// EndCall transitions a call to `ended`, stamping every still-present
// participant's left_at and publishing the final duration. Also called
// by the Session Router on disconnect for any call the connection was
// still active in (spec.md §4.5).
func (h *Handler) EndCall(ctx context.Context, userID int64, callID string) error {
	h.cancelAutoMissed(callID)

	ok, err := h.calls.TransitionStatus(ctx, callID, models.CallEnded,
		[]string{models.CallRinging, models.CallOngoing})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := h.calls.RemoveParticipant(ctx, callID, userID); err != nil {
		logger.Calls().Warn().Err(err).Str("call_id", callID).Msg("failed to mark participant left")
	}
	participants, err := h.calls.ListParticipants(ctx, callID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p.LeftAt == nil {
			if err := h.calls.RemoveParticipant(ctx, callID, p.UserID); err != nil {
				logger.Calls().Warn().Err(err).Str("call_id", callID).Msg("failed to mark participant left")
			}
		}
	}

	call, err := h.calls.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	duration := 0
	if call != nil {
		duration = call.Duration()
	}

	h.publish(topicCall(callID), "call.ended", callStatusEvent{
		CallID: callID, Status: models.CallEnded, DurationSecs: duration,
	})
	return nil
}

// handleToggle persists a media flag on the caller's participant row and
// broadcasts it to the rest of the call.
func (h *Handler) handleToggle(ctx context.Context, conn *session.Connection, payload json.RawMessage, field string) error {
	var req models.ToggleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	if err := h.calls.SetToggle(ctx, req.CallID, conn.UserID(), field, req.On); err != nil {
		return err
	}
	h.publish(topicCall(req.CallID), "call.participant_update", participantUpdateEvent{
		CallID: req.CallID, UserID: conn.UserID(), Field: field, On: req.On,
	})
	return nil
}

type wireErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

func errorFrame(code, action, message string) wireErrorFrame {
	return wireErrorFrame{Type: "error", Error: code, Action: action, Message: message}
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
