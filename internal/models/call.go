package models

import "time"

// Call types.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Call states (spec.md §4.5).
const (
	CallRinging  = "ringing"
	CallOngoing  = "ongoing"
	CallEnded    = "ended"
	CallRejected = "rejected"
	CallBusy     = "busy"
	CallMissed   = "missed"
	CallFailed   = "failed"
)

// AutoMissedTimeout is the server-owned 45s unanswered-call timer
// (spec.md §4.5, §9 Open Question 2).
const AutoMissedTimeout = 45 * time.Second

// Call is the call-signaling aggregate root (spec.md §3).
type Call struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	InitiatorID    int64      `json:"initiator_id" db:"initiator_id"`
	Type           string     `json:"type" db:"type"`
	Status         string     `json:"status" db:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSecs   int        `json:"duration_seconds" db:"duration_seconds"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Duration computes ended_at - started_at in seconds, or 0 if the call
// never reached `ongoing` (spec.md §8 invariant 4).
func (c *Call) Duration() int {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0
	}
	d := c.EndedAt.Sub(*c.StartedAt)
	if d < 0 {
		return 0
	}
	return int(d.Seconds())
}

// CallParticipant tracks per-user call membership and media toggles
// (spec.md §3).
type CallParticipant struct {
	CallID      string     `json:"call_id" db:"call_id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	JoinedAt    time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty" db:"left_at"`
	Muted       bool       `json:"muted" db:"muted"`
	VideoOn     bool       `json:"video_on" db:"video_on"`
	SpeakerOn   bool       `json:"speaker_on" db:"speaker_on"`
}

// ICEServer backs the vended ICE configuration (spec.md §3, §4.5).
type ICEServer struct {
	ID         int64   `json:"-" db:"id"`
	URLs       string  `json:"urls" db:"urls"`
	Username   *string `json:"username,omitempty" db:"username"`
	Credential *string `json:"credential,omitempty" db:"credential"`
}

// DefaultICEServers is returned when the ICEServer table is empty
// (spec.md §4.5): two default Google STUN URLs.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: "stun:stun.l.google.com:19302"},
		{URLs: "stun:stun1.l.google.com:19302"},
	}
}

// InitiateCallRequest is the inbound payload for initiate_call.
type InitiateCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Type           string `json:"type" binding:"required,oneof=audio video"`
}

// AcceptCallRequest is the inbound payload for accept_call.
type AcceptCallRequest struct {
	CallID string `json:"call_id" binding:"required"`
}

// RejectCallRequest is the inbound payload for reject_call.
type RejectCallRequest struct {
	CallID string `json:"call_id" binding:"required"`
	Reason string `json:"reason,omitempty"` // "rejected" | "busy"
}

// EndCallRequest is the inbound payload for end_call.
type EndCallRequest struct {
	CallID string `json:"call_id" binding:"required"`
}

// SignalRequest carries opaque SDP offer/answer/ICE candidate forwarding
// (spec.md §4.5) — the server never inspects Payload.
type SignalRequest struct {
	CallID   string                 `json:"call_id" binding:"required"`
	TargetID int64                  `json:"target_user_id" binding:"required"`
	Payload  map[string]interface{} `json:"payload" binding:"required"`
}

// ToggleRequest backs toggle_mute / toggle_video / toggle_speaker.
type ToggleRequest struct {
	CallID string `json:"call_id" binding:"required"`
	On     bool   `json:"on"`
}
