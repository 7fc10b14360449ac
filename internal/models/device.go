package models

import "time"

// Platforms for DeviceToken.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// DeviceToken: (user, device_id) unique (spec.md §3).
type DeviceToken struct {
	UserID     int64     `json:"user_id" db:"user_id"`
	DeviceID   string    `json:"device_id" db:"device_id"`
	Token      string    `json:"-" db:"token"`
	Platform   string    `json:"platform" db:"platform"`
	Active     bool      `json:"active" db:"active"`
	LastUsedAt time.Time `json:"last_used_at" db:"last_used_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RegisterDeviceRequest is the body of POST /notifications/devices/register/.
type RegisterDeviceRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform" binding:"required,oneof=android ios"`
}

// NotificationPreference: per-user toggles by type, DND window, show
// preview, sound/vibration (spec.md §3).
type NotificationPreference struct {
	UserID         int64  `json:"user_id" db:"user_id"`
	NewMessage     bool   `json:"new_message" db:"new_message"`
	Call           bool   `json:"call" db:"call"`
	Reaction       bool   `json:"reaction" db:"reaction"`
	GroupInvite    bool   `json:"group_invite" db:"group_invite"`
	SecurityAlert  bool   `json:"security_alert" db:"security_alert"`
	DNDEnabled     bool   `json:"dnd_enabled" db:"dnd_enabled"`
	DNDStart       string `json:"dnd_start" db:"dnd_start"` // "HH:MM" local
	DNDEnd         string `json:"dnd_end" db:"dnd_end"`
	ShowPreview    bool   `json:"show_preview" db:"show_preview"`
	Sound          bool   `json:"sound" db:"sound"`
	Vibration      bool   `json:"vibration" db:"vibration"`
}

// DefaultNotificationPreference is auto-created the first time the
// dispatcher sees a user without a preference row (spec.md §4.6).
func DefaultNotificationPreference(userID int64) NotificationPreference {
	return NotificationPreference{
		UserID:        userID,
		NewMessage:    true,
		Call:          true,
		Reaction:      true,
		GroupInvite:   true,
		SecurityAlert: true,
		DNDEnabled:    false,
		ShowPreview:   true,
		Sound:         true,
		Vibration:     true,
	}
}

// UpdatePreferencesRequest is the body of PATCH /notifications/preferences/.
type UpdatePreferencesRequest struct {
	NewMessage    *bool   `json:"new_message,omitempty"`
	Call          *bool   `json:"call,omitempty"`
	Reaction      *bool   `json:"reaction,omitempty"`
	GroupInvite   *bool   `json:"group_invite,omitempty"`
	SecurityAlert *bool   `json:"security_alert,omitempty"`
	DNDEnabled    *bool   `json:"dnd_enabled,omitempty"`
	DNDStart      *string `json:"dnd_start,omitempty"`
	DNDEnd        *string `json:"dnd_end,omitempty"`
	ShowPreview   *bool   `json:"show_preview,omitempty"`
	Sound         *bool   `json:"sound,omitempty"`
	Vibration     *bool   `json:"vibration,omitempty"`
}

// MuteRule: (user, target_type, target_id) unique; muted_until null means
// forever; active iff muted_until null or in future (spec.md §3).
type MuteRule struct {
	ID         int64      `json:"id" db:"id"`
	UserID     int64      `json:"user_id" db:"user_id"`
	TargetType string     `json:"target_type" db:"target_type"` // "conversation" | "user"
	TargetID   string     `json:"target_id" db:"target_id"`
	MutedUntil *time.Time `json:"muted_until,omitempty" db:"muted_until"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// IsActive reports whether the mute rule currently suppresses delivery.
func (m *MuteRule) IsActive(now time.Time) bool {
	return m.MutedUntil == nil || m.MutedUntil.After(now)
}

// Notification is a persisted push-delivery record (spec.md §3, §4.6).
type Notification struct {
	ID             int64                  `json:"id" db:"id"`
	RecipientID    int64                  `json:"recipient_id" db:"recipient_id"`
	SenderID       *int64                 `json:"sender_id,omitempty" db:"sender_id"`
	Type           string                 `json:"type" db:"type"`
	Title          string                 `json:"title" db:"title"`
	Body           string                 `json:"body" db:"body"`
	Data           map[string]interface{} `json:"data" db:"-"`
	DataRaw        []byte                 `json:"-" db:"data"`
	SourceType     string                 `json:"source_type" db:"source_type"`
	SourceID       string                 `json:"source_id" db:"source_id"`
	Read           bool                   `json:"read" db:"read"`
	VendorSent     bool                   `json:"vendor_sent" db:"vendor_sent"`
	VendorMessageID *string               `json:"vendor_message_id,omitempty" db:"vendor_message_id"`
	VendorError    *string                `json:"vendor_error,omitempty" db:"vendor_error"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// Notification types, gated independently in NotificationPreference.
const (
	NotifyTypeNewMessage    = "new_message"
	NotifyTypeCall          = "call"
	NotifyTypeReaction      = "reaction"
	NotifyTypeGroupInvite   = "group_invite"
	NotifyTypeSecurityAlert = "security_alert"
)
