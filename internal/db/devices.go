// Package db — device tokens, notification preferences, mute rules, and
// notification history data access (spec.md §3, §4.6 Push Dispatcher).
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/umbra-msg/umbra-core/internal/models"
)

// DeviceDB handles database operations for push devices, preferences, mute
// rules, and notification history.
type DeviceDB struct {
	db *sql.DB
}

func NewDeviceDB(db *sql.DB) *DeviceDB {
	return &DeviceDB{db: db}
}

// UpsertDeviceToken registers or reactivates a device for push delivery.
func (d *DeviceDB) UpsertDeviceToken(ctx context.Context, userID int64, req *models.RegisterDeviceRequest) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO device_tokens (user_id, device_id, token, platform, active, last_used_at)
		VALUES ($1, $2, $3, $4, true, now())
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			token = $3, platform = $4, active = true, last_used_at = now()
	`, userID, req.DeviceID, req.Token, req.Platform)
	return err
}

// DeactivateDeviceToken marks a device inactive (unregister, or the push
// dispatcher reaping an expired-token vendor error).
func (d *DeviceDB) DeactivateDeviceToken(ctx context.Context, userID int64, deviceID string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE device_tokens SET active = false WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID)
	return err
}

// DeactivateByToken deactivates by raw token value, used when a vendor
// reports a specific token as invalid without a device_id in hand.
func (d *DeviceDB) DeactivateByToken(ctx context.Context, token string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE device_tokens SET active = false WHERE token = $1`, token)
	return err
}

// ListActiveDevices returns every active device for a user (push fan-out).
func (d *DeviceDB) ListActiveDevices(ctx context.Context, userID int64) ([]models.DeviceToken, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id, device_id, token, platform, active, last_used_at, created_at
		FROM device_tokens WHERE user_id = $1 AND active
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeviceToken
	for rows.Next() {
		var dt models.DeviceToken
		if err := rows.Scan(&dt.UserID, &dt.DeviceID, &dt.Token, &dt.Platform, &dt.Active, &dt.LastUsedAt, &dt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, rows.Err()
}

// DeactivateStaleTokens marks every device inactive that hasn't seen a
// successful push since before the given cutoff (maintenance scheduler,
// spec.md §4.7: "no successful push in 60 days -> mark inactive").
func (d *DeviceDB) DeactivateStaleTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE device_tokens SET active = false WHERE active AND last_used_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetPreferences loads a user's notification preferences.
func (d *DeviceDB) GetPreferences(ctx context.Context, userID int64) (*models.NotificationPreference, error) {
	var p models.NotificationPreference
	err := d.db.QueryRowContext(ctx, `
		SELECT user_id, new_message, call, reaction, group_invite, security_alert,
			dnd_enabled, dnd_start, dnd_end, show_preview, sound, vibration
		FROM notification_preferences WHERE user_id = $1
	`, userID).Scan(
		&p.UserID, &p.NewMessage, &p.Call, &p.Reaction, &p.GroupInvite, &p.SecurityAlert,
		&p.DNDEnabled, &p.DNDStart, &p.DNDEnd, &p.ShowPreview, &p.Sound, &p.Vibration,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsurePreferences returns the user's preferences, creating the default
// row on first use (push dispatcher gate sequence, spec.md §4.6).
func (d *DeviceDB) EnsurePreferences(ctx context.Context, userID int64) (*models.NotificationPreference, error) {
	p, err := d.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}
	def := models.DefaultNotificationPreference(userID)
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, new_message, call, reaction, group_invite,
			security_alert, dnd_enabled, show_preview, sound, vibration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, def.NewMessage, def.Call, def.Reaction, def.GroupInvite, def.SecurityAlert,
		def.DNDEnabled, def.ShowPreview, def.Sound, def.Vibration)
	if err != nil {
		return nil, err
	}
	return d.GetPreferences(ctx, userID)
}

// UpdatePreferences applies a partial patch over existing preferences.
func (d *DeviceDB) UpdatePreferences(ctx context.Context, userID int64, req *models.UpdatePreferencesRequest) error {
	cur, err := d.EnsurePreferences(ctx, userID)
	if err != nil {
		return err
	}
	applyBool(&cur.NewMessage, req.NewMessage)
	applyBool(&cur.Call, req.Call)
	applyBool(&cur.Reaction, req.Reaction)
	applyBool(&cur.GroupInvite, req.GroupInvite)
	applyBool(&cur.SecurityAlert, req.SecurityAlert)
	applyBool(&cur.DNDEnabled, req.DNDEnabled)
	applyBool(&cur.ShowPreview, req.ShowPreview)
	applyBool(&cur.Sound, req.Sound)
	applyBool(&cur.Vibration, req.Vibration)
	if req.DNDStart != nil {
		cur.DNDStart = *req.DNDStart
	}
	if req.DNDEnd != nil {
		cur.DNDEnd = *req.DNDEnd
	}

	_, err = d.db.ExecContext(ctx, `
		UPDATE notification_preferences SET new_message = $2, call = $3, reaction = $4,
			group_invite = $5, security_alert = $6, dnd_enabled = $7, dnd_start = $8,
			dnd_end = $9, show_preview = $10, sound = $11, vibration = $12
		WHERE user_id = $1
	`, userID, cur.NewMessage, cur.Call, cur.Reaction, cur.GroupInvite, cur.SecurityAlert,
		cur.DNDEnabled, cur.DNDStart, cur.DNDEnd, cur.ShowPreview, cur.Sound, cur.Vibration)
	return err
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// UpsertMuteRule sets or replaces a mute rule for (user, target).
func (d *DeviceDB) UpsertMuteRule(ctx context.Context, userID int64, targetType, targetID string, mutedUntil *time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO mute_rules (user_id, target_type, target_id, muted_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, target_type, target_id) DO UPDATE SET muted_until = $4
	`, userID, targetType, targetID, mutedUntil)
	return err
}

// GetMuteRule looks up a specific mute rule, if any.
func (d *DeviceDB) GetMuteRule(ctx context.Context, userID int64, targetType, targetID string) (*models.MuteRule, error) {
	var m models.MuteRule
	err := d.db.QueryRowContext(ctx, `
		SELECT id, user_id, target_type, target_id, muted_until, created_at
		FROM mute_rules WHERE user_id = $1 AND target_type = $2 AND target_id = $3
	`, userID, targetType, targetID).Scan(&m.ID, &m.UserID, &m.TargetType, &m.TargetID, &m.MutedUntil, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteExpiredMuteRules removes mute rules whose window has passed
// (maintenance scheduler, SPEC_FULL.md §4.7).
func (d *DeviceDB) DeleteExpiredMuteRules(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM mute_rules WHERE muted_until IS NOT NULL AND muted_until < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertNotification persists a push delivery record, storing the vendor
// outcome for observability (spec.md §4.6).
func (d *DeviceDB) InsertNotification(ctx context.Context, n *models.Notification) (int64, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return 0, err
	}
	var id int64
	err = d.db.QueryRowContext(ctx, `
		INSERT INTO notifications (recipient_id, sender_id, type, title, body, data,
			source_type, source_id, vendor_sent, vendor_message_id, vendor_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, n.RecipientID, n.SenderID, n.Type, n.Title, n.Body, data, n.SourceType, n.SourceID,
		n.VendorSent, n.VendorMessageID, n.VendorError).Scan(&id)
	return id, err
}

// UpdateNotificationVendorResult stamps the vendor outcome of a delivery
// task onto its Notification row (push dispatcher, spec.md §4.6).
func (d *DeviceDB) UpdateNotificationVendorResult(ctx context.Context, id int64, sent bool, messageID, vendorErr *string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE notifications SET vendor_sent = $2, vendor_message_id = $3, vendor_error = $4
		WHERE id = $1
	`, id, sent, messageID, vendorErr)
	return err
}

// ListNotifications returns a cursor page of a user's notification history
// (spec.md §6).
func (d *DeviceDB) ListNotifications(ctx context.Context, userID int64, before *time.Time, limit int) ([]models.Notification, error) {
	var rows *sql.Rows
	var err error
	if before != nil {
		rows, err = d.db.QueryContext(ctx, `
			SELECT id, recipient_id, sender_id, type, title, body, data, source_type, source_id,
				read, vendor_sent, vendor_message_id, vendor_error, created_at
			FROM notifications WHERE recipient_id = $1 AND created_at < $2
			ORDER BY created_at DESC LIMIT $3
		`, userID, *before, limit)
	} else {
		rows, err = d.db.QueryContext(ctx, `
			SELECT id, recipient_id, sender_id, type, title, body, data, source_type, source_id,
				read, vendor_sent, vendor_message_id, vendor_error, created_at
			FROM notifications WHERE recipient_id = $1
			ORDER BY created_at DESC LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var raw []byte
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.SenderID, &n.Type, &n.Title, &n.Body, &raw,
			&n.SourceType, &n.SourceID, &n.Read, &n.VendorSent, &n.VendorMessageID, &n.VendorError, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &n.Data)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags a single notification as read.
func (d *DeviceDB) MarkNotificationRead(ctx context.Context, userID, notificationID int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE notifications SET read = true WHERE id = $1 AND recipient_id = $2
	`, notificationID, userID)
	return err
}

// CountUnreadNotifications backs the badge-count gate of the push
// dispatcher (spec.md §4.6).
func (d *DeviceDB) CountUnreadNotifications(ctx context.Context, userID int64) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT count(*) FROM notifications WHERE recipient_id = $1 AND NOT read
	`, userID).Scan(&n)
	return n, err
}
