// Package db — call signaling data access (spec.md §3, §4.5).
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/umbra-msg/umbra-core/internal/models"
)

// CallDB handles database operations for calls and their participants.
type CallDB struct {
	db *sql.DB
}

func NewCallDB(db *sql.DB) *CallDB {
	return &CallDB{db: db}
}

// CreateCall inserts a new call in the `ringing` state (initiate_call,
// spec.md §4.5).
func (c *CallDB) CreateCall(ctx context.Context, conversationID string, initiatorID int64, callType string) (*models.Call, error) {
	var call models.Call
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO calls (conversation_id, initiator_id, type, status)
		VALUES ($1, $2, $3, 'ringing')
		RETURNING id, conversation_id, initiator_id, type, status, started_at, ended_at, duration_seconds, created_at
	`, conversationID, initiatorID, callType).Scan(
		&call.ID, &call.ConversationID, &call.InitiatorID, &call.Type, &call.Status,
		&call.StartedAt, &call.EndedAt, &call.DurationSecs, &call.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO call_participants (call_id, user_id) VALUES ($1, $2)
	`, call.ID, initiatorID); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall loads a call by id.
func (c *CallDB) GetCall(ctx context.Context, id string) (*models.Call, error) {
	var call models.Call
	err := c.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, initiator_id, type, status, started_at, ended_at, duration_seconds, created_at
		FROM calls WHERE id = $1
	`, id).Scan(
		&call.ID, &call.ConversationID, &call.InitiatorID, &call.Type, &call.Status,
		&call.StartedAt, &call.EndedAt, &call.DurationSecs, &call.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// TransitionStatus moves a call from one of fromStatuses into toStatus,
// stamping started_at/ended_at/duration_seconds as needed. Returns false,
// nil if the call wasn't in an eligible state (state-machine guard,
// spec.md §4.5).
func (c *CallDB) TransitionStatus(ctx context.Context, callID string, toStatus string, fromStatuses []string) (bool, error) {
	var res sql.Result
	var err error
	now := time.Now()

	switch toStatus {
	case models.CallOngoing:
		res, err = c.db.ExecContext(ctx, `
			UPDATE calls SET status = $2, started_at = $3
			WHERE id = $1 AND status = ANY($4)
		`, callID, toStatus, now, pq.Array(fromStatuses))
	case models.CallEnded, models.CallRejected, models.CallBusy, models.CallMissed, models.CallFailed:
		res, err = c.db.ExecContext(ctx, `
			UPDATE calls SET status = $2, ended_at = $3,
				duration_seconds = CASE WHEN started_at IS NOT NULL
					THEN GREATEST(0, EXTRACT(EPOCH FROM ($3 - started_at))::int) ELSE 0 END
			WHERE id = $1 AND status = ANY($4)
		`, callID, toStatus, now, pq.Array(fromStatuses))
	default:
		res, err = c.db.ExecContext(ctx, `
			UPDATE calls SET status = $2 WHERE id = $1 AND status = ANY($3)
		`, callID, toStatus, pq.Array(fromStatuses))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRingingOlderThan returns calls still `ringing` past the auto-missed
// deadline, used by both the in-process timer and the maintenance
// scheduler's sweep as a crash-recovery backstop (spec.md §9 Open Question 2).
func (c *CallDB) ListRingingOlderThan(ctx context.Context, cutoff time.Time) ([]models.Call, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, conversation_id, initiator_id, type, status, started_at, ended_at, duration_seconds, created_at
		FROM calls WHERE status = 'ringing' AND created_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Call
	for rows.Next() {
		var call models.Call
		if err := rows.Scan(&call.ID, &call.ConversationID, &call.InitiatorID, &call.Type, &call.Status,
			&call.StartedAt, &call.EndedAt, &call.DurationSecs, &call.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, rows.Err()
}

// AddParticipant adds a user joining an ongoing call.
func (c *CallDB) AddParticipant(ctx context.Context, callID string, userID int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO call_participants (call_id, user_id) VALUES ($1, $2)
		ON CONFLICT (call_id, user_id) DO UPDATE SET left_at = NULL
	`, callID, userID)
	return err
}

// RemoveParticipant marks a participant as having left.
func (c *CallDB) RemoveParticipant(ctx context.Context, callID string, userID int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE call_participants SET left_at = now() WHERE call_id = $1 AND user_id = $2
	`, callID, userID)
	return err
}

// SetToggle updates a participant's muted/video_on/speaker_on flag
// (toggle_mute / toggle_video / toggle_speaker, spec.md §4.5).
func (c *CallDB) SetToggle(ctx context.Context, callID string, userID int64, field string, on bool) error {
	var column string
	switch field {
	case "mute":
		column = "muted"
	case "video":
		column = "video_on"
	case "speaker":
		column = "speaker_on"
	default:
		return nil
	}
	_, err := c.db.ExecContext(ctx, `UPDATE call_participants SET `+column+` = $3 WHERE call_id = $1 AND user_id = $2`, callID, userID, on)
	return err
}

// ListParticipants returns everyone currently or previously on a call.
func (c *CallDB) ListParticipants(ctx context.Context, callID string) ([]models.CallParticipant, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT call_id, user_id, joined_at, left_at, muted, video_on, speaker_on
		FROM call_participants WHERE call_id = $1
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CallParticipant
	for rows.Next() {
		var p models.CallParticipant
		if err := rows.Scan(&p.CallID, &p.UserID, &p.JoinedAt, &p.LeftAt, &p.Muted, &p.VideoOn, &p.SpeakerOn); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListICEServers returns the configured ICE servers, or the default STUN
// pair if none are configured (spec.md §4.5).
func (c *CallDB) ListICEServers(ctx context.Context) ([]models.ICEServer, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, urls, username, credential FROM ice_servers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ICEServer
	for rows.Next() {
		var s models.ICEServer
		if err := rows.Scan(&s.ID, &s.URLs, &s.Username, &s.Credential); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return models.DefaultICEServers(), nil
	}
	return out, nil
}
