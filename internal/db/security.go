// Package db — security alert data access (spec.md §4.4, §8).
package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/umbra-msg/umbra-core/internal/models"
)

// SecurityDB handles database operations for security alerts.
type SecurityDB struct {
	db *sql.DB
}

func NewSecurityDB(db *sql.DB) *SecurityDB {
	return &SecurityDB{db: db}
}

// Emit records a security alert (identity change, excessive key fetch,
// prekey exhaustion — spec.md §4.4).
func (s *SecurityDB) Emit(ctx context.Context, userID int64, alertType, severity string, metadata map[string]interface{}) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_alerts (user_id, type, severity, metadata) VALUES ($1, $2, $3, $4)
	`, userID, alertType, severity, raw)
	return err
}

// ListForUser returns a user's security alerts newest first.
func (s *SecurityDB) ListForUser(ctx context.Context, userID int64, limit int) ([]models.SecurityAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, severity, metadata, created_at
		FROM security_alerts WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SecurityAlert
	for rows.Next() {
		var a models.SecurityAlert
		var raw []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.Severity, &raw, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &a.Metadata)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
