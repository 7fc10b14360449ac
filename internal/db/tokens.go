// Package db — refresh tokens and email verification codes data access
// (SPEC_FULL.md §3, §6 auth flows).
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/umbra-msg/umbra-core/internal/models"
)

// TokenDB handles database operations for refresh tokens and email
// verification codes.
type TokenDB struct {
	db *sql.DB
}

func NewTokenDB(db *sql.DB) *TokenDB {
	return &TokenDB{db: db}
}

// CreateVerificationCode stores a hashed email verification code.
func (t *TokenDB) CreateVerificationCode(ctx context.Context, userID int64, codeHash string, expiresAt time.Time) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO email_verification_codes (user_id, code_hash, expires_at) VALUES ($1, $2, $3)
	`, userID, codeHash, expiresAt)
	return err
}

// LatestVerificationCode returns the most recent unconsumed, unexpired code
// for a user, or nil if none.
func (t *TokenDB) LatestVerificationCode(ctx context.Context, userID int64) (*models.EmailVerificationCode, error) {
	var c models.EmailVerificationCode
	err := t.db.QueryRowContext(ctx, `
		SELECT id, user_id, code_hash, expires_at, consumed, created_at
		FROM email_verification_codes
		WHERE user_id = $1 AND NOT consumed AND expires_at > now()
		ORDER BY created_at DESC LIMIT 1
	`, userID).Scan(&c.ID, &c.UserID, &c.CodeHash, &c.ExpiresAt, &c.Consumed, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConsumeVerificationCode marks a code as used.
func (t *TokenDB) ConsumeVerificationCode(ctx context.Context, id int64) error {
	_, err := t.db.ExecContext(ctx, `UPDATE email_verification_codes SET consumed = true WHERE id = $1`, id)
	return err
}

// CreateRefreshToken stores a hashed refresh token.
func (t *TokenDB) CreateRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES ($1, $2, $3)
	`, userID, tokenHash, expiresAt)
	return err
}

// GetRefreshToken looks up an active, unexpired refresh token by its hash.
func (t *TokenDB) GetRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	err := t.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked, created_at
		FROM refresh_tokens WHERE token_hash = $1 AND NOT revoked AND expires_at > now()
	`, tokenHash).Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.Revoked, &rt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

// RevokeRefreshToken blacklists a token on logout (spec.md §6).
func (t *TokenDB) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := t.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE token_hash = $1`, tokenHash)
	return err
}

// RevokeAllForUser blacklists every refresh token for a user (password
// change, account compromise response).
func (t *TokenDB) RevokeAllForUser(ctx context.Context, userID int64) error {
	_, err := t.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE user_id = $1`, userID)
	return err
}

// DeleteExpiredTokens purges long-expired refresh tokens and verification
// codes (maintenance scheduler, SPEC_FULL.md §4.7).
func (t *TokenDB) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n1, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	res, err = t.db.ExecContext(ctx, `DELETE FROM email_verification_codes WHERE expires_at < $1`, before)
	if err != nil {
		return n1, err
	}
	n2, err := res.RowsAffected()
	return n1 + n2, err
}
