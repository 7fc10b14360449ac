// Package db provides PostgreSQL database access and management for the
// messaging backend.
//
// This file implements user account data access: registration, password
// verification, email-case-folded lookup, and presence updates.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/umbra-msg/umbra-core/internal/models"
)

// UserDB handles database operations for users
type UserDB struct {
	db *sql.DB
}

// NewUserDB creates a new UserDB instance
func NewUserDB(db *sql.DB) *UserDB {
	return &UserDB{db: db}
}

// DB returns the underlying database connection
func (u *UserDB) DB() *sql.DB {
	return u.db
}

// CreateUser registers a new user, bcrypt-hashing the password and
// case-folding the email for the unique index.
func (u *UserDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}

	var user models.User
	err = u.db.QueryRowContext(ctx, `
		INSERT INTO users (email, username, password_hash, display_name)
		VALUES (lower($1), $2, $3, $4)
		RETURNING id, email, username, password_hash, display_name, avatar_url,
			is_verified, lock_pin_hash, approval_status, online, last_seen,
			created_at, updated_at, deleted_at
	`, req.Email, req.Username, string(hash), displayName).Scan(
		&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.DisplayName,
		&user.AvatarURL, &user.IsVerified, &user.LockPINHash, &user.ApprovalStatus,
		&user.Online, &user.LastSeen, &user.CreatedAt, &user.UpdatedAt, &user.DeletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.DisplayName,
		&user.AvatarURL, &user.IsVerified, &user.LockPINHash, &user.ApprovalStatus,
		&user.Online, &user.LastSeen, &user.CreatedAt, &user.UpdatedAt, &user.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

const userColumns = `id, email, username, password_hash, display_name, avatar_url,
	is_verified, lock_pin_hash, approval_status, online, last_seen,
	created_at, updated_at, deleted_at`

// GetUserByEmail looks up an active user by case-folded email.
func (u *UserDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := u.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE lower(email) = lower($1) AND deleted_at IS NULL
	`, email)
	return scanUser(row)
}

// GetUserByID looks up an active user by id.
func (u *UserDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	row := u.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return scanUser(row)
}

// GetUserByUsername looks up an active user by username.
func (u *UserDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := u.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE username = $1 AND deleted_at IS NULL
	`, username)
	return scanUser(row)
}

// VerifyPassword authenticates by email and plaintext password. Returns
// nil, nil (not an error) on mismatch so callers can return a uniform
// "invalid credentials" response without disclosing which factor failed.
func (u *UserDB) VerifyPassword(ctx context.Context, email, password string) (*models.User, error) {
	user, err := u.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil
	}
	return user, nil
}

// MarkVerified flips the is_verified flag once an email code is confirmed.
func (u *UserDB) MarkVerified(ctx context.Context, userID int64) error {
	_, err := u.db.ExecContext(ctx, `UPDATE users SET is_verified = true, updated_at = now() WHERE id = $1`, userID)
	return err
}

// SetPresence updates a user's online flag and last_seen timestamp
// (Session Router connect/disconnect sequence, spec.md §4.2).
func (u *UserDB) SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	_, err := u.db.ExecContext(ctx, `
		UPDATE users SET online = $2, last_seen = $3, updated_at = now() WHERE id = $1
	`, userID, online, lastSeen)
	return err
}

// EmailExists reports whether a case-folded email is already registered,
// used only internally — login/registration responses never disclose this
// directly (spec.md §7).
func (u *UserDB) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := u.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1))
	`, email).Scan(&exists)
	return exists, err
}

// UsernameExists reports whether a username is already taken.
func (u *UserDB) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := u.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)
	`, username).Scan(&exists)
	return exists, err
}
