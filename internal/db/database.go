// Package db provides PostgreSQL database access and management for the
// messaging backend.
//
// This file implements the core database connection and lifecycle
// management, plus the schema migration for the full data model of
// SPEC_FULL.md §3: users, conversations, messages, E2EE key material,
// device/notification state, and call signaling.
//
// Implementation Details:
// - Uses database/sql with lib/pq PostgreSQL driver, no ORM.
// - Connection pool tuned for a realtime-heavy workload (25 max open,
//   5 max idle, 5 min max lifetime, 1 min max idle time).
// - Schema initialization runs CREATE TABLE IF NOT EXISTS on startup.
// - Validates hostname, port, username, database name, SSL mode to keep
//   operator-supplied connection parameters out of the connection string
//   unsanitized.
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database represents the database connection
type Database struct {
	db *sql.DB
}

// validateConfig validates database configuration to prevent SQL injection
// via connection-string parameters.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s (only alphanumeric, underscore, and hyphen allowed)", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s (only alphanumeric, underscore, and hyphen allowed)", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	if config.SSLMode == "" || config.SSLMode == "disable" {
		fmt.Println("WARNING: Database SSL/TLS is DISABLED - This is INSECURE for production!")
		fmt.Println("         Set DB_SSL_MODE to 'require', 'verify-ca', or 'verify-full'")
	}

	return nil
}

// NewDatabase creates a new database connection with connection pooling
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting creates a Database from an existing sql.DB
// connection. Intended ONLY for tests that inject a sqlmock connection.
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying sql.DB
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate runs database migrations for the full messaging schema
// (SPEC_FULL.md §3).
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			username VARCHAR(64) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			avatar_url TEXT,
			is_verified BOOLEAN NOT NULL DEFAULT false,
			lock_pin_hash VARCHAR(255),
			approval_status VARCHAR(32),
			online BOOLEAN NOT NULL DEFAULT false,
			last_seen TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_lower ON users (lower(email))`,
		`CREATE INDEX IF NOT EXISTS idx_users_online ON users(online)`,

		`CREATE TABLE IF NOT EXISTS email_verification_codes (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			code_hash VARCHAR(255) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_verif_user ON email_verification_codes(user_id)`,

		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash VARCHAR(255) UNIQUE NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_hash ON refresh_tokens(token_hash)`,

		`CREATE TABLE IF NOT EXISTS security_alerts (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			type VARCHAR(64) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_alerts_user ON security_alerts(user_id)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			type VARCHAR(16) NOT NULL,
			title VARCHAR(255),
			last_message_id UUID,
			only_admins_can_send BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role VARCHAR(16) NOT NULL DEFAULT 'member',
			unread_count INT NOT NULL DEFAULT 0,
			muted_until TIMESTAMPTZ,
			cleared_at TIMESTAMPTZ,
			is_hidden BOOLEAN NOT NULL DEFAULT false,
			is_locked BOOLEAN NOT NULL DEFAULT false,
			is_favorite BOOLEAN NOT NULL DEFAULT false,
			is_blocked BOOLEAN NOT NULL DEFAULT false,
			last_read_at TIMESTAMPTZ,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			uploaded_by BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			message_id UUID,
			storage_key TEXT NOT NULL,
			thumbnail_key TEXT,
			encrypted_file_key TEXT,
			encrypted_metadata TEXT,
			file_hash VARCHAR(64) NOT NULL,
			encrypted_file_size BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_uploader ON attachments(uploaded_by)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			message_type VARCHAR(16) NOT NULL,
			content_encrypted TEXT NOT NULL DEFAULT '',
			is_deleted BOOLEAN NOT NULL DEFAULT false,
			is_edited BOOLEAN NOT NULL DEFAULT false,
			reply_to_id UUID,
			forwarded_from UUID,
			attachment_id UUID,
			encrypted_file_key TEXT,
			plaintext_shadow TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			edited_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,

		`CREATE TABLE IF NOT EXISTS message_recipients (
			message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content_encrypted TEXT NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS message_statuses (
			message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status VARCHAR(16) NOT NULL DEFAULT 'sent',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (message_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_statuses_user ON message_statuses(user_id, status)`,

		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			emoji VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (message_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS key_bundles (
			user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			crypto_version SMALLINT NOT NULL,
			identity_key_public TEXT NOT NULL,
			identity_dh_key_public TEXT NOT NULL,
			signed_prekey_public TEXT NOT NULL,
			signed_prekey_signature TEXT NOT NULL,
			signed_prekey_id BIGINT NOT NULL,
			signed_prekey_created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			key_id BIGINT NOT NULL,
			public_key TEXT NOT NULL,
			is_used BOOLEAN NOT NULL DEFAULT false,
			used_by BIGINT REFERENCES users(id),
			used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_one_time_prekeys_unused ON one_time_prekeys(user_id) WHERE NOT is_used`,

		`CREATE TABLE IF NOT EXISTS ratchet_sessions (
			owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			peer_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			blob BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, peer_id)
		)`,

		`CREATE TABLE IF NOT EXISTS device_tokens (
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			device_id VARCHAR(255) NOT NULL,
			token TEXT NOT NULL,
			platform VARCHAR(16) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, device_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_tokens_active ON device_tokens(user_id) WHERE active`,

		`CREATE TABLE IF NOT EXISTS notification_preferences (
			user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			new_message BOOLEAN NOT NULL DEFAULT true,
			call BOOLEAN NOT NULL DEFAULT true,
			reaction BOOLEAN NOT NULL DEFAULT true,
			group_invite BOOLEAN NOT NULL DEFAULT true,
			security_alert BOOLEAN NOT NULL DEFAULT true,
			dnd_enabled BOOLEAN NOT NULL DEFAULT false,
			dnd_start VARCHAR(5) NOT NULL DEFAULT '22:00',
			dnd_end VARCHAR(5) NOT NULL DEFAULT '07:00',
			show_preview BOOLEAN NOT NULL DEFAULT true,
			sound BOOLEAN NOT NULL DEFAULT true,
			vibration BOOLEAN NOT NULL DEFAULT true
		)`,

		`CREATE TABLE IF NOT EXISTS mute_rules (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			target_type VARCHAR(16) NOT NULL,
			target_id VARCHAR(64) NOT NULL,
			muted_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(user_id, target_type, target_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mute_rules_user ON mute_rules(user_id)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id BIGSERIAL PRIMARY KEY,
			recipient_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			sender_id BIGINT REFERENCES users(id),
			type VARCHAR(32) NOT NULL,
			title VARCHAR(255) NOT NULL,
			body TEXT NOT NULL,
			data JSONB NOT NULL DEFAULT '{}',
			source_type VARCHAR(32) NOT NULL,
			source_id VARCHAR(64) NOT NULL,
			read BOOLEAN NOT NULL DEFAULT false,
			vendor_sent BOOLEAN NOT NULL DEFAULT false,
			vendor_message_id VARCHAR(255),
			vendor_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(recipient_id) WHERE NOT read`,

		`CREATE TABLE IF NOT EXISTS calls (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			initiator_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			type VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'ringing',
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			duration_seconds INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`,

		`CREATE TABLE IF NOT EXISTS call_participants (
			call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			left_at TIMESTAMPTZ,
			muted BOOLEAN NOT NULL DEFAULT false,
			video_on BOOLEAN NOT NULL DEFAULT false,
			speaker_on BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (call_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ice_servers (
			id BIGSERIAL PRIMARY KEY,
			urls TEXT NOT NULL,
			username VARCHAR(255),
			credential VARCHAR(255)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(255),
			action VARCHAR(100),
			resource_type VARCHAR(255),
			resource_id VARCHAR(255),
			changes JSONB,
			timestamp TIMESTAMPTZ NOT NULL,
			ip_address VARCHAR(45)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_user_id ON audit_log (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log (timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w (query: %.80s...)", err, migration)
		}
	}

	return nil
}
