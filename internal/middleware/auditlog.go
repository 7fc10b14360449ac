// Package middleware - auditlog.go
//
// Audit logging for the session/message API surface. Every request is
// recorded asynchronously to the audit_log table so that key-compromise
// investigations and abuse reports have a trail of who called what, when,
// and from where, without the log itself becoming a second channel for
// the key material and ciphertext the rest of the system goes to such
// lengths to protect.
//
// # Why this domain needs its own redaction list
//
// A generic "password/token/secret" redaction list is a liability here:
// request bodies for the key-bundle and prekey endpoints are X3DH/Double
// Ratchet material (identity keys, signed prekeys, one-time prekeys,
// ratchet and chain keys), and request bodies for message endpoints carry
// E2EE ciphertext. None of that should ever reach the audit_log table in
// cleartext even though none of it is a "password". See sensitiveFields
// in NewAuditLogger for the actual field names redacted.
//
// # Database Schema
//
//	CREATE TABLE audit_log (
//	    id SERIAL PRIMARY KEY,
//	    user_id BIGINT,
//	    action VARCHAR(100),        -- HTTP method
//	    resource_type VARCHAR(100), -- request path
//	    resource_id VARCHAR(255),
//	    changes JSONB,              -- method, path, status, duration, bodies, error, metadata
//	    timestamp TIMESTAMPTZ,
//	    ip_address VARCHAR(45)
//	);
//
// Logging runs in a goroutine so a slow or unreachable audit database never
// adds latency to a conversation or key-bundle request.
package middleware

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// AuditEvent is one logged request, serialized into audit_log.changes.
type AuditEvent struct {
	Timestamp    time.Time              `json:"timestamp"`
	UserID       string                 `json:"user_id,omitempty"`
	UserEmail    string                 `json:"user_email,omitempty"`
	Action       string                 `json:"action"`
	Resource     string                 `json:"resource"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Method       string                 `json:"method"`
	Path         string                 `json:"path"`
	StatusCode   int                    `json:"status_code"`
	IPAddress    string                 `json:"ip_address"`
	UserAgent    string                 `json:"user_agent"`
	Duration     int64                  `json:"duration_ms"`
	RequestBody  map[string]interface{} `json:"request_body,omitempty"`
	ResponseBody map[string]interface{} `json:"response_body,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger records requests to the audit_log table, redacting key
// material and ciphertext out of any captured request body first.
type AuditLogger struct {
	database        *sql.DB
	logRequestBody  bool
	logResponseBody bool
	sensitiveFields []string
}

// NewAuditLogger creates an audit logger. A nil database disables logging
// (Middleware becomes a no-op other than the timing wrapper), which is how
// tests and local development run without an audit_log table.
//
// sensitiveFields covers both generic auth secrets and the X3DH/Double
// Ratchet fields that appear in key-bundle upload and message bodies
// (see internal/models/keys.go and internal/models/message.go): identity
// and signed-prekey private material is never sent to the server, but the
// *public* bundle fields, one-time prekeys, and encrypted message content
// are still not audit-log material.
func NewAuditLogger(database *sql.DB, logBodies bool) *AuditLogger {
	return &AuditLogger{
		database:       database,
		logRequestBody: logBodies,
		sensitiveFields: []string{
			"password", "token", "secret", "api_key",
			"identity_key_public", "identity_dh_key_public",
			"signed_prekey_public", "signed_prekey_signature",
			"one_time_prekeys", "one_time_prekey", "public_key",
			"content_encrypted", "encrypted_file_key", "plaintext_shadow",
			"safety_number", "safety_number_raw", "qr_data",
		},
	}
}

// redactSensitiveData replaces matched field values with "[REDACTED]",
// recursing into nested objects. Matching is exact (case-sensitive) and
// does not descend into arrays — a key bundle's one_time_prekeys array is
// redacted wholesale by key name rather than per-element, which is
// intentional: the array should never appear in a logged body at all.
func (a *AuditLogger) redactSensitiveData(data map[string]interface{}) map[string]interface{} {
	redacted := make(map[string]interface{})
	for key, value := range data {
		isSensitive := false
		for _, field := range a.sensitiveFields {
			if key == field {
				isSensitive = true
				break
			}
		}

		if isSensitive {
			redacted[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			redacted[key] = a.redactSensitiveData(nested)
		} else {
			redacted[key] = value
		}
	}
	return redacted
}

// logEvent persists one audit event. Called from a goroutine in
// Middleware; errors are swallowed since there is no safe place to
// surface an audit-log write failure without risking a logging loop.
func (a *AuditLogger) logEvent(event *AuditEvent) error {
	if a.database == nil {
		return nil
	}

	details, _ := json.Marshal(map[string]interface{}{
		"method":        event.Method,
		"path":          event.Path,
		"status_code":   event.StatusCode,
		"duration_ms":   event.Duration,
		"request_body":  event.RequestBody,
		"response_body": event.ResponseBody,
		"error":         event.Error,
		"metadata":      event.Metadata,
		"user_email":    event.UserEmail,
	})

	query := `
		INSERT INTO audit_log (user_id, action, resource_type, resource_id, changes, timestamp, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := a.database.Exec(
		query,
		event.UserID,
		event.Action,
		event.Resource,
		event.ResourceID,
		details,
		event.Timestamp,
		event.IPAddress,
	)

	return err
}

// Middleware returns the Gin handler that times and logs every request.
// Must sit after auth.Middleware so userID/userEmail are in context by the
// time c.Next() returns.
func (a *AuditLogger) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var requestBody map[string]interface{}
		if a.logRequestBody && c.Request.Body != nil {
			bodyBytes, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

			if len(bodyBytes) > 0 && len(bodyBytes) < 10240 {
				json.Unmarshal(bodyBytes, &requestBody)
				requestBody = a.redactSensitiveData(requestBody)
			}
		}

		writer := &responseWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = writer

		c.Next()

		duration := time.Since(startTime)

		// auth.Middleware sets userID (int64) and userEmail (string), not
		// the generic "username" key a token-agnostic middleware might
		// expect.
		userID, _ := c.Get("userID")
		userEmail, _ := c.Get("userEmail")

		event := &AuditEvent{
			Timestamp:   startTime,
			UserID:      getUserIDString(userID),
			UserEmail:   getUserEmailString(userEmail),
			Action:      c.Request.Method,
			Resource:    c.Request.URL.Path,
			Method:      c.Request.Method,
			Path:        c.Request.URL.Path,
			StatusCode:  c.Writer.Status(),
			IPAddress:   c.ClientIP(),
			UserAgent:   c.Request.UserAgent(),
			Duration:    duration.Milliseconds(),
			RequestBody: requestBody,
		}

		if len(c.Errors) > 0 {
			event.Error = c.Errors.String()
		}

		go a.logEvent(event)
	}
}

// responseWriter wraps gin.ResponseWriter to capture response body
type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// getUserIDString formats the int64 userID auth.Middleware stores in
// context; unauthenticated requests (no value, or an unexpected type)
// log an empty user_id rather than panicking.
func getUserIDString(userID interface{}) string {
	if userID == nil {
		return ""
	}
	if id, ok := userID.(int64); ok {
		return strconv.FormatInt(id, 10)
	}
	return ""
}

func getUserEmailString(userEmail interface{}) string {
	if userEmail == nil {
		return ""
	}
	if email, ok := userEmail.(string); ok {
		return email
	}
	return ""
}
