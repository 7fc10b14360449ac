// Package auth provides authentication and authorization mechanisms.
// This file implements token generation and hashing for the two credential
// types the session flow actually issues: refresh tokens and email login
// codes.
//
// Both are short-lived, high-frequency-lookup secrets, not long-lived
// API keys, so both use SHA256 rather than bcrypt: a refresh token is
// checked on every token-refresh call and an email code is checked on
// every verify attempt during login, and bcrypt's deliberate slowness
// would turn that lookup into a throughput problem without buying
// anything — the tokens are generated with crypto/rand, not derived from
// anything guessable, so there's no brute-force surface for bcrypt's cost
// factor to defend.
//
// # Refresh tokens
//
//   - 32 bytes (256 bits) of crypto/rand entropy, base64 URL encoded
//   - Stored as a SHA256 hash in the device/session table
//   - Presented on POST /auth/refresh, rotated on every use
//
// # Email login codes
//
//   - Short numeric/alphanumeric code generated and sent out of band
//   - Stored as a SHA256 hash alongside an expiry
//   - Verified with VerifyTokenSHA256 during POST /auth/verify
//
// Plain tokens are never stored: only the hash is persisted, and the
// plain value is handed to the caller once (as the refresh token cookie,
// or as the emailed code) and then discarded.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// TokenHasher generates and hashes refresh tokens and email login codes.
type TokenHasher struct{}

// NewTokenHasher creates a new token hasher.
func NewTokenHasher() *TokenHasher {
	return &TokenHasher{}
}

// HashTokenSHA256 hashes a token for storage and fast lookup. Session
// refresh tokens and email codes are both generated with crypto/rand, so
// brute-forcing the hash requires guessing 256 bits of entropy regardless
// of hash speed.
func (t *TokenHasher) HashTokenSHA256(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.URLEncoding.EncodeToString(hash[:])
}

// VerifyTokenSHA256 verifies a plain token against its stored hash.
func (t *TokenHasher) VerifyTokenSHA256(plainToken, hashedToken string) bool {
	computedHash := t.HashTokenSHA256(plainToken)
	return computedHash == hashedToken
}

// GenerateSessionToken generates a refresh token: 32 bytes (256 bits) of
// crypto/rand entropy, returned as the plain value (to hand to the
// caller once) and its SHA256 hash (to persist).
func (t *TokenHasher) GenerateSessionToken() (plainToken string, hashedToken string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate session token: %w", err)
	}

	plainToken = base64.URLEncoding.EncodeToString(bytes)
	hashedToken = t.HashTokenSHA256(plainToken)

	return plainToken, hashedToken, nil
}
