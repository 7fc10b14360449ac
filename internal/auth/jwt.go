// Package auth provides authentication for umbra-core: bearer-token
// issuance/validation for the HTTP API and WebSocket connect handshake
// (spec.md §6).
//
// Access tokens are short-lived signed JWTs (HS256); session continuity
// across their expiry is handled by opaque refresh tokens stored
// server-side (internal/db/tokens.go), not by JWT renewal or a
// server-side session store — a stolen refresh token can be revoked by
// deleting its row, which a self-contained JWT can never support.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig holds JWT configuration.
//
// SecretKey must be cryptographically random and at least 256 bits,
// loaded from the environment, never hardcoded.
type JWTConfig struct {
	SecretKey     string
	Issuer        string
	TokenDuration time.Duration
}

// Claims are the custom JWT claims for an umbra-core access token.
// Kept minimal: anything that can change after issuance (display name,
// preferences) is looked up fresh from the database, not carried here.
type Claims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`

	jwt.RegisteredClaims
}

// JWTManager issues and validates access tokens.
type JWTManager struct {
	config *JWTConfig
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(config *JWTConfig) *JWTManager {
	if config.TokenDuration == 0 {
		config.TokenDuration = 1 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "umbra-core"
	}
	return &JWTManager{config: config}
}

// GenerateToken issues a new signed access token for userID.
func (m *JWTManager) GenerateToken(userID int64, email string) (string, error) {
	now := time.Now()
	expiresAt := now.Add(m.config.TokenDuration)

	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a JWT access token and returns its claims.
//
// Explicitly checks the signing method is HMAC to reject algorithm
// substitution attacks ("none", or an asymmetric algorithm signed with
// a key an attacker controls).
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.SecretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// GetTokenDuration returns the configured access token lifetime.
func (m *JWTManager) GetTokenDuration() time.Duration {
	return m.config.TokenDuration
}
