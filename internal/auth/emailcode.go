// Email verification codes: one-shot 6-digit codes derived via HOTP
// (spec.md §6's POST /auth/verify-email), instead of hand-rolling a
// counter/digest scheme — reuses pquerna/otp's counter-based code
// derivation with a fresh random secret per code and a fixed counter,
// since each code is single-use by construction (email_verification_codes
// has no counter column to advance).
package auth

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"

	"github.com/pquerna/otp/hotp"
)

// GenerateEmailCode returns a fresh 6-digit verification code.
func GenerateEmailCode() (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate HOTP secret: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret)

	code, err := hotp.GenerateCode(encoded, 0)
	if err != nil {
		return "", fmt.Errorf("generate HOTP code: %w", err)
	}
	return code, nil
}
