// Package crypto implements the client-facing cryptographic primitives of
// the v2 (X25519/Ed25519) E2EE stack: X3DH key agreement, the Double
// Ratchet, XChaCha20-Poly1305 symmetric sealing, and the safety-number
// comparison string. None of this ever runs against real user plaintext
// on the server — it exists so tests can prove the round-trip laws the
// wire protocol depends on, and so the Key Service can verify signatures
// without a client SDK.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the XChaCha20-Poly1305 random nonce length (spec.md §4.4).
const NonceSize = chacha20poly1305.NonceSizeX

// Seal encrypts plaintext under key with aad bound in, prefixing the
// output with a freshly generated random nonce.
func Seal(key []byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, aad)
	return out, nil
}

// Open reverses Seal. Any single-bit change to ciphertext, key, or aad
// causes an error (spec.md §8 AEAD round-trip law).
func Open(key []byte, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}
