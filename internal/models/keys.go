package models

import "time"

// Crypto versions (spec.md §4.4).
const (
	CryptoVersionV1 = 1 // Ed448/X448 — accepted and stored, never computed server-side
	CryptoVersionV2 = 2 // Ed25519/X25519 — fully implemented in internal/crypto
)

// Key lengths in bytes, by crypto_version (spec.md §4.4).
const (
	KeyLenV1    = 57  // X448 public key; Ed448 identity key is also 57B
	KeyLenV1Sig = 114 // Ed448 signature
	KeyLenV2    = 32  // X25519/Ed25519 public keys
)

// SignedPrekeyStaleAfter — a signed prekey older than 7 days is stale
// (spec.md §3 KeyBundle invariant).
const SignedPrekeyStaleAfter = 7 * 24 * time.Hour

// KeyBundle is per-user E2EE identity/signed-prekey state (spec.md §3).
type KeyBundle struct {
	UserID                int64     `json:"user_id" db:"user_id"`
	CryptoVersion         int       `json:"crypto_version" db:"crypto_version"`
	IdentityKeyPublic     string    `json:"identity_key_public" db:"identity_key_public"`
	IdentityDHKeyPublic   string    `json:"identity_dh_key_public" db:"identity_dh_key_public"`
	SignedPrekeyPublic    string    `json:"signed_prekey_public" db:"signed_prekey_public"`
	SignedPrekeySignature string    `json:"signed_prekey_signature" db:"signed_prekey_signature"`
	SignedPrekeyID        int64     `json:"signed_prekey_id" db:"signed_prekey_id"`
	SignedPrekeyCreatedAt time.Time `json:"signed_prekey_created_at" db:"signed_prekey_created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// IsStale reports whether the signed prekey is older than 7 days.
func (k *KeyBundle) IsStale(now time.Time) bool {
	return now.Sub(k.SignedPrekeyCreatedAt) > SignedPrekeyStaleAfter
}

// OneTimePreKey: (user, key_id) unique; consumption is atomic — exactly one
// consumer per prekey (spec.md §3, §8 invariant 2).
type OneTimePreKey struct {
	UserID    int64      `json:"user_id" db:"user_id"`
	KeyID     int64      `json:"key_id" db:"key_id"`
	PublicKey string     `json:"public_key" db:"public_key"`
	IsUsed    bool       `json:"is_used" db:"is_used"`
	UsedBy    *int64     `json:"used_by,omitempty" db:"used_by"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// RatchetSession is an opaque per-peer state container the server stores
// but never reads (spec.md §3, §9 design note).
type RatchetSession struct {
	OwnerID   int64     `json:"owner_id" db:"owner_id"`
	PeerID    int64     `json:"peer_id" db:"peer_id"`
	Blob      []byte    `json:"-" db:"blob"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UploadKeyBundleRequest is the body of POST /encryption/keys/upload/.
type UploadKeyBundleRequest struct {
	CryptoVersion         int                  `json:"crypto_version" binding:"required"`
	IdentityKeyPublic     string               `json:"identity_key_public" binding:"required"`
	IdentityDHKeyPublic   string               `json:"identity_dh_key_public" binding:"required"`
	SignedPrekeyPublic    string               `json:"signed_prekey_public" binding:"required"`
	SignedPrekeySignature string               `json:"signed_prekey_signature" binding:"required"`
	SignedPrekeyID        int64                `json:"signed_prekey_id" binding:"required"`
	Timestamp             *time.Time           `json:"timestamp,omitempty"`
	OneTimePrekeys        []OneTimePrekeyInput `json:"one_time_prekeys"`
}

// OneTimePrekeyInput is a single prekey entry in an upload or replenish call.
type OneTimePrekeyInput struct {
	KeyID     int64  `json:"key_id" binding:"required"`
	PublicKey string `json:"public_key" binding:"required"`
}

// ReplenishPrekeysRequest is the body of POST /encryption/keys/replenish/.
// Capped at 200 items per spec.md §6 and §8 boundary behaviors.
type ReplenishPrekeysRequest struct {
	Prekeys []OneTimePrekeyInput `json:"prekeys" binding:"required"`
}

const MaxReplenishPrekeys = 200

// RotateSignedPrekeyRequest is the body of POST
// /encryption/keys/rotate-signed/. Identity keys are untouched; only the
// signed prekey rotates.
type RotateSignedPrekeyRequest struct {
	SignedPrekeyPublic    string `json:"signed_prekey_public" binding:"required"`
	SignedPrekeySignature string `json:"signed_prekey_signature" binding:"required"`
	SignedPrekeyID        int64  `json:"signed_prekey_id" binding:"required"`
}

// FetchKeyBundleResponse is the body of GET /encryption/keys/{user_id}/.
type FetchKeyBundleResponse struct {
	CryptoVersion         int                 `json:"crypto_version"`
	IdentityKeyPublic     string              `json:"identity_key_public"`
	IdentityDHKeyPublic   string              `json:"identity_dh_key_public"`
	SignedPrekeyPublic    string              `json:"signed_prekey_public"`
	SignedPrekeySignature string              `json:"signed_prekey_signature"`
	SignedPrekeyID        int64               `json:"signed_prekey_id"`
	SignedPrekeyCreatedAt time.Time           `json:"signed_prekey_created_at"`
	OneTimePrekey         *OneTimePrekeyInput `json:"one_time_prekey,omitempty"`
	PrekeysRemaining      int                 `json:"prekeys_remaining"`
}

// SafetyNumberResponse is the body of GET /encryption/safety-number/{user_id}/.
type SafetyNumberResponse struct {
	SafetyNumber    string `json:"safety_number"`
	SafetyNumberRaw string `json:"safety_number_raw"`
	QRData          string `json:"qr_data"`
}
