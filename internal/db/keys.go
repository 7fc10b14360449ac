// Package db — E2EE key material data access: key bundles, one-time
// prekeys, and opaque ratchet session blobs (spec.md §3, §4.4).
package db

import (
	"context"
	"database/sql"

	"github.com/umbra-msg/umbra-core/internal/models"
)

// KeyDB handles database operations for the Key Service.
type KeyDB struct {
	db *sql.DB
}

func NewKeyDB(db *sql.DB) *KeyDB {
	return &KeyDB{db: db}
}

// UpsertKeyBundle replaces a user's identity/signed-prekey material
// (re-upload rotates the signed prekey, spec.md §4.4).
func (k *KeyDB) UpsertKeyBundle(ctx context.Context, userID int64, req *models.UploadKeyBundleRequest) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO key_bundles (user_id, crypto_version, identity_key_public, identity_dh_key_public,
			signed_prekey_public, signed_prekey_signature, signed_prekey_id, signed_prekey_created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (user_id) DO UPDATE SET
			crypto_version = $2, identity_key_public = $3, identity_dh_key_public = $4,
			signed_prekey_public = $5, signed_prekey_signature = $6, signed_prekey_id = $7,
			signed_prekey_created_at = now(), updated_at = now()
	`, userID, req.CryptoVersion, req.IdentityKeyPublic, req.IdentityDHKeyPublic,
		req.SignedPrekeyPublic, req.SignedPrekeySignature, req.SignedPrekeyID)
	return err
}

// GetKeyBundle returns a user's key bundle, or nil if none uploaded yet.
func (k *KeyDB) GetKeyBundle(ctx context.Context, userID int64) (*models.KeyBundle, error) {
	var kb models.KeyBundle
	err := k.db.QueryRowContext(ctx, `
		SELECT user_id, crypto_version, identity_key_public, identity_dh_key_public,
			signed_prekey_public, signed_prekey_signature, signed_prekey_id,
			signed_prekey_created_at, updated_at
		FROM key_bundles WHERE user_id = $1
	`, userID).Scan(
		&kb.UserID, &kb.CryptoVersion, &kb.IdentityKeyPublic, &kb.IdentityDHKeyPublic,
		&kb.SignedPrekeyPublic, &kb.SignedPrekeySignature, &kb.SignedPrekeyID,
		&kb.SignedPrekeyCreatedAt, &kb.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &kb, nil
}

// InsertOneTimePrekeys adds a batch of one-time prekeys for a user
// (upload and replenish, spec.md §4.4). Capped by the caller at
// models.MaxReplenishPrekeys.
func (k *KeyDB) InsertOneTimePrekeys(ctx context.Context, userID int64, prekeys []models.OneTimePrekeyInput) error {
	if len(prekeys) == 0 {
		return nil
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, pk := range prekeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO one_time_prekeys (user_id, key_id, public_key) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, key_id) DO NOTHING
		`, userID, pk.KeyID, pk.PublicKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConsumeOneTimePrekey atomically claims a single unused prekey for
// ownerID, recording requesterID as the consumer. SELECT ... FOR UPDATE
// SKIP LOCKED guarantees exactly one consumer per prekey under concurrent
// fetches (spec.md §8 invariant 2). Returns nil, nil if none remain.
func (k *KeyDB) ConsumeOneTimePrekey(ctx context.Context, ownerID, requesterID int64) (*models.OneTimePreKey, error) {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var pk models.OneTimePreKey
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, key_id, public_key, is_used, used_by, used_at, created_at
		FROM one_time_prekeys
		WHERE user_id = $1 AND NOT is_used
		ORDER BY key_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, ownerID).Scan(&pk.UserID, &pk.KeyID, &pk.PublicKey, &pk.IsUsed, &pk.UsedBy, &pk.UsedAt, &pk.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE one_time_prekeys SET is_used = true, used_by = $3, used_at = now()
		WHERE user_id = $1 AND key_id = $2
	`, ownerID, pk.KeyID, requesterID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	pk.IsUsed = true
	return &pk, nil
}

// RotateSignedPrekey updates only the signed prekey fields, leaving
// identity keys untouched (rotate-signed, spec.md §4.4, throttled to
// 10/hour per user by the caller).
func (k *KeyDB) RotateSignedPrekey(ctx context.Context, userID int64, publicKey, signature string, prekeyID int64) error {
	_, err := k.db.ExecContext(ctx, `
		UPDATE key_bundles SET signed_prekey_public = $2, signed_prekey_signature = $3,
			signed_prekey_id = $4, signed_prekey_created_at = now(), updated_at = now()
		WHERE user_id = $1
	`, userID, publicKey, signature, prekeyID)
	return err
}

// CountUnusedPrekeys reports how many one-time prekeys remain for a user,
// used to trigger the low-prekey security alert (spec.md §4.4).
func (k *KeyDB) CountUnusedPrekeys(ctx context.Context, userID int64) (int, error) {
	var n int
	err := k.db.QueryRowContext(ctx, `
		SELECT count(*) FROM one_time_prekeys WHERE user_id = $1 AND NOT is_used
	`, userID).Scan(&n)
	return n, err
}

// ListExhaustedPrekeyOwners returns every user with an uploaded key
// bundle but zero unused one-time prekeys left, for the maintenance
// scheduler's periodic re-check alongside the per-fetch check already
// done in the Key Service (spec.md §4.7).
func (k *KeyDB) ListExhaustedPrekeyOwners(ctx context.Context) ([]int64, error) {
	rows, err := k.db.QueryContext(ctx, `
		SELECT kb.user_id FROM key_bundles kb
		WHERE NOT EXISTS (
			SELECT 1 FROM one_time_prekeys otp
			WHERE otp.user_id = kb.user_id AND NOT otp.is_used
		)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetRatchetSession loads the opaque per-peer session blob, if any.
func (k *KeyDB) GetRatchetSession(ctx context.Context, ownerID, peerID int64) (*models.RatchetSession, error) {
	var rs models.RatchetSession
	err := k.db.QueryRowContext(ctx, `
		SELECT owner_id, peer_id, blob, updated_at FROM ratchet_sessions
		WHERE owner_id = $1 AND peer_id = $2
	`, ownerID, peerID).Scan(&rs.OwnerID, &rs.PeerID, &rs.Blob, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// SaveRatchetSession persists the caller's serialized ratchet state. The
// server never inspects blob (spec.md §9 design note).
func (k *KeyDB) SaveRatchetSession(ctx context.Context, ownerID, peerID int64, blob []byte) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO ratchet_sessions (owner_id, peer_id, blob, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner_id, peer_id) DO UPDATE SET blob = $3, updated_at = now()
	`, ownerID, peerID, blob)
	return err
}
