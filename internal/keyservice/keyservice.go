// Package keyservice is the Key Service (spec.md §4.4): upload, fetch,
// replenish, and rotate E2EE key material, plus safety-number
// derivation. The server only ever touches public keys and signed
// blobs — X3DH and Double Ratchet computation happen client-side.
package keyservice

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/umbra-msg/umbra-core/internal/crypto"
	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/errors"
	"github.com/umbra-msg/umbra-core/internal/logger"
	"github.com/umbra-msg/umbra-core/internal/models"
)

// excessiveFetchThreshold is the trailing-hour fetch count that triggers
// a SecurityAlert (spec.md §4.4).
const excessiveFetchThreshold = 50

// identityChangePrefixLen is how much of an identity key is logged in a
// SecurityAlert{identity_change} (spec.md §4.4): enough to be useful in
// an audit trail without logging the full key.
const identityChangePrefixLen = 16

// Handler implements the Key Service's HTTP surface.
type Handler struct {
	keys     *db.KeyDB
	security *db.SecurityDB

	mu           sync.Mutex
	fetchHistory map[int64][]time.Time
}

func NewHandler(keys *db.KeyDB, security *db.SecurityDB) *Handler {
	return &Handler{
		keys:         keys,
		security:     security,
		fetchHistory: make(map[int64][]time.Time),
	}
}

// RegisterRoutes registers the encryption endpoints under an
// already-authenticated router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/keys/upload", h.Upload)
	router.GET("/keys/:user_id", h.Fetch)
	router.POST("/keys/replenish", h.Replenish)
	router.POST("/keys/rotate-signed", h.RotateSigned)
	router.GET("/safety-number/:user_id", h.SafetyNumber)
}

func writeErr(c *gin.Context, appErr *errors.AppError) {
	c.JSON(appErr.StatusCode, appErr.ToResponse())
}

func userIDFromContext(c *gin.Context) (int64, bool) {
	v, exists := c.Get("userID")
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// keyLenForVersion returns the expected decoded byte length for an
// identity/DH/signed-prekey public key under a crypto version
// (spec.md §4.4).
func keyLenForVersion(version int) (keyLen, sigLen int, ok bool) {
	switch version {
	case models.CryptoVersionV1:
		return models.KeyLenV1, models.KeyLenV1Sig, true
	case models.CryptoVersionV2:
		return models.KeyLenV2, ed25519SigLen, true
	default:
		return 0, 0, false
	}
}

const ed25519SigLen = 64

func decodedLen(b64 string) (int, bool) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, false
	}
	return len(raw), true
}

// Upload handles POST /encryption/keys/upload/.
func (h *Handler) Upload(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	var req models.UploadKeyBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}

	keyLen, sigLen, ok := keyLenForVersion(req.CryptoVersion)
	if !ok {
		writeErr(c, errors.ValidationFailed("unsupported crypto_version"))
		return
	}
	if n, ok := decodedLen(req.IdentityKeyPublic); !ok || n != keyLen {
		writeErr(c, errors.ValidationFailed("identity_key_public has the wrong length for crypto_version"))
		return
	}
	if n, ok := decodedLen(req.IdentityDHKeyPublic); !ok || n != keyLen {
		writeErr(c, errors.ValidationFailed("identity_dh_key_public has the wrong length for crypto_version"))
		return
	}
	if n, ok := decodedLen(req.SignedPrekeyPublic); !ok || n != keyLen {
		writeErr(c, errors.ValidationFailed("signed_prekey_public has the wrong length for crypto_version"))
		return
	}
	if n, ok := decodedLen(req.SignedPrekeySignature); !ok || n != sigLen {
		writeErr(c, errors.ValidationFailed("signed_prekey_signature has the wrong length for crypto_version"))
		return
	}

	ctx := c.Request.Context()

	// Verification is only implemented for v2 (X25519/Ed25519); v1
	// (X448/Ed448) bundles are accepted and stored on length checks alone,
	// since internal/crypto has no Ed448 verifier.
	if req.CryptoVersion == models.CryptoVersionV2 {
		if !verifyV2Bundle(req) {
			writeErr(c, errors.ValidationFailed("signed prekey signature does not verify against identity key"))
			return
		}
	}

	previous, err := h.keys.GetKeyBundle(ctx, userID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if previous != nil && previous.IdentityKeyPublic != req.IdentityKeyPublic {
		h.emitIdentityChange(ctx, c, userID, previous.IdentityKeyPublic, req.IdentityKeyPublic)
	}

	if err := h.keys.UpsertKeyBundle(ctx, userID, &req); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	validPrekeys := filterMalformedPrekeys(req.OneTimePrekeys, keyLen)
	if len(validPrekeys) > 0 {
		if err := h.keys.InsertOneTimePrekeys(ctx, userID, validPrekeys); err != nil {
			writeErr(c, errors.DatabaseError(err))
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "key bundle uploaded"})
}

func verifyV2Bundle(req models.UploadKeyBundleRequest) bool {
	identity, err1 := base64.StdEncoding.DecodeString(req.IdentityKeyPublic)
	prekey, err2 := base64.StdEncoding.DecodeString(req.SignedPrekeyPublic)
	sig, err3 := base64.StdEncoding.DecodeString(req.SignedPrekeySignature)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	var b crypto.IdentityBundle
	copy(b.IdentityKey[:], identity)
	copy(b.SignedPrekey[:], prekey)
	b.SignedPrekeySig = sig
	return crypto.VerifySignedPrekey(b)
}

func filterMalformedPrekeys(in []models.OneTimePrekeyInput, keyLen int) []models.OneTimePrekeyInput {
	out := make([]models.OneTimePrekeyInput, 0, len(in))
	for _, pk := range in {
		if n, ok := decodedLen(pk.PublicKey); ok && n == keyLen {
			out = append(out, pk)
		}
	}
	return out
}

func (h *Handler) emitIdentityChange(ctx context.Context, c *gin.Context, userID int64, oldKey, newKey string) {
	_ = h.security.Emit(ctx, userID, "identity_change", "high", map[string]interface{}{
		"old_identity_key_prefix": truncate(oldKey, identityChangePrefixLen),
		"new_identity_key_prefix": truncate(newKey, identityChangePrefixLen),
		"client_ip":               c.ClientIP(),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Fetch handles GET /encryption/keys/{user_id}/.
func (h *Handler) Fetch(c *gin.Context) {
	requesterID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	targetID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		writeErr(c, errors.ValidationFailed("invalid user_id"))
		return
	}
	if targetID == requesterID {
		writeErr(c, errors.Forbidden("cannot fetch your own key bundle"))
		return
	}

	ctx := c.Request.Context()

	logger.Crypto().Info().
		Int64("requester_id", requesterID).
		Int64("target_id", targetID).
		Str("client_ip", c.ClientIP()).
		Str("user_agent", c.Request.UserAgent()).
		Msg("key bundle fetch")

	if h.recordFetchAndCheckExcessive(requesterID) {
		_ = h.security.Emit(ctx, requesterID, "excessive_fetch", "medium", map[string]interface{}{
			"client_ip": c.ClientIP(),
		})
	}

	bundle, err := h.keys.GetKeyBundle(ctx, targetID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if bundle == nil {
		writeErr(c, errors.NotFound("key bundle"))
		return
	}

	prekey, err := h.keys.ConsumeOneTimePrekey(ctx, targetID, requesterID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	remaining, err := h.keys.CountUnusedPrekeys(ctx, targetID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if remaining == 0 {
		_ = h.security.Emit(ctx, targetID, "prekey_exhaustion", "high", map[string]interface{}{})
	}

	resp := models.FetchKeyBundleResponse{
		CryptoVersion:         bundle.CryptoVersion,
		IdentityKeyPublic:     bundle.IdentityKeyPublic,
		IdentityDHKeyPublic:   bundle.IdentityDHKeyPublic,
		SignedPrekeyPublic:    bundle.SignedPrekeyPublic,
		SignedPrekeySignature: bundle.SignedPrekeySignature,
		SignedPrekeyID:        bundle.SignedPrekeyID,
		SignedPrekeyCreatedAt: bundle.SignedPrekeyCreatedAt,
		PrekeysRemaining:      remaining,
	}
	if prekey != nil {
		resp.OneTimePrekey = &models.OneTimePrekeyInput{KeyID: prekey.KeyID, PublicKey: prekey.PublicKey}
	}

	c.JSON(http.StatusOK, resp)
}

// recordFetchAndCheckExcessive records a fetch and reports whether the
// requester has exceeded the trailing-hour threshold (spec.md §4.4).
func (h *Handler) recordFetchAndCheckExcessive(requesterID int64) bool {
	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	h.mu.Lock()
	defer h.mu.Unlock()

	history := h.fetchHistory[requesterID]
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	h.fetchHistory[requesterID] = kept

	return len(kept) > excessiveFetchThreshold
}

// Replenish handles POST /encryption/keys/replenish/.
func (h *Handler) Replenish(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	var req models.ReplenishPrekeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}
	if len(req.Prekeys) > models.MaxReplenishPrekeys {
		writeErr(c, errors.ValidationFailed("too many prekeys in one replenish call"))
		return
	}

	ctx := c.Request.Context()
	bundle, err := h.keys.GetKeyBundle(ctx, userID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if bundle == nil {
		writeErr(c, errors.ValidationFailed("upload a key bundle before replenishing prekeys"))
		return
	}
	keyLen, _, _ := keyLenForVersion(bundle.CryptoVersion)

	validPrekeys := filterMalformedPrekeys(req.Prekeys, keyLen)
	if err := h.keys.InsertOneTimePrekeys(ctx, userID, validPrekeys); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"inserted": len(validPrekeys)})
}

// RotateSigned handles POST /encryption/keys/rotate-signed/.
func (h *Handler) RotateSigned(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}

	var req models.RotateSignedPrekeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}

	ctx := c.Request.Context()
	bundle, err := h.keys.GetKeyBundle(ctx, userID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if bundle == nil {
		writeErr(c, errors.ValidationFailed("upload a key bundle before rotating the signed prekey"))
		return
	}

	keyLen, sigLen, _ := keyLenForVersion(bundle.CryptoVersion)
	if n, ok := decodedLen(req.SignedPrekeyPublic); !ok || n != keyLen {
		writeErr(c, errors.ValidationFailed("signed_prekey_public has the wrong length for crypto_version"))
		return
	}
	if n, ok := decodedLen(req.SignedPrekeySignature); !ok || n != sigLen {
		writeErr(c, errors.ValidationFailed("signed_prekey_signature has the wrong length for crypto_version"))
		return
	}

	if bundle.CryptoVersion == models.CryptoVersionV2 {
		identity, err1 := base64.StdEncoding.DecodeString(bundle.IdentityKeyPublic)
		prekey, err2 := base64.StdEncoding.DecodeString(req.SignedPrekeyPublic)
		sig, err3 := base64.StdEncoding.DecodeString(req.SignedPrekeySignature)
		if err1 != nil || err2 != nil || err3 != nil {
			writeErr(c, errors.ValidationFailed("malformed key material"))
			return
		}
		var b crypto.IdentityBundle
		copy(b.IdentityKey[:], identity)
		copy(b.SignedPrekey[:], prekey)
		b.SignedPrekeySig = sig
		if !crypto.VerifySignedPrekey(b) {
			writeErr(c, errors.ValidationFailed("signed prekey signature does not verify against identity key"))
			return
		}
	}

	if err := h.keys.RotateSignedPrekey(ctx, userID, req.SignedPrekeyPublic, req.SignedPrekeySignature, req.SignedPrekeyID); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "signed prekey rotated"})
}

// SafetyNumber handles GET /encryption/safety-number/{user_id}/.
func (h *Handler) SafetyNumber(c *gin.Context) {
	selfID, ok := userIDFromContext(c)
	if !ok {
		writeErr(c, errors.Unauthorized("authentication required"))
		return
	}
	peerID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		writeErr(c, errors.ValidationFailed("invalid user_id"))
		return
	}

	ctx := c.Request.Context()
	selfBundle, err := h.keys.GetKeyBundle(ctx, selfID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	peerBundle, err := h.keys.GetKeyBundle(ctx, peerID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if selfBundle == nil || peerBundle == nil {
		writeErr(c, errors.NotFound("key bundle"))
		return
	}

	selfKey, err1 := base64.StdEncoding.DecodeString(selfBundle.IdentityKeyPublic)
	peerKey, err2 := base64.StdEncoding.DecodeString(peerBundle.IdentityKeyPublic)
	if err1 != nil || err2 != nil {
		writeErr(c, errors.InternalServer("stored identity key is malformed"))
		return
	}

	raw := crypto.SafetyNumber(selfKey, peerKey)
	formatted := crypto.FormatSafetyNumber(raw)

	c.JSON(http.StatusOK, models.SafetyNumberResponse{
		SafetyNumber:    formatted,
		SafetyNumberRaw: raw,
		QRData:          formatted,
	})
}
