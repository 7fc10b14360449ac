package keyservice

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/models"
)

func setupKeyserviceTest(t *testing.T) (*Handler, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	keys := db.NewKeyDB(sqlDB)
	security := db.NewSecurityDB(sqlDB)
	handler := NewHandler(keys, security)

	return handler, mock, func() { sqlDB.Close() }
}

func withUser(userID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	}
}

func newTestRouter(h *Handler, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/api/v1", withUser(userID))
	h.RegisterRoutes(group)
	return router
}

func b64(n int) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, n))
}

func keyBundleRows() []string {
	return []string{
		"user_id", "crypto_version", "identity_key_public", "identity_dh_key_public",
		"signed_prekey_public", "signed_prekey_signature", "signed_prekey_id",
		"signed_prekey_created_at", "updated_at",
	}
}

func TestUpload_StoresV1BundleWithoutSignatureVerification(t *testing.T) {
	h, mock, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(1)).
		WillReturnError(sqlNoRows())
	mock.ExpectExec("INSERT INTO key_bundles").
		WillReturnResult(sqlmock.NewResult(1, 1))

	body := models.UploadKeyBundleRequest{
		CryptoVersion:         models.CryptoVersionV1,
		IdentityKeyPublic:     b64(models.KeyLenV1),
		IdentityDHKeyPublic:   b64(models.KeyLenV1),
		SignedPrekeyPublic:    b64(models.KeyLenV1),
		SignedPrekeySignature: b64(models.KeyLenV1Sig),
		SignedPrekeyID:        1,
	}
	payload, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/upload", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpload_RejectsWrongKeyLength(t *testing.T) {
	h, _, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	body := models.UploadKeyBundleRequest{
		CryptoVersion:         models.CryptoVersionV1,
		IdentityKeyPublic:     b64(10),
		IdentityDHKeyPublic:   b64(models.KeyLenV1),
		SignedPrekeyPublic:    b64(models.KeyLenV1),
		SignedPrekeySignature: b64(models.KeyLenV1Sig),
		SignedPrekeyID:        1,
	}
	payload, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/upload", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_RejectsUnsupportedCryptoVersion(t *testing.T) {
	h, _, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	body := models.UploadKeyBundleRequest{
		CryptoVersion:         99,
		IdentityKeyPublic:     b64(models.KeyLenV1),
		IdentityDHKeyPublic:   b64(models.KeyLenV1),
		SignedPrekeyPublic:    b64(models.KeyLenV1),
		SignedPrekeySignature: b64(models.KeyLenV1Sig),
		SignedPrekeyID:        1,
	}
	payload, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/upload", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetch_RejectsSelfFetch(t *testing.T) {
	h, _, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFetch_ReturnsNotFoundWhenNoBundle(t *testing.T) {
	h, mock, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(2)).
		WillReturnError(sqlNoRows())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetch_ConsumesPrekeyAndReportsRemaining(t *testing.T) {
	h, mock, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(keyBundleRows()).
			AddRow(int64(2), models.CryptoVersionV1, b64(models.KeyLenV1), b64(models.KeyLenV1),
				b64(models.KeyLenV1), b64(models.KeyLenV1Sig), int64(5), time.Now(), time.Now()))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, key_id, public_key, is_used").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "key_id", "public_key", "is_used", "used_by", "used_at", "created_at",
		}).AddRow(int64(2), int64(7), b64(models.KeyLenV1), false, nil, nil, time.Now()))
	mock.ExpectExec("UPDATE one_time_prekeys SET is_used").
		WithArgs(int64(2), int64(7), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM one_time_prekeys").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp models.FetchKeyBundleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.PrekeysRemaining)
	require.NotNil(t, resp.OneTimePrekey)
	assert.Equal(t, int64(7), resp.OneTimePrekey.KeyID)
}

func TestFetch_EmitsPrekeyExhaustionWhenNoneRemain(t *testing.T) {
	h, mock, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(keyBundleRows()).
			AddRow(int64(2), models.CryptoVersionV1, b64(models.KeyLenV1), b64(models.KeyLenV1),
				b64(models.KeyLenV1), b64(models.KeyLenV1Sig), int64(5), time.Now(), time.Now()))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, key_id, public_key, is_used").
		WithArgs(int64(2)).
		WillReturnError(sqlNoRows())
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM one_time_prekeys").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO security_alerts").
		WithArgs(int64(2), "prekey_exhaustion", "high", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplenish_RejectsTooManyPrekeys(t *testing.T) {
	h, _, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	prekeys := make([]models.OneTimePrekeyInput, models.MaxReplenishPrekeys+1)
	for i := range prekeys {
		prekeys[i] = models.OneTimePrekeyInput{KeyID: int64(i + 1), PublicKey: b64(models.KeyLenV1)}
	}
	payload, _ := json.Marshal(models.ReplenishPrekeysRequest{Prekeys: prekeys})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/replenish", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplenish_RequiresExistingBundle(t *testing.T) {
	h, mock, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(1)).
		WillReturnError(sqlNoRows())

	payload, _ := json.Marshal(models.ReplenishPrekeysRequest{
		Prekeys: []models.OneTimePrekeyInput{{KeyID: 1, PublicKey: b64(models.KeyLenV1)}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/replenish", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplenish_InsertsValidPrekeysAndDropsMalformedOnes(t *testing.T) {
	h, mock, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(keyBundleRows()).
			AddRow(int64(1), models.CryptoVersionV1, b64(models.KeyLenV1), b64(models.KeyLenV1),
				b64(models.KeyLenV1), b64(models.KeyLenV1Sig), int64(5), time.Now(), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO one_time_prekeys").
		WithArgs(int64(1), int64(1), b64(models.KeyLenV1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	payload, _ := json.Marshal(models.ReplenishPrekeysRequest{
		Prekeys: []models.OneTimePrekeyInput{
			{KeyID: 1, PublicKey: b64(models.KeyLenV1)},
			{KeyID: 2, PublicKey: b64(3)},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/replenish", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["inserted"])
}

func TestRotateSigned_RotatesWhenLengthsMatch(t *testing.T) {
	h, mock, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(keyBundleRows()).
			AddRow(int64(1), models.CryptoVersionV1, b64(models.KeyLenV1), b64(models.KeyLenV1),
				b64(models.KeyLenV1), b64(models.KeyLenV1Sig), int64(5), time.Now(), time.Now()))
	mock.ExpectExec("UPDATE key_bundles SET signed_prekey_public").
		WithArgs(int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload, _ := json.Marshal(models.RotateSignedPrekeyRequest{
		SignedPrekeyPublic:    b64(models.KeyLenV1),
		SignedPrekeySignature: b64(models.KeyLenV1Sig),
		SignedPrekeyID:        9,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/rotate-signed", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSafetyNumber_ReturnsFormattedNumberForBothBundles(t *testing.T) {
	h, mock, cleanup := setupKeyserviceTest(t)
	defer cleanup()
	router := newTestRouter(h, 1)

	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(keyBundleRows()).
			AddRow(int64(1), models.CryptoVersionV1, b64(models.KeyLenV1), b64(models.KeyLenV1),
				b64(models.KeyLenV1), b64(models.KeyLenV1Sig), int64(5), time.Now(), time.Now()))
	mock.ExpectQuery("SELECT user_id, crypto_version, identity_key_public").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(keyBundleRows()).
			AddRow(int64(2), models.CryptoVersionV1, b64(models.KeyLenV1), b64(models.KeyLenV1),
				b64(models.KeyLenV1), b64(models.KeyLenV1Sig), int64(5), time.Now(), time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/safety-number/2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp models.SafetyNumberResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SafetyNumber)
}

func TestRecordFetchAndCheckExcessive_TripsOverThreshold(t *testing.T) {
	h, _, cleanup := setupKeyserviceTest(t)
	defer cleanup()

	for i := 0; i < excessiveFetchThreshold; i++ {
		assert.False(t, h.recordFetchAndCheckExcessive(1))
	}
	assert.True(t, h.recordFetchAndCheckExcessive(1))
}

func sqlNoRows() error { return sql.ErrNoRows }
