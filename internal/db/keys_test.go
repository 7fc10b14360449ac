package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prekeyRows() []string {
	return []string{"user_id", "key_id", "public_key", "is_used", "used_by", "used_at", "created_at"}
}

// ConsumeOneTimePrekey is spec.md §8 invariant 2: SELECT ... FOR UPDATE
// SKIP LOCKED guarantees exactly one consumer per prekey.
func TestConsumeOneTimePrekey_Success(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	keyDB := NewKeyDB(sqlDB)
	ctx := context.Background()

	mock.ExpectBegin()
	rows := sqlmock.NewRows(prekeyRows()).AddRow(
		int64(1), int64(42), "pubkey-42", false, nil, nil, time.Now(),
	)
	mock.ExpectQuery("SELECT user_id, key_id, public_key, is_used, used_by, used_at, created_at").
		WithArgs(int64(1)).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE one_time_prekeys SET is_used = true").
		WithArgs(int64(1), int64(42), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pk, err := keyDB.ConsumeOneTimePrekey(ctx, 1, 2)
	require.NoError(t, err)
	require.NotNil(t, pk)
	assert.Equal(t, int64(42), pk.KeyID)
	assert.True(t, pk.IsUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Under concurrent fetches, SKIP LOCKED means a racing consumer sees no
// eligible row rather than blocking on one already claimed — the
// transaction must roll back cleanly and report nil, nil, not an error.
func TestConsumeOneTimePrekey_NoneRemaining(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	keyDB := NewKeyDB(sqlDB)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, key_id, public_key, is_used, used_by, used_at, created_at").
		WithArgs(int64(1)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	pk, err := keyDB.ConsumeOneTimePrekey(ctx, 1, 2)
	require.NoError(t, err)
	assert.Nil(t, pk)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountUnusedPrekeys(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	keyDB := NewKeyDB(sqlDB)
	ctx := context.Background()

	mock.ExpectQuery("SELECT count").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := keyDB.CountUnusedPrekeys(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
