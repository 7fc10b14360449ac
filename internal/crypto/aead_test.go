package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plaintext := []byte("hello umbra")
	aad := []byte("conversation:123")

	sealed, err := Seal(key, plaintext, aad)
	require.NoError(t, err)

	opened, err := Open(key, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpen_RejectsBitFlipInCiphertext(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = Open(key, sealed, []byte("aad"))
	assert.Error(t, err)
}

func TestOpen_RejectsWrongKey(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	other := make([]byte, 32)
	_, err = rand.Read(other)
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	_, err = Open(other, sealed, []byte("aad"))
	assert.Error(t, err)
}

func TestOpen_RejectsWrongAAD(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("payload"), []byte("aad-one"))
	require.NoError(t, err)

	_, err = Open(key, sealed, []byte("aad-two"))
	assert.Error(t, err)
}
