package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX3DH_RoundTrip_WithOneTimePrekey(t *testing.T) {
	aIdentPriv, aIdentPub, err := generateX25519KeyPair()
	require.NoError(t, err)
	aEphPriv, _, err := generateX25519KeyPair()
	require.NoError(t, err)

	bIdentPriv, bIdentPub, err := generateX25519KeyPair()
	require.NoError(t, err)
	bSpkPriv, bSpkPub, err := generateX25519KeyPair()
	require.NoError(t, err)
	bOtpPriv, bOtpPub, err := generateX25519KeyPair()
	require.NoError(t, err)

	responder := IdentityBundle{IdentityDHKey: bIdentPub, SignedPrekey: bSpkPub}

	initiatorSecret, err := InitiatorX3DH(aIdentPriv, aEphPriv, responder, &bOtpPub)
	require.NoError(t, err)

	_, aEphPub, err := regenPub(aEphPriv)
	require.NoError(t, err)

	responderSecret, err := ResponderX3DH(bIdentPriv, bSpkPriv, aIdentPub, aEphPub, &bOtpPriv)
	require.NoError(t, err)

	assert.Equal(t, initiatorSecret, responderSecret)
}

func TestX3DH_RoundTrip_WithoutOneTimePrekey(t *testing.T) {
	aIdentPriv, aIdentPub, err := generateX25519KeyPair()
	require.NoError(t, err)
	aEphPriv, _, err := generateX25519KeyPair()
	require.NoError(t, err)

	bIdentPriv, bIdentPub, err := generateX25519KeyPair()
	require.NoError(t, err)
	bSpkPriv, bSpkPub, err := generateX25519KeyPair()
	require.NoError(t, err)

	responder := IdentityBundle{IdentityDHKey: bIdentPub, SignedPrekey: bSpkPub}

	initiatorSecret, err := InitiatorX3DH(aIdentPriv, aEphPriv, responder, nil)
	require.NoError(t, err)

	_, aEphPub, err := regenPub(aEphPriv)
	require.NoError(t, err)

	responderSecret, err := ResponderX3DH(bIdentPriv, bSpkPriv, aIdentPub, aEphPub, nil)
	require.NoError(t, err)

	assert.Equal(t, initiatorSecret, responderSecret)
}

// regenPub recovers a public key from a private scalar already generated
// by generateX25519KeyPair, for tests that only kept the private half.
func regenPub(priv [32]byte) ([32]byte, [32]byte, error) {
	pub, err := dh(priv, basepoint())
	return priv, pub, err
}

func basepoint() [32]byte {
	var bp [32]byte
	bp[0] = 9
	return bp
}
