package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SharedSecretDomain is the HKDF info string binding X3DH output to this
// protocol version (spec.md §4.4).
const SharedSecretDomain = "SCP_X3DH_SharedSecret_v1"

// SharedSecretLen is the derived shared secret length: one HKDF-SHA-512
// extract-and-expand round produces a 32-byte symmetric root key.
const SharedSecretLen = 32

// IdentityBundle is a party's v2 (X25519/Ed25519) public key material, as
// stored in models.KeyBundle.
type IdentityBundle struct {
	IdentityKey   [32]byte // Ed25519 public key, used to verify SignedPrekeySig
	IdentityDHKey [32]byte // X25519 public key, birational with IdentityKey's curve
	SignedPrekey  [32]byte
	SignedPrekeySig []byte // Ed25519 signature over SignedPrekey, by IdentityKey
}

// VerifySignedPrekey checks that a party's signed prekey was actually
// signed by their identity key (Key Service upload/replenish, spec.md §4.4).
func VerifySignedPrekey(b IdentityBundle) bool {
	return ed25519.Verify(b.IdentityKey[:], b.SignedPrekey[:], b.SignedPrekeySig)
}

// InitiatorX3DH performs the sender side of X3DH. ephemeralPriv is a
// freshly generated X25519 scalar the initiator discards after use;
// oneTimePrekey is nil when none was available.
func InitiatorX3DH(initiatorIdentityDH, ephemeralPriv [32]byte, responder IdentityBundle, oneTimePrekey *[32]byte) ([]byte, error) {
	dh1, err := dh(initiatorIdentityDH, responder.SignedPrekey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephemeralPriv, responder.IdentityDHKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephemeralPriv, responder.SignedPrekey)
	if err != nil {
		return nil, err
	}

	material := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if oneTimePrekey != nil {
		dh4, err := dh(ephemeralPriv, *oneTimePrekey)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4[:]...)
	}
	return deriveRootKey(material)
}

// ResponderX3DH performs the receiver side with the matching private
// scalars. The shared secret equals InitiatorX3DH's output for matching
// inputs (spec.md §8 X3DH round-trip law).
func ResponderX3DH(responderIdentityDH, signedPrekeyPriv [32]byte, initiatorIdentityDH, initiatorEphemeral [32]byte, oneTimePrekeyPriv *[32]byte) ([]byte, error) {
	dh1, err := dh(signedPrekeyPriv, initiatorIdentityDH)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(responderIdentityDH, initiatorEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(signedPrekeyPriv, initiatorEphemeral)
	if err != nil {
		return nil, err
	}

	material := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if oneTimePrekeyPriv != nil {
		dh4, err := dh(*oneTimePrekeyPriv, initiatorEphemeral)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4[:]...)
	}
	return deriveRootKey(material)
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("x25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

func deriveRootKey(material []byte) ([]byte, error) {
	reader := hkdf.New(sha512.New, material, nil, []byte(SharedSecretDomain))
	out := make([]byte, SharedSecretLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}
