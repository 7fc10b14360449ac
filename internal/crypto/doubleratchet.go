package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// MaxSkippedPerChain bounds how many skipped message keys a chain retains;
// exceeding it aborts decryption rather than growing unbounded (spec.md
// §4.4, §8).
const MaxSkippedPerChain = 1000

var ErrTooManySkipped = errors.New("crypto: too many skipped messages in chain")
var ErrUnknownMessageKey = errors.New("crypto: no message key for header")

// Header is the per-message ratchet metadata sent alongside ciphertext.
type Header struct {
	DHPublic [32]byte
	PN       uint32 // length of the previous sending chain
	N        uint32 // message number within the current sending chain
}

type skippedKey struct {
	dh [32]byte
	n  uint32
}

// Ratchet holds one party's Double Ratchet session state for a single
// peer. The server never constructs or reads one of these — clients
// serialize their own state into the opaque RatchetSession blob.
type Ratchet struct {
	rootKey  []byte
	dhSelf   [32]byte // current ratchet private key
	dhSelfPub [32]byte
	dhRemote *[32]byte

	sendChainKey []byte
	recvChainKey []byte
	sendN        uint32
	recvN        uint32
	prevSendN    uint32

	skipped map[skippedKey][]byte
}

// NewSenderRatchet initializes the side that just completed X3DH as the
// initiator: it knows the responder's current ratchet public key (their
// signed prekey, reinterpreted as the first DH ratchet key) and performs
// the first DH ratchet step immediately.
func NewSenderRatchet(sharedSecret []byte, remoteDHPublic [32]byte) (*Ratchet, error) {
	selfPriv, selfPub, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	r := &Ratchet{
		rootKey:  sharedSecret,
		dhSelf:   selfPriv,
		dhSelfPub: selfPub,
		dhRemote: &remoteDHPublic,
		skipped:  make(map[skippedKey][]byte),
	}
	dhOut, err := dh(r.dhSelf, *r.dhRemote)
	if err != nil {
		return nil, err
	}
	rootKey, chainKey, err := kdfRootKey(r.rootKey, dhOut[:])
	if err != nil {
		return nil, err
	}
	r.rootKey = rootKey
	r.sendChainKey = chainKey
	return r, nil
}

// NewReceiverRatchet initializes the side that completed X3DH as the
// responder, using its own signed-prekey keypair as the first ratchet
// key — the sender's first header will carry dhRemote's match.
func NewReceiverRatchet(sharedSecret []byte, selfDHPriv, selfDHPub [32]byte) *Ratchet {
	return &Ratchet{
		rootKey:   sharedSecret,
		dhSelf:    selfDHPriv,
		dhSelfPub: selfDHPub,
		skipped:   make(map[skippedKey][]byte),
	}
}

func generateX25519KeyPair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("keygen: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("keygen: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

func kdfRootKey(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	reader := hkdf.New(sha512.New, dhOut, rootKey, []byte("SCP_DoubleRatchet_RootKDF_v1"))
	out := make([]byte, 64)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return out[:32], out[32:], nil
}

func kdfChainKey(chainKey []byte) (newChainKey, messageKey []byte) {
	h1 := hmac.New(sha512.New, chainKey)
	h1.Write([]byte{0x01})
	messageKey = h1.Sum(nil)[:32]

	h2 := hmac.New(sha512.New, chainKey)
	h2.Write([]byte{0x02})
	newChainKey = h2.Sum(nil)[:32]
	return newChainKey, messageKey
}

// Encrypt advances the sending chain by one step and seals plaintext,
// returning the header the receiver needs to derive the same message key.
func (r *Ratchet) Encrypt(plaintext, aad []byte) (Header, []byte, error) {
	if r.sendChainKey == nil {
		return Header{}, nil, errors.New("crypto: sender chain not initialized")
	}
	chainKey, msgKey := kdfChainKey(r.sendChainKey)
	r.sendChainKey = chainKey
	header := Header{DHPublic: r.dhSelfPub, PN: r.prevSendN, N: r.sendN}
	r.sendN++

	ciphertext, err := Seal(msgKey, plaintext, append(aad, headerBytes(header)...))
	if err != nil {
		return Header{}, nil, err
	}
	return header, ciphertext, nil
}

// Decrypt reverses Encrypt, performing a DH ratchet step when the header
// carries a new remote public key, and consulting/retaining skipped keys
// for out-of-order delivery.
func (r *Ratchet) Decrypt(header Header, ciphertext, aad []byte) ([]byte, error) {
	if key, ok := r.takeSkipped(header); ok {
		return Open(key, ciphertext, append(aad, headerBytes(header)...))
	}

	if r.dhRemote == nil || *r.dhRemote != header.DHPublic {
		if err := r.skipOverCurrentChain(header.PN); err != nil {
			return nil, err
		}
		if err := r.dhRatchetStep(header.DHPublic); err != nil {
			return nil, err
		}
	}

	if err := r.skipToMessage(header.N); err != nil {
		return nil, err
	}

	chainKey, msgKey := kdfChainKey(r.recvChainKey)
	r.recvChainKey = chainKey
	r.recvN++

	return Open(msgKey, ciphertext, append(aad, headerBytes(header)...))
}

func (r *Ratchet) takeSkipped(header Header) ([]byte, bool) {
	key, ok := r.skipped[skippedKey{dh: header.DHPublic, n: header.N}]
	if ok {
		delete(r.skipped, skippedKey{dh: header.DHPublic, n: header.N})
	}
	return key, ok
}

// skipOverCurrentChain stashes message keys for any messages in the
// current receiving chain that the peer's header implies were skipped,
// up to until pn (the previous chain's final length).
func (r *Ratchet) skipOverCurrentChain(pn uint32) error {
	if r.recvChainKey == nil {
		return nil
	}
	if pn < r.recvN {
		return nil
	}
	if int(pn-r.recvN) > MaxSkippedPerChain {
		return ErrTooManySkipped
	}
	for r.recvN < pn {
		chainKey, msgKey := kdfChainKey(r.recvChainKey)
		r.recvChainKey = chainKey
		r.skipped[skippedKey{dh: *r.dhRemote, n: r.recvN}] = msgKey
		r.recvN++
	}
	return nil
}

// skipToMessage stashes keys for messages in the current chain between
// recvN and the target message number n.
func (r *Ratchet) skipToMessage(n uint32) error {
	if n < r.recvN {
		return ErrUnknownMessageKey
	}
	if int(n-r.recvN) > MaxSkippedPerChain {
		return ErrTooManySkipped
	}
	for r.recvN < n {
		chainKey, msgKey := kdfChainKey(r.recvChainKey)
		r.recvChainKey = chainKey
		r.skipped[skippedKey{dh: *r.dhRemote, n: r.recvN}] = msgKey
		r.recvN++
	}
	return nil
}

// dhRatchetStep performs a full DH ratchet turn on receiving a new remote
// public key: derive the final receiving chain key from the old self
// keypair, then generate a fresh self keypair and derive the next sending
// chain key (HKDF root-chain KDF, spec.md §4.4).
func (r *Ratchet) dhRatchetStep(remotePub [32]byte) error {
	r.prevSendN = r.sendN
	r.sendN = 0
	r.recvN = 0
	r.dhRemote = &remotePub

	dhOut, err := dh(r.dhSelf, remotePub)
	if err != nil {
		return err
	}
	rootKey, chainKey, err := kdfRootKey(r.rootKey, dhOut[:])
	if err != nil {
		return err
	}
	r.rootKey = rootKey
	r.recvChainKey = chainKey

	selfPriv, selfPub, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	r.dhSelf = selfPriv
	r.dhSelfPub = selfPub

	dhOut2, err := dh(r.dhSelf, remotePub)
	if err != nil {
		return err
	}
	rootKey2, chainKey2, err := kdfRootKey(r.rootKey, dhOut2[:])
	if err != nil {
		return err
	}
	r.rootKey = rootKey2
	r.sendChainKey = chainKey2
	return nil
}

func headerBytes(h Header) []byte {
	out := make([]byte, 0, 40)
	out = append(out, h.DHPublic[:]...)
	out = append(out, byte(h.PN>>24), byte(h.PN>>16), byte(h.PN>>8), byte(h.PN))
	out = append(out, byte(h.N>>24), byte(h.N>>16), byte(h.N>>8), byte(h.N))
	return out
}
