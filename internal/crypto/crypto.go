// Package crypto provides the primitives used to secure peer sessions.
// It uses X25519 for key exchange, HKDF-SHA256 for key derivation and
// ChaCha20-Poly1305 for the record layer.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// EncryptionOverhead is the overhead added to each sealed record:
	// the nonce prepended and the auth tag appended.
	EncryptionOverhead = NonceSize + TagSize

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "p2p-node-session-v1"
)

var (
	// ErrLowOrderPoint is returned when the peer's ephemeral key is zero or
	// produces an all-zero shared secret.
	ErrLowOrderPoint = errors.New("invalid X25519 exchange: low-order point")

	// ErrDecryptionFailed is returned when a record fails authentication.
	ErrDecryptionFailed = errors.New("record authentication failed")

	// ErrNonceMismatch is returned when a record arrives out of sequence.
	ErrNonceMismatch = errors.New("record nonce out of sequence")
)

// SessionKey seals or opens records for one direction of a session.
// Records must be opened in the order they were sealed. It is safe for
// concurrent use.
type SessionKey struct {
	key     [KeySize]byte
	counter uint64

	// dirBit distinguishes the dialer->listener direction (0x00) from the
	// listener->dialer direction (0x80) in the first nonce byte.
	dirBit byte

	mu sync.Mutex
}

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair. The
// private key should be zeroed after computing the shared secret.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman and returns the shared secret.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte
	var zeroKey [KeySize]byte

	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("%w: zero public key", ErrLowOrderPoint)
	}

	out, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		return sharedSecret, fmt.Errorf("%w: %v", ErrLowOrderPoint, err)
	}
	copy(sharedSecret[:], out)

	if sharedSecret == zeroKey {
		return sharedSecret, ErrLowOrderPoint
	}

	return sharedSecret, nil
}

// DeriveSessionKeys derives one key per direction from an ECDH shared secret.
// salt binds the keys to the handshake transcript. The returned send key seals
// records written by this side and recv opens records written by the peer.
func DeriveSessionKeys(sharedSecret [KeySize]byte, salt []byte, isDialer bool) (send, recv *SessionKey, err error) {
	reader := hkdf.New(sha256.New, sharedSecret[:], salt, []byte(hkdfInfo))

	var dialerKey, listenerKey [KeySize]byte
	if _, err := io.ReadFull(reader, dialerKey[:]); err != nil {
		return nil, nil, fmt.Errorf("derive dialer key: %w", err)
	}
	if _, err := io.ReadFull(reader, listenerKey[:]); err != nil {
		return nil, nil, fmt.Errorf("derive listener key: %w", err)
	}

	outbound := &SessionKey{key: dialerKey, dirBit: 0x00}
	inbound := &SessionKey{key: listenerKey, dirBit: 0x80}
	ZeroKey(&dialerKey)
	ZeroKey(&listenerKey)

	if isDialer {
		return outbound, inbound, nil
	}
	return inbound, outbound, nil
}

// Seal encrypts plaintext with the next nonce in sequence. The result is
// nonce || ciphertext || tag.
func (s *SessionKey) Seal(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	nonce := s.nonce(s.counter)
	s.counter++
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])
	return aead.Seal(out, nonce[:], plaintext, nil), nil
}

// Open authenticates and decrypts a record produced by Seal. The record's
// nonce must be exactly the next one expected.
func (s *SessionKey) Open(record []byte) ([]byte, error) {
	if len(record) < EncryptionOverhead {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", ErrDecryptionFailed, len(record))
	}

	s.mu.Lock()
	expected := s.nonce(s.counter)
	if [NonceSize]byte(record[:NonceSize]) != expected {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: got %d", ErrNonceMismatch, binary.BigEndian.Uint64(record[4:NonceSize]))
	}
	s.counter++
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, expected[:], record[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// nonce layout: [dir byte][3 zero bytes][8 byte big-endian counter]
func (s *SessionKey) nonce(counter uint64) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = s.dirBit
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// Zero clears the key material.
func (s *SessionKey) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroKey(&s.key)
}

// ZeroBytes zeroes out a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
