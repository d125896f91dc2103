// Package identity provides node identity management.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// IDSize is the size of a PeerID in bytes (128 bits)
	IDSize = 16
)

var (
	// ErrInvalidIDLength is returned when the ID length is incorrect
	ErrInvalidIDLength = errors.New("invalid peer ID length: expected 16 bytes")

	// ErrInvalidHexString is returned when the hex string is malformed
	ErrInvalidHexString = errors.New("invalid hex string for peer ID")

	// ZeroID represents an uninitialized peer ID
	ZeroID = PeerID{}
)

// PeerID is the stable identifier of a node.
// It is the first 16 bytes of SHA-256 over the node's Ed25519 public key.
type PeerID [IDSize]byte

// PeerIDFromPublicKey derives the PeerID bound to an Ed25519 public key.
func PeerIDFromPublicKey(pub []byte) PeerID {
	sum := sha256.Sum256(pub)
	var id PeerID
	copy(id[:], sum[:IDSize])
	return id
}

// ParsePeerID parses a PeerID from a hex string.
func ParsePeerID(s string) (PeerID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id PeerID
	copy(id[:], b)
	return id, nil
}

// FromBytes creates a PeerID from a byte slice.
func FromBytes(b []byte) (PeerID, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation of the PeerID.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation (first 8 chars).
func (id PeerID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns the PeerID as a byte slice.
func (id PeerID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the PeerID is uninitialized (all zeros).
func (id PeerID) IsZero() bool {
	return id == ZeroID
}

// Less reports whether id orders before other.
func (id PeerID) Less(other PeerID) bool {
	return Compare(id, other) < 0
}

// Compare orders two PeerIDs lexicographically by their bytes.
// It returns -1, 0 or +1. The order is total, so two nodes comparing the
// same pair of identities always reach the same answer.
func Compare(a, b PeerID) int {
	return bytes.Compare(a[:], b[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
