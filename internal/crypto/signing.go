package crypto

import (
	"crypto/ed25519"
)

const (
	// Ed25519PublicKeySize is the size of Ed25519 public keys in bytes.
	Ed25519PublicKeySize = ed25519.PublicKeySize

	// Ed25519SignatureSize is the size of Ed25519 signatures in bytes.
	Ed25519SignatureSize = ed25519.SignatureSize
)

// Verify checks an Ed25519 signature. Malformed keys or signatures never
// verify.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != Ed25519PublicKeySize || len(signature) != Ed25519SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}
