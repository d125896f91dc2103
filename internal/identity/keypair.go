package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// keyFileName is the name of the file storing the node key seed
const keyFileName = "node_key"

// ErrKeyNotFound is returned by LoadKeypair when no key file exists.
var ErrKeyNotFound = errors.New("node key not found")

// Keypair is the long-term Ed25519 signing key of a node.
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	id         PeerID
}

// NewKeypair generates a fresh node key.
func NewKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	return &Keypair{
		PublicKey:  pub,
		PrivateKey: priv,
		id:         PeerIDFromPublicKey(pub),
	}, nil
}

// KeypairFromSeed rebuilds a keypair from its 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{
		PublicKey:  pub,
		PrivateKey: priv,
		id:         PeerIDFromPublicKey(pub),
	}, nil
}

// ID returns the PeerID derived from the public key.
func (k *Keypair) ID() PeerID {
	return k.id
}

// Sign signs msg with the node key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.PrivateKey, msg)
}

// Store persists the key seed to dataDir.
func (k *Keypair) Store(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, keyFileName)

	// Write atomically by writing to temp file first
	tempPath := filePath + ".tmp"
	seed := hex.EncodeToString(k.PrivateKey.Seed())
	if err := os.WriteFile(tempPath, []byte(seed+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write node key: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist node key: %w", err)
	}

	return nil
}

// LoadKeypair reads the node key from dataDir.
func LoadKeypair(dataDir string) (*Keypair, error) {
	filePath := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrKeyNotFound, filePath)
		}
		return nil, fmt.Errorf("failed to read node key: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid node key file %s: %w", filePath, err)
	}
	return KeypairFromSeed(seed)
}

// LoadOrCreate loads the node key from dataDir, creating and persisting a
// new one if none exists. The boolean reports whether a key was created.
func LoadOrCreate(dataDir string) (*Keypair, bool, error) {
	kp, err := LoadKeypair(dataDir)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	kp, err = NewKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// Exists checks if a node key file exists in the data directory.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}
