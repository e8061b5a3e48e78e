package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size in bytes of all curve25519 keys used by the
// sealed-box layer.
const KeySize = 32

// KeyPair represents a NaCl crypto_box key pair used for sealed-box
// envelope decryption.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey creates a key pair from an existing private key by
// deriving the matching curve25519 public key.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	var publicKey [KeySize]byte
	curve25519.ScalarBaseMult(&publicKey, &secretKey)

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}

// EncodeKey returns the lowercase hex representation of a key, the
// format used in configuration files.
func EncodeKey(key [KeySize]byte) string {
	return hex.EncodeToString(key[:])
}

// DecodeKey parses a hex-encoded 32-byte key.
func DecodeKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decoding key hex: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
