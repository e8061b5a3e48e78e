package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 detached signature over a response
// payload.
type Signature [SignatureSize]byte

// SignKeyPair holds an Ed25519 signing key pair. The private key is
// stored as its 32-byte seed; the full key is re-derived on use.
type SignKeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateSignKeyPair creates a new random Ed25519 signing key pair.
func GenerateSignKeyPair() (*SignKeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	kp := &SignKeyPair{}
	copy(kp.Public[:], public)
	copy(kp.Private[:], private.Seed())
	return kp, nil
}

// SignKeyPairFromSeed creates a signing key pair from a 32-byte seed.
func SignKeyPairFromSeed(seed [KeySize]byte) (*SignKeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid signing seed: all zeros")
	}

	private := ed25519.NewKeyFromSeed(seed[:])
	kp := &SignKeyPair{Private: seed}
	copy(kp.Public[:], private.Public().(ed25519.PublicKey))
	return kp, nil
}

// Sign creates an Ed25519 signature for a message using the private key.
func Sign(message []byte, privateKey [KeySize]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)
	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [KeySize]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}
