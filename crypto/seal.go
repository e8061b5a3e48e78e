package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// ErrCrypto indicates a sealed box could not be opened with the local
// key pair. Callers must treat the exchange as failed; the ciphertext
// is never usable as plaintext.
var ErrCrypto = errors.New("sealed box open failed")

// MaxPayloadSize bounds plaintext accepted by Seal (1MB, matching the
// envelope codec's decode bound).
const MaxPayloadSize = 1024 * 1024

// SealOverhead is the number of bytes an anonymous sealed box adds to
// the plaintext: an ephemeral public key plus the box MAC.
const SealOverhead = box.AnonymousOverhead

// Seal encrypts a payload for a recipient using an anonymous sealed
// box. Only the holder of the recipient's private key can open it; the
// sender remains unidentified.
func Seal(payload []byte, recipientPK [KeySize]byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes", len(payload))
	}
	if isZeroKey(recipientPK) {
		return nil, errors.New("invalid recipient key: all zeros")
	}

	return box.SealAnonymous(nil, payload, &recipientPK, rand.Reader)
}

// Unseal opens an anonymous sealed box with the recipient's key pair.
// Returns ErrCrypto if the ciphertext was not produced for this key
// pair or has been tampered with.
func Unseal(ciphertext []byte, keyPair *KeyPair) ([]byte, error) {
	if keyPair == nil {
		return nil, errors.New("nil key pair")
	}
	if len(ciphertext) < SealOverhead {
		return nil, ErrCrypto
	}

	plaintext, ok := box.OpenAnonymous(nil, ciphertext, &keyPair.Public, &keyPair.Private)
	if !ok {
		return nil, ErrCrypto
	}
	return plaintext, nil
}
