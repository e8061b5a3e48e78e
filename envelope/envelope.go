// Package envelope implements the wire payload codec for the newswire
// protocol: JSON serialization, optional sealed-box encryption, and
// base64 transport armoring.
//
// Decoding is all-or-nothing. A payload either yields a well-formed
// JSON object or fails with ErrPayloadDecode; there is no silent
// coercion to an empty structure.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/crypto"
)

// ErrPayloadDecode indicates a wire payload could not be decoded: not
// valid base64, not a sealed box for the local key pair, or not a JSON
// object after unsealing.
var ErrPayloadDecode = errors.New("payload decode failed")

// Algorithm selects how a payload body is protected on the wire.
type Algorithm int

const (
	// Plain sends the JSON body base64-encoded without encryption.
	Plain Algorithm = iota
	// Sealed encrypts the JSON body in an anonymous sealed box for the
	// recipient before base64 encoding.
	Sealed
)

// String returns the wire name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case Plain:
		return "plain"
	case Sealed:
		return "sealed"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// Encode serializes payload to JSON, seals it for recipientPK when alg
// is Sealed, and returns the base64 transport form.
func Encode(payload any, alg Algorithm, recipientPK [crypto.KeySize]byte) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	body := raw
	if alg == Sealed {
		body, err = crypto.Seal(raw, recipientPK)
		if err != nil {
			return "", fmt.Errorf("sealing payload: %w", err)
		}
	}

	return base64.StdEncoding.EncodeToString(body), nil
}

// Decode reverses Encode: base64-decodes the transport form, unseals it
// with keyPair when the content is not already a JSON object, and
// unmarshals the result. keyPair may be nil when only plaintext
// payloads are expected.
func Decode(encoded string, keyPair *crypto.KeyPair) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decode",
			"package":  "envelope",
			"error":    err.Error(),
		}).Warn("payload is not valid base64")
		return nil, ErrPayloadDecode
	}
	if len(raw) == 0 {
		return nil, ErrPayloadDecode
	}

	// A sealed body never starts with '{'; the ephemeral public key
	// prefix is effectively random bytes.
	if raw[0] != '{' {
		if keyPair == nil {
			return nil, ErrPayloadDecode
		}
		raw, err = crypto.Unseal(raw, keyPair)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Decode",
				"package":  "envelope",
				"error":    err.Error(),
			}).Warn("payload unseal failed")
			return nil, ErrPayloadDecode
		}
		if len(raw) == 0 || raw[0] != '{' {
			return nil, ErrPayloadDecode
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decode",
			"package":  "envelope",
			"error":    err.Error(),
		}).Warn("payload is not valid JSON")
		return nil, ErrPayloadDecode
	}

	return payload, nil
}

// DecodeInto decodes like Decode but unmarshals into a typed target.
func DecodeInto(encoded string, keyPair *crypto.KeyPair, target any) error {
	payload, err := Decode(encoded, keyPair)
	if err != nil {
		return err
	}

	// Re-marshal through the generic form so the same validation path
	// applies to both callers.
	raw, err := json.Marshal(payload)
	if err != nil {
		return ErrPayloadDecode
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return ErrPayloadDecode
	}
	return nil
}
