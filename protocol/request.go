package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// CryptoLibName is the capability string advertised for the local
// sealed-box implementation.
const CryptoLibName = "nacl"

// Request is the version-independent view of an outgoing request. The
// fixed fields cover every known version; shaping drops the ones a
// given version does not carry. Extra holds source-specific extension
// fields without resorting to dynamic property creation.
type Request struct {
	Operation        string
	Mode             string
	InstanceHash     string
	InstanceHash2    string
	DBUID            string
	Env              string
	AppName          string
	AppVersion       string
	ExtensionVersion string
	ClientToken      string
	NewClientToken   string
	// Body is the operation payload (statistics report for pushes);
	// nil for plain message pulls.
	Body any
	// Extra carries source-specific extension fields verbatim.
	Extra map[string]string
}

// GenerateToken creates a fresh candidate client token: 100 random
// bytes as 200 hex characters.
func GenerateToken() (string, error) {
	raw := make([]byte, TokenHexLength/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating client token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ValidToken reports whether a token has the canonical length and hex
// alphabet.
func ValidToken(token string) bool {
	if len(token) != TokenHexLength {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// Shape renders the request as the wire field map for the given
// version. Fields a version does not know are omitted; fields it
// requires but the request lacks are an error.
func (r Request) Shape(spec Spec) (map[string]any, error) {
	fields := map[string]any{
		"operation":          r.Operation,
		"instance_hash":      r.InstanceHash,
		"instance_hash2":     r.InstanceHash2,
		"db_uid":             r.DBUID,
		"env":                r.Env,
		"app_name":           r.AppName,
		"app_version":        r.AppVersion,
		"encryption_library": CryptoLibName,
	}

	if spec.TokenRequired {
		fields["mode"] = r.Mode
		fields["extension_version"] = r.ExtensionVersion
		if spec.SplitToken {
			fields["client_token"] = r.ClientToken
			fields["new_client_token"] = r.NewClientToken
		} else {
			fields["token"] = r.ClientToken
		}
	}

	if spec.Enveloped {
		fields["version"] = string(spec.Tag)
	}

	if r.Body != nil {
		fields["body"] = r.Body
	}

	for k, v := range r.Extra {
		// Extension fields never override the fixed set.
		if _, exists := fields[k]; !exists {
			fields[k] = v
		}
	}

	for _, required := range spec.RequiredFields {
		value, ok := fields[required]
		if !ok {
			return nil, fmt.Errorf("request missing required field %q for version %s", required, spec.Tag)
		}
		if s, isString := value.(string); isString && s == "" {
			return nil, fmt.Errorf("request field %q empty for version %s", required, spec.Tag)
		}
	}

	return fields, nil
}
