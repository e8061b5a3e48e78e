package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownVersion indicates a protocol version tag outside the closed
// set of supported versions.
var ErrUnknownVersion = errors.New("unknown protocol version")

// Version is a protocol version tag.
type Version string

// The closed, ordered set of protocol versions.
const (
	// Version10 sends request fields as discrete parameters with no
	// JSON envelope and no signature.
	Version10 Version = "1.0"
	// Version110 introduces the base64 JSON envelope with optional
	// sealing; signatures cover the messages array only.
	Version110 Version = "1.1.0"
	// Version200 introduces client tokens, the operation mode field,
	// and de-duplicated icon references.
	Version200 Version = "2.0.0"
	// Version210 splits the token field into client_token and
	// new_client_token and widens the signature to the whole response
	// for sufficiently new extensions.
	Version210 Version = "2.1.0"
)

// Latest is the newest protocol version; clients always request with
// it.
const Latest = Version210

// Operations observable on the wire.
const (
	OpGetMessages      = "get_messages_for_instance"
	OpReportStatistics = "report_read_statistics"
)

// SignatureScope identifies which byte range of a response a signature
// covers.
type SignatureScope int

const (
	// ScopeNone means the version never carries a signature.
	ScopeNone SignatureScope = iota
	// ScopeMessages signs the serialized messages array only.
	ScopeMessages
	// ScopeWholeResponse signs the entire response object minus the
	// signature field itself, falling back to ScopeMessages for
	// extensions older than WholeResponseThreshold.
	ScopeWholeResponse
)

// ResponseShape identifies the top-level layout of a response body.
type ResponseShape int

const (
	// ShapeFlatArray is the legacy bare array of message objects.
	ShapeFlatArray ResponseShape = iota
	// ShapeEnveloped is an object with messages, optional icons table,
	// signature and token fields.
	ShapeEnveloped
)

// TokenHexLength is the length in hex characters of a client token
// (100 random bytes) for versions that support tokens.
const TokenHexLength = 200

// WholeResponseThreshold is the extension version at or above which a
// 2.1.0 peer signs the whole response instead of the messages array.
var WholeResponseThreshold = Semver{Major: 2, Minor: 1, Patch: 0}

// Spec describes the capabilities and field requirements of one
// protocol version.
type Spec struct {
	Tag Version
	// Enveloped is false only for 1.0, which sends discrete parameters.
	Enveloped bool
	// Sealable reports whether the request body may be sealed for the
	// remote source's public key.
	Sealable bool
	// TokenRequired mandates a client token on every request.
	TokenRequired bool
	// SplitToken selects the client_token/new_client_token field pair
	// over the single token field.
	SplitToken bool
	// SignScope is the signature coverage for responses.
	SignScope SignatureScope
	// Shape is the response body layout.
	Shape ResponseShape
	// IconTable reports whether icon payloads are de-duplicated into a
	// reference side-table.
	IconTable bool
	// RequiredFields lists request fields a server must reject the
	// request without.
	RequiredFields []string
}

var specs = map[Version]Spec{
	Version10: {
		Tag:       Version10,
		Enveloped: false,
		Sealable:  false,
		SignScope: ScopeNone,
		Shape:     ShapeFlatArray,
		RequiredFields: []string{
			"operation", "instance_hash", "instance_hash2", "db_uid",
			"env", "app_name", "app_version", "encryption_library",
		},
	},
	Version110: {
		Tag:       Version110,
		Enveloped: true,
		Sealable:  true,
		SignScope: ScopeMessages,
		Shape:     ShapeEnveloped,
		RequiredFields: []string{
			"operation", "instance_hash", "instance_hash2", "db_uid",
			"env", "app_name", "app_version", "encryption_library",
		},
	},
	Version200: {
		Tag:           Version200,
		Enveloped:     true,
		Sealable:      true,
		TokenRequired: true,
		SignScope:     ScopeMessages,
		Shape:         ShapeEnveloped,
		IconTable:     true,
		RequiredFields: []string{
			"operation", "instance_hash", "instance_hash2", "db_uid",
			"env", "app_name", "app_version", "encryption_library",
			"token", "mode", "extension_version",
		},
	},
	Version210: {
		Tag:           Version210,
		Enveloped:     true,
		Sealable:      true,
		TokenRequired: true,
		SplitToken:    true,
		SignScope:     ScopeWholeResponse,
		Shape:         ShapeEnveloped,
		IconTable:     true,
		RequiredFields: []string{
			"operation", "instance_hash", "instance_hash2", "db_uid",
			"env", "app_name", "app_version", "encryption_library",
			"client_token", "new_client_token", "mode", "extension_version",
		},
	},
}

// ordered lists versions oldest first.
var ordered = []Version{Version10, Version110, Version200, Version210}

// Lookup resolves the Spec for a version tag.
func Lookup(tag Version) (Spec, error) {
	spec, ok := specs[tag]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownVersion, tag)
	}
	return spec, nil
}

// Versions returns all supported version tags, oldest first.
func Versions() []Version {
	out := make([]Version, len(ordered))
	copy(out, ordered)
	return out
}

// Supported reports whether tag names a known version.
func Supported(tag Version) bool {
	_, ok := specs[tag]
	return ok
}

// Semver is a parsed three-part version used for extension version
// threshold comparisons.
type Semver struct {
	Major int
	Minor int
	Patch int
}

// String returns the dotted form of the version.
func (s Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Major, s.Minor, s.Patch)
}

// Compare returns -1 if s < other, 0 if equal, 1 if s > other.
func (s Semver) Compare(other Semver) int {
	if s.Major != other.Major {
		if s.Major < other.Major {
			return -1
		}
		return 1
	}
	if s.Minor != other.Minor {
		if s.Minor < other.Minor {
			return -1
		}
		return 1
	}
	if s.Patch != other.Patch {
		if s.Patch < other.Patch {
			return -1
		}
		return 1
	}
	return 0
}

// AtLeast reports whether s >= other.
func (s Semver) AtLeast(other Semver) bool {
	return s.Compare(other) >= 0
}

// ParseSemver parses a dotted version string of one to three numeric
// parts; missing parts default to zero.
func ParseSemver(s string) (Semver, error) {
	if s == "" {
		return Semver{}, errors.New("empty version string")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Semver{}, fmt.Errorf("too many version parts in %q", s)
	}

	var out Semver
	fields := []*int{&out.Major, &out.Minor, &out.Patch}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Semver{}, fmt.Errorf("invalid version part %q in %q", part, s)
		}
		*fields[i] = n
	}
	return out, nil
}

// EffectiveSignScope resolves the signature scope for a response,
// applying the extension-version threshold for whole-response signing.
// extensionVersion is the requester's reported extension version; an
// empty or unparseable value falls back to the narrower messages-only
// scope.
func (s Spec) EffectiveSignScope(extensionVersion string) SignatureScope {
	if s.SignScope != ScopeWholeResponse {
		return s.SignScope
	}

	parsed, err := ParseSemver(extensionVersion)
	if err != nil || !parsed.AtLeast(WholeResponseThreshold) {
		return ScopeMessages
	}
	return ScopeWholeResponse
}
