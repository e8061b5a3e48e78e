package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/crypto"
)

// ErrSchema indicates a response body that violates the negotiated
// shape, such as a missing top-level messages key.
var ErrSchema = errors.New("response schema violation")

// ErrSignature indicates a response whose signature did not verify.
// The response must be discarded in full.
var ErrSignature = errors.New("response signature verification failed")

// WireTimeFormat is the timestamp layout used for message dates on the
// wire.
const WireTimeFormat = "2006-01-02 15:04:05"

// WireTranslation is one language entry of a wire message.
type WireTranslation struct {
	Language string `json:"lang"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	URL      string `json:"url"`
}

// WireIcon is a resolved icon payload.
type WireIcon struct {
	Data     []byte `json:"-"`
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename"`
}

// WireMessage is one announcement as carried on the wire, after icon
// reference resolution.
type WireMessage struct {
	ID             string
	Title          string
	StartDate      time.Time
	EndDate        *time.Time
	Priority       int
	TargetingQuery string
	Icon           *WireIcon
	Translations   []WireTranslation
}

// Response is the decoded, verified view of a remote source's reply.
type Response struct {
	Messages       []WireMessage
	NewClientToken string
	CryptoLib      string
	// Skipped counts malformed message entries dropped during parsing.
	Skipped int
}

// ParseResponse interprets a decoded payload according to the version's
// response shape, resolves icon references, and drops malformed message
// entries individually. A missing top-level messages key (for enveloped
// shapes) aborts the whole batch with ErrSchema.
func ParseResponse(spec Spec, payload map[string]any) (*Response, error) {
	var rawMessages []any

	switch spec.Shape {
	case ShapeFlatArray:
		list, ok := payload["messages"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: missing messages array", ErrSchema)
		}
		rawMessages = list
	case ShapeEnveloped:
		value, present := payload["messages"]
		if !present {
			return nil, fmt.Errorf("%w: missing messages key", ErrSchema)
		}
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: messages is not an array", ErrSchema)
		}
		rawMessages = list
	default:
		return nil, fmt.Errorf("%w: unhandled response shape", ErrSchema)
	}

	icons := parseIconTable(payload)

	resp := &Response{}
	if token, ok := payload["new_client_token"].(string); ok {
		resp.NewClientToken = token
	}
	if lib, ok := payload["crypto_lib"].(string); ok {
		resp.CryptoLib = lib
	} else if lib, ok := payload["encryption_library"].(string); ok {
		resp.CryptoLib = lib
	}

	for i, raw := range rawMessages {
		entry, ok := raw.(map[string]any)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"package": "protocol",
				"index":   i,
			}).Warn("skipping non-object message entry")
			resp.Skipped++
			continue
		}

		msg, err := parseMessage(spec, entry, icons)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"package": "protocol",
				"index":   i,
				"error":   err.Error(),
			}).Warn("skipping malformed message entry")
			resp.Skipped++
			continue
		}
		resp.Messages = append(resp.Messages, msg)
	}

	return resp, nil
}

// VerifyResponseSignature checks the response signature over the byte
// range the version (and the peer's extension version) specifies.
// Unsigned versions pass trivially. Any mismatch is ErrSignature.
func VerifyResponseSignature(spec Spec, payload map[string]any, extensionVersion string, signerPK [crypto.KeySize]byte) error {
	scope := spec.EffectiveSignScope(extensionVersion)
	if scope == ScopeNone {
		return nil
	}

	encoded, ok := payload["signature"].(string)
	if !ok || encoded == "" {
		return fmt.Errorf("%w: signature missing", ErrSignature)
	}
	rawSig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(rawSig) != crypto.SignatureSize {
		return fmt.Errorf("%w: signature malformed", ErrSignature)
	}
	var signature crypto.Signature
	copy(signature[:], rawSig)

	covered, err := SignatureBytes(scope, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	valid, err := crypto.Verify(covered, signature, signerPK)
	if err != nil || !valid {
		return ErrSignature
	}
	return nil
}

// SignatureBytes computes the canonical byte range a signature covers.
// Both signing and verification go through this function so the two
// sides agree on serialization. JSON object keys marshal in sorted
// order, which makes the encoding deterministic.
func SignatureBytes(scope SignatureScope, payload map[string]any) ([]byte, error) {
	switch scope {
	case ScopeMessages:
		messages, present := payload["messages"]
		if !present {
			return nil, errors.New("no messages field to sign")
		}
		return json.Marshal(messages)
	case ScopeWholeResponse:
		trimmed := make(map[string]any, len(payload))
		for k, v := range payload {
			if k == "signature" {
				continue
			}
			trimmed[k] = v
		}
		return json.Marshal(trimmed)
	default:
		return nil, errors.New("unsigned scope has no signature bytes")
	}
}

// ParseFlatBody parses a legacy bare-array response body and lifts it
// into the payload form ParseResponse expects.
func ParseFlatBody(raw []byte) (map[string]any, error) {
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: body is not a message array", ErrSchema)
	}
	return map[string]any{"messages": list}, nil
}

func parseIconTable(payload map[string]any) map[string]*WireIcon {
	table, ok := payload["icons"].(map[string]any)
	if !ok {
		return nil
	}

	icons := make(map[string]*WireIcon, len(table))
	for ref, raw := range table {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		encoded, _ := entry["data"].(string)
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(data) == 0 {
			logrus.WithFields(logrus.Fields{
				"package": "protocol",
				"ref":     ref,
			}).Warn("skipping undecodable icon entry")
			continue
		}
		icon := &WireIcon{Data: data}
		icon.Mimetype, _ = entry["mimetype"].(string)
		icon.Filename, _ = entry["filename"].(string)
		icons[ref] = icon
	}
	return icons
}

func parseMessage(spec Spec, entry map[string]any, icons map[string]*WireIcon) (WireMessage, error) {
	id, ok := entry["id"].(string)
	if !ok || id == "" {
		return WireMessage{}, errors.New("missing id")
	}
	title, ok := entry["title"].(string)
	if !ok || title == "" {
		return WireMessage{}, errors.New("missing title")
	}

	msg := WireMessage{ID: id, Title: title}

	startRaw, ok := entry["start_date"].(string)
	if !ok || startRaw == "" {
		return WireMessage{}, errors.New("missing start_date")
	}
	start, err := time.Parse(WireTimeFormat, startRaw)
	if err != nil {
		return WireMessage{}, fmt.Errorf("invalid start_date %q", startRaw)
	}
	msg.StartDate = start

	if endRaw, ok := entry["end_date"].(string); ok && endRaw != "" {
		end, err := time.Parse(WireTimeFormat, endRaw)
		if err != nil {
			return WireMessage{}, fmt.Errorf("invalid end_date %q", endRaw)
		}
		msg.EndDate = &end
	}

	if priority, ok := entry["priority"].(float64); ok {
		msg.Priority = int(priority)
	}
	msg.TargetingQuery, _ = entry["target"].(string)

	if err := attachIcon(spec, entry, icons, &msg); err != nil {
		return WireMessage{}, err
	}

	if rawTranslations, ok := entry["translations"].([]any); ok {
		for _, rawTr := range rawTranslations {
			tr, ok := rawTr.(map[string]any)
			if !ok {
				continue
			}
			lang, _ := tr["lang"].(string)
			if lang == "" {
				continue
			}
			translation := WireTranslation{Language: lang}
			translation.Title, _ = tr["title"].(string)
			translation.Text, _ = tr["text"].(string)
			translation.URL, _ = tr["url"].(string)
			msg.Translations = append(msg.Translations, translation)
		}
	}

	return msg, nil
}

// attachIcon resolves the message's icon: a reference into the icon
// table for versions that de-duplicate, an inline object otherwise.
func attachIcon(spec Spec, entry map[string]any, icons map[string]*WireIcon, msg *WireMessage) error {
	raw, present := entry["icon"]
	if !present || raw == nil {
		return nil
	}

	if spec.IconTable {
		ref, ok := raw.(string)
		if !ok {
			return errors.New("icon reference is not a string")
		}
		if ref == "" {
			return nil
		}
		icon, found := icons[ref]
		if !found {
			return fmt.Errorf("unresolvable icon reference %q", ref)
		}
		msg.Icon = icon
		return nil
	}

	inline, ok := raw.(map[string]any)
	if !ok {
		return errors.New("inline icon is not an object")
	}
	encoded, _ := inline["data"].(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		return errors.New("inline icon data undecodable")
	}
	icon := &WireIcon{Data: data}
	icon.Mimetype, _ = inline["mimetype"].(string)
	icon.Filename, _ = inline["filename"].(string)
	msg.Icon = icon
	return nil
}
