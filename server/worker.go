package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/crypto"
	"github.com/opd-ai/newswire/envelope"
	"github.com/opd-ai/newswire/protocol"
)

var (
	// ErrConfiguration indicates the provider role is disabled or no
	// capable extension exists for the request. The request fails
	// closed.
	ErrConfiguration = errors.New("provider configuration rejects request")
	// ErrValidation indicates a request missing mandatory fields or
	// carrying a malformed token.
	ErrValidation = errors.New("request validation failed")
)

// Incoming is one request as received from the transport glue.
type Incoming struct {
	// Version is the protocol version request parameter.
	Version string
	// Payload is the base64 envelope for enveloped versions.
	Payload string
	// Fields carries the discrete parameters of a 1.0 request.
	Fields map[string]string
}

// Exchange is the mutable state threaded through the extension chain.
type Exchange struct {
	Spec   protocol.Spec
	Fields map[string]any
	// Response is nil until an extension populates it; the run loop
	// stops at the first extension that does.
	Response map[string]any
}

// Operation returns the requested operation tag.
func (e *Exchange) Operation() string {
	op, _ := e.Fields["operation"].(string)
	return op
}

// ExtensionVersion returns the requester's reported extension version.
func (e *Exchange) ExtensionVersion() string {
	v, _ := e.Fields["extension_version"].(string)
	return v
}

// RequestedNewToken returns the rotation candidate the requester sent.
// Only split-token versions carry one; for the single-token layout the
// server mints the rotation value itself.
func (e *Exchange) RequestedNewToken() string {
	token, _ := e.Fields["new_client_token"].(string)
	return token
}

// RotationToken resolves the new_client_token value for the response:
// the requester's candidate when the version carries one, a freshly
// minted token otherwise.
func (e *Exchange) RotationToken() (string, error) {
	if e.Spec.SplitToken {
		return e.RequestedNewToken(), nil
	}
	return protocol.GenerateToken()
}

// Extension is one pluggable response builder. Extensions are selected
// by the intersection of supported versions and operations and run in
// ascending rank order.
type Extension interface {
	Name() string
	Rank() int
	SupportsVersion(v protocol.Version) bool
	SupportsOperation(op string) bool
	Execute(ctx context.Context, ex *Exchange) error
}

// Worker is the provider-side request processor.
type Worker struct {
	enabled    bool
	keyPair    *crypto.KeyPair
	signKeys   *crypto.SignKeyPair
	extensions []Extension
}

// NewWorker creates a provider worker. keyPair unseals incoming
// envelopes and may be nil when only plaintext requests are expected;
// signKeys signs responses and may be nil to serve unsigned.
func NewWorker(enabled bool, keyPair *crypto.KeyPair, signKeys *crypto.SignKeyPair, extensions []Extension) *Worker {
	sorted := make([]Extension, len(extensions))
	copy(sorted, extensions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank() < sorted[j].Rank() })

	return &Worker{
		enabled:    enabled,
		keyPair:    keyPair,
		signKeys:   signKeys,
		extensions: sorted,
	}
}

// Handle runs one request through the full pipeline and returns the
// emitted body. Any error means the caller must answer with a failure
// and no body.
func (w *Worker) Handle(ctx context.Context, in Incoming) ([]byte, error) {
	if !w.enabled {
		return nil, fmt.Errorf("%w: provider role disabled", ErrConfiguration)
	}

	spec, err := protocol.Lookup(protocol.Version(in.Version))
	if err != nil {
		return nil, err
	}

	ex, err := w.decodeRequest(spec, in)
	if err != nil {
		return nil, err
	}

	if err := w.validateMandatoryFields(ex); err != nil {
		return nil, err
	}

	capable := w.selectExtensions(spec.Tag, ex.Operation())
	if len(capable) == 0 {
		return nil, fmt.Errorf("%w: no capable extension for %s/%s", ErrConfiguration, spec.Tag, ex.Operation())
	}

	for _, ext := range capable {
		// First extension to populate a response wins; later ranks are
		// layered overrides that only act on untouched exchanges.
		if ex.Response != nil {
			break
		}
		if err := ext.Execute(ctx, ex); err != nil {
			return nil, fmt.Errorf("extension %s: %w", ext.Name(), err)
		}
	}
	if ex.Response == nil {
		return nil, fmt.Errorf("%w: extensions produced no response", ErrConfiguration)
	}

	if err := w.finalize(ex); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"package":   "server",
		"version":   string(spec.Tag),
		"operation": ex.Operation(),
	}).Debug("request served")

	return emit(spec, ex.Response)
}

// decodeRequest turns the raw incoming form into a field map: envelope
// decoding for enveloped versions, a straight lift for 1.0.
func (w *Worker) decodeRequest(spec protocol.Spec, in Incoming) (*Exchange, error) {
	ex := &Exchange{Spec: spec}

	if spec.Enveloped {
		fields, err := envelope.Decode(in.Payload, w.keyPair)
		if err != nil {
			return nil, err
		}
		ex.Fields = fields
		return ex, nil
	}

	fields := make(map[string]any, len(in.Fields))
	for k, v := range in.Fields {
		fields[k] = v
	}
	ex.Fields = fields
	return ex, nil
}

// validateMandatoryFields enforces the version's required field set and
// the token format where tokens are mandatory.
func (w *Worker) validateMandatoryFields(ex *Exchange) error {
	for _, required := range ex.Spec.RequiredFields {
		value, present := ex.Fields[required]
		if !present {
			return fmt.Errorf("%w: missing field %q", ErrValidation, required)
		}
		if s, isString := value.(string); isString && s == "" {
			return fmt.Errorf("%w: empty field %q", ErrValidation, required)
		}
	}

	if ex.Spec.TokenRequired {
		tokenField := "token"
		if ex.Spec.SplitToken {
			tokenField = "client_token"
		}
		token, _ := ex.Fields[tokenField].(string)
		if !protocol.ValidToken(token) {
			return fmt.Errorf("%w: malformed %s", ErrValidation, tokenField)
		}
	}
	return nil
}

// selectExtensions filters the registered extensions by version and
// operation capability, preserving rank order.
func (w *Worker) selectExtensions(version protocol.Version, operation string) []Extension {
	var capable []Extension
	for _, ext := range w.extensions {
		if ext.SupportsVersion(version) && ext.SupportsOperation(operation) {
			capable = append(capable, ext)
		}
	}
	return capable
}

// finalize signs the response when the version and configuration call
// for it. Signing failures abort the request; an unsigned listing is
// never emitted where a signature is expected.
func (w *Worker) finalize(ex *Exchange) error {
	scope := ex.Spec.EffectiveSignScope(ex.ExtensionVersion())
	if scope == protocol.ScopeNone || w.signKeys == nil {
		return nil
	}

	// crypto_lib is part of the signed range for whole-response scope,
	// so it must be in place before the bytes are computed.
	ex.Response["crypto_lib"] = protocol.CryptoLibName

	covered, err := protocol.SignatureBytes(scope, ex.Response)
	if err != nil {
		return fmt.Errorf("computing signature bytes: %w", err)
	}
	signature, err := crypto.Sign(covered, w.signKeys.Private)
	if err != nil {
		return fmt.Errorf("signing response: %w", err)
	}

	ex.Response["signature"] = base64.StdEncoding.EncodeToString(signature[:])
	return nil
}

// emit renders the response in the version's body framing: a base64
// envelope for enveloped versions, a bare message array for 1.0.
func emit(spec protocol.Spec, response map[string]any) ([]byte, error) {
	if spec.Enveloped {
		encoded, err := envelope.Encode(response, envelope.Plain, [crypto.KeySize]byte{})
		if err != nil {
			return nil, err
		}
		return []byte(encoded), nil
	}

	messages, ok := response["messages"]
	if !ok {
		return nil, fmt.Errorf("%w: flat response without messages", ErrConfiguration)
	}
	return json.Marshal(messages)
}

var callbackName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// WrapJSONP wraps an emitted body in a JSONP callback invocation. A
// JSON body (the legacy flat array) is passed through as the literal
// argument; a base64 envelope body is quoted into a string literal.
// An invalid callback name returns the body unchanged.
func WrapJSONP(callback string, body []byte) []byte {
	if !callbackName.MatchString(callback) {
		return body
	}

	argument := body
	if !json.Valid(body) {
		argument, _ = json.Marshal(string(body))
	}

	out := make([]byte, 0, len(callback)+len(argument)+2)
	out = append(out, callback...)
	out = append(out, '(')
	out = append(out, argument...)
	out = append(out, ')')
	return out
}
