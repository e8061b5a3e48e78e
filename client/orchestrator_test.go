package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/opd-ai/newswire/crypto"
	"github.com/opd-ai/newswire/envelope"
	"github.com/opd-ai/newswire/message"
	"github.com/opd-ai/newswire/protocol"
	"github.com/opd-ai/newswire/reconcile"
	"github.com/opd-ai/newswire/store"
)

// fakeTransport routes every Post through a handler and records the
// decoded request fields.
type fakeTransport struct {
	handler  func(fields map[string]any) (int, []byte, error)
	requests []map[string]any
}

func (f *fakeTransport) Post(ctx context.Context, rawURL string, body []byte) (int, []byte, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return 0, nil, err
	}
	fields, err := envelope.Decode(form.Get("payload"), nil)
	if err != nil {
		return 0, nil, err
	}
	f.requests = append(f.requests, fields)
	return f.handler(fields)
}

func testIdentity() Identity {
	return Identity{
		InstanceHash:     "hash-a",
		InstanceHash2:    "hash-b",
		DBUID:            "db-1",
		Env:              "production",
		AppName:          "newswire",
		AppVersion:       "1.0.0",
		ExtensionVersion: "2.1.0",
	}
}

func testSource() Source {
	return Source{
		Name:      "news.example.com",
		URL:       "https://news.example.com/wire",
		Frequency: time.Hour,
	}
}

// signedResponse builds an enveloped 2.1.0 response echoing the
// candidate token, signed whole-response when keys is non-nil.
func signedResponse(t *testing.T, keys *crypto.SignKeyPair, candidate string, messages []any) []byte {
	t.Helper()

	if messages == nil {
		messages = []any{}
	}
	payload := map[string]any{
		"messages":         messages,
		"new_client_token": candidate,
		"crypto_lib":       "nacl",
	}
	if keys != nil {
		covered, err := protocol.SignatureBytes(protocol.ScopeWholeResponse, payload)
		if err != nil {
			t.Fatalf("SignatureBytes() error: %v", err)
		}
		signature, err := crypto.Sign(covered, keys.Private)
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}
		payload["signature"] = base64.StdEncoding.EncodeToString(signature[:])
	}

	encoded, err := envelope.Encode(payload, envelope.Plain, [crypto.KeySize]byte{})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return []byte(encoded)
}

func wireEntry(id, title string) map[string]any {
	return map[string]any{
		"id":         id,
		"title":      title,
		"start_date": "2026-03-01 08:00:00",
		"priority":   float64(3),
		"translations": []any{
			map[string]any{"lang": "en_US", "title": title, "text": "text"},
		},
	}
}

func newOrchestrator(transport Transport, s *store.MemoryStore) *Orchestrator {
	engine := reconcile.NewEngine(s)
	return NewOrchestrator(transport, s, engine, nil, testIdentity(), nil)
}

func TestRunPullReconcilesAndRotatesToken(t *testing.T) {
	s := store.NewMemoryStore()
	transport := &fakeTransport{}
	transport.handler = func(fields map[string]any) (int, []byte, error) {
		candidate, _ := fields["new_client_token"].(string)
		return 200, signedResponse(t, nil, candidate, []any{wireEntry("m1", "Hello")}), nil
	}

	o := newOrchestrator(transport, s)
	result := o.RunPull(context.Background(), []Source{testSource()}, ModeBackground)
	if result.Processed != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}

	local, _ := s.ListBySource(context.Background(), "news.example.com")
	if len(local) != 1 || local[0].Title != "Hello" {
		t.Errorf("reconciled messages: %+v", local)
	}

	// The candidate sent on the wire is now the stored token.
	req := transport.requests[0]
	sentCandidate, _ := req["new_client_token"].(string)
	stored, found, _ := s.GetClientToken(context.Background(), "news.example.com")
	if !found || stored != sentCandidate {
		t.Errorf("stored token %q, want confirmed candidate %q", stored, sentCandidate)
	}

	// Request carried the mandatory 2.1.0 fields.
	if req["operation"] != protocol.OpGetMessages || req["version"] != "2.1.0" {
		t.Errorf("request fields: %v", req)
	}
	if req["client_token"] == "" || req["instance_hash"] != "hash-a" {
		t.Errorf("request fields: %v", req)
	}

	if _, executed, _ := s.GetLastExecution(context.Background(), "news.example.com", protocol.OpGetMessages); !executed {
		t.Error("last execution not recorded")
	}
}

func TestRunPullSchedulingGate(t *testing.T) {
	s := store.NewMemoryStore()
	transport := &fakeTransport{}
	transport.handler = func(fields map[string]any) (int, []byte, error) {
		candidate, _ := fields["new_client_token"].(string)
		return 200, signedResponse(t, nil, candidate, nil), nil
	}

	o := newOrchestrator(transport, s)
	src := testSource()

	if result := o.RunPull(context.Background(), []Source{src}, ModeBackground); result.Processed != 1 {
		t.Fatalf("first run: %+v", result)
	}
	// Immediately after a successful cycle the source is not due.
	if result := o.RunPull(context.Background(), []Source{src}, ModeCatchup); result.NotDue != 1 || result.Processed != 0 {
		t.Errorf("second run: %+v", result)
	}
	if len(transport.requests) != 1 {
		t.Errorf("transport called %d times, want 1", len(transport.requests))
	}

	// Past frequency + leniency the source is due again.
	o.now = func() time.Time { return time.Now().Add(src.Frequency + Leniency + time.Minute) }
	if result := o.RunPull(context.Background(), []Source{src}, ModeBackground); result.Processed != 1 {
		t.Errorf("third run: %+v", result)
	}
}

func TestTokenKeptWhenNotConfirmed(t *testing.T) {
	cases := []struct {
		name  string
		token func(candidate string) any
	}{
		{"Omitted", func(string) any { return nil }},
		{"Different value", func(string) any { return "not-the-candidate" }},
		{"Empty string", func(string) any { return "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			if err := s.SetClientToken(context.Background(), "news.example.com", "tok-previous"); err != nil {
				t.Fatal(err)
			}

			transport := &fakeTransport{}
			transport.handler = func(fields map[string]any) (int, []byte, error) {
				candidate, _ := fields["new_client_token"].(string)
				payload := map[string]any{"messages": []any{}}
				if echoed := tc.token(candidate); echoed != nil {
					payload["new_client_token"] = echoed
				}
				raw, _ := json.Marshal(payload)
				return 200, []byte(base64.StdEncoding.EncodeToString(raw)), nil
			}

			o := newOrchestrator(transport, s)
			if result := o.RunPull(context.Background(), []Source{testSource()}, ModeBackground); result.Processed != 1 {
				t.Fatalf("result = %+v", result)
			}

			stored, _, _ := s.GetClientToken(context.Background(), "news.example.com")
			if stored != "tok-previous" {
				t.Errorf("token changed to %q without confirmation", stored)
			}
		})
	}
}

func TestSingleTokenRotationAdoptsServerToken(t *testing.T) {
	// 2.0.0 has no candidate field; the remote mints the next token
	// and the client adopts it after a fully decoded response.
	minted, err := protocol.GenerateToken()
	if err != nil {
		t.Fatal(err)
	}

	s := store.NewMemoryStore()
	if err := s.SetClientToken(context.Background(), "news.example.com", "tok-previous"); err != nil {
		t.Fatal(err)
	}

	transport := &fakeTransport{}
	transport.handler = func(fields map[string]any) (int, []byte, error) {
		if _, present := fields["new_client_token"]; present {
			t.Error("single-token request must not carry a candidate")
		}
		if token, _ := fields["token"].(string); token != "tok-previous" {
			t.Errorf("token field = %q", token)
		}
		payload := map[string]any{
			"messages":         []any{},
			"new_client_token": minted,
		}
		raw, _ := json.Marshal(payload)
		return 200, []byte(base64.StdEncoding.EncodeToString(raw)), nil
	}

	src := testSource()
	src.Version = protocol.Version200

	o := newOrchestrator(transport, s)
	if result := o.RunPull(context.Background(), []Source{src}, ModeBackground); result.Processed != 1 {
		t.Fatalf("result = %+v", result)
	}

	stored, _, _ := s.GetClientToken(context.Background(), "news.example.com")
	if stored != minted {
		t.Errorf("token = %q, want the remote-minted value", stored)
	}
}

func TestSingleTokenRotationRejectsMalformedToken(t *testing.T) {
	s := store.NewMemoryStore()
	if err := s.SetClientToken(context.Background(), "news.example.com", "tok-previous"); err != nil {
		t.Fatal(err)
	}

	transport := &fakeTransport{}
	transport.handler = func(fields map[string]any) (int, []byte, error) {
		payload := map[string]any{
			"messages":         []any{},
			"new_client_token": "not-200-hex-chars",
		}
		raw, _ := json.Marshal(payload)
		return 200, []byte(base64.StdEncoding.EncodeToString(raw)), nil
	}

	src := testSource()
	src.Version = protocol.Version200

	o := newOrchestrator(transport, s)
	if result := o.RunPull(context.Background(), []Source{src}, ModeBackground); result.Processed != 1 {
		t.Fatalf("result = %+v", result)
	}

	stored, _, _ := s.GetClientToken(context.Background(), "news.example.com")
	if stored != "tok-previous" {
		t.Errorf("malformed remote token replaced the stored one: %q", stored)
	}
}

func TestTransportFailureSkipsSource(t *testing.T) {
	cases := []struct {
		name    string
		handler func(fields map[string]any) (int, []byte, error)
	}{
		{"Non-200 status", func(map[string]any) (int, []byte, error) { return 500, nil, nil }},
		{"Connection error", func(map[string]any) (int, []byte, error) { return 0, nil, ErrTransport }},
		{"Garbage body", func(map[string]any) (int, []byte, error) { return 200, []byte("!!not base64!!"), nil }},
		{"Missing messages key", func(map[string]any) (int, []byte, error) {
			raw, _ := json.Marshal(map[string]any{"new_client_token": "x"})
			return 200, []byte(base64.StdEncoding.EncodeToString(raw)), nil
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			transport := &fakeTransport{handler: tc.handler}

			o := newOrchestrator(transport, s)
			result := o.RunPull(context.Background(), []Source{testSource()}, ModeBackground)
			if result.Failed != 1 || result.Processed != 0 {
				t.Errorf("result = %+v", result)
			}

			// A failed cycle never advances the retrieval timestamp.
			if _, executed, _ := s.GetLastExecution(context.Background(), "news.example.com", protocol.OpGetMessages); executed {
				t.Error("last execution advanced on failure")
			}
		})
	}
}

func TestSignatureVerification(t *testing.T) {
	keys, _ := crypto.GenerateSignKeyPair()
	otherKeys, _ := crypto.GenerateSignKeyPair()

	src := testSource()
	src.SignerKey = keys.Public
	src.HasSignerKey = true

	t.Run("Valid signature accepted", func(t *testing.T) {
		s := store.NewMemoryStore()
		transport := &fakeTransport{}
		transport.handler = func(fields map[string]any) (int, []byte, error) {
			candidate, _ := fields["new_client_token"].(string)
			return 200, signedResponse(t, keys, candidate, []any{wireEntry("m1", "Signed")}), nil
		}

		o := newOrchestrator(transport, s)
		if result := o.RunPull(context.Background(), []Source{src}, ModeBackground); result.Processed != 1 {
			t.Fatalf("result = %+v", result)
		}
		local, _ := s.ListBySource(context.Background(), "news.example.com")
		if len(local) != 1 {
			t.Errorf("messages not applied: %+v", local)
		}
	})

	t.Run("Wrong signer discarded in full", func(t *testing.T) {
		s := store.NewMemoryStore()
		transport := &fakeTransport{}
		transport.handler = func(fields map[string]any) (int, []byte, error) {
			candidate, _ := fields["new_client_token"].(string)
			return 200, signedResponse(t, otherKeys, candidate, []any{wireEntry("m1", "Forged")}), nil
		}

		o := newOrchestrator(transport, s)
		if result := o.RunPull(context.Background(), []Source{src}, ModeBackground); result.Failed != 1 {
			t.Fatalf("result = %+v", result)
		}
		local, _ := s.ListBySource(context.Background(), "news.example.com")
		if len(local) != 0 {
			t.Error("untrusted messages were applied")
		}

		// The unconfirmed candidate must not have been committed either.
		if _, found, _ := s.GetClientToken(context.Background(), "news.example.com"); found {
			stored, _, _ := s.GetClientToken(context.Background(), "news.example.com")
			// The bootstrap token is acceptable; the wire candidate is not.
			candidate, _ := transport.requests[0]["new_client_token"].(string)
			if stored == candidate {
				t.Error("candidate token committed despite discarded response")
			}
		}
	})

	t.Run("Unsigned response rejected when signer configured", func(t *testing.T) {
		s := store.NewMemoryStore()
		transport := &fakeTransport{}
		transport.handler = func(fields map[string]any) (int, []byte, error) {
			candidate, _ := fields["new_client_token"].(string)
			return 200, signedResponse(t, nil, candidate, []any{wireEntry("m1", "Unsigned")}), nil
		}

		o := newOrchestrator(transport, s)
		if result := o.RunPull(context.Background(), []Source{src}, ModeBackground); result.Failed != 1 {
			t.Errorf("result = %+v", result)
		}
	})
}

func TestSealedResponseRoundTrip(t *testing.T) {
	// The local instance's box key pair decrypts sealed responses.
	localKeys, _ := crypto.GenerateKeyPair()

	s := store.NewMemoryStore()
	transport := &fakeTransport{}
	transport.handler = func(fields map[string]any) (int, []byte, error) {
		candidate, _ := fields["new_client_token"].(string)
		payload := map[string]any{
			"messages":         []any{wireEntry("m1", "Sealed hello")},
			"new_client_token": candidate,
		}
		encoded, err := envelope.Encode(payload, envelope.Sealed, localKeys.Public)
		if err != nil {
			return 0, nil, err
		}
		return 200, []byte(encoded), nil
	}

	engine := reconcile.NewEngine(s)
	o := NewOrchestrator(transport, s, engine, nil, testIdentity(), localKeys)

	if result := o.RunPull(context.Background(), []Source{testSource()}, ModeBackground); result.Processed != 1 {
		t.Fatalf("result = %+v", result)
	}
	local, _ := s.ListBySource(context.Background(), "news.example.com")
	if len(local) != 1 || local[0].Title != "Sealed hello" {
		t.Errorf("sealed round trip: %+v", local)
	}
}

func TestFirstContactBootstrapsToken(t *testing.T) {
	s := store.NewMemoryStore()
	transport := &fakeTransport{}
	transport.handler = func(fields map[string]any) (int, []byte, error) {
		// 2.1.0 requests always carry both token fields.
		if fields["client_token"] == "" || fields["new_client_token"] == "" {
			t.Error("token fields missing on first contact")
		}
		candidate, _ := fields["new_client_token"].(string)
		return 200, signedResponse(t, nil, candidate, nil), nil
	}

	o := newOrchestrator(transport, s)
	if result := o.RunPull(context.Background(), []Source{testSource()}, ModeBackground); result.Processed != 1 {
		t.Fatalf("result = %+v", result)
	}

	current, _ := transport.requests[0]["client_token"].(string)
	if !protocol.ValidToken(current) {
		t.Errorf("bootstrap token not canonical: %q", current)
	}
}

var _ message.StateStore = (*store.MemoryStore)(nil)
