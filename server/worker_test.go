package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/newswire/crypto"
	"github.com/opd-ai/newswire/envelope"
	"github.com/opd-ai/newswire/message"
	"github.com/opd-ai/newswire/protocol"
	"github.com/opd-ai/newswire/store"
)

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()

	past := time.Now().UTC().Add(-24 * time.Hour)
	future := time.Now().UTC().Add(24 * time.Hour)
	expired := time.Now().UTC().Add(-time.Hour)

	active := &message.Message{
		ThirdPartyName:      "self",
		ThirdPartyMessageID: "active-1",
		Title:               "Active notice",
		StartDate:           past,
		Priority:            2,
		Translations: []message.Translation{
			{Language: "en_US", Title: "Active", Text: "Live now"},
		},
	}
	notYet := &message.Message{
		ThirdPartyName:      "self",
		ThirdPartyMessageID: "future-1",
		Title:               "Future notice",
		StartDate:           future,
	}
	over := &message.Message{
		ThirdPartyName:      "self",
		ThirdPartyMessageID: "expired-1",
		Title:               "Expired notice",
		StartDate:           past,
		EndDate:             &expired,
	}
	for _, msg := range []*message.Message{active, notYet, over} {
		if err := s.Insert(ctx, msg); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
	}
	return s
}

func newWorker(t *testing.T, s message.Store, signKeys *crypto.SignKeyPair, boxKeys *crypto.KeyPair) *Worker {
	t.Helper()
	return NewWorker(true, boxKeys, signKeys, []Extension{
		NewMessageListExtension(s),
		NewStatisticsSinkExtension(),
	})
}

// encodeIncoming shapes and envelopes a request for the given version.
func encodeIncoming(t *testing.T, version protocol.Version, operation string) Incoming {
	t.Helper()

	spec, err := protocol.Lookup(version)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}

	current, _ := protocol.GenerateToken()
	candidate, _ := protocol.GenerateToken()
	req := protocol.Request{
		Operation:        operation,
		Mode:             "background",
		InstanceHash:     "hash-a",
		InstanceHash2:    "hash-b",
		DBUID:            "db-1",
		Env:              "production",
		AppName:          "newswire",
		AppVersion:       "1.0.0",
		ExtensionVersion: "2.1.0",
		ClientToken:      current,
		NewClientToken:   candidate,
	}
	fields, err := req.Shape(spec)
	if err != nil {
		t.Fatalf("Shape() error: %v", err)
	}

	if !spec.Enveloped {
		flat := make(map[string]string, len(fields))
		for k, v := range fields {
			flat[k] = v.(string)
		}
		return Incoming{Version: string(version), Fields: flat}
	}

	encoded, err := envelope.Encode(fields, envelope.Plain, [crypto.KeySize]byte{})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return Incoming{Version: string(version), Payload: encoded}
}

func TestHandleMessageListing(t *testing.T) {
	s := seedStore(t)
	signKeys, _ := crypto.GenerateSignKeyPair()
	w := newWorker(t, s, signKeys, nil)

	in := encodeIncoming(t, protocol.Version210, protocol.OpGetMessages)
	body, err := w.Handle(context.Background(), in)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	payload, err := envelope.Decode(string(body), nil)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	// The listing is signed whole-response for a 2.1.0 extension.
	spec, _ := protocol.Lookup(protocol.Version210)
	if err := protocol.VerifyResponseSignature(spec, payload, "2.1.0", signKeys.Public); err != nil {
		t.Errorf("signature did not verify: %v", err)
	}

	resp, err := protocol.ParseResponse(spec, payload)
	if err != nil {
		t.Fatalf("ParseResponse() error: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != "active-1" {
		t.Errorf("listing = %+v, want only the active message", resp.Messages)
	}
	if len(resp.Messages[0].Translations) != 1 {
		t.Errorf("translations missing: %+v", resp.Messages[0])
	}

	// The rotation candidate is echoed back.
	reqPayload, _ := envelope.Decode(in.Payload, nil)
	if resp.NewClientToken != reqPayload["new_client_token"] {
		t.Errorf("new_client_token = %q, want echo of candidate", resp.NewClientToken)
	}
}

func TestHandleLegacyFlatResponse(t *testing.T) {
	s := seedStore(t)
	w := newWorker(t, s, nil, nil)

	in := encodeIncoming(t, protocol.Version10, protocol.OpGetMessages)
	body, err := w.Handle(context.Background(), in)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	// 1.0 emits a bare JSON array.
	var list []any
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("body is not a bare array: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d entries, want 1", len(list))
	}
}

func TestHandleStatisticsPush(t *testing.T) {
	s := seedStore(t)
	w := newWorker(t, s, nil, nil)

	in := encodeIncoming(t, protocol.Version210, protocol.OpReportStatistics)
	body, err := w.Handle(context.Background(), in)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	payload, _ := envelope.Decode(string(body), nil)
	spec, _ := protocol.Lookup(protocol.Version210)
	resp, err := protocol.ParseResponse(spec, payload)
	if err != nil {
		t.Fatalf("ParseResponse() error: %v", err)
	}
	if len(resp.Messages) != 0 {
		t.Errorf("statistics response carries messages: %+v", resp.Messages)
	}
	if resp.NewClientToken == "" {
		t.Error("statistics response missing token confirmation")
	}
}

func TestHandleFailsClosed(t *testing.T) {
	s := seedStore(t)

	t.Run("Provider disabled", func(t *testing.T) {
		w := NewWorker(false, nil, nil, []Extension{NewMessageListExtension(s)})
		_, err := w.Handle(context.Background(), encodeIncoming(t, protocol.Version210, protocol.OpGetMessages))
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("got %v, want ErrConfiguration", err)
		}
	})

	t.Run("Unknown version", func(t *testing.T) {
		w := newWorker(t, s, nil, nil)
		_, err := w.Handle(context.Background(), Incoming{Version: "9.9.9", Payload: "e30="})
		if !errors.Is(err, protocol.ErrUnknownVersion) {
			t.Errorf("got %v, want ErrUnknownVersion", err)
		}
	})

	t.Run("Undecodable payload", func(t *testing.T) {
		w := newWorker(t, s, nil, nil)
		_, err := w.Handle(context.Background(), Incoming{Version: "2.1.0", Payload: "!!garbage!!"})
		if !errors.Is(err, envelope.ErrPayloadDecode) {
			t.Errorf("got %v, want ErrPayloadDecode", err)
		}
	})

	t.Run("Missing mandatory field", func(t *testing.T) {
		w := newWorker(t, s, nil, nil)
		fields := map[string]any{"operation": protocol.OpGetMessages, "version": "2.1.0"}
		encoded, _ := envelope.Encode(fields, envelope.Plain, [crypto.KeySize]byte{})
		_, err := w.Handle(context.Background(), Incoming{Version: "2.1.0", Payload: encoded})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("got %v, want ErrValidation", err)
		}
	})

	t.Run("Malformed token", func(t *testing.T) {
		w := newWorker(t, s, nil, nil)
		in := encodeIncoming(t, protocol.Version210, protocol.OpGetMessages)
		fields, _ := envelope.Decode(in.Payload, nil)
		fields["client_token"] = "too-short"
		encoded, _ := envelope.Encode(fields, envelope.Plain, [crypto.KeySize]byte{})
		_, err := w.Handle(context.Background(), Incoming{Version: "2.1.0", Payload: encoded})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("got %v, want ErrValidation", err)
		}
	})

	t.Run("No capable extension", func(t *testing.T) {
		// A worker with only the statistics sink cannot serve pulls.
		w := NewWorker(true, nil, nil, []Extension{NewStatisticsSinkExtension()})
		_, err := w.Handle(context.Background(), encodeIncoming(t, protocol.Version210, protocol.OpGetMessages))
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("got %v, want ErrConfiguration", err)
		}
	})
}

func TestHandleSealedRequest(t *testing.T) {
	s := seedStore(t)
	boxKeys, _ := crypto.GenerateKeyPair()
	w := newWorker(t, s, nil, boxKeys)

	in := encodeIncoming(t, protocol.Version210, protocol.OpGetMessages)
	fields, _ := envelope.Decode(in.Payload, nil)
	sealed, err := envelope.Encode(fields, envelope.Sealed, boxKeys.Public)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	body, err := w.Handle(context.Background(), Incoming{Version: "2.1.0", Payload: sealed})
	if err != nil {
		t.Fatalf("Handle() sealed request error: %v", err)
	}
	if len(body) == 0 {
		t.Error("empty response body")
	}
}

// rankedExtension is a test double recording execution order.
type rankedExtension struct {
	name     string
	rank     int
	populate bool
	ran      *[]string
}

func (r *rankedExtension) Name() string                              { return r.name }
func (r *rankedExtension) Rank() int                                 { return r.rank }
func (r *rankedExtension) SupportsVersion(v protocol.Version) bool   { return true }
func (r *rankedExtension) SupportsOperation(op string) bool          { return true }
func (r *rankedExtension) Execute(ctx context.Context, ex *Exchange) error {
	*r.ran = append(*r.ran, r.name)
	if r.populate {
		ex.Response = map[string]any{"messages": []any{}, "handled_by": r.name}
	}
	return nil
}

func TestExtensionRankOrderAndShortCircuit(t *testing.T) {
	var ran []string
	override := &rankedExtension{name: "override", rank: 5, populate: true, ran: &ran}
	fallback := &rankedExtension{name: "fallback", rank: 10, populate: true, ran: &ran}

	// Registration order is reversed; rank must win.
	w := NewWorker(true, nil, nil, []Extension{fallback, override})

	body, err := w.Handle(context.Background(), encodeIncoming(t, protocol.Version210, protocol.OpGetMessages))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	if len(ran) != 1 || ran[0] != "override" {
		t.Errorf("execution order = %v, want [override]", ran)
	}

	payload, _ := envelope.Decode(string(body), nil)
	if payload["handled_by"] != "override" {
		t.Errorf("handled_by = %v", payload["handled_by"])
	}
}

func TestIconDeduplication(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	icon := &message.Icon{Data: []byte{1, 2, 3, 4}, Mimetype: "image/png", Filename: "badge.png"}
	past := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{"a", "b"} {
		msg := &message.Message{
			ThirdPartyName:      "self",
			ThirdPartyMessageID: id,
			Title:               "Notice " + id,
			StartDate:           past,
			Icon:                icon,
		}
		if err := s.Insert(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	w := newWorker(t, s, nil, nil)
	body, err := w.Handle(ctx, encodeIncoming(t, protocol.Version210, protocol.OpGetMessages))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	payload, _ := envelope.Decode(string(body), nil)
	icons, ok := payload["icons"].(map[string]any)
	if !ok {
		t.Fatalf("icons table missing: %v", payload)
	}
	if len(icons) != 1 {
		t.Errorf("got %d icon entries, want 1 (deduplicated)", len(icons))
	}

	spec, _ := protocol.Lookup(protocol.Version210)
	resp, err := protocol.ParseResponse(spec, payload)
	if err != nil {
		t.Fatalf("ParseResponse() error: %v", err)
	}
	for _, msg := range resp.Messages {
		if msg.Icon == nil || msg.Icon.Filename != "badge.png" {
			t.Errorf("icon not resolved for %q: %+v", msg.ID, msg.Icon)
		}
	}
}

func TestWrapJSONP(t *testing.T) {
	envelopeBody := []byte(`eyJtZXNzYWdlcyI6W119`)

	wrapped := string(WrapJSONP("handleNews", envelopeBody))
	if wrapped != `handleNews("eyJtZXNzYWdlcyI6W119")` {
		t.Errorf("envelope wrap = %q", wrapped)
	}

	// A flat JSON body becomes the literal callback argument, not a
	// string needing a second parse.
	flatBody := []byte(`[{"id":"m1"}]`)
	wrapped = string(WrapJSONP("handleNews", flatBody))
	if wrapped != `handleNews([{"id":"m1"}])` {
		t.Errorf("flat wrap = %q", wrapped)
	}

	// Invalid callback names leave the body untouched.
	if string(WrapJSONP("alert(1);x", envelopeBody)) != string(envelopeBody) {
		t.Error("invalid callback name was not rejected")
	}
	if string(WrapJSONP("", envelopeBody)) != string(envelopeBody) {
		t.Error("empty callback name was not rejected")
	}
}
