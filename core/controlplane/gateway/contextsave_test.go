package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/governs-ai/governs/core/decision"
	"github.com/governs-ai/governs/core/infra/config"
)

func TestTriggerPhraseMatching(t *testing.T) {
	e := NewContextSaveEmitter("http://unused", "secret", config.DefaultTriggerPhrases, nil)
	cases := []struct {
		text string
		want bool
	}{
		{"Please remember THIS for later", true},
		{"remember this", true},
		{"Don't Forget the milk", true},
		{"keep this in mind when reviewing", true},
		{"remember to call", false},
		{"nothing to see here", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := e.Matches(tc.text); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"type":"context.save"}`)
	now := time.Now()

	header := SignPayload(secret, now.Unix(), body)
	if err := VerifySignature(secret, header, body, now, 5*time.Minute); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(secret, header, []byte(`{"tampered":true}`), now, 5*time.Minute); err == nil {
		t.Fatal("tampered body must fail verification")
	}
	if err := VerifySignature([]byte("wrong"), header, body, now, 5*time.Minute); err == nil {
		t.Fatal("wrong secret must fail verification")
	}
	if err := VerifySignature(secret, header, body, now.Add(10*time.Minute), 5*time.Minute); err == nil {
		t.Fatal("drifted timestamp must fail verification")
	}
	if err := VerifySignature(secret, "v1,t=abc,s=deadbeef", body, now, 5*time.Minute); err == nil {
		t.Fatal("malformed header must fail verification")
	}
}

func TestMaybeEmitDeliversSignedWebhook(t *testing.T) {
	var gotBody []byte
	var gotHeader string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get(signatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	e := NewContextSaveEmitter(hook.URL, "webhook-secret", config.DefaultTriggerPhrases, nil)
	ev := &decision.Event{
		ID:             "dec-1",
		OrgID:          "acme",
		Decision:       "allow",
		Input:          "please remember this address: 1 Main St",
		AgentID:        "agent-7",
		ConversationID: "conv-3",
		DetectorSummary: map[string]any{
			"pii":     []any{map[string]any{"type": "ADDRESS"}},
			"reasons": []any{"pii.address"},
		},
	}
	if !e.MaybeEmit(context.Background(), ev, "gk_abcdef0123456789") {
		t.Fatal("expected emission for trigger phrase")
	}

	if err := VerifySignature([]byte("webhook-secret"), gotHeader, gotBody, time.Now(), 5*time.Minute); err != nil {
		t.Fatalf("webhook signature invalid: %v", err)
	}
	var payload contextSavePayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != "context.save" || payload.APIKey != "gk_abcdef0123456789" {
		t.Fatalf("unexpected payload head: %+v", payload)
	}
	if payload.Data.Content != ev.Input || payload.Data.AgentID != "agent-7" {
		t.Fatalf("unexpected payload data: %+v", payload.Data)
	}
	ref := payload.Data.PrecheckRef
	if ref == nil || ref.DecisionID != "dec-1" || len(ref.PIITypes) != 1 || ref.PIITypes[0] != "ADDRESS" {
		t.Fatalf("unexpected precheck ref: %+v", ref)
	}
}

func TestMaybeEmitMatchesOutputText(t *testing.T) {
	var gotBody []byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer hook.Close()

	e := NewContextSaveEmitter(hook.URL, "s", config.DefaultTriggerPhrases, nil)
	ev := &decision.Event{
		ID:     "dec-3",
		OrgID:  "acme",
		Input:  "what was that address again?",
		Output: "Sure, remember this: 1 Main St",
	}
	if !e.MaybeEmit(context.Background(), ev, "") {
		t.Fatal("trigger phrase in output text must emit even when input has none")
	}
	var payload contextSavePayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Data.Content != ev.Output {
		t.Fatalf("content must be the matching field, got %q", payload.Data.Content)
	}
}

func TestMaybeEmitSkipsWithoutTrigger(t *testing.T) {
	called := false
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer hook.Close()

	e := NewContextSaveEmitter(hook.URL, "s", config.DefaultTriggerPhrases, nil)
	ev := &decision.Event{ID: "dec-2", OrgID: "acme", Input: "just a normal message"}
	if e.MaybeEmit(context.Background(), ev, "") {
		t.Fatal("no trigger phrase, no emission")
	}
	if called {
		t.Fatal("webhook must not be called")
	}
}

func TestEmitterDisabledWithoutTarget(t *testing.T) {
	if NewContextSaveEmitter("", "", nil, nil).Enabled() {
		t.Fatal("emitter without url and secret must be disabled")
	}
	var nilEmitter *ContextSaveEmitter
	if nilEmitter.Enabled() {
		t.Fatal("nil emitter must be disabled")
	}
	if nilEmitter.MaybeEmit(context.Background(), &decision.Event{Input: "remember this"}, "") {
		t.Fatal("nil emitter must not emit")
	}
}

func TestMaybeEmitSurvivesWebhookFailure(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer hook.Close()
	e := NewContextSaveEmitter(hook.URL, "s", config.DefaultTriggerPhrases, nil)
	if e.MaybeEmit(context.Background(), &decision.Event{Input: "remember this"}, "") {
		t.Fatal("rejected webhook must report no emission")
	}
}
