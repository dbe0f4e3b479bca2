package gateway

import (
	"encoding/json"
	"testing"
)

func TestParseChannel(t *testing.T) {
	valid := map[string]Channel{
		"org:acme:decisions":       {Type: "org", ID: "acme", Category: "decisions"},
		"user:u_1-2:notifications": {Type: "user", ID: "u_1-2", Category: "notifications"},
		"key:acme:usage":           {Type: "key", ID: "acme", Category: "usage"},
		"org:acme:precheck":        {Type: "org", ID: "acme", Category: "precheck"},
		"org:acme:postcheck":       {Type: "org", ID: "acme", Category: "postcheck"},
		"org:acme:dlq":             {Type: "org", ID: "acme", Category: "dlq"},
		"org:acme:approvals":       {Type: "org", ID: "acme", Category: "approvals"},
	}
	for name, want := range valid {
		got, err := ParseChannel(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s: got %+v want %+v", name, got, want)
		}
	}

	invalid := []string{
		"",
		"org:acme",
		"org:acme:unknown",
		"team:acme:decisions",
		"org::decisions",
		"org:ac me:decisions",
		"org:acme:decisions:extra",
		"ORG:acme:decisions",
	}
	for _, name := range invalid {
		if _, err := ParseChannel(name); err == nil {
			t.Fatalf("%q must be rejected", name)
		}
	}
}

func newValidator(t *testing.T) *MessageValidator {
	t.Helper()
	v, err := NewMessageValidator(10)
	if err != nil {
		t.Fatalf("validator init: %v", err)
	}
	return v
}

func TestValidateEnvelope(t *testing.T) {
	v := newValidator(t)
	cases := []struct {
		name    string
		msgType string
		raw     string
		ok      bool
	}{
		{"auth ok", TypeAuth, `{"type":"AUTH","apiKey":"gk_x"}`, true},
		{"auth missing key", TypeAuth, `{"type":"AUTH"}`, false},
		{"ingest ok", TypeIngest, `{"type":"INGEST","schema":"decision.v1","idempotencyKey":"k1","data":{}}`, true},
		{"ingest missing key", TypeIngest, `{"type":"INGEST","schema":"decision.v1","data":{}}`, false},
		{"ingest unknown schema", TypeIngest, `{"type":"INGEST","schema":"bogus.v9","idempotencyKey":"k1","data":{}}`, false},
		{"sub ok", TypeSub, `{"type":"SUB","channels":["org:acme:decisions"]}`, true},
		{"sub empty", TypeSub, `{"type":"SUB","channels":[]}`, false},
		{"ping ok", TypePing, `{"type":"PING"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateEnvelope(tc.msgType, []byte(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSubChannelCap(t *testing.T) {
	v, err := NewMessageValidator(2)
	if err != nil {
		t.Fatalf("validator init: %v", err)
	}
	raw, _ := json.Marshal(map[string]any{
		"type":     TypeSub,
		"channels": []string{"org:a:decisions", "org:b:decisions", "org:c:decisions"},
	})
	if err := v.ValidateEnvelope(TypeSub, raw); err == nil {
		t.Fatal("expected over-cap subscription to fail validation")
	}
}

func TestValidatePayload(t *testing.T) {
	v := newValidator(t)
	cases := []struct {
		name   string
		schema string
		raw    string
		ok     bool
	}{
		{"decision ok", SchemaDecisionV1,
			`{"direction":"precheck","decision":"deny","tool":"email.send","payloadHash":"sha256:abc"}`, true},
		{"decision missing hash", SchemaDecisionV1,
			`{"direction":"precheck","decision":"deny","tool":"email.send"}`, false},
		{"decision bad direction", SchemaDecisionV1,
			`{"direction":"sideways","decision":"deny","tool":"t","payloadHash":"sha256:abc"}`, false},
		{"decision bad hash prefix", SchemaDecisionV1,
			`{"direction":"precheck","decision":"allow","tool":"t","payloadHash":"md5:abc"}`, false},
		{"decision negative latency", SchemaDecisionV1,
			`{"direction":"precheck","decision":"allow","tool":"t","payloadHash":"sha256:abc","latencyMs":-1}`, false},
		{"toolcall ok", SchemaToolcallV1, `{"direction":"postcheck","tool":"search.web"}`, true},
		{"toolcall missing tool", SchemaToolcallV1, `{"direction":"postcheck"}`, false},
		{"dlq ok", SchemaDLQV1, `{"reason":"schema mismatch","tool":"email.send"}`, true},
		{"dlq missing reason", SchemaDLQV1, `{"tool":"email.send"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidatePayload(tc.schema, []byte(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := v.ValidatePayload("nope.v1", []byte(`{}`)); err == nil {
		t.Fatal("unknown payload schema must be rejected")
	}
}
