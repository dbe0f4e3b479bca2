package gateway

import (
	"fmt"
	"regexp"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/governs-ai/governs/core/infra/schema"
)

// Channel names follow <type>:<id>:<category>. Anything else is
// rejected before it touches subscription state.
var channelPattern = regexp.MustCompile(
	`^(org|user|key):([A-Za-z0-9_-]+):(decisions|notifications|usage|precheck|postcheck|dlq|approvals)$`)

// Channel is a parsed channel name.
type Channel struct {
	Type     string
	ID       string
	Category string
}

func ParseChannel(name string) (Channel, error) {
	m := channelPattern.FindStringSubmatch(name)
	if m == nil {
		return Channel{}, fmt.Errorf("malformed channel %q", name)
	}
	return Channel{Type: m[1], ID: m[2], Category: m[3]}, nil
}

const authEnvelopeSchema = `{
	"type": "object",
	"required": ["type", "apiKey"],
	"properties": {
		"type": {"const": "AUTH"},
		"apiKey": {"type": "string", "minLength": 1},
		"userId": {"type": "string"}
	}
}`

const ingestEnvelopeSchema = `{
	"type": "object",
	"required": ["type", "schema", "idempotencyKey", "data"],
	"properties": {
		"type": {"const": "INGEST"},
		"schema": {"enum": ["decision.v1", "toolcall.v1", "dlq.v1"]},
		"idempotencyKey": {"type": "string", "minLength": 1, "maxLength": 256},
		"apiKey": {"type": "string"},
		"userId": {"type": "string"},
		"data": {"type": "object"}
	}
}`

const subEnvelopeSchemaFmt = `{
	"type": "object",
	"required": ["type", "channels"],
	"properties": {
		"type": {"enum": ["SUB", "UNSUB"]},
		"channels": {
			"type": "array",
			"minItems": 1,
			"maxItems": %d,
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

const decisionPayloadSchema = `{
	"type": "object",
	"required": ["direction", "decision", "tool", "payloadHash"],
	"properties": {
		"orgId": {"type": "string"},
		"direction": {"enum": ["precheck", "postcheck"]},
		"decision": {"enum": ["allow", "transform", "deny", "redact", "confirm", "block"]},
		"tool": {"type": "string", "minLength": 1},
		"scope": {"type": "string"},
		"detectorSummary": {"type": "object"},
		"payloadHash": {"type": "string", "pattern": "^(sha256|sha512|blake3):.+$"},
		"latencyMs": {"type": "integer", "minimum": 0},
		"correlationId": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"input": {"type": "string"},
		"output": {"type": "string"},
		"agentId": {"type": "string"},
		"conversationId": {"type": "string"},
		"metadata": {"type": "object"}
	}
}`

const toolcallPayloadSchema = `{
	"type": "object",
	"required": ["direction", "tool"],
	"properties": {
		"orgId": {"type": "string"},
		"direction": {"enum": ["precheck", "postcheck"]},
		"decision": {"enum": ["allow", "transform", "deny", "redact", "confirm", "block"]},
		"tool": {"type": "string", "minLength": 1},
		"scope": {"type": "string"},
		"payloadHash": {"type": "string", "pattern": "^(sha256|sha512|blake3):.+$"},
		"latencyMs": {"type": "integer", "minimum": 0},
		"correlationId": {"type": "string"},
		"agentId": {"type": "string"},
		"conversationId": {"type": "string"},
		"metadata": {"type": "object"}
	}
}`

const dlqPayloadSchema = `{
	"type": "object",
	"required": ["reason"],
	"properties": {
		"orgId": {"type": "string"},
		"reason": {"type": "string", "minLength": 1},
		"tool": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

// MessageValidator holds compiled schemas for every inbound envelope
// type and ingest payload schema.
type MessageValidator struct {
	envelopes map[string]*jsonschema.Schema
	payloads  map[string]*jsonschema.Schema
}

func NewMessageValidator(maxChannels int) (*MessageValidator, error) {
	if maxChannels <= 0 {
		maxChannels = 10
	}
	v := &MessageValidator{
		envelopes: make(map[string]*jsonschema.Schema),
		payloads:  make(map[string]*jsonschema.Schema),
	}
	subSchema := fmt.Sprintf(subEnvelopeSchemaFmt, maxChannels)
	for id, doc := range map[string]string{
		TypeAuth:   authEnvelopeSchema,
		TypeIngest: ingestEnvelopeSchema,
		TypeSub:    subSchema,
		TypeUnsub:  subSchema,
	} {
		compiled, err := schema.Compile("envelope/"+id, []byte(doc))
		if err != nil {
			return nil, fmt.Errorf("compile %s envelope schema: %w", id, err)
		}
		v.envelopes[id] = compiled
	}
	for id, doc := range map[string]string{
		SchemaDecisionV1: decisionPayloadSchema,
		SchemaToolcallV1: toolcallPayloadSchema,
		SchemaDLQV1:      dlqPayloadSchema,
	} {
		compiled, err := schema.Compile("payload/"+id, []byte(doc))
		if err != nil {
			return nil, fmt.Errorf("compile %s payload schema: %w", id, err)
		}
		v.payloads[id] = compiled
	}
	return v, nil
}

// Knows reports whether msgType is a recognized inbound envelope type.
func (v *MessageValidator) Knows(msgType string) bool {
	switch msgType {
	case TypePing, TypeAuth, TypeIngest, TypeSub, TypeUnsub:
		return true
	}
	return false
}

// ValidateEnvelope checks the raw frame against the schema for its
// declared type. PING has no required fields beyond type.
func (v *MessageValidator) ValidateEnvelope(msgType string, raw []byte) error {
	compiled, ok := v.envelopes[msgType]
	if !ok {
		return nil
	}
	return schema.Validate(compiled, raw)
}

// ValidatePayload checks an ingest data object against its declared
// payload schema.
func (v *MessageValidator) ValidatePayload(schemaName string, raw []byte) error {
	compiled, ok := v.payloads[schemaName]
	if !ok {
		return fmt.Errorf("unknown payload schema %q", schemaName)
	}
	return schema.Validate(compiled, raw)
}
