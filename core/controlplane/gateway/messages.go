package gateway

import (
	"encoding/json"
	"time"
)

// Inbound envelope types.
const (
	TypePing   = "PING"
	TypeAuth   = "AUTH"
	TypeIngest = "INGEST"
	TypeSub    = "SUB"
	TypeUnsub  = "UNSUB"
)

// Outbound envelope types.
const (
	TypeReady        = "READY"
	TypePong         = "PONG"
	TypeAuthSuccess  = "AUTH_SUCCESS"
	TypeAuthError    = "AUTH_ERROR"
	TypeSubAck       = "SUB_ACK"
	TypeSubError     = "SUB_ERROR"
	TypeUnsubAck     = "UNSUB_ACK"
	TypeAck          = "ACK"
	TypeIngestError  = "INGEST_ERROR"
	TypeDecision     = "DECISION"
	TypeNotification = "NOTIFICATION"
	TypeError        = "ERROR"
)

// Wire error codes clients can branch on.
const (
	codeInvalidJSON        = "INVALID_JSON"
	codeInvalidMessage     = "INVALID_MESSAGE"
	codeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	codeAuthFailed         = "AUTH_FAILED"
	codeUnauthorized       = "UNAUTHORIZED"
	codeIngestFailed       = "INGEST_FAILED"
	codeSubscription       = "SUBSCRIPTION_ERROR"
	codeRateLimited        = "RATE_LIMITED"
	codeInternal           = "INTERNAL_ERROR"
)

// Ingest payload schemas accepted on the wire.
const (
	SchemaDecisionV1 = "decision.v1"
	SchemaToolcallV1 = "toolcall.v1"
	SchemaDLQV1      = "dlq.v1"
)

// inboundEnvelope is the superset of all client message shapes; the
// validator enforces per-type required fields before dispatch.
type inboundEnvelope struct {
	Type           string          `json:"type"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	APIKey         string          `json:"apiKey,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Channels       []string        `json:"channels,omitempty"`
	Schema         string          `json:"schema,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type readyMessage struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connectionId"`
	Channels     []string `json:"channels"`
	Timestamp    int64    `json:"timestamp"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	LatencyMs int64  `json:"latency,omitempty"`
}

type authSuccessMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	OrgID        string `json:"orgId"`
	OrgSlug      string `json:"orgSlug"`
}

type subAckMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// ackMessage echoes the caller's idempotency key as id so clients can
// correlate the ACK with the INGEST they sent.
type ackMessage struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	DecisionID string `json:"decisionId"`
	Dedup      bool   `json:"dedup"`
	Schema     string `json:"schema"`
	Timestamp  int64  `json:"timestamp"`
}

type decisionMessage struct {
	Type string           `json:"type"`
	Data decisionPushData `json:"data"`
}

type decisionPushData struct {
	ID        string `json:"id"`
	OrgID     string `json:"orgId"`
	Direction string `json:"direction"`
	Decision  string `json:"decision"`
	Tool      string `json:"tool"`
	Scope     string `json:"scope,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type notificationMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type errorMessage struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func errorEnvelope(msgType, code, message string) errorMessage {
	return errorMessage{
		Type:      msgType,
		Error:     code,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
}

func marshalMessage(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
