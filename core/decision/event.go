// Package decision holds the durable model for governance decision
// events and their Redis-backed persistence.
package decision

import (
	"encoding/json"
	"time"
)

// Directions a governed tool call is evaluated in.
const (
	DirectionPrecheck  = "precheck"
	DirectionPostcheck = "postcheck"
)

// Event is the unit of ingestion: one policy decision attached to one
// governed tool call. Identity for deduplication is (OrgID,
// IdempotencyKey), never the server-generated ID.
type Event struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"orgId"`
	Schema          string          `json:"schema"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	Direction       string          `json:"direction"`
	Decision        string          `json:"decision"`
	Tool            string          `json:"tool"`
	Scope           string          `json:"scope,omitempty"`
	DetectorSummary map[string]any  `json:"detectorSummary,omitempty"`
	PayloadHash     string          `json:"payloadHash"`
	LatencyMs       int64           `json:"latencyMs,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	Input           string          `json:"input,omitempty"`
	Output          string          `json:"output,omitempty"`
	AgentID         string          `json:"agentId,omitempty"`
	ConversationID  string          `json:"conversationId,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// SaveResult reports the outcome of a Save call.
type SaveResult struct {
	ID    string
	Dedup bool
}

// PIITypes flattens the detector summary's PII findings and returns the
// distinct finding types in first-seen order. The summary is an opaque
// map from the upstream detector; findings live either directly under
// "pii" or under "pii.findings", each carrying a "type" field.
func (e *Event) PIITypes() []string {
	if e == nil || e.DetectorSummary == nil {
		return nil
	}
	raw, ok := e.DetectorSummary["pii"]
	if !ok {
		return nil
	}
	entries, ok := raw.([]any)
	if !ok {
		if nested, ok := raw.(map[string]any); ok {
			entries, _ = nested["findings"].([]any)
		}
	}
	var types []string
	seen := make(map[string]struct{})
	for _, entry := range entries {
		finding, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		t, _ := finding["type"].(string)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	return types
}

// Reasons collects detector reason strings, if present in the summary.
func (e *Event) Reasons() []string {
	if e == nil || e.DetectorSummary == nil {
		return nil
	}
	raw, ok := e.DetectorSummary["reasons"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s, ok := entry.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
