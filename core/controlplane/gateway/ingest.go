package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/governs-ai/governs/core/decision"
	"github.com/governs-ai/governs/core/infra/logging"
	"github.com/governs-ai/governs/core/infra/metrics"
)

// DecisionPublisher mirrors ingested decisions onto the message bus for
// non-websocket consumers. Implemented by bus.Bus.
type DecisionPublisher interface {
	PublishDecision(orgID string, data []byte) error
}

type wireError struct {
	code    string
	message string
}

// ingestPayload is the superset of the decision.v1, toolcall.v1 and
// dlq.v1 data objects; the validator has already enforced the schema
// for the declared type when this is decoded.
type ingestPayload struct {
	OrgID           string          `json:"orgId"`
	Direction       string          `json:"direction"`
	Decision        string          `json:"decision"`
	Tool            string          `json:"tool"`
	Scope           string          `json:"scope"`
	DetectorSummary map[string]any  `json:"detectorSummary"`
	PayloadHash     string          `json:"payloadHash"`
	LatencyMs       int64           `json:"latencyMs"`
	CorrelationID   string          `json:"correlationId"`
	Tags            []string        `json:"tags"`
	Input           string          `json:"input"`
	Output          string          `json:"output"`
	AgentID         string          `json:"agentId"`
	ConversationID  string          `json:"conversationId"`
	Metadata        json.RawMessage `json:"metadata"`
	Reason          string          `json:"reason"`
	Payload         json.RawMessage `json:"payload"`
}

// DecisionIngestor turns validated INGEST envelopes into persisted
// events, channel broadcasts, bus publishes and context-save probes.
type DecisionIngestor struct {
	store     decision.Store
	dlq       *decision.DLQStore
	orgs      decision.OrgDirectory
	channels  *ChannelRegistry
	publisher DecisionPublisher
	emitter   *ContextSaveEmitter
	validator *MessageValidator
	metrics   metrics.GatewayMetrics

	// authenticate performs one-shot credential auth for INGEST frames
	// carrying an embedded apiKey on a not-yet-authenticated connection.
	authenticate func(ctx context.Context, conn *Connection, apiKey, userID string) (AuthContext, error)
	// evictSlow disconnects subscribers whose send queues overflowed.
	evictSlow func(conn *Connection)
}

// Process handles one INGEST envelope end to end. On success the ACK to
// send back is returned; on failure a wire error with a stable code.
func (ing *DecisionIngestor) Process(ctx context.Context, conn *Connection, env *inboundEnvelope) (*ackMessage, *wireError) {
	auth, authed := conn.identity()
	if !authed {
		if env.APIKey == "" {
			ing.metrics.IncIngest("unauthorized")
			return nil, &wireError{codeUnauthorized, "authenticate before ingesting"}
		}
		verified, err := ing.authenticate(ctx, conn, env.APIKey, env.UserID)
		if err != nil {
			ing.metrics.IncIngest("unauthorized")
			return nil, &wireError{codeAuthFailed, "embedded credential rejected"}
		}
		auth = verified
	}

	if err := ing.validator.ValidatePayload(env.Schema, env.Data); err != nil {
		ing.metrics.IncIngest("invalid")
		return nil, &wireError{codeInvalidMessage, err.Error()}
	}
	var payload ingestPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		ing.metrics.IncIngest("invalid")
		return nil, &wireError{codeInvalidJSON, "undecodable data object"}
	}

	orgID, werr := ing.resolveOrg(ctx, auth, &payload, env.UserID)
	if werr != nil {
		ing.metrics.IncIngest("org_unresolved")
		return nil, werr
	}

	ev := &decision.Event{
		OrgID:           orgID,
		Schema:          env.Schema,
		IdempotencyKey:  env.IdempotencyKey,
		Direction:       payload.Direction,
		Decision:        payload.Decision,
		Tool:            payload.Tool,
		Scope:           payload.Scope,
		DetectorSummary: payload.DetectorSummary,
		PayloadHash:     payload.PayloadHash,
		LatencyMs:       payload.LatencyMs,
		CorrelationID:   payload.CorrelationID,
		Tags:            payload.Tags,
		Input:           payload.Input,
		Output:          payload.Output,
		AgentID:         payload.AgentID,
		ConversationID:  payload.ConversationID,
		Metadata:        payload.Metadata,
		CreatedAt:       time.Now().UTC(),
	}
	if env.Schema == SchemaDLQV1 {
		// Dead letters reuse the event record for dedup; the
		// descriptive fields ride along in metadata.
		extras, _ := json.Marshal(map[string]any{"reason": payload.Reason, "payload": payload.Payload})
		ev.Metadata = extras
	}

	res, err := ing.store.Save(ctx, ev)
	if err != nil {
		logging.Error("INGEST", "persist failed", "org", orgID, "key", env.IdempotencyKey, "err", err)
		ing.metrics.IncIngest("store_error")
		return nil, &wireError{codeIngestFailed, "decision could not be persisted"}
	}

	if !res.Dedup {
		ing.fanOut(ctx, ev, &payload, env.APIKey, auth)
		ing.metrics.IncIngest("saved")
	} else {
		ing.metrics.IncIngest("dedup")
	}

	return &ackMessage{
		Type:       TypeAck,
		ID:         env.IdempotencyKey,
		DecisionID: res.ID,
		Dedup:      res.Dedup,
		Schema:     env.Schema,
		Timestamp:  time.Now().Unix(),
	}, nil
}

// resolveOrg picks the event's organization: the connection identity
// wins, then an explicit orgId in the payload (which must match the
// identity when both exist), then a directory lookup by user id. No
// resolution means the event is refused, never stored unattributed.
func (ing *DecisionIngestor) resolveOrg(ctx context.Context, auth AuthContext, payload *ingestPayload, userID string) (string, *wireError) {
	if auth.OrgID != "" {
		if payload.OrgID != "" && payload.OrgID != auth.OrgID && payload.OrgID != auth.OrgSlug {
			return "", &wireError{codeUnauthorized, "payload org does not match credential org"}
		}
		return auth.OrgID, nil
	}
	if payload.OrgID != "" {
		return payload.OrgID, nil
	}
	lookup := userID
	if lookup == "" {
		lookup = auth.UserID
	}
	if lookup != "" && ing.orgs != nil {
		org, err := ing.orgs.OrgByUser(ctx, lookup)
		if err == nil {
			return org, nil
		}
		if !errors.Is(err, decision.ErrUnknownUser) {
			logging.Error("INGEST", "org lookup failed", "user", lookup, "err", err)
			return "", &wireError{codeIngestFailed, "organization lookup failed"}
		}
	}
	return "", &wireError{codeIngestFailed, "organization could not be resolved"}
}

// fanOut runs the post-persist side effects for a newly stored event.
// None of them can fail the ingest; the ACK already reflects durable
// storage.
func (ing *DecisionIngestor) fanOut(ctx context.Context, ev *decision.Event, payload *ingestPayload, apiKey string, auth AuthContext) {
	frame := marshalMessage(decisionMessage{
		Type: TypeDecision,
		Data: decisionPushData{
			ID:        ev.ID,
			OrgID:     ev.OrgID,
			Direction: ev.Direction,
			Decision:  ev.Decision,
			Tool:      ev.Tool,
			Scope:     ev.Scope,
			Timestamp: ev.CreatedAt.Unix(),
		},
	})
	for _, channel := range ing.broadcastChannels(ev) {
		for _, slow := range ing.channels.Broadcast(channel, frame) {
			if ing.evictSlow != nil {
				ing.evictSlow(slow)
			}
		}
	}

	if ing.dlq != nil && ev.Schema == SchemaDLQV1 {
		if _, err := ing.dlq.Add(ctx, decision.DLQEntry{
			OrgID:          ev.OrgID,
			Tool:           ev.Tool,
			Reason:         payload.Reason,
			IdempotencyKey: ev.IdempotencyKey,
			Payload:        payload.Payload,
		}); err != nil {
			logging.Warn("INGEST", "dlq record failed", "org", ev.OrgID, "err", err)
		}
	}

	if ing.publisher != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			if err := ing.publisher.PublishDecision(ev.OrgID, data); err != nil {
				logging.Warn("INGEST", "bus publish failed", "org", ev.OrgID, "err", err)
			}
		}
	}

	if ing.emitter.Enabled() && ev.Schema == SchemaDecisionV1 {
		key := apiKey
		if key == "" {
			key = auth.APIKey
		}
		go ing.emitter.MaybeEmit(context.WithoutCancel(ctx), ev, key)
	}
}

func (ing *DecisionIngestor) broadcastChannels(ev *decision.Event) []string {
	switch ev.Schema {
	case SchemaDecisionV1:
		channels := []string{"org:" + ev.OrgID + ":decisions"}
		if ev.Direction == decision.DirectionPrecheck || ev.Direction == decision.DirectionPostcheck {
			channels = append(channels, "org:"+ev.OrgID+":"+ev.Direction)
		}
		return channels
	case SchemaToolcallV1:
		channels := []string{"org:" + ev.OrgID + ":usage"}
		if ev.Direction == decision.DirectionPrecheck || ev.Direction == decision.DirectionPostcheck {
			channels = append(channels, "org:"+ev.OrgID+":"+ev.Direction)
		}
		return channels
	case SchemaDLQV1:
		return []string{"org:" + ev.OrgID + ":dlq"}
	}
	return nil
}
