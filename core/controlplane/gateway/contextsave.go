package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/governs-ai/governs/core/decision"
	"github.com/governs-ai/governs/core/infra/logging"
	"github.com/governs-ai/governs/core/infra/metrics"
)

const signatureHeader = "x-governs-signature"

// ContextSaveEmitter watches ingested text for memory trigger phrases
// and forwards matching content to the platform webhook. Failures are
// logged and counted, never surfaced to the ingest path.
type ContextSaveEmitter struct {
	url     string
	secret  []byte
	phrases []string
	client  *http.Client
	metrics metrics.GatewayMetrics
	now     func() time.Time
}

func NewContextSaveEmitter(url, secret string, phrases []string, m metrics.GatewayMetrics) *ContextSaveEmitter {
	if m == nil {
		m = metrics.Noop{}
	}
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	return &ContextSaveEmitter{
		url:     url,
		secret:  []byte(secret),
		phrases: lowered,
		client:  &http.Client{Timeout: 10 * time.Second},
		metrics: m,
		now:     time.Now,
	}
}

// Enabled reports whether the emitter has somewhere to deliver to.
func (e *ContextSaveEmitter) Enabled() bool {
	return e != nil && e.url != "" && len(e.secret) > 0
}

// Matches does a case-insensitive substring scan for any trigger
// phrase. Phrase boundaries are not required: "remember this" matches
// inside "Please remember THIS for later".
func (e *ContextSaveEmitter) Matches(text string) bool {
	if e == nil || text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, p := range e.phrases {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

type contextSavePayload struct {
	Type   string          `json:"type"`
	APIKey string          `json:"apiKey,omitempty"`
	Data   contextSaveData `json:"data"`
}

type contextSaveData struct {
	Content        string          `json:"content"`
	ContentType    string          `json:"contentType"`
	AgentID        string          `json:"agentId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	PrecheckRef    *precheckRef    `json:"precheckRef,omitempty"`
}

type precheckRef struct {
	DecisionID      string   `json:"decisionId"`
	Decision        string   `json:"decision"`
	RedactedContent string   `json:"redactedContent,omitempty"`
	PIITypes        []string `json:"piiTypes,omitempty"`
	Reasons         []string `json:"reasons,omitempty"`
}

// MaybeEmit posts a context.save webhook when the event's text carries
// a trigger phrase. Intended to run on its own goroutine; the return
// value exists for tests.
func (e *ContextSaveEmitter) MaybeEmit(ctx context.Context, ev *decision.Event, apiKey string) bool {
	if !e.Enabled() || ev == nil {
		return false
	}
	// Either side of the exchange can carry the save intent.
	var content string
	switch {
	case e.Matches(ev.Input):
		content = ev.Input
	case e.Matches(ev.Output):
		content = ev.Output
	default:
		return false
	}

	payload := contextSavePayload{
		Type:   "context.save",
		APIKey: apiKey,
		Data: contextSaveData{
			Content:        content,
			ContentType:    "text/plain",
			AgentID:        ev.AgentID,
			ConversationID: ev.ConversationID,
			CorrelationID:  ev.CorrelationID,
			Metadata:       ev.Metadata,
			PrecheckRef: &precheckRef{
				DecisionID: ev.ID,
				Decision:   ev.Decision,
				PIITypes:   ev.PIITypes(),
				Reasons:    ev.Reasons(),
			},
		},
	}
	if ev.Decision == "transform" && ev.Output != "" && ev.Input != "" {
		payload.Data.PrecheckRef.RedactedContent = ev.Output
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logging.Error("CONTEXTSAVE", "marshal payload", "err", err)
		e.metrics.IncContextSave("error")
		return false
	}
	ts := e.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		logging.Error("CONTEXTSAVE", "build request", "err", err)
		e.metrics.IncContextSave("error")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, SignPayload(e.secret, ts, body))

	resp, err := e.client.Do(req)
	if err != nil {
		logging.Warn("CONTEXTSAVE", "webhook unreachable", "err", err)
		e.metrics.IncContextSave("error")
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Warn("CONTEXTSAVE", "webhook rejected", "status", resp.StatusCode)
		e.metrics.IncContextSave("rejected")
		return false
	}
	e.metrics.IncContextSave("ok")
	logging.Info("CONTEXTSAVE", "emitted", "decision", ev.ID, "org", ev.OrgID)
	return true
}

// SignPayload computes the webhook signature header value:
// v1,t=<unixTs>,s=<hex hmac-sha256 over "<unixTs>.<body>">.
func SignPayload(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("v1,t=%d,s=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks a signature header against the body. The
// timestamp must be within tolerance of now in either direction.
func VerifySignature(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		switch {
		case part == "v1":
		case strings.HasPrefix(part, "t="):
			parsed, err := strconv.ParseInt(part[2:], 10, 64)
			if err != nil {
				return fmt.Errorf("bad timestamp in signature header")
			}
			ts = parsed
		case strings.HasPrefix(part, "s="):
			sig = part[2:]
		default:
			return fmt.Errorf("unrecognized signature header segment %q", part)
		}
	}
	if ts == 0 || sig == "" {
		return fmt.Errorf("incomplete signature header")
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > tolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}
	expected := SignPayload(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(fmt.Sprintf("v1,t=%d,s=%s", ts, sig))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
