package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/governs-ai/governs/core/infra/logging"
)

// Subject layout for the governs event bus. Decisions fan out per
// organization; notifications flow the other way, from platform
// services into subscribed dashboards.
const (
	subjectDecisionPrefix = "governs.decisions."
	subjectNotifyWildcard = "governs.notify.>"
	subjectNotifyPrefix   = "governs.notify."
)

var (
	errNilBus   = errors.New("nats bus not initialized")
	errEmptyOrg = errors.New("empty org id")
)

// Bus is a thin wrapper over a NATS connection carrying JSON payloads.
type Bus struct {
	nc *nats.Conn
}

// New dials NATS at the provided URL with reconnect logging.
func New(url string) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("governs-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// DecisionSubject builds the per-org decision subject.
func DecisionSubject(orgID string) string {
	return subjectDecisionPrefix + orgID
}

// PublishDecision sends a JSON-encoded decision event for an organization.
func (b *Bus) PublishDecision(orgID string, data []byte) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return errEmptyOrg
	}
	return b.nc.Publish(DecisionSubject(orgID), data)
}

// SubscribeNotifications taps platform notifications. The handler
// receives the org id parsed from the subject tail and the raw payload.
func (b *Bus) SubscribeNotifications(handler func(orgID string, data []byte)) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	_, err := b.nc.Subscribe(subjectNotifyWildcard, func(msg *nats.Msg) {
		org := strings.TrimPrefix(msg.Subject, subjectNotifyPrefix)
		if org == "" || org == msg.Subject {
			logging.Warn("bus", "notification with malformed subject", "subject", msg.Subject)
			return
		}
		handler(org, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subjectNotifyWildcard, err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is live.
func (b *Bus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Status returns the connection status string for health reporting.
func (b *Bus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}
