package gateway

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/governs-ai/governs/core/infra/metrics"
)

var (
	ErrChannelForbidden = errors.New("channel not permitted for this identity")
	ErrNotAuthenticated = errors.New("authentication required")
)

// ChannelRegistry maps channel names to subscriber connections. All
// channel names in a SUB are validated and authorized before any state
// changes, so a bad batch leaves subscriptions untouched.
type ChannelRegistry struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Connection
	metrics     metrics.GatewayMetrics
}

func NewChannelRegistry(m metrics.GatewayMetrics) *ChannelRegistry {
	if m == nil {
		m = metrics.Noop{}
	}
	return &ChannelRegistry{
		subscribers: make(map[string]map[string]*Connection),
		metrics:     m,
	}
}

// canActOn reports whether the identity may subscribe to or receive on
// the channel. A connection may act only on its own org, its own user
// id, or its own api key. Hard security boundary.
func canActOn(auth AuthContext, ch Channel) bool {
	switch ch.Type {
	case "org":
		return auth.OrgID != "" && (auth.OrgID == ch.ID || auth.OrgSlug == ch.ID)
	case "user":
		return auth.UserID != "" && auth.UserID == ch.ID
	case "key":
		return auth.APIKey != "" && auth.APIKey == ch.ID
	}
	return false
}

// Subscribe validates the whole batch, then registers the connection on
// every channel. Duplicate subscriptions are idempotent.
func (r *ChannelRegistry) Subscribe(conn *Connection, names []string) error {
	auth, ok := conn.identity()
	if !ok {
		return ErrNotAuthenticated
	}
	for _, name := range names {
		ch, err := ParseChannel(name)
		if err != nil {
			return err
		}
		if !canActOn(auth, ch) {
			return fmt.Errorf("%w: %s", ErrChannelForbidden, name)
		}
	}
	r.mu.Lock()
	for _, name := range names {
		if r.subscribers[name] == nil {
			r.subscribers[name] = make(map[string]*Connection)
		}
		r.subscribers[name][conn.ID] = conn
	}
	r.mu.Unlock()
	conn.addChannels(names)
	return nil
}

// Unsubscribe removes the connection from the named channels. Unknown
// or never-subscribed names are ignored.
func (r *ChannelRegistry) Unsubscribe(conn *Connection, names []string) {
	r.mu.Lock()
	for _, name := range names {
		if set := r.subscribers[name]; set != nil {
			delete(set, conn.ID)
			if len(set) == 0 {
				delete(r.subscribers, name)
			}
		}
	}
	r.mu.Unlock()
	conn.removeChannels(names)
}

// UnsubscribeAll tears a closing connection out of every channel it
// subscribed to.
func (r *ChannelRegistry) UnsubscribeAll(conn *Connection) {
	names := conn.channelSnapshot()
	if len(names) == 0 {
		return
	}
	r.Unsubscribe(conn, names)
}

// Broadcast fans a frame out to every subscriber of the channel and
// returns connections whose send queues were full. The caller decides
// what to do with the slow ones.
func (r *ChannelRegistry) Broadcast(channel string, frame []byte) []*Connection {
	r.mu.RLock()
	set := r.subscribers[channel]
	targets := make([]*Connection, 0, len(set))
	for _, conn := range set {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	var slow []*Connection
	for _, conn := range targets {
		if !conn.enqueue(frame) {
			slow = append(slow, conn)
		}
	}
	if len(targets) > 0 {
		if ch, err := ParseChannel(channel); err == nil {
			r.metrics.IncBroadcast(ch.Type)
		}
	}
	return slow
}

// ChannelStats is a point-in-time view of one active channel.
type ChannelStats struct {
	Channel     string `json:"channel"`
	Subscribers int    `json:"subscribers"`
}

func (r *ChannelRegistry) Stats() []ChannelStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelStats, 0, len(r.subscribers))
	for name, set := range r.subscribers {
		out = append(out, ChannelStats{Channel: name, Subscribers: len(set)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (r *ChannelRegistry) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[channel])
}
