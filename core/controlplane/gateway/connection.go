package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const sendQueueSize = 64

// Connection tracks one websocket client. The reader goroutine owns
// inbound traffic; all outbound frames go through the send queue so a
// single writer goroutine touches the socket.
type Connection struct {
	ID   string
	sock *websocket.Conn
	send chan []byte

	connectedAt time.Time

	mu       sync.Mutex
	auth     AuthContext
	authed   bool
	channels map[string]struct{}
	lastSeen time.Time
	inbound  int64

	tokens    float64
	tokenMark time.Time

	closeOnce   sync.Once
	cleanupOnce sync.Once
	closed      chan struct{}
}

func newConnection(id string, sock *websocket.Conn, burst float64) *Connection {
	now := time.Now()
	return &Connection{
		ID:          id,
		sock:        sock,
		send:        make(chan []byte, sendQueueSize),
		connectedAt: now,
		channels:    make(map[string]struct{}),
		lastSeen:    now,
		tokens:      burst,
		tokenMark:   now,
		closed:      make(chan struct{}),
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.inbound++
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Connection) setIdentity(auth AuthContext) {
	c.mu.Lock()
	c.auth = auth
	c.authed = true
	c.mu.Unlock()
}

func (c *Connection) identity() (AuthContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth, c.authed
}

func (c *Connection) addChannels(names []string) {
	c.mu.Lock()
	for _, name := range names {
		c.channels[name] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Connection) removeChannels(names []string) {
	c.mu.Lock()
	for _, name := range names {
		delete(c.channels, name)
	}
	c.mu.Unlock()
}

func (c *Connection) channelSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	return out
}

// allowMessage is a token bucket refilled at ratePerSec. A false return
// means the client is sending faster than the gateway will process.
func (c *Connection) allowMessage(ratePerSec, burst float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.tokens += now.Sub(c.tokenMark).Seconds() * ratePerSec
	if c.tokens > burst {
		c.tokens = burst
	}
	c.tokenMark = now
	if c.tokens < 1 {
		return false
	}
	c.tokens--
	return true
}

// enqueue hands a frame to the writer goroutine without blocking.
// A false return means the queue is full or the connection is closing;
// callers treat that as a slow client.
func (c *Connection) enqueue(frame []byte) bool {
	if frame == nil {
		return true
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

func (c *Connection) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// connRegistry indexes live connections by id, org, and user so auth
// state changes and broadcasts never scan the full set.
type connRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byOrg  map[string]map[string]*Connection
	byUser map[string]map[string]*Connection
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		byID:   make(map[string]*Connection),
		byOrg:  make(map[string]map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

func (r *connRegistry) add(conn *Connection) {
	r.mu.Lock()
	r.byID[conn.ID] = conn
	r.mu.Unlock()
}

// bindIdentity indexes an authenticated connection under its org and
// user. Called once per connection, after credentials verify.
func (r *connRegistry) bindIdentity(conn *Connection) {
	auth, ok := conn.identity()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if auth.OrgID != "" {
		if r.byOrg[auth.OrgID] == nil {
			r.byOrg[auth.OrgID] = make(map[string]*Connection)
		}
		r.byOrg[auth.OrgID][conn.ID] = conn
	}
	if auth.UserID != "" {
		if r.byUser[auth.UserID] == nil {
			r.byUser[auth.UserID] = make(map[string]*Connection)
		}
		r.byUser[auth.UserID][conn.ID] = conn
	}
}

func (r *connRegistry) remove(conn *Connection) {
	auth, _ := conn.identity()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, conn.ID)
	if set := r.byOrg[auth.OrgID]; set != nil {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(r.byOrg, auth.OrgID)
		}
	}
	if set := r.byUser[auth.UserID]; set != nil {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(r.byUser, auth.UserID)
		}
	}
}

func (r *connRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *connRegistry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		out = append(out, conn)
	}
	return out
}
