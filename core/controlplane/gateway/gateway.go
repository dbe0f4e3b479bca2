// Package gateway implements the real-time websocket front door for
// governance decision ingestion and fan-out. Clients authenticate with
// API keys, push policy decisions that are persisted exactly once per
// idempotency key, and subscribe to org/user scoped channels for live
// pushes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/governs-ai/governs/core/decision"
	"github.com/governs-ai/governs/core/infra/buildinfo"
	"github.com/governs-ai/governs/core/infra/bus"
	"github.com/governs-ai/governs/core/infra/config"
	"github.com/governs-ai/governs/core/infra/logging"
	"github.com/governs-ai/governs/core/infra/metrics"
)

const (
	writeWait        = 10 * time.Second
	msgRatePerSecond = 50
	msgRateBurst     = 100
)

// channelCategories are advertised to clients in the READY frame.
var channelCategories = []string{
	"decisions", "notifications", "usage", "precheck", "postcheck", "dlq", "approvals",
}

// Options wires a Server's collaborators. Config, Credentials and
// Store are required; everything else degrades gracefully when nil.
type Options struct {
	Config      *config.Config
	Credentials CredentialStore
	Store       decision.Store
	DLQ         *decision.DLQStore
	Orgs        decision.OrgDirectory
	Publisher   DecisionPublisher
	Bus         *bus.Bus
	Emitter     *ContextSaveEmitter
	Metrics     metrics.GatewayMetrics
}

// Server is the websocket gateway.
type Server struct {
	cfg       *config.Config
	creds     CredentialStore
	conns     *connRegistry
	channels  *ChannelRegistry
	validator *MessageValidator
	ingestor  *DecisionIngestor
	bus       *bus.Bus
	metrics   metrics.GatewayMetrics
	upgrader  websocket.Upgrader
	started   time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential store required")
	}
	if opts.Store == nil {
		return nil, errors.New("decision store required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	validator, err := NewMessageValidator(opts.Config.MaxChannelsPerSub)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       opts.Config,
		creds:     opts.Credentials,
		conns:     newConnRegistry(),
		channels:  NewChannelRegistry(opts.Metrics),
		validator: validator,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
		done:    make(chan struct{}),
	}
	s.ingestor = &DecisionIngestor{
		store:        opts.Store,
		dlq:          opts.DLQ,
		orgs:         opts.Orgs,
		channels:     s.channels,
		publisher:    opts.Publisher,
		emitter:      opts.Emitter,
		validator:    validator,
		metrics:      opts.Metrics,
		authenticate: s.authenticate,
		evictSlow:    func(conn *Connection) { s.evict(conn, "slow") },
	}

	s.wg.Add(1)
	go s.heartbeatLoop()
	return s, nil
}

// Handler returns the HTTP mux serving the websocket endpoint and the
// read-only status endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/channels", s.handleChannels)
	return mux
}

// Close stops the heartbeat loop and disconnects every client.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	for _, conn := range s.conns.snapshot() {
		s.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("gateway", "upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn := newConnection(uuid.NewString(), sock, msgRateBurst)
	sock.SetReadLimit(s.cfg.MaxMessageBytes)
	sock.SetPongHandler(func(string) error {
		conn.touch()
		return nil
	})

	// Query-parameter credentials authenticate before the first frame;
	// a bad key never gets a session.
	if apiKey := r.URL.Query().Get("apiKey"); apiKey != "" {
		if _, err := s.authenticate(r.Context(), conn, apiKey, r.URL.Query().Get("userId")); err != nil {
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
			_ = sock.WriteControl(websocket.CloseMessage, msg, deadline)
			sock.Close()
			return
		}
	}

	s.conns.add(conn)
	s.metrics.ConnOpened()
	logging.Info("gateway", "connection opened", "conn", conn.ID, "remote", r.RemoteAddr)

	s.wg.Add(1)
	go s.writeLoop(conn)

	conn.enqueue(marshalMessage(readyMessage{
		Type:         TypeReady,
		ConnectionID: conn.ID,
		Channels:     channelCategories,
		Timestamp:    time.Now().Unix(),
	}))
	if auth, ok := conn.identity(); ok {
		conn.enqueue(marshalMessage(authSuccessMessage{
			Type:         TypeAuthSuccess,
			ConnectionID: conn.ID,
			UserID:       auth.UserID,
			OrgID:        auth.OrgID,
			OrgSlug:      auth.OrgSlug,
		}))
	}

	s.readLoop(r.Context(), conn)
}

// readLoop owns inbound traffic for one connection. Per-connection
// ordering is a consequence of this single goroutine processing frames
// sequentially.
func (s *Server) readLoop(ctx context.Context, conn *Connection) {
	defer s.closeConn(conn, websocket.CloseNormalClosure, "")
	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info("gateway", "connection dropped", "conn", conn.ID, "err", err)
			}
			return
		}
		conn.touch()
		if !conn.allowMessage(msgRatePerSecond, msgRateBurst) {
			conn.enqueue(marshalMessage(errorEnvelope(TypeError, codeRateLimited, "message rate limit exceeded")))
			continue
		}
		s.dispatch(ctx, conn, raw)
	}
}

// dispatch validates and routes one inbound frame. A panic in a
// handler is converted to an ERROR frame instead of tearing down the
// process.
func (s *Server) dispatch(ctx context.Context, conn *Connection, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("gateway", "handler panic", "conn", conn.ID, "panic", r)
			conn.enqueue(marshalMessage(errorEnvelope(TypeError, codeInternal, "internal error")))
		}
	}()

	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		conn.enqueue(marshalMessage(errorEnvelope(TypeError, codeInvalidJSON, "frame is not valid JSON")))
		return
	}
	if !s.validator.Knows(env.Type) {
		conn.enqueue(marshalMessage(errorEnvelope(TypeError, codeUnknownMessageType, "unknown message type "+env.Type)))
		return
	}
	s.metrics.IncMessage(env.Type)
	if err := s.validator.ValidateEnvelope(env.Type, raw); err != nil {
		errType := TypeError
		switch env.Type {
		case TypeAuth:
			errType = TypeAuthError
		case TypeIngest:
			errType = TypeIngestError
		case TypeSub, TypeUnsub:
			errType = TypeSubError
		}
		conn.enqueue(marshalMessage(errorEnvelope(errType, codeInvalidMessage, err.Error())))
		return
	}

	switch env.Type {
	case TypePing:
		s.handlePing(conn, &env)
	case TypeAuth:
		s.handleAuth(ctx, conn, &env)
	case TypeSub:
		s.handleSub(conn, &env)
	case TypeUnsub:
		s.handleUnsub(conn, &env)
	case TypeIngest:
		s.handleIngest(ctx, conn, &env)
	}
}

func (s *Server) handlePing(conn *Connection, env *inboundEnvelope) {
	pong := pongMessage{Type: TypePong, Timestamp: time.Now().Unix()}
	if env.Timestamp > 0 {
		// Clients send either unix seconds or unix milliseconds;
		// anything below 1e12 can only be seconds (that threshold in
		// milliseconds was back in 2001).
		ts := env.Timestamp
		if ts < 1_000_000_000_000 {
			ts *= 1000
		}
		if lat := time.Now().UnixMilli() - ts; lat >= 0 {
			pong.LatencyMs = lat
		}
	}
	conn.enqueue(marshalMessage(pong))
}

func (s *Server) handleAuth(ctx context.Context, conn *Connection, env *inboundEnvelope) {
	auth, err := s.authenticate(ctx, conn, env.APIKey, env.UserID)
	if err != nil {
		logging.Warn("gateway", "auth rejected", "conn", conn.ID, "err", err)
		conn.enqueue(marshalMessage(errorEnvelope(TypeAuthError, codeAuthFailed, "invalid credentials")))
		return
	}
	conn.enqueue(marshalMessage(authSuccessMessage{
		Type:         TypeAuthSuccess,
		ConnectionID: conn.ID,
		UserID:       auth.UserID,
		OrgID:        auth.OrgID,
		OrgSlug:      auth.OrgSlug,
	}))
}

// authenticate verifies credentials and binds the resulting identity
// to the connection. Re-authentication on an already-bound connection
// is rejected rather than allowing identity swaps mid-session.
func (s *Server) authenticate(ctx context.Context, conn *Connection, apiKey, userID string) (AuthContext, error) {
	if _, already := conn.identity(); already {
		return AuthContext{}, errors.New("connection already authenticated")
	}
	if err := ValidateAPIKeyFormat(apiKey); err != nil {
		return AuthContext{}, err
	}
	auth, err := s.creds.Verify(ctx, apiKey, userID)
	if err != nil {
		return AuthContext{}, err
	}
	auth.APIKey = apiKey
	conn.setIdentity(auth)
	s.conns.bindIdentity(conn)
	logging.Info("gateway", "authenticated", "conn", conn.ID, "org", auth.OrgID, "user", auth.UserID)
	return auth, nil
}

func (s *Server) handleSub(conn *Connection, env *inboundEnvelope) {
	if err := s.channels.Subscribe(conn, env.Channels); err != nil {
		code := codeSubscription
		if errors.Is(err, ErrChannelForbidden) || errors.Is(err, ErrNotAuthenticated) {
			code = codeUnauthorized
		}
		conn.enqueue(marshalMessage(errorEnvelope(TypeSubError, code, err.Error())))
		return
	}
	conn.enqueue(marshalMessage(subAckMessage{Type: TypeSubAck, Channels: env.Channels}))
}

func (s *Server) handleUnsub(conn *Connection, env *inboundEnvelope) {
	s.channels.Unsubscribe(conn, env.Channels)
	conn.enqueue(marshalMessage(subAckMessage{Type: TypeUnsubAck, Channels: env.Channels}))
}

func (s *Server) handleIngest(ctx context.Context, conn *Connection, env *inboundEnvelope) {
	ack, werr := s.ingestor.Process(ctx, conn, env)
	if werr != nil {
		conn.enqueue(marshalMessage(errorEnvelope(TypeIngestError, werr.code, werr.message)))
		return
	}
	conn.enqueue(marshalMessage(ack))
}

// writeLoop is the only goroutine that calls WriteMessage on the
// socket. Control frames go through WriteControl, which gorilla
// documents as safe to use concurrently with it.
func (s *Server) writeLoop(conn *Connection) {
	defer s.wg.Done()
	for {
		select {
		case frame := <-conn.send:
			conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.closeConn(conn, websocket.CloseAbnormalClosure, "")
				return
			}
		case <-conn.closed:
			return
		}
	}
}

// heartbeatLoop pings every connection at the configured interval and
// evicts any that have not been heard from within the timeout.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			for _, conn := range s.conns.snapshot() {
				idle := now.Sub(conn.idleSince())
				if idle > s.cfg.HeartbeatTimeout {
					s.evict(conn, "idle")
					continue
				}
				if idle > s.cfg.HeartbeatTimeout/2 {
					deadline := now.Add(writeWait)
					_ = conn.sock.WriteControl(websocket.PingMessage, nil, deadline)
				}
			}
		}
	}
}

func (s *Server) evict(conn *Connection, reason string) {
	s.metrics.IncEviction(reason)
	logging.Warn("gateway", "evicting connection", "conn", conn.ID, "reason", reason)
	s.closeConn(conn, websocket.CloseGoingAway, "evicted: "+reason)
}

// closeConn converges every disconnect path. Safe to call repeatedly;
// cleanup runs once.
func (s *Server) closeConn(conn *Connection, closeCode int, reason string) {
	conn.cleanupOnce.Do(func() {
		if reason != "" {
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(closeCode, reason)
			_ = conn.sock.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		conn.markClosed()
		s.channels.UnsubscribeAll(conn)
		s.conns.remove(conn)
		conn.sock.Close()
		s.metrics.ConnClosed()
		logging.Info("gateway", "connection closed", "conn", conn.ID)
	})
}

// BroadcastNotification pushes a platform notification to an org's
// notification channel. Wired to the bus notification tap.
func (s *Server) BroadcastNotification(orgID string, data []byte) {
	frame := marshalMessage(notificationMessage{Type: TypeNotification, Data: data})
	for _, slow := range s.channels.Broadcast("org:"+orgID+":notifications", frame) {
		s.evict(slow, "slow")
	}
}

// storePinger is satisfied by Redis-backed stores; in-memory test
// stores without a Ping are reported as such instead of failing.
type storePinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	redisStatus := "unknown"
	if p, ok := s.ingestor.store.(storePinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			redisStatus = "error"
			status = "degraded"
		} else {
			redisStatus = "ok"
		}
	}
	natsStatus := "disabled"
	if s.bus != nil {
		natsStatus = strings.ToLower(s.bus.Status())
		if !s.bus.IsConnected() {
			status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"version":     buildinfo.Version,
		"connections": s.conns.count(),
		"channels":    len(s.channels.Stats()),
		"uptimeSec":   int64(time.Since(s.started).Seconds()),
		"redis":       redisStatus,
		"nats":        natsStatus,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"channels": s.channels.Stats()})
}

// Run wires production collaborators from configuration and serves
// until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	creds, err := NewEnvCredentialStore()
	if err != nil {
		return err
	}
	store, err := decision.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()
	dlq, err := decision.NewDLQStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer dlq.Close()
	orgs, err := decision.NewRedisOrgDirectory(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer orgs.Close()

	prom := metrics.NewProm("governs_gateway")

	// The bus is a side channel; the gateway serves without it.
	var eventBus *bus.Bus
	var publisher DecisionPublisher
	if b, err := bus.New(cfg.NatsURL); err != nil {
		logging.Warn("gateway", "nats unavailable, bus publishing disabled", "err", err)
	} else {
		eventBus = b
		publisher = b
		defer b.Close()
	}

	emitter := NewContextSaveEmitter(cfg.WebhookURL, cfg.WebhookSecret, cfg.TriggerPhrases, prom)

	srv, err := NewServer(Options{
		Config:      cfg,
		Credentials: creds,
		Store:       store,
		DLQ:         dlq,
		Orgs:        orgs,
		Publisher:   publisher,
		Bus:         eventBus,
		Emitter:     emitter,
		Metrics:     prom,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	if eventBus != nil {
		if err := eventBus.SubscribeNotifications(srv.BroadcastNotification); err != nil {
			logging.Warn("gateway", "notification tap failed", "err", err)
		}
	}

	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: srv.Handler()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logging.Info("gateway", "websocket listener up", "addr", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logging.Info("gateway", "metrics listener up", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logging.Info("gateway", "shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}
