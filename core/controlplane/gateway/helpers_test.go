package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/governs-ai/governs/core/decision"
	"github.com/governs-ai/governs/core/infra/config"
)

const (
	testKeyAcme   = "gk_acme_0123456789"
	testKeyGlobex = "gk_globex_123456789"
)

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  120 * time.Second,
		MaxChannelsPerSub: 10,
		MaxMessageBytes:   256 << 10,
		TriggerPhrases:    config.DefaultTriggerPhrases,
	}
}

func testCredentials() *EnvCredentialStore {
	creds, _ := ParseCredentials("")
	creds.Add(testKeyAcme, AuthContext{UserID: "user-1", OrgID: "acme", OrgSlug: "acme-corp"})
	creds.Add(testKeyGlobex, AuthContext{UserID: "user-9", OrgID: "globex"})
	return creds
}

type testBackend struct {
	store *decision.RedisStore
	dlq   *decision.DLQStore
	orgs  *decision.RedisOrgDirectory
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	url := "redis://" + srv.Addr()
	store, err := decision.NewRedisStore(url)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	dlq, err := decision.NewDLQStore(url)
	if err != nil {
		t.Fatalf("dlq init: %v", err)
	}
	t.Cleanup(func() { dlq.Close() })
	orgs, err := decision.NewRedisOrgDirectory(url)
	if err != nil {
		t.Fatalf("org directory init: %v", err)
	}
	t.Cleanup(func() { orgs.Close() })
	return &testBackend{store: store, dlq: dlq, orgs: orgs}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	backend := newTestBackend(t)
	srv, err := NewServer(Options{
		Config:      cfg,
		Credentials: testCredentials(),
		Store:       backend.store,
		DLQ:         backend.dlq,
		Orgs:        backend.orgs,
	})
	if err != nil {
		t.Fatalf("server init: %v", err)
	}
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return m
}

func expectFrame(t *testing.T, ws *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	frame := readFrame(t, ws)
	if frame["type"] != wantType {
		t.Fatalf("expected %s frame, got %v", wantType, frame)
	}
	return frame
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ws.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func authenticateWS(t *testing.T, ws *websocket.Conn, apiKey string) {
	t.Helper()
	expectFrame(t, ws, TypeReady)
	sendFrame(t, ws, map[string]any{"type": TypeAuth, "apiKey": apiKey})
	expectFrame(t, ws, TypeAuthSuccess)
}
