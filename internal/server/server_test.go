package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamforge/internal/api"
	"streamforge/internal/events"
	"streamforge/internal/live"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/presence"
	"streamforge/internal/storage"
)

type serverFixture struct {
	server  *Server
	store   *storage.Storage
	hub     *presence.Hub
	userID  string
	metrics *metrics.Recorder
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	user, err := store.CreateUser(storage.CreateUserParams{DisplayName: "Morgan"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	gateway := live.NewGateway(live.GatewayConfig{
		Store:        store,
		IngestBase:   "rtmp://ingest.local/live",
		PlaybackBase: "http://edge.local/hls",
		Logger:       logger,
		Metrics:      recorder,
	})
	handler := &api.Handler{
		Store:           store,
		Gateway:         gateway,
		Metrics:         recorder,
		Logger:          logger,
		IngestHookToken: "hook-secret",
	}
	hub := presence.NewHub(presence.HubConfig{
		Store:   store,
		Bus:     events.NewMemoryBus(16),
		Logger:  logger,
		Metrics: recorder,
	})

	srv, err := New(handler, Config{
		Addr:    "127.0.0.1:0",
		Hub:     hub,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &serverFixture{server: srv, store: store, hub: hub, userID: user.ID, metrics: recorder}
}

func (fx *serverFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerRoutesHealth(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestServerEchoesRequestID(t *testing.T) {
	fx := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := fx.do(req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("request id = %q, want req-123", got)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	fx := newServerFixture(t)

	fx.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("metrics exposition missing request counter:\n%s", rec.Body.String())
	}
}

func TestServerRoutesStreamRegistration(t *testing.T) {
	fx := newServerFixture(t)

	body := fmt.Sprintf(`{"userId":%q,"title":"Roundup"}`, fx.userID)
	req := httptest.NewRequest(http.MethodPost, "/api/stream/start", strings.NewReader(body))
	rec := fx.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The unprefixed alias serves the same handler.
	req = httptest.NewRequest(http.MethodPost, "/stream/start", strings.NewReader(body))
	if rec := fx.do(req); rec.Code != http.StatusOK {
		t.Fatalf("legacy path: expected 200, got %d", rec.Code)
	}
}

func TestServerRoutesJobLookup(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/transcode/jobs/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

// The middleware chain wraps every response writer; this dials through the
// assembled handler rather than mounting the hub directly, so a wrapper that
// loses Hijack breaks the upgrade and fails here.
func TestServerUpgradesPresenceWebsocket(t *testing.T) {
	fx := newServerFixture(t)
	ts := httptest.NewServer(fx.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(map[string]string{"type": "nonsense"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != "error" || reply.Error != "unknown command" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
