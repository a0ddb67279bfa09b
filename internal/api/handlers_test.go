package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamforge/internal/live"
	"streamforge/internal/media"
	"streamforge/internal/models"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

const testHookToken = "hook-secret"

type stubFetcher struct {
	err error
}

func (f *stubFetcher) Download(_ context.Context, _, destPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(destPath, []byte("source-bytes"), 0o644)
}

type stubProber struct {
	meta models.SourceMetadata
	err  error
}

func (p *stubProber) Probe(context.Context, string) (models.SourceMetadata, error) {
	if p.err != nil {
		return models.SourceMetadata{}, p.err
	}
	return p.meta, nil
}

type stubEngine struct{}

func (e *stubEngine) TranscodeRung(_ context.Context, _, rungDir string, _ media.Rung) error {
	if err := os.MkdirAll(rungDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rungDir, "index.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rungDir, "segment_00000.ts"), []byte("ts"), 0o644)
}

func (e *stubEngine) ExtractThumbnail(_ context.Context, _, outPath string) error {
	return os.WriteFile(outPath, []byte("jpg"), 0o644)
}

func (e *stubEngine) EncodeFallback(_ context.Context, _, outPath string) error {
	return os.WriteFile(outPath, []byte("mp4"), 0o644)
}

type apiFixture struct {
	handler *Handler
	store   *storage.Storage
	gateway *live.Gateway
	fetcher *stubFetcher
	prober  *stubProber
	user    models.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	user, err := store.CreateUser(storage.CreateUserParams{DisplayName: "Avery"})
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

	fetcher := &stubFetcher{}
	prober := &stubProber{meta: models.SourceMetadata{
		DurationSeconds: 30,
		Width:           1280,
		Height:          720,
		Codec:           "h264",
	}}
	pipeline := media.NewPipeline(media.PipelineConfig{
		Repository: store,
		Prober:     prober,
		Engine:     &stubEngine{},
		Downloader: fetcher,
		Publisher: &media.Publisher{
			LocalDir:  t.TempDir(),
			LocalBase: "http://localhost:8080/media",
			Logger:    logger,
		},
		WorkRoot: t.TempDir(),
		Logger:   logger,
		Metrics:  recorder,
	})

	handler := &Handler{
		Store:           store,
		Gateway:         gateway,
		Pipeline:        pipeline,
		Metrics:         recorder,
		Logger:          logger,
		IngestHookToken: testHookToken,
	}
	return &apiFixture{
		handler: handler,
		store:   store,
		gateway: gateway,
		fetcher: fetcher,
		prober:  prober,
		user:    user,
	}
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := decodeJSONAllowUnknown(&http.Request{Body: io.NopCloser(rec.Body)}, dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthReportsStorage(t *testing.T) {
	fx := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	fx.handler.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestHealthRejectsOtherMethods(t *testing.T) {
	fx := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	fx.handler.Health(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
