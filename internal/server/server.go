// Package server assembles the HTTP router and middleware chain around the
// API handlers and the websocket hub.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"streamforge/internal/api"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/presence"
	"streamforge/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr    string
	TLS     TLSConfig
	Hub     *presence.Hub
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Recorder
	tls        serverutil.TLSConfig
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handler.Health)
	router.Handle("/metrics", recorder.Handler())
	router.HandleFunc("/api/transcode", handler.Transcode)
	router.HandleFunc("/api/transcode/jobs", handler.TranscodeJobs)
	router.HandleFunc("/api/transcode/jobs/{id}", handler.TranscodeJobByID)
	router.HandleFunc("/api/stream/start", handler.StreamStart)
	router.HandleFunc("/api/streams/live", handler.LiveStreams)
	router.HandleFunc("/api/streams/{id}/rotate-key", handler.StreamRotateKey)
	router.HandleFunc("/api/hooks/ingest", handler.IngestHook)
	// Encoder dashboards and older upload clients predate the /api prefix.
	router.HandleFunc("/transcode", handler.Transcode)
	router.HandleFunc("/stream/start", handler.StreamStart)
	if cfg.Hub != nil {
		router.HandleFunc("/api/ws", cfg.Hub.HandleWS)
	}

	// Both wrappers record the response through metrics.ResponseRecorder,
	// which passes Hijack through so the websocket upgrade on /api/ws
	// still works behind them.
	handlerChain := metrics.HTTPMiddleware(recorder, router)
	handlerChain = logging.RequestLogger(cfg.Logger)(handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Websocket connections are hijacked during the upgrade, which
		// lifts them out of these deadlines.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srv := &Server{
		httpServer: httpServer,
		logger:     cfg.Logger,
		metrics:    recorder,
		tls: serverutil.TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the assembled middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS:    s.tls,
	})
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
