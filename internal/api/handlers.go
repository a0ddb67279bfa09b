// Package api exposes the HTTP surface: transcode submission, live stream
// registration, the media-server ingest hook, and health.
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"streamforge/internal/live"
	"streamforge/internal/media"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

// defaultMaxSubmitBytes caps transcode submission bodies.
const defaultMaxSubmitBytes = 100 << 20

// Handler carries the dependencies shared by every HTTP handler. Fields are
// set directly by the composition root; nil optional fields disable the
// endpoints that need them.
type Handler struct {
	Store     storage.Repository
	Gateway   *live.Gateway
	Pipeline  *media.Pipeline
	Processor *media.Processor
	Metrics   *metrics.Recorder
	Logger    *slog.Logger

	// IngestHookToken gates the media-server callback endpoint. Empty
	// rejects every hook call.
	IngestHookToken string
	// MaxSubmitBytes bounds transcode request bodies. Zero applies the
	// default cap.
	MaxSubmitBytes int64
}

func NewHandler(store storage.Repository) *Handler {
	return &Handler{Store: store}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) maxSubmitBytes() int64 {
	if h.MaxSubmitBytes > 0 {
		return h.MaxSubmitBytes
	}
	return defaultMaxSubmitBytes
}

// Health reports storage reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
