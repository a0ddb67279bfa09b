package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"streamforge/internal/models"
	"streamforge/internal/storage"
)

type streamStartRequest struct {
	// StreamKey is accepted for wire compatibility with older encoder
	// configs. Keys are issued server-side; the response carries the
	// authoritative key for this broadcaster.
	StreamKey string `json:"streamKey,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Title     string `json:"title,omitempty"`
}

type streamStartResponse struct {
	Success   bool   `json:"success"`
	StreamID  string `json:"streamId"`
	RTMPURL   string `json:"rtmpUrl,omitempty"`
	StreamKey string `json:"streamKey,omitempty"`
	Message   string `json:"message,omitempty"`
}

type streamDetailResponse struct {
	models.LiveStream
	Broadcaster *models.User `json:"broadcaster,omitempty"`
}

// StreamStart is the broadcaster-facing endpoint: POST registers (or
// restarts) the caller's stream, DELETE ends it out of band, GET looks up
// the record by key.
func (h *Handler) StreamStart(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.registerStream(w, r)
	case http.MethodDelete:
		h.endStreamByKey(w, r)
	case http.MethodGet:
		h.streamByKey(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE, GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) registerStream(w http.ResponseWriter, r *http.Request) {
	var req streamStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("userId is required"))
		return
	}

	stream, err := h.Gateway.Register(r.Context(), req.UserID, req.Title)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, streamStartResponse{
		Success:   true,
		StreamID:  stream.ID,
		RTMPURL:   stream.IngestURL,
		StreamKey: stream.StreamKey,
		Message:   "stream registered",
	})
}

func (h *Handler) endStreamByKey(w http.ResponseWriter, r *http.Request) {
	var req streamStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := models.NormalizeStreamKey(req.StreamKey)
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("streamKey is required"))
		return
	}

	stream, err := h.Gateway.HandleUnpublish(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrStreamNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("stream key not recognized"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, streamStartResponse{
		Success:   true,
		StreamID:  stream.ID,
		StreamKey: stream.StreamKey,
		Message:   "stream ended",
	})
}

func (h *Handler) streamByKey(w http.ResponseWriter, r *http.Request) {
	key := models.NormalizeStreamKey(r.URL.Query().Get("streamKey"))
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("streamKey is required"))
		return
	}
	stream, ok := h.Store.GetStreamByKey(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream key not recognized"))
		return
	}
	stream.IngestURL = h.Gateway.IngestURL(stream.StreamKey)

	resp := streamDetailResponse{LiveStream: stream}
	if user, ok := h.Store.GetUser(stream.UserID); ok {
		resp.Broadcaster = &user
	}
	writeJSON(w, http.StatusOK, resp)
}

// StreamRotateKey issues a fresh stream key, invalidating the old one.
func (h *Handler) StreamRotateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream id is required"))
		return
	}
	stream, err := h.Gateway.RotateStreamKey(id)
	if err != nil {
		if errors.Is(err, storage.ErrStreamNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, streamStartResponse{
		Success:   true,
		StreamID:  stream.ID,
		RTMPURL:   stream.IngestURL,
		StreamKey: stream.StreamKey,
		Message:   "stream key rotated",
	})
}

// LiveStreams lists every stream currently on air.
func (h *Handler) LiveStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	streams, err := h.Gateway.ListLive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}
