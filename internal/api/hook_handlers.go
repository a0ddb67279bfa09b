package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamforge/internal/storage"
)

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// ingestHookAuthorized accepts the shared token as a bearer header or a
// token query parameter. Media servers differ in which one they can send.
func (h *Handler) ingestHookAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.IngestHookToken)
	if token == "" || r == nil {
		return false
	}

	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}

	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		if constantTimeEqual(token, queryToken) {
			return true
		}
	}

	return false
}

func normalizeHookAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	return strings.TrimPrefix(normalized, "on_")
}

type ingestHookRequest struct {
	Action string `json:"action"`
	Stream string `json:"stream"`
	Key    string `json:"key,omitempty"`
	Param  string `json:"param,omitempty"`
}

func (req ingestHookRequest) streamKey() string {
	if key := strings.TrimSpace(req.Stream); key != "" {
		return key
	}
	return strings.TrimSpace(req.Key)
}

type ingestHookResponse struct {
	Code            int    `json:"code"`
	Action          string `json:"action"`
	StreamID        string `json:"streamId,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// IngestHook is the media-server callback fired when an encoder starts or
// stops publishing a stream key. Unknown keys answer 404, which the media
// server treats as a rejected publish.
func (h *Handler) IngestHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.ingestHookAuthorized(r) {
		h.logger().Warn("ingest hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req ingestHookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := decodeJSONAllowUnknown(r, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}

	action := normalizeHookAction(req.Action)
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}
	key := req.streamKey()
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream key is required"))
		return
	}

	switch action {
	case "publish":
		stream, err := h.Gateway.HandlePublish(r.Context(), key)
		if err != nil {
			h.writeHookError(w, key, action, err)
			return
		}
		writeJSON(w, http.StatusOK, ingestHookResponse{Action: "on_publish", StreamID: stream.ID})
	case "unpublish":
		stream, err := h.Gateway.HandleUnpublish(r.Context(), key)
		if err != nil {
			h.writeHookError(w, key, action, err)
			return
		}
		writeJSON(w, http.StatusOK, ingestHookResponse{
			Action:          "on_unpublish",
			StreamID:        stream.ID,
			DurationSeconds: stream.DurationSeconds,
		})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
	}
}

func (h *Handler) writeHookError(w http.ResponseWriter, key, action string, err error) {
	if errors.Is(err, storage.ErrStreamNotFound) {
		h.logger().Warn("ingest hook stream rejected", "action", action)
		writeError(w, http.StatusNotFound, fmt.Errorf("stream key not recognized"))
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
