package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"streamforge/internal/media"
	"streamforge/internal/models"
	"streamforge/internal/storage"
)

type transcodeRequest struct {
	SourceURL string `json:"sourceUrl"`
	UserID    string `json:"userId"`
	PostID    string `json:"postId,omitempty"`
}

type transcodeResponse struct {
	JobID        string                `json:"jobId"`
	HLSURL       string                `json:"hlsUrl"`
	MP4URL       string                `json:"mp4Url"`
	ThumbnailURL string                `json:"thumbnailUrl"`
	IsShort      bool                  `json:"isShort"`
	Metadata     models.SourceMetadata `json:"metadata"`
}

type transcodeFailure struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func newTranscodeResponse(job models.TranscodeJob) transcodeResponse {
	return transcodeResponse{
		JobID:        job.ID,
		HLSURL:       job.MasterManifestURL,
		MP4URL:       job.FallbackURL,
		ThumbnailURL: job.ThumbnailURL,
		IsShort:      job.IsShort,
		Metadata:     job.Metadata,
	}
}

func (h *Handler) decodeTranscodeRequest(w http.ResponseWriter, r *http.Request) (transcodeRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSubmitBytes())

	var req transcodeRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return transcodeRequest{}, false
		}
		writeError(w, http.StatusBadRequest, err)
		return transcodeRequest{}, false
	}

	req.SourceURL = strings.TrimSpace(req.SourceURL)
	req.UserID = strings.TrimSpace(req.UserID)
	req.PostID = strings.TrimSpace(req.PostID)
	if req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sourceUrl is required"))
		return transcodeRequest{}, false
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("userId is required"))
		return transcodeRequest{}, false
	}
	if _, ok := h.Store.GetUser(req.UserID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("user %s not found", req.UserID))
		return transcodeRequest{}, false
	}
	return req, true
}

// Transcode runs the whole pipeline on the request goroutine and answers
// with the finished artifact URLs. Callers that cannot hold a connection
// open for the duration should use TranscodeJobs instead.
func (h *Handler) Transcode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("transcoding is disabled"))
		return
	}

	req, ok := h.decodeTranscodeRequest(w, r)
	if !ok {
		return
	}

	job, err := h.Store.CreateTranscodeJob(storage.CreateJobParams{
		UserID:    req.UserID,
		PostID:    req.PostID,
		SourceURL: req.SourceURL,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	finished, err := h.Pipeline.Run(r.Context(), job.ID)
	if err != nil {
		detail := finished.Error
		if detail == "" {
			detail = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, transcodeFailure{
			Error:   detail,
			Details: media.FailingStage(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, newTranscodeResponse(finished))
}

// TranscodeJobs accepts a submission for background processing and returns
// the queued job for polling.
func (h *Handler) TranscodeJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("background transcoding is disabled"))
		return
	}

	req, ok := h.decodeTranscodeRequest(w, r)
	if !ok {
		return
	}

	job, err := h.Store.CreateTranscodeJob(storage.CreateJobParams{
		UserID:    req.UserID,
		PostID:    req.PostID,
		SourceURL: req.SourceURL,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.Processor.Enqueue(job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// TranscodeJobByID returns the current state of one job.
func (h *Handler) TranscodeJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("job id is required"))
		return
	}
	job, ok := h.Store.GetTranscodeJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
