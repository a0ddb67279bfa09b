package models

import (
	"strings"
	"time"
)

// JobStatus tracks a transcode job through its pipeline stages.
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusProbing     JobStatus = "probing"
	JobStatusTranscoding JobStatus = "transcoding"
	JobStatusPublishing  JobStatus = "publishing"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// SourceMetadata captures the container and stream facts probed from an
// uploaded source file.
type SourceMetadata struct {
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Bitrate         int     `json:"bitrate,omitempty"`
	Codec           string  `json:"codec,omitempty"`
}

// Portrait reports whether the source is taller than it is wide, which
// classifies it as short-form content.
func (m SourceMetadata) Portrait() bool {
	return m.Height > m.Width
}

// VariantResult describes one produced rung of the adaptive-bitrate ladder.
// Bitrate is expressed in kilobits per second.
type VariantResult struct {
	Name        string `json:"name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Bitrate     int    `json:"bitrate"`
	ManifestURL string `json:"manifestUrl,omitempty"`
}

// TranscodeJob is the persisted record for one submitted source video.
type TranscodeJob struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	PostID            string          `json:"postId,omitempty"`
	SourceURL         string          `json:"sourceUrl"`
	Metadata          SourceMetadata  `json:"metadata"`
	IsShort           bool            `json:"isShort"`
	Variants          []VariantResult `json:"variants,omitempty"`
	ThumbnailURL      string          `json:"thumbnailUrl,omitempty"`
	MasterManifestURL string          `json:"masterManifestUrl,omitempty"`
	FallbackURL       string          `json:"fallbackUrl,omitempty"`
	Status            JobStatus       `json:"status"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// LiveStream is the persisted record for one registered broadcast. Rows are
// never deleted; restarts update the same row in place.
type LiveStream struct {
	ID              string     `json:"id"`
	StreamKey       string     `json:"streamKey"`
	UserID          string     `json:"userId"`
	Title           string     `json:"title"`
	IsLive          bool       `json:"isLive"`
	ViewerCount     int        `json:"viewerCount"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	IngestURL       string     `json:"ingestUrl,omitempty"`
	PlaybackURL     string     `json:"playbackUrl,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// User is the public broadcaster/viewer profile surfaced in chat messages and
// stream lookups. Account credentials live with an external collaborator.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Post is the external-facing content record a completed transcode job
// attaches its artifact URLs to.
type Post struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	VideoURL     string    `json:"videoUrl,omitempty"`
	FallbackURL  string    `json:"fallbackUrl,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	IsShort      bool      `json:"isShort"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Short is the derived record registered for portrait sources once their job
// completes.
type Short struct {
	ID              string    `json:"id"`
	PostID          string    `json:"postId"`
	UserID          string    `json:"userId"`
	DurationSeconds float64   `json:"durationSeconds"`
	AspectRatio     float64   `json:"aspectRatio"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Notification is one fan-out row delivered to a follower when a broadcaster
// goes live.
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	ActorID   string     `json:"actorId"`
	Kind      string     `json:"kind"`
	StreamID  string     `json:"streamId,omitempty"`
	Message   string     `json:"message,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// NotificationKindLive marks a "stream started" follower notification.
const NotificationKindLive = "stream_live"

// ChatMessage is the ephemeral room broadcast payload. It is never persisted.
type ChatMessage struct {
	ID        string    `json:"id"`
	StreamKey string    `json:"streamKey"`
	Author    User      `json:"user"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NormalizeStreamKey trims surrounding whitespace from a client-supplied
// stream key. Keys are case-sensitive capability tokens and are otherwise
// passed through untouched.
func NormalizeStreamKey(key string) string {
	return strings.TrimSpace(key)
}
