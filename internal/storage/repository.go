package storage

import (
	"context"
	"errors"
	"time"

	"streamforge/internal/models"
)

var (
	// ErrUserNotFound is returned when a user lookup misses.
	ErrUserNotFound = errors.New("user not found")
	// ErrStreamNotFound is returned when no stream matches the id or key.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrJobNotFound is returned when a transcode job lookup misses.
	ErrJobNotFound = errors.New("transcode job not found")
	// ErrPostNotFound is returned when a post lookup misses.
	ErrPostNotFound = errors.New("post not found")
	// ErrDuplicateFollow is returned when a follow edge already exists.
	ErrDuplicateFollow = errors.New("already following")
)

// CreateUserParams describes a new user record.
type CreateUserParams struct {
	DisplayName string
	AvatarURL   string
}

// StreamRegistration carries the fields for registering or re-registering
// a user's live stream. Registration is an upsert keyed by UserID.
type StreamRegistration struct {
	UserID string
	Title  string
}

// CreateJobParams describes a new transcode job record.
type CreateJobParams struct {
	UserID    string
	PostID    string
	SourceURL string
}

// JobUpdate carries the mutable transcode job fields. Nil pointers leave
// the stored value untouched.
type JobUpdate struct {
	Status            *models.JobStatus
	Error             *string
	Metadata          *models.SourceMetadata
	Variants          []models.VariantResult
	ThumbnailURL      *string
	MasterManifestURL *string
	FallbackURL       *string
	IsShort           *bool
	CompletedAt       *time.Time
}

// PostMedia carries the playback fields attached to a post once its
// upload has been transcoded.
type PostMedia struct {
	UserID       string
	VideoURL     string
	FallbackURL  string
	ThumbnailURL string
	IsShort      bool
}

// CreateShortParams describes a new short derived from a vertical upload.
type CreateShortParams struct {
	PostID      string
	UserID      string
	Duration    float64
	AspectRatio float64
}

// NotificationParams describes one notification to fan out.
type NotificationParams struct {
	UserID   string
	ActorID  string
	Kind     string
	StreamID string
	Message  string
}

// Repository is the persistence surface shared by the in-memory store and
// the Postgres implementation. Methods are synchronous; implementations
// backed by a database accept a context via their constructor options and
// apply per-call timeouts internally.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	GetUser(id string) (models.User, bool)

	FollowUser(followerID, userID string) error
	UnfollowUser(followerID, userID string) error
	ListFollowerIDs(userID string) ([]string, error)
	CountFollowers(userID string) (int, error)

	UpsertStream(reg StreamRegistration) (models.LiveStream, error)
	GetStream(id string) (models.LiveStream, bool)
	GetStreamByKey(key string) (models.LiveStream, bool)
	RotateStreamKey(id string) (models.LiveStream, error)
	MarkStreamLive(key string, startedAt time.Time, playbackURL string) (models.LiveStream, error)
	MarkStreamEnded(key string, endedAt time.Time) (models.LiveStream, error)
	AdjustStreamViewers(key string, delta int) (int, error)
	ListLiveStreams() ([]models.LiveStream, error)

	CreateTranscodeJob(params CreateJobParams) (models.TranscodeJob, error)
	UpdateTranscodeJob(id string, update JobUpdate) (models.TranscodeJob, error)
	GetTranscodeJob(id string) (models.TranscodeJob, bool)
	ListUnfinishedTranscodeJobs() ([]models.TranscodeJob, error)

	AttachPostMedia(postID string, media PostMedia) (models.Post, error)
	GetPost(id string) (models.Post, bool)

	CreateShort(params CreateShortParams) (models.Short, error)
	ListShortsByUser(userID string) ([]models.Short, error)

	CreateNotifications(batch []NotificationParams) (int, error)
	ListNotifications(userID string, limit int) ([]models.Notification, error)
}
