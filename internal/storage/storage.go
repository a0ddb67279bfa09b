package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"streamforge/internal/models"
)

type dataset struct {
	Users         map[string]models.User          `json:"users"`
	Follows       map[string]map[string]time.Time `json:"follows"`
	Streams       map[string]models.LiveStream    `json:"streams"`
	TranscodeJobs map[string]models.TranscodeJob  `json:"transcodeJobs"`
	Posts         map[string]models.Post          `json:"posts"`
	Shorts        map[string]models.Short         `json:"shorts"`
	Notifications map[string]models.Notification  `json:"notifications"`
}

// Storage is the file-backed in-memory repository. Every mutation is
// persisted atomically before it becomes visible; an empty filePath keeps
// the dataset memory-only.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Users:         make(map[string]models.User),
		Follows:       make(map[string]map[string]time.Time),
		Streams:       make(map[string]models.LiveStream),
		TranscodeJobs: make(map[string]models.TranscodeJob),
		Posts:         make(map[string]models.Post),
		Shorts:        make(map[string]models.Short),
		Notifications: make(map[string]models.Notification),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Follows == nil {
		s.data.Follows = make(map[string]map[string]time.Time)
	}
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.LiveStream)
	}
	if s.data.TranscodeJobs == nil {
		s.data.TranscodeJobs = make(map[string]models.TranscodeJob)
	}
	if s.data.Posts == nil {
		s.data.Posts = make(map[string]models.Post)
	}
	if s.data.Shorts == nil {
		s.data.Shorts = make(map[string]models.Short)
	}
	if s.data.Notifications == nil {
		s.data.Notifications = make(map[string]models.Notification)
	}
}

// NewStorage loads (or creates) the dataset backing file at path. An empty
// path produces a memory-only store, which is what the tests use.
func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		s.data = newDataset()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()

	for id, user := range src.Users {
		clone.Users[id] = user
	}
	for userID, followers := range src.Follows {
		if followers == nil {
			continue
		}
		cloned := make(map[string]time.Time, len(followers))
		for followerID, followedAt := range followers {
			cloned[followerID] = followedAt
		}
		clone.Follows[userID] = cloned
	}
	for id, stream := range src.Streams {
		cloned := stream
		if stream.StartedAt != nil {
			started := *stream.StartedAt
			cloned.StartedAt = &started
		}
		if stream.EndedAt != nil {
			ended := *stream.EndedAt
			cloned.EndedAt = &ended
		}
		clone.Streams[id] = cloned
	}
	for id, job := range src.TranscodeJobs {
		cloned := job
		if job.Variants != nil {
			cloned.Variants = append([]models.VariantResult(nil), job.Variants...)
		}
		if job.CompletedAt != nil {
			completed := *job.CompletedAt
			cloned.CompletedAt = &completed
		}
		clone.TranscodeJobs[id] = cloned
	}
	for id, post := range src.Posts {
		clone.Posts[id] = post
	}
	for id, short := range src.Shorts {
		clone.Shorts[id] = short
	}
	for id, notification := range src.Notifications {
		cloned := notification
		if notification.ReadAt != nil {
			read := *notification.ReadAt
			cloned.ReadAt = &read
		}
		clone.Notifications[id] = cloned
	}

	return clone
}

// Ping reports storage health. The in-memory store is always healthy.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close flushes the dataset a final time.
func (s *Storage) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// User operations

func (s *Storage) CreateUser(params CreateUserParams) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}

	id := generateID()
	user := models.User{
		ID:          id,
		DisplayName: displayName,
		AvatarURL:   strings.TrimSpace(params.AvatarURL),
		CreatedAt:   time.Now().UTC(),
	}

	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		delete(s.data.Users, id)
		return models.User{}, err
	}

	return user, nil
}

func (s *Storage) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok
}

// FollowUser records followerID following userID. Idempotent.
func (s *Storage) FollowUser(followerID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[followerID]; !ok {
		return fmt.Errorf("follower %s: %w", followerID, ErrUserNotFound)
	}
	if _, ok := s.data.Users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}

	updatedData := cloneDataset(s.data)
	followers := updatedData.Follows[userID]
	if followers == nil {
		followers = make(map[string]time.Time)
	}
	if _, exists := followers[followerID]; !exists {
		followers[followerID] = time.Now().UTC()
	}
	updatedData.Follows[userID] = followers

	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData
	return nil
}

// UnfollowUser removes the follow edge if present. Idempotent.
func (s *Storage) UnfollowUser(followerID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}

	updatedData := cloneDataset(s.data)
	if followers, ok := updatedData.Follows[userID]; ok {
		delete(followers, followerID)
		if len(followers) == 0 {
			delete(updatedData.Follows, userID)
		}
	}

	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData
	return nil
}

// ListFollowerIDs returns the followers of userID ordered by follow recency,
// newest first.
func (s *Storage) ListFollowerIDs(userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	followers := s.data.Follows[userID]
	if len(followers) == 0 {
		return nil, nil
	}

	type pair struct {
		id   string
		when time.Time
	}
	pairs := make([]pair, 0, len(followers))
	for followerID, followedAt := range followers {
		pairs = append(pairs, pair{id: followerID, when: followedAt})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].when.Equal(pairs[j].when) {
			return pairs[i].id < pairs[j].id
		}
		return pairs[i].when.After(pairs[j].when)
	})

	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		ids = append(ids, p.id)
	}
	return ids, nil
}

func (s *Storage) CountFollowers(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Follows[userID]), nil
}

// Stream operations

// UpsertStream registers a broadcast slot for the user, or refreshes the
// title of an existing one. Each user holds at most one stream row; the
// stream key survives re-registration.
func (s *Storage) UpsertStream(reg StreamRegistration) (models.LiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[reg.UserID]; !ok {
		return models.LiveStream{}, fmt.Errorf("user %s: %w", reg.UserID, ErrUserNotFound)
	}

	now := time.Now().UTC()
	title := strings.TrimSpace(reg.Title)

	updatedData := cloneDataset(s.data)
	for id, stream := range updatedData.Streams {
		if stream.UserID != reg.UserID {
			continue
		}
		if title != "" {
			stream.Title = title
		}
		stream.UpdatedAt = now
		updatedData.Streams[id] = stream
		if err := s.persistDataset(updatedData); err != nil {
			return models.LiveStream{}, err
		}
		s.data = updatedData
		return stream, nil
	}

	key, err := generateStreamKey()
	if err != nil {
		return models.LiveStream{}, err
	}
	stream := models.LiveStream{
		ID:        generateID(),
		StreamKey: key,
		UserID:    reg.UserID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	updatedData.Streams[stream.ID] = stream

	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveStream{}, err
	}
	s.data = updatedData
	return stream, nil
}

func (s *Storage) GetStream(id string) (models.LiveStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[id]
	return stream, ok
}

func (s *Storage) GetStreamByKey(key string) (models.LiveStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findStreamByKey(s.data, key)
}

// RotateStreamKey replaces the stream's capability token. The old key stops
// authorizing publishes as soon as the new row is persisted.
func (s *Storage) RotateStreamKey(id string) (models.LiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	stream, ok := updatedData.Streams[id]
	if !ok {
		return models.LiveStream{}, fmt.Errorf("stream %s: %w", id, ErrStreamNotFound)
	}

	key, err := generateStreamKey()
	if err != nil {
		return models.LiveStream{}, err
	}
	stream.StreamKey = key
	stream.UpdatedAt = time.Now().UTC()
	updatedData.Streams[id] = stream

	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveStream{}, err
	}
	s.data = updatedData
	return stream, nil
}

// MarkStreamLive flips the stream identified by key to live, clearing any
// previous session's end state so restarts reuse the row.
func (s *Storage) MarkStreamLive(key string, startedAt time.Time, playbackURL string) (models.LiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	stream, ok := findStreamByKey(updatedData, key)
	if !ok {
		return models.LiveStream{}, ErrStreamNotFound
	}

	started := startedAt.UTC()
	stream.IsLive = true
	stream.StartedAt = &started
	stream.EndedAt = nil
	stream.DurationSeconds = 0
	stream.ViewerCount = 0
	if playbackURL != "" {
		stream.PlaybackURL = playbackURL
	}
	stream.UpdatedAt = time.Now().UTC()
	updatedData.Streams[stream.ID] = stream

	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveStream{}, err
	}
	s.data = updatedData
	return stream, nil
}

// MarkStreamEnded flips the stream offline and records the session duration.
// Ending an already-offline stream is a no-op returning the current row.
func (s *Storage) MarkStreamEnded(key string, endedAt time.Time) (models.LiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	stream, ok := findStreamByKey(updatedData, key)
	if !ok {
		return models.LiveStream{}, ErrStreamNotFound
	}
	if !stream.IsLive {
		return stream, nil
	}

	ended := endedAt.UTC()
	stream.IsLive = false
	stream.EndedAt = &ended
	if stream.StartedAt != nil {
		duration := int(ended.Sub(*stream.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
		stream.DurationSeconds = duration
	}
	stream.ViewerCount = 0
	stream.UpdatedAt = time.Now().UTC()
	updatedData.Streams[stream.ID] = stream

	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveStream{}, err
	}
	s.data = updatedData
	return stream, nil
}

// AdjustStreamViewers applies delta to the viewer count, clamping at zero,
// and returns the resulting count.
func (s *Storage) AdjustStreamViewers(key string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	stream, ok := findStreamByKey(updatedData, key)
	if !ok {
		return 0, ErrStreamNotFound
	}

	count := stream.ViewerCount + delta
	if count < 0 {
		count = 0
	}
	stream.ViewerCount = count
	stream.UpdatedAt = time.Now().UTC()
	updatedData.Streams[stream.ID] = stream

	if err := s.persistDataset(updatedData); err != nil {
		return 0, err
	}
	s.data = updatedData
	return count, nil
}

func (s *Storage) ListLiveStreams() ([]models.LiveStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make([]models.LiveStream, 0)
	for _, stream := range s.data.Streams {
		if stream.IsLive {
			streams = append(streams, stream)
		}
	}
	sort.Slice(streams, func(i, j int) bool {
		left, right := streams[i].StartedAt, streams[j].StartedAt
		if left == nil || right == nil {
			return streams[i].ID < streams[j].ID
		}
		if left.Equal(*right) {
			return streams[i].ID < streams[j].ID
		}
		return left.After(*right)
	})
	return streams, nil
}

func findStreamByKey(data dataset, key string) (models.LiveStream, bool) {
	for _, stream := range data.Streams {
		if stream.StreamKey == key {
			return stream, true
		}
	}
	return models.LiveStream{}, false
}

// Transcode job operations

func (s *Storage) CreateTranscodeJob(params CreateJobParams) (models.TranscodeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	job := models.TranscodeJob{
		ID:        generateID(),
		UserID:    params.UserID,
		PostID:    params.PostID,
		SourceURL: params.SourceURL,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.data.TranscodeJobs[job.ID] = job
	if err := s.persist(); err != nil {
		delete(s.data.TranscodeJobs, job.ID)
		return models.TranscodeJob{}, err
	}
	return job, nil
}

func (s *Storage) UpdateTranscodeJob(id string, update JobUpdate) (models.TranscodeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	job, ok := updatedData.TranscodeJobs[id]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.Metadata != nil {
		job.Metadata = *update.Metadata
	}
	if update.Variants != nil {
		job.Variants = append([]models.VariantResult(nil), update.Variants...)
	}
	if update.ThumbnailURL != nil {
		job.ThumbnailURL = *update.ThumbnailURL
	}
	if update.MasterManifestURL != nil {
		job.MasterManifestURL = *update.MasterManifestURL
	}
	if update.FallbackURL != nil {
		job.FallbackURL = *update.FallbackURL
	}
	if update.IsShort != nil {
		job.IsShort = *update.IsShort
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		job.CompletedAt = &completed
	}
	job.UpdatedAt = time.Now().UTC()
	updatedData.TranscodeJobs[id] = job

	if err := s.persistDataset(updatedData); err != nil {
		return models.TranscodeJob{}, err
	}
	s.data = updatedData
	return job, nil
}

func (s *Storage) GetTranscodeJob(id string) (models.TranscodeJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.TranscodeJobs[id]
	return job, ok
}

// ListUnfinishedTranscodeJobs returns non-terminal jobs ordered oldest
// first, so a restarted processor resumes them in submission order.
func (s *Storage) ListUnfinishedTranscodeJobs() ([]models.TranscodeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]models.TranscodeJob, 0)
	for _, job := range s.data.TranscodeJobs {
		if !job.Status.Terminal() {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Post and short operations

// AttachPostMedia records the playback artifacts for a post, creating the
// row when the post originated outside this service.
func (s *Storage) AttachPostMedia(postID string, media PostMedia) (models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	updatedData := cloneDataset(s.data)
	post, ok := updatedData.Posts[postID]
	if !ok {
		post = models.Post{ID: postID, UserID: media.UserID, CreatedAt: now}
	}
	post.VideoURL = media.VideoURL
	post.FallbackURL = media.FallbackURL
	post.ThumbnailURL = media.ThumbnailURL
	post.IsShort = media.IsShort
	post.UpdatedAt = now
	updatedData.Posts[postID] = post

	if err := s.persistDataset(updatedData); err != nil {
		return models.Post{}, err
	}
	s.data = updatedData
	return post, nil
}

func (s *Storage) GetPost(id string) (models.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.data.Posts[id]
	return post, ok
}

func (s *Storage) CreateShort(params CreateShortParams) (models.Short, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	short := models.Short{
		ID:              generateID(),
		PostID:          params.PostID,
		UserID:          params.UserID,
		DurationSeconds: params.Duration,
		AspectRatio:     params.AspectRatio,
		CreatedAt:       time.Now().UTC(),
	}

	s.data.Shorts[short.ID] = short
	if err := s.persist(); err != nil {
		delete(s.data.Shorts, short.ID)
		return models.Short{}, err
	}
	return short, nil
}

func (s *Storage) ListShortsByUser(userID string) ([]models.Short, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shorts := make([]models.Short, 0)
	for _, short := range s.data.Shorts {
		if short.UserID == userID {
			shorts = append(shorts, short)
		}
	}
	sort.Slice(shorts, func(i, j int) bool {
		if shorts[i].CreatedAt.Equal(shorts[j].CreatedAt) {
			return shorts[i].ID < shorts[j].ID
		}
		return shorts[i].CreatedAt.After(shorts[j].CreatedAt)
	})
	return shorts, nil
}

// Notification operations

// CreateNotifications inserts the batch in one persist and returns how many
// rows were written.
func (s *Storage) CreateNotifications(batch []NotificationParams) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	updatedData := cloneDataset(s.data)
	for _, params := range batch {
		notification := models.Notification{
			ID:        generateID(),
			UserID:    params.UserID,
			ActorID:   params.ActorID,
			Kind:      params.Kind,
			StreamID:  params.StreamID,
			Message:   params.Message,
			CreatedAt: now,
		}
		updatedData.Notifications[notification.ID] = notification
	}

	if err := s.persistDataset(updatedData); err != nil {
		return 0, err
	}
	s.data = updatedData
	return len(batch), nil
}

func (s *Storage) ListNotifications(userID string, limit int) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	notifications := make([]models.Notification, 0)
	for _, notification := range s.data.Notifications {
		if notification.UserID == userID {
			notifications = append(notifications, notification)
		}
	}
	sort.Slice(notifications, func(i, j int) bool {
		if notifications[i].CreatedAt.Equal(notifications[j].CreatedAt) {
			return notifications[i].ID < notifications[j].ID
		}
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	if limit > 0 && len(notifications) > limit {
		notifications = notifications[:limit]
	}
	return notifications, nil
}

var _ Repository = (*Storage)(nil)
