package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"streamforge/internal/models"
)

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	user := models.User{
		ID:          generateID(),
		DisplayName: displayName,
		AvatarURL:   strings.TrimSpace(params.AvatarURL),
		CreatedAt:   time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, avatar_url, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.DisplayName, user.AvatarURL, user.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	var user models.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url, created_at FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.CreatedAt)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) FollowUser(followerID, userID string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO follows (user_id, follower_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, follower_id) DO NOTHING`,
		userID, followerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	return nil
}

func (r *postgresRepository) UnfollowUser(followerID, userID string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`DELETE FROM follows WHERE user_id = $1 AND follower_id = $2`, userID, followerID)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListFollowerIDs(userID string) ([]string, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT follower_id FROM follows WHERE user_id = $1 ORDER BY created_at DESC, follower_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *postgresRepository) CountFollowers(userID string) (int, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM follows WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count followers: %w", err)
	}
	return count, nil
}

const streamColumns = `id, stream_key, user_id, title, is_live, viewer_count, started_at, ended_at,
	duration_seconds, ingest_url, playback_url, created_at, updated_at`

func scanStream(row pgx.Row) (models.LiveStream, error) {
	var stream models.LiveStream
	err := row.Scan(&stream.ID, &stream.StreamKey, &stream.UserID, &stream.Title, &stream.IsLive,
		&stream.ViewerCount, &stream.StartedAt, &stream.EndedAt, &stream.DurationSeconds,
		&stream.IngestURL, &stream.PlaybackURL, &stream.CreatedAt, &stream.UpdatedAt)
	return stream, err
}

func (r *postgresRepository) UpsertStream(reg StreamRegistration) (models.LiveStream, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	key, err := generateStreamKey()
	if err != nil {
		return models.LiveStream{}, err
	}
	now := time.Now().UTC()
	title := strings.TrimSpace(reg.Title)

	// The stream key only applies on first insert; re-registration keeps
	// the existing key and refreshes the title when one was supplied.
	row := r.pool.QueryRow(ctx,
		`INSERT INTO streams (id, stream_key, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
			title = CASE WHEN $4 <> '' THEN $4 ELSE streams.title END,
			updated_at = $5
		 RETURNING `+streamColumns,
		generateID(), key, reg.UserID, title, now)
	stream, err := scanStream(row)
	if err != nil {
		return models.LiveStream{}, fmt.Errorf("upsert stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) GetStream(id string) (models.LiveStream, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	stream, err := scanStream(r.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
	if err != nil {
		return models.LiveStream{}, false
	}
	return stream, true
}

func (r *postgresRepository) GetStreamByKey(key string) (models.LiveStream, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	stream, err := scanStream(r.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE stream_key = $1`, key))
	if err != nil {
		return models.LiveStream{}, false
	}
	return stream, true
}

func (r *postgresRepository) RotateStreamKey(id string) (models.LiveStream, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	key, err := generateStreamKey()
	if err != nil {
		return models.LiveStream{}, err
	}
	stream, err := scanStream(r.pool.QueryRow(ctx,
		`UPDATE streams SET stream_key = $2, updated_at = $3 WHERE id = $1
		 RETURNING `+streamColumns,
		id, key, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LiveStream{}, ErrStreamNotFound
	}
	if err != nil {
		return models.LiveStream{}, fmt.Errorf("rotate stream key: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) MarkStreamLive(key string, startedAt time.Time, playbackURL string) (models.LiveStream, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	stream, err := scanStream(r.pool.QueryRow(ctx,
		`UPDATE streams SET
			is_live = TRUE,
			started_at = $2,
			ended_at = NULL,
			duration_seconds = 0,
			viewer_count = 0,
			playback_url = CASE WHEN $3 <> '' THEN $3 ELSE playback_url END,
			updated_at = $4
		 WHERE stream_key = $1
		 RETURNING `+streamColumns,
		key, startedAt.UTC(), playbackURL, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LiveStream{}, ErrStreamNotFound
	}
	if err != nil {
		return models.LiveStream{}, fmt.Errorf("mark stream live: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) MarkStreamEnded(key string, endedAt time.Time) (models.LiveStream, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	stream, err := scanStream(r.pool.QueryRow(ctx,
		`UPDATE streams SET
			is_live = FALSE,
			ended_at = CASE WHEN is_live THEN $2 ELSE ended_at END,
			duration_seconds = CASE
				WHEN is_live AND started_at IS NOT NULL
				THEN GREATEST(0, EXTRACT(EPOCH FROM ($2 - started_at))::int)
				ELSE duration_seconds END,
			viewer_count = 0,
			updated_at = $3
		 WHERE stream_key = $1
		 RETURNING `+streamColumns,
		key, endedAt.UTC(), time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LiveStream{}, ErrStreamNotFound
	}
	if err != nil {
		return models.LiveStream{}, fmt.Errorf("mark stream ended: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) AdjustStreamViewers(key string, delta int) (int, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE streams SET
			viewer_count = GREATEST(viewer_count + $2, 0),
			updated_at = $3
		 WHERE stream_key = $1
		 RETURNING viewer_count`,
		key, delta, time.Now().UTC()).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrStreamNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjust viewers: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) ListLiveStreams() ([]models.LiveStream, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE is_live ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list live streams: %w", err)
	}
	defer rows.Close()

	var streams []models.LiveStream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, stream)
	}
	return streams, rows.Err()
}

const jobColumns = `id, user_id, post_id, source_url, metadata, is_short, variants,
	thumbnail_url, master_manifest_url, fallback_url, status, error, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (models.TranscodeJob, error) {
	var job models.TranscodeJob
	var metadata []byte
	var variants []byte
	err := row.Scan(&job.ID, &job.UserID, &job.PostID, &job.SourceURL, &metadata, &job.IsShort,
		&variants, &job.ThumbnailURL, &job.MasterManifestURL, &job.FallbackURL,
		&job.Status, &job.Error, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err != nil {
		return models.TranscodeJob{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return models.TranscodeJob{}, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &job.Variants); err != nil {
			return models.TranscodeJob{}, fmt.Errorf("decode job variants: %w", err)
		}
	}
	return job, nil
}

func (r *postgresRepository) CreateTranscodeJob(params CreateJobParams) (models.TranscodeJob, error) {
	ctx, cancel := r.opContext()
	defer cancel()

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
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transcode_jobs (id, user_id, post_id, source_url, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		job.ID, job.UserID, job.PostID, job.SourceURL, job.Status, now)
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("insert transcode job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) UpdateTranscodeJob(id string, update JobUpdate) (models.TranscodeJob, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.Metadata != nil {
		encoded, err := json.Marshal(update.Metadata)
		if err != nil {
			return models.TranscodeJob{}, fmt.Errorf("encode job metadata: %w", err)
		}
		add("metadata", encoded)
	}
	if update.Variants != nil {
		encoded, err := json.Marshal(update.Variants)
		if err != nil {
			return models.TranscodeJob{}, fmt.Errorf("encode job variants: %w", err)
		}
		add("variants", encoded)
	}
	if update.ThumbnailURL != nil {
		add("thumbnail_url", *update.ThumbnailURL)
	}
	if update.MasterManifestURL != nil {
		add("master_manifest_url", *update.MasterManifestURL)
	}
	if update.FallbackURL != nil {
		add("fallback_url", *update.FallbackURL)
	}
	if update.IsShort != nil {
		add("is_short", *update.IsShort)
	}
	if update.CompletedAt != nil {
		add("completed_at", update.CompletedAt.UTC())
	}

	query := `UPDATE transcode_jobs SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TranscodeJob{}, ErrJobNotFound
	}
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("update transcode job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) GetTranscodeJob(id string) (models.TranscodeJob, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	job, err := scanJob(r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs WHERE id = $1`, id))
	if err != nil {
		return models.TranscodeJob{}, false
	}
	return job, true
}

func (r *postgresRepository) ListUnfinishedTranscodeJobs() ([]models.TranscodeJob, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs
		 WHERE status NOT IN ($1, $2) ORDER BY created_at, id`,
		models.JobStatusCompleted, models.JobStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.TranscodeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *postgresRepository) AttachPostMedia(postID string, media PostMedia) (models.Post, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	now := time.Now().UTC()
	var post models.Post
	err := r.pool.QueryRow(ctx,
		`INSERT INTO posts (id, user_id, video_url, fallback_url, thumbnail_url, is_short, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (id) DO UPDATE SET
			video_url = $3, fallback_url = $4, thumbnail_url = $5, is_short = $6, updated_at = $7
		 RETURNING id, user_id, video_url, fallback_url, thumbnail_url, is_short, created_at, updated_at`,
		postID, media.UserID, media.VideoURL, media.FallbackURL, media.ThumbnailURL, media.IsShort, now).
		Scan(&post.ID, &post.UserID, &post.VideoURL, &post.FallbackURL, &post.ThumbnailURL,
			&post.IsShort, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return models.Post{}, fmt.Errorf("attach post media: %w", err)
	}
	return post, nil
}

func (r *postgresRepository) GetPost(id string) (models.Post, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	var post models.Post
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, video_url, fallback_url, thumbnail_url, is_short, created_at, updated_at
		 FROM posts WHERE id = $1`, id).
		Scan(&post.ID, &post.UserID, &post.VideoURL, &post.FallbackURL, &post.ThumbnailURL,
			&post.IsShort, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return models.Post{}, false
	}
	return post, true
}

func (r *postgresRepository) CreateShort(params CreateShortParams) (models.Short, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	short := models.Short{
		ID:              generateID(),
		PostID:          params.PostID,
		UserID:          params.UserID,
		DurationSeconds: params.Duration,
		AspectRatio:     params.AspectRatio,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO shorts (id, post_id, user_id, duration_seconds, aspect_ratio, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		short.ID, short.PostID, short.UserID, short.DurationSeconds, short.AspectRatio, short.CreatedAt)
	if err != nil {
		return models.Short{}, fmt.Errorf("insert short: %w", err)
	}
	return short, nil
}

func (r *postgresRepository) ListShortsByUser(userID string) ([]models.Short, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT id, post_id, user_id, duration_seconds, aspect_ratio, created_at
		 FROM shorts WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list shorts: %w", err)
	}
	defer rows.Close()

	var shorts []models.Short
	for rows.Next() {
		var short models.Short
		if err := rows.Scan(&short.ID, &short.PostID, &short.UserID,
			&short.DurationSeconds, &short.AspectRatio, &short.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan short: %w", err)
		}
		shorts = append(shorts, short)
	}
	return shorts, rows.Err()
}

func (r *postgresRepository) CreateNotifications(batch []NotificationParams) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	ctx, cancel := r.opContext()
	defer cancel()

	now := time.Now().UTC()
	pending := &pgx.Batch{}
	for _, params := range batch {
		pending.Queue(
			`INSERT INTO notifications (id, user_id, actor_id, kind, stream_id, message, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			generateID(), params.UserID, params.ActorID, params.Kind, params.StreamID, params.Message, now)
	}

	results := r.pool.SendBatch(ctx, pending)
	defer results.Close()
	for range batch {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("insert notification: %w", err)
		}
	}
	return len(batch), nil
}

func (r *postgresRepository) ListNotifications(userID string, limit int) ([]models.Notification, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	query := `SELECT id, user_id, actor_id, kind, stream_id, message, created_at, read_at
		 FROM notifications WHERE user_id = $1 ORDER BY created_at DESC, id`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.ActorID, &n.Kind, &n.StreamID,
			&n.Message, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

var _ Repository = (*postgresRepository)(nil)
