package media

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"streamforge/internal/models"
	"streamforge/internal/storage"
)

const (
	defaultUploadParallelism = 8
	defaultPublishAttempts   = 2
	publishRetryDelay        = 500 * time.Millisecond
)

// PublishResult carries the public URLs of everything the job produced.
type PublishResult struct {
	MasterManifestURL string
	ThumbnailURL      string
	FallbackURL       string
	Variants          []models.VariantResult
}

// Publisher pushes a finished job's artifacts to the object store, or
// mirrors them into a locally served directory when no store is configured.
// The two modes match how the transcoder either uploads or exposes a public
// directory behind a base URL.
type Publisher struct {
	Store       storage.ObjectStore
	KeyPrefix   string
	LocalDir    string
	LocalBase   string
	Parallelism int
	Attempts    int
	Logger      *slog.Logger
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Publisher) parallelism() int64 {
	if p.Parallelism > 0 {
		return int64(p.Parallelism)
	}
	return defaultUploadParallelism
}

func (p *Publisher) attempts() int {
	if p.Attempts > 0 {
		return p.Attempts
	}
	return defaultPublishAttempts
}

func (p *Publisher) keyPrefix(jobID string) string {
	prefix := strings.Trim(strings.TrimSpace(p.KeyPrefix), "/")
	if prefix == "" {
		prefix = "vod"
	}
	return prefix + "/" + jobID
}

// Publish uploads the thumbnail, fallback, master manifest, and every rung
// playlist with its segments, all in parallel under a bounded semaphore.
// Any single failed artifact fails the publish.
func (p *Publisher) Publish(ctx context.Context, jobID, outDir, thumbPath, fallbackPath string, rungs []Rung) (PublishResult, error) {
	if p.Store == nil || !p.Store.Enabled() {
		return p.mirrorLocally(jobID, outDir, thumbPath, fallbackPath, rungs)
	}

	prefix := p.keyPrefix(jobID)
	group, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(p.parallelism())

	var result PublishResult
	result.Variants = make([]models.VariantResult, len(rungs))

	upload := func(key, localPath string, target *string) {
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			var ref storage.ObjectRef
			err := withRetry(ctx, p.attempts(), publishRetryDelay, func() error {
				var uploadErr error
				ref, uploadErr = p.Store.UploadFile(ctx, key, contentTypeFor(localPath), localPath)
				if uploadErr != nil {
					p.logger().Warn("artifact upload failed", "job_id", jobID, "key", key, "error", uploadErr)
				}
				return uploadErr
			})
			if err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			if target != nil {
				*target = ref.URL
			}
			return nil
		})
	}

	upload(prefix+"/"+MasterManifestName, filepath.Join(outDir, MasterManifestName), &result.MasterManifestURL)
	upload(prefix+"/thumbnail.jpg", thumbPath, &result.ThumbnailURL)
	upload(prefix+"/fallback.mp4", fallbackPath, &result.FallbackURL)

	for i, rung := range rungs {
		result.Variants[i] = models.VariantResult{
			Name:    rung.Name,
			Width:   rung.Width,
			Height:  rung.Height,
			Bitrate: rung.Bitrate,
		}
		rungDir := filepath.Join(outDir, rung.Name)
		entries, err := os.ReadDir(rungDir)
		if err != nil {
			return PublishResult{}, fmt.Errorf("read rung dir %s: %w", rungDir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			key := prefix + "/" + rung.Name + "/" + name
			var target *string
			if name == rungManifestName {
				target = &result.Variants[i].ManifestURL
			}
			upload(key, filepath.Join(rungDir, name), target)
		}
	}

	if err := group.Wait(); err != nil {
		return PublishResult{}, err
	}
	return result, nil
}

// mirrorLocally copies artifacts into the served public directory and builds
// URLs from the configured base.
func (p *Publisher) mirrorLocally(jobID, outDir, thumbPath, fallbackPath string, rungs []Rung) (PublishResult, error) {
	if strings.TrimSpace(p.LocalDir) == "" {
		return PublishResult{}, fmt.Errorf("no object store configured and no local publish directory set")
	}
	jobDir := filepath.Join(p.LocalDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return PublishResult{}, fmt.Errorf("create publish dir: %w", err)
	}

	copyInto := func(sourcePath, relative string) error {
		destPath := filepath.Join(jobDir, filepath.FromSlash(relative))
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		source, err := os.Open(sourcePath)
		if err != nil {
			return err
		}
		defer source.Close()
		dest, err := os.Create(destPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(dest, source); err != nil {
			_ = dest.Close()
			return err
		}
		return dest.Close()
	}

	base := strings.TrimRight(strings.TrimSpace(p.LocalBase), "/")
	publicURL := func(relative string) string {
		if base == "" {
			return path.Join(jobID, relative)
		}
		return base + "/" + jobID + "/" + relative
	}

	var result PublishResult
	if err := copyInto(filepath.Join(outDir, MasterManifestName), MasterManifestName); err != nil {
		return PublishResult{}, fmt.Errorf("mirror master manifest: %w", err)
	}
	result.MasterManifestURL = publicURL(MasterManifestName)
	if err := copyInto(thumbPath, "thumbnail.jpg"); err != nil {
		return PublishResult{}, fmt.Errorf("mirror thumbnail: %w", err)
	}
	result.ThumbnailURL = publicURL("thumbnail.jpg")
	if err := copyInto(fallbackPath, "fallback.mp4"); err != nil {
		return PublishResult{}, fmt.Errorf("mirror fallback: %w", err)
	}
	result.FallbackURL = publicURL("fallback.mp4")

	result.Variants = make([]models.VariantResult, len(rungs))
	for i, rung := range rungs {
		result.Variants[i] = models.VariantResult{
			Name:    rung.Name,
			Width:   rung.Width,
			Height:  rung.Height,
			Bitrate: rung.Bitrate,
		}
		rungDir := filepath.Join(outDir, rung.Name)
		err := filepath.WalkDir(rungDir, func(walked string, entry fs.DirEntry, err error) error {
			if err != nil || entry.IsDir() {
				return err
			}
			relative, relErr := filepath.Rel(outDir, walked)
			if relErr != nil {
				return relErr
			}
			return copyInto(walked, filepath.ToSlash(relative))
		})
		if err != nil {
			return PublishResult{}, fmt.Errorf("mirror rung %s: %w", rung.Name, err)
		}
		result.Variants[i].ManifestURL = publicURL(rung.Name + "/" + rungManifestName)
	}
	return result, nil
}

func contentTypeFor(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		if byExt := mime.TypeByExtension(filepath.Ext(localPath)); byExt != "" {
			return byExt
		}
		return "application/octet-stream"
	}
}

// withRetry runs fn up to attempts times, sleeping delay between tries and
// honoring context cancellation.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
