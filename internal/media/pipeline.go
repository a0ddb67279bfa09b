package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"streamforge/internal/models"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

const (
	defaultRungParallelism   = 4
	defaultTranscodeAttempts = 2
	transcodeRetryDelay      = time.Second

	sourceFileName    = "source"
	outputDirName     = "out"
	thumbnailFileName = "thumbnail.jpg"
	fallbackFileName  = "fallback.mp4"
)

// PipelineConfig wires the orchestrator's collaborators and bounds.
type PipelineConfig struct {
	Repository storage.Repository
	Prober     Prober
	Engine     Engine
	Downloader Fetcher
	Publisher  *Publisher
	// WorkRoot is where per-job scratch directories are created. Empty
	// uses the system temp dir.
	WorkRoot string
	// RungParallelism bounds concurrent rung encodes per job.
	RungParallelism int
	// TranscodeAttempts bounds retries for each rung encode.
	TranscodeAttempts int
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Pipeline drives one submitted source through download, probe, ladder
// planning, parallel transcodes, manifest assembly, publish, and persistence.
// A failure at any stage marks the job failed; the scratch directory is
// removed on success and failure alike.
type Pipeline struct {
	repo       storage.Repository
	prober     Prober
	engine     Engine
	downloader Fetcher
	publisher  *Publisher
	workRoot   string
	rungSlots  int64
	attempts   int
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		repo:       cfg.Repository,
		prober:     cfg.Prober,
		engine:     cfg.Engine,
		downloader: cfg.Downloader,
		publisher:  cfg.Publisher,
		workRoot:   cfg.WorkRoot,
		rungSlots:  int64(cfg.RungParallelism),
		attempts:   cfg.TranscodeAttempts,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if p.rungSlots <= 0 {
		p.rungSlots = defaultRungParallelism
	}
	if p.attempts <= 0 {
		p.attempts = defaultTranscodeAttempts
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}
	return p
}

// Run executes the full pipeline for an already-created job record and
// returns the terminal record. The returned error carries the failing stage.
func (p *Pipeline) Run(ctx context.Context, jobID string) (models.TranscodeJob, error) {
	job, ok := p.repo.GetTranscodeJob(jobID)
	if !ok {
		return models.TranscodeJob{}, stageErr(StagePersist, storage.ErrJobNotFound)
	}
	if job.Status.Terminal() {
		return job, nil
	}

	ctx = logging.ContextWithJobID(ctx, job.ID)
	logger := logging.WithContext(ctx, p.logger)
	p.metrics.TranscodeJobStarted()
	started := time.Now()

	workDir, err := os.MkdirTemp(p.workRoot, "transcode-"+job.ID+"-")
	if err != nil {
		return p.fail(job, stageErr(StageDownload, fmt.Errorf("create work dir: %w", err)))
	}
	defer func() {
		// Scratch space never survives a job, even a failed one.
		if removeErr := os.RemoveAll(workDir); removeErr != nil {
			logger.Warn("work dir cleanup failed", "dir", workDir, "error", removeErr)
		}
	}()

	sourcePath := filepath.Join(workDir, sourceFileName)
	if err := p.setStatus(&job, models.JobStatusDownloading); err != nil {
		return p.fail(job, stageErr(StagePersist, err))
	}
	if err := p.downloader.Download(ctx, job.SourceURL, sourcePath); err != nil {
		return p.fail(job, stageErr(StageDownload, err))
	}

	if err := p.setStatus(&job, models.JobStatusProbing); err != nil {
		return p.fail(job, stageErr(StagePersist, err))
	}
	meta, err := p.prober.Probe(ctx, sourcePath)
	if err != nil {
		return p.fail(job, stageErr(StageProbe, err))
	}
	isShort := meta.Portrait()
	job, err = p.repo.UpdateTranscodeJob(job.ID, storage.JobUpdate{Metadata: &meta, IsShort: &isShort})
	if err != nil {
		return p.fail(job, stageErr(StagePersist, err))
	}

	rungs := PlanLadder(meta)
	logger.Info("ladder planned",
		"rungs", len(rungs),
		"portrait", isShort,
		"duration_seconds", meta.DurationSeconds)

	outDir := filepath.Join(workDir, outputDirName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return p.fail(job, stageErr(StageTranscode, err))
	}
	thumbPath := filepath.Join(workDir, thumbnailFileName)
	fallbackPath := filepath.Join(workDir, fallbackFileName)

	if err := p.setStatus(&job, models.JobStatusTranscoding); err != nil {
		return p.fail(job, stageErr(StagePersist, err))
	}
	if err := p.transcodeAll(ctx, sourcePath, outDir, thumbPath, fallbackPath, rungs); err != nil {
		return p.fail(job, stageErr(StageTranscode, err))
	}

	if _, err := WriteMasterManifest(outDir, rungs); err != nil {
		return p.fail(job, stageErr(StageManifest, err))
	}

	if err := p.setStatus(&job, models.JobStatusPublishing); err != nil {
		return p.fail(job, stageErr(StagePersist, err))
	}
	published, err := p.publisher.Publish(ctx, job.ID, outDir, thumbPath, fallbackPath, rungs)
	if err != nil {
		return p.fail(job, stageErr(StagePublish, err))
	}

	job, err = p.complete(job, published)
	if err != nil {
		return p.fail(job, stageErr(StagePersist, err))
	}
	p.metrics.TranscodeJobCompleted()
	logger.Info("transcode job completed",
		"elapsed", time.Since(started).Round(time.Millisecond),
		"is_short", job.IsShort)
	return job, nil
}

// transcodeAll runs every rung plus the thumbnail and fallback encodes in
// parallel under one errgroup. All must succeed; the first failure cancels
// the rest.
func (p *Pipeline) transcodeAll(ctx context.Context, sourcePath, outDir, thumbPath, fallbackPath string, rungs []Rung) error {
	group, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(p.rungSlots)

	for _, rung := range rungs {
		rung := rung
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			rungDir := filepath.Join(outDir, rung.Name)
			err := withRetry(ctx, p.attempts, transcodeRetryDelay, func() error {
				return p.engine.TranscodeRung(ctx, sourcePath, rungDir, rung)
			})
			if err != nil {
				return fmt.Errorf("rung %s: %w", rung.Name, err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return p.engine.ExtractThumbnail(ctx, sourcePath, thumbPath)
	})
	group.Go(func() error {
		return p.engine.EncodeFallback(ctx, sourcePath, fallbackPath)
	})
	return group.Wait()
}

func (p *Pipeline) setStatus(job *models.TranscodeJob, status models.JobStatus) error {
	updated, err := p.repo.UpdateTranscodeJob(job.ID, storage.JobUpdate{Status: &status})
	if err != nil {
		return err
	}
	*job = updated
	return nil
}

// complete persists the side records first and flips the job to completed
// last. A failure anywhere here leaves the job failed with no artifact URLs
// on it and no media attached to the post.
func (p *Pipeline) complete(job models.TranscodeJob, published PublishResult) (models.TranscodeJob, error) {
	if job.IsShort {
		aspect := 0.0
		if job.Metadata.Width > 0 {
			aspect = float64(job.Metadata.Height) / float64(job.Metadata.Width)
		}
		if _, err := p.repo.CreateShort(storage.CreateShortParams{
			PostID:      job.PostID,
			UserID:      job.UserID,
			Duration:    job.Metadata.DurationSeconds,
			AspectRatio: aspect,
		}); err != nil {
			return job, fmt.Errorf("create short: %w", err)
		}
	}
	if job.PostID != "" {
		if _, err := p.repo.AttachPostMedia(job.PostID, storage.PostMedia{
			UserID:       job.UserID,
			VideoURL:     published.MasterManifestURL,
			FallbackURL:  published.FallbackURL,
			ThumbnailURL: published.ThumbnailURL,
			IsShort:      job.IsShort,
		}); err != nil {
			return job, fmt.Errorf("attach post media: %w", err)
		}
	}

	status := models.JobStatusCompleted
	now := time.Now().UTC()
	updated, err := p.repo.UpdateTranscodeJob(job.ID, storage.JobUpdate{
		Status:            &status,
		Variants:          published.Variants,
		MasterManifestURL: &published.MasterManifestURL,
		FallbackURL:       &published.FallbackURL,
		ThumbnailURL:      &published.ThumbnailURL,
		CompletedAt:       &now,
	})
	if err != nil {
		return job, err
	}
	return updated, nil
}

// fail records the terminal failure on the job and passes the stage error
// through. Persistence problems while failing are logged, not masked.
func (p *Pipeline) fail(job models.TranscodeJob, cause error) (models.TranscodeJob, error) {
	p.metrics.TranscodeJobFailed(FailingStage(cause))
	if job.ID != "" {
		status := models.JobStatusFailed
		message := cause.Error()
		now := time.Now().UTC()
		updated, err := p.repo.UpdateTranscodeJob(job.ID, storage.JobUpdate{
			Status:      &status,
			Error:       &message,
			CompletedAt: &now,
		})
		if err != nil {
			p.logger.Error("failed to persist job failure", "job_id", job.ID, "error", err)
		} else {
			job = updated
		}
	}
	return job, cause
}
