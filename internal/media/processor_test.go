package media

import (
	"context"
	"testing"
	"time"

	"streamforge/internal/models"
	"streamforge/internal/storage"
)

func waitForStatus(t *testing.T, store *storage.Storage, jobID string, want models.JobStatus) models.TranscodeJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := store.GetTranscodeJob(jobID); ok && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.GetTranscodeJob(jobID)
	t.Fatalf("job %s never reached %s, last seen %s (%s)", jobID, want, job.Status, job.Error)
	return models.TranscodeJob{}
}

func newTestProcessor(t *testing.T, fx *pipelineFixture) *Processor {
	t.Helper()
	processor := NewProcessor(ProcessorConfig{
		Store:    fx.store,
		Pipeline: fx.pipeline,
		Workers:  2,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := processor.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return processor
}

func TestProcessorRunsEnqueuedJob(t *testing.T) {
	fx := newPipelineFixture(t, models.SourceMetadata{Width: 1920, Height: 1080, DurationSeconds: 4})
	created, err := fx.store.CreateTranscodeJob(storage.CreateJobParams{UserID: "u1", SourceURL: "https://example.com/in.mp4"})
	if err != nil {
		t.Fatalf("CreateTranscodeJob: %v", err)
	}

	processor := newTestProcessor(t, fx)
	processor.Start()
	processor.Enqueue(created.ID)

	job := waitForStatus(t, fx.store, created.ID, models.JobStatusCompleted)
	if job.MasterManifestURL == "" {
		t.Fatalf("completed job missing manifest URL: %+v", job)
	}
}

func TestProcessorDoesNotReprocessTerminalJobs(t *testing.T) {
	fx := newPipelineFixture(t, models.SourceMetadata{Width: 1920, Height: 1080})
	created, err := fx.store.CreateTranscodeJob(storage.CreateJobParams{UserID: "u1", SourceURL: "https://example.com/in.mp4"})
	if err != nil {
		t.Fatalf("CreateTranscodeJob: %v", err)
	}

	processor := newTestProcessor(t, fx)
	processor.Start()
	processor.Enqueue(created.ID)
	waitForStatus(t, fx.store, created.ID, models.JobStatusCompleted)

	processor.Enqueue(created.ID)
	// Give the worker a chance to pick the duplicate up.
	time.Sleep(50 * time.Millisecond)
	if fx.fetcher.calls != 1 {
		t.Fatalf("terminal job was re-downloaded %d times", fx.fetcher.calls)
	}
}

func TestProcessorRecoversPendingJobsOnStart(t *testing.T) {
	fx := newPipelineFixture(t, models.SourceMetadata{Width: 1920, Height: 1080})
	created, err := fx.store.CreateTranscodeJob(storage.CreateJobParams{UserID: "u1", SourceURL: "https://example.com/in.mp4"})
	if err != nil {
		t.Fatalf("CreateTranscodeJob: %v", err)
	}

	processor := newTestProcessor(t, fx)
	processor.Start()

	waitForStatus(t, fx.store, created.ID, models.JobStatusCompleted)
}

func TestProcessorShutdownUnblocksWorkers(t *testing.T) {
	fx := newPipelineFixture(t, models.SourceMetadata{Width: 1920, Height: 1080})
	processor := NewProcessor(ProcessorConfig{Store: fx.store, Pipeline: fx.pipeline})
	processor.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := processor.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Enqueue after shutdown must not block.
	processor.Enqueue("late")
}
