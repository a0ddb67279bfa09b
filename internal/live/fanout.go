package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"streamforge/internal/models"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

const (
	defaultFanoutQueueSize = 128
	defaultFanoutBatchSize = 100
)

type FanoutConfig struct {
	Store     storage.Repository
	QueueSize int
	// BatchSize is how many follower notifications are inserted per write.
	BatchSize int
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Fanout delivers "went live" notifications to a broadcaster's followers off
// the publish-confirmation path. Publishes enqueue and return; a single
// worker drains the queue and writes notifications in batches.
type Fanout struct {
	store     storage.Repository
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	queue chan models.LiveStream
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewFanout(cfg FanoutConfig) *Fanout {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultFanoutQueueSize
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultFanoutBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		store:     cfg.Store,
		batchSize: batchSize,
		logger:    logger,
		metrics:   recorder,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan models.LiveStream, queueSize),
	}
}

func (f *Fanout) Start() {
	if f == nil {
		return
	}
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.worker()
}

func (f *Fanout) Shutdown(ctx context.Context) error {
	if f == nil {
		return nil
	}
	f.cancel()
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue hands a freshly published stream to the worker. A full queue drops
// the fan-out rather than stalling the ingest callback.
func (f *Fanout) Enqueue(stream models.LiveStream) {
	if f == nil {
		return
	}
	select {
	case <-f.ctx.Done():
		return
	default:
	}
	select {
	case f.queue <- stream:
		f.metrics.ObserveFanout("enqueued")
	default:
		f.metrics.ObserveFanout("dropped")
		f.logger.Warn("fanout queue full, notifications skipped",
			"stream_id", stream.ID, "user_id", stream.UserID)
	}
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case stream := <-f.queue:
			f.notifyFollowers(stream)
		}
	}
}

func (f *Fanout) notifyFollowers(stream models.LiveStream) {
	followerIDs, err := f.store.ListFollowerIDs(stream.UserID)
	if err != nil {
		f.logger.Error("failed to list followers", "user_id", stream.UserID, "error", err)
		return
	}
	if len(followerIDs) == 0 {
		return
	}

	message := liveMessage(f.store, stream)
	inserted := 0
	for start := 0; start < len(followerIDs); start += f.batchSize {
		end := start + f.batchSize
		if end > len(followerIDs) {
			end = len(followerIDs)
		}
		batch := make([]storage.NotificationParams, 0, end-start)
		for _, followerID := range followerIDs[start:end] {
			batch = append(batch, storage.NotificationParams{
				UserID:   followerID,
				ActorID:  stream.UserID,
				Kind:     models.NotificationKindLive,
				StreamID: stream.ID,
				Message:  message,
			})
		}
		count, err := f.store.CreateNotifications(batch)
		if err != nil {
			f.logger.Error("failed to insert live notifications",
				"stream_id", stream.ID, "batch_size", len(batch), "error", err)
			continue
		}
		inserted += count
	}
	f.metrics.ObserveFanout("inserted")
	f.logger.Info("live notifications delivered",
		"stream_id", stream.ID, "followers", len(followerIDs), "inserted", inserted)
}

func liveMessage(store storage.Repository, stream models.LiveStream) string {
	name := "A channel you follow"
	if user, ok := store.GetUser(stream.UserID); ok && user.DisplayName != "" {
		name = user.DisplayName
	}
	if stream.Title != "" {
		return fmt.Sprintf("%s is live: %s", name, stream.Title)
	}
	return fmt.Sprintf("%s is live", name)
}
