package media

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamforge/internal/storage"
)

type ProcessorConfig struct {
	Store     storage.Repository
	Pipeline  *Pipeline
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Processor executes queued transcode jobs on a bounded worker pool. Jobs
// already in flight are not picked up twice, and jobs left unfinished by a
// previous process are re-enqueued on start.
type Processor struct {
	store    storage.Repository
	pipeline *Pipeline
	workers  int
	timeout  time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultProcessorWorkers   = 2
	defaultProcessorQueueSize = 64
	defaultProcessorTimeout   = 30 * time.Minute
)

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultProcessorWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultProcessorQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProcessorTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:    cfg.Store,
		pipeline: cfg.Pipeline,
		workers:  workers,
		timeout:  timeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan string, queueSize),
		inFlight: make(map[string]struct{}),
	}
}

func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverPending()
}

func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) Enqueue(id string) {
	if p == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- id:
	case <-p.ctx.Done():
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !p.beginWork(id) {
				continue
			}
			p.process(id)
			p.finishWork(id)
		}
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// recoverPending re-queues jobs a previous process left unfinished. The
// pipeline re-runs them from the top; stage work already done is discarded
// along with the old scratch directory.
func (p *Processor) recoverPending() {
	if p.store == nil {
		return
	}
	jobs, err := p.store.ListUnfinishedTranscodeJobs()
	if err != nil {
		p.logger.Error("failed to list unfinished transcode jobs", "error", err)
		return
	}
	for _, job := range jobs {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.logger.Info("recovering unfinished transcode job", "job_id", job.ID, "status", job.Status)
		p.Enqueue(job.ID)
	}
}

func (p *Processor) process(id string) {
	if p.pipeline == nil {
		return
	}
	job, ok := p.store.GetTranscodeJob(id)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	if _, err := p.pipeline.Run(ctx, id); err != nil {
		// Run already persisted the failure; nothing to roll back here.
		p.logger.Error("transcode job failed", "job_id", id, "error", err)
	}
}
