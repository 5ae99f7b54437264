package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"rental-ops/internal/config"
	"rental-ops/internal/models"
	"rental-ops/internal/telemetry"
	"rental-ops/internal/tracker"
)

// Queue is the lease-based render queue the processor consumes.
type Queue interface {
	DequeueWithLease(ctx context.Context) (models.RenderRequest, bool, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, jobID, reason string) error
	ReadyDepth(ctx context.Context) (int64, error)
	InFlightDepth(ctx context.Context) (int64, error)
}

// JobTracker is the worker-facing side of the tracker.
type JobTracker interface {
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	MarkProcessing(ctx context.Context, jobID string) (models.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) (models.Job, error)
	MarkCompleted(ctx context.Context, jobID string, result models.JobResult) (models.Job, error)
	MarkFailed(ctx context.Context, jobID, cause string) (models.Job, error)
	ProcessingTimeout() time.Duration
}

// ProgressFunc records progress for the running job.
type ProgressFunc func(percent int) error

// Handler executes a job of one kind and returns its result.
type Handler func(ctx context.Context, job models.Job, progress ProgressFunc) (models.JobResult, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	tracker  JobTracker
	handlers map[models.JobKind]Handler
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q Queue, t JobTracker, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 30 * cfg.BackoffInitial
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		tracker:  t,
		handlers: make(map[models.JobKind]Handler),
		logger:   logger,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.reclaim(ctx)

		req, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			failures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.logger.Warn("dequeue failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		failures = 0
		if !ok {
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := p.Process(ctx, req); err != nil {
			// Leave the lease in place; it is requeued once it expires.
			p.logger.Error("process render request", "job_id", req.JobID, "error", err)
		}
	}
}

// reclaim requeues expired leases and refreshes the queue gauges.
func (p *Processor) reclaim(ctx context.Context) {
	if ids, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
		p.logger.Warn("requeue expired leases", "error", err)
	} else if len(ids) > 0 {
		p.logger.Info("requeued expired leases", "count", len(ids))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.RenderQueueDepth.Set(float64(depth))
	}
	if n, err := p.queue.InFlightDepth(ctx); err == nil {
		telemetry.RenderInFlight.Set(float64(n))
	}
}

// Process runs one leased request through the tracker state machine. Requests
// whose job is gone or no longer pending are acked without work, so duplicate
// deliveries are harmless.
func (p *Processor) Process(ctx context.Context, req models.RenderRequest) error {
	job, err := p.tracker.GetJob(ctx, req.JobID)
	if errors.Is(err, tracker.ErrNotFound) {
		p.logger.Info("skip render request for expired job", "job_id", req.JobID)
		return p.queue.Ack(ctx, req.JobID)
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != models.StatusPending {
		p.logger.Info("skip render request", "job_id", job.ID, "status", job.Status)
		return p.queue.Ack(ctx, req.JobID)
	}

	job, err = p.tracker.MarkProcessing(ctx, job.ID)
	if errors.Is(err, tracker.ErrInvalidState) {
		return p.queue.Ack(ctx, req.JobID)
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	result, runErr := p.runJob(ctx, job)
	if runErr != nil {
		p.logger.Warn("render failed", "job_id", job.ID, "subject_id", job.SubjectID, "error", runErr)
		if _, err := p.tracker.MarkFailed(ctx, job.ID, runErr.Error()); err != nil && !errors.Is(err, tracker.ErrNotFound) {
			return fmt.Errorf("mark failed: %w", err)
		}
		if err := p.queue.DLQPush(ctx, job.ID, runErr.Error()); err != nil {
			p.logger.Warn("dead-letter push", "job_id", job.ID, "error", err)
		}
		return p.queue.Ack(ctx, job.ID)
	}

	if _, err := p.tracker.MarkCompleted(ctx, job.ID, result); err != nil {
		// A job converted to failed while it ran stays failed.
		if !errors.Is(err, tracker.ErrInvalidState) && !errors.Is(err, tracker.ErrNotFound) {
			return fmt.Errorf("mark completed: %w", err)
		}
		p.logger.Warn("result discarded", "job_id", job.ID, "error", err)
	} else {
		p.logger.Info("render completed", "job_id", job.ID, "subject_id", job.SubjectID)
	}
	return p.queue.Ack(ctx, job.ID)
}

// runJob runs the kind's handler within the processing timeout.
func (p *Processor) runJob(ctx context.Context, job models.Job) (models.JobResult, error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return models.JobResult{}, fmt.Errorf("no handler registered for kind %q", job.Kind)
	}
	runCtx, cancel := context.WithTimeout(ctx, p.tracker.ProcessingTimeout())
	defer cancel()

	progress := func(percent int) error {
		if _, err := p.tracker.UpdateProgress(runCtx, job.ID, percent); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		if err := p.queue.ExtendLease(runCtx, job.ID, p.cfg.VisibilityTimeout); err != nil {
			p.logger.Warn("extend lease", "job_id", job.ID, "error", err)
		}
		return nil
	}
	return handler(runCtx, job, progress)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	wait := max
	if exp := float64(base) * math.Pow(2, float64(attempt-1)); exp < float64(max) {
		wait = time.Duration(exp)
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
