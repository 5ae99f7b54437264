// Package tracker records the status of long-running jobs in the keyed
// ephemeral store and guarantees at most one active job per subject.
//
// The tracker executes nothing. A worker drives jobs through
// MarkProcessing, UpdateProgress, MarkCompleted and MarkFailed while
// clients poll GetJob. Processing jobs that outlive the processing timeout
// are converted to failed the next time anyone reads them.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rental-ops/internal/kv"
	"rental-ops/internal/models"
	"rental-ops/internal/telemetry"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("invalid job state")
	ErrValidation   = errors.New("invalid job input")
	// ErrContended is returned when the subject index kept changing under createJob.
	ErrContended = errors.New("subject index contended")
)

const (
	DefaultTTL               = time.Hour
	DefaultProcessingTimeout = 5 * time.Minute

	JobKeyPrefix   = "job:"
	IndexKeyPrefix = "job-index:"

	processingStartProgress = 10
	maxCreateAttempts       = 3
	minRewriteTTL           = time.Second
)

// JobKey is the store key of a job record.
func JobKey(jobID string) string { return JobKeyPrefix + jobID }

// IndexKey is the store key of a subject's active-job pointer.
func IndexKey(subjectID string) string { return IndexKeyPrefix + subjectID }

// Options tune a Tracker. Zero values fall back to defaults.
type Options struct {
	TTL               time.Duration
	ProcessingTimeout time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
	NewID             func() string
}

// Tracker owns every job record and subject index entry in the store.
type Tracker struct {
	store   kv.Store
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// New builds a tracker on top of store.
func New(store kv.Store, opts Options) *Tracker {
	t := &Tracker{
		store:   store,
		ttl:     opts.TTL,
		timeout: opts.ProcessingTimeout,
		logger:  opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if t.ttl <= 0 {
		t.ttl = DefaultTTL
	}
	if t.timeout <= 0 {
		t.timeout = DefaultProcessingTimeout
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	return t
}

// ProcessingTimeout is the age after which a processing job counts as hung.
func (t *Tracker) ProcessingTimeout() time.Duration { return t.timeout }

// CreateJobParams collects inputs required to create a job.
type CreateJobParams struct {
	SubjectID    string
	Kind         models.JobKind
	TemplateName string
}

// CreateJob returns the subject's active job when one exists (created=false),
// otherwise it creates a pending job and points the subject index at it.
//
// The record is written before the index entry is claimed with set-if-absent.
// A caller that loses the claim deletes its own record and adopts the winner's
// job, so concurrent calls for one subject converge on a single job.
func (t *Tracker) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.SubjectID == "" {
		return models.Job{}, false, fmt.Errorf("%w: subject id is required", ErrValidation)
	}
	if p.Kind == "" {
		p.Kind = models.KindContractDocument
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		existing, found, err := t.ActiveJob(ctx, p.SubjectID)
		if err != nil {
			return models.Job{}, false, err
		}
		if found {
			telemetry.JobsReused.Inc()
			t.logger.Debug("reusing active job", "job_id", existing.ID, "subject_id", p.SubjectID, "status", existing.Status)
			return existing, false, nil
		}

		now := t.now().UTC()
		job := models.Job{
			ID:           t.newID(),
			SubjectID:    p.SubjectID,
			Kind:         p.Kind,
			TemplateName: p.TemplateName,
			Status:       models.StatusPending,
			Progress:     0,
			CreatedAt:    now,
			ExpiresAt:    now.Add(t.ttl),
		}
		if err := t.write(ctx, job, t.ttl); err != nil {
			return models.Job{}, false, err
		}

		claimed, err := t.store.SetIfAbsent(ctx, IndexKey(p.SubjectID), job.ID, t.ttl)
		if err != nil {
			_ = t.store.Delete(ctx, JobKey(job.ID))
			return models.Job{}, false, fmt.Errorf("claim subject index: %w", err)
		}
		if claimed {
			telemetry.JobsCreated.Inc()
			t.logger.Info("job created", "job_id", job.ID, "subject_id", job.SubjectID, "kind", job.Kind)
			return job, true, nil
		}

		if err := t.store.Delete(ctx, JobKey(job.ID)); err != nil {
			t.logger.Warn("drop unclaimed job record", "job_id", job.ID, "error", err)
		}
	}
	return models.Job{}, false, fmt.Errorf("%w: subject %s", ErrContended, p.SubjectID)
}

// ActiveJob resolves the subject index. Entries that point at a missing or
// inactive job are discarded and reported as not found.
func (t *Tracker) ActiveJob(ctx context.Context, subjectID string) (models.Job, bool, error) {
	jobID, ok, err := t.store.Get(ctx, IndexKey(subjectID))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("read subject index: %w", err)
	}
	if !ok {
		return models.Job{}, false, nil
	}

	job, err := t.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return models.Job{}, false, err
	case job.Status.Active():
		return job, true, nil
	}

	dropped, err := t.store.DeleteIfEquals(ctx, IndexKey(subjectID), jobID)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("discard stale index: %w", err)
	}
	if dropped {
		telemetry.StaleIndexEntries.Inc()
		t.logger.Info("discarded stale subject index", "subject_id", subjectID, "job_id", jobID)
	}
	return models.Job{}, false, nil
}

// GetJob loads a job. A processing job older than the processing timeout is
// rewritten as failed before it is returned, so every later read sees failed too.
func (t *Tracker) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	job, err := t.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	now := t.now().UTC()
	if !job.Hung(now, t.timeout) {
		return job, nil
	}

	job.Status = models.StatusFailed
	job.Error = fmt.Sprintf("job hung: still processing %s after start, timeout is %s",
		now.Sub(*job.StartedAt).Truncate(time.Second), t.timeout)
	job.CompletedAt = &now
	if err := t.save(ctx, job, now); err != nil {
		return models.Job{}, err
	}
	t.releaseIndex(ctx, job)

	telemetry.JobsHung.Inc()
	telemetry.JobsFailed.Inc()
	t.logger.Warn("job marked failed after processing timeout", "job_id", job.ID, "subject_id", job.SubjectID, "started_at", job.StartedAt)
	return job, nil
}

// MarkProcessing moves a pending job to processing.
func (t *Tracker) MarkProcessing(ctx context.Context, jobID string) (models.Job, error) {
	return t.transition(ctx, jobID, models.StatusProcessing, func(job *models.Job, now time.Time) error {
		job.Progress = processingStartProgress
		job.StartedAt = &now
		return nil
	})
}

// UpdateProgress sets progress on an active job. Ordering is the caller's concern.
func (t *Tracker) UpdateProgress(ctx context.Context, jobID string, progress int) (models.Job, error) {
	if progress < 0 || progress > 100 {
		return models.Job{}, fmt.Errorf("%w: progress %d outside 0..100", ErrValidation, progress)
	}
	job, err := t.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !job.Status.Active() {
		return models.Job{}, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.Status)
	}
	job.Progress = progress
	if err := t.save(ctx, job, t.now().UTC()); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// MarkCompleted stores result on a processing job and frees the subject for a new job.
func (t *Tracker) MarkCompleted(ctx context.Context, jobID string, result models.JobResult) (models.Job, error) {
	job, err := t.transition(ctx, jobID, models.StatusCompleted, func(job *models.Job, now time.Time) error {
		if !result.MatchesKind(job.Kind) {
			return fmt.Errorf("%w: result does not match job kind %q", ErrValidation, job.Kind)
		}
		job.Progress = 100
		job.CompletedAt = &now
		r := result
		job.Result = &r
		job.Error = ""
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCompleted.Inc()
	t.logger.Info("job completed", "job_id", job.ID, "subject_id", job.SubjectID)
	return job, nil
}

// MarkFailed records cause on any job that has not completed. Failing a job
// that already failed leaves the first cause in place.
func (t *Tracker) MarkFailed(ctx context.Context, jobID string, cause string) (models.Job, error) {
	job, err := t.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.StatusFailed {
		return job, nil
	}
	job, err = t.transition(ctx, jobID, models.StatusFailed, func(job *models.Job, now time.Time) error {
		if cause == "" {
			cause = "job failed"
		}
		job.Error = cause
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsFailed.Inc()
	t.logger.Warn("job failed", "job_id", job.ID, "subject_id", job.SubjectID, "error", cause)
	return job, nil
}

func (t *Tracker) transition(ctx context.Context, jobID string, to models.JobStatus, mutate func(*models.Job, time.Time) error) (models.Job, error) {
	job, err := t.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !models.CanTransition(job.Status, to) {
		return models.Job{}, fmt.Errorf("%w: job %s cannot move from %s to %s", ErrInvalidState, jobID, job.Status, to)
	}

	now := t.now().UTC()
	if err := mutate(&job, now); err != nil {
		return models.Job{}, err
	}
	job.Status = to
	if err := t.save(ctx, job, now); err != nil {
		return models.Job{}, err
	}
	if to.Terminal() {
		t.releaseIndex(ctx, job)
	}
	return job, nil
}

// releaseIndex removes the subject pointer only while it still names job.
func (t *Tracker) releaseIndex(ctx context.Context, job models.Job) {
	if _, err := t.store.DeleteIfEquals(ctx, IndexKey(job.SubjectID), job.ID); err != nil {
		t.logger.Warn("release subject index", "job_id", job.ID, "subject_id", job.SubjectID, "error", err)
	}
}

func (t *Tracker) load(ctx context.Context, jobID string) (models.Job, error) {
	if jobID == "" {
		return models.Job{}, fmt.Errorf("%w: job id is required", ErrValidation)
	}
	raw, ok, err := t.store.Get(ctx, JobKey(jobID))
	if err != nil {
		return models.Job{}, fmt.Errorf("read job: %w", err)
	}
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	if !job.Status.Valid() {
		return models.Job{}, fmt.Errorf("decode job %s: unknown status %q", jobID, job.Status)
	}
	return job, nil
}

// save rewrites a record keeping its original expiry.
func (t *Tracker) save(ctx context.Context, job models.Job, now time.Time) error {
	ttl := job.RemainingTTL(now)
	if ttl < minRewriteTTL {
		ttl = minRewriteTTL
	}
	return t.write(ctx, job, ttl)
}

func (t *Tracker) write(ctx context.Context, job models.Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := t.store.Set(ctx, JobKey(job.ID), string(raw), ttl); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}
