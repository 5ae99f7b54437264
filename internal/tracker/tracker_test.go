package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rental-ops/internal/kv"
	"rental-ops/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	tracker *Tracker
	store   *kv.RedisStore
	mr      *miniredis.Miniredis
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := kv.NewRedisStore(client)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	var seq int
	var mu sync.Mutex
	tr := New(store, Options{
		TTL:               time.Hour,
		ProcessingTimeout: 5 * time.Minute,
		Now:               clock.Now,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("job-%d", seq)
		},
	})
	return &fixture{tracker: tr, store: store, mr: mr, clock: clock}
}

func document() models.JobResult {
	return models.JobResult{Document: &models.DocumentArtifact{Key: "contracts/c-1.html", Location: "/tmp/c-1.html", ContentType: "text/html"}}
}

func TestCreateJobReusesActiveJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, created, err := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if err != nil || !created {
		t.Fatalf("expected new job, created=%v err=%v", created, err)
	}
	if first.Status != models.StatusPending || first.Progress != 0 {
		t.Fatalf("unexpected initial record %+v", first)
	}
	if !first.ExpiresAt.Equal(first.CreatedAt.Add(time.Hour)) {
		t.Fatalf("expiresAt must be createdAt+ttl, got %s vs %s", first.ExpiresAt, first.CreatedAt)
	}

	second, created, err := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("expected isNew=false on second create")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job id, got %s and %s", first.ID, second.ID)
	}

	if _, err := f.tracker.MarkProcessing(ctx, first.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	third, created, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if created || third.ID != first.ID {
		t.Fatalf("processing job must still be reused, got %s created=%v", third.ID, created)
	}
}

func TestCreateJobAfterCompletionStartsNewJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if _, err := f.tracker.MarkProcessing(ctx, job.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	done, err := f.tracker.MarkCompleted(ctx, job.ID, document())
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if done.Status != models.StatusCompleted || done.Progress != 100 || done.CompletedAt == nil || done.Result == nil {
		t.Fatalf("unexpected completed record %+v", done)
	}
	if f.mr.Exists(IndexKey("contract-1")) {
		t.Fatalf("index entry should be deleted on completion")
	}

	next, created, err := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if err != nil || !created {
		t.Fatalf("expected new job after completion, created=%v err=%v", created, err)
	}
	if next.ID == job.ID {
		t.Fatalf("job ids must never be reused")
	}

	// The completed record remains readable until its TTL elapses.
	old, err := f.tracker.GetJob(ctx, job.ID)
	if err != nil || old.Status != models.StatusCompleted {
		t.Fatalf("completed record should stay readable, status=%s err=%v", old.Status, err)
	}
}

func TestCreateJobAfterFailureStartsNewJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	failed, err := f.tracker.MarkFailed(ctx, job.ID, "renderer crashed")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != models.StatusFailed || failed.Error != "renderer crashed" || failed.CompletedAt == nil {
		t.Fatalf("unexpected failed record %+v", failed)
	}

	next, created, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if !created || next.ID == job.ID {
		t.Fatalf("expected a fresh job after failure")
	}
}

func TestMarkCompletedFromPendingIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	before, _, _ := f.store.Get(ctx, JobKey(job.ID))

	_, err := f.tracker.MarkCompleted(ctx, job.ID, document())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	after, _, _ := f.store.Get(ctx, JobKey(job.ID))
	if before != after {
		t.Fatalf("record changed after rejected transition:\n%s\n%s", before, after)
	}
	if !f.mr.Exists(IndexKey("contract-1")) {
		t.Fatalf("index must survive a rejected transition")
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	_, _ = f.tracker.MarkProcessing(ctx, job.ID)
	_, _ = f.tracker.MarkCompleted(ctx, job.ID, document())

	if _, err := f.tracker.MarkFailed(ctx, job.ID, "late failure"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("completed job must not fail, got %v", err)
	}
	if _, err := f.tracker.MarkProcessing(ctx, job.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("completed job must not restart, got %v", err)
	}

	other, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-2"})
	_, _ = f.tracker.MarkFailed(ctx, other.ID, "first cause")
	again, err := f.tracker.MarkFailed(ctx, other.ID, "second cause")
	if err != nil || again.Error != "first cause" {
		t.Fatalf("re-failing keeps the first cause, got %q err=%v", again.Error, err)
	}
	if _, err := f.tracker.MarkProcessing(ctx, other.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("failed job must not restart, got %v", err)
	}
}

func TestMarkProcessingSetsStartState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	running, err := f.tracker.MarkProcessing(ctx, job.ID)
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if running.Status != models.StatusProcessing || running.Progress != 10 || running.StartedAt == nil {
		t.Fatalf("unexpected processing record %+v", running)
	}
	if _, err := f.tracker.MarkProcessing(ctx, job.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("processing twice must be rejected, got %v", err)
	}
}

func TestUpdateProgressValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	_, _ = f.tracker.MarkProcessing(ctx, job.ID)

	if _, err := f.tracker.UpdateProgress(ctx, job.ID, 150); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for 150, got %v", err)
	}
	if _, err := f.tracker.UpdateProgress(ctx, job.ID, -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for -1, got %v", err)
	}
	if _, err := f.tracker.UpdateProgress(ctx, job.ID, 0); err != nil {
		t.Fatalf("progress 0 should succeed: %v", err)
	}
	got, err := f.tracker.UpdateProgress(ctx, job.ID, 100)
	if err != nil || got.Progress != 100 {
		t.Fatalf("progress 100 should succeed, got %d err=%v", got.Progress, err)
	}
}

func TestUnknownJobIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.tracker.GetJob(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.tracker.MarkProcessing(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.tracker.UpdateProgress(ctx, "nope", 20); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetJobRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	raw := `{"jobId":"job-x","subjectId":"c-1","status":"queued","progress":0}`
	if err := f.store.Set(ctx, JobKey("job-x"), raw, time.Hour); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	_, err := f.tracker.GetJob(ctx, "job-x")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error for unknown status, got %v", err)
	}
}

func TestGetJobFailsHungJobDurably(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	_, _ = f.tracker.MarkProcessing(ctx, job.ID)

	f.clock.Advance(4 * time.Minute)
	still, err := f.tracker.GetJob(ctx, job.ID)
	if err != nil || still.Status != models.StatusProcessing {
		t.Fatalf("job within timeout must stay processing, got %s err=%v", still.Status, err)
	}

	f.clock.Advance(2 * time.Minute)
	hung, err := f.tracker.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get hung job: %v", err)
	}
	if hung.Status != models.StatusFailed || hung.Error == "" || hung.CompletedAt == nil {
		t.Fatalf("expected failed hung job with error, got %+v", hung)
	}

	raw, _, _ := f.store.Get(ctx, JobKey(job.ID))
	again, err := f.tracker.GetJob(ctx, job.ID)
	if err != nil || again.Status != models.StatusFailed {
		t.Fatalf("second read must also be failed, got %s err=%v (%s)", again.Status, err, raw)
	}
	if f.mr.Exists(IndexKey("contract-1")) {
		t.Fatalf("hung job must release the subject index")
	}

	next, created, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if !created || next.ID == job.ID {
		t.Fatalf("subject should accept a new job after a hung job failed")
	}
}

func TestHungRewriteKeepsOriginalExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	_, _ = f.tracker.MarkProcessing(ctx, job.ID)
	f.clock.Advance(10 * time.Minute)
	hung, _ := f.tracker.GetJob(ctx, job.ID)
	if !hung.ExpiresAt.Equal(job.ExpiresAt) {
		t.Fatalf("expiresAt changed: %s -> %s", job.ExpiresAt, hung.ExpiresAt)
	}
	ttl := f.mr.TTL(JobKey(job.ID))
	if ttl > 50*time.Minute || ttl <= 0 {
		t.Fatalf("expected remaining ttl of about 50m, got %s", ttl)
	}
}

func TestStaleIndexIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Index points at a job whose record already expired.
	if err := f.store.Set(ctx, IndexKey("contract-1"), "ghost", time.Hour); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	job, created, err := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if err != nil || !created {
		t.Fatalf("expected new job over stale index, created=%v err=%v", created, err)
	}
	idx, _, _ := f.store.Get(ctx, IndexKey("contract-1"))
	if idx != job.ID {
		t.Fatalf("index should point at new job, got %s", idx)
	}
}

func TestExpiredJobDisappears(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	f.mr.FastForward(61 * time.Minute)

	if _, err := f.tracker.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired job to be not found, got %v", err)
	}
	_, created, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	if !created {
		t.Fatalf("expected new job after expiry")
	}
}

func TestConcurrentCreateConvergesOnOneJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const callers = 8
	ids := make([]string, callers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, created, err := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			ids[i] = job.ID
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Fatalf("expected exactly one creator, got %d", createdCount)
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("callers disagree on job id: %v", ids)
		}
	}
	keys := f.mr.Keys()
	jobs := 0
	for _, k := range keys {
		if len(k) > len(JobKeyPrefix) && k[:len(JobKeyPrefix)] == JobKeyPrefix {
			jobs++
		}
	}
	if jobs != 1 {
		t.Fatalf("expected a single job record, found %d in %v", jobs, keys)
	}
}

func TestMarkCompletedRequiresMatchingResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	_, _ = f.tracker.MarkProcessing(ctx, job.ID)
	if _, err := f.tracker.MarkCompleted(ctx, job.ID, models.JobResult{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty result, got %v", err)
	}
	got, _ := f.tracker.GetJob(ctx, job.ID)
	if got.Status != models.StatusProcessing {
		t.Fatalf("rejected completion must not change status, got %s", got.Status)
	}
}

func TestTerminalTransitionKeepsNewerIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	orphan, _, _ := f.tracker.CreateJob(ctx, CreateJobParams{SubjectID: "contract-1"})
	// Simulate the index being taken over by a newer job.
	if err := f.store.Set(ctx, IndexKey("contract-1"), "job-newer", time.Hour); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	if _, err := f.tracker.MarkFailed(ctx, orphan.ID, "abandoned"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	idx, ok, _ := f.store.Get(ctx, IndexKey("contract-1"))
	if !ok || idx != "job-newer" {
		t.Fatalf("terminal transition removed another job's index entry: %q ok=%v", idx, ok)
	}
}

func TestCreateJobRequiresSubject(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.tracker.CreateJob(context.Background(), CreateJobParams{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
