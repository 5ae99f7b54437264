package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rental-ops/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, Options{VisibilityTimeout: visibility})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	if err := q.Enqueue(ctx, models.RenderRequest{JobID: "job-1", SubjectID: "contract-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected ready depth 1, got %d", depth)
	}

	req, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue ok=%v err=%v", ok, err)
	}
	if req.JobID != "job-1" || req.SubjectID != "contract-1" || req.Enqueued.IsZero() {
		t.Fatalf("unexpected request %+v", req)
	}
	if n, _ := q.InFlightDepth(ctx); n != 1 {
		t.Fatalf("expected one in-flight lease, got %d", n)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.InFlightDepth(ctx); n != 0 {
		t.Fatalf("expected no leases after ack, got %d", n)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10*time.Millisecond)

	_ = q.Enqueue(ctx, models.RenderRequest{JobID: "job-1", SubjectID: "contract-1"})
	if _, ok, _ := q.DequeueWithLease(ctx); !ok {
		t.Fatalf("expected lease")
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 requeued, got %v", ids)
	}
	req, ok, _ := q.DequeueWithLease(ctx)
	if !ok || req.JobID != "job-1" || req.SubjectID != "contract-1" {
		t.Fatalf("expected redelivery with metadata, got %+v ok=%v", req, ok)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	if err := q.DLQPush(ctx, "job-9", "render: template missing"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil || len(items) != 1 || items[0] != "job-9 render: template missing" {
		t.Fatalf("unexpected dlq items %v err=%v", items, err)
	}
}
