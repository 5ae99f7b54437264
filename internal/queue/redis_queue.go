package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rental-ops/internal/models"
)

// RedisQueue hands render requests to workers. A request sits in the ready
// list until a worker leases it; a lease that is not acked before its
// visibility deadline is moved back to ready.
//
// Delivery is at-least-once. Duplicate deliveries are harmless because the
// worker only starts jobs the tracker still reports as pending.
type RedisQueue struct {
	client        redis.UniversalClient
	readyKey      string
	inflightKey   string
	metaPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
}

// Options configures key names and the lease length.
type Options struct {
	Prefix            string
	DLQName           string
	VisibilityTimeout time.Duration
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "render"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = prefix + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":ready",
		inflightKey:   prefix + ":inflight",
		metaPrefix:    prefix + ":meta:",
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Enqueue appends a render request to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, req models.RenderRequest) error {
	if req.JobID == "" {
		return errors.New("render request without job id")
	}
	if req.Enqueued.IsZero() {
		req.Enqueued = time.Now().UTC()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(req.JobID),
		"subject", req.SubjectID,
		"enqueued_ms", req.Enqueued.UnixMilli(),
	)
	pipe.RPush(ctx, q.readyKey, req.JobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the oldest request and records it as in flight until
// the visibility deadline. ok is false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (models.RenderRequest, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return models.RenderRequest{}, false, nil
	}
	if err != nil {
		return models.RenderRequest{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return models.RenderRequest{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	req := models.RenderRequest{JobID: jobID}
	meta, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return req, true, nil
	}
	req.SubjectID = meta["subject"]
	if ms, err := strconv.ParseInt(meta["enqueued_ms"], 10, 64); err == nil {
		req.Enqueued = time.UnixMilli(ms).UTC()
	}
	return req, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight request.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a request from in-flight tracking along with its metadata.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired moves leases whose deadline passed back to the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush records a request the worker gave up on, for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID, reason string) error {
	entry := jobID
	if reason != "" {
		entry = jobID + " " + reason
	}
	return q.client.RPush(ctx, q.dlqKey, entry).Err()
}

// DLQPeek reads the oldest dead-lettered entries.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns how many requests wait for a worker.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlightDepth returns how many requests are currently leased.
func (q *RedisQueue) InFlightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
