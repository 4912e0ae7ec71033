package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailpilot/internal/control"
	"mailpilot/internal/models"
)

// Retention bounds how long finished jobs stay inspectable. Completed jobs
// are kept briefly; failed jobs longer, since the single-attempt policy
// means a failure is terminal until an operator re-enqueues it.
type Retention struct {
	CompletedKeep   int
	CompletedWindow time.Duration
	FailedKeep      int
	FailedWindow    time.Duration
}

// Queue is one named priority queue in Redis. Jobs get exactly one attempt:
// there is no retry scheduling and no dead-letter hop, failed jobs land in
// the failed retention set directly.
type Queue struct {
	client    *redis.Client
	name      string
	retention Retention
}

// New builds a queue client over an existing Redis connection.
func New(client *redis.Client, name string, retention Retention) *Queue {
	if retention.CompletedKeep <= 0 {
		retention.CompletedKeep = 100
	}
	if retention.FailedKeep <= 0 {
		retention.FailedKeep = 1000
	}
	return &Queue{client: client, name: name, retention: retention}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) readyKey(p models.Priority) string {
	return fmt.Sprintf("jobs:%s:ready:%d", q.name, int(p))
}

func (q *Queue) activeKey() string    { return fmt.Sprintf("jobs:%s:active", q.name) }
func (q *Queue) completedKey() string { return fmt.Sprintf("jobs:%s:completed", q.name) }
func (q *Queue) failedKey() string    { return fmt.Sprintf("jobs:%s:failed", q.name) }

func jobKey(id string) string { return "jobs:job:" + id }

var priorities = []models.Priority{
	models.PriorityCritical,
	models.PriorityHigh,
	models.PriorityNormal,
	models.PriorityLow,
}

// Enqueue inserts a waiting job and returns it.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any, prio models.Priority) (models.Job, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	job := models.Job{
		ID:        uuid.New().String(),
		Queue:     q.name,
		Type:      jobType,
		Priority:  prio,
		Payload:   payload,
		State:     models.JobWaiting,
		CreatedAt: time.Now().UTC(),
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID),
		"queue", q.name,
		"type", jobType,
		"priority", int(prio),
		"payload", payloadJSON,
		"state", models.JobWaiting,
		"created_ms", job.CreatedAt.UnixMilli(),
	)
	pipe.RPush(ctx, q.readyKey(prio), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return job, nil
}

// Dequeue pops the highest-priority waiting job and marks it active. The
// emergency-pause gate is checked inside the script, so a paused fleet
// releases nothing even to consumers that have not observed the toggle.
// Returns ok=false when the queue is empty or paused.
func (q *Queue) Dequeue(ctx context.Context) (models.Job, bool, error) {
	keys := make([]string, 0, len(priorities)+2)
	for _, p := range priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.activeKey(), control.QueuesPausedKey)

	res, err := dequeueScript.Run(ctx, q.client, keys).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	if err := q.client.HSet(ctx, jobKey(id), "state", models.JobActive).Err(); err != nil {
		return models.Job{}, false, fmt.Errorf("mark active %s: %w", id, err)
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// Complete finishes a job successfully, storing its result and trimming the
// completed retention set.
func (q *Queue) Complete(ctx context.Context, id, result string) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.activeKey(), id)
	pipe.HSet(ctx, jobKey(id), "state", models.JobCompleted, "result", result, "finished_ms", now.UnixMilli())
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return q.trim(ctx, q.completedKey(), q.retention.CompletedKeep, q.retention.CompletedWindow)
}

// Fail finishes a job with a terminal error. No retry is scheduled; the
// idempotent tracking layer plus manual re-enqueue is the recovery path.
func (q *Queue) Fail(ctx context.Context, id, jobErr string) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.activeKey(), id)
	pipe.HSet(ctx, jobKey(id), "state", models.JobFailed, "error", jobErr, "finished_ms", now.UnixMilli())
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	return q.trim(ctx, q.failedKey(), q.retention.FailedKeep, q.retention.FailedWindow)
}

// Requeue puts a finished job back on its ready list for another attempt.
// This is the operator-driven recovery path for failed jobs.
func (q *Queue) Requeue(ctx context.Context, id string) (models.Job, error) {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.State != models.JobFailed && job.State != models.JobCompleted {
		return models.Job{}, fmt.Errorf("job %s is %s, not finished", id, job.State)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.completedKey(), id)
	pipe.ZRem(ctx, q.failedKey(), id)
	pipe.HSet(ctx, jobKey(id), "state", models.JobWaiting)
	pipe.HDel(ctx, jobKey(id), "error", "result", "finished_ms")
	pipe.RPush(ctx, q.readyKey(job.Priority), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("requeue %s: %w", id, err)
	}
	job.State = models.JobWaiting
	job.LastError = ""
	job.Result = ""
	job.FinishedAt = time.Time{}
	return job, nil
}

// GetJob loads a job hash.
func (q *Queue) GetJob(ctx context.Context, id string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job %s not found", id)
	}
	return parseJob(id, fields)
}

// RecentFailed lists the newest failed job ids, for operator inspection.
func (q *Queue) RecentFailed(ctx context.Context, count int64) ([]string, error) {
	return q.client.ZRevRange(ctx, q.failedKey(), 0, count-1).Result()
}

// Depth returns the total waiting count across priorities.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(priorities))
	for _, p := range priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Paused reports the live emergency-pause gate, queried from Redis rather
// than any cached toggle.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, control.QueuesPausedKey).Result()
	return n > 0, err
}

// trim drops retention-set members beyond the keep count or older than the
// window, deleting their job hashes with them.
func (q *Queue) trim(ctx context.Context, zkey string, keep int, window time.Duration) error {
	var stale []string

	old, err := q.client.ZRange(ctx, zkey, 0, int64(-keep-1)).Result()
	if err != nil {
		return err
	}
	stale = append(stale, old...)

	if window > 0 {
		cutoff := time.Now().Add(-window).UnixMilli()
		aged, err := q.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return err
		}
		stale = append(stale, aged...)
	}
	if len(stale) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range stale {
		pipe.ZRem(ctx, zkey, id)
		pipe.Del(ctx, jobKey(id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func parseJob(id string, fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:        id,
		Queue:     fields["queue"],
		Type:      fields["type"],
		State:     fields["state"],
		Result:    fields["result"],
		LastError: fields["error"],
	}
	if p, err := strconv.Atoi(fields["priority"]); err == nil {
		job.Priority = models.Priority(p)
	}
	if fields["payload"] != "" {
		if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload for %s: %w", id, err)
		}
	}
	if ms, err := strconv.ParseInt(fields["created_ms"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["finished_ms"], 10, 64); err == nil {
		job.FinishedAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}

var dequeueScript = redis.NewScript(`
local paused = KEYS[#KEYS]
if redis.call('EXISTS', paused) == 1 then
  return nil
end
local active = KEYS[#KEYS-1]
for i = 1, #KEYS - 2 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('SADD', active, job)
    return job
  end
end
return nil
`)
