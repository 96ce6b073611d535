// Package queue is the Redis-backed task broker between the intake API and the workers.
//
// Layout:
//
//	queue:ready:<priority>  LIST  task ids ready to run
//	queue:scheduled         ZSET  task ids by visible-at (unix ms), used for retry backoff
//	queue:inflight          ZSET  leased task ids by lease deadline (unix ms)
//	queue:task:<id>         HASH  priority and JSON body of the task
//	<dlq>                   LIST  dead-lettered task ids; bodies expire after the retention
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"file-ingestion-service/internal/config"
	"file-ingestion-service/internal/models"
)

const (
	readyPrefix = "queue:ready:"
	taskPrefix  = "queue:task:"
)

// ErrTaskMissing is returned when a leased id has no stored body (cancelled meanwhile).
var ErrTaskMissing = errors.New("task body missing")

// Options tune a RedisQueue.
type Options struct {
	PriorityQueues    []string
	VisibilityTimeout time.Duration
	DLQName           string
	DLQRetention      time.Duration
}

// RedisQueue coordinates ready, in-flight, scheduled and dead-letter task queues in Redis.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	visibilityTTL  time.Duration
	dlqKey         string
	dlqRetention   time.Duration
	now            func() time.Time
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, Options{
		PriorityQueues:    cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
		DLQRetention:      cfg.DLQRetention,
	})
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, opts Options) *RedisQueue {
	priorities := opts.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		dlqRetention:   opts.DLQRetention,
		now:            time.Now,
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) readyKey(priority string) string {
	return readyPrefix + priority
}

func (q *RedisQueue) taskKey(id string) string {
	return taskPrefix + id
}

// priority falls back to the first configured queue for unknown priorities,
// which would otherwise never be polled.
func (q *RedisQueue) priority(task models.Task) string {
	if slices.Contains(q.priorityQueues, task.Priority) {
		return task.Priority
	}
	return q.priorityQueues[0]
}

func (q *RedisQueue) encode(task models.Task) (map[string]any, error) {
	if task.ID == "" {
		return nil, errors.New("task id is required")
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	return map[string]any{"priority": q.priority(task), "body": body}, nil
}

// Dispatch stores the task body and pushes it onto its ready queue.
func (q *RedisQueue) Dispatch(ctx context.Context, task models.Task) error {
	fields, err := q.encode(task)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), fields)
	pipe.RPush(ctx, q.readyKey(q.priority(task)), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// DispatchAfter releases any lease on the task, rewrites its body and makes it
// visible again after delay. It is atomic, so a crash never leaves the task both
// leased and scheduled.
func (q *RedisQueue) DispatchAfter(ctx context.Context, task models.Task, delay time.Duration) error {
	if delay <= 0 {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey, task.ID)
		if err := q.dispatchIn(ctx, pipe, task); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue task %s: %w", task.ID, err)
		}
		return nil
	}

	fields, err := q.encode(task)
	if err != nil {
		return err
	}
	runAt := q.now().Add(delay)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.HSet(ctx, q.taskKey(task.ID), fields)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule task %s: %w", task.ID, err)
	}
	return nil
}

func (q *RedisQueue) dispatchIn(ctx context.Context, pipe redis.Pipeliner, task models.Task) error {
	fields, err := q.encode(task)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, q.taskKey(task.ID), fields)
	pipe.RPush(ctx, q.readyKey(q.priority(task)), task.ID)
	return nil
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	return len(ids), err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client, []string{key},
		now.UnixMilli(), limit, taskPrefix, readyPrefix, q.priorityQueues[0]).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("move due tasks from %s: %w", key, err)
	}
	return res, nil
}

// DequeueWithLease pops a task from ready queues (priority order) and places it
// into inflight with a visibility timeout. ok=false means nothing was ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (models.Task, bool, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	task, err := q.Load(ctx, id)
	if errors.Is(err, ErrTaskMissing) {
		q.client.ZRem(ctx, q.inflightKey, id)
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, err
	}
	return task, true, nil
}

// Load reads the stored body of a task.
func (q *RedisQueue) Load(ctx context.Context, id string) (models.Task, error) {
	body, err := q.client.HGet(ctx, q.taskKey(id), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Task{}, fmt.Errorf("load task %s: %w", id, ErrTaskMissing)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return models.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

// Retained reports whether the body of a task is still stored. Cancel and an
// expired DLQ retention both drop it.
func (q *RedisQueue) Retained(ctx context.Context, id string) (bool, error) {
	n, err := q.client.Exists(ctx, q.taskKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check task %s: %w", id, err)
	}
	return n == 1, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a task from in-flight tracking and drops its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.taskKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes a task from every queue and drops its body.
func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, id)
	}
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.LRem(ctx, q.dlqKey, 0, id)
	pipe.Del(ctx, q.taskKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter releases the lease and parks the task on the DLQ. The body is kept
// for the retention window so an operator retry can re-dispatch it.
func (q *RedisQueue) DeadLetter(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.LRem(ctx, q.dlqKey, 0, id)
	pipe.RPush(ctx, q.dlqKey, id)
	if q.dlqRetention > 0 {
		pipe.Expire(ctx, q.taskKey(id), q.dlqRetention)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue moves a dead-lettered task back onto its ready queue. ok=false means
// the task was not on the DLQ or its body already expired.
func (q *RedisQueue) Requeue(ctx context.Context, id string) (bool, error) {
	n, err := requeueScript.Run(ctx, q.client, []string{q.dlqKey, q.taskKey(id)},
		id, readyPrefix, q.priorityQueues[0]).Int()
	if err != nil {
		return false, fmt.Errorf("requeue task %s: %w", id, err)
	}
	return n == 1, nil
}

// DLQPeek reads the oldest dead-lettered task IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
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

// InFlight returns the number of leased tasks.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// ScheduledCount returns the number of tasks waiting out a retry delay.
func (q *RedisQueue) ScheduledCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)

// KEYS[1] source zset; ARGV: max score, limit, task prefix, ready prefix, default priority.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local priority = redis.call('HGET', ARGV[3] .. id, 'priority')
    if not priority then priority = ARGV[5] end
    redis.call('RPUSH', ARGV[4] .. priority, id)
    table.insert(moved, id)
  end
end
return moved
`)

// KEYS: dlq, task hash; ARGV: id, ready prefix, default priority.
var requeueScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
local priority = redis.call('HGET', KEYS[2], 'priority')
if not priority then
  return 0
end
redis.call('PERSIST', KEYS[2])
redis.call('RPUSH', ARGV[2] .. priority, ARGV[1])
return 1
`)
