// Package queue provides the Redis-backed broker behind the task API.
// It supports:
//   - Atomic task dequeuing with BLMove
//   - A per-task status record (queued, started, finished, failed) with a retention TTL
//   - Exponential backoff retry through per-queue delayed sets
//   - Dead Letter Queue (DLQ) for permanently failed tasks
//   - A pointer to the most recently finished result
//
// The Client type is the main entry point for interacting with the queue system.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/logger"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

const (
	processingQueue = "processing_queue"
	deadLetterQueue = "dead_letter_queue"
	completedQueue  = "completed_queue"
	latestResultKey = "result:latest"

	// DefaultQueue is used when a task names no queue.
	DefaultQueue = "default"
)

// ErrTaskNotFound is returned for unknown or expired task ids.
var ErrTaskNotFound = errors.New("task not found")

// ErrNoResult is returned by LatestResult when no task has finished yet.
var ErrNoResult = errors.New("no finished result")

// Client manages the connection to Redis and provides methods for task queue operations.
// All operations are context-aware and support graceful cancellation.
//
// Key layout:
//   - queue:<name>: list of tasks ready to be processed
//   - processing_queue: tasks currently being processed
//   - delayed:<name>: sorted set of tasks scheduled for retry, scored by due time
//   - dead_letter_queue: tasks that have exceeded max retry attempts
//   - task:<id>: hash holding the task status record
type Client struct {
	rdb     *redis.Client
	queues  []string
	taskTTL time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithQueues sets the queues Dequeue listens on, in priority order.
func WithQueues(names ...string) Option {
	return func(c *Client) {
		if len(names) > 0 {
			c.queues = names
		}
	}
}

// WithTaskTTL sets how long task records are retained after their last transition.
func WithTaskTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.taskTTL = ttl
		}
	}
}

// NewClient creates a new queue client connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
func NewClient(addr string, opts ...Option) *Client {
	return newClient(redis.NewClient(&redis.Options{Addr: addr}), opts)
}

// NewClientFromURL creates a client from a redis:// URL such as
// "redis://:password@redis:6379/0".
func NewClientFromURL(url string, opts ...Option) (*Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newClient(redis.NewClient(o), opts), nil
}

func newClient(rdb *redis.Client, opts []Option) *Client {
	c := &Client{
		rdb:     rdb,
		queues:  []string{DefaultQueue},
		taskTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Queues returns the configured queue names in priority order.
func (c *Client) Queues() []string {
	return c.queues
}

// Ping checks the broker connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// message is what travels through the lists. Status is the state the entry
// was written in; the task hash holds the live value.
type message struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Queue      string       `json:"queue"`
	Status     tasks.Status `json:"status,omitempty"`
	RetryCount int          `json:"retry_count"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (m message) task() *tasks.Task {
	status := m.Status
	if status == "" {
		status = tasks.StatusQueued
	}
	return &tasks.Task{
		ID:         m.ID,
		Type:       m.Type,
		Queue:      m.Queue,
		RetryCount: m.RetryCount,
		CreatedAt:  m.CreatedAt,
		Status:     status,
	}
}

func encode(task tasks.Task, status tasks.Status) ([]byte, error) {
	return json.Marshal(message{
		ID:         task.ID,
		Type:       task.Type,
		Queue:      task.Queue,
		Status:     status,
		RetryCount: task.RetryCount,
		CreatedAt:  task.CreatedAt,
	})
}

func queueKey(name string) string   { return "queue:" + name }
func delayedKey(name string) string { return "delayed:" + name }
func taskKey(id string) string      { return "task:" + id }

// Enqueue records the task as queued and pushes it to the tail of its queue.
// Both happen in one MULTI so a status lookup never misses a queued task.
func (c *Client) Enqueue(ctx context.Context, task tasks.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.Queue == "" {
		task.Queue = c.queues[0]
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	data, err := encode(task, tasks.StatusQueued)
	if err != nil {
		return err
	}

	key := taskKey(task.ID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"id", task.ID,
		"type", task.Type,
		"queue", task.Queue,
		"status", string(tasks.StatusQueued),
		"created_at", formatTime(task.CreatedAt),
		"retry_count", task.RetryCount,
	)
	pipe.Expire(ctx, key, c.taskTTL)
	pipe.RPush(ctx, queueKey(task.Queue), data)
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue atomically retrieves a task from the first non-empty configured queue.
//
// It uses BLMove with a 1-second timeout for each queue to ensure responsiveness.
// If no task is found in any queue, it returns redis.Nil.
// The returned raw string identifies the entry in processing_queue and must be
// passed back to Complete, Retry or Fail.
func (c *Client) Dequeue(ctx context.Context) (*tasks.Task, string, error) {
	for _, q := range c.queues {
		result, err := c.rdb.BLMove(ctx, queueKey(q), processingQueue, "LEFT", "RIGHT", 1*time.Second).Result()
		if err == nil {
			var m message
			if err := json.Unmarshal([]byte(result), &m); err != nil {
				// Drop the poison entry so it does not block processing_queue.
				c.rdb.LRem(ctx, processingQueue, 1, result)
				return nil, "", fmt.Errorf("decode task: %w", err)
			}
			return m.task(), result, nil
		}
		if err != redis.Nil {
			return nil, "", err
		}
	}

	return nil, "", redis.Nil
}

// Start marks the task as picked up by a worker.
func (c *Client) Start(ctx context.Context, task *tasks.Task) error {
	task.Status = tasks.StatusStarted
	task.StartedAt = time.Now()

	key := taskKey(task.ID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(task.Status),
		"started_at", formatTime(task.StartedAt),
	)
	pipe.Expire(ctx, key, c.taskTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Complete marks the task as finished with the given result location, removes it
// from processing_queue, and makes it the latest result.
// The last 100 completed entries are kept in completed_queue for history.
func (c *Client) Complete(ctx context.Context, task *tasks.Task, rawTask, resultKey string) error {
	task.Status = tasks.StatusFinished
	task.Result = resultKey
	task.EndedAt = time.Now()

	data, err := encode(*task, tasks.StatusFinished)
	if err != nil {
		return err
	}

	key := taskKey(task.ID)
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, processingQueue, 1, rawTask)
	pipe.RPush(ctx, completedQueue, data)
	pipe.LTrim(ctx, completedQueue, -100, -1)
	pipe.HSet(ctx, key,
		"status", string(task.Status),
		"result", resultKey,
		"ended_at", formatTime(task.EndedAt),
	)
	pipe.HDel(ctx, key, "error")
	pipe.Expire(ctx, key, c.taskTTL)
	pipe.Set(ctx, latestResultKey, task.ID, c.taskTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Retry schedules a failed task for retry with exponential backoff.
// The task's retry count is incremented and it's added to its queue's delayed set
// with a computed delay based on: 2^retryCount * 100ms. The status goes back to
// queued so pollers keep waiting.
func (c *Client) Retry(ctx context.Context, task *tasks.Task, rawTask string, cause error) error {
	task.RetryCount++
	task.Status = tasks.StatusQueued
	if task.Queue == "" {
		task.Queue = c.queues[0]
	}

	backoff := time.Duration(1<<task.RetryCount) * 100 * time.Millisecond
	processAt := time.Now().Add(backoff)

	data, err := encode(*task, tasks.StatusQueued)
	if err != nil {
		return err
	}

	key := taskKey(task.ID)
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, delayedKey(task.Queue), redis.Z{
		Score:  float64(processAt.UnixNano()),
		Member: data,
	})
	pipe.LRem(ctx, processingQueue, 1, rawTask)
	pipe.HSet(ctx, key,
		"status", string(task.Status),
		"retry_count", task.RetryCount,
		"error", errString(cause),
	)
	pipe.Expire(ctx, key, c.taskTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail moves a permanently failed task to the Dead Letter Queue (DLQ) and marks
// its record failed.
func (c *Client) Fail(ctx context.Context, task *tasks.Task, rawTask string, cause error) error {
	task.Status = tasks.StatusFailed
	task.Error = errString(cause)
	task.EndedAt = time.Now()

	data, err := encode(*task, tasks.StatusFailed)
	if err != nil {
		return err
	}

	key := taskKey(task.ID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, deadLetterQueue, data)
	pipe.LRem(ctx, processingQueue, 1, rawTask)
	pipe.HSet(ctx, key,
		"status", string(task.Status),
		"error", task.Error,
		"ended_at", formatTime(task.EndedAt),
	)
	pipe.Expire(ctx, key, c.taskTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the current record of a task.
func (c *Client) Get(ctx context.Context, taskID string) (*tasks.Task, error) {
	fields, err := c.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}

	task := &tasks.Task{
		ID:     fields["id"],
		Type:   fields["type"],
		Queue:  fields["queue"],
		Status: tasks.Status(fields["status"]),
		Result: fields["result"],
		Error:  fields["error"],
	}
	task.RetryCount, _ = strconv.Atoi(fields["retry_count"])
	task.CreatedAt = parseTime(fields["created_at"])
	task.StartedAt = parseTime(fields["started_at"])
	task.EndedAt = parseTime(fields["ended_at"])
	return task, nil
}

// LatestResult returns the most recently finished task.
func (c *Client) LatestResult(ctx context.Context) (*tasks.Task, error) {
	id, err := c.rdb.Get(ctx, latestResultKey).Result()
	if err == redis.Nil {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, err
	}
	task, err := c.Get(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, ErrNoResult
	}
	return task, err
}

// promoteScript moves every due member of a delayed set to the tail of its queue.
// Running it as a script keeps concurrent schedulers from promoting a task twice.
var promoteScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local queue_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)

	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
		for _, task in ipairs(due) do
			redis.call('RPUSH', queue_key, task)
		end
	end

	return #due
`)

// PromoteDue moves retries whose backoff has elapsed back to their queues and
// returns how many were moved.
func (c *Client) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, q := range c.queues {
		n, err := promoteScript.Run(ctx, c.rdb,
			[]string{delayedKey(q), queueKey(q)},
			float64(now.UnixNano()),
		).Int64()
		if err != nil && err != redis.Nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// StartScheduler runs PromoteDue every 500ms until the context is cancelled.
//
// Usage:
//
//	go client.StartScheduler(ctx)
func (c *Client) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := c.PromoteDue(ctx, now); err != nil && ctx.Err() == nil {
				logger.Log.Error().Err(err).Msg("Scheduler error")
			}
		}
	}
}

// GetQueueDepths returns the current depth (number of items) for all queues.
func (c *Client) GetQueueDepths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)

	lists := []string{processingQueue, deadLetterQueue, completedQueue}
	for _, q := range c.queues {
		lists = append(lists, queueKey(q))
	}
	for _, q := range lists {
		if n, err := c.rdb.LLen(ctx, q).Result(); err == nil {
			depths[q] = n
		}
	}

	for _, q := range c.queues {
		if n, err := c.rdb.ZCard(ctx, delayedKey(q)).Result(); err == nil {
			depths[delayedKey(q)] = n
		}
	}

	return depths
}

// Allow checks if a request identified by key may proceed under a token bucket.
//
// Parameters:
//   - key: Unique key for the rate limit (e.g., "ratelimit:submit:simulation")
//   - limit: Number of tokens added per second (rate)
//   - burst: Maximum number of tokens in the bucket (capacity)
func (c *Client) Allow(ctx context.Context, key string, limit int, burst int) (bool, error) {
	result, err := allowScript.Run(ctx, c.rdb,
		[]string{key},
		limit,
		burst,
		time.Now().Unix(),
		1,
	).Int64()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

// allowScript is a token bucket.
// KEYS[1]: rate limit key
// ARGV: rate (tokens/sec), burst (capacity), now (seconds), tokens requested
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, 3600)
	return allowed
`)

// InspectQueue retrieves the first n tasks from a queue without removing them.
// Names are the keys reported by GetQueueDepths; delayed sets are read by score.
func (c *Client) InspectQueue(ctx context.Context, name string, limit int64) ([]*tasks.Task, error) {
	typ, err := c.rdb.Type(ctx, name).Result()
	if err != nil {
		return nil, err
	}

	var raw []string
	switch typ {
	case "zset":
		raw, err = c.rdb.ZRange(ctx, name, 0, limit-1).Result()
	case "list":
		raw, err = c.rdb.LRange(ctx, name, 0, limit-1).Result()
	case "none":
		return []*tasks.Task{}, nil
	default:
		return nil, fmt.Errorf("%s is not a queue", name)
	}
	if err != nil {
		return nil, err
	}

	list := make([]*tasks.Task, 0, len(raw))
	for _, r := range raw {
		var m message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		t := m.task()
		if name == processingQueue {
			// Entries keep their queued encoding so Complete can LRem them.
			t.Status = tasks.StatusStarted
		}
		list = append(list, t)
	}
	return list, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
