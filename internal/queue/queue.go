// Package queue implements Redis-backed named job queues with at-least-once
// delivery. A job lives in a hash; its id moves between a waiting list, a
// delayed zset (scored by availability time), and an active zset (scored by
// reservation deadline). All state transitions run as Lua scripts so a
// crash between commands cannot strand a job in two places.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names are fixed at construction; AddJob rejects anything else.
const (
	QueueScreenshots   = "screenshots"
	QueueReplays       = "replays"
	QueueIntegrations  = "integrations"
	QueueNotifications = "notifications"
)

// Names lists every queue in a stable order.
func Names() []string {
	return []string{QueueScreenshots, QueueReplays, QueueIntegrations, QueueNotifications}
}

var (
	// ErrUnknownQueue is returned for any queue name outside Names().
	ErrUnknownQueue = errors.New("queue: unknown queue")
	// ErrUnavailable wraps Redis connectivity failures.
	ErrUnavailable = errors.New("queue: redis unavailable")
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	AvailableAt  time.Time       `json:"available_at"`
}

// AddOptions tunes a single enqueue.
type AddOptions struct {
	Delay       time.Duration // Hold the job in delayed until now+Delay.
	MaxAttempts int           // Default 3.
}

// Metrics is the per-queue depth snapshot.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

const (
	defaultMaxAttempts = 3
	backoffBase        = time.Second
	backoffCap         = 60 * time.Second
	// Completed and failed job hashes expire after this long.
	jobRetention = 24 * time.Hour
)

// Client is the queue API shared by producers and the worker runtime.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New parses a Redis URL (redis://host:port/db) and returns a queue client.
// The connection is verified with a ping.
func New(ctx context.Context, redisURL string, logger *slog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client, logger *slog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func knownQueue(name string) bool {
	switch name {
	case QueueScreenshots, QueueReplays, QueueIntegrations, QueueNotifications:
		return true
	}
	return false
}

// Redis key scheme. Everything for one queue shares the queue:{name} prefix.
func keyWaiting(q string) string { return "queue:" + q + ":waiting" }
func keyDelayed(q string) string { return "queue:" + q + ":delayed" }
func keyActive(q string) string { return "queue:" + q + ":active" }
func keyFailed(q string) string { return "queue:" + q + ":failed" }
func keyCompleted(q string) string { return "queue:" + q + ":completed" }
func keyPaused(q string) string { return "queue:" + q + ":paused" }
func keyJob(q, id string) string { return "queue:" + q + ":job:" + id }

// AddJob enqueues payload on the named queue and returns the job id.
func (c *Client) AddJob(ctx context.Context, queueName string, payload any, opts AddOptions) (string, error) {
	if !knownQueue(queueName) {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	id := uuid.NewString()
	now := time.Now()
	availableAt := now.Add(opts.Delay)

	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(queueName, id), map[string]any{
		"id":            id,
		"queue":         queueName,
		"payload":       string(raw),
		"state":         string(state),
		"attempts_made": 0,
		"max_attempts":  maxAttempts,
		"created_at":    now.UnixMilli(),
		"available_at":  availableAt.UnixMilli(),
	})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, keyDelayed(queueName), redis.Z{Score: float64(availableAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, keyWaiting(queueName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: add job: %v", ErrUnavailable, err)
	}
	return id, nil
}

// GetJob returns the job, or nil when the id is unknown or expired.
func (c *Client) GetJob(ctx context.Context, queueName, id string) (*Job, error) {
	if !knownQueue(queueName) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	fields, err := c.rdb.HGetAll(ctx, keyJob(queueName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get job: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromFields(fields), nil
}

// JobStatus returns the lifecycle state of a job, or "" when unknown.
func (c *Client) JobStatus(ctx context.Context, queueName, id string) (State, error) {
	job, err := c.GetJob(ctx, queueName, id)
	if err != nil || job == nil {
		return "", err
	}
	return job.State, nil
}

// QueueMetrics returns the current depth of each lifecycle bucket.
func (c *Client) QueueMetrics(ctx context.Context, queueName string) (Metrics, error) {
	if !knownQueue(queueName) {
		return Metrics{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}

	pipe := c.rdb.Pipeline()
	waiting := pipe.LLen(ctx, keyWaiting(queueName))
	active := pipe.ZCard(ctx, keyActive(queueName))
	completed := pipe.Get(ctx, keyCompleted(queueName))
	failed := pipe.LLen(ctx, keyFailed(queueName))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Metrics{}, fmt.Errorf("%w: queue metrics: %v", ErrUnavailable, err)
	}

	m := Metrics{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
	}
	if n, err := completed.Int64(); err == nil {
		m.Completed = n
	}
	return m, nil
}

// WaitingDepth returns the waiting count, including due-but-unpromoted
// delayed jobs. Backs the ingestion backpressure gate.
func (c *Client) WaitingDepth(ctx context.Context, queueName string) (int64, error) {
	if !knownQueue(queueName) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	waiting, err := c.rdb.LLen(ctx, keyWaiting(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: waiting depth: %v", ErrUnavailable, err)
	}
	return waiting, nil
}

// HealthCheck reports whether Redis answers a ping.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Pause stops workers from reserving new jobs on the queue. In-flight jobs
// finish normally.
func (c *Client) Pause(ctx context.Context, queueName string) error {
	if !knownQueue(queueName) {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	if err := c.rdb.Set(ctx, keyPaused(queueName), "1", 0).Err(); err != nil {
		return fmt.Errorf("%w: pause: %v", ErrUnavailable, err)
	}
	return nil
}

// Resume lifts a pause.
func (c *Client) Resume(ctx context.Context, queueName string) error {
	if !knownQueue(queueName) {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	if err := c.rdb.Del(ctx, keyPaused(queueName)).Err(); err != nil {
		return fmt.Errorf("%w: resume: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) isPaused(ctx context.Context, queueName string) bool {
	v, err := c.rdb.Exists(ctx, keyPaused(queueName)).Result()
	return err == nil && v > 0
}

// backoff returns the delay before retry attempt n (1-based): base*2^(n-1)
// with up to 50% additive jitter, capped at 60s.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int64N(int64(d / 2))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	if d+jitter > backoffCap {
		return backoffCap
	}
	return d + jitter
}

func jobFromFields(fields map[string]string) *Job {
	j := &Job{
		ID:        fields["id"],
		Queue:     fields["queue"],
		Payload:   json.RawMessage(fields["payload"]),
		State:     State(fields["state"]),
		LastError: fields["last_error"],
	}
	fmt.Sscanf(fields["attempts_made"], "%d", &j.AttemptsMade)
	fmt.Sscanf(fields["max_attempts"], "%d", &j.MaxAttempts)
	var createdMs, availMs int64
	fmt.Sscanf(fields["created_at"], "%d", &createdMs)
	fmt.Sscanf(fields["available_at"], "%d", &availMs)
	j.CreatedAt = time.UnixMilli(createdMs)
	j.AvailableAt = time.UnixMilli(availMs)
	return j
}
