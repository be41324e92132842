package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each lifecycle transition is one Lua script: a job id is never observable
// in two buckets, and a crash between client commands cannot lose it.

// reserveScript pops one waiting job and parks it in the active zset with a
// reservation deadline. Returns the job id or false when the queue is empty.
var reserveScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then return false end
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
redis.call('HSET', ARGV[2] .. id, 'state', 'active')
return id
`)

// completeScript finishes a job: removed from active, marked completed, the
// hash expires after the retention window, and the completed counter bumps.
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
local k = ARGV[2] .. ARGV[1]
redis.call('HSET', k, 'state', 'completed')
redis.call('EXPIRE', k, tonumber(ARGV[3]))
redis.call('INCR', KEYS[2])
return 1
`)

// retryOrFailScript handles a handler error: attempts_made increments, and
// the job either moves to delayed (score = next availability) or to failed
// when attempts are exhausted.
var retryOrFailScript = redis.NewScript(`
local k = ARGV[2] .. ARGV[1]
redis.call('ZREM', KEYS[1], ARGV[1])
local attempts = redis.call('HINCRBY', k, 'attempts_made', 1)
local max = tonumber(redis.call('HGET', k, 'max_attempts') or '1')
redis.call('HSET', k, 'last_error', ARGV[4])
if attempts < max then
  redis.call('HSET', k, 'state', 'delayed', 'available_at', ARGV[3])
  redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
  return 'delayed'
end
redis.call('HSET', k, 'state', 'failed')
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('EXPIRE', k, tonumber(ARGV[5]))
return 'failed'
`)

// failScript moves a job straight to failed regardless of remaining
// attempts. Used for permanent errors (e.g. undecodable image).
var failScript = redis.NewScript(`
local k = ARGV[2] .. ARGV[1]
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HINCRBY', k, 'attempts_made', 1)
redis.call('HSET', k, 'state', 'failed', 'last_error', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('EXPIRE', k, tonumber(ARGV[4]))
return 1
`)

// promoteScript moves due delayed jobs to the back of the waiting list.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
end
return #ids
`)

// reapScript returns jobs with expired reservations to the front of the
// waiting list. Expiry means the worker crashed or stalled; the attempt
// counter only moves on a real handler failure.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
end
return #ids
`)

func jobPrefix(q string) string { return "queue:" + q + ":job:" }

// reserve claims one job for visibility duration. Nil means empty queue.
func (c *Client) reserve(ctx context.Context, queueName string, visibility time.Duration) (*Job, error) {
	deadline := time.Now().Add(visibility).UnixMilli()
	res, err := reserveScript.Run(ctx, c.rdb,
		[]string{keyWaiting(queueName), keyActive(queueName)},
		deadline, jobPrefix(queueName)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reserve: %v", ErrUnavailable, err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	return c.GetJob(ctx, queueName, id)
}

// complete acknowledges a finished job.
func (c *Client) complete(ctx context.Context, queueName, id string) error {
	err := completeScript.Run(ctx, c.rdb,
		[]string{keyActive(queueName), keyCompleted(queueName)},
		id, jobPrefix(queueName), int(jobRetention.Seconds())).Err()
	if err != nil {
		return fmt.Errorf("%w: complete: %v", ErrUnavailable, err)
	}
	return nil
}

// retryOrFail records a handler failure and either schedules a retry with
// backoff or parks the job in failed.
func (c *Client) retryOrFail(ctx context.Context, queueName, id string, attemptsMade int, cause error) (State, error) {
	availableAt := time.Now().Add(backoff(attemptsMade + 1)).UnixMilli()
	res, err := retryOrFailScript.Run(ctx, c.rdb,
		[]string{keyActive(queueName), keyDelayed(queueName), keyFailed(queueName)},
		id, jobPrefix(queueName), availableAt, cause.Error(), int(jobRetention.Seconds())).Text()
	if err != nil {
		return "", fmt.Errorf("%w: retry: %v", ErrUnavailable, err)
	}
	return State(res), nil
}

// fail moves a job straight to failed, skipping remaining attempts.
func (c *Client) fail(ctx context.Context, queueName, id string, cause error) error {
	err := failScript.Run(ctx, c.rdb,
		[]string{keyActive(queueName), keyFailed(queueName)},
		id, jobPrefix(queueName), cause.Error(), int(jobRetention.Seconds())).Err()
	if err != nil {
		return fmt.Errorf("%w: fail: %v", ErrUnavailable, err)
	}
	return nil
}

// promoteDelayed moves up to limit due jobs from delayed to waiting.
func (c *Client) promoteDelayed(ctx context.Context, queueName string, limit int) (int64, error) {
	n, err := promoteScript.Run(ctx, c.rdb,
		[]string{keyDelayed(queueName), keyWaiting(queueName)},
		time.Now().UnixMilli(), jobPrefix(queueName), limit).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: promote delayed: %v", ErrUnavailable, err)
	}
	return n, nil
}

// reapExpired returns jobs with lapsed reservations to waiting.
func (c *Client) reapExpired(ctx context.Context, queueName string, limit int) (int64, error) {
	n, err := reapScript.Run(ctx, c.rdb,
		[]string{keyActive(queueName), keyWaiting(queueName)},
		time.Now().UnixMilli(), jobPrefix(queueName), limit).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: reap expired: %v", ErrUnavailable, err)
	}
	return n, nil
}
