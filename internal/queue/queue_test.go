package queue

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, slog.New(slog.DiscardHandler))
}

func TestAddJobUnknownQueue(t *testing.T) {
	c := newTestClient(t)

	_, err := c.AddJob(context.Background(), "bogus", map[string]string{"a": "b"}, AddOptions{})
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestAddAndGetJob(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.AddJob(ctx, QueueScreenshots, map[string]string{"bug_id": "abc"}, AddOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := c.GetJob(ctx, QueueScreenshots, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, QueueScreenshots, job.Queue)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.Equal(t, defaultMaxAttempts, job.MaxAttempts)
	assert.JSONEq(t, `{"bug_id":"abc"}`, string(job.Payload))

	state, err := c.JobStatus(ctx, QueueScreenshots, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
}

func TestGetJobMissing(t *testing.T) {
	c := newTestClient(t)

	job, err := c.GetJob(context.Background(), QueueReplays, "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDelayedJobPromotion(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.AddJob(ctx, QueueReplays, "payload", AddOptions{Delay: 10 * time.Millisecond})
	require.NoError(t, err)

	state, err := c.JobStatus(ctx, QueueReplays, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	// Not due yet.
	n, err := c.promoteDelayed(ctx, QueueReplays, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(20 * time.Millisecond)

	n, err = c.promoteDelayed(ctx, QueueReplays, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	state, err = c.JobStatus(ctx, QueueReplays, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
}

func TestReserveCompleteFlow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.AddJob(ctx, QueueScreenshots, "payload", AddOptions{})
	require.NoError(t, err)

	job, err := c.reserve(ctx, QueueScreenshots, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, StateActive, job.State)

	m, err := c.QueueMetrics(ctx, QueueScreenshots)
	require.NoError(t, err)
	assert.EqualValues(t, 0, m.Waiting)
	assert.EqualValues(t, 1, m.Active)

	require.NoError(t, c.complete(ctx, QueueScreenshots, id))

	m, err = c.QueueMetrics(ctx, QueueScreenshots)
	require.NoError(t, err)
	assert.EqualValues(t, 0, m.Active)
	assert.EqualValues(t, 1, m.Completed)

	state, err := c.JobStatus(ctx, QueueScreenshots, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
}

func TestReserveEmptyQueue(t *testing.T) {
	c := newTestClient(t)

	job, err := c.reserve(context.Background(), QueueNotifications, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryMovesToDelayed(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.AddJob(ctx, QueueIntegrations, "payload", AddOptions{MaxAttempts: 3})
	require.NoError(t, err)

	job, err := c.reserve(ctx, QueueIntegrations, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	state, err := c.retryOrFail(ctx, QueueIntegrations, id, job.AttemptsMade, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	job, err = c.GetJob(ctx, QueueIntegrations, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "boom", job.LastError)
}

func TestRetryExhaustionFails(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.AddJob(ctx, QueueIntegrations, "payload", AddOptions{MaxAttempts: 1})
	require.NoError(t, err)

	_, err = c.reserve(ctx, QueueIntegrations, time.Minute)
	require.NoError(t, err)

	state, err := c.retryOrFail(ctx, QueueIntegrations, id, 0, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	m, err := c.QueueMetrics(ctx, QueueIntegrations)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Failed)
}

func TestPermanentFailSkipsRetries(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.AddJob(ctx, QueueScreenshots, "payload", AddOptions{MaxAttempts: 5})
	require.NoError(t, err)
	_, err = c.reserve(ctx, QueueScreenshots, time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.fail(ctx, QueueScreenshots, id, errors.New("bad image")))

	state, err := c.JobStatus(ctx, QueueScreenshots, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestReapExpiredReservation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.AddJob(ctx, QueueReplays, "payload", AddOptions{})
	require.NoError(t, err)

	// Reservation that is already expired.
	_, err = c.reserve(ctx, QueueReplays, -time.Second)
	require.NoError(t, err)

	n, err := c.reapExpired(ctx, QueueReplays, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	job, err := c.GetJob(ctx, QueueReplays, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	// Reaping is not a handler failure.
	assert.Equal(t, 0, job.AttemptsMade)
}

func TestPauseBlocksReserveViaWorker(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Pause(ctx, QueueScreenshots))
	assert.True(t, c.isPaused(ctx, QueueScreenshots))

	require.NoError(t, c.Resume(ctx, QueueScreenshots))
	assert.False(t, c.isPaused(ctx, QueueScreenshots))

	require.ErrorIs(t, c.Pause(ctx, "bogus"), ErrUnknownQueue)
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoff(attempt)
		assert.LessOrEqual(t, d, backoffCap, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, backoffBase, "attempt %d", attempt)
	}
	// First retry is near the base.
	assert.Less(t, backoff(1), 2*time.Second)
}

func TestWorkersProcessJob(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	processed := make(chan string, 1)
	w := NewWorkers(c, WorkerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, w.Register(QueueNotifications, func(ctx context.Context, job *Job) error {
		var payload string
		if err := DecodePayload(job, &payload); err != nil {
			return err
		}
		processed <- payload
		return nil
	}))

	w.Start(ctx)
	defer w.Stop(time.Second)

	id, err := c.AddJob(ctx, QueueNotifications, "hello", AddOptions{})
	require.NoError(t, err)

	select {
	case got := <-processed:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}

	// Completion is acknowledged shortly after the handler returns.
	require.Eventually(t, func() bool {
		state, err := c.JobStatus(ctx, QueueNotifications, id)
		return err == nil && state == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkersRegisterUnknownQueue(t *testing.T) {
	c := newTestClient(t)
	w := NewWorkers(c, WorkerConfig{}, slog.New(slog.DiscardHandler))
	require.ErrorIs(t, w.Register("bogus", func(context.Context, *Job) error { return nil }), ErrUnknownQueue)
}

func TestStopDrainsInFlightJob(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	started := make(chan struct{})
	finished := make(chan error, 1)
	w := NewWorkers(c, WorkerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, w.Register(QueueNotifications, func(ctx context.Context, job *Job) error {
		close(started)
		select {
		case <-ctx.Done():
			finished <- ctx.Err()
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
			finished <- nil
			return nil
		}
	}))

	w.Start(ctx)
	id, err := c.AddJob(ctx, QueueNotifications, "payload", AddOptions{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	// Stop while the handler is mid-flight: the drain window must let it
	// run to completion rather than cancelling it.
	w.Stop(2 * time.Second)

	select {
	case herr := <-finished:
		require.NoError(t, herr, "handler saw cancellation during drain")
	default:
		t.Fatal("handler still running after Stop returned")
	}

	state, err := c.JobStatus(ctx, QueueNotifications, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
}

func TestStopCancelsJobsPastDrainDeadline(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	started := make(chan struct{})
	w := NewWorkers(c, WorkerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, w.Register(QueueNotifications, func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	w.Start(ctx)
	id, err := c.AddJob(ctx, QueueNotifications, "payload", AddOptions{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	// The handler never finishes on its own; after the drain deadline the
	// job context is cancelled and the attempt is recorded as a retry.
	w.Stop(50 * time.Millisecond)

	state, err := c.JobStatus(ctx, QueueNotifications, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	job, err := c.GetJob(ctx, QueueNotifications, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)
}
