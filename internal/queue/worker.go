package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPermanent marks a handler failure that retrying cannot fix; the job
// goes straight to failed. Wrap the cause: fmt.Errorf("%w: ...", ErrPermanent).
var ErrPermanent = errors.New("queue: permanent job failure")

// Handler processes one job. A nil return completes the job; ErrPermanent
// fails it immediately; any other error schedules a retry with backoff.
// Delivery is at-least-once, so handlers must be idempotent on the job id
// or a payload-derived key.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig tunes the runtime.
type WorkerConfig struct {
	Concurrency  int           // Workers per queue. Default 2.
	JobTimeout   time.Duration // Visibility timeout and handler deadline. Default 5m.
	PollInterval time.Duration // Idle poll cadence. Default 500ms.
	ReapInterval time.Duration // Reservation reaper cadence. Default 15s.
}

func (c *WorkerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 15 * time.Second
	}
}

// Workers runs handler goroutines against the registered queues.
type Workers struct {
	client   *Client
	cfg      WorkerConfig
	logger   *slog.Logger
	handlers map[string]Handler

	wg         sync.WaitGroup
	cancelPoll context.CancelFunc
	jobBase    context.Context
	cancelJobs context.CancelFunc
	started    bool
	mu         sync.Mutex
}

// NewWorkers builds an idle runtime. Register handlers, then Start.
func NewWorkers(client *Client, cfg WorkerConfig, logger *slog.Logger) *Workers {
	cfg.applyDefaults()
	return &Workers{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a queue. Must happen before Start.
func (w *Workers) Register(queueName string, h Handler) error {
	if !knownQueue(queueName) {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("queue: register after start")
	}
	w.handlers[queueName] = h
	return nil
}

// Start launches Concurrency workers per registered queue plus one
// maintenance goroutine per queue (delayed promotion + reservation reaping).
func (w *Workers) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	// Polling stops on the caller's context, but in-flight jobs run on a
	// detached context so a shutdown signal drains them instead of killing
	// them. Stop force-cancels the job context after the drain deadline.
	pollCtx, cancelPoll := context.WithCancel(ctx)
	w.cancelPoll = cancelPoll
	w.jobBase, w.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))

	for queueName, handler := range w.handlers {
		for i := 0; i < w.cfg.Concurrency; i++ {
			w.wg.Add(1)
			go w.consume(pollCtx, queueName, handler)
		}
		w.wg.Add(1)
		go w.maintain(pollCtx, queueName)
	}
	w.logger.Info("queue workers started",
		"queues", len(w.handlers), "concurrency", w.cfg.Concurrency)
}

// Stop halts polling and waits up to drainTimeout for in-flight jobs to
// finish and acknowledge. Jobs still running at the deadline are cancelled;
// their reservations are reaped back to waiting once they expire.
func (w *Workers) Stop(drainTimeout time.Duration) {
	w.mu.Lock()
	cancelPoll, cancelJobs := w.cancelPoll, w.cancelJobs
	w.mu.Unlock()
	if cancelPoll == nil {
		return
	}
	cancelPoll()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("queue workers drained")
	case <-time.After(drainTimeout):
		w.logger.Warn("queue worker drain timed out, cancelling in-flight jobs", "timeout", drainTimeout)
		cancelJobs()
		<-done
	}
	cancelJobs()
}

func (w *Workers) consume(ctx context.Context, queueName string, handler Handler) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		if w.client.isPaused(ctx, queueName) {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		job, err := w.client.reserve(ctx, queueName, w.cfg.JobTimeout)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("queue reserve failed", "queue", queueName, "error", err)
			}
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.runJob(queueName, job, handler)
	}
}

// runJob executes the handler on the detached job context so a stop signal
// cannot interrupt it mid-flight; only the per-job timeout and a drain
// deadline overrun cancel it.
func (w *Workers) runJob(queueName string, job *Job, handler Handler) {
	jobCtx, cancel := context.WithTimeout(w.jobBase, w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("queue: handler panic: %v", r)
			}
		}()
		return handler(jobCtx, job)
	}()

	// Acknowledgement must not die with the job context.
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(w.jobBase), 10*time.Second)
	defer ackCancel()

	switch {
	case err == nil:
		if cerr := w.client.complete(ackCtx, queueName, job.ID); cerr != nil {
			w.logger.Error("queue complete failed", "queue", queueName, "job", job.ID, "error", cerr)
		}
		w.logger.Debug("job completed",
			"queue", queueName, "job", job.ID, "duration", time.Since(start))
	case errors.Is(err, ErrPermanent):
		if ferr := w.client.fail(ackCtx, queueName, job.ID, err); ferr != nil {
			w.logger.Error("queue fail failed", "queue", queueName, "job", job.ID, "error", ferr)
		}
		w.logger.Warn("job failed permanently",
			"queue", queueName, "job", job.ID, "error", err)
	default:
		state, rerr := w.client.retryOrFail(ackCtx, queueName, job.ID, job.AttemptsMade, err)
		if rerr != nil {
			w.logger.Error("queue retry failed", "queue", queueName, "job", job.ID, "error", rerr)
			return
		}
		w.logger.Warn("job attempt failed",
			"queue", queueName, "job", job.ID,
			"attempt", job.AttemptsMade+1, "max_attempts", job.MaxAttempts,
			"next_state", state, "error", err)
	}
}

// maintain promotes due delayed jobs and reaps expired reservations.
func (w *Workers) maintain(ctx context.Context, queueName string) {
	defer w.wg.Done()

	promote := time.NewTicker(time.Second)
	defer promote.Stop()
	reap := time.NewTicker(w.cfg.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := w.client.promoteDelayed(ctx, queueName, 100); err != nil && ctx.Err() == nil {
				w.logger.Error("delayed promotion failed", "queue", queueName, "error", err)
			}
		case <-reap.C:
			n, err := w.client.reapExpired(ctx, queueName, 100)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("reservation reap failed", "queue", queueName, "error", err)
			}
			if n > 0 {
				w.logger.Warn("reclaimed expired reservations", "queue", queueName, "count", n)
			}
		}
	}
}

func (w *Workers) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// DecodePayload unmarshals a job payload into dst.
func DecodePayload(job *Job, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrPermanent, err)
	}
	return nil
}
