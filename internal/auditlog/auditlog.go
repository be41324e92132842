// Package auditlog provides the append-only audit pipeline. Entries are
// buffered in memory and flushed to the database in batches, so request
// handlers never block on an audit write.
package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/storage"
	"github.com/bugspotter/bugspotter/internal/telemetry"
)

const (
	// flushBatchSize triggers an immediate flush.
	flushBatchSize = 100
	// flushInterval bounds how stale a buffered entry can get.
	flushInterval = time.Second
	// maxBufferCapacity is the overflow bound. Beyond it the oldest entries
	// are dropped and counted; audit must never OOM the process.
	maxBufferCapacity = 10_000
)

// Pipeline accumulates audit entries and flushes them in batches.
type Pipeline struct {
	db     *storage.DB
	logger *slog.Logger

	mu      sync.Mutex
	entries []model.AuditLog

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewPipeline creates a stopped pipeline. Call Start, and Drain on shutdown.
func NewPipeline(db *storage.DB, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		db:      db,
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL gauges.
func (p *Pipeline) Start(ctx context.Context) {
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.flushLoop(loopCtx)
}

// Record appends one entry. Never blocks and never fails: on overflow the
// oldest entries are dropped and the drop counter moves.
func (p *Pipeline) Record(entry model.AuditLog) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	p.entries = append(p.entries, entry)
	if over := len(p.entries) - maxBufferCapacity; over > 0 {
		p.entries = p.entries[over:]
		p.dropped.Add(int64(over))
		p.logger.Error("audit buffer overflow, oldest entries dropped", "dropped", over)
	}
	shouldFlush := len(p.entries) >= flushBatchSize
	p.mu.Unlock()

	if shouldFlush {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with the drain deadline; ctx is already done.
			if p.drainCtx != nil {
				p.flush(p.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				p.flush(fallbackCtx)
				cancel()
			}
			close(p.done)
			return
		case <-ticker.C:
			p.flush(ctx)
		case <-p.flushCh:
			p.flush(ctx)
		}
	}
}

func (p *Pipeline) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.entries) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.entries
	p.entries = nil
	p.mu.Unlock()

	start := time.Now()
	err := p.db.InsertAuditBatch(ctx, batch)
	if err != nil {
		p.logger.Error("audit flush failed", "error", err, "batch_size", len(batch))
		// Requeue for retry under the capacity bound; newer entries win.
		p.mu.Lock()
		if len(p.entries)+len(batch) <= maxBufferCapacity {
			p.entries = append(batch, p.entries...)
		} else {
			p.dropped.Add(int64(len(batch)))
			p.logger.Error("audit entries dropped after flush failure", "dropped", len(batch))
		}
		p.mu.Unlock()
		return
	}

	p.logger.Debug("audit batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (p *Pipeline) Drain(ctx context.Context) {
	p.drainCtx = ctx
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("audit drain timed out waiting for flush loop")
	}
}

// Len returns the current number of buffered entries.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Dropped returns the total entries lost to overflow or flush failure.
// Non-zero means audit data loss.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Pipeline) registerMetrics() {
	meter := telemetry.Meter("bugspotter/auditlog")

	_, _ = meter.Int64ObservableGauge("bugspotter.audit.buffer_depth",
		metric.WithDescription("Current number of audit entries awaiting flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("bugspotter.audit.dropped_total",
		metric.WithDescription("Total audit entries dropped due to buffer overflow"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Dropped())
			return nil
		}),
	)
}
