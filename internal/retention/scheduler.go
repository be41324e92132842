package retention

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// advisoryLockKey serializes scheduled runs across replicas. Only the
// replica holding the Postgres advisory lock sweeps; the rest skip.
const advisoryLockKey int64 = 0x6275677370740001

// Scheduler fires retention applies on a cron spec, default 02:00
// instance-local.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	logger *slog.Logger
	spec   string
}

// NewScheduler builds a stopped scheduler. spec is a standard 5-field cron
// expression evaluated in instance-local time.
func NewScheduler(engine *Engine, spec string, logger *slog.Logger) *Scheduler {
	if spec == "" {
		spec = "0 2 * * *"
	}
	return &Scheduler{
		engine: engine,
		cron:   cron.New(),
		logger: logger,
		spec:   spec,
	}
}

// Start registers the sweep job and starts the cron loop. ctx bounds each
// individual run, not the loop; call Stop to halt scheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() { s.runOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retention scheduler started", "spec", s.spec)
	return nil
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("retention scheduler stopped")
}

// runOnce executes one scheduled sweep under the advisory lock.
func (s *Scheduler) runOnce(ctx context.Context) {
	release, ok, err := s.engine.db.TryAdvisoryLock(ctx, advisoryLockKey)
	if err != nil {
		s.logger.Error("retention lock acquisition failed", "error", err)
		return
	}
	if !ok {
		s.logger.Info("retention run skipped, another replica holds the lock")
		return
	}
	defer release()

	stats, err := s.engine.Apply(ctx, ApplyOptions{
		Confirm: true,
		Trigger: "scheduled",
	})
	if err != nil {
		s.logger.Error("scheduled retention run failed", "error", err)
		return
	}
	s.logger.Info("scheduled retention run finished",
		"deleted", stats.TotalDeleted,
		"archived", stats.TotalArchived,
		"storage_freed_bytes", stats.StorageFreedBytes,
		"projects", stats.ProjectsProcessed,
		"duration_ms", stats.DurationMS,
		"aborted", stats.Aborted)
}
