package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// AuditSink receives audit entries from the engine. Satisfied by the
// auditlog pipeline; tests substitute a recorder.
type AuditSink interface {
	Record(entry model.AuditLog)
}

const (
	defaultBatchSize = 100
	maxBatchSize     = 1000
)

// ApplyOptions tunes one retention apply.
type ApplyOptions struct {
	// ProjectID restricts the run to one project; nil sweeps all.
	ProjectID *uuid.UUID
	// DryRun counts without deleting.
	DryRun bool
	// Confirm must be true for a non-dry run.
	Confirm bool
	// BatchSize per deletion batch, default 100, max 1000.
	BatchSize int
	// MaxErrorRate is the percentage of failed rows that aborts the run.
	// Zero means the default of 10.
	MaxErrorRate float64
	// Trigger is recorded on the run row: "scheduled" or "manual".
	Trigger string
	// InitiatedBy is the acting admin for manual runs.
	InitiatedBy *uuid.UUID
	// AdminOverride lifts tier ceilings during policy resolution.
	AdminOverride bool
}

// ApplyStats summarizes a run.
type ApplyStats struct {
	TotalDeleted      int64    `json:"total_deleted"`
	TotalArchived     int64    `json:"total_archived"`
	StorageFreedBytes int64    `json:"storage_freed_bytes"`
	ProjectsProcessed int      `json:"projects_processed"`
	DurationMS        int64    `json:"duration_ms"`
	Errors            []string `json:"errors,omitempty"`
	Aborted           bool     `json:"aborted"`
}

// PreviewResult is the read-only view of what a run would remove.
type PreviewResult struct {
	TotalReports      int64       `json:"total_reports"`
	AffectedProjects  []uuid.UUID `json:"affected_projects"`
	TotalStorageBytes int64       `json:"total_storage_bytes"`
}

// Engine applies retention policy across projects.
type Engine struct {
	db     *storage.DB
	store  objstore.Store
	audit  AuditSink
	logger *slog.Logger
}

// NewEngine wires the engine to its dependencies.
func NewEngine(db *storage.DB, store objstore.Store, audit AuditSink, logger *slog.Logger) *Engine {
	return &Engine{db: db, store: store, audit: audit, logger: logger}
}

// effectivePolicy resolves the policy in force for a project: its override
// row if present, otherwise instance defaults.
func (e *Engine) effectivePolicy(ctx context.Context, projectID uuid.UUID) (model.RetentionPolicy, error) {
	p, err := e.db.GetRetentionPolicy(ctx, projectID)
	if err == nil {
		p.ProjectID = projectID
		return p, nil
	}
	if !storage.IsNotFound(err) {
		return model.RetentionPolicy{}, err
	}

	settings, err := e.db.GetInstanceSettings(ctx)
	if err != nil {
		return model.RetentionPolicy{}, err
	}
	p = DefaultPolicyFromSettings(settings)
	p.ProjectID = projectID
	return p, nil
}

// Preview reports what an apply would remove, without locks or mutation.
func (e *Engine) Preview(ctx context.Context, projectID *uuid.UUID) (PreviewResult, error) {
	projects, err := e.targetProjects(ctx, projectID)
	if err != nil {
		return PreviewResult{}, err
	}

	var res PreviewResult
	for _, pid := range projects {
		policy, err := e.effectivePolicy(ctx, pid)
		if err != nil {
			return PreviewResult{}, err
		}
		cutoff := e.cutoff(policy, false)

		count, err := e.db.CountExpiredReports(ctx, pid, cutoff)
		if err != nil {
			return PreviewResult{}, err
		}
		if count == 0 {
			continue
		}
		res.TotalReports += count
		res.AffectedProjects = append(res.AffectedProjects, pid)

		expired, err := e.db.ListExpiredReports(ctx, pid, cutoff, maxBatchSize)
		if err != nil {
			return PreviewResult{}, err
		}
		for _, r := range expired {
			res.TotalStorageBytes += e.storageBytes(ctx, r)
		}
	}
	return res, nil
}

// Apply runs retention over the targeted projects. A non-dry run requires
// Confirm; partial stats are returned when the error rate aborts the run.
func (e *Engine) Apply(ctx context.Context, opts ApplyOptions) (ApplyStats, error) {
	if !opts.DryRun && !opts.Confirm {
		return ApplyStats{}, ErrConfirmationRequired
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchSize > maxBatchSize {
		opts.BatchSize = maxBatchSize
	}
	if opts.MaxErrorRate <= 0 {
		opts.MaxErrorRate = 10
	}
	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}

	start := time.Now()
	var stats ApplyStats

	projects, err := e.targetProjects(ctx, opts.ProjectID)
	if err != nil {
		return stats, err
	}

	var runID uuid.UUID
	if !opts.DryRun {
		runID, err = e.db.StartRetentionRun(ctx, opts.ProjectID, opts.Trigger, opts.InitiatedBy)
		if err != nil {
			return stats, err
		}
	}

	var processed, failed int64
	for _, pid := range projects {
		if err := ctx.Err(); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			stats.Aborted = true
			break
		}

		policy, err := e.effectivePolicy(ctx, pid)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("project %s: %v", pid, err))
			failed++
			continue
		}

		pstats, perr := e.applyProject(ctx, pid, policy, opts)
		stats.TotalDeleted += pstats.TotalDeleted
		stats.TotalArchived += pstats.TotalArchived
		stats.StorageFreedBytes += pstats.StorageFreedBytes
		stats.Errors = append(stats.Errors, pstats.Errors...)
		stats.ProjectsProcessed++
		processed += pstats.TotalDeleted + pstats.TotalArchived
		failed += int64(len(pstats.Errors))
		if perr != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("project %s: %v", pid, perr))
			failed++
		}

		if e.errorRateExceeded(processed, failed, opts.MaxErrorRate) {
			stats.Aborted = true
			e.logger.Error("retention apply aborted on error rate",
				"processed", processed, "failed", failed, "max_error_rate", opts.MaxErrorRate)
			break
		}
	}

	stats.DurationMS = time.Since(start).Milliseconds()

	if !opts.DryRun {
		counts := map[string]any{
			"total_deleted":       stats.TotalDeleted,
			"total_archived":      stats.TotalArchived,
			"storage_freed_bytes": stats.StorageFreedBytes,
			"projects_processed":  stats.ProjectsProcessed,
		}
		var runErr *string
		if stats.Aborted {
			msg := "aborted: error rate exceeded"
			runErr = &msg
		}
		if err := e.db.CompleteRetentionRun(ctx, runID, counts, nil, runErr); err != nil {
			e.logger.Error("failed to complete retention run record", "run_id", runID, "error", err)
		}

		e.audit.Record(model.AuditLog{
			Timestamp: time.Now().UTC(),
			UserID:    opts.InitiatedBy,
			Action:    "retention.apply",
			Resource:  "retention",
			Success:   !stats.Aborted,
			Details: map[string]any{
				"total_deleted":       stats.TotalDeleted,
				"total_archived":      stats.TotalArchived,
				"storage_freed_bytes": stats.StorageFreedBytes,
				"projects_processed":  stats.ProjectsProcessed,
				"duration_ms":         stats.DurationMS,
				"errors":              stats.Errors,
				"trigger":             opts.Trigger,
			},
		})
	}
	return stats, nil
}

// applyProject sweeps one project: expired live reports in batches, then
// expired archives.
func (e *Engine) applyProject(ctx context.Context, pid uuid.UUID, policy model.RetentionPolicy, opts ApplyOptions) (ApplyStats, error) {
	var stats ApplyStats
	cutoff := e.cutoff(policy, opts.AdminOverride)

	if opts.DryRun {
		count, err := e.db.CountExpiredReports(ctx, pid, cutoff)
		if err != nil {
			return stats, err
		}
		stats.TotalDeleted = count
		return stats, nil
	}

	for {
		// FOR UPDATE SKIP LOCKED only excludes a concurrent sweep while the
		// locking transaction is open, so each batch selects and removes its
		// rows inside a single transaction. A manual apply and the scheduled
		// sweep then claim disjoint rows instead of double-deleting.
		var (
			bstats ApplyStats
			picked int
		)
		txErr := e.db.WithTx(ctx, func(tx *storage.DB) error {
			batch, err := tx.SelectExpiredReports(ctx, pid, cutoff, opts.BatchSize)
			if err != nil {
				return err
			}
			picked = len(batch)
			if picked == 0 {
				return nil
			}
			bstats, err = e.processBatch(ctx, tx, pid, policy, batch, opts)
			return err
		})
		stats.TotalDeleted += bstats.TotalDeleted
		stats.TotalArchived += bstats.TotalArchived
		stats.StorageFreedBytes += bstats.StorageFreedBytes
		stats.Errors = append(stats.Errors, bstats.Errors...)
		if txErr != nil {
			return stats, txErr
		}
		if picked < opts.BatchSize {
			break
		}
	}

	// Expired archives age out on their own clock.
	archiveCutoff := time.Now().AddDate(0, 0, -EffectiveDays(
		policy.ArchivedRetentionDays, policy.ComplianceRegion, policy.DataClassification,
		policy.Tier, opts.AdminOverride))
	for {
		purged, err := e.db.DeleteExpiredArchives(ctx, pid, archiveCutoff, opts.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(purged) == 0 {
			break
		}
		for _, r := range purged {
			stats.StorageFreedBytes += e.deleteArtifacts(ctx, r, &stats)
			stats.TotalDeleted++
		}
		if len(purged) < opts.BatchSize {
			break
		}
	}
	return stats, nil
}

// processBatch removes one batch of expired reports, archiving or deleting
// per policy, and emits the per-batch audit entry. tx is the transaction that
// holds the batch's row locks; all row mutations go through it.
func (e *Engine) processBatch(ctx context.Context, tx *storage.DB, pid uuid.UUID, policy model.RetentionPolicy, batch []storage.ExpiredReport, opts ApplyOptions) (ApplyStats, error) {
	var stats ApplyStats
	ids := make([]uuid.UUID, 0, len(batch))

	trueDeletion := policy.ComplianceRegion.RequiresTrueDeletion()

	for _, r := range batch {
		// Archival keeps the binaries; deletion and true-deletion regions
		// remove them before the row goes.
		if !policy.ArchiveBeforeDelete || trueDeletion {
			stats.StorageFreedBytes += e.deleteArtifacts(ctx, r, &stats)
			if trueDeletion {
				if err := e.verifyArtifactsGone(ctx, r); err != nil {
					stats.Errors = append(stats.Errors, err.Error())
					continue
				}
			}
		}
		ids = append(ids, r.ID)
	}

	if policy.ArchiveBeforeDelete {
		n, err := tx.ArchiveReports(ctx, ids)
		if err != nil {
			return stats, err
		}
		stats.TotalArchived = n
	} else {
		n, err := tx.HardDeleteReports(ctx, ids)
		if err != nil {
			return stats, err
		}
		stats.TotalDeleted = n
		if trueDeletion {
			gone, err := tx.VerifyReportsDeleted(ctx, ids)
			if err != nil {
				return stats, err
			}
			if !gone {
				stats.Errors = append(stats.Errors, fmt.Sprintf("project %s: rows survived true deletion", pid))
			}
		}
	}

	entry := model.AuditLog{
		Timestamp: time.Now().UTC(),
		UserID:    opts.InitiatedBy,
		Action:    "retention.batch",
		Resource:  "project",
		Success:   len(stats.Errors) == 0,
		Details: map[string]any{
			"project_id":          pid.String(),
			"batch_size":          len(batch),
			"deleted":             stats.TotalDeleted,
			"archived":            stats.TotalArchived,
			"storage_freed_bytes": stats.StorageFreedBytes,
			"region":              string(policy.ComplianceRegion),
		},
	}
	resourceID := pid.String()
	entry.ResourceID = &resourceID
	if policy.ComplianceRegion.RequiresDeletionCertificate() {
		entry.Details["deletion_certificate"] = map[string]any{
			"region":    string(policy.ComplianceRegion),
			"row_count": len(ids),
			"issued_at": time.Now().UTC().Format(time.RFC3339),
		}
	}
	e.audit.Record(entry)
	return stats, nil
}

// deleteArtifacts removes a report's objects, returning bytes freed.
// Failures are recorded on stats and retried by the next sweep; the report
// row stays until its binaries are gone only in true-deletion regions.
func (e *Engine) deleteArtifacts(ctx context.Context, r storage.ExpiredReport, stats *ApplyStats) int64 {
	var freed int64
	for _, key := range e.artifactKeys(r) {
		if info, err := e.store.HeadObject(ctx, key); err == nil && info != nil {
			freed += info.Size
		}
		if err := e.store.DeleteObject(ctx, key); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("delete %s: %v", key, err))
		}
	}
	if r.ReplayKey != nil && *r.ReplayKey != "" {
		if _, err := e.store.DeleteFolder(ctx, *r.ReplayKey+"/"); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("delete folder %s: %v", *r.ReplayKey, err))
		}
	}
	return freed
}

// verifyArtifactsGone confirms every object is absent, via HeadObject.
func (e *Engine) verifyArtifactsGone(ctx context.Context, r storage.ExpiredReport) error {
	for _, key := range e.artifactKeys(r) {
		info, err := e.store.HeadObject(ctx, key)
		if err != nil {
			return fmt.Errorf("retention: verify %s: %w", key, err)
		}
		if info != nil {
			return fmt.Errorf("retention: object %s survived true deletion", key)
		}
	}
	return nil
}

func (e *Engine) artifactKeys(r storage.ExpiredReport) []string {
	var keys []string
	if r.ScreenshotKey != nil && *r.ScreenshotKey != "" {
		keys = append(keys, *r.ScreenshotKey)
	}
	if r.ThumbnailKey != nil && *r.ThumbnailKey != "" {
		keys = append(keys, *r.ThumbnailKey)
	}
	return keys
}

func (e *Engine) storageBytes(ctx context.Context, r storage.ExpiredReport) int64 {
	var total int64
	for _, key := range e.artifactKeys(r) {
		if info, err := e.store.HeadObject(ctx, key); err == nil && info != nil {
			total += info.Size
		}
	}
	return total
}

func (e *Engine) cutoff(policy model.RetentionPolicy, adminOverride bool) time.Time {
	days := EffectiveDays(policy.BugReportRetentionDays, policy.ComplianceRegion,
		policy.DataClassification, policy.Tier, adminOverride)
	return time.Now().AddDate(0, 0, -days)
}

func (e *Engine) targetProjects(ctx context.Context, projectID *uuid.UUID) ([]uuid.UUID, error) {
	if projectID != nil {
		return []uuid.UUID{*projectID}, nil
	}
	return e.db.ListProjectIDs(ctx)
}

func (e *Engine) errorRateExceeded(processed, failed int64, maxRate float64) bool {
	total := processed + failed
	if total == 0 {
		return false
	}
	return float64(failed)/float64(total)*100 > maxRate
}

// SetLegalHold flips the legal hold flag and audits the change.
func (e *Engine) SetLegalHold(ctx context.Context, ids []uuid.UUID, hold bool, actor *uuid.UUID) (int64, error) {
	n, err := e.db.SetLegalHold(ctx, ids, hold)
	if err != nil {
		return 0, err
	}
	e.audit.Record(model.AuditLog{
		Timestamp: time.Now().UTC(),
		UserID:    actor,
		Action:    "retention.legal_hold",
		Resource:  "bug_report",
		Success:   true,
		Details:   map[string]any{"hold": hold, "report_ids": idStrings(ids), "affected": n},
	})
	return n, nil
}

// Restore clears soft-deletion on reports still in the live table.
func (e *Engine) Restore(ctx context.Context, ids []uuid.UUID, actor *uuid.UUID) (int64, error) {
	n, err := e.db.RestoreReports(ctx, ids)
	if err != nil {
		return 0, err
	}
	e.audit.Record(model.AuditLog{
		Timestamp: time.Now().UTC(),
		UserID:    actor,
		Action:    "retention.restore",
		Resource:  "bug_report",
		Success:   true,
		Details:   map[string]any{"report_ids": idStrings(ids), "restored": n},
	})
	return n, nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
