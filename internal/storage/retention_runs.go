package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExpiredReport is one report selected for a retention batch, carrying the
// storage keys the engine must remove alongside the row.
type ExpiredReport struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	ScreenshotKey *string
	ThumbnailKey  *string
	ReplayKey     *string
	CreatedAt     time.Time
}

// RetentionRun is the persisted record of one retention sweep over a project.
type RetentionRun struct {
	ID            uuid.UUID      `json:"id"`
	ProjectID     *uuid.UUID     `json:"project_id,omitempty"` // Nil for instance-wide sweeps.
	Trigger       string         `json:"trigger"`              // scheduled, manual
	InitiatedBy   *uuid.UUID     `json:"initiated_by,omitempty"`
	DeletedCounts map[string]any `json:"deleted_counts"`
	Certificate   map[string]any `json:"certificate,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Error         *string        `json:"error,omitempty"`
}

// SelectExpiredReports locks and returns up to batchSize reports past the
// cutoff for a project. FOR UPDATE SKIP LOCKED lets concurrent sweeps (or a
// restarted leader) partition the work without blocking on each other.
// Legal holds and soft-deleted rows awaiting restore are never selected.
func (db *DB) SelectExpiredReports(ctx context.Context, projectID uuid.UUID, cutoff time.Time, batchSize int) ([]ExpiredReport, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	rows, err := db.q.Query(opCtx,
		`SELECT id, project_id, screenshot_key, thumbnail_key, replay_key, created_at
		 FROM bug_reports
		 WHERE project_id = $1
		   AND created_at < $2
		   AND NOT legal_hold
		   AND deleted_at IS NULL
		 ORDER BY created_at
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		projectID, cutoff, batchSize)
	if err != nil {
		return nil, fmt.Errorf("storage: select expired reports: %w", classify(err))
	}
	defer rows.Close()

	var out []ExpiredReport
	for rows.Next() {
		var r ExpiredReport
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.ScreenshotKey, &r.ThumbnailKey, &r.ReplayKey, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan expired report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: select expired reports: %w", classify(err))
	}
	return out, nil
}

// ListExpiredReports is the read-only variant of SelectExpiredReports for
// previews. No locks are taken.
func (db *DB) ListExpiredReports(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) ([]ExpiredReport, error) {
	if limit <= 0 {
		limit = 1000
	}

	var out []ExpiredReport
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		rows, err := db.q.Query(opCtx,
			`SELECT id, project_id, screenshot_key, thumbnail_key, replay_key, created_at
			 FROM bug_reports
			 WHERE project_id = $1
			   AND created_at < $2
			   AND NOT legal_hold
			   AND deleted_at IS NULL
			 ORDER BY created_at
			 LIMIT $3`,
			projectID, cutoff, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var r ExpiredReport
			if err := rows.Scan(&r.ID, &r.ProjectID, &r.ScreenshotKey, &r.ThumbnailKey, &r.ReplayKey, &r.CreatedAt); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list expired reports: %w", classify(err))
	}
	return out, nil
}

// CountExpiredReports returns how many reports a sweep with the given cutoff
// would touch, without locking anything. Backs the preview endpoint.
func (db *DB) CountExpiredReports(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error) {
	var n int64
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return db.q.QueryRow(opCtx,
			`SELECT COUNT(*) FROM bug_reports
			 WHERE project_id = $1 AND created_at < $2 AND NOT legal_hold AND deleted_at IS NULL`,
			projectID, cutoff).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("storage: count expired reports: %w", classify(err))
	}
	return n, nil
}

// ArchiveReports moves the given reports into archived_bug_reports and
// deletes the originals, in one statement so a crash cannot leave a row in
// both tables. Sessions and tickets cascade with the originals.
func (db *DB) ArchiveReports(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`WITH moved AS (
		     DELETE FROM bug_reports
		     WHERE id = ANY($1) AND NOT legal_hold
		     RETURNING id, project_id, title, description, status, priority,
		               screenshot_key, thumbnail_key, replay_key, metadata,
		               retention_class, created_at, updated_at
		 )
		 INSERT INTO archived_bug_reports
		     (id, project_id, title, description, status, priority,
		      screenshot_key, thumbnail_key, replay_key, metadata,
		      retention_class, created_at, updated_at, archived_at)
		 SELECT id, project_id, title, description, status, priority,
		        screenshot_key, thumbnail_key, replay_key, metadata,
		        retention_class, created_at, updated_at, now()
		 FROM moved`,
		ids)
	if err != nil {
		return 0, fmt.Errorf("storage: archive reports: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// HardDeleteReports removes report rows outright. Used when the policy skips
// archival. Rows under legal hold survive even an explicit id list.
func (db *DB) HardDeleteReports(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`DELETE FROM bug_reports WHERE id = ANY($1) AND NOT legal_hold`, ids)
	if err != nil {
		return 0, fmt.Errorf("storage: hard delete reports: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredArchives removes archived rows past the archive retention
// window and returns their storage keys for object cleanup.
func (db *DB) DeleteExpiredArchives(ctx context.Context, projectID uuid.UUID, cutoff time.Time, batchSize int) ([]ExpiredReport, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	rows, err := db.q.Query(opCtx,
		`DELETE FROM archived_bug_reports
		 WHERE id IN (
		     SELECT id FROM archived_bug_reports
		     WHERE project_id = $1 AND archived_at < $2
		     ORDER BY archived_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, project_id, screenshot_key, thumbnail_key, replay_key, created_at`,
		projectID, cutoff, batchSize)
	if err != nil {
		return nil, fmt.Errorf("storage: delete expired archives: %w", classify(err))
	}
	defer rows.Close()

	var out []ExpiredReport
	for rows.Next() {
		var r ExpiredReport
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.ScreenshotKey, &r.ThumbnailKey, &r.ReplayKey, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan expired archive: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: delete expired archives: %w", classify(err))
	}
	return out, nil
}

// StartRetentionRun inserts a run record and returns its id. The engine
// completes it with counts (and a certificate where the region requires one).
func (db *DB) StartRetentionRun(ctx context.Context, projectID *uuid.UUID, trigger string, initiatedBy *uuid.UUID) (uuid.UUID, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	var id uuid.UUID
	err := db.q.QueryRow(opCtx,
		`INSERT INTO retention_runs (project_id, trigger, initiated_by, deleted_counts)
		 VALUES ($1, $2, $3, '{}')
		 RETURNING id`,
		projectID, trigger, initiatedBy).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: start retention run: %w", classify(err))
	}
	return id, nil
}

// CompleteRetentionRun records the final counts, optional certificate, and
// optional terminal error on a run.
func (db *DB) CompleteRetentionRun(ctx context.Context, id uuid.UUID, counts, certificate map[string]any, runErr *string) error {
	countsJSON, err := marshalJSONMap(counts)
	if err != nil {
		return fmt.Errorf("storage: marshal run counts: %w", err)
	}
	certJSON, err := marshalJSONMap(certificate)
	if err != nil {
		return fmt.Errorf("storage: marshal run certificate: %w", err)
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err = db.q.Exec(opCtx,
		`UPDATE retention_runs
		 SET deleted_counts = COALESCE($2::jsonb, '{}'), certificate = $3::jsonb,
		     error = $4, completed_at = now()
		 WHERE id = $1`,
		id, countsJSON, certJSON, runErr)
	if err != nil {
		return fmt.Errorf("storage: complete retention run: %w", classify(err))
	}
	return nil
}

// LastRetentionRun returns the newest completed run for a project, or
// ErrNotFound when none has run yet.
func (db *DB) LastRetentionRun(ctx context.Context, projectID uuid.UUID) (RetentionRun, error) {
	var r RetentionRun
	var counts, cert []byte
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return db.q.QueryRow(opCtx,
			`SELECT id, project_id, trigger, initiated_by, deleted_counts, certificate,
			        started_at, completed_at, error
			 FROM retention_runs
			 WHERE project_id = $1 AND completed_at IS NOT NULL
			 ORDER BY started_at DESC
			 LIMIT 1`,
			projectID,
		).Scan(&r.ID, &r.ProjectID, &r.Trigger, &r.InitiatedBy, &counts, &cert,
			&r.StartedAt, &r.CompletedAt, &r.Error)
	})
	if err != nil {
		return RetentionRun{}, fmt.Errorf("storage: last retention run: %w", classify(err))
	}
	if err := unmarshalJSONMap(counts, &r.DeletedCounts); err != nil {
		return RetentionRun{}, fmt.Errorf("storage: decode run counts: %w", err)
	}
	if err := unmarshalJSONMap(cert, &r.Certificate); err != nil {
		return RetentionRun{}, fmt.Errorf("storage: decode run certificate: %w", err)
	}
	return r, nil
}

// VerifyReportsDeleted reports whether any of the given ids still exist in
// either the live or archived tables. True-deletion regions require this
// check after a purge batch.
func (db *DB) VerifyReportsDeleted(ctx context.Context, ids []uuid.UUID) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}

	var remaining bool
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return db.q.QueryRow(opCtx,
			`SELECT EXISTS (SELECT 1 FROM bug_reports WHERE id = ANY($1))
			     OR EXISTS (SELECT 1 FROM archived_bug_reports WHERE id = ANY($1))`,
			ids).Scan(&remaining)
	})
	if err != nil {
		return false, fmt.Errorf("storage: verify reports deleted: %w", classify(err))
	}
	return !remaining, nil
}

// ListProjectIDs returns every project id. The sweep iterates projects even
// when they lack a policy row, applying instance defaults.
func (db *DB) ListProjectIDs(ctx context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		rows, err := db.q.Query(opCtx, `SELECT id FROM projects ORDER BY created_at`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list project ids: %w", classify(err))
	}
	return out, nil
}
