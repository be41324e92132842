package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
)

const reportColumns = `id, project_id, title, description, status, priority,
	screenshot_key, thumbnail_key, replay_key, metadata, legal_hold,
	retention_class, deleted_at, deleted_by, created_at, updated_at`

// maxBatchRows caps a single multi-row insert.
const maxBatchRows = 1000

// ReportFilter selects bug report rows for list queries. Soft-deleted rows
// are excluded unless IncludeDeleted is set.
type ReportFilter struct {
	ProjectID      *uuid.UUID
	Status         *model.ReportStatus
	Priority       *model.ReportPriority
	IncludeDeleted bool
}

// reportSortKeys is the allowlist of sort columns. Caller-supplied sort keys
// additionally pass ValidateIdentifier before reaching this map.
var reportSortKeys = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"title":      true,
	"status":     true,
	"priority":   true,
}

// CreateReport inserts a bug report with defaults applied by the schema.
func (db *DB) CreateReport(ctx context.Context, r model.BugReport) (model.BugReport, error) {
	metadata, err := marshalMetadata(r.Metadata)
	if err != nil {
		return model.BugReport{}, fmt.Errorf("storage: marshal report metadata: %w", err)
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	err = db.q.QueryRow(opCtx,
		`INSERT INTO bug_reports
		     (project_id, title, description, status, priority, screenshot_key, metadata, retention_class)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		 RETURNING id, legal_hold, created_at, updated_at`,
		r.ProjectID, r.Title, r.Description, r.Status, r.Priority, r.ScreenshotKey, metadata, r.RetentionClass,
	).Scan(&r.ID, &r.LegalHold, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.BugReport{}, fmt.Errorf("storage: create report: %w", classify(err))
	}
	return r, nil
}

// CreateReportsBatch inserts up to 1000 rows in a single multi-row INSERT.
// Empty input returns an empty slice without touching the database; oversized
// input fails with ErrBatchTooLarge before any SQL runs.
func (db *DB) CreateReportsBatch(ctx context.Context, reports []model.BugReport) ([]model.BugReport, error) {
	if len(reports) == 0 {
		return []model.BugReport{}, nil
	}
	if len(reports) > maxBatchRows {
		return nil, ErrBatchTooLarge
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO bug_reports
		(project_id, title, description, status, priority, screenshot_key, metadata, retention_class)
	 VALUES `)
	args := make([]any, 0, len(reports)*8)
	for i, r := range reports {
		metadata, err := marshalMetadata(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("storage: marshal report metadata [%d]: %w", i, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d::jsonb, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, r.ProjectID, r.Title, r.Description, r.Status, r.Priority,
			r.ScreenshotKey, metadata, r.RetentionClass)
	}
	sb.WriteString(` RETURNING ` + reportColumns)

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	rows, err := db.q.Query(opCtx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: create reports batch: %w", classify(err))
	}
	defer rows.Close()

	out := make([]model.BugReport, 0, len(reports))
	for rows.Next() {
		var r model.BugReport
		if err := scanReport(rows, &r); err != nil {
			return nil, fmt.Errorf("storage: scan batch report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: create reports batch: %w", classify(err))
	}
	return out, nil
}

// CreateReportsBatchAuto splits reports into chunk-sized sub-batches, each
// within the single-statement cap, and inserts them sequentially.
func (db *DB) CreateReportsBatchAuto(ctx context.Context, reports []model.BugReport, chunk int) ([]model.BugReport, error) {
	if chunk < 1 || chunk > maxBatchRows {
		chunk = maxBatchRows
	}
	out := make([]model.BugReport, 0, len(reports))
	for start := 0; start < len(reports); start += chunk {
		end := min(start+chunk, len(reports))
		created, err := db.CreateReportsBatch(ctx, reports[start:end])
		if err != nil {
			return out, err
		}
		out = append(out, created...)
	}
	return out, nil
}

// GetReport returns a bug report by id, or ErrNotFound. Soft-deleted rows
// are returned — callers decide whether deleted_at matters.
func (db *DB) GetReport(ctx context.Context, id uuid.UUID) (model.BugReport, error) {
	var r model.BugReport
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return scanReport(db.q.QueryRow(opCtx,
			`SELECT `+reportColumns+` FROM bug_reports WHERE id = $1`, id), &r)
	})
	if err != nil {
		return model.BugReport{}, fmt.Errorf("storage: get report: %w", classify(err))
	}
	return r, nil
}

// ListReports returns a page of bug reports matching the filter. sortBy must
// pass identifier validation and the column allowlist; sortDesc picks the
// direction. Both checks run before any query text is assembled.
func (db *DB) ListReports(ctx context.Context, f ReportFilter, sortBy string, sortDesc bool, page Page) ([]model.BugReport, int64, error) {
	if sortBy == "" {
		sortBy = "created_at"
		sortDesc = true
	}
	if err := ValidateIdentifier(sortBy); err != nil {
		return nil, 0, err
	}
	if !reportSortKeys[sortBy] {
		return nil, 0, ErrInvalidIdentifier
	}
	direction := "ASC"
	if sortDesc {
		direction = "DESC"
	}

	var where []string
	var args []any
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.ProjectID != nil {
		args = append(args, *f.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Priority != nil {
		args = append(args, *f.Priority)
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var out []model.BugReport
	var total int64
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		if err := db.q.QueryRow(opCtx, `SELECT COUNT(*) FROM bug_reports`+whereSQL, args...).Scan(&total); err != nil {
			return err
		}

		q := fmt.Sprintf(`SELECT `+reportColumns+` FROM bug_reports`+whereSQL+
			` ORDER BY %s %s, id LIMIT $%d OFFSET $%d`,
			sortBy, direction, len(args)+1, len(args)+2)
		rows, err := db.q.Query(opCtx, q, append(args, page.Limit, page.Offset())...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var r model.BugReport
			if err := scanReport(rows, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list reports: %w", classify(err))
	}
	return out, total, nil
}

// UpdateReport applies non-nil fields and returns the updated row.
// created_at is immutable and never touched.
func (db *DB) UpdateReport(ctx context.Context, id uuid.UUID, upd model.UpdateReportRequest) (model.BugReport, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	var r model.BugReport
	row := db.q.QueryRow(opCtx,
		`UPDATE bug_reports
		 SET title = COALESCE($2, title),
		     description = COALESCE($3, description),
		     status = COALESCE($4, status),
		     priority = COALESCE($5, priority),
		     updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING `+reportColumns,
		id, upd.Title, upd.Description, upd.Status, upd.Priority,
	)
	if err := scanReport(row, &r); err != nil {
		return model.BugReport{}, fmt.Errorf("storage: update report: %w", classify(err))
	}
	return r, nil
}

// SetReportScreenshotKey records the uploaded original's storage key. The
// retention sweep deletes only keys present on the row, so ingestion must
// persist this before the report can age out cleanly.
func (db *DB) SetReportScreenshotKey(ctx context.Context, id uuid.UUID, key string) error {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.q.Exec(opCtx,
		`UPDATE bug_reports SET screenshot_key = $2, updated_at = now() WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("storage: set screenshot key: %w", classify(err))
	}
	return nil
}

// SetReportThumbnailKey records the generated thumbnail's storage key.
func (db *DB) SetReportThumbnailKey(ctx context.Context, id uuid.UUID, key string) error {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.q.Exec(opCtx,
		`UPDATE bug_reports SET thumbnail_key = $2, updated_at = now() WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("storage: set thumbnail key: %w", classify(err))
	}
	return nil
}

// SetReportReplayKey records the packaged replay's storage key prefix.
func (db *DB) SetReportReplayKey(ctx context.Context, id uuid.UUID, keyPrefix string) error {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.q.Exec(opCtx,
		`UPDATE bug_reports SET replay_key = $2, updated_at = now() WHERE id = $1`, id, keyPrefix)
	if err != nil {
		return fmt.Errorf("storage: set replay key: %w", classify(err))
	}
	return nil
}

// SoftDeleteReport marks a report deleted. Rows under legal hold refuse.
func (db *DB) SoftDeleteReport(ctx context.Context, id uuid.UUID, deletedBy uuid.UUID) (bool, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`UPDATE bug_reports SET deleted_at = now(), deleted_by = $2, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL AND NOT legal_hold`, id, deletedBy)
	if err != nil {
		return false, fmt.Errorf("storage: soft delete report: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// RestoreReports clears deleted_at on soft-deleted rows still present in
// bug_reports. Returns the number of rows restored; rows already moved to
// archived_bug_reports are not reachable from here.
func (db *DB) RestoreReports(ctx context.Context, ids []uuid.UUID) (int64, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`UPDATE bug_reports SET deleted_at = NULL, deleted_by = NULL, updated_at = now()
		 WHERE id = ANY($1) AND deleted_at IS NOT NULL`, ids)
	if err != nil {
		return 0, fmt.Errorf("storage: restore reports: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// SetLegalHold flips the legal hold flag on the given reports.
// Returns the number of rows changed.
func (db *DB) SetLegalHold(ctx context.Context, ids []uuid.UUID, hold bool) (int64, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`UPDATE bug_reports SET legal_hold = $2, updated_at = now() WHERE id = ANY($1)`, ids, hold)
	if err != nil {
		return 0, fmt.Errorf("storage: set legal hold: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// DeleteReport hard-deletes a report row; sessions and tickets cascade.
// Legal hold blocks this path too.
func (db *DB) DeleteReport(ctx context.Context, id uuid.UUID) (bool, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`DELETE FROM bug_reports WHERE id = $1 AND NOT legal_hold`, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete report: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// CountReportsByProject returns the live report count for quota checks.
func (db *DB) CountReportsByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var n int64
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return db.q.QueryRow(opCtx,
			`SELECT COUNT(*) FROM bug_reports WHERE project_id = $1 AND deleted_at IS NULL`,
			projectID).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("storage: count reports: %w", classify(err))
	}
	return n, nil
}

func scanReport(row interface{ Scan(...any) error }, r *model.BugReport) error {
	var metadata []byte
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Title, &r.Description, &r.Status, &r.Priority,
		&r.ScreenshotKey, &r.ThumbnailKey, &r.ReplayKey, &metadata, &r.LegalHold,
		&r.RetentionClass, &r.DeletedAt, &r.DeletedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return err
	}
	if len(metadata) == 0 {
		r.Metadata = nil
		return nil
	}
	r.Metadata = &model.ReportMetadata{}
	return json.Unmarshal(metadata, r.Metadata)
}

func marshalMetadata(m *model.ReportMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
