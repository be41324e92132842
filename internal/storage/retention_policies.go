package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
)

const retentionPolicyColumns = `project_id, bug_report_retention_days, screenshot_retention_days,
	replay_retention_days, attachment_retention_days, archived_retention_days,
	archive_before_delete, data_classification, compliance_region, tier,
	created_at, updated_at`

// GetRetentionPolicy returns the per-project policy, or ErrNotFound when the
// project falls back to instance defaults.
func (db *DB) GetRetentionPolicy(ctx context.Context, projectID uuid.UUID) (model.RetentionPolicy, error) {
	var p model.RetentionPolicy
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return scanRetentionPolicy(db.q.QueryRow(opCtx,
			`SELECT `+retentionPolicyColumns+` FROM retention_policies WHERE project_id = $1`,
			projectID), &p)
	})
	if err != nil {
		return model.RetentionPolicy{}, fmt.Errorf("storage: get retention policy: %w", classify(err))
	}
	return p, nil
}

// UpsertRetentionPolicy creates or replaces the project's policy. Compliance
// validation happens in the retention layer before this is called.
func (db *DB) UpsertRetentionPolicy(ctx context.Context, p model.RetentionPolicy) (model.RetentionPolicy, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	row := db.q.QueryRow(opCtx,
		`INSERT INTO retention_policies
		     (project_id, bug_report_retention_days, screenshot_retention_days,
		      replay_retention_days, attachment_retention_days, archived_retention_days,
		      archive_before_delete, data_classification, compliance_region, tier)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (project_id) DO UPDATE SET
		     bug_report_retention_days = EXCLUDED.bug_report_retention_days,
		     screenshot_retention_days = EXCLUDED.screenshot_retention_days,
		     replay_retention_days = EXCLUDED.replay_retention_days,
		     attachment_retention_days = EXCLUDED.attachment_retention_days,
		     archived_retention_days = EXCLUDED.archived_retention_days,
		     archive_before_delete = EXCLUDED.archive_before_delete,
		     data_classification = EXCLUDED.data_classification,
		     compliance_region = EXCLUDED.compliance_region,
		     tier = EXCLUDED.tier,
		     updated_at = now()
		 RETURNING `+retentionPolicyColumns,
		p.ProjectID, p.BugReportRetentionDays, p.ScreenshotRetentionDays,
		p.ReplayRetentionDays, p.AttachmentRetentionDays, p.ArchivedRetentionDays,
		p.ArchiveBeforeDelete, p.DataClassification, p.ComplianceRegion, p.Tier,
	)
	var out model.RetentionPolicy
	if err := scanRetentionPolicy(row, &out); err != nil {
		return model.RetentionPolicy{}, fmt.Errorf("storage: upsert retention policy: %w", classify(err))
	}
	return out, nil
}

// DeleteRetentionPolicy drops the per-project override; the project reverts
// to instance defaults.
func (db *DB) DeleteRetentionPolicy(ctx context.Context, projectID uuid.UUID) (bool, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`DELETE FROM retention_policies WHERE project_id = $1`, projectID)
	if err != nil {
		return false, fmt.Errorf("storage: delete retention policy: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// ListRetentionPolicies returns every project override, for the sweep run.
func (db *DB) ListRetentionPolicies(ctx context.Context) ([]model.RetentionPolicy, error) {
	var out []model.RetentionPolicy
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		rows, err := db.q.Query(opCtx,
			`SELECT `+retentionPolicyColumns+` FROM retention_policies ORDER BY project_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var p model.RetentionPolicy
			if err := scanRetentionPolicy(rows, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list retention policies: %w", classify(err))
	}
	return out, nil
}

func scanRetentionPolicy(row interface{ Scan(...any) error }, p *model.RetentionPolicy) error {
	return row.Scan(&p.ProjectID, &p.BugReportRetentionDays, &p.ScreenshotRetentionDays,
		&p.ReplayRetentionDays, &p.AttachmentRetentionDays, &p.ArchivedRetentionDays,
		&p.ArchiveBeforeDelete, &p.DataClassification, &p.ComplianceRegion, &p.Tier,
		&p.CreatedAt, &p.UpdatedAt)
}
