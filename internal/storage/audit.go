package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bugspotter/bugspotter/internal/model"
)

const auditColumns = `id, timestamp, user_id, action, resource, resource_id,
	ip_address, user_agent, success, error_message, details`

// InsertAuditBatch appends a batch of audit rows in one multi-row INSERT.
// Called by the audit pipeline's flusher; a failed batch is retried by the
// pipeline, never silently dropped here.
func (db *DB) InsertAuditBatch(ctx context.Context, entries []model.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_logs
		(timestamp, user_id, action, resource, resource_id, ip_address, user_agent, success, error_message, details)
	 VALUES `)
	args := make([]any, 0, len(entries)*10)
	for i, e := range entries {
		details, err := marshalJSONMap(e.Details)
		if err != nil {
			return fmt.Errorf("storage: marshal audit details [%d]: %w", i, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 10
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d::jsonb)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args, e.Timestamp, e.UserID, e.Action, e.Resource, e.ResourceID,
			e.IPAddress, e.UserAgent, e.Success, e.ErrorMessage, details)
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	if _, err := db.q.Exec(opCtx, sb.String(), args...); err != nil {
		return fmt.Errorf("storage: insert audit batch: %w", classify(err))
	}
	return nil
}

// QueryAuditLogs returns a page of audit rows matching the filter, newest
// first with insertion id as tie-breaker for equal timestamps.
func (db *DB) QueryAuditLogs(ctx context.Context, f model.AuditFilter, page Page) ([]model.AuditLog, int64, error) {
	where, args := buildAuditWhere(f)

	var out []model.AuditLog
	var total int64
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		if err := db.q.QueryRow(opCtx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
			return err
		}

		q := fmt.Sprintf(`SELECT `+auditColumns+` FROM audit_logs`+where+
			` ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
		rows, err := db.q.Query(opCtx, q, append(args, page.Limit, page.Offset())...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var e model.AuditLog
			var details []byte
			if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &e.Action, &e.Resource,
				&e.ResourceID, &e.IPAddress, &e.UserAgent, &e.Success, &e.ErrorMessage, &details); err != nil {
				return err
			}
			if err := unmarshalJSONMap(details, &e.Details); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query audit logs: %w", classify(err))
	}
	return out, total, nil
}

// AuditLogStats aggregates totals, failure count, and per-action/per-user
// breakdowns over the filtered window.
func (db *DB) AuditLogStats(ctx context.Context, f model.AuditFilter) (model.AuditStats, error) {
	where, args := buildAuditWhere(f)

	stats := model.AuditStats{
		ByAction: make(map[string]int64),
		ByUser:   make(map[string]int64),
	}
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		if err := db.q.QueryRow(opCtx,
			`SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT success), MIN(timestamp), MAX(timestamp)
			 FROM audit_logs`+where, args...,
		).Scan(&stats.Total, &stats.Failures, &stats.OldestAt, &stats.NewestAt); err != nil {
			return err
		}

		rows, err := db.q.Query(opCtx,
			`SELECT action, COUNT(*) FROM audit_logs`+where+` GROUP BY action`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var action string
			var n int64
			if err := rows.Scan(&action, &n); err != nil {
				return err
			}
			stats.ByAction[action] = n
		}
		if err := rows.Err(); err != nil {
			return err
		}

		userWhere := where + ` AND user_id IS NOT NULL`
		if where == "" {
			userWhere = ` WHERE user_id IS NOT NULL`
		}
		userRows, err := db.q.Query(opCtx,
			`SELECT user_id::text, COUNT(*) FROM audit_logs`+userWhere+` GROUP BY user_id`, args...)
		if err != nil {
			return err
		}
		defer userRows.Close()
		for userRows.Next() {
			var userID string
			var n int64
			if err := userRows.Scan(&userID, &n); err != nil {
				return err
			}
			stats.ByUser[userID] = n
		}
		return userRows.Err()
	})
	if err != nil {
		return model.AuditStats{}, fmt.Errorf("storage: audit stats: %w", classify(err))
	}
	return stats, nil
}

// PruneAuditLogs deletes audit rows older than the cutoff. The caller bounds
// the cutoff by the longest applicable compliance requirement.
func (db *DB) PruneAuditLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx, `DELETE FROM audit_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: prune audit logs: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

func buildAuditWhere(f model.AuditFilter) (string, []any) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.Action != nil {
		add("action = $%d", *f.Action)
	}
	if f.Resource != nil {
		add("resource = $%d", *f.Resource)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.StartDate != nil {
		add("timestamp >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("timestamp <= $%d", *f.EndDate)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}
