package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
)

const sessionColumns = `id, bug_report_id, events, duration_ms, chunk_count, created_at`

// CreateSession stores a session replay row. Small replays keep their events
// inline; chunked replays leave events NULL and record the chunk count.
func (db *DB) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	events, err := marshalJSONMap(s.Events)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: marshal session events: %w", err)
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	err = db.q.QueryRow(opCtx,
		`INSERT INTO sessions (bug_report_id, events, duration_ms, chunk_count)
		 VALUES ($1, $2::jsonb, $3, $4)
		 RETURNING id, created_at`,
		s.BugReportID, events, s.DurationMS, s.ChunkCount,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", classify(err))
	}
	return s, nil
}

// GetSessionByReport returns the replay session attached to a bug report.
func (db *DB) GetSessionByReport(ctx context.Context, reportID uuid.UUID) (model.Session, error) {
	var s model.Session
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return scanSession(db.q.QueryRow(opCtx,
			`SELECT `+sessionColumns+` FROM sessions WHERE bug_report_id = $1
			 ORDER BY created_at DESC LIMIT 1`, reportID), &s)
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", classify(err))
	}
	return s, nil
}

// UpdateSessionChunks records the final chunk count after the replay worker
// finishes packaging, clearing any inline events.
func (db *DB) UpdateSessionChunks(ctx context.Context, id uuid.UUID, chunkCount int) error {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.q.Exec(opCtx,
		`UPDATE sessions SET chunk_count = $2, events = NULL WHERE id = $1`, id, chunkCount)
	if err != nil {
		return fmt.Errorf("storage: update session chunks: %w", classify(err))
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }, s *model.Session) error {
	var events []byte
	if err := row.Scan(&s.ID, &s.BugReportID, &events, &s.DurationMS, &s.ChunkCount, &s.CreatedAt); err != nil {
		return err
	}
	return unmarshalJSONMap(events, &s.Events)
}

const ticketColumns = `id, bug_report_id, external_id, platform, status, created_at`

// CreateTicket links a bug report to an external tracker issue.
func (db *DB) CreateTicket(ctx context.Context, t model.Ticket) (model.Ticket, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	err := db.q.QueryRow(opCtx,
		`INSERT INTO tickets (bug_report_id, external_id, platform, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		t.BugReportID, t.ExternalID, t.Platform, t.Status,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return model.Ticket{}, fmt.Errorf("storage: create ticket: %w", classify(err))
	}
	return t, nil
}

// ListTicketsByReport returns all tracker links for a bug report.
func (db *DB) ListTicketsByReport(ctx context.Context, reportID uuid.UUID) ([]model.Ticket, error) {
	var out []model.Ticket
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		rows, err := db.q.Query(opCtx,
			`SELECT `+ticketColumns+` FROM tickets WHERE bug_report_id = $1 ORDER BY created_at`,
			reportID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var t model.Ticket
			if err := rows.Scan(&t.ID, &t.BugReportID, &t.ExternalID, &t.Platform, &t.Status, &t.CreatedAt); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list tickets: %w", classify(err))
	}
	return out, nil
}

// UpdateTicketStatus syncs the external tracker status onto the link row.
func (db *DB) UpdateTicketStatus(ctx context.Context, id uuid.UUID, status string) error {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`UPDATE tickets SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("storage: update ticket status: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update ticket status: %w", ErrNotFound)
	}
	return nil
}

// DeleteTicket removes a tracker link.
func (db *DB) DeleteTicket(ctx context.Context, id uuid.UUID) (bool, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx, `DELETE FROM tickets WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete ticket: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}
