package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
)

const projectColumns = `id, name, api_key, owner_id, settings, created_at, updated_at`

// CreateProject inserts a project. A fresh API key must already be set.
func (db *DB) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	settings, err := marshalJSONMap(p.Settings)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: marshal project settings: %w", err)
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	err = db.q.QueryRow(opCtx,
		`INSERT INTO projects (name, api_key, owner_id, settings)
		 VALUES ($1, $2, $3, $4::jsonb)
		 RETURNING id, created_at, updated_at`,
		p.Name, p.APIKey, p.OwnerID, settings,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: create project: %w", classify(err))
	}
	return p, nil
}

// GetProject returns a project by id, or ErrNotFound.
func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (model.Project, error) {
	var p model.Project
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		row := db.q.QueryRow(opCtx,
			`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
		return scanProject(row, &p)
	})
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: get project: %w", classify(err))
	}
	return p, nil
}

// GetProjectByAPIKey resolves an API key to its project by exact match.
// Used on every ingestion request; the api_key column carries a unique index.
func (db *DB) GetProjectByAPIKey(ctx context.Context, apiKey string) (model.Project, error) {
	var p model.Project
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		row := db.q.QueryRow(opCtx,
			`SELECT `+projectColumns+` FROM projects WHERE api_key = $1`, apiKey)
		return scanProject(row, &p)
	})
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: get project by api key: %w", classify(err))
	}
	return p, nil
}

// ListProjects returns a page of projects, optionally restricted to an owner.
func (db *DB) ListProjects(ctx context.Context, ownerID *uuid.UUID, page Page) ([]model.Project, int64, error) {
	where := ``
	args := []any{}
	if ownerID != nil {
		where = ` WHERE owner_id = $1`
		args = append(args, *ownerID)
	}

	var out []model.Project
	var total int64
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		if err := db.q.QueryRow(opCtx, `SELECT COUNT(*) FROM projects`+where, args...).Scan(&total); err != nil {
			return err
		}

		q := fmt.Sprintf(`SELECT `+projectColumns+` FROM projects`+where+
			` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
		rows, err := db.q.Query(opCtx, q, append(args, page.Limit, page.Offset())...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var p model.Project
			if err := scanProject(rows, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list projects: %w", classify(err))
	}
	return out, total, nil
}

// UpdateProject applies non-nil fields and returns the updated row.
func (db *DB) UpdateProject(ctx context.Context, id uuid.UUID, name *string, settings map[string]any) (model.Project, error) {
	settingsJSON, err := marshalJSONMap(settings)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: marshal project settings: %w", err)
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	var p model.Project
	row := db.q.QueryRow(opCtx,
		`UPDATE projects
		 SET name = COALESCE($2, name),
		     settings = COALESCE($3::jsonb, settings),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+projectColumns,
		id, name, settingsJSON,
	)
	if err := scanProject(row, &p); err != nil {
		return model.Project{}, fmt.Errorf("storage: update project: %w", classify(err))
	}
	return p, nil
}

// RotateProjectAPIKey replaces the project's API key. The previous key stops
// authenticating the moment this commits.
func (db *DB) RotateProjectAPIKey(ctx context.Context, id uuid.UUID, newKey string) (model.Project, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	var p model.Project
	row := db.q.QueryRow(opCtx,
		`UPDATE projects SET api_key = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+projectColumns,
		id, newKey,
	)
	if err := scanProject(row, &p); err != nil {
		return model.Project{}, fmt.Errorf("storage: rotate project api key: %w", classify(err))
	}
	return p, nil
}

// DeleteProject hard-deletes a project; bug reports, sessions, and tickets
// cascade at the relational layer. Object storage cleanup is the caller's job.
func (db *DB) DeleteProject(ctx context.Context, id uuid.UUID) (bool, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete project: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

func scanProject(row interface{ Scan(...any) error }, p *model.Project) error {
	var settings []byte
	if err := row.Scan(&p.ID, &p.Name, &p.APIKey, &p.OwnerID, &settings, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return err
	}
	return unmarshalJSONMap(settings, &p.Settings)
}

// marshalJSONMap serializes a settings/details map, preserving the
// distinction between nil (SQL NULL) and an empty object.
func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSONMap(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		*dst = nil
		return nil
	}
	return json.Unmarshal(data, dst)
}
