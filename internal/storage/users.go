package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
)

const userColumns = `id, email, name, role, password_hash, oauth_provider, oauth_id,
	active, created_at, updated_at, deactivated_at`

// CreateUser inserts a user. The password/OAuth XOR is enforced both here
// (typed error) and by a CHECK constraint in the schema.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if err := u.ValidateCredentialShape(); err != nil {
		return model.User{}, err
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	err := db.q.QueryRow(opCtx,
		`INSERT INTO users (email, name, role, password_hash, oauth_provider, oauth_id)
		 VALUES (lower($1), $2, $3, $4, $5, $6)
		 RETURNING id, active, created_at, updated_at`,
		u.Email, u.Name, u.Role, u.PasswordHash, u.OAuthProvider, u.OAuthID,
	).Scan(&u.ID, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", classify(err))
	}
	return u, nil
}

// GetUser returns a user by id, or ErrNotFound.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	var u model.User
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return scanUser(db.q.QueryRow(opCtx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`, id), &u)
	})
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", classify(err))
	}
	return u, nil
}

// GetUserByEmail looks up a user by case-insensitive email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return scanUser(db.q.QueryRow(opCtx,
			`SELECT `+userColumns+` FROM users WHERE email = lower($1)`, email), &u)
	})
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user by email: %w", classify(err))
	}
	return u, nil
}

// GetUserByOAuth looks up a user by (provider, id) pair.
func (db *DB) GetUserByOAuth(ctx context.Context, provider, oauthID string) (model.User, error) {
	var u model.User
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return scanUser(db.q.QueryRow(opCtx,
			`SELECT `+userColumns+` FROM users WHERE oauth_provider = $1 AND oauth_id = $2`,
			provider, oauthID), &u)
	})
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user by oauth: %w", classify(err))
	}
	return u, nil
}

// ListUsers returns a page of users ordered by creation time.
func (db *DB) ListUsers(ctx context.Context, page Page) ([]model.User, int64, error) {
	var out []model.User
	var total int64
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()

		if err := db.q.QueryRow(opCtx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
			return err
		}

		rows, err := db.q.Query(opCtx,
			`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			page.Limit, page.Offset())
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var u model.User
			if err := scanUser(rows, &u); err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", classify(err))
	}
	return out, total, nil
}

// UpdateUser applies non-nil fields and returns the updated row.
func (db *DB) UpdateUser(ctx context.Context, id uuid.UUID, name *string, role *model.Role) (model.User, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	var u model.User
	row := db.q.QueryRow(opCtx,
		`UPDATE users
		 SET name = COALESCE($2, name),
		     role = COALESCE($3, role),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, name, role,
	)
	if err := scanUser(row, &u); err != nil {
		return model.User{}, fmt.Errorf("storage: update user: %w", classify(err))
	}
	return u, nil
}

// DeactivateUser soft-deletes a user. Users referenced by audit rows are
// never hard-deleted; deactivation revokes login while keeping the record.
func (db *DB) DeactivateUser(ctx context.Context, id uuid.UUID) (bool, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`UPDATE users SET active = false, deactivated_at = now(), updated_at = now()
		 WHERE id = $1 AND active`, id)
	if err != nil {
		return false, fmt.Errorf("storage: deactivate user: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

func scanUser(row interface{ Scan(...any) error }, u *model.User) error {
	return row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash,
		&u.OAuthProvider, &u.OAuthID, &u.Active, &u.CreatedAt, &u.UpdatedAt, &u.DeactivatedAt)
}
