package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefreshTokenRecord is one allowlisted refresh token. Only the SHA-256 hash
// of the opaque token is stored; a database leak cannot be replayed.
type RefreshTokenRecord struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// InsertRefreshToken allowlists a freshly issued refresh token hash.
func (db *DB) InsertRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.q.Exec(opCtx,
		`INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES ($1, $2, $3)`,
		userID, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("storage: insert refresh token: %w", classify(err))
	}
	return nil
}

// ConsumeRefreshToken atomically deletes an unexpired token by hash and
// returns its record. ErrNotFound covers unknown, already-rotated, and
// expired tokens alike; the caller rotates by inserting a replacement.
func (db *DB) ConsumeRefreshToken(ctx context.Context, tokenHash string) (RefreshTokenRecord, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	var r RefreshTokenRecord
	err := db.q.QueryRow(opCtx,
		`DELETE FROM refresh_tokens
		 WHERE token_hash = $1 AND expires_at > now()
		 RETURNING id, user_id, token_hash, expires_at, created_at`,
		tokenHash,
	).Scan(&r.ID, &r.UserID, &r.TokenHash, &r.ExpiresAt, &r.CreatedAt)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("storage: consume refresh token: %w", classify(err))
	}
	return r, nil
}

// RevokeRefreshToken deletes a single token by hash, e.g. on logout.
func (db *DB) RevokeRefreshToken(ctx context.Context, tokenHash string) (bool, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return false, fmt.Errorf("storage: revoke refresh token: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeUserRefreshTokens deletes every token for a user. Used on password
// change and account deactivation.
func (db *DB) RevokeUserRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("storage: revoke user refresh tokens: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// PruneExpiredRefreshTokens removes expired rows. Run periodically so the
// allowlist stays bounded by the active user population.
func (db *DB) PruneExpiredRefreshTokens(ctx context.Context) (int64, error) {
	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`DELETE FROM refresh_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: prune refresh tokens: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}
