package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bugspotter/bugspotter/internal/model"
)

// GetInstanceSettings returns the singleton settings row. Before setup has
// run the row is absent and defaults are returned with Initialized false.
func (db *DB) GetInstanceSettings(ctx context.Context) (model.InstanceSettings, error) {
	var raw []byte
	err := withReadRetry(ctx, func() error {
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		return db.q.QueryRow(opCtx,
			`SELECT settings FROM instance_settings WHERE id = 1`).Scan(&raw)
	})
	if err != nil {
		if classified := classify(err); classified == ErrNotFound {
			return model.DefaultInstanceSettings(), nil
		}
		return model.InstanceSettings{}, fmt.Errorf("storage: get instance settings: %w", classify(err))
	}

	var s model.InstanceSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.InstanceSettings{}, fmt.Errorf("storage: decode instance settings: %w", err)
	}
	return s, nil
}

// SaveInstanceSettings writes the singleton settings row.
func (db *DB) SaveInstanceSettings(ctx context.Context, s model.InstanceSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("storage: encode instance settings: %w", err)
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err = db.q.Exec(opCtx,
		`INSERT INTO instance_settings (id, settings) VALUES (1, $1::jsonb)
		 ON CONFLICT (id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()`,
		raw)
	if err != nil {
		return fmt.Errorf("storage: save instance settings: %w", classify(err))
	}
	return nil
}

// SaveInstanceSettingsIfUninitialized writes the settings row only while the
// stored row does not carry initialized=true. Concurrent setup attempts
// serialize on the row lock; the loser re-evaluates the guard against the
// winner's committed row and gets false back.
func (db *DB) SaveInstanceSettingsIfUninitialized(ctx context.Context, s model.InstanceSettings) (bool, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("storage: encode instance settings: %w", err)
	}

	opCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.q.Exec(opCtx,
		`INSERT INTO instance_settings (id, settings) VALUES (1, $1::jsonb)
		 ON CONFLICT (id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()
		 WHERE (instance_settings.settings->>'initialized')::boolean IS NOT TRUE`,
		raw)
	if err != nil {
		return false, fmt.Errorf("storage: save instance settings: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}
