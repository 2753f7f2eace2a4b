package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetRolloutValue reads one rollout config value. Returns ok=false when the
// key has never been set.
func (db *DB) GetRolloutValue(ctx context.Context, key string) (string, bool, error) {
	var value string

	err := db.Pool.QueryRow(ctx, `SELECT value FROM rollout_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("get rollout value %s: %w", key, err)
	}

	return value, true, nil
}

// GetRolloutValues reads all rollout config values in one round trip.
func (db *DB) GetRolloutValues(ctx context.Context) (map[string]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT key, value FROM rollout_config`)
	if err != nil {
		return nil, fmt.Errorf("get rollout values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)

	for rows.Next() {
		var key, value string

		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan rollout value: %w", err)
		}

		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollout values: %w", err)
	}

	return values, nil
}

// SetRolloutValue upserts one rollout config value.
func (db *DB) SetRolloutValue(ctx context.Context, key, value string) error {
	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO rollout_config (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, toTimestamptz(time.Now())); err != nil {
		return fmt.Errorf("set rollout value %s: %w", key, err)
	}

	return nil
}

// DisableCanaryIfEnabled writes 'false' for the canary flag, inserting the
// row when the key was never stored so an env-default-enabled canary still
// ends up durably off. Returns true when this call changed the stored state,
// so concurrent guard runs disable at most once.
func (db *DB) DisableCanaryIfEnabled(ctx context.Context, key string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO rollout_config (key, value, updated_at)
		VALUES ($1, 'false', $2)
		ON CONFLICT (key) DO UPDATE SET value = 'false', updated_at = EXCLUDED.updated_at
		WHERE rollout_config.value <> 'false'
	`, key, toTimestamptz(time.Now()))
	if err != nil {
		return false, fmt.Errorf("disable canary: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
