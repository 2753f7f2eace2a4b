package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
)

const nodeColumns = `user_id, path, category, subcategory, exposures, clicks, decayed_exposures, decayed_clicks, interest_weight, exposure_weight, underexplored_score, updated_at`

// GetUserNodes returns all tree nodes for one user.
func (db *DB) GetUserNodes(ctx context.Context, userID string) ([]domain.PreferenceNode, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+nodeColumns+`
		FROM user_top_nodes
		WHERE user_id = $1
		ORDER BY path
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("get user nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// GetTopUnderexploredPaths returns the user's category and subcategory paths
// with the highest underexplored scores.
func (db *DB) GetTopUnderexploredPaths(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT path
		FROM user_top_nodes
		WHERE user_id = $1 AND underexplored_score > 0
		ORDER BY underexplored_score DESC, path
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get underexplored paths: %w", err)
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string

		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}

		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paths: %w", err)
	}

	return paths, nil
}

// ReplaceUserNodes atomically replaces a user's whole tree, for full
// rebuilds.
func (db *DB) ReplaceUserNodes(ctx context.Context, userID string, nodes []domain.PreferenceNode) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace nodes: %w", err)
	}

	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM user_top_nodes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user nodes: %w", err)
	}

	if err := upsertNodesTx(ctx, tx, nodes); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace nodes: %w", err)
	}

	return nil
}

// UpsertNodesWithWatermark writes updated nodes for many users and advances
// the incremental watermark in the same transaction. The watermark update is
// a compare-and-advance: if another writer moved it past expectedLast first,
// nothing is written and ErrWatermarkMoved is returned.
func (db *DB) UpsertNodesWithWatermark(ctx context.Context, nodes []domain.PreferenceNode, expectedLast, newLast time.Time) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert nodes: %w", err)
	}

	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE top_update_watermark
		SET last_event_at = $2
		WHERE id = 1
		  AND (last_event_at IS NULL AND $1::timestamptz IS NULL OR last_event_at = $1)
	`, toTimestamptz(expectedLast), toTimestamptz(newLast))
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrWatermarkMoved
	}

	if err := upsertNodesTx(ctx, tx, nodes); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert nodes: %w", err)
	}

	return nil
}

// ErrWatermarkMoved reports that another writer advanced the incremental
// watermark first; the caller should re-read and retry or skip the run.
var ErrWatermarkMoved = errors.New("tree update watermark moved concurrently")

// GetWatermark returns the incremental update watermark. A zero time means
// no incremental run has completed yet.
func (db *DB) GetWatermark(ctx context.Context) (time.Time, error) {
	var last pgtype.Timestamptz

	err := db.Pool.QueryRow(ctx, `SELECT last_event_at FROM top_update_watermark WHERE id = 1`).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}

	return fromTimestamptz(last), nil
}

// SetWatermark overwrites the watermark unconditionally, for full rebuilds.
func (db *DB) SetWatermark(ctx context.Context, last time.Time) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE top_update_watermark SET last_event_at = $1 WHERE id = 1
	`, toTimestamptz(last)); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}

	return nil
}

func upsertNodesTx(ctx context.Context, tx pgx.Tx, nodes []domain.PreferenceNode) error {
	for i := range nodes {
		n := &nodes[i]

		if _, err := tx.Exec(ctx, `
			INSERT INTO user_top_nodes (user_id, path, category, subcategory, exposures, clicks, decayed_exposures, decayed_clicks, interest_weight, exposure_weight, underexplored_score, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (user_id, path) DO UPDATE SET
				exposures = EXCLUDED.exposures,
				clicks = EXCLUDED.clicks,
				decayed_exposures = EXCLUDED.decayed_exposures,
				decayed_clicks = EXCLUDED.decayed_clicks,
				interest_weight = EXCLUDED.interest_weight,
				exposure_weight = EXCLUDED.exposure_weight,
				underexplored_score = EXCLUDED.underexplored_score,
				updated_at = EXCLUDED.updated_at
		`, n.UserID, n.Path, n.Category, toText(n.Subcategory),
			n.Exposures, n.Clicks, n.DecayedExposures, n.DecayedClicks,
			n.InterestWeight, n.ExposureWeight, n.UnderexploredScore,
			toTimestamptz(n.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert node %s: %w", n.Path, err)
		}
	}

	return nil
}

// SaveSnapshot stores the serialized tree snapshot for fast reads.
func (db *DB) SaveSnapshot(ctx context.Context, snapshot *domain.TopSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO user_top (user_id, generated_at, top_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			generated_at = EXCLUDED.generated_at,
			top_json = EXCLUDED.top_json
	`, snapshot.UserID, toTimestamptz(snapshot.GeneratedAt), payload); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	return nil
}

// GetSnapshot loads a user's tree snapshot. Returns pgx.ErrNoRows when the
// user has no snapshot yet.
func (db *DB) GetSnapshot(ctx context.Context, userID string) (*domain.TopSnapshot, error) {
	var payload []byte

	err := db.Pool.QueryRow(ctx, `
		SELECT top_json FROM user_top WHERE user_id = $1
	`, userID).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snapshot domain.TopSnapshot

	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snapshot, nil
}

func scanNodes(rows pgx.Rows) ([]domain.PreferenceNode, error) {
	var nodes []domain.PreferenceNode

	for rows.Next() {
		var n domain.PreferenceNode

		var subcategory pgtype.Text

		var updatedAt pgtype.Timestamptz

		if err := rows.Scan(&n.UserID, &n.Path, &n.Category, &subcategory,
			&n.Exposures, &n.Clicks, &n.DecayedExposures, &n.DecayedClicks,
			&n.InterestWeight, &n.ExposureWeight, &n.UnderexploredScore, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}

		n.Subcategory = fromText(subcategory)
		n.UpdatedAt = fromTimestamptz(updatedAt)
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	return nodes, nil
}
