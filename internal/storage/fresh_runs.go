package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// FreshIngestRun records one fresh ingest execution and its quality stats.
type FreshIngestRun struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Source        string
	WindowHours   int
	ItemsFetched  int
	ItemsInserted int
	ItemsUpdated  int
	ItemsEmbedded int
	Quality       map[string]any
	Status        string
	Error         string
}

// InsertFreshIngestRun records the start of an ingest run.
func (db *DB) InsertFreshIngestRun(ctx context.Context, run *FreshIngestRun) error {
	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO fresh_ingest_runs (run_id, started_at, source, window_hours, status)
		VALUES ($1, $2, $3, $4, $5)
	`, run.RunID, toTimestamptz(run.StartedAt), run.Source, toInt4(run.WindowHours), run.Status); err != nil {
		return fmt.Errorf("insert fresh ingest run: %w", err)
	}

	return nil
}

// FinishFreshIngestRun records the outcome of an ingest run.
func (db *DB) FinishFreshIngestRun(ctx context.Context, run *FreshIngestRun) error {
	quality, err := json.Marshal(run.Quality)
	if err != nil {
		return fmt.Errorf("marshal ingest quality: %w", err)
	}

	if run.Quality == nil {
		quality = []byte("{}")
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE fresh_ingest_runs
		SET finished_at = $2, items_fetched = $3, items_inserted = $4,
		    items_updated = $5, items_embedded = $6, quality_json = $7,
		    status = $8, error = $9
		WHERE run_id = $1
	`, run.RunID, toTimestamptzPtr(run.FinishedAt), toInt4(run.ItemsFetched),
		toInt4(run.ItemsInserted), toInt4(run.ItemsUpdated), toInt4(run.ItemsEmbedded),
		quality, run.Status, toText(run.Error)); err != nil {
		return fmt.Errorf("finish fresh ingest run: %w", err)
	}

	return nil
}

// GetLatestFreshIngestRun returns the most recent ingest run. When no run
// has happened yet the error wraps pgx.ErrNoRows.
func (db *DB) GetLatestFreshIngestRun(ctx context.Context) (*FreshIngestRun, error) {
	var run FreshIngestRun

	var finishedAt pgtype.Timestamptz

	var startedAt pgtype.Timestamptz

	var errText pgtype.Text

	var quality []byte

	err := db.Pool.QueryRow(ctx, `
		SELECT run_id, started_at, finished_at, source, window_hours,
		       items_fetched, items_inserted, items_updated, items_embedded,
		       quality_json, status, error
		FROM fresh_ingest_runs
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(&run.RunID, &startedAt, &finishedAt, &run.Source, &run.WindowHours,
		&run.ItemsFetched, &run.ItemsInserted, &run.ItemsUpdated, &run.ItemsEmbedded,
		&quality, &run.Status, &errText)
	if err != nil {
		return nil, fmt.Errorf("get latest fresh ingest run: %w", err)
	}

	run.StartedAt = fromTimestamptz(startedAt)

	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}

	run.Error = fromText(errText)

	if len(quality) > 0 {
		if err := json.Unmarshal(quality, &run.Quality); err != nil {
			return nil, fmt.Errorf("unmarshal ingest quality: %w", err)
		}
	}

	return &run, nil
}
