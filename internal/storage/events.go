package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
)

// InsertEvents appends a batch of interaction events in one transaction.
func (db *DB) InsertEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert events: %w", err)
	}

	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	for i := range events {
		e := &events[i]

		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}

		if e.Metadata == nil {
			metadata = []byte("{}")
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO events (user_id, event_type, item_id, ts, model_version, method, position, explore_level, diversify, dwell_ms, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, e.UserID, e.EventType, e.ItemID, toTimestamptz(e.Timestamp),
			toText(e.ModelVersion), toText(e.Method), toInt4(e.Position),
			e.ExploreLevel, e.Diversify, toInt4(e.DwellMS), metadata); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert events: %w", err)
	}

	return nil
}

// ClickedItem is one click from a user's history with its age at query time.
type ClickedItem struct {
	ItemID    string
	Timestamp time.Time
}

// GetUserClickHistory returns the user's most recent clicks, newest first.
func (db *DB) GetUserClickHistory(ctx context.Context, userID string, limit int) ([]ClickedItem, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT item_id, ts
		FROM events
		WHERE user_id = $1 AND event_type = $2
		ORDER BY ts DESC
		LIMIT $3
	`, userID, domain.EventClick, limit)
	if err != nil {
		return nil, fmt.Errorf("get click history: %w", err)
	}
	defer rows.Close()

	var clicks []ClickedItem

	for rows.Next() {
		var c ClickedItem

		var ts pgtype.Timestamptz

		if err := rows.Scan(&c.ItemID, &ts); err != nil {
			return nil, fmt.Errorf("scan click: %w", err)
		}

		c.Timestamp = fromTimestamptz(ts)
		clicks = append(clicks, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clicks: %w", err)
	}

	return clicks, nil
}

// GetRecentSeenItemIDs returns the item IDs from the user's most recent
// impressions and clicks, for exclusion from new feeds.
func (db *DB) GetRecentSeenItemIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT ON (item_id) item_id
		FROM (
			SELECT item_id, ts
			FROM events
			WHERE user_id = $1 AND event_type IN ($2, $3)
			ORDER BY ts DESC
			LIMIT $4
		) recent
	`, userID, domain.EventImpression, domain.EventClick, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent seen items: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string

		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen item id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen items: %w", err)
	}

	return ids, nil
}

// GetActiveUserIDs returns the distinct users with any impression or click
// events, for full tree rebuilds. A zero limit means no limit.
func (db *DB) GetActiveUserIDs(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM events
		WHERE event_type IN ($1, $2)
		ORDER BY user_id
	`

	var rows pgx.Rows

	var err error

	if limit > 0 {
		rows, err = db.Pool.Query(ctx, query+` LIMIT $3`, domain.EventImpression, domain.EventClick, limit)
	} else {
		rows, err = db.Pool.Query(ctx, query, domain.EventImpression, domain.EventClick)
	}

	if err != nil {
		return nil, fmt.Errorf("get active users: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string

		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return ids, nil
}

// GetUserEvents returns all impression and click events for one user,
// ordered by ts, joined with the item's category and subcategory.
func (db *DB) GetUserEvents(ctx context.Context, userID string) ([]TreeEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT e.event_type, e.ts, i.category, i.subcategory
		FROM events e
		JOIN items i ON i.item_id = e.item_id
		WHERE e.user_id = $1 AND e.event_type IN ($2, $3)
		ORDER BY e.ts, e.id
	`, userID, domain.EventImpression, domain.EventClick)
	if err != nil {
		return nil, fmt.Errorf("get user events: %w", err)
	}
	defer rows.Close()

	return scanTreeEvents(rows)
}

// TreeEvent is the minimal event shape the preference tree consumes.
type TreeEvent struct {
	UserID      string
	EventType   string
	Timestamp   time.Time
	Category    string
	Subcategory string
}

// GetTreeEventsSince returns impression and click events with ts in
// (after, until] across all users, joined with item categories, ordered by
// ts then id. Also returns the max event ts seen, for watermark advancement.
func (db *DB) GetTreeEventsSince(ctx context.Context, after, until time.Time) ([]TreeEvent, time.Time, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT e.user_id, e.event_type, e.ts, i.category, i.subcategory
		FROM events e
		JOIN items i ON i.item_id = e.item_id
		WHERE e.event_type IN ($1, $2)
		  AND ($3::timestamptz IS NULL OR e.ts > $3)
		  AND e.ts <= $4
		ORDER BY e.ts, e.id
	`, domain.EventImpression, domain.EventClick, toTimestamptz(after), toTimestamptz(until))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get tree events since: %w", err)
	}
	defer rows.Close()

	events, err := scanTreeEventsWithUser(rows)
	if err != nil {
		return nil, time.Time{}, err
	}

	var maxTS time.Time

	for i := range events {
		if events[i].Timestamp.After(maxTS) {
			maxTS = events[i].Timestamp
		}
	}

	return events, maxTS, nil
}

func scanTreeEvents(rows pgx.Rows) ([]TreeEvent, error) {
	var events []TreeEvent

	for rows.Next() {
		var e TreeEvent

		var ts pgtype.Timestamptz

		if err := rows.Scan(&e.EventType, &ts, &e.Category, &e.Subcategory); err != nil {
			return nil, fmt.Errorf("scan tree event: %w", err)
		}

		e.Timestamp = fromTimestamptz(ts)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tree events: %w", err)
	}

	return events, nil
}

func scanTreeEventsWithUser(rows pgx.Rows) ([]TreeEvent, error) {
	var events []TreeEvent

	for rows.Next() {
		var e TreeEvent

		var ts pgtype.Timestamptz

		if err := rows.Scan(&e.UserID, &e.EventType, &ts, &e.Category, &e.Subcategory); err != nil {
			return nil, fmt.Errorf("scan tree event: %w", err)
		}

		e.Timestamp = fromTimestamptz(ts)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tree events: %w", err)
	}

	return events, nil
}

// VariantWindowStats aggregates impressions, clicks, and the novelty proxy
// for one model version over a trailing window. The novelty proxy is the
// mean of metadata->>'novelty_proxy' over impressions that carry it.
func (db *DB) VariantWindowStats(ctx context.Context, modelVersion string, since time.Time) (*domain.VariantStats, error) {
	stats := &domain.VariantStats{ModelVersion: modelVersion}

	var novelty *float64

	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event_type = $3),
			COUNT(*) FILTER (WHERE event_type = $4),
			AVG((metadata->>'novelty_proxy')::float8) FILTER (WHERE event_type = $3 AND metadata ? 'novelty_proxy')
		FROM events
		WHERE model_version = $1 AND ts >= $2
	`, modelVersion, toTimestamptz(since), domain.EventImpression, domain.EventClick).
		Scan(&stats.Impressions, &stats.Clicks, &novelty)
	if err != nil {
		return nil, fmt.Errorf("variant window stats: %w", err)
	}

	if stats.Impressions > 0 {
		stats.CTR = float64(stats.Clicks) / float64(stats.Impressions)
	}

	stats.NoveltyProxy = novelty

	return stats, nil
}
