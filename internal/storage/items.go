package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
)

const itemColumns = `item_id, title, abstract, url, category, subcategory, content_type, source, published_at, is_fresh`

// SearchByVector returns the items nearest to the query embedding by cosine
// distance, excluding the given item IDs. RawRelevance is 1 - distance.
func (db *DB) SearchByVector(ctx context.Context, embedding []float32, limit int, excludeIDs []string) ([]domain.CandidateItem, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+itemColumns+`, 1 - (embedding <=> $1::vector) AS relevance
		FROM items
		WHERE embedding IS NOT NULL
		  AND NOT (item_id = ANY($2))
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`, pgvector.NewVector(embedding), excludeList(excludeIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("search by vector: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows, domain.SourceVector)
}

// GetPopular returns globally recent items as a popularity proxy, excluding
// the given item IDs.
func (db *DB) GetPopular(ctx context.Context, limit int, excludeIDs []string) ([]domain.CandidateItem, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+itemColumns+`, 0::float8 AS relevance
		FROM items
		WHERE NOT (item_id = ANY($1))
		ORDER BY published_at DESC NULLS LAST, created_at DESC
		LIMIT $2
	`, excludeList(excludeIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("get popular items: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows, domain.SourcePopularity)
}

// GetFreshSince returns fresh items published within the window, newest first.
func (db *DB) GetFreshSince(ctx context.Context, since time.Time, limit int, excludeIDs []string) ([]domain.CandidateItem, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+itemColumns+`, 0::float8 AS relevance
		FROM items
		WHERE is_fresh
		  AND published_at >= $1
		  AND NOT (item_id = ANY($2))
		ORDER BY published_at DESC
		LIMIT $3
	`, toTimestamptz(since), excludeList(excludeIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("get fresh items: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows, domain.SourceFresh)
}

// GetUnderexploredCandidates returns recent items from the given category
// paths, a few per path, for the exploration slice of the candidate pool.
// A path is either "category" or "category/subcategory".
func (db *DB) GetUnderexploredCandidates(ctx context.Context, paths []string, perPath int, excludeIDs []string) ([]domain.CandidateItem, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT i.item_id, i.title, i.abstract, i.url, i.category, i.subcategory,
		       i.content_type, i.source, i.published_at, i.is_fresh, 0::float8 AS relevance
		FROM unnest($1::text[]) AS p(path)
		CROSS JOIN LATERAL (
			SELECT *
			FROM items
			WHERE (category = split_part(p.path, '/', 1))
			  AND (split_part(p.path, '/', 2) = '' OR subcategory = split_part(p.path, '/', 2))
			  AND NOT (item_id = ANY($2))
			ORDER BY published_at DESC NULLS LAST
			LIMIT $3
		) i
	`, paths, excludeList(excludeIDs), perPath)
	if err != nil {
		return nil, fmt.Errorf("get underexplored candidates: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows, domain.SourceExploration)
}

// GetEmbeddings loads the embeddings for the given item IDs. Items without a
// stored embedding are absent from the result.
func (db *DB) GetEmbeddings(ctx context.Context, itemIDs []string) (map[string][]float32, error) {
	if len(itemIDs) == 0 {
		return map[string][]float32{}, nil
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT item_id, embedding
		FROM items
		WHERE item_id = ANY($1) AND embedding IS NOT NULL
	`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("get embeddings: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]float32, len(itemIDs))

	for rows.Next() {
		var id string

		var v pgvector.Vector

		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}

		result[id] = v.Slice()
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	return result, nil
}

// GetItem fetches one item by ID.
func (db *DB) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE item_id = $1
	`, itemID)

	item, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}

	return item, nil
}

// UpsertFreshItem inserts a fresh item, deduplicating on the URL hash.
// Returns true when a new row was inserted.
func (db *DB) UpsertFreshItem(ctx context.Context, item *domain.Item, urlHash string) (bool, error) {
	var inserted bool

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO items (item_id, title, abstract, url, category, subcategory, content_type, source, published_at, url_hash, is_fresh)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		ON CONFLICT (url_hash) WHERE url_hash IS NOT NULL
		DO UPDATE SET title = EXCLUDED.title, abstract = EXCLUDED.abstract, published_at = EXCLUDED.published_at, is_fresh = TRUE
		RETURNING (xmax = 0)
	`, item.ItemID, toText(item.Title), toText(item.Abstract), toText(item.URL),
		item.Category, item.Subcategory, item.ContentType, toText(item.Source),
		toTimestamptzPtr(item.PublishedAt), toText(urlHash)).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert fresh item: %w", err)
	}

	return inserted, nil
}

// SetItemEmbedding stores the embedding for an item.
func (db *DB) SetItemEmbedding(ctx context.Context, itemID string, embedding []float32) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE items SET embedding = $2 WHERE item_id = $1
	`, itemID, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("set item embedding: %w", err)
	}

	return nil
}

// ExpireFreshItems clears the fresh flag on items older than the cutoff.
func (db *DB) ExpireFreshItems(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE items SET is_fresh = FALSE
		WHERE is_fresh AND (published_at IS NULL OR published_at < $1)
	`, toTimestamptz(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expire fresh items: %w", err)
	}

	return tag.RowsAffected(), nil
}

// GetItemsMissingEmbedding returns fresh items that have no embedding yet.
func (db *DB) GetItemsMissingEmbedding(ctx context.Context, limit int) ([]domain.Item, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE embedding IS NULL AND is_fresh
		ORDER BY published_at DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get items missing embedding: %w", err)
	}
	defer rows.Close()

	var items []domain.Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return items, nil
}

// excludeList normalizes the exclusion slice so ANY($1) works with no
// exclusions.
func excludeList(ids []string) []string {
	if ids == nil {
		return []string{}
	}

	return ids
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var item domain.Item

	var title, abstract, url, source pgtype.Text

	var publishedAt pgtype.Timestamptz

	if err := row.Scan(&item.ItemID, &title, &abstract, &url, &item.Category,
		&item.Subcategory, &item.ContentType, &source, &publishedAt, &item.IsFresh); err != nil {
		return nil, err
	}

	item.Title = fromText(title)
	item.Abstract = fromText(abstract)
	item.URL = fromText(url)
	item.Source = fromText(source)

	if publishedAt.Valid {
		t := publishedAt.Time
		item.PublishedAt = &t
	}

	return &item, nil
}

func scanCandidates(rows pgx.Rows, sourceTag string) ([]domain.CandidateItem, error) {
	var candidates []domain.CandidateItem

	for rows.Next() {
		var c domain.CandidateItem

		var title, abstract, url, source pgtype.Text

		var publishedAt pgtype.Timestamptz

		if err := rows.Scan(&c.ItemID, &title, &abstract, &url, &c.Category,
			&c.Subcategory, &c.ContentType, &source, &publishedAt, &c.IsFresh, &c.RawRelevance); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}

		c.Title = fromText(title)
		c.Abstract = fromText(abstract)
		c.URL = fromText(url)
		c.Source = fromText(source)

		if publishedAt.Valid {
			t := publishedAt.Time
			c.PublishedAt = &t
		}

		c.SourceTag = sourceTag
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	return candidates, nil
}
