// Package ingest pulls fresh content from configured RSS feeds into the item
// catalog: parse, canonicalize, categorize, upsert by URL hash, then backfill
// embeddings for anything new.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/core/embeddings"
	"github.com/Anaghar27/TopFeed/internal/platform/observability"
	"github.com/Anaghar27/TopFeed/internal/platform/textutil"
	db "github.com/Anaghar27/TopFeed/internal/storage"
)

// Run status constants.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Skip reason labels for metrics and quality stats.
const (
	skipReasonNoURL     = "no_url"
	skipReasonNoTitle   = "no_title"
	skipReasonStale     = "stale"
	skipReasonBadURL    = "bad_url"
	skipReasonDuplicate = "duplicate_in_run"
)

// Cap on embedding backfill per run.
const embedBackfillLimit = 500

// Abstracts are truncated before storage so one verbose feed cannot bloat
// embedding input.
const maxAbstractRunes = 600

// Store is the persistence surface the ingestor needs.
type Store interface {
	UpsertFreshItem(ctx context.Context, item *domain.Item, urlHash string) (bool, error)
	SetItemEmbedding(ctx context.Context, itemID string, embedding []float32) error
	ExpireFreshItems(ctx context.Context, cutoff time.Time) (int64, error)
	GetItemsMissingEmbedding(ctx context.Context, limit int) ([]domain.Item, error)
	InsertFreshIngestRun(ctx context.Context, run *db.FreshIngestRun) error
	FinishFreshIngestRun(ctx context.Context, run *db.FreshIngestRun) error
	GetLatestFreshIngestRun(ctx context.Context) (*db.FreshIngestRun, error)
	TryAcquireAdvisoryLock(ctx context.Context, lockID int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, lockID int64) error
}

// Config carries the ingest knobs.
type Config struct {
	SourcesPath  string
	WindowHours  int
	FetchTimeout time.Duration
	FetchRPS     float64
}

// Ingestor runs one fresh ingest cycle across all configured sources.
type Ingestor struct {
	store    Store
	embedder embeddings.Client
	parser   *gofeed.Parser
	limiter  *rate.Limiter
	cfg      Config
	logger   *zerolog.Logger
}

func NewIngestor(store Store, embedder embeddings.Client, cfg Config, logger *zerolog.Logger) *Ingestor {
	if cfg.FetchRPS <= 0 {
		cfg.FetchRPS = 1
	}

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}

	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}

	return &Ingestor{
		store:    store,
		embedder: embedder,
		parser:   gofeed.NewParser(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.FetchRPS), 1),
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one ingest cycle. Returns nil without error when another
// process already holds the ingest lock.
func (in *Ingestor) Run(ctx context.Context) (*db.FreshIngestRun, error) {
	acquired, err := in.store.TryAcquireAdvisoryLock(ctx, db.LockIDFreshIngest)
	if err != nil {
		return nil, fmt.Errorf("acquire ingest lock: %w", err)
	}

	if !acquired {
		in.logger.Info().Msg("fresh ingest already running elsewhere, skipping")

		return nil, nil
	}

	defer func() {
		if err := in.store.ReleaseAdvisoryLock(ctx, db.LockIDFreshIngest); err != nil {
			in.logger.Warn().Err(err).Msg("release ingest lock failed")
		}
	}()

	start := time.Now()

	run := &db.FreshIngestRun{
		RunID:       uuid.NewString(),
		StartedAt:   start,
		Source:      "rss",
		WindowHours: in.cfg.WindowHours,
		Status:      StatusRunning,
	}

	if err := in.store.InsertFreshIngestRun(ctx, run); err != nil {
		return nil, err
	}

	if err := in.ingest(ctx, run); err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	} else {
		run.Status = StatusCompleted
	}

	finished := time.Now()
	run.FinishedAt = &finished

	observability.FreshIngestDuration.Observe(finished.Sub(start).Seconds())

	if err := in.store.FinishFreshIngestRun(ctx, run); err != nil {
		return nil, err
	}

	in.logger.Info().
		Str("run_id", run.RunID).
		Str("status", run.Status).
		Int("fetched", run.ItemsFetched).
		Int("inserted", run.ItemsInserted).
		Int("updated", run.ItemsUpdated).
		Int("embedded", run.ItemsEmbedded).
		Dur("took", finished.Sub(start)).
		Msg("fresh ingest finished")

	return run, nil
}

func (in *Ingestor) ingest(ctx context.Context, run *db.FreshIngestRun) error {
	sources, err := LoadSources(in.cfg.SourcesPath)
	if err != nil {
		return err
	}

	cutoff := run.StartedAt.Add(-time.Duration(in.cfg.WindowHours) * time.Hour)
	stats := newRunStats(len(sources))
	seenHashes := map[string]bool{}

	for _, source := range sources {
		if err := in.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		feed, err := in.fetchFeed(ctx, source.URL)
		if err != nil {
			stats.sourcesFailed++

			in.logger.Warn().Err(err).Str("source", source.Name).Msg("feed fetch failed")

			continue
		}

		in.ingestFeed(ctx, run, source, feed, cutoff, seenHashes, stats)
	}

	if len(sources) > 0 && stats.sourcesFailed == len(sources) {
		return fmt.Errorf("all %d sources failed", len(sources))
	}

	run.ItemsEmbedded = in.backfillEmbeddings(ctx)

	expired, err := in.store.ExpireFreshItems(ctx, cutoff)
	if err != nil {
		return err
	}

	stats.expired = expired
	run.Quality = stats.quality(run)

	return nil
}

func (in *Ingestor) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, in.cfg.FetchTimeout)
	defer cancel()

	feed, err := in.parser.ParseURLWithContext(feedURL, fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}

	return feed, nil
}

func (in *Ingestor) ingestFeed(ctx context.Context, run *db.FreshIngestRun, source Source, feed *gofeed.Feed, cutoff time.Time, seenHashes map[string]bool, stats *runStats) {
	for _, entry := range feed.Items {
		run.ItemsFetched++

		item, urlHash, skipReason := in.buildItem(source, entry, cutoff, stats)
		if skipReason != "" {
			observability.FreshItemsSkipped.WithLabelValues(skipReason).Inc()

			continue
		}

		if seenHashes[urlHash] {
			observability.FreshItemsSkipped.WithLabelValues(skipReasonDuplicate).Inc()

			continue
		}

		seenHashes[urlHash] = true

		inserted, err := in.store.UpsertFreshItem(ctx, item, urlHash)
		if err != nil {
			in.logger.Warn().Err(err).Str("url", item.URL).Msg("upsert fresh item failed")

			continue
		}

		if inserted {
			run.ItemsInserted++
		} else {
			run.ItemsUpdated++
		}

		observability.FreshItemsIngested.WithLabelValues(source.Name).Inc()
	}
}

// buildItem maps one feed entry to a catalog item. Returns a non-empty skip
// reason instead of an item when the entry should not be ingested.
func (in *Ingestor) buildItem(source Source, entry *gofeed.Item, cutoff time.Time, stats *runStats) (*domain.Item, string, string) {
	if entry.Link == "" {
		return nil, "", skipReasonNoURL
	}

	if entry.Title == "" {
		return nil, "", skipReasonNoTitle
	}

	canonical, err := CanonicalURL(entry.Link)
	if err != nil {
		return nil, "", skipReasonBadURL
	}

	publishedAt := entryPublishedAt(entry)
	if publishedAt == nil {
		stats.missingPublished++
	} else if publishedAt.Before(cutoff) {
		return nil, "", skipReasonStale
	}

	urlHash := URLHash(canonical)

	return &domain.Item{
		ItemID:      FreshItemID(urlHash),
		Title:       textutil.CollapseWhitespace(entry.Title),
		Abstract:    textutil.CleanAbstract(entry.Description, maxAbstractRunes),
		URL:         canonical,
		Category:    source.Category,
		Subcategory: MapSubcategory(source, entry.Title, entry.Categories),
		ContentType: domain.ContentTypeFresh,
		Source:      source.Name,
		PublishedAt: publishedAt,
		IsFresh:     true,
	}, urlHash, ""
}

// entryPublishedAt resolves the publish time of a feed entry, falling back to
// lenient parsing for feeds with nonstandard date formats.
func entryPublishedAt(entry *gofeed.Item) *time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed
	}

	for _, raw := range []string{entry.Published, entry.Updated} {
		if raw == "" {
			continue
		}

		if ts, err := dateparse.ParseAny(raw); err == nil {
			return &ts
		}
	}

	if entry.UpdatedParsed != nil {
		return entry.UpdatedParsed
	}

	return nil
}

// backfillEmbeddings embeds fresh items that have no vector yet. Failures are
// logged and skipped; the next run picks the items up again.
func (in *Ingestor) backfillEmbeddings(ctx context.Context) int {
	items, err := in.store.GetItemsMissingEmbedding(ctx, embedBackfillLimit)
	if err != nil {
		in.logger.Warn().Err(err).Msg("list items missing embedding failed")

		return 0
	}

	if len(items) == 0 {
		return 0
	}

	texts := make([]string, len(items))
	for i := range items {
		texts[i] = items[i].Title + "\n" + items[i].Abstract
	}

	vectors, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		in.logger.Warn().Err(err).Int("items", len(items)).Msg("embedding backfill failed")

		return 0
	}

	embedded := 0

	for i := range items {
		if err := in.store.SetItemEmbedding(ctx, items[i].ItemID, vectors[i]); err != nil {
			in.logger.Warn().Err(err).Str("item_id", items[i].ItemID).Msg("store embedding failed")

			continue
		}

		embedded++
	}

	return embedded
}

// LatestQuality exposes the most recent run's quality report for the API.
func (in *Ingestor) LatestQuality(ctx context.Context) (*db.FreshIngestRun, error) {
	return in.store.GetLatestFreshIngestRun(ctx)
}

type runStats struct {
	sourcesTotal     int
	sourcesFailed    int
	missingPublished int
	expired          int64
}

func newRunStats(sourcesTotal int) *runStats {
	return &runStats{sourcesTotal: sourcesTotal}
}

func (s *runStats) quality(run *db.FreshIngestRun) map[string]any {
	dedupRate := 0.0
	if run.ItemsFetched > 0 {
		dedupRate = float64(run.ItemsUpdated) / float64(run.ItemsFetched)
	}

	return map[string]any{
		"sources_total":     s.sourcesTotal,
		"sources_failed":    s.sourcesFailed,
		"missing_published": s.missingPublished,
		"expired":           s.expired,
		"dedup_rate":        dedupRate,
	}
}
