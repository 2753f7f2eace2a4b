package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/platform/observability"
	db "github.com/Anaghar27/TopFeed/internal/storage"
)

// ItemStore is the item catalog surface used by candidate assembly.
type ItemStore interface {
	SearchByVector(ctx context.Context, embedding []float32, limit int, excludeIDs []string) ([]domain.CandidateItem, error)
	GetPopular(ctx context.Context, limit int, excludeIDs []string) ([]domain.CandidateItem, error)
	GetFreshSince(ctx context.Context, since time.Time, limit int, excludeIDs []string) ([]domain.CandidateItem, error)
	GetUnderexploredCandidates(ctx context.Context, paths []string, perPath int, excludeIDs []string) ([]domain.CandidateItem, error)
	GetEmbeddings(ctx context.Context, itemIDs []string) (map[string][]float32, error)
}

// EventStore is the event log surface used by the request path.
type EventStore interface {
	GetUserClickHistory(ctx context.Context, userID string, limit int) ([]db.ClickedItem, error)
	GetRecentSeenItemIDs(ctx context.Context, userID string, limit int) ([]string, error)
	InsertEvents(ctx context.Context, events []domain.Event) error
}

// TreeStore is the preference tree surface used by the request path.
type TreeStore interface {
	GetTopUnderexploredPaths(ctx context.Context, userID string, limit int) ([]string, error)
	GetUserNodes(ctx context.Context, userID string) ([]domain.PreferenceNode, error)
	GetSnapshot(ctx context.Context, userID string) (*domain.TopSnapshot, error)
}

// PoolConfig sizes the hybrid candidate pool.
type PoolConfig struct {
	PoolSize        int
	ExploreRatio    float64
	HistoryK        int
	HalfLifeDays    float64
	ExcludeRecentM  int
	ExploreMaxNodes int
}

// Assembler builds the hybrid candidate pool for one user: vector neighbors
// of their interest vector, exploration picks from underexplored tree paths,
// a fresh slice in fresh_first mode, and popularity as backfill.
type Assembler struct {
	items  ItemStore
	events EventStore
	tree   TreeStore
	cfg    PoolConfig
}

func NewAssembler(items ItemStore, events EventStore, tree TreeStore, cfg PoolConfig) *Assembler {
	return &Assembler{items: items, events: events, tree: tree, cfg: cfg}
}

// Assemble returns a deduplicated pool of at most PoolSize candidates plus
// the method marker: personalized, or popular_fallback when nothing but
// popularity could contribute.
func (a *Assembler) Assemble(ctx context.Context, req *domain.FeedRequest) ([]domain.CandidateItem, string, error) {
	excludeIDs, err := a.events.GetRecentSeenItemIDs(ctx, req.UserID, a.cfg.ExcludeRecentM)
	if err != nil {
		return nil, "", fmt.Errorf("load recent seen items: %w", err)
	}

	vectorN, exploreN, freshN := a.sliceSizes(req)

	vector, err := a.vectorCandidates(ctx, req, vectorN, excludeIDs)
	if err != nil {
		return nil, "", err
	}

	exploration, err := a.explorationCandidates(ctx, req.UserID, exploreN, excludeIDs)
	if err != nil {
		return nil, "", err
	}

	var fresh []domain.CandidateItem

	if freshN > 0 {
		since := time.Now().Add(-time.Duration(req.FreshHours) * time.Hour)

		fresh, err = a.items.GetFreshSince(ctx, since, freshN, excludeIDs)
		if err != nil {
			return nil, "", fmt.Errorf("load fresh candidates: %w", err)
		}
	}

	pool := mergeDedup(a.cfg.PoolSize, vector, exploration, fresh)

	// Backfill with popularity up to the pool size.
	if len(pool) < a.cfg.PoolSize {
		popular, err := a.items.GetPopular(ctx, a.cfg.PoolSize-len(pool), excludeIDs)
		if err != nil {
			return nil, "", fmt.Errorf("load popular candidates: %w", err)
		}

		pool = mergeDedup(a.cfg.PoolSize, pool, popular)
	}

	observability.CandidatePoolSize.WithLabelValues(domain.SourceVector).Observe(float64(len(vector)))
	observability.CandidatePoolSize.WithLabelValues(domain.SourceExploration).Observe(float64(len(exploration)))
	observability.CandidatePoolSize.WithLabelValues(domain.SourceFresh).Observe(float64(len(fresh)))

	method := domain.MethodPersonalized
	if len(vector) == 0 && len(exploration) == 0 && len(fresh) == 0 {
		method = domain.MethodPopularFallback
	}

	return pool, method, nil
}

// sliceSizes splits the pool budget between sources. In fresh_first mode the
// fresh slice is carved out of the vector share.
func (a *Assembler) sliceSizes(req *domain.FeedRequest) (vectorN, exploreN, freshN int) {
	n := a.cfg.PoolSize
	exploreN = int(float64(n) * a.cfg.ExploreRatio)
	vectorN = n - exploreN

	if req.FeedMode == domain.FeedModeFreshFirst && req.FreshRatio > 0 && req.FreshHours > 0 {
		freshN = int(float64(n) * req.FreshRatio)
		if freshN > vectorN {
			freshN = vectorN
		}

		vectorN -= freshN
	}

	return vectorN, exploreN, freshN
}

func (a *Assembler) vectorCandidates(ctx context.Context, req *domain.FeedRequest, limit int, excludeIDs []string) ([]domain.CandidateItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	historyK := req.HistoryK
	if historyK <= 0 {
		historyK = a.cfg.HistoryK
	}

	clicks, err := a.events.GetUserClickHistory(ctx, req.UserID, historyK)
	if err != nil {
		return nil, fmt.Errorf("load click history: %w", err)
	}

	if len(clicks) == 0 {
		return nil, nil
	}

	itemIDs := make([]string, len(clicks))
	for i := range clicks {
		itemIDs[i] = clicks[i].ItemID
	}

	embeddings, err := a.items.GetEmbeddings(ctx, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("load click embeddings: %w", err)
	}

	userVector := DeriveUserVector(clicks, embeddings, time.Now(), a.cfg.HalfLifeDays)
	if userVector == nil {
		return nil, nil
	}

	candidates, err := a.items.SearchByVector(ctx, userVector, limit, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	return candidates, nil
}

func (a *Assembler) explorationCandidates(ctx context.Context, userID string, limit int, excludeIDs []string) ([]domain.CandidateItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	paths, err := a.tree.GetTopUnderexploredPaths(ctx, userID, a.cfg.ExploreMaxNodes)
	if err != nil {
		return nil, fmt.Errorf("load underexplored paths: %w", err)
	}

	if len(paths) == 0 {
		return nil, nil
	}

	perPath := (limit + len(paths) - 1) / len(paths)

	candidates, err := a.items.GetUnderexploredCandidates(ctx, paths, perPath, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("load exploration candidates: %w", err)
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return candidates, nil
}

// mergeDedup concatenates the source slices in priority order, keeping the
// first occurrence of each item id, truncated to maxSize.
func mergeDedup(maxSize int, sources ...[]domain.CandidateItem) []domain.CandidateItem {
	seen := make(map[string]struct{})
	merged := make([]domain.CandidateItem, 0, maxSize)

	for _, source := range sources {
		for i := range source {
			if len(merged) >= maxSize {
				return merged
			}

			if _, ok := seen[source[i].ItemID]; ok {
				continue
			}

			seen[source[i].ItemID] = struct{}{}
			merged = append(merged, source[i])
		}
	}

	return merged
}
