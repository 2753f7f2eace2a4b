package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/platform/observability"
	"github.com/Anaghar27/TopFeed/internal/rollout"
)

// ServiceConfig carries the request-path defaults and ranking knobs.
type ServiceConfig struct {
	DefaultTopN       int
	MaxPerCategory    int
	MaxPerSubcategory int
	Weights           Weights
	FreshRatio        float64
	FreshHours        int
	Timeout           time.Duration
}

// Service runs the full ranking pipeline for one feed request: variant
// assignment, candidate assembly, diversified reranking, and fire-and-forget
// impression logging.
type Service struct {
	assembler  *Assembler
	tree       TreeStore
	events     EventStore
	controller *rollout.Controller
	cfg        ServiceConfig
	logger     *zerolog.Logger
}

func NewService(assembler *Assembler, tree TreeStore, events EventStore, controller *rollout.Controller, cfg ServiceConfig, logger *zerolog.Logger) *Service {
	return &Service{
		assembler:  assembler,
		tree:       tree,
		events:     events,
		controller: controller,
		cfg:        cfg,
		logger:     logger,
	}
}

// BuildFeed produces the ordered, explained feed for one request.
func (s *Service) BuildFeed(ctx context.Context, req *domain.FeedRequest) (*domain.FeedResponse, error) {
	start := time.Now()

	s.applyDefaults(req)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	assignment, err := s.controller.Assign(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("assign variant: %w", err)
	}

	pool, method, err := s.assembler.Assemble(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("assemble candidates: %w", err)
	}

	topScores, err := s.loadTopScores(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load tree scores: %w", err)
	}

	rerankStart := time.Now()
	result := Rerank(pool, topScores, s.rerankParams(req))

	observability.RerankDuration.Observe(time.Since(rerankStart).Seconds())

	response := &domain.FeedResponse{
		UserID:          req.UserID,
		Items:           result.Items,
		Method:          method,
		Variant:         assignment.Variant,
		ModelVersion:    assignment.ModelVersion,
		Diversification: result.Metrics,
	}

	s.logImpressions(req, response)

	observability.FeedRequests.WithLabelValues(method, assignment.Variant).Inc()
	observability.FeedRequestDuration.WithLabelValues(assignment.Variant).Observe(time.Since(start).Seconds())
	observability.FeedCategoryCount.Observe(float64(result.Metrics.DistinctCategories))
	observability.FeedIntraListDiversity.Observe(result.Metrics.ILDProxy)

	s.logger.Debug().
		Str("user_id", req.UserID).
		Str("method", method).
		Str("variant", assignment.Variant).
		Int("pool", len(pool)).
		Int("returned", len(result.Items)).
		Dur("took", time.Since(start)).
		Msg("feed built")

	return response, nil
}

func (s *Service) applyDefaults(req *domain.FeedRequest) {
	if req.TopN <= 0 {
		req.TopN = s.cfg.DefaultTopN
	}

	if req.ExploreLevel < 0 {
		req.ExploreLevel = 0
	}

	if req.ExploreLevel > 1 {
		req.ExploreLevel = 1
	}

	if req.FeedMode == "" {
		req.FeedMode = domain.FeedModeDefault
	}

	if req.FeedMode == domain.FeedModeFreshFirst {
		if req.FreshRatio <= 0 {
			req.FreshRatio = s.cfg.FreshRatio
		}

		if req.FreshHours <= 0 {
			req.FreshHours = s.cfg.FreshHours
		}
	}
}

// rerankParams maps the request onto a reranking pass. With diversify off
// only the relevance term and no caps remain, which degenerates to a stable
// relevance sort.
func (s *Service) rerankParams(req *domain.FeedRequest) RerankParams {
	params := RerankParams{
		TopN:              req.TopN,
		ExploreLevel:      req.ExploreLevel,
		MaxPerCategory:    s.cfg.MaxPerCategory,
		MaxPerSubcategory: s.cfg.MaxPerSubcategory,
		Weights:           s.cfg.Weights,
	}

	if !req.Diversify {
		params.Weights = Weights{Relevance: s.cfg.Weights.Relevance}
		params.MaxPerCategory = 0
		params.MaxPerSubcategory = 0
	}

	return params
}

func (s *Service) loadTopScores(ctx context.Context, userID string) (map[string]float64, error) {
	nodes, err := s.tree.GetUserNodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(nodes))

	for i := range nodes {
		scores[nodes[i].Path] = nodes[i].UnderexploredScore
	}

	return scores, nil
}

// logImpressions appends one impression per returned item, fire and forget.
// The shared novelty proxy (share of non-vector picks) rides along in the
// metadata for the rollout guard.
func (s *Service) logImpressions(req *domain.FeedRequest, response *domain.FeedResponse) {
	if len(response.Items) == 0 {
		return
	}

	novelty := noveltyProxy(response.Items)
	now := time.Now()

	events := make([]domain.Event, len(response.Items))

	for i := range response.Items {
		events[i] = domain.Event{
			UserID:       req.UserID,
			EventType:    domain.EventImpression,
			ItemID:       response.Items[i].ItemID,
			Timestamp:    now,
			ModelVersion: response.ModelVersion,
			Method:       response.Method,
			Position:     response.Items[i].Rank,
			ExploreLevel: req.ExploreLevel,
			Diversify:    req.Diversify,
			Metadata:     map[string]any{"novelty_proxy": novelty, "source": response.Items[i].SourceTag},
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.events.InsertEvents(ctx, events); err != nil {
			s.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("impression logging failed")
		}

		observability.EventsIngested.WithLabelValues(domain.EventImpression).Add(float64(len(events)))
	}()
}

// noveltyProxy is the share of returned items that did not come from the
// vector-similarity source.
func noveltyProxy(items []domain.ScoredCandidate) float64 {
	nonVector := 0

	for i := range items {
		if items[i].SourceTag != domain.SourceVector {
			nonVector++
		}
	}

	return float64(nonVector) / float64(len(items))
}
