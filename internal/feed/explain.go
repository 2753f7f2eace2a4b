package feed

import (
	"github.com/Anaghar27/TopFeed/internal/core/domain"
)

// Reason tags attached to ranked items.
const (
	ReasonHighRelevance    = "high_relevance"
	ReasonUnderexplored    = "underexplored_topic"
	ReasonNewCategory      = "expands_categories"
	ReasonNewSubcategory   = "expands_subcategories"
	ReasonFresh            = "fresh"
	ReasonPopular          = "popular"
	ReasonExploration      = "exploration_pick"
	highRelevanceThreshold = 0.7
)

// reasonTags derives human-readable reasons from the score breakdown and the
// candidate's provenance.
func reasonTags(sc *domain.ScoredCandidate, params RerankParams) []string {
	var tags []string

	if sc.Breakdown.Relevance >= highRelevanceThreshold {
		tags = append(tags, ReasonHighRelevance)
	}

	if sc.Breakdown.TopBonus > 0 && params.ExploreLevel > 0 {
		tags = append(tags, ReasonUnderexplored)
	}

	if sc.Breakdown.CoverageGain >= 1 {
		tags = append(tags, ReasonNewSubcategory)
	} else if sc.Breakdown.CoverageGain > 0 {
		tags = append(tags, ReasonNewCategory)
	}

	switch sc.SourceTag {
	case domain.SourceFresh:
		tags = append(tags, ReasonFresh)
	case domain.SourcePopularity:
		tags = append(tags, ReasonPopular)
	case domain.SourceExploration:
		tags = append(tags, ReasonExploration)
	}

	return tags
}
