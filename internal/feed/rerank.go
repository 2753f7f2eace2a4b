// Package feed assembles hybrid candidate pools and ranks them with a
// greedy, diversity-aware reranker driven by the user's preference tree.
package feed

import (
	"github.com/Anaghar27/TopFeed/internal/core/domain"
)

// Weights are the base coefficients of the composite score.
type Weights struct {
	Relevance  float64
	TopBonus   float64
	Coverage   float64
	Redundancy float64
}

// DefaultWeights returns the coefficients the reranker was tuned with.
func DefaultWeights() Weights {
	return Weights{Relevance: 1.0, TopBonus: 0.5, Coverage: 0.4, Redundancy: 0.6}
}

// RerankParams configures one reranking pass.
type RerankParams struct {
	TopN              int
	ExploreLevel      float64
	MaxPerCategory    int
	MaxPerSubcategory int
	Weights           Weights
}

// RerankResult is the ordered selection plus feed-level diversity metrics.
type RerankResult struct {
	Items   []domain.ScoredCandidate
	Metrics domain.DiversificationMetrics
}

// Cap relaxation phases, applied in order when the pool cannot fill top_n
// under the hard caps: first the subcategory cap goes, then the category cap.
const (
	phaseBothCaps = iota
	phaseCategoryCapOnly
	phaseNoCaps
)

// Rerank greedily selects up to top_n candidates, re-scoring the remainder
// against the current selection after every pick. topScores maps preference
// tree paths to underexplored scores; a candidate matches its
// category/subcategory path first, then its category path.
//
// Determinism: candidates are visited in pool arrival order and a pick must
// strictly beat the running best, so equal scores resolve to the earlier
// candidate.
func Rerank(pool []domain.CandidateItem, topScores map[string]float64, params RerankParams) RerankResult {
	if params.TopN <= 0 || len(pool) == 0 {
		return RerankResult{}
	}

	relNorm := minMaxNormalize(pool, func(c *domain.CandidateItem) float64 { return c.RawRelevance })

	topRaw := make([]float64, len(pool))
	topPaths := make([]string, len(pool))

	for i := range pool {
		topRaw[i], topPaths[i] = topScoreFor(&pool[i], topScores)
	}

	topNorm := minMaxNormalizeSlice(topRaw)

	selected := make([]domain.ScoredCandidate, 0, params.TopN)
	used := make([]bool, len(pool))
	catCount := make(map[string]int)
	subCount := make(map[string]int)

	phase := phaseBothCaps

	for len(selected) < params.TopN {
		best := -1

		var bestScore float64

		var bestBreakdown domain.ScoreBreakdown

		for i := range pool {
			if used[i] {
				continue
			}

			if !withinCaps(&pool[i], catCount, subCount, params, phase) {
				continue
			}

			breakdown := scoreAgainst(&pool[i], relNorm[i], topNorm[i], catCount, subCount, params)
			if best == -1 || breakdown.Total > bestScore {
				best = i
				bestScore = breakdown.Total
				bestBreakdown = breakdown
			}
		}

		if best == -1 {
			if phase < phaseNoCaps && remaining(used) > 0 {
				phase++

				continue
			}

			break
		}

		used[best] = true
		catCount[pool[best].Category]++

		if pool[best].Subcategory != "" {
			subCount[pool[best].Subcategory]++
		}

		sc := domain.ScoredCandidate{
			CandidateItem: pool[best],
			Rank:          len(selected) + 1,
			Breakdown:     bestBreakdown,
			TopPath:       topPaths[best],
		}
		sc.ReasonTags = reasonTags(&sc, params)
		selected = append(selected, sc)
	}

	return RerankResult{
		Items:   selected,
		Metrics: diversificationMetrics(selected),
	}
}

func withinCaps(c *domain.CandidateItem, catCount, subCount map[string]int, params RerankParams, phase int) bool {
	if phase >= phaseNoCaps {
		return true
	}

	if params.MaxPerCategory > 0 && catCount[c.Category] >= params.MaxPerCategory {
		return false
	}

	if phase >= phaseCategoryCapOnly {
		return true
	}

	if c.Subcategory != "" && params.MaxPerSubcategory > 0 && subCount[c.Subcategory] >= params.MaxPerSubcategory {
		return false
	}

	return true
}

func scoreAgainst(c *domain.CandidateItem, relNorm, topNorm float64, catCount, subCount map[string]int, params RerankParams) domain.ScoreBreakdown {
	coverage := coverageGain(c, catCount, subCount)
	redundancy := redundancyPenalty(c, catCount, subCount, params)

	w := params.Weights

	breakdown := domain.ScoreBreakdown{
		Relevance:         relNorm,
		TopBonus:          topNorm,
		CoverageGain:      coverage,
		RedundancyPenalty: redundancy,
	}

	breakdown.Total = w.Relevance*relNorm +
		w.TopBonus*topNorm*params.ExploreLevel +
		w.Coverage*coverage -
		w.Redundancy*redundancy

	return breakdown
}

// coverageGain rewards candidates that widen the selection: a new
// subcategory scores 1, a new category that brings no new subcategory
// scores 0.5, anything already covered scores 0. Subcategories count by
// name, so a familiar subcategory under a fresh category earns only the
// category gain.
func coverageGain(c *domain.CandidateItem, catCount, subCount map[string]int) float64 {
	if c.Subcategory != "" && subCount[c.Subcategory] == 0 {
		return 1
	}

	if catCount[c.Category] == 0 {
		return 0.5
	}

	return 0
}

// redundancyPenalty grows as the candidate's category or subcategory
// approaches its cap within the current selection.
func redundancyPenalty(c *domain.CandidateItem, catCount, subCount map[string]int, params RerankParams) float64 {
	var penalty float64

	if params.MaxPerCategory > 0 {
		penalty = float64(catCount[c.Category]) / float64(params.MaxPerCategory)
	}

	if c.Subcategory != "" && params.MaxPerSubcategory > 0 {
		subFrac := float64(subCount[c.Subcategory]) / float64(params.MaxPerSubcategory)
		if subFrac > penalty {
			penalty = subFrac
		}
	}

	if penalty > 1 {
		penalty = 1
	}

	return penalty
}

func topScoreFor(c *domain.CandidateItem, topScores map[string]float64) (float64, string) {
	if c.Subcategory != "" {
		path := domain.NodePath(c.Category, c.Subcategory)
		if score, ok := topScores[path]; ok {
			return score, path
		}
	}

	if score, ok := topScores[c.Category]; ok {
		return score, c.Category
	}

	return 0, ""
}

// diversificationMetrics computes distinct category/subcategory counts and
// the intra-list diversity proxy: average pairwise dissimilarity where a
// different category counts 1, the same category with a different
// subcategory counts 0.5, and the same subcategory counts 0.
func diversificationMetrics(selected []domain.ScoredCandidate) domain.DiversificationMetrics {
	categories := make(map[string]struct{})
	subcategories := make(map[string]struct{})

	for i := range selected {
		categories[selected[i].Category] = struct{}{}

		if selected[i].Subcategory != "" {
			subcategories[selected[i].Subcategory] = struct{}{}
		}
	}

	metrics := domain.DiversificationMetrics{
		DistinctCategories:    len(categories),
		DistinctSubcategories: len(subcategories),
	}

	if len(selected) < 2 {
		return metrics
	}

	var sum float64

	var pairs int

	for i := 0; i < len(selected); i++ {
		for j := i + 1; j < len(selected); j++ {
			sum += categoryDissimilarity(&selected[i].CandidateItem, &selected[j].CandidateItem)
			pairs++
		}
	}

	metrics.ILDProxy = sum / float64(pairs)

	return metrics
}

func categoryDissimilarity(a, b *domain.CandidateItem) float64 {
	if a.Category != b.Category {
		return 1
	}

	if a.Subcategory != b.Subcategory {
		return 0.5
	}

	return 0
}

func remaining(used []bool) int {
	n := 0

	for _, u := range used {
		if !u {
			n++
		}
	}

	return n
}

func minMaxNormalize(pool []domain.CandidateItem, value func(*domain.CandidateItem) float64) []float64 {
	raw := make([]float64, len(pool))

	for i := range pool {
		raw[i] = value(&pool[i])
	}

	return minMaxNormalizeSlice(raw)
}

func minMaxNormalizeSlice(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}

	minV, maxV := raw[0], raw[0]

	for _, v := range raw[1:] {
		if v < minV {
			minV = v
		}

		if v > maxV {
			maxV = v
		}
	}

	norm := make([]float64, len(raw))

	if maxV == minV {
		return norm
	}

	for i, v := range raw {
		norm[i] = (v - minV) / (maxV - minV)
	}

	return norm
}
