// Package top maintains each user's Tree of Preferences: exposure and click
// accumulators per category and subcategory, recency-decayed with a
// configurable half-life, plus the derived interest, exposure, and
// underexplored weights the ranking layer consumes.
package top

import (
	"math"
	"sort"
	"time"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	db "github.com/Anaghar27/TopFeed/internal/storage"
)

// Params holds the tree smoothing constants.
type Params struct {
	// HalfLifeDays is the recency decay half-life.
	HalfLifeDays float64

	// SmoothingAlpha is the Bayesian pseudo-count mixed into the CTR.
	SmoothingAlpha float64

	// PriorCTR is the CTR assumed for unseen topics.
	PriorCTR float64

	// NoveltyPrior controls how fast the underexplored score fades with
	// accumulated exposure.
	NoveltyPrior float64
}

const (
	defaultHalfLifeDays   = 7
	defaultSmoothingAlpha = 5
	defaultPriorCTR       = 0.05
	defaultNoveltyPrior   = 10
)

// DefaultParams returns the constants the engine was tuned with.
func DefaultParams() Params {
	return Params{
		HalfLifeDays:   defaultHalfLifeDays,
		SmoothingAlpha: defaultSmoothingAlpha,
		PriorCTR:       defaultPriorCTR,
		NoveltyPrior:   defaultNoveltyPrior,
	}
}

func (p Params) normalized() Params {
	if p.HalfLifeDays <= 0 {
		p.HalfLifeDays = defaultHalfLifeDays
	}

	if p.SmoothingAlpha <= 0 {
		p.SmoothingAlpha = defaultSmoothingAlpha
	}

	if p.PriorCTR <= 0 {
		p.PriorCTR = defaultPriorCTR
	}

	if p.NoveltyPrior <= 0 {
		p.NoveltyPrior = defaultNoveltyPrior
	}

	return p
}

// DecayFactor returns the recency weight of something aged by d under the
// given half-life: exp(-ln2 * ageDays / halfLifeDays). Future timestamps get
// weight 1.
func DecayFactor(d time.Duration, halfLifeDays float64) float64 {
	if d <= 0 {
		return 1
	}

	ageDays := d.Hours() / 24

	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}

// Accumulate folds a user's events into fresh tree nodes anchored at now.
// Each impression and click contributes its decayed weight to the category
// node and, when the item has a subcategory, to the subcategory node.
func Accumulate(userID string, events []db.TreeEvent, now time.Time, params Params) []domain.PreferenceNode {
	params = params.normalized()
	byPath := make(map[string]*domain.PreferenceNode)

	for i := range events {
		e := &events[i]
		if e.Category == "" {
			continue
		}

		w := DecayFactor(now.Sub(e.Timestamp), params.HalfLifeDays)

		addEvent(byPath, userID, e.Category, "", e.EventType, w, now)

		if e.Subcategory != "" {
			addEvent(byPath, userID, e.Category, e.Subcategory, e.EventType, w, now)
		}
	}

	return flatten(byPath)
}

func addEvent(byPath map[string]*domain.PreferenceNode, userID, category, subcategory, eventType string, w float64, anchor time.Time) {
	path := domain.NodePath(category, subcategory)

	node, ok := byPath[path]
	if !ok {
		node = &domain.PreferenceNode{
			UserID:      userID,
			Path:        path,
			Category:    category,
			Subcategory: subcategory,
			UpdatedAt:   anchor,
		}
		byPath[path] = node
	}

	switch eventType {
	case domain.EventImpression:
		node.Exposures++
		node.DecayedExposures += w
	case domain.EventClick:
		node.Clicks++
		node.DecayedClicks += w
	}
}

// Merge combines existing nodes with a delta accumulated at newAnchor.
// Existing accumulators are decayed from their own anchor to newAnchor
// before the delta is added, which makes replaying events incrementally
// equivalent to a full rebuild.
func Merge(existing, delta []domain.PreferenceNode, newAnchor time.Time, params Params) []domain.PreferenceNode {
	params = params.normalized()
	byPath := make(map[string]*domain.PreferenceNode, len(existing)+len(delta))

	for i := range existing {
		n := existing[i]
		factor := DecayFactor(newAnchor.Sub(n.UpdatedAt), params.HalfLifeDays)
		n.DecayedExposures *= factor
		n.DecayedClicks *= factor
		n.UpdatedAt = newAnchor
		byPath[n.Path] = &n
	}

	for i := range delta {
		d := &delta[i]

		node, ok := byPath[d.Path]
		if !ok {
			n := *d
			n.UpdatedAt = newAnchor
			byPath[d.Path] = &n

			continue
		}

		node.Exposures += d.Exposures
		node.Clicks += d.Clicks
		node.DecayedExposures += d.DecayedExposures
		node.DecayedClicks += d.DecayedClicks
	}

	return flatten(byPath)
}

// DeriveWeights computes interest, exposure, and underexplored weights in
// place. Exposure weights are normalized across siblings: category nodes
// against all categories, subcategory nodes against siblings under the same
// category.
func DeriveWeights(nodes []domain.PreferenceNode, params Params) {
	params = params.normalized()

	var categoryTotal float64

	subcategoryTotals := make(map[string]float64)

	for i := range nodes {
		n := &nodes[i]
		if n.IsCategoryLevel() {
			categoryTotal += n.DecayedExposures
		} else {
			subcategoryTotals[n.Category] += n.DecayedExposures
		}
	}

	for i := range nodes {
		n := &nodes[i]

		n.InterestWeight = (n.DecayedClicks + params.SmoothingAlpha*params.PriorCTR) /
			(n.DecayedExposures + params.SmoothingAlpha)

		total := categoryTotal
		if !n.IsCategoryLevel() {
			total = subcategoryTotals[n.Category]
		}

		if total > 0 {
			n.ExposureWeight = n.DecayedExposures / total
		} else {
			n.ExposureWeight = 0
		}

		novelty := params.NoveltyPrior / (params.NoveltyPrior + n.DecayedExposures)
		n.UnderexploredScore = clamp01(n.InterestWeight * (1 - n.ExposureWeight) * novelty)
	}
}

// BuildSnapshot materializes the tree as the nested structure served by the
// API: categories with their subcategories, each carrying derived weights,
// plus the overall top underexplored paths.
func BuildSnapshot(userID string, nodes []domain.PreferenceNode, params Params, generatedAt time.Time, maxPaths int) *domain.TopSnapshot {
	params = params.normalized()

	snapshot := &domain.TopSnapshot{
		UserID:       userID,
		GeneratedAt:  generatedAt,
		HalfLifeDays: params.HalfLifeDays,
	}

	categories := make(map[string]*domain.SnapshotNode)

	var order []string

	for i := range nodes {
		n := &nodes[i]
		if !n.IsCategoryLevel() {
			continue
		}

		categories[n.Category] = &domain.SnapshotNode{
			Category:           n.Category,
			Exposures:          n.Exposures,
			Clicks:             n.Clicks,
			InterestWeight:     n.InterestWeight,
			ExposureWeight:     n.ExposureWeight,
			UnderexploredScore: n.UnderexploredScore,
		}
		order = append(order, n.Category)

		snapshot.Root.Exposures += n.Exposures
		snapshot.Root.Clicks += n.Clicks
	}

	for i := range nodes {
		n := &nodes[i]
		if n.IsCategoryLevel() {
			continue
		}

		parent, ok := categories[n.Category]
		if !ok {
			// Subcategory without a category node should not happen, but a
			// synthetic parent keeps the snapshot complete.
			parent = &domain.SnapshotNode{Category: n.Category}
			categories[n.Category] = parent
			order = append(order, n.Category)
		}

		parent.Subcategories = append(parent.Subcategories, domain.SnapshotNode{
			Category:           n.Category,
			Subcategory:        n.Subcategory,
			Exposures:          n.Exposures,
			Clicks:             n.Clicks,
			InterestWeight:     n.InterestWeight,
			ExposureWeight:     n.ExposureWeight,
			UnderexploredScore: n.UnderexploredScore,
		})
	}

	if snapshot.Root.Exposures > 0 {
		snapshot.Root.CTR = float64(snapshot.Root.Clicks) / float64(snapshot.Root.Exposures)
	}

	sort.Strings(order)

	for _, category := range order {
		node := categories[category]
		sort.Slice(node.Subcategories, func(i, j int) bool {
			return node.Subcategories[i].UnderexploredScore > node.Subcategories[j].UnderexploredScore
		})
		snapshot.Root.Categories = append(snapshot.Root.Categories, *node)
	}

	sort.SliceStable(snapshot.Root.Categories, func(i, j int) bool {
		return snapshot.Root.Categories[i].InterestWeight > snapshot.Root.Categories[j].InterestWeight
	})

	snapshot.UnderexploredPaths = topUnderexploredPaths(nodes, maxPaths)

	return snapshot
}

func topUnderexploredPaths(nodes []domain.PreferenceNode, maxPaths int) []string {
	sorted := make([]domain.PreferenceNode, len(nodes))
	copy(sorted, nodes)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UnderexploredScore != sorted[j].UnderexploredScore {
			return sorted[i].UnderexploredScore > sorted[j].UnderexploredScore
		}

		return sorted[i].Path < sorted[j].Path
	})

	paths := make([]string, 0, maxPaths)

	for i := range sorted {
		if len(paths) >= maxPaths {
			break
		}

		if sorted[i].UnderexploredScore <= 0 {
			break
		}

		paths = append(paths, sorted[i].Path)
	}

	return paths
}

func flatten(byPath map[string]*domain.PreferenceNode) []domain.PreferenceNode {
	nodes := make([]domain.PreferenceNode, 0, len(byPath))

	for _, n := range byPath {
		nodes = append(nodes, *n)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })

	return nodes
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
