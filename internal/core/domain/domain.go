// Package domain holds the shared types of the feed engine: catalog items,
// interaction events, preference-tree nodes, and the transient candidate
// records that flow through one ranking request.
package domain

import "time"

// Content types for items.
const (
	ContentTypeArchival = "archival"
	ContentTypeFresh    = "fresh"
)

// Event types accepted by the event log.
const (
	EventImpression = "impression"
	EventClick      = "click"
	EventHide       = "hide"
	EventSave       = "save"
	EventDwell      = "dwell"
)

// Candidate source tags, in merge priority order.
const (
	SourceVector      = "vector"
	SourceExploration = "exploration"
	SourceFresh       = "fresh"
	SourcePopularity  = "popularity"
)

// Feed assembly methods reported to the caller.
const (
	MethodPersonalized    = "personalized"
	MethodPopularFallback = "popular_fallback"
)

// Feed modes.
const (
	FeedModeDefault    = "default"
	FeedModeFreshFirst = "fresh_first"
)

// Item is one catalog entry. Immutable once ingested except the freshness
// flag, which expires as the item ages out of the fresh window.
type Item struct {
	ItemID      string
	Title       string
	Abstract    string
	URL         string
	Category    string
	Subcategory string
	ContentType string
	Source      string
	PublishedAt *time.Time
	Embedding   []float32
	IsFresh     bool
}

// Event is one interaction record in the append-only event log.
type Event struct {
	UserID       string         `json:"user_id"`
	EventType    string         `json:"event_type"`
	ItemID       string         `json:"item_id"`
	Timestamp    time.Time      `json:"ts"`
	ModelVersion string         `json:"model_version,omitempty"`
	Method       string         `json:"method,omitempty"`
	Position     int            `json:"position,omitempty"`
	ExploreLevel float64        `json:"explore_level,omitempty"`
	Diversify    bool           `json:"diversify,omitempty"`
	DwellMS      int            `json:"dwell_ms,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PreferenceNode is one node of a user's Tree of Preferences, keyed by
// (user_id, path) where path is "category" or "category/subcategory".
//
// DecayedExposures and DecayedClicks are raw recency-decayed accumulators
// anchored at UpdatedAt; the derived weights are recomputed from them after
// every merge. Exposure weights across a user's top-level category nodes sum
// to ~1; interest weights are independent per node.
type PreferenceNode struct {
	UserID             string    `json:"user_id"`
	Path               string    `json:"path"`
	Category           string    `json:"category"`
	Subcategory        string    `json:"subcategory,omitempty"`
	Exposures          int64     `json:"exposures"`
	Clicks             int64     `json:"clicks"`
	DecayedExposures   float64   `json:"decayed_exposures"`
	DecayedClicks      float64   `json:"decayed_clicks"`
	InterestWeight     float64   `json:"interest_weight"`
	ExposureWeight     float64   `json:"exposure_weight"`
	UnderexploredScore float64   `json:"underexplored_score"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsCategoryLevel reports whether the node is a top-level category node.
func (n *PreferenceNode) IsCategoryLevel() bool {
	return n.Subcategory == ""
}

// NodePath builds the tree path for a category/subcategory pair.
func NodePath(category, subcategory string) string {
	if subcategory == "" {
		return category
	}

	return category + "/" + subcategory
}

// TopSnapshot is the serialized materialization of one user's tree, stored
// for fast reads by the API layer. Derived from PreferenceNode rows and
// rebuildable at any time.
type TopSnapshot struct {
	UserID             string         `json:"user_id"`
	GeneratedAt        time.Time      `json:"generated_at"`
	HalfLifeDays       float64        `json:"half_life_days"`
	Root               SnapshotRoot `json:"root"`
	UnderexploredPaths []string     `json:"underexplored_paths"`
}

// SnapshotRoot aggregates the whole tree.
type SnapshotRoot struct {
	Exposures  int64          `json:"exposures"`
	Clicks     int64          `json:"clicks"`
	CTR        float64        `json:"ctr"`
	Categories []SnapshotNode `json:"categories"`
}

// SnapshotNode is one category node in the snapshot, with its subcategories
// ordered by underexplored score.
type SnapshotNode struct {
	Category           string         `json:"category"`
	Subcategory        string         `json:"subcategory,omitempty"`
	Exposures          int64          `json:"exposures"`
	Clicks             int64          `json:"clicks"`
	InterestWeight     float64        `json:"interest_weight"`
	ExposureWeight     float64        `json:"exposure_weight"`
	UnderexploredScore float64        `json:"underexplored_score"`
	Subcategories      []SnapshotNode `json:"subcategories,omitempty"`
}

// CandidateItem is a transient per-request candidate: an item reference plus
// its originating source and raw relevance before normalization.
type CandidateItem struct {
	Item
	SourceTag    string
	RawRelevance float64
}

// ScoreBreakdown carries the normalized component scores behind one pick.
type ScoreBreakdown struct {
	Relevance         float64 `json:"rel_score_norm"`
	TopBonus          float64 `json:"top_bonus_norm"`
	CoverageGain      float64 `json:"coverage_gain_norm"`
	RedundancyPenalty float64 `json:"redundancy_penalty_norm"`
	Total             float64 `json:"total_score"`
}

// ScoredCandidate is a candidate after reranking: composite score, final rank
// and the breakdown used for explanation.
type ScoredCandidate struct {
	CandidateItem
	Rank       int
	Breakdown  ScoreBreakdown
	TopPath    string
	ReasonTags []string
}

// DiversificationMetrics summarizes topical spread of a ranked feed.
type DiversificationMetrics struct {
	DistinctCategories    int     `json:"unique_categories"`
	DistinctSubcategories int     `json:"unique_subcategories"`
	ILDProxy              float64 `json:"ild_proxy"`
}

// FeedRequest is one ranking request from the API layer.
type FeedRequest struct {
	UserID       string
	TopN         int
	HistoryK     int
	ExploreLevel float64
	Diversify    bool
	FeedMode     string
	FreshRatio   float64
	FreshHours   int
}

// FeedResponse is the ordered feed plus its explainability data.
type FeedResponse struct {
	UserID          string
	Items           []ScoredCandidate
	Method          string
	Variant         string
	ModelVersion    string
	Diversification DiversificationMetrics
}

// Rollout variants.
const (
	VariantControl = "control"
	VariantCanary  = "canary"
)

// RolloutConfig keys in the rollout config store.
const (
	KeyCanaryEnabled         = "CANARY_ENABLED"
	KeyCanaryPercent         = "CANARY_PERCENT"
	KeyControlModelVersion   = "CONTROL_MODEL_VERSION"
	KeyCanaryModelVersion    = "CANARY_MODEL_VERSION"
	KeyCTRDropThreshold      = "CTR_DROP_THRESHOLD"
	KeyNoveltySpikeThreshold = "NOVELTY_SPIKE_THRESHOLD"
	KeyCanaryAutoDisable     = "CANARY_AUTO_DISABLE"
)

// IsRolloutKey reports whether key is a known rollout config key.
func IsRolloutKey(key string) bool {
	switch key {
	case KeyCanaryEnabled, KeyCanaryPercent, KeyControlModelVersion,
		KeyCanaryModelVersion, KeyCTRDropThreshold, KeyNoveltySpikeThreshold,
		KeyCanaryAutoDisable:
		return true
	default:
		return false
	}
}

// VariantStats aggregates trailing-window metrics for one rollout variant.
type VariantStats struct {
	ModelVersion string   `json:"model_version"`
	Impressions  int64    `json:"impressions"`
	Clicks       int64    `json:"clicks"`
	CTR          float64  `json:"ctr"`
	NoveltyProxy *float64 `json:"novelty_proxy"`
}
