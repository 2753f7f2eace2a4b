package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_feed_requests_total",
		Help: "The total number of feed requests by method and variant",
	}, []string{"method", "variant"})

	FeedRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topfeed_feed_request_duration_seconds",
		Help:    "Duration of feed assembly end to end",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	RerankDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "topfeed_rerank_duration_seconds",
		Help:    "Duration of the greedy diversified rerank step",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	CandidatePoolSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topfeed_candidate_pool_size",
		Help:    "Number of candidates assembled per feed request by source",
		Buckets: []float64{0, 10, 25, 50, 100, 200, 400, 800},
	}, []string{"source"})

	FeedCategoryCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "topfeed_feed_category_count",
		Help:    "Number of distinct categories in a returned feed",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
	})

	FeedIntraListDiversity = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "topfeed_feed_intra_list_diversity",
		Help:    "Intra-list diversity proxy of returned feeds",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_events_ingested_total",
		Help: "The total number of ingested interaction events",
	}, []string{"event_type"})

	TreeUsersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_tree_users_processed_total",
		Help: "The total number of users processed by preference tree updates",
	}, []string{"mode", "status"})

	TreeNodesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "topfeed_tree_nodes_written_total",
		Help: "The total number of preference tree nodes upserted",
	})

	TreeUpdateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topfeed_tree_update_duration_seconds",
		Help:    "Duration of preference tree update runs",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	TreeWatermarkLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "topfeed_tree_watermark_lag_seconds",
		Help: "Age of the incremental update watermark relative to now",
	})

	GuardChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_guard_checks_total",
		Help: "The total number of canary guard evaluations by outcome",
	}, []string{"outcome"})

	GuardCTRDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "topfeed_guard_ctr_delta",
		Help: "Control minus canary CTR observed by the last guard check",
	})

	CanaryDisabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "topfeed_canary_disabled_total",
		Help: "The total number of automatic canary disables",
	})

	FreshItemsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_fresh_items_ingested_total",
		Help: "The total number of fresh items ingested by source feed",
	}, []string{"feed"})

	FreshItemsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_fresh_items_skipped_total",
		Help: "The total number of fresh items skipped during ingest",
	}, []string{"reason"})

	FreshIngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "topfeed_fresh_ingest_duration_seconds",
		Help:    "Duration of a full fresh ingest run",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_http_requests_total",
		Help: "Total number of API requests",
	}, []string{"route", "method", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topfeed_http_request_duration_seconds",
		Help:    "Latency of API requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "method"})

	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_embedding_requests_total",
		Help: "Total number of embedding requests",
	}, []string{"provider", "model", "status"})

	EmbeddingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topfeed_embedding_latency_seconds",
		Help:    "Latency of embedding requests",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"provider", "model"})

	EmbeddingFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topfeed_embedding_fallbacks_total",
		Help: "Embedding requests served by a fallback provider",
	}, []string{"from_provider", "to_provider"})

	EmbeddingProviderAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "topfeed_embedding_provider_available",
		Help: "Whether an embedding provider is currently available (1) or not (0)",
	}, []string{"provider"})
)
