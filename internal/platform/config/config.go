// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration. Every tuning constant of the
// ranking pipeline is overridable through the environment; defaults are the
// values the engine was evaluated with.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`
	APIPort     int    `env:"API_PORT" envDefault:"8000"`

	// Database pool
	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS" envDefault:"0"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS" envDefault:"0"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"0s"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"0s"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTHCHECK_PERIOD" envDefault:"0s"`

	// Preference tree
	TopHalfLifeDays   float64       `env:"TOP_HALF_LIFE_DAYS" envDefault:"7"`
	TopSmoothingAlpha float64       `env:"TOP_SMOOTHING_ALPHA" envDefault:"5"`
	TopPriorCTR       float64       `env:"TOP_PRIOR_CTR" envDefault:"0.05"`
	TopNoveltyPrior   float64       `env:"TOP_NOVELTY_PRIOR" envDefault:"10"`
	TopUpdateInterval time.Duration `env:"TOP_UPDATE_INTERVAL" envDefault:"1h"`
	TopUpdateHorizon  time.Duration `env:"TOP_UPDATE_HORIZON" envDefault:"1h"`
	TopSnapshotPaths  int           `env:"TOP_SNAPSHOT_PATHS" envDefault:"20"`
	RebuildUserLimit  int           `env:"REBUILD_USER_LIMIT" envDefault:"0"`

	// Candidate pool
	CandidatePoolN   int     `env:"CANDIDATE_POOL_N" envDefault:"200"`
	ExplorePoolRatio float64 `env:"EXPLORE_POOL_RATIO" envDefault:"0.2"`
	UserHistoryK     int     `env:"USER_HISTORY_K" envDefault:"50"`
	UserHalfLifeDays float64 `env:"USER_HALF_LIFE_DAYS" envDefault:"7"`
	ExcludeRecentM   int     `env:"EXCLUDE_RECENT_M" envDefault:"200"`
	ExploreMaxNodes  int     `env:"EXPLORE_MAX_NODES" envDefault:"12"`
	FreshRatio       float64 `env:"FRESH_RATIO" envDefault:"0.3"`
	FreshHours       int     `env:"FRESH_HOURS" envDefault:"48"`

	// Reranker weights
	WeightRelevance   float64       `env:"W_REL_BASE" envDefault:"1.0"`
	WeightTopBonus    float64       `env:"W_TOP_BASE" envDefault:"0.5"`
	WeightCoverage    float64       `env:"W_COV_BASE" envDefault:"0.4"`
	WeightRedundancy  float64       `env:"W_REP_BASE" envDefault:"0.6"`
	MaxPerCategory    int           `env:"MAX_CAT_PER_FEED" envDefault:"8"`
	MaxPerSubcategory int           `env:"MAX_SUBCAT_PER_FEED" envDefault:"3"`
	FeedTopN          int           `env:"FEED_TOP_N" envDefault:"50"`
	FeedTimeout       time.Duration `env:"FEED_TIMEOUT" envDefault:"2s"`

	// Canary rollout defaults (used when the rollout config store has no value)
	CanaryEnabled         bool          `env:"CANARY_ENABLED" envDefault:"false"`
	CanaryPercent         int           `env:"CANARY_PERCENT" envDefault:"5"`
	ControlModelVersion   string        `env:"CONTROL_MODEL_VERSION" envDefault:"reranker_baseline:v1"`
	CanaryModelVersion    string        `env:"CANARY_MODEL_VERSION" envDefault:"reranker_baseline:v2"`
	CTRDropThreshold      float64       `env:"CTR_DROP_THRESHOLD" envDefault:"0.1"`
	NoveltySpikeThreshold float64       `env:"NOVELTY_SPIKE_THRESHOLD" envDefault:"0.1"`
	CanaryAutoDisable     bool          `env:"CANARY_AUTO_DISABLE" envDefault:"false"`
	GuardInterval         time.Duration `env:"GUARD_INTERVAL" envDefault:"15m"`
	GuardWindowMinutes    int           `env:"GUARD_WINDOW_MINUTES" envDefault:"60"`

	// Fresh ingest
	FreshIngestEnabled  bool          `env:"FRESH_INGEST_ENABLED" envDefault:"false"`
	FreshIngestInterval time.Duration `env:"FRESH_INGEST_INTERVAL" envDefault:"1h"`
	FreshIngestHours    int           `env:"FRESH_INGEST_HOURS" envDefault:"24"`
	RSSSourcesPath      string        `env:"RSS_SOURCES_PATH" envDefault:"./config/rss_sources.json"`
	RSSFetchTimeout     time.Duration `env:"RSS_FETCH_TIMEOUT" envDefault:"15s"`
	RSSFetchRPS         float64       `env:"RSS_FETCH_RPS" envDefault:"2"`

	// Embeddings
	OpenAIAPIKey           string `env:"OPENAI_API_KEY"`
	CohereAPIKey           string `env:"COHERE_API_KEY"`
	CohereModel            string `env:"COHERE_MODEL_NAME" envDefault:"embed-multilingual-light-v3.0"`
	EmbeddingModel         string `env:"EMB_MODEL_NAME" envDefault:"text-embedding-3-small"`
	EmbeddingProviderOrder string `env:"EMB_PROVIDER_ORDER" envDefault:"openai,cohere"`
	EmbeddingDimensions    int    `env:"EMB_DIMENSIONS" envDefault:"384"`
	EmbeddingBatchSize     int    `env:"EMB_BATCH_SIZE" envDefault:"128"`
	EmbeddingRateLimit     int    `env:"EMB_RATE_LIMIT_RPS" envDefault:"2"`
}

// Load reads configuration from the environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional, error is expected when not present

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	cfg.clamp()

	return cfg, nil
}

// clamp keeps ratio/percent values inside their valid ranges regardless of
// what the environment supplied.
func (c *Config) clamp() {
	c.ExplorePoolRatio = clampFloat(c.ExplorePoolRatio, 0, 0.5)
	c.FreshRatio = clampFloat(c.FreshRatio, 0, 1)
	c.TopPriorCTR = clampFloat(c.TopPriorCTR, 0, 1)

	if c.CanaryPercent < 0 {
		c.CanaryPercent = 0
	}

	if c.CanaryPercent > 100 {
		c.CanaryPercent = 100
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
