// Package app wires the feed engine together and exposes its run modes:
//
//   - API mode: HTTP surface for feed requests, events, tree inspection,
//     rollout administration, and ingest triggers
//   - Worker mode: periodic tree updates, canary guard checks, and fresh
//     RSS ingest
//   - Rebuild mode: full recomputation of every user's preference tree
//
// Each mode can be run independently or combined based on deployment needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anaghar27/TopFeed/internal/api"
	"github.com/Anaghar27/TopFeed/internal/core/embeddings"
	"github.com/Anaghar27/TopFeed/internal/feed"
	"github.com/Anaghar27/TopFeed/internal/ingest"
	"github.com/Anaghar27/TopFeed/internal/platform/config"
	"github.com/Anaghar27/TopFeed/internal/platform/observability"
	"github.com/Anaghar27/TopFeed/internal/platform/worker"
	"github.com/Anaghar27/TopFeed/internal/rollout"
	db "github.com/Anaghar27/TopFeed/internal/storage"
	"github.com/Anaghar27/TopFeed/internal/top"
)

const (
	workerLoopName   = "feed-maintenance"
	taskTreeUpdate   = "tree-update"
	taskCanaryGuard  = "canary-guard"
	taskFreshIngest  = "fresh-ingest"
	cohereDefaultRPS = 1
	logFieldTask     = "task"
	logFieldRunID    = "run_id"
)

// App holds the application dependencies and provides methods to run different modes.
type App struct {
	cfg      *config.Config
	database *db.DB
	logger   *zerolog.Logger
}

// New creates a new App instance with the given dependencies.
func New(cfg *config.Config, database *db.DB, logger *zerolog.Logger) *App {
	return &App{
		cfg:      cfg,
		database: database,
		logger:   logger,
	}
}

// StartHealthServer starts the health check and metrics server.
func (a *App) StartHealthServer(ctx context.Context) error {
	srv := observability.NewServer(a.database, a.cfg.HealthPort, a.logger)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("health server start: %w", err)
	}

	return nil
}

// RunAPI runs the public HTTP API.
func (a *App) RunAPI(ctx context.Context) error {
	a.logger.Info().Msg("Starting API mode")

	controller := a.newController()
	updater := a.newUpdater()
	ingestor := a.newIngestor()

	srv := api.NewServer(api.Deps{
		Feed:        a.newFeedService(controller),
		Events:      a.database,
		Tree:        a.database,
		Updater:     updater,
		Guard:       rollout.NewGuard(controller, a.database, a.logger),
		Ingest:      ingestor,
		Rollout:     controller,
		GuardWindow: a.guardWindow(),
	}, a.cfg.APIPort, a.logger)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	return nil
}

// RunWorker runs the maintenance loop: incremental tree updates, canary
// guard checks, and optionally fresh ingest.
func (a *App) RunWorker(ctx context.Context) error {
	a.logger.Info().Msg("Starting worker mode")

	controller := a.newController()
	guard := rollout.NewGuard(controller, a.database, a.logger)
	updater := a.newUpdater()

	tasks := []worker.TickerTask{
		{
			Name:     taskTreeUpdate,
			Interval: a.cfg.TopUpdateInterval,
			Run: a.newTask(taskTreeUpdate, a.cfg.TopUpdateInterval, func(ctx context.Context) error {
				return updater.UpdateIncremental(ctx)
			}),
		},
		{
			Name:     taskCanaryGuard,
			Interval: a.cfg.GuardInterval,
			Run: a.newTask(taskCanaryGuard, a.cfg.GuardInterval, func(ctx context.Context) error {
				return a.runGuardCheck(ctx, guard)
			}),
		},
	}

	if a.cfg.FreshIngestEnabled {
		ingestor := a.newIngestor()
		tasks = append(tasks, worker.TickerTask{
			Name:     taskFreshIngest,
			Interval: a.cfg.FreshIngestInterval,
			Run: a.newTask(taskFreshIngest, a.cfg.FreshIngestInterval, func(ctx context.Context) error {
				return a.runFreshIngest(ctx, ingestor)
			}),
		})
	}

	return worker.TickerLoop(ctx, worker.TickerConfig{
		Name:   workerLoopName,
		Tasks:  tasks,
		Logger: a.logger,
	})
}

// RunRebuild recomputes preference trees from the full event log and exits.
// A non-empty userID restricts the rebuild to that user; otherwise limit
// bounds how many active users are processed, falling back to the configured
// default when zero.
func (a *App) RunRebuild(ctx context.Context, userID string, limit int) error {
	updater := a.newUpdater()

	if userID != "" {
		a.logger.Info().Str("user_id", userID).Msg("Starting rebuild mode for one user")

		return updater.RebuildUser(ctx, userID)
	}

	if limit == 0 {
		limit = a.cfg.RebuildUserLimit
	}

	a.logger.Info().Int("user_limit", limit).Msg("Starting rebuild mode")

	if err := updater.Rebuild(ctx, limit); err != nil {
		return fmt.Errorf("rebuild trees: %w", err)
	}

	return nil
}

// newTask wraps a maintenance task with panic recovery and a timeout capped
// at the task's own interval, so a stuck run cannot pile up behind the ticker.
func (a *App) newTask(name string, timeout time.Duration, fn func(ctx context.Context) error) func(ctx context.Context) {
	return func(ctx context.Context) {
		defer worker.RecoverPanic(a.logger, name)

		err := worker.RunWithTimeout(ctx, timeout, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Str(logFieldTask, name).Msg("maintenance task failed")
		}
	}
}

func (a *App) runGuardCheck(ctx context.Context, guard *rollout.Guard) error {
	result, err := guard.Check(ctx, a.guardWindow())
	if err != nil {
		return fmt.Errorf("guard check: %w", err)
	}

	if result.Triggered {
		a.logger.Warn().
			Str("reason", result.Reason).
			Str("action", result.Action).
			Msg("canary guard triggered")
	}

	return nil
}

func (a *App) runFreshIngest(ctx context.Context, ingestor *ingest.Ingestor) error {
	run, err := ingestor.Run(ctx)
	if err != nil {
		return fmt.Errorf("fresh ingest: %w", err)
	}

	// Nil run means another instance holds the ingest lock.
	if run != nil {
		a.logger.Debug().Str(logFieldRunID, run.RunID).Msg("fresh ingest cycle finished")
	}

	return nil
}

func (a *App) newFeedService(controller *rollout.Controller) *feed.Service {
	assembler := feed.NewAssembler(a.database, a.database, a.database, feed.PoolConfig{
		PoolSize:        a.cfg.CandidatePoolN,
		ExploreRatio:    a.cfg.ExplorePoolRatio,
		HistoryK:        a.cfg.UserHistoryK,
		HalfLifeDays:    a.cfg.UserHalfLifeDays,
		ExcludeRecentM:  a.cfg.ExcludeRecentM,
		ExploreMaxNodes: a.cfg.ExploreMaxNodes,
	})

	return feed.NewService(assembler, a.database, a.database, controller, feed.ServiceConfig{
		DefaultTopN:       a.cfg.FeedTopN,
		MaxPerCategory:    a.cfg.MaxPerCategory,
		MaxPerSubcategory: a.cfg.MaxPerSubcategory,
		Weights: feed.Weights{
			Relevance:  a.cfg.WeightRelevance,
			TopBonus:   a.cfg.WeightTopBonus,
			Coverage:   a.cfg.WeightCoverage,
			Redundancy: a.cfg.WeightRedundancy,
		},
		FreshRatio: a.cfg.FreshRatio,
		FreshHours: a.cfg.FreshHours,
		Timeout:    a.cfg.FeedTimeout,
	}, a.logger)
}

func (a *App) newController() *rollout.Controller {
	return rollout.NewController(a.database, rollout.Defaults{
		CanaryEnabled:         a.cfg.CanaryEnabled,
		CanaryPercent:         a.cfg.CanaryPercent,
		ControlModelVersion:   a.cfg.ControlModelVersion,
		CanaryModelVersion:    a.cfg.CanaryModelVersion,
		CTRDropThreshold:      a.cfg.CTRDropThreshold,
		NoveltySpikeThreshold: a.cfg.NoveltySpikeThreshold,
		CanaryAutoDisable:     a.cfg.CanaryAutoDisable,
	})
}

func (a *App) newUpdater() *top.Updater {
	updater := top.NewUpdater(a.database, top.Params{
		HalfLifeDays:   a.cfg.TopHalfLifeDays,
		SmoothingAlpha: a.cfg.TopSmoothingAlpha,
		PriorCTR:       a.cfg.TopPriorCTR,
		NoveltyPrior:   a.cfg.TopNoveltyPrior,
	}, a.cfg.TopSnapshotPaths, a.logger)

	updater.SetHorizon(a.cfg.TopUpdateHorizon)

	return updater
}

func (a *App) newIngestor() *ingest.Ingestor {
	return ingest.NewIngestor(a.database, a.newEmbeddingClient(), ingest.Config{
		SourcesPath:  a.cfg.RSSSourcesPath,
		WindowHours:  a.cfg.FreshIngestHours,
		FetchTimeout: a.cfg.RSSFetchTimeout,
		FetchRPS:     a.cfg.RSSFetchRPS,
	}, a.logger)
}

// newEmbeddingClient creates a new embedding client with multi-provider fallback.
func (a *App) newEmbeddingClient() embeddings.Client {
	logger := a.logger.With().Str("component", "embeddings").Logger()

	return embeddings.NewClient(embeddings.Config{
		OpenAIAPIKey:     a.cfg.OpenAIAPIKey,
		OpenAIModel:      a.cfg.EmbeddingModel,
		OpenAIRateLimit:  a.cfg.EmbeddingRateLimit,
		CohereAPIKey:     a.cfg.CohereAPIKey,
		CohereModel:      a.cfg.CohereModel,
		CohereRateLimit:  cohereDefaultRPS,
		ProviderOrder:    a.cfg.EmbeddingProviderOrder,
		TargetDimensions: a.cfg.EmbeddingDimensions,
		BatchSize:        a.cfg.EmbeddingBatchSize,
	}, &logger)
}

func (a *App) guardWindow() time.Duration {
	return time.Duration(a.cfg.GuardWindowMinutes) * time.Minute
}
