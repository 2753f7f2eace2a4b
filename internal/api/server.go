// Package api exposes the feed engine over HTTP: the ranking endpoint, event
// ingestion, tree inspection, rollout administration, and ingest triggers.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/platform/observability"
	"github.com/Anaghar27/TopFeed/internal/rollout"
	db "github.com/Anaghar27/TopFeed/internal/storage"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
)

// FeedService builds ranked feeds.
type FeedService interface {
	BuildFeed(ctx context.Context, req *domain.FeedRequest) (*domain.FeedResponse, error)
}

// EventWriter appends interaction events.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []domain.Event) error
}

// TreeReader serves a user's preference tree.
type TreeReader interface {
	GetSnapshot(ctx context.Context, userID string) (*domain.TopSnapshot, error)
	GetUserNodes(ctx context.Context, userID string) ([]domain.PreferenceNode, error)
}

// TreeUpdater triggers an incremental tree update.
type TreeUpdater interface {
	UpdateIncremental(ctx context.Context) error
}

// GuardRunner evaluates the canary guard.
type GuardRunner interface {
	Check(ctx context.Context, window time.Duration) (*rollout.GuardResult, error)
}

// IngestRunner triggers fresh ingest and reports its quality.
type IngestRunner interface {
	Run(ctx context.Context) (*db.FreshIngestRun, error)
	LatestQuality(ctx context.Context) (*db.FreshIngestRun, error)
}

// RolloutAdmin reads and writes the rollout configuration.
type RolloutAdmin interface {
	Snapshot(ctx context.Context) (rollout.Config, error)
	SetValue(ctx context.Context, key, value string) error
}

// Deps bundles everything the API surface calls into.
type Deps struct {
	Feed        FeedService
	Events      EventWriter
	Tree        TreeReader
	Updater     TreeUpdater
	Guard       GuardRunner
	Ingest      IngestRunner
	Rollout     RolloutAdmin
	GuardWindow time.Duration
}

// Server is the public HTTP API.
type Server struct {
	deps   Deps
	server *http.Server
	logger *zerolog.Logger
}

func NewServer(deps Deps, port int, logger *zerolog.Logger) *Server {
	s := &Server{deps: deps, logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	router.Post("/feed", s.handleFeed)
	router.Post("/events", s.handleEvents)
	router.Get("/users/{id}/top", s.handleGetTop)
	router.Get("/users/{id}/top/nodes", s.handleGetTopNodes)
	router.Post("/top/update", s.handleTopUpdate)
	router.Post("/rollout/check", s.handleRolloutCheck)
	router.Get("/rollout/config", s.handleGetRolloutConfig)
	router.Post("/rollout/config", s.handleSetRolloutConfig)
	router.Post("/fresh/ingest", s.handleFreshIngest)
	router.Get("/fresh/quality", s.handleFreshQuality)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("API server listening")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

// requestLogger logs each request and records the request metrics, labeled by
// the chi route pattern rather than the raw path.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}

		took := time.Since(start)

		observability.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		observability.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(took.Seconds())

		s.logger.Debug().
			Str("route", route).
			Str("method", r.Method).
			Int("status", ww.Status()).
			Dur("took", took).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request handled")
	})
}
