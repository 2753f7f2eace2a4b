package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/platform/observability"
)

// Default exploration dial when a feed request does not set one.
const defaultExploreLevel = 0.3

// Maximum events accepted in one POST /events call.
const maxEventBatch = 1000

var validEventTypes = map[string]bool{
	domain.EventImpression: true,
	domain.EventClick:      true,
	domain.EventHide:       true,
	domain.EventSave:       true,
	domain.EventDwell:      true,
}

type feedRequest struct {
	UserID       string   `json:"user_id"`
	TopN         int      `json:"top_n,omitempty"`
	HistoryK     int      `json:"history_k,omitempty"`
	ExploreLevel *float64 `json:"explore_level,omitempty"`
	Diversify    *bool    `json:"diversify,omitempty"`
	FeedMode     string   `json:"feed_mode,omitempty"`
	FreshRatio   float64  `json:"fresh_ratio,omitempty"`
	FreshHours   int      `json:"fresh_hours,omitempty"`
}

type feedItemResponse struct {
	ItemID      string                `json:"item_id"`
	Title       string                `json:"title,omitempty"`
	URL         string                `json:"url,omitempty"`
	Category    string                `json:"category"`
	Subcategory string                `json:"subcategory,omitempty"`
	Rank        int                   `json:"rank"`
	Source      string                `json:"source"`
	Breakdown   domain.ScoreBreakdown `json:"breakdown"`
	TopPath     string                `json:"top_path,omitempty"`
	ReasonTags  []string              `json:"reason_tags,omitempty"`
}

type feedResponse struct {
	UserID          string                        `json:"user_id"`
	Items           []feedItemResponse            `json:"items"`
	Method          string                        `json:"method"`
	Variant         string                        `json:"variant"`
	ModelVersion    string                        `json:"model_version"`
	Diversification domain.DiversificationMetrics `json:"diversification"`
}

type eventsResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

type rolloutConfigUpdate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")

		return
	}

	domainReq := &domain.FeedRequest{
		UserID:       req.UserID,
		TopN:         req.TopN,
		HistoryK:     req.HistoryK,
		ExploreLevel: defaultExploreLevel,
		Diversify:    true,
		FeedMode:     req.FeedMode,
		FreshRatio:   req.FreshRatio,
		FreshHours:   req.FreshHours,
	}

	if req.ExploreLevel != nil {
		domainReq.ExploreLevel = *req.ExploreLevel
	}

	if req.Diversify != nil {
		domainReq.Diversify = *req.Diversify
	}

	resp, err := s.deps.Feed.BuildFeed(r.Context(), domainReq)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("feed build failed")
		s.writeError(w, http.StatusInternalServerError, "feed build failed")

		return
	}

	items := make([]feedItemResponse, len(resp.Items))
	for i, it := range resp.Items {
		items[i] = feedItemResponse{
			ItemID:      it.ItemID,
			Title:       it.Title,
			URL:         it.URL,
			Category:    it.Category,
			Subcategory: it.Subcategory,
			Rank:        it.Rank,
			Source:      it.SourceTag,
			Breakdown:   it.Breakdown,
			TopPath:     it.TopPath,
			ReasonTags:  it.ReasonTags,
		}
	}

	s.writeJSON(w, http.StatusOK, feedResponse{
		UserID:          resp.UserID,
		Items:           items,
		Method:          resp.Method,
		Variant:         resp.Variant,
		ModelVersion:    resp.ModelVersion,
		Diversification: resp.Diversification,
	})
}

// handleEvents accepts one event or a batch. Invalid events are dropped and
// counted rather than failing the whole request.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := decodeEvents(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	valid := make([]domain.Event, 0, len(events))
	dropped := 0

	for _, ev := range events {
		if ev.UserID == "" || ev.ItemID == "" || !validEventTypes[ev.EventType] {
			dropped++

			continue
		}

		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}

		valid = append(valid, ev)
	}

	if len(valid) > 0 {
		if err := s.deps.Events.InsertEvents(r.Context(), valid); err != nil {
			s.logger.Error().Err(err).Int("events", len(valid)).Msg("event insert failed")
			s.writeError(w, http.StatusInternalServerError, "event insert failed")

			return
		}

		for _, ev := range valid {
			observability.EventsIngested.WithLabelValues(ev.EventType).Inc()
		}
	}

	s.writeJSON(w, http.StatusAccepted, eventsResponse{Accepted: len(valid), Dropped: dropped})
}

// decodeEvents reads either a single event object or a JSON array of them.
func decodeEvents(r *http.Request) ([]domain.Event, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, errors.New("invalid request body")
	}

	if len(raw) > 0 && raw[0] == '[' {
		var events []domain.Event
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, errors.New("invalid event array")
		}

		if len(events) > maxEventBatch {
			return nil, errors.New("event batch too large")
		}

		return events, nil
	}

	var event domain.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, errors.New("invalid event")
	}

	return []domain.Event{event}, nil
}

func (s *Server) handleGetTop(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	snapshot, err := s.deps.Tree.GetSnapshot(r.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "no preference tree for user")

			return
		}

		s.logger.Error().Err(err).Str("user_id", userID).Msg("snapshot load failed")
		s.writeError(w, http.StatusInternalServerError, "snapshot load failed")

		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleGetTopNodes(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	nodes, err := s.deps.Tree.GetUserNodes(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("node load failed")
		s.writeError(w, http.StatusInternalServerError, "node load failed")

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "nodes": nodes})
}

func (s *Server) handleTopUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Updater.UpdateIncremental(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("manual tree update failed")
		s.writeError(w, http.StatusInternalServerError, "tree update failed")

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleRolloutCheck(w http.ResponseWriter, r *http.Request) {
	window := s.deps.GuardWindow

	if raw := r.URL.Query().Get("window_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid window_minutes")

			return
		}

		window = time.Duration(minutes) * time.Minute
	}

	result, err := s.deps.Guard.Check(r.Context(), window)
	if err != nil {
		s.logger.Error().Err(err).Msg("guard check failed")
		s.writeError(w, http.StatusInternalServerError, "guard check failed")

		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRolloutConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Rollout.Snapshot(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("rollout config read failed")
		s.writeError(w, http.StatusInternalServerError, "rollout config read failed")

		return
	}

	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetRolloutConfig(w http.ResponseWriter, r *http.Request) {
	var update rolloutConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if !domain.IsRolloutKey(update.Key) {
		s.writeError(w, http.StatusBadRequest, "unknown rollout key")

		return
	}

	if err := s.deps.Rollout.SetValue(r.Context(), update.Key, update.Value); err != nil {
		s.logger.Error().Err(err).Str("key", update.Key).Msg("rollout config write failed")
		s.writeError(w, http.StatusInternalServerError, "rollout config write failed")

		return
	}

	s.logger.Info().Str("key", update.Key).Str("value", update.Value).Msg("rollout config updated")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleFreshIngest(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Ingest.Run(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("manual fresh ingest failed")
		s.writeError(w, http.StatusInternalServerError, "fresh ingest failed")

		return
	}

	if run == nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})

		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleFreshQuality(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Ingest.LatestQuality(r.Context())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "no ingest run recorded")

			return
		}

		s.logger.Error().Err(err).Msg("ingest quality read failed")
		s.writeError(w, http.StatusInternalServerError, "ingest quality read failed")

		return
	}

	if run == nil {
		s.writeError(w, http.StatusNotFound, "no ingest run recorded")

		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
