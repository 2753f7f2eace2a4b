package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/rollout"
	db "github.com/Anaghar27/TopFeed/internal/storage"
)

type fakeFeed struct {
	lastReq *domain.FeedRequest
	resp    *domain.FeedResponse
	err     error
}

func (f *fakeFeed) BuildFeed(_ context.Context, req *domain.FeedRequest) (*domain.FeedResponse, error) {
	f.lastReq = req

	if f.err != nil {
		return nil, f.err
	}

	return f.resp, nil
}

type fakeEvents struct {
	inserted []domain.Event
	err      error
}

func (f *fakeEvents) InsertEvents(_ context.Context, events []domain.Event) error {
	if f.err != nil {
		return f.err
	}

	f.inserted = append(f.inserted, events...)

	return nil
}

type fakeTree struct {
	snapshot *domain.TopSnapshot
	nodes    []domain.PreferenceNode
	err      error
}

func (f *fakeTree) GetSnapshot(context.Context, string) (*domain.TopSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.snapshot, nil
}

func (f *fakeTree) GetUserNodes(context.Context, string) ([]domain.PreferenceNode, error) {
	return f.nodes, nil
}

type fakeUpdater struct {
	calls int
	err   error
}

func (f *fakeUpdater) UpdateIncremental(context.Context) error {
	f.calls++

	return f.err
}

type fakeGuard struct {
	window time.Duration
	result *rollout.GuardResult
}

func (f *fakeGuard) Check(_ context.Context, window time.Duration) (*rollout.GuardResult, error) {
	f.window = window

	return f.result, nil
}

type fakeIngest struct {
	run       *db.FreshIngestRun
	latest    *db.FreshIngestRun
	latestErr error
}

func (f *fakeIngest) Run(context.Context) (*db.FreshIngestRun, error) {
	return f.run, nil
}

func (f *fakeIngest) LatestQuality(context.Context) (*db.FreshIngestRun, error) {
	return f.latest, f.latestErr
}

type fakeRollout struct {
	cfg    rollout.Config
	values map[string]string
}

func (f *fakeRollout) Snapshot(context.Context) (rollout.Config, error) {
	return f.cfg, nil
}

func (f *fakeRollout) SetValue(_ context.Context, key, value string) error {
	if f.values == nil {
		f.values = map[string]string{}
	}

	f.values[key] = value

	return nil
}

type testDeps struct {
	feed    *fakeFeed
	events  *fakeEvents
	tree    *fakeTree
	updater *fakeUpdater
	guard   *fakeGuard
	ingest  *fakeIngest
	rollout *fakeRollout
}

func newTestServer(t *testing.T) (*Server, *testDeps) {
	t.Helper()

	deps := &testDeps{
		feed: &fakeFeed{resp: &domain.FeedResponse{
			UserID:       "u1",
			Method:       domain.MethodPersonalized,
			Variant:      domain.VariantControl,
			ModelVersion: "reranker_baseline:v1",
		}},
		events:  &fakeEvents{},
		tree:    &fakeTree{},
		updater: &fakeUpdater{},
		guard:   &fakeGuard{result: &rollout.GuardResult{Action: rollout.ActionNone}},
		ingest:  &fakeIngest{},
		rollout: &fakeRollout{},
	}

	logger := zerolog.Nop()

	server := NewServer(Deps{
		Feed:        deps.feed,
		Events:      deps.events,
		Tree:        deps.tree,
		Updater:     deps.updater,
		Guard:       deps.guard,
		Ingest:      deps.ingest,
		Rollout:     deps.rollout,
		GuardWindow: time.Hour,
	}, 0, &logger)

	return server, deps
}

func doRequest(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	return rec
}

func TestHandleFeed_Defaults(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/feed", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, deps.feed.lastReq)
	assert.True(t, deps.feed.lastReq.Diversify, "diversify should default to true")
	assert.InDelta(t, defaultExploreLevel, deps.feed.lastReq.ExploreLevel, 1e-9)

	var resp feedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, domain.VariantControl, resp.Variant)
}

func TestHandleFeed_ExplicitFlagsForwarded(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/feed", map[string]any{
		"user_id":       "u1",
		"top_n":         10,
		"explore_level": 0.9,
		"diversify":     false,
		"feed_mode":     "fresh_first",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := deps.feed.lastReq
	assert.Equal(t, 10, req.TopN)
	assert.InDelta(t, 0.9, req.ExploreLevel, 1e-9)
	assert.False(t, req.Diversify)
	assert.Equal(t, domain.FeedModeFreshFirst, req.FeedMode)
}

func TestHandleFeed_MissingUserID(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/feed", map[string]any{"top_n": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEvents_SingleAndBatch(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/events", map[string]any{
		"user_id":    "u1",
		"event_type": "click",
		"item_id":    "i1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, deps.events.inserted, 1)
	assert.False(t, deps.events.inserted[0].Timestamp.IsZero(), "missing timestamp should be filled")

	rec = doRequest(t, server, http.MethodPost, "/events", []map[string]any{
		{"user_id": "u1", "event_type": "impression", "item_id": "i2"},
		{"user_id": "u1", "event_type": "bogus", "item_id": "i3"},
		{"user_id": "", "event_type": "click", "item_id": "i4"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 2, resp.Dropped)
}

func TestHandleGetTop(t *testing.T) {
	server, deps := newTestServer(t)
	deps.tree.snapshot = &domain.TopSnapshot{UserID: "u1", GeneratedAt: time.Now()}

	rec := doRequest(t, server, http.MethodGet, "/users/u1/top", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot domain.TopSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "u1", snapshot.UserID)
}

func TestHandleGetTop_NotFound(t *testing.T) {
	server, deps := newTestServer(t)
	deps.tree.err = fmt.Errorf("get snapshot: %w", pgx.ErrNoRows)

	rec := doRequest(t, server, http.MethodGet, "/users/unknown/top", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTopUpdate(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/top/update", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, deps.updater.calls)
}

func TestHandleRolloutCheck_WindowParam(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/rollout/check?window_minutes=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30*time.Minute, deps.guard.window)

	rec = doRequest(t, server, http.MethodPost, "/rollout/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Hour, deps.guard.window)

	rec = doRequest(t, server, http.MethodPost, "/rollout/check?window_minutes=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSetRolloutConfig(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/rollout/config", rolloutConfigUpdate{
		Key:   domain.KeyCanaryPercent,
		Value: "25",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "25", deps.rollout.values[domain.KeyCanaryPercent])

	rec = doRequest(t, server, http.MethodPost, "/rollout/config", rolloutConfigUpdate{
		Key:   "NOT_A_KEY",
		Value: "1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFreshIngest_Conflict(t *testing.T) {
	server, deps := newTestServer(t)
	deps.ingest.run = nil

	rec := doRequest(t, server, http.MethodPost, "/fresh/ingest", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleFreshQuality(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/fresh/quality", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	deps.ingest.latest = &db.FreshIngestRun{RunID: "r1", Status: "completed"}

	rec = doRequest(t, server, http.MethodGet, "/fresh/quality", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run db.FreshIngestRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "r1", run.RunID)
}

func TestHandleFreshQuality_NoRunsYet(t *testing.T) {
	// A fresh database has no ingest run row at all, which surfaces as a
	// wrapped no-rows error rather than a nil run.
	server, deps := newTestServer(t)
	deps.ingest.latestErr = fmt.Errorf("get latest fresh ingest run: %w", pgx.ErrNoRows)

	rec := doRequest(t, server, http.MethodGet, "/fresh/quality", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleFreshQuality_ReadError(t *testing.T) {
	server, deps := newTestServer(t)
	deps.ingest.latestErr = errors.New("connection reset")

	rec := doRequest(t, server, http.MethodGet, "/fresh/quality", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
