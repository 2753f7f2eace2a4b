package top

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	db "github.com/Anaghar27/TopFeed/internal/storage"
)

type fakeStore struct {
	userIDs     []string
	userEvents  map[string][]db.TreeEvent
	userNodes   map[string][]domain.PreferenceNode
	watermark   time.Time
	events      []db.TreeEvent
	eventsMaxTS time.Time

	lockHeld     bool
	upsertErr    error
	replaceErrBy map[string]error

	replacedUsers  []string
	upsertedNodes  []domain.PreferenceNode
	upsertExpected time.Time
	upsertNew      time.Time
	savedSnapshots []*domain.TopSnapshot
	setWatermarkTo time.Time
	eventsAfter    time.Time
	eventsUntil    time.Time
}

func (f *fakeStore) GetActiveUserIDs(_ context.Context, _ int) ([]string, error) {
	return f.userIDs, nil
}

func (f *fakeStore) GetUserEvents(_ context.Context, userID string) ([]db.TreeEvent, error) {
	return f.userEvents[userID], nil
}

func (f *fakeStore) GetUserNodes(_ context.Context, userID string) ([]domain.PreferenceNode, error) {
	return f.userNodes[userID], nil
}

func (f *fakeStore) ReplaceUserNodes(_ context.Context, userID string, _ []domain.PreferenceNode) error {
	if err := f.replaceErrBy[userID]; err != nil {
		return err
	}

	f.replacedUsers = append(f.replacedUsers, userID)

	return nil
}

func (f *fakeStore) GetTreeEventsSince(_ context.Context, after, until time.Time) ([]db.TreeEvent, time.Time, error) {
	f.eventsAfter = after
	f.eventsUntil = until

	return f.events, f.eventsMaxTS, nil
}

func (f *fakeStore) UpsertNodesWithWatermark(_ context.Context, nodes []domain.PreferenceNode, expectedLast, newLast time.Time) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}

	f.upsertedNodes = nodes
	f.upsertExpected = expectedLast
	f.upsertNew = newLast

	return nil
}

func (f *fakeStore) GetWatermark(_ context.Context) (time.Time, error) {
	return f.watermark, nil
}

func (f *fakeStore) SetWatermark(_ context.Context, last time.Time) error {
	f.setWatermarkTo = last

	return nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, snapshot *domain.TopSnapshot) error {
	f.savedSnapshots = append(f.savedSnapshots, snapshot)

	return nil
}

func (f *fakeStore) TryAcquireAdvisoryLock(_ context.Context, _ int64) (bool, error) {
	return !f.lockHeld, nil
}

func (f *fakeStore) ReleaseAdvisoryLock(_ context.Context, _ int64) error {
	return nil
}

func newTestUpdater(store Store) *Updater {
	logger := zerolog.Nop()

	return NewUpdater(store, DefaultParams(), 10, &logger)
}

func TestUpdateIncremental(t *testing.T) {
	t0 := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	store := &fakeStore{
		watermark: t0,
		events: []db.TreeEvent{
			{UserID: "u1", EventType: domain.EventImpression, Timestamp: t1, Category: "science", Subcategory: "physics"},
			{UserID: "u1", EventType: domain.EventClick, Timestamp: t1, Category: "science", Subcategory: "physics"},
			{UserID: "u2", EventType: domain.EventImpression, Timestamp: t1, Category: "sports"},
		},
		eventsMaxTS: t1,
		userNodes:   map[string][]domain.PreferenceNode{},
	}

	if err := newTestUpdater(store).UpdateIncremental(context.Background()); err != nil {
		t.Fatalf("UpdateIncremental() error = %v", err)
	}

	if !store.upsertExpected.Equal(t0) || !store.upsertNew.Equal(t1) {
		t.Errorf("watermark advance %v -> %v, want %v -> %v",
			store.upsertExpected, store.upsertNew, t0, t1)
	}

	// u1 gets science + science/physics, u2 gets sports.
	if len(store.upsertedNodes) != 3 {
		t.Errorf("upserted %d nodes, want 3", len(store.upsertedNodes))
	}

	if len(store.savedSnapshots) != 2 {
		t.Errorf("saved %d snapshots, want 2", len(store.savedSnapshots))
	}
}

func TestUpdateIncremental_HorizonCapsReplayWindow(t *testing.T) {
	watermark := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{watermark: watermark}

	updater := newTestUpdater(store)
	updater.SetHorizon(time.Hour)

	if err := updater.UpdateIncremental(context.Background()); err != nil {
		t.Fatalf("UpdateIncremental() error = %v", err)
	}

	want := watermark.Add(time.Hour)
	if !store.eventsUntil.Equal(want) {
		t.Errorf("replay window end = %v, want watermark+horizon %v", store.eventsUntil, want)
	}

	// A fresh watermark inside the horizon replays up to now.
	store = &fakeStore{watermark: time.Now().Add(-time.Minute)}
	updater = newTestUpdater(store)
	updater.SetHorizon(time.Hour)

	if err := updater.UpdateIncremental(context.Background()); err != nil {
		t.Fatalf("UpdateIncremental() error = %v", err)
	}

	if store.eventsUntil.Before(time.Now().Add(-time.Second)) {
		t.Errorf("replay window end = %v, want approximately now", store.eventsUntil)
	}
}

func TestUpdateIncremental_NoEvents(t *testing.T) {
	store := &fakeStore{}

	if err := newTestUpdater(store).UpdateIncremental(context.Background()); err != nil {
		t.Fatalf("UpdateIncremental() error = %v", err)
	}

	if store.upsertedNodes != nil {
		t.Error("no nodes should be written without events")
	}
}

func TestUpdateIncremental_WatermarkMoved(t *testing.T) {
	t1 := time.Now()
	store := &fakeStore{
		events: []db.TreeEvent{
			{UserID: "u1", EventType: domain.EventImpression, Timestamp: t1, Category: "science"},
		},
		eventsMaxTS: t1,
		upsertErr:   db.ErrWatermarkMoved,
	}

	if err := newTestUpdater(store).UpdateIncremental(context.Background()); err != nil {
		t.Fatalf("a moved watermark should be swallowed, got %v", err)
	}

	if len(store.savedSnapshots) != 0 {
		t.Error("snapshots must not be saved when the watermark moved")
	}
}

func TestUpdateIncremental_LockHeld(t *testing.T) {
	t1 := time.Now()
	store := &fakeStore{
		lockHeld: true,
		events: []db.TreeEvent{
			{UserID: "u1", EventType: domain.EventImpression, Timestamp: t1, Category: "science"},
		},
		eventsMaxTS: t1,
	}

	if err := newTestUpdater(store).UpdateIncremental(context.Background()); err != nil {
		t.Fatalf("UpdateIncremental() error = %v", err)
	}

	if store.upsertedNodes != nil {
		t.Error("run should be skipped while another holds the lock")
	}
}

func TestRebuild_IsolatesUserFailures(t *testing.T) {
	t1 := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	store := &fakeStore{
		userIDs: []string{"u1", "u2", "u3"},
		userEvents: map[string][]db.TreeEvent{
			"u1": {{UserID: "u1", EventType: domain.EventImpression, Timestamp: t1, Category: "science"}},
			"u2": {{UserID: "u2", EventType: domain.EventImpression, Timestamp: t2, Category: "sports"}},
			"u3": {{UserID: "u3", EventType: domain.EventClick, Timestamp: t1, Category: "tech"}},
		},
		replaceErrBy: map[string]error{"u2": errors.New("boom")},
	}

	if err := newTestUpdater(store).Rebuild(context.Background(), 0); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	if len(store.replacedUsers) != 2 {
		t.Errorf("replaced %d users, want 2 (u2 fails)", len(store.replacedUsers))
	}

	if len(store.savedSnapshots) != 2 {
		t.Errorf("saved %d snapshots, want 2", len(store.savedSnapshots))
	}

	// u2's events sit before t2. Advancing the watermark past them would
	// exclude them from every later incremental run, so a pass with
	// failures leaves the watermark where it was.
	if !store.setWatermarkTo.IsZero() {
		t.Errorf("watermark moved to %v, want untouched after a failed user", store.setWatermarkTo)
	}
}

func TestRebuild_CleanPassAdvancesWatermark(t *testing.T) {
	t1 := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	store := &fakeStore{
		userIDs: []string{"u1", "u2"},
		userEvents: map[string][]db.TreeEvent{
			"u1": {{UserID: "u1", EventType: domain.EventImpression, Timestamp: t1, Category: "science"}},
			"u2": {{UserID: "u2", EventType: domain.EventImpression, Timestamp: t2, Category: "sports"}},
		},
	}

	if err := newTestUpdater(store).Rebuild(context.Background(), 0); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	if !store.setWatermarkTo.Equal(t2) {
		t.Errorf("watermark = %v, want %v", store.setWatermarkTo, t2)
	}
}
