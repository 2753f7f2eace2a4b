package top

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/platform/observability"
	db "github.com/Anaghar27/TopFeed/internal/storage"
)

// Store is the persistence surface the updater needs.
type Store interface {
	GetActiveUserIDs(ctx context.Context, limit int) ([]string, error)
	GetUserEvents(ctx context.Context, userID string) ([]db.TreeEvent, error)
	GetUserNodes(ctx context.Context, userID string) ([]domain.PreferenceNode, error)
	ReplaceUserNodes(ctx context.Context, userID string, nodes []domain.PreferenceNode) error
	GetTreeEventsSince(ctx context.Context, after, until time.Time) ([]db.TreeEvent, time.Time, error)
	UpsertNodesWithWatermark(ctx context.Context, nodes []domain.PreferenceNode, expectedLast, newLast time.Time) error
	GetWatermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, last time.Time) error
	SaveSnapshot(ctx context.Context, snapshot *domain.TopSnapshot) error
	TryAcquireAdvisoryLock(ctx context.Context, lockID int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, lockID int64) error
}

// Updater maintains user trees from the event log, either by full rebuild or
// by incremental replay from the watermark.
type Updater struct {
	store         Store
	params        Params
	snapshotPaths int
	horizon       time.Duration
	logger        *zerolog.Logger
}

func NewUpdater(store Store, params Params, snapshotPaths int, logger *zerolog.Logger) *Updater {
	if snapshotPaths <= 0 {
		snapshotPaths = 20
	}

	return &Updater{
		store:         store,
		params:        params,
		snapshotPaths: snapshotPaths,
		logger:        logger,
	}
}

// SetHorizon caps how far past the watermark one incremental run replays.
// Zero means unbounded; a bounded horizon keeps batch size predictable after
// long downtime, with later runs catching up window by window.
func (u *Updater) SetHorizon(horizon time.Duration) {
	u.horizon = horizon
}

// Rebuild recomputes every active user's tree from the full event log.
// A failure for one user is logged and does not stop the others.
func (u *Updater) Rebuild(ctx context.Context, userLimit int) error {
	start := time.Now()

	userIDs, err := u.store.GetActiveUserIDs(ctx, userLimit)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}

	now := time.Now()

	var maxEventTS time.Time

	var failed int

	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rebuild interrupted: %w", err)
		}

		lastTS, err := u.rebuildUser(ctx, userID, now)
		if err != nil {
			failed++

			observability.TreeUsersProcessed.WithLabelValues("rebuild", "error").Inc()
			u.logger.Error().Err(err).Str("user_id", userID).Msg("rebuild user failed")

			continue
		}

		observability.TreeUsersProcessed.WithLabelValues("rebuild", "ok").Inc()

		if lastTS.After(maxEventTS) {
			maxEventTS = lastTS
		}
	}

	// Only a clean pass moves the watermark. A failed user's events sit
	// before it, and advancing would hide them from incremental replay.
	if failed == 0 && !maxEventTS.IsZero() {
		if err := u.store.SetWatermark(ctx, maxEventTS); err != nil {
			return fmt.Errorf("set watermark after rebuild: %w", err)
		}
	}

	observability.TreeUpdateDuration.WithLabelValues("rebuild").Observe(time.Since(start).Seconds())

	u.logger.Info().
		Int("users", len(userIDs)).
		Int("failed", failed).
		Dur("took", time.Since(start)).
		Msg("tree rebuild finished")

	return nil
}

// RebuildUser recomputes a single user's tree from their full event history.
// The global watermark is left alone; a targeted rebuild must not move the
// incremental replay position for everyone else.
func (u *Updater) RebuildUser(ctx context.Context, userID string) error {
	if _, err := u.rebuildUser(ctx, userID, time.Now()); err != nil {
		observability.TreeUsersProcessed.WithLabelValues("rebuild", "error").Inc()

		return fmt.Errorf("rebuild user %s: %w", userID, err)
	}

	observability.TreeUsersProcessed.WithLabelValues("rebuild", "ok").Inc()

	return nil
}

func (u *Updater) rebuildUser(ctx context.Context, userID string, now time.Time) (time.Time, error) {
	events, err := u.store.GetUserEvents(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load events: %w", err)
	}

	nodes := Accumulate(userID, events, now, u.params)
	DeriveWeights(nodes, u.params)

	if err := u.store.ReplaceUserNodes(ctx, userID, nodes); err != nil {
		return time.Time{}, fmt.Errorf("replace nodes: %w", err)
	}

	snapshot := BuildSnapshot(userID, nodes, u.params, now, u.snapshotPaths)
	if err := u.store.SaveSnapshot(ctx, snapshot); err != nil {
		return time.Time{}, fmt.Errorf("save snapshot: %w", err)
	}

	observability.TreeNodesWritten.Add(float64(len(nodes)))

	var lastTS time.Time

	for i := range events {
		if events[i].Timestamp.After(lastTS) {
			lastTS = events[i].Timestamp
		}
	}

	return lastTS, nil
}

// UpdateIncremental replays events newer than the watermark into the
// affected users' trees. The watermark only advances in the same transaction
// as the node writes, so a crashed run replays the same window without
// double counting, and concurrent runs collapse to one winner.
func (u *Updater) UpdateIncremental(ctx context.Context) error {
	acquired, err := u.store.TryAcquireAdvisoryLock(ctx, db.LockIDTreeUpdate)
	if err != nil {
		return fmt.Errorf("acquire tree update lock: %w", err)
	}

	if !acquired {
		u.logger.Debug().Msg("tree update already running elsewhere, skipping")

		return nil
	}

	defer func() {
		//nolint:errcheck // lock release is best-effort, dropped with the session anyway
		_ = u.store.ReleaseAdvisoryLock(ctx, db.LockIDTreeUpdate)
	}()

	start := time.Now()

	watermark, err := u.store.GetWatermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	until := time.Now()
	if u.horizon > 0 && !watermark.IsZero() && watermark.Add(u.horizon).Before(until) {
		until = watermark.Add(u.horizon)
	}

	events, maxTS, err := u.store.GetTreeEventsSince(ctx, watermark, until)
	if err != nil {
		return fmt.Errorf("load events since watermark: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	byUser := make(map[string][]db.TreeEvent)

	for i := range events {
		byUser[events[i].UserID] = append(byUser[events[i].UserID], events[i])
	}

	var allNodes []domain.PreferenceNode

	snapshots := make([]*domain.TopSnapshot, 0, len(byUser))

	for userID, userEvents := range byUser {
		existing, err := u.store.GetUserNodes(ctx, userID)
		if err != nil {
			return fmt.Errorf("load nodes for %s: %w", userID, err)
		}

		delta := Accumulate(userID, userEvents, maxTS, u.params)
		merged := Merge(existing, delta, maxTS, u.params)
		DeriveWeights(merged, u.params)

		allNodes = append(allNodes, merged...)
		snapshots = append(snapshots, BuildSnapshot(userID, merged, u.params, maxTS, u.snapshotPaths))
	}

	err = u.store.UpsertNodesWithWatermark(ctx, allNodes, watermark, maxTS)
	if errors.Is(err, db.ErrWatermarkMoved) {
		u.logger.Warn().Msg("watermark advanced by another writer, discarding run")

		return nil
	}

	if err != nil {
		return fmt.Errorf("write nodes: %w", err)
	}

	for _, snapshot := range snapshots {
		if err := u.store.SaveSnapshot(ctx, snapshot); err != nil {
			return fmt.Errorf("save snapshot for %s: %w", snapshot.UserID, err)
		}
	}

	observability.TreeNodesWritten.Add(float64(len(allNodes)))
	observability.TreeWatermarkLagSeconds.Set(time.Since(maxTS).Seconds())
	observability.TreeUpdateDuration.WithLabelValues("incremental").Observe(time.Since(start).Seconds())

	observability.TreeUsersProcessed.WithLabelValues("incremental", "ok").Add(float64(len(byUser)))

	u.logger.Info().
		Int("events", len(events)).
		Int("users", len(byUser)).
		Int("nodes", len(allNodes)).
		Time("watermark", maxTS).
		Msg("incremental tree update finished")

	return nil
}
