package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
)

type fakeStatsStore struct {
	stats map[string]*domain.VariantStats
}

func (f *fakeStatsStore) VariantWindowStats(_ context.Context, modelVersion string, _ time.Time) (*domain.VariantStats, error) {
	if s, ok := f.stats[modelVersion]; ok {
		return s, nil
	}

	return &domain.VariantStats{ModelVersion: modelVersion}, nil
}

func newTestGuard(store *fakeConfigStore, stats *fakeStatsStore) *Guard {
	logger := zerolog.Nop()

	return NewGuard(NewController(store, testDefaults()), stats, &logger)
}

func enabledConfig() map[string]string {
	return map[string]string{
		domain.KeyCanaryEnabled:     "true",
		domain.KeyCanaryPercent:     "10",
		domain.KeyCanaryAutoDisable: "true",
	}
}

func variant(model string, impressions, clicks int64) *domain.VariantStats {
	s := &domain.VariantStats{ModelVersion: model, Impressions: impressions, Clicks: clicks}
	if impressions > 0 {
		s.CTR = float64(clicks) / float64(impressions)
	}

	return s
}

func TestGuardCheck_HealthyCanary(t *testing.T) {
	store := &fakeConfigStore{values: enabledConfig()}
	stats := &fakeStatsStore{stats: map[string]*domain.VariantStats{
		"ranker:v1": variant("ranker:v1", 1000, 100),
		"ranker:v2": variant("ranker:v2", 1000, 98),
	}}

	result, err := newTestGuard(store, stats).Check(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if result.Action != ActionNone || result.Triggered {
		t.Errorf("healthy canary: action=%s triggered=%v, want none/false", result.Action, result.Triggered)
	}

	if store.disableCalls != 0 {
		t.Errorf("healthy canary must not write, got %d disable calls", store.disableCalls)
	}
}

func TestGuardCheck_CTRDropDisables(t *testing.T) {
	store := &fakeConfigStore{values: enabledConfig()}
	stats := &fakeStatsStore{stats: map[string]*domain.VariantStats{
		"ranker:v1": variant("ranker:v1", 1000, 100),
		"ranker:v2": variant("ranker:v2", 1000, 50),
	}}

	result, err := newTestGuard(store, stats).Check(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if result.Action != ActionDisabled || !result.Triggered {
		t.Errorf("action=%s triggered=%v, want disabled/true", result.Action, result.Triggered)
	}

	if store.values[domain.KeyCanaryEnabled] != "false" {
		t.Error("canary flag should be flipped to false")
	}
}

func TestGuardCheck_Idempotent(t *testing.T) {
	store := &fakeConfigStore{values: enabledConfig()}
	stats := &fakeStatsStore{stats: map[string]*domain.VariantStats{
		"ranker:v1": variant("ranker:v1", 1000, 100),
		"ranker:v2": variant("ranker:v2", 1000, 50),
	}}
	guard := newTestGuard(store, stats)

	first, err := guard.Check(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("first Check() error = %v", err)
	}

	second, err := guard.Check(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("second Check() error = %v", err)
	}

	if first.Action != ActionDisabled || second.Action != ActionDisabled {
		t.Errorf("both checks should report disabled, got %s then %s", first.Action, second.Action)
	}

	// The second check sees the canary off and must not attempt a write.
	if store.disableCalls != 1 {
		t.Errorf("disable calls = %d, want exactly 1", store.disableCalls)
	}
}

func TestGuardCheck_DefaultEnabledCanaryDisables(t *testing.T) {
	// Nothing stored yet: the canary runs purely on env defaults. A breach
	// must still write a durable 'false', not report a flip that never
	// reached the store.
	store := &fakeConfigStore{}
	stats := &fakeStatsStore{stats: map[string]*domain.VariantStats{
		"ranker:v1": variant("ranker:v1", 1000, 100),
		"ranker:v2": variant("ranker:v2", 1000, 50),
	}}

	defaults := testDefaults()
	defaults.CanaryEnabled = true
	defaults.CanaryAutoDisable = true

	logger := zerolog.Nop()
	controller := NewController(store, defaults)

	result, err := NewGuard(controller, stats, &logger).Check(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if result.Action != ActionDisabled || !result.Triggered {
		t.Errorf("action=%s triggered=%v, want disabled/true", result.Action, result.Triggered)
	}

	if store.values[domain.KeyCanaryEnabled] != "false" {
		t.Errorf("stored flag = %q, want an explicit false row", store.values[domain.KeyCanaryEnabled])
	}

	cfg, err := controller.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if cfg.CanaryEnabled {
		t.Error("snapshot still reports the canary enabled after the disable")
	}
}

func TestGuardCheck_NoveltySpikeDisables(t *testing.T) {
	store := &fakeConfigStore{values: enabledConfig()}

	controlNovelty := 0.2
	canaryNovelty := 0.5

	control := variant("ranker:v1", 1000, 100)
	control.NoveltyProxy = &controlNovelty

	canary := variant("ranker:v2", 1000, 100)
	canary.NoveltyProxy = &canaryNovelty

	stats := &fakeStatsStore{stats: map[string]*domain.VariantStats{
		"ranker:v1": control,
		"ranker:v2": canary,
	}}

	result, err := newTestGuard(store, stats).Check(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if result.Action != ActionDisabled || !result.Triggered {
		t.Errorf("novelty spike: action=%s triggered=%v, want disabled/true", result.Action, result.Triggered)
	}
}

func TestGuardCheck_BreachWithoutAutoDisable(t *testing.T) {
	values := enabledConfig()
	values[domain.KeyCanaryAutoDisable] = "false"

	store := &fakeConfigStore{values: values}
	stats := &fakeStatsStore{stats: map[string]*domain.VariantStats{
		"ranker:v1": variant("ranker:v1", 1000, 100),
		"ranker:v2": variant("ranker:v2", 1000, 50),
	}}

	result, err := newTestGuard(store, stats).Check(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if result.Action != ActionNone || !result.Triggered {
		t.Errorf("action=%s triggered=%v, want none/true", result.Action, result.Triggered)
	}

	if store.values[domain.KeyCanaryEnabled] != "true" {
		t.Error("canary must stay enabled when auto-disable is off")
	}
}

func TestGuardCheck_SmallSampleDoesNotTrigger(t *testing.T) {
	store := &fakeConfigStore{values: enabledConfig()}
	stats := &fakeStatsStore{stats: map[string]*domain.VariantStats{
		"ranker:v1": variant("ranker:v1", 1000, 100),
		"ranker:v2": variant("ranker:v2", 0, 0),
	}}

	result, err := newTestGuard(store, stats).Check(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if result.Triggered {
		t.Error("a canary with no impressions yet must not trigger the guard")
	}
}
