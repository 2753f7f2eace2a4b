package rollout

import (
	"context"
	"fmt"
	"testing"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
)

type fakeConfigStore struct {
	values       map[string]string
	setCalls     int
	disableCalls int
}

func (f *fakeConfigStore) GetRolloutValues(_ context.Context) (map[string]string, error) {
	return f.values, nil
}

func (f *fakeConfigStore) SetRolloutValue(_ context.Context, key, value string) error {
	if f.values == nil {
		f.values = map[string]string{}
	}

	f.values[key] = value
	f.setCalls++

	return nil
}

func (f *fakeConfigStore) DisableCanaryIfEnabled(_ context.Context, key string) (bool, error) {
	f.disableCalls++

	if f.values == nil {
		f.values = map[string]string{}
	}

	prev, stored := f.values[key]
	f.values[key] = "false"

	return !stored || prev != "false", nil
}

func testDefaults() Defaults {
	return Defaults{
		CanaryPercent:         5,
		ControlModelVersion:   "ranker:v1",
		CanaryModelVersion:    "ranker:v2",
		CTRDropThreshold:      0.1,
		NoveltySpikeThreshold: 0.1,
	}
}

func TestBucket_Stable(t *testing.T) {
	for _, userID := range []string{"alice", "bob", "u-12345", ""} {
		first := Bucket(userID)

		for i := 0; i < 10; i++ {
			if got := Bucket(userID); got != first {
				t.Fatalf("Bucket(%q) flickered: %d then %d", userID, first, got)
			}
		}

		if first < 0 || first >= 100 {
			t.Errorf("Bucket(%q) = %d, out of [0,100)", userID, first)
		}
	}
}

func TestAssign_VariantStability(t *testing.T) {
	store := &fakeConfigStore{values: map[string]string{
		domain.KeyCanaryEnabled: "true",
		domain.KeyCanaryPercent: "30",
	}}
	controller := NewController(store, testDefaults())

	first, err := controller.Assign(context.Background(), "user-42")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	for i := 0; i < 20; i++ {
		again, err := controller.Assign(context.Background(), "user-42")
		if err != nil {
			t.Fatalf("Assign() error = %v", err)
		}

		if again.Variant != first.Variant {
			t.Fatalf("variant flickered: %s then %s", first.Variant, again.Variant)
		}
	}
}

func TestAssign_Distribution(t *testing.T) {
	cfg := Config{
		CanaryEnabled:       true,
		CanaryPercent:       50,
		ControlModelVersion: "ranker:v1",
		CanaryModelVersion:  "ranker:v2",
	}

	canary := 0

	const users = 1000

	for i := 0; i < users; i++ {
		a := AssignWithConfig(fmt.Sprintf("synthetic-user-%d", i), cfg)
		if a.Variant == domain.VariantCanary {
			canary++
		}
	}

	// 50% with generous sampling tolerance.
	if canary < 420 || canary > 580 {
		t.Errorf("canary share = %d/%d, want ~500", canary, users)
	}
}

func TestAssign_DisabledRoutesEverythingToControl(t *testing.T) {
	cfg := Config{
		CanaryEnabled:       false,
		CanaryPercent:       100,
		ControlModelVersion: "ranker:v1",
		CanaryModelVersion:  "ranker:v2",
	}

	for i := 0; i < 100; i++ {
		a := AssignWithConfig(fmt.Sprintf("u%d", i), cfg)
		if a.Variant != domain.VariantControl {
			t.Fatalf("user u%d routed to %s with canary disabled", i, a.Variant)
		}

		if a.ModelVersion != "ranker:v1" {
			t.Fatalf("user u%d got model %s", i, a.ModelVersion)
		}
	}
}

func TestSnapshot_DefaultsAndClamping(t *testing.T) {
	store := &fakeConfigStore{values: map[string]string{
		domain.KeyCanaryPercent: "250",
	}}
	controller := NewController(store, testDefaults())

	cfg, err := controller.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if cfg.CanaryEnabled {
		t.Error("CanaryEnabled should default to false")
	}

	if cfg.CanaryPercent != 100 {
		t.Errorf("CanaryPercent = %d, want 100 after clamp", cfg.CanaryPercent)
	}

	if cfg.ControlModelVersion != "ranker:v1" {
		t.Errorf("ControlModelVersion = %s, want default", cfg.ControlModelVersion)
	}

	if cfg.CTRDropThreshold != 0.1 {
		t.Errorf("CTRDropThreshold = %v, want default 0.1", cfg.CTRDropThreshold)
	}
}

func TestSnapshot_MalformedValuesFallBack(t *testing.T) {
	store := &fakeConfigStore{values: map[string]string{
		domain.KeyCanaryEnabled:    "not-a-bool",
		domain.KeyCanaryPercent:    "abc",
		domain.KeyCTRDropThreshold: "xyz",
	}}
	controller := NewController(store, testDefaults())

	cfg, err := controller.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if cfg.CanaryEnabled || cfg.CanaryPercent != 5 || cfg.CTRDropThreshold != 0.1 {
		t.Errorf("malformed values should fall back to defaults, got %+v", cfg)
	}
}
