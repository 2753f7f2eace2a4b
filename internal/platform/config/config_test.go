package config

import (
	"os"
	"testing"
)

const (
	testEnvPostgresDSN = "POSTGRES_DSN"
	testPostgresDSN    = "postgres://localhost/test"
	testErrLoad        = "Load() error = %v"
)

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv(testEnvPostgresDSN)

	_, err := Load()
	if err == nil {
		t.Error("expected error for missing required env vars")
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.PostgresDSN != testPostgresDSN {
		t.Errorf("PostgresDSN = %q, want %q", cfg.PostgresDSN, testPostgresDSN)
	}

	if cfg.AppEnv != "local" {
		t.Errorf("AppEnv default = %q, want %q", cfg.AppEnv, "local")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.TopHalfLifeDays != 7 {
		t.Errorf("TopHalfLifeDays = %v, want 7", cfg.TopHalfLifeDays)
	}

	if cfg.CandidatePoolN != 200 {
		t.Errorf("CandidatePoolN = %v, want 200", cfg.CandidatePoolN)
	}

	if cfg.WeightRelevance != 1.0 {
		t.Errorf("WeightRelevance = %v, want 1.0", cfg.WeightRelevance)
	}

	if cfg.MaxPerCategory != 8 {
		t.Errorf("MaxPerCategory = %v, want 8", cfg.MaxPerCategory)
	}

	if cfg.MaxPerSubcategory != 3 {
		t.Errorf("MaxPerSubcategory = %v, want 3", cfg.MaxPerSubcategory)
	}

	if cfg.CanaryPercent != 5 {
		t.Errorf("CanaryPercent = %v, want 5", cfg.CanaryPercent)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)
	t.Setenv("CANDIDATE_POOL_N", "500")
	t.Setenv("W_TOP_BASE", "0.9")
	t.Setenv("CANARY_PERCENT", "150")
	t.Setenv("EXPLORE_POOL_RATIO", "0.8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.CandidatePoolN != 500 {
		t.Errorf("CandidatePoolN = %v, want 500", cfg.CandidatePoolN)
	}

	if cfg.WeightTopBonus != 0.9 {
		t.Errorf("WeightTopBonus = %v, want 0.9", cfg.WeightTopBonus)
	}

	// Out-of-range values are clamped.
	if cfg.CanaryPercent != 100 {
		t.Errorf("CanaryPercent = %v, want 100 after clamp", cfg.CanaryPercent)
	}

	if cfg.ExplorePoolRatio != 0.5 {
		t.Errorf("ExplorePoolRatio = %v, want 0.5 after clamp", cfg.ExplorePoolRatio)
	}
}
