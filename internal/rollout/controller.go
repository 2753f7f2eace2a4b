// Package rollout routes users between the control and canary model
// versions and guards a running canary against metric regressions.
package rollout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
)

// ConfigStore is the key-value surface backing rollout decisions. It is
// injected so tests can substitute a fake.
type ConfigStore interface {
	GetRolloutValues(ctx context.Context) (map[string]string, error)
	SetRolloutValue(ctx context.Context, key, value string) error
	DisableCanaryIfEnabled(ctx context.Context, key string) (bool, error)
}

// Defaults supplies values for keys the store has never been given.
type Defaults struct {
	CanaryEnabled         bool
	CanaryPercent         int
	ControlModelVersion   string
	CanaryModelVersion    string
	CTRDropThreshold      float64
	NoveltySpikeThreshold float64
	CanaryAutoDisable     bool
}

// Config is one consistent view of the rollout configuration.
type Config struct {
	CanaryEnabled         bool
	CanaryPercent         int
	ControlModelVersion   string
	CanaryModelVersion    string
	CTRDropThreshold      float64
	NoveltySpikeThreshold float64
	CanaryAutoDisable     bool
}

// Assignment is the variant decision for one user.
type Assignment struct {
	Variant      string
	ModelVersion string
	Bucket       int
}

// Controller assigns users to variants from the live rollout config.
type Controller struct {
	store    ConfigStore
	defaults Defaults
}

func NewController(store ConfigStore, defaults Defaults) *Controller {
	return &Controller{store: store, defaults: defaults}
}

// Snapshot reads the whole rollout config in one round trip, filling gaps
// from the defaults.
func (c *Controller) Snapshot(ctx context.Context) (Config, error) {
	values, err := c.store.GetRolloutValues(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("read rollout config: %w", err)
	}

	cfg := Config{
		CanaryEnabled:         boolValue(values, domain.KeyCanaryEnabled, c.defaults.CanaryEnabled),
		CanaryPercent:         intValue(values, domain.KeyCanaryPercent, c.defaults.CanaryPercent),
		ControlModelVersion:   stringValue(values, domain.KeyControlModelVersion, c.defaults.ControlModelVersion),
		CanaryModelVersion:    stringValue(values, domain.KeyCanaryModelVersion, c.defaults.CanaryModelVersion),
		CTRDropThreshold:      floatValue(values, domain.KeyCTRDropThreshold, c.defaults.CTRDropThreshold),
		NoveltySpikeThreshold: floatValue(values, domain.KeyNoveltySpikeThreshold, c.defaults.NoveltySpikeThreshold),
		CanaryAutoDisable:     boolValue(values, domain.KeyCanaryAutoDisable, c.defaults.CanaryAutoDisable),
	}

	if cfg.CanaryPercent < 0 {
		cfg.CanaryPercent = 0
	}

	if cfg.CanaryPercent > 100 {
		cfg.CanaryPercent = 100
	}

	return cfg, nil
}

// Assign routes one user. The decision is a pure function of (user_id,
// config), so a user keeps their variant for as long as the config stands.
func (c *Controller) Assign(ctx context.Context, userID string) (Assignment, error) {
	cfg, err := c.Snapshot(ctx)
	if err != nil {
		return Assignment{}, err
	}

	return AssignWithConfig(userID, cfg), nil
}

// AssignWithConfig applies the routing rule against an already-read config.
func AssignWithConfig(userID string, cfg Config) Assignment {
	bucket := Bucket(userID)

	if cfg.CanaryEnabled && bucket < cfg.CanaryPercent {
		return Assignment{Variant: domain.VariantCanary, ModelVersion: cfg.CanaryModelVersion, Bucket: bucket}
	}

	return Assignment{Variant: domain.VariantControl, ModelVersion: cfg.ControlModelVersion, Bucket: bucket}
}

// Bucket maps a user to a stable bucket in [0, 100): the first 8 hex chars
// of sha256(user_id) interpreted as an integer, mod 100.
func Bucket(userID string) int {
	sum := sha256.Sum256([]byte(userID))
	prefix := hex.EncodeToString(sum[:])[:8]

	v, err := strconv.ParseUint(prefix, 16, 64)
	if err != nil {
		// Unreachable: an 8-char hex string always parses.
		return 0
	}

	return int(v % 100)
}

// SetValue writes one rollout config key, for the operator endpoint.
func (c *Controller) SetValue(ctx context.Context, key, value string) error {
	return c.store.SetRolloutValue(ctx, key, value)
}

func stringValue(values map[string]string, key, fallback string) string {
	if v, ok := values[key]; ok && v != "" {
		return v
	}

	return fallback
}

func boolValue(values map[string]string, key string, fallback bool) bool {
	v, ok := values[key]
	if !ok {
		return fallback
	}

	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}

	return parsed
}

func intValue(values map[string]string, key string, fallback int) int {
	v, ok := values[key]
	if !ok {
		return fallback
	}

	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}

	return parsed
}

func floatValue(values map[string]string, key string, fallback float64) float64 {
	v, ok := values[key]
	if !ok {
		return fallback
	}

	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}

	return parsed
}
