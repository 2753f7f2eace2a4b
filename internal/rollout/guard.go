package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/platform/observability"
)

// Guard actions.
const (
	ActionNone     = "none"
	ActionDisabled = "disabled"
)

// StatsStore aggregates per-variant metrics over a trailing window.
type StatsStore interface {
	VariantWindowStats(ctx context.Context, modelVersion string, since time.Time) (*domain.VariantStats, error)
}

// GuardResult reports one guard evaluation.
type GuardResult struct {
	Action        string               `json:"action"`
	Reason        string               `json:"reason,omitempty"`
	Triggered     bool                 `json:"triggered"`
	WindowMinutes int                  `json:"window_minutes"`
	Control       *domain.VariantStats `json:"control,omitempty"`
	Canary        *domain.VariantStats `json:"canary,omitempty"`
}

// Guard compares canary metrics against control and disables a regressing
// canary when auto-disable is on.
type Guard struct {
	controller *Controller
	stats      StatsStore
	logger     *zerolog.Logger
}

func NewGuard(controller *Controller, stats StatsStore, logger *zerolog.Logger) *Guard {
	return &Guard{controller: controller, stats: stats, logger: logger}
}

// Check evaluates the canary over the trailing window. Safe to call
// concurrently and repeatedly: once the canary is off, checks return the
// disabled state without writing anything.
func (g *Guard) Check(ctx context.Context, window time.Duration) (*GuardResult, error) {
	cfg, err := g.controller.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	result := &GuardResult{
		Action:        ActionNone,
		WindowMinutes: int(window.Minutes()),
	}

	if !cfg.CanaryEnabled {
		result.Action = ActionDisabled
		result.Reason = "canary not enabled"

		observability.GuardChecks.WithLabelValues("already_disabled").Inc()

		return result, nil
	}

	since := time.Now().Add(-window)

	control, err := g.stats.VariantWindowStats(ctx, cfg.ControlModelVersion, since)
	if err != nil {
		return nil, fmt.Errorf("control stats: %w", err)
	}

	canary, err := g.stats.VariantWindowStats(ctx, cfg.CanaryModelVersion, since)
	if err != nil {
		return nil, fmt.Errorf("canary stats: %w", err)
	}

	result.Control = control
	result.Canary = canary

	reason := breachReason(cfg, control, canary)
	if reason == "" {
		observability.GuardChecks.WithLabelValues("healthy").Inc()

		return result, nil
	}

	result.Triggered = true
	result.Reason = reason

	observability.GuardCTRDelta.Set(control.CTR - canary.CTR)

	if !cfg.CanaryAutoDisable {
		observability.GuardChecks.WithLabelValues("breach_no_action").Inc()
		g.logger.Warn().Str("reason", reason).Msg("canary breach detected, auto-disable off")

		return result, nil
	}

	flipped, err := g.controller.store.DisableCanaryIfEnabled(ctx, domain.KeyCanaryEnabled)
	if err != nil {
		return nil, fmt.Errorf("disable canary: %w", err)
	}

	result.Action = ActionDisabled

	if flipped {
		observability.GuardChecks.WithLabelValues("disabled").Inc()
		observability.CanaryDisabledTotal.Inc()
		g.logger.Warn().Str("reason", reason).Msg("canary auto-disabled")
	} else {
		// A concurrent check already flipped it; report the same outcome.
		observability.GuardChecks.WithLabelValues("already_disabled").Inc()
	}

	return result, nil
}

// breachReason returns an empty string when the canary looks healthy.
func breachReason(cfg Config, control, canary *domain.VariantStats) string {
	if control.Impressions > 0 && canary.Impressions > 0 && control.CTR > 0 {
		relativeDrop := (control.CTR - canary.CTR) / control.CTR
		if relativeDrop > cfg.CTRDropThreshold {
			return fmt.Sprintf("canary ctr %.4f below control %.4f by %.1f%% (threshold %.1f%%)",
				canary.CTR, control.CTR, relativeDrop*100, cfg.CTRDropThreshold*100)
		}
	}

	if control.NoveltyProxy != nil && canary.NoveltyProxy != nil {
		spike := *canary.NoveltyProxy - *control.NoveltyProxy
		if spike > cfg.NoveltySpikeThreshold {
			return fmt.Sprintf("canary novelty %.4f exceeds control %.4f by %.4f (threshold %.4f)",
				*canary.NoveltyProxy, *control.NoveltyProxy, spike, cfg.NoveltySpikeThreshold)
		}
	}

	return ""
}
