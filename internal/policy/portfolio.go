package policy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/events"
)

// Snapshot is the latest externally asserted portfolio composition.
// StableAssets and UnbackedAssets are expected to be <= TotalAssets; the
// reporter is trusted and this is not enforced.
type Snapshot struct {
	TotalAssets    uint64            `json:"total_assets"`
	StableAssets   uint64            `json:"stable_assets"`
	UnbackedAssets uint64            `json:"unbacked_assets"`
	DailyRiskBps   uint64            `json:"daily_risk_bps"`
	Exposures      map[string]uint64 `json:"exposures"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Clone returns a deep copy
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Exposures = make(map[string]uint64, len(s.Exposures))
	for k, v := range s.Exposures {
		out.Exposures[k] = v
	}
	return out
}

// Portfolio holds the single mutable snapshot record. No history is kept.
type Portfolio struct {
	current  Snapshot
	notifier events.Notifier
	now      func() time.Time
}

// NewPortfolio creates a portfolio with an all-zero snapshot
func NewPortfolio(notifier events.Notifier) *Portfolio {
	if notifier == nil {
		notifier = events.Discard
	}
	return &Portfolio{
		current:  Snapshot{Exposures: make(map[string]uint64)},
		notifier: notifier,
		now:      Now,
	}
}

// SetClock overrides the timestamp source
func (p *Portfolio) SetClock(now func() time.Time) {
	p.now = now
}

// Update overwrites the four aggregate fields of the snapshot. Per-asset
// exposures are maintained separately through SetExposure.
func (p *Portfolio) Update(ctx context.Context, totalAssets, stableAssets, unbackedAssets, dailyRiskBps uint64) {
	p.current.TotalAssets = totalAssets
	p.current.StableAssets = stableAssets
	p.current.UnbackedAssets = unbackedAssets
	p.current.DailyRiskBps = dailyRiskBps
	p.current.UpdatedAt = p.now()

	log.Info().
		Uint64("total_assets", totalAssets).
		Uint64("stable_assets", stableAssets).
		Uint64("unbacked_assets", unbackedAssets).
		Uint64("daily_risk_bps", dailyRiskBps).
		Msg("Portfolio snapshot updated")

	p.notifier.Notify(ctx, events.New(events.SnapshotUpdated, map[string]interface{}{
		"total_assets":    totalAssets,
		"stable_assets":   stableAssets,
		"unbacked_assets": unbackedAssets,
		"daily_risk_bps":  dailyRiskBps,
	}))
}

// SetExposure overwrites the exposure entry of a single asset
func (p *Portfolio) SetExposure(ctx context.Context, asset string, exposure uint64) error {
	if strings.TrimSpace(asset) == "" {
		return Errorf(CodeInvalidArgument, "asset id is required")
	}
	p.current.Exposures[asset] = exposure
	p.current.UpdatedAt = p.now()

	log.Info().Str("asset", asset).Uint64("exposure", exposure).Msg("Asset exposure updated")

	p.notifier.Notify(ctx, events.New(events.ExposureUpdated, map[string]interface{}{
		"asset":    asset,
		"exposure": exposure,
	}))
	return nil
}

// Current returns a copy of the snapshot
func (p *Portfolio) Current() Snapshot {
	return p.current.Clone()
}

// Restore replaces the snapshot without notifying
func (p *Portfolio) Restore(s Snapshot) {
	p.current = s.Clone()
}
