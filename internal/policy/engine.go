package policy

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/events"
)

// Violation reasons carried by constraint.violated notifications
const (
	ReasonStableBelowMinimum    = "stable assets below minimum"
	ReasonUnbackedAboveMaximum  = "unbacked assets exceed maximum"
	ReasonRiskAboveMaximum      = "risk exceeds maximum"
	ReasonSingleAssetAboveLimit = "single asset exposure exceeds maximum"
)

// Violation describes the first failed check of a constraint
type Violation struct {
	ConstraintID string `json:"constraint_id"`
	Reason       string `json:"reason"`
	Asset        string `json:"asset,omitempty"`
	ActualBps    uint64 `json:"actual_bps"`
	LimitBps     uint64 `json:"limit_bps"`
}

// Options tunes optional engine behavior
type Options struct {
	// Name labels the engine in notifications and status output
	Name string

	// EnforceSingleAssetLimit enables the per-asset concentration check.
	// Off by default: the limit is stored but not evaluated.
	EnforceSingleAssetLimit bool
}

// Engine evaluates the portfolio snapshot against the active constraints
type Engine struct {
	constraints *ConstraintStore
	portfolio   *Portfolio
	notifier    events.Notifier
	opts        Options
}

// NewEngine creates an engine over the given store and portfolio
func NewEngine(constraints *ConstraintStore, portfolio *Portfolio, notifier events.Notifier, opts Options) *Engine {
	if notifier == nil {
		notifier = events.Discard
	}
	return &Engine{
		constraints: constraints,
		portfolio:   portfolio,
		notifier:    notifier,
		opts:        opts,
	}
}

// Constraints exposes the constraint store
func (e *Engine) Constraints() *ConstraintStore { return e.constraints }

// Portfolio exposes the snapshot holder
func (e *Engine) Portfolio() *Portfolio { return e.portfolio }

// Name identifies the engine
func (e *Engine) Name() string {
	if e.opts.Name == "" {
		return "policy-engine"
	}
	return e.opts.Name
}

// Options returns the engine options
func (e *Engine) Options() Options { return e.opts }

// CanDeposit is the deposit eligibility hook. Every depositor is currently
// eligible.
func (e *Engine) CanDeposit(ctx context.Context, depositor string, amount uint64) bool {
	return true
}

// CanRebalanceStart checks the active constraints in insertion order and
// stops at the first violated one.
func (e *Engine) CanRebalanceStart(ctx context.Context) bool {
	snapshot := e.portfolio.Current()
	for _, c := range e.constraints.Active() {
		if v := e.validate(c, snapshot); v != nil {
			log.Warn().
				Str("constraint_id", v.ConstraintID).
				Str("reason", v.Reason).
				Str("actual", Percent(v.ActualBps)).
				Str("limit", Percent(v.LimitBps)).
				Msg("Constraint violated, rebalancing blocked")

			attrs := map[string]interface{}{
				"constraint_id": v.ConstraintID,
				"reason":        v.Reason,
				"actual_bps":    v.ActualBps,
				"limit_bps":     v.LimitBps,
			}
			if v.Asset != "" {
				attrs["asset"] = v.Asset
			}
			e.notifier.Notify(ctx, events.New(events.ConstraintViolated, attrs))
			return false
		}
	}
	return true
}

// ValidateRebalanceResult only rejects a zero total. The post-rebalance
// composition is not re-checked against the constraints.
func (e *Engine) ValidateRebalanceResult(ctx context.Context, newTotalAssets uint64) error {
	if newTotalAssets == 0 {
		return Errorf(CodeInvalidTotal, "rebalanced total assets must be positive")
	}
	return nil
}

// UpdateSnapshot overwrites the aggregate snapshot fields
func (e *Engine) UpdateSnapshot(ctx context.Context, totalAssets, stableAssets, unbackedAssets, dailyRiskBps uint64) {
	e.portfolio.Update(ctx, totalAssets, stableAssets, unbackedAssets, dailyRiskBps)
}

// UpdateAssetExposure overwrites one exposure entry
func (e *Engine) UpdateAssetExposure(ctx context.Context, asset string, exposure uint64) error {
	return e.portfolio.SetExposure(ctx, asset, exposure)
}

// validate runs the ordered checks of one constraint and returns the first
// violation, or nil. A zero total satisfies every constraint.
func (e *Engine) validate(c Constraint, s Snapshot) *Violation {
	if s.TotalAssets == 0 {
		return nil
	}

	stableBps := saturatingShare(s.StableAssets, s.TotalAssets)
	if stableBps < c.Limits.MinStableBps {
		return &Violation{ConstraintID: c.ID, Reason: ReasonStableBelowMinimum, ActualBps: stableBps, LimitBps: c.Limits.MinStableBps}
	}

	unbackedBps := saturatingShare(s.UnbackedAssets, s.TotalAssets)
	if unbackedBps > c.Limits.MaxUnbackedBps {
		return &Violation{ConstraintID: c.ID, Reason: ReasonUnbackedAboveMaximum, ActualBps: unbackedBps, LimitBps: c.Limits.MaxUnbackedBps}
	}

	if s.DailyRiskBps > c.Limits.MaxRiskBps {
		return &Violation{ConstraintID: c.ID, Reason: ReasonRiskAboveMaximum, ActualBps: s.DailyRiskBps, LimitBps: c.Limits.MaxRiskBps}
	}

	if e.opts.EnforceSingleAssetLimit {
		for _, asset := range sortedAssets(s.Exposures) {
			share := saturatingShare(s.Exposures[asset], s.TotalAssets)
			if share > c.Limits.MaxSingleAssetBps {
				return &Violation{ConstraintID: c.ID, Reason: ReasonSingleAssetAboveLimit, Asset: asset, ActualBps: share, LimitBps: c.Limits.MaxSingleAssetBps}
			}
		}
	}

	return nil
}

// ConstraintEvaluation is one row of an evaluation report
type ConstraintEvaluation struct {
	ConstraintID string     `json:"constraint_id"`
	StableBps    uint64     `json:"stable_bps"`
	UnbackedBps  uint64     `json:"unbacked_bps"`
	RiskBps      uint64     `json:"risk_bps"`
	Passed       bool       `json:"passed"`
	Violation    *Violation `json:"violation,omitempty"`
}

// Report evaluates every active constraint without short-circuiting
type Report struct {
	Snapshot    Snapshot               `json:"snapshot"`
	Vacuous     bool                   `json:"vacuous"`
	Passed      bool                   `json:"passed"`
	Evaluations []ConstraintEvaluation `json:"evaluations"`
}

// Evaluate builds a full report. Unlike CanRebalanceStart it emits no
// notifications.
func (e *Engine) Evaluate() Report {
	snapshot := e.portfolio.Current()
	report := Report{
		Snapshot: snapshot,
		Vacuous:  snapshot.TotalAssets == 0,
		Passed:   true,
	}

	for _, c := range e.constraints.Active() {
		row := ConstraintEvaluation{
			ConstraintID: c.ID,
			RiskBps:      snapshot.DailyRiskBps,
		}
		if snapshot.TotalAssets > 0 {
			row.StableBps = saturatingShare(snapshot.StableAssets, snapshot.TotalAssets)
			row.UnbackedBps = saturatingShare(snapshot.UnbackedAssets, snapshot.TotalAssets)
		}
		row.Violation = e.validate(c, snapshot)
		row.Passed = row.Violation == nil
		if !row.Passed {
			report.Passed = false
		}
		report.Evaluations = append(report.Evaluations, row)
	}
	return report
}

// saturatingShare is ShareBps clamped to MaxUint64 on overflow, which only
// happens when the part exceeds the total by a wide margin.
func saturatingShare(part, total uint64) uint64 {
	bps, err := ShareBps(part, total)
	if err != nil {
		return ^uint64(0)
	}
	return bps
}

func sortedAssets(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
