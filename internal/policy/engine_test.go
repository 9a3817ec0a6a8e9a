package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/policyvault/internal/events"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *events.Recorder) {
	t.Helper()
	rec := events.NewRecorder()
	engine := NewEngine(NewConstraintStore(rec), NewPortfolio(rec), rec, opts)
	return engine, rec
}

var mandate = Limits{MinStableBps: 7000, MaxUnbackedBps: 1000, MaxRiskBps: 400, MaxSingleAssetBps: 10000}

func TestEngine_CanRebalanceStart(t *testing.T) {
	tests := []struct {
		name     string
		total    uint64
		stable   uint64
		unbacked uint64
		risk     uint64
		expected bool
		reason   string
	}{
		{name: "stable_below_minimum", total: 1000, stable: 650, unbacked: 50, risk: 100, expected: false, reason: ReasonStableBelowMinimum},
		{name: "all_checks_pass", total: 1000, stable: 750, unbacked: 50, risk: 100, expected: true},
		{name: "stable_exactly_at_minimum", total: 1000, stable: 700, unbacked: 0, risk: 0, expected: true},
		{name: "unbacked_above_maximum", total: 1000, stable: 800, unbacked: 101, risk: 100, expected: false, reason: ReasonUnbackedAboveMaximum},
		{name: "unbacked_exactly_at_maximum", total: 1000, stable: 800, unbacked: 100, risk: 400, expected: true},
		{name: "risk_above_maximum", total: 1000, stable: 800, unbacked: 50, risk: 401, expected: false, reason: ReasonRiskAboveMaximum},
		{name: "truncating_division", total: 3, stable: 2, unbacked: 0, risk: 0, expected: false, reason: ReasonStableBelowMinimum},
		{name: "stable_checked_before_risk", total: 1000, stable: 100, unbacked: 900, risk: 9000, expected: false, reason: ReasonStableBelowMinimum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, rec := newTestEngine(t, Options{})
			ctx := context.Background()
			require.NoError(t, engine.Constraints().Add(ctx, "mandate", "", mandate))
			engine.UpdateSnapshot(ctx, tt.total, tt.stable, tt.unbacked, tt.risk)

			assert.Equal(t, tt.expected, engine.CanRebalanceStart(ctx))

			violations := rec.OfType(events.ConstraintViolated)
			if tt.expected {
				assert.Empty(t, violations)
				return
			}
			require.Len(t, violations, 1)
			assert.Equal(t, "mandate", violations[0].Attributes["constraint_id"])
			assert.Equal(t, tt.reason, violations[0].Attributes["reason"])
		})
	}
}

func TestEngine_ZeroTotalIsVacuous(t *testing.T) {
	engine, rec := newTestEngine(t, Options{EnforceSingleAssetLimit: true})
	ctx := context.Background()

	strict := Limits{MinStableBps: 10000, MaxUnbackedBps: 0, MaxRiskBps: 0, MaxSingleAssetBps: 0}
	require.NoError(t, engine.Constraints().Add(ctx, "strict", "", strict))
	engine.UpdateSnapshot(ctx, 0, 0, 500, 9999)
	require.NoError(t, engine.UpdateAssetExposure(ctx, "BTC", 100))

	assert.True(t, engine.CanRebalanceStart(ctx))
	assert.Empty(t, rec.OfType(events.ConstraintViolated))
}

func TestEngine_InactiveConstraintsSkipped(t *testing.T) {
	engine, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, engine.Constraints().Add(ctx, "strict", "", Limits{MinStableBps: 10000, MaxUnbackedBps: 10000, MaxRiskBps: 10000}))
	engine.UpdateSnapshot(ctx, 1000, 500, 0, 0)
	assert.False(t, engine.CanRebalanceStart(ctx))

	require.NoError(t, engine.Constraints().Deactivate(ctx, "strict"))
	assert.True(t, engine.CanRebalanceStart(ctx))
}

func TestEngine_ShortCircuitsOnFirstViolatedConstraint(t *testing.T) {
	engine, rec := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, engine.Constraints().Add(ctx, "first", "", Limits{MinStableBps: 9000, MaxUnbackedBps: 10000, MaxRiskBps: 10000}))
	require.NoError(t, engine.Constraints().Add(ctx, "second", "", Limits{MinStableBps: 9500, MaxUnbackedBps: 10000, MaxRiskBps: 10000}))
	engine.UpdateSnapshot(ctx, 1000, 100, 0, 0)

	assert.False(t, engine.CanRebalanceStart(ctx))
	violations := rec.OfType(events.ConstraintViolated)
	require.Len(t, violations, 1)
	assert.Equal(t, "first", violations[0].Attributes["constraint_id"])
}

func TestEngine_SingleAssetLimit(t *testing.T) {
	limits := Limits{MinStableBps: 0, MaxUnbackedBps: 10000, MaxRiskBps: 10000, MaxSingleAssetBps: 2500}

	t.Run("not_enforced_by_default", func(t *testing.T) {
		engine, _ := newTestEngine(t, Options{})
		ctx := context.Background()
		require.NoError(t, engine.Constraints().Add(ctx, "c", "", limits))
		engine.UpdateSnapshot(ctx, 1000, 0, 0, 0)
		require.NoError(t, engine.UpdateAssetExposure(ctx, "ETH", 900))

		assert.True(t, engine.CanRebalanceStart(ctx))
	})

	t.Run("enforced_when_enabled", func(t *testing.T) {
		engine, rec := newTestEngine(t, Options{EnforceSingleAssetLimit: true})
		ctx := context.Background()
		require.NoError(t, engine.Constraints().Add(ctx, "c", "", limits))
		engine.UpdateSnapshot(ctx, 1000, 0, 0, 0)
		require.NoError(t, engine.UpdateAssetExposure(ctx, "BTC", 250))
		assert.True(t, engine.CanRebalanceStart(ctx))

		require.NoError(t, engine.UpdateAssetExposure(ctx, "ETH", 251))
		assert.False(t, engine.CanRebalanceStart(ctx))

		violations := rec.OfType(events.ConstraintViolated)
		require.Len(t, violations, 1)
		assert.Equal(t, ReasonSingleAssetAboveLimit, violations[0].Attributes["reason"])
		assert.Equal(t, "ETH", violations[0].Attributes["asset"])
	})
}

func TestEngine_ValidateRebalanceResult(t *testing.T) {
	engine, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	require.NoError(t, engine.Constraints().Add(ctx, "strict", "", Limits{MinStableBps: 10000}))
	engine.UpdateSnapshot(ctx, 1000, 0, 0, 0)

	err := engine.ValidateRebalanceResult(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTotal))

	// the snapshot violates "strict" but the result check does not re-run it
	assert.NoError(t, engine.ValidateRebalanceResult(ctx, 1))
}

func TestEngine_CanDepositIsPassThrough(t *testing.T) {
	engine, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	require.NoError(t, engine.Constraints().Add(ctx, "strict", "", Limits{MinStableBps: 10000}))
	engine.UpdateSnapshot(ctx, 1000, 0, 0, 0)
	before := len(rec.Events())

	assert.True(t, engine.CanDeposit(ctx, "alice", 0))
	assert.True(t, engine.CanDeposit(ctx, "", ^uint64(0)))
	assert.Len(t, rec.Events(), before)
}

func TestEngine_Evaluate(t *testing.T) {
	engine, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	require.NoError(t, engine.Constraints().Add(ctx, "loose", "", Limits{MinStableBps: 5000, MaxUnbackedBps: 1000, MaxRiskBps: 400}))
	require.NoError(t, engine.Constraints().Add(ctx, "tight", "", mandate))
	engine.UpdateSnapshot(ctx, 1000, 650, 50, 100)
	rec.Reset()

	report := engine.Evaluate()
	assert.False(t, report.Passed)
	assert.False(t, report.Vacuous)
	require.Len(t, report.Evaluations, 2)

	assert.True(t, report.Evaluations[0].Passed)
	assert.Equal(t, uint64(6500), report.Evaluations[0].StableBps)
	assert.Equal(t, uint64(500), report.Evaluations[0].UnbackedBps)

	require.NotNil(t, report.Evaluations[1].Violation)
	assert.Equal(t, ReasonStableBelowMinimum, report.Evaluations[1].Violation.Reason)
	assert.Empty(t, rec.Events())
}

func TestPortfolio_UpdateKeepsExposures(t *testing.T) {
	p := NewPortfolio(nil)
	ctx := context.Background()

	require.NoError(t, p.SetExposure(ctx, "BTC", 300))
	p.Update(ctx, 1000, 700, 100, 50)

	s := p.Current()
	assert.Equal(t, uint64(1000), s.TotalAssets)
	assert.Equal(t, uint64(300), s.Exposures["BTC"])

	s.Exposures["BTC"] = 1
	assert.Equal(t, uint64(300), p.Current().Exposures["BTC"])

	assert.True(t, errors.Is(p.SetExposure(ctx, " ", 1), ErrInvalidArgument))
}

func TestPortfolio_RestoreCopiesSnapshot(t *testing.T) {
	p := NewPortfolio(nil)

	p.Restore(Snapshot{TotalAssets: 500})
	require.NotNil(t, p.Current().Exposures)
	require.NoError(t, p.SetExposure(context.Background(), "ETH", 10))

	saved := Snapshot{TotalAssets: 900, Exposures: map[string]uint64{"BTC": 40}}
	p.Restore(saved)
	saved.Exposures["BTC"] = 1

	s := p.Current()
	assert.Equal(t, uint64(900), s.TotalAssets)
	assert.Equal(t, map[string]uint64{"BTC": 40}, s.Exposures)
}

func TestMulDiv(t *testing.T) {
	q, err := MulDiv(650, BasisPoints, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(6500), q)

	q, err = MulDivUp(10, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), q)

	q, err = MulDiv(^uint64(0), 2, 4)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0)/2, q)

	_, err = MulDiv(^uint64(0), 2, 1)
	assert.True(t, errors.Is(err, ErrOverflow))

	assert.Equal(t, "65.00%", Percent(6500))
	assert.Equal(t, "0.01%", Percent(1))
}
