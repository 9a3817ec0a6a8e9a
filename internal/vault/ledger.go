package vault

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/policyvault/internal/custody"
	"github.com/sawpanic/policyvault/internal/events"
	"github.com/sawpanic/policyvault/internal/policy"
)

// Gate is the policy capability the ledger consults before moving funds
type Gate interface {
	CanDeposit(ctx context.Context, depositor string, amount uint64) bool
	CanRebalanceStart(ctx context.Context) bool
	ValidateRebalanceResult(ctx context.Context, newTotalAssets uint64) error
}

// Phase of the rebalancing state machine
type Phase string

const (
	Idle        Phase = "idle"
	Rebalancing Phase = "rebalancing"
)

// Config tunes the ledger
type Config struct {
	// RebalanceTimeout lets a new episode replace one left open longer than
	// this. Zero keeps an open episode until it is completed or aborted.
	RebalanceTimeout time.Duration
}

// State is the durable part of the ledger
type State struct {
	TotalAssets        uint64    `json:"total_assets"`
	Phase              Phase     `json:"phase"`
	RebalanceStartedAt time.Time `json:"rebalance_started_at,omitempty"`
}

// Status is a read model of the vault
type Status struct {
	State
	TotalShares   uint64          `json:"total_shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	PolicyManager string          `json:"policy_manager"`
}

// Ledger tracks total managed assets and runs the two-phase rebalancing
// state machine. The total-assets counter is authoritative; it is never
// derived from custody balances. Not safe for concurrent use.
type Ledger struct {
	gate     Gate
	tokens   custody.Ledger
	notifier events.Notifier
	cfg      Config
	now      func() time.Time

	state State
}

// NewLedger creates an idle ledger holding initialTotal managed assets
func NewLedger(gate Gate, tokens custody.Ledger, notifier events.Notifier, cfg Config, initialTotal uint64) (*Ledger, error) {
	if isNil(gate) {
		return nil, policy.Errorf(policy.CodeInvalidAddress, "policy manager is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("custody ledger is required")
	}
	if notifier == nil {
		notifier = events.Discard
	}
	return &Ledger{
		gate:     gate,
		tokens:   tokens,
		notifier: notifier,
		cfg:      cfg,
		now:      policy.Now,
		state:    State{TotalAssets: initialTotal, Phase: Idle},
	}, nil
}

// SetClock overrides the time source
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// TotalAssets is the managed asset counter
func (l *Ledger) TotalAssets() uint64 { return l.state.TotalAssets }

// Phase is the current rebalancing phase
func (l *Ledger) Phase() Phase { return l.state.Phase }

// State returns the durable state
func (l *Ledger) State() State { return l.state }

// Restore replaces the durable state without notifying
func (l *Ledger) Restore(s State) {
	if s.Phase == "" {
		s.Phase = Idle
	}
	l.state = s
}

// Gate returns the policy manager currently consulted
func (l *Ledger) Gate() Gate { return l.gate }

// RestoreGate reinstalls a previously consulted gate without notifying.
// A nil gate is ignored.
func (l *Ledger) RestoreGate(gate Gate) {
	if isNil(gate) {
		return
	}
	l.gate = gate
}

// Status builds the read model
func (l *Ledger) Status(ctx context.Context) (Status, error) {
	shares, err := l.tokens.TotalShares(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read total shares: %w", err)
	}
	return Status{
		State:         l.state,
		TotalShares:   shares,
		PricePerShare: PricePerShare(l.state.TotalAssets, shares),
		PolicyManager: describeGate(l.gate),
	}, nil
}

// StartRebalancing moves Idle -> Rebalancing once the policy allows it
func (l *Ledger) StartRebalancing(ctx context.Context) error {
	expired := false
	if l.state.Phase == Rebalancing {
		if !l.episodeExpired() {
			return policy.Errorf(policy.CodeAlreadyRebalancing, "a rebalancing episode is already open since %s",
				l.state.RebalanceStartedAt.Format(time.RFC3339))
		}
		expired = true
	}

	if !l.gate.CanRebalanceStart(ctx) {
		log.Warn().Uint64("total_assets", l.state.TotalAssets).Msg("Rebalancing start rejected by policy")
		return policy.Errorf(policy.CodePolicyViolation, "rebalancing start rejected by policy")
	}

	if expired {
		log.Warn().
			Time("started_at", l.state.RebalanceStartedAt).
			Dur("timeout", l.cfg.RebalanceTimeout).
			Msg("Abandoned rebalancing episode expired")
		l.notifier.Notify(ctx, events.New(events.RebalancingExpired, map[string]interface{}{
			"started_at": l.state.RebalanceStartedAt,
		}))
	}

	l.state.Phase = Rebalancing
	l.state.RebalanceStartedAt = l.now()

	log.Info().Uint64("total_assets", l.state.TotalAssets).Msg("Rebalancing started")
	l.notifier.Notify(ctx, events.New(events.RebalancingStarted, map[string]interface{}{
		"total_assets": l.state.TotalAssets,
		"started_at":   l.state.RebalanceStartedAt,
	}))
	return nil
}

// CompleteRebalancing closes the open episode and records the new total
func (l *Ledger) CompleteRebalancing(ctx context.Context, newTotalAssets uint64) error {
	if l.state.Phase != Rebalancing {
		return policy.Errorf(policy.CodeNotRebalancing, "no rebalancing episode is open")
	}

	if err := l.gate.ValidateRebalanceResult(ctx, newTotalAssets); err != nil {
		log.Warn().Err(err).Uint64("new_total_assets", newTotalAssets).Msg("Rebalancing result rejected by policy")
		if policy.CodeOf(err) != "" {
			return err
		}
		return &policy.Error{Code: policy.CodePolicyViolation, Message: err.Error()}
	}

	previous := l.state.TotalAssets
	l.state = State{TotalAssets: newTotalAssets, Phase: Idle}

	log.Info().
		Uint64("previous_total_assets", previous).
		Uint64("new_total_assets", newTotalAssets).
		Msg("Rebalancing completed")
	l.notifier.Notify(ctx, events.New(events.RebalancingCompleted, map[string]interface{}{
		"new_total_assets":      newTotalAssets,
		"previous_total_assets": previous,
	}))
	return nil
}

// AbortRebalancing closes the open episode without touching total assets
func (l *Ledger) AbortRebalancing(ctx context.Context, reason string) error {
	if l.state.Phase != Rebalancing {
		return policy.Errorf(policy.CodeNotRebalancing, "no rebalancing episode is open")
	}

	startedAt := l.state.RebalanceStartedAt
	l.state.Phase = Idle
	l.state.RebalanceStartedAt = time.Time{}

	log.Warn().Str("reason", reason).Time("started_at", startedAt).Msg("Rebalancing aborted")
	l.notifier.Notify(ctx, events.New(events.RebalancingAborted, map[string]interface{}{
		"reason":     reason,
		"started_at": startedAt,
	}))
	return nil
}

// UpdateTotalAssets overwrites the counter to record yield accrued outside
// of a rebalancing episode. Only growth is reported; shrinkage is accepted
// silently.
func (l *Ledger) UpdateTotalAssets(ctx context.Context, newTotal uint64) {
	old := l.state.TotalAssets
	l.state.TotalAssets = newTotal

	log.Info().Uint64("previous_total_assets", old).Uint64("new_total_assets", newTotal).Msg("Total assets updated")

	if newTotal > old {
		l.notifier.Notify(ctx, events.New(events.YieldAccrued, map[string]interface{}{
			"delta":                 newTotal - old,
			"previous_total_assets": old,
			"new_total_assets":      newTotal,
		}))
	}
}

// SetPolicyManager swaps the gate consulted by the ledger
func (l *Ledger) SetPolicyManager(ctx context.Context, gate Gate) error {
	if isNil(gate) {
		return policy.Errorf(policy.CodeInvalidAddress, "policy manager must not be nil")
	}
	l.gate = gate

	log.Info().Str("policy_manager", describeGate(gate)).Msg("Policy manager updated")
	l.notifier.Notify(ctx, events.New(events.PolicyManagerUpdated, map[string]interface{}{
		"policy_manager": describeGate(gate),
	}))
	return nil
}

func (l *Ledger) episodeExpired() bool {
	if l.cfg.RebalanceTimeout <= 0 {
		return false
	}
	return l.now().Sub(l.state.RebalanceStartedAt) >= l.cfg.RebalanceTimeout
}

func isNil(gate Gate) bool {
	if gate == nil {
		return true
	}
	v := reflect.ValueOf(gate)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

func describeGate(gate Gate) string {
	if named, ok := gate.(interface{ Name() string }); ok {
		return named.Name()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", gate), "*")
}
