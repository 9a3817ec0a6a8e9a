package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/authz"
	"github.com/sawpanic/policyvault/internal/custody"
	"github.com/sawpanic/policyvault/internal/events"
	"github.com/sawpanic/policyvault/internal/persistence"
	"github.com/sawpanic/policyvault/internal/policy"
	"github.com/sawpanic/policyvault/internal/vault"
)

// Authorizer verifies that actor holds the capability for action
type Authorizer interface {
	Authorize(actor string, action authz.Action) error
}

// Deps wires a Service
type Deps struct {
	Tokens     custody.Ledger
	Authorizer Authorizer
	Store      persistence.StateStore
	Notifier   events.Notifier
	Metrics    Metrics

	Engine             policy.Options
	Vault              vault.Config
	InitialTotalAssets uint64
}

// Service is the boundary of the vault. Calls are serialized; a failed
// call leaves constraints, snapshot and vault state as they were and only
// diagnostic notifications are delivered for it.
type Service struct {
	mu sync.Mutex

	constraints *policy.ConstraintStore
	portfolio   *policy.Portfolio
	engine      *policy.Engine
	ledger      *vault.Ledger
	tokens      custody.Ledger

	authorizer Authorizer
	store      persistence.StateStore
	outbox     *events.Outbox
	metrics    Metrics
}

// New builds the policy engine and vault ledger over d
func New(d Deps) (*Service, error) {
	if d.Tokens == nil {
		return nil, errors.New("custody ledger is required")
	}
	if d.Authorizer == nil {
		return nil, errors.New("authorizer is required")
	}
	if d.Store == nil {
		d.Store = persistence.NewMemoryStore()
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}

	outbox := events.NewOutbox(d.Notifier)
	constraints := policy.NewConstraintStore(outbox)
	portfolio := policy.NewPortfolio(outbox)
	engine := policy.NewEngine(constraints, portfolio, outbox, d.Engine)

	ledger, err := vault.NewLedger(engine, d.Tokens, outbox, d.Vault, d.InitialTotalAssets)
	if err != nil {
		return nil, err
	}

	return &Service{
		constraints: constraints,
		portfolio:   portfolio,
		engine:      engine,
		ledger:      ledger,
		tokens:      d.Tokens,
		authorizer:  d.Authorizer,
		store:       d.Store,
		outbox:      outbox,
		metrics:     d.Metrics,
	}, nil
}

// Load restores the persisted state, if any
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		log.Info().Msg("No persisted state found, starting fresh")
		return nil
	}
	if err := s.constraints.Restore(st.Constraints); err != nil {
		return fmt.Errorf("restore constraints: %w", err)
	}
	s.portfolio.Restore(st.Snapshot)
	s.ledger.Restore(st.Vault)

	log.Info().
		Int("constraints", len(st.Constraints)).
		Uint64("total_assets", st.Vault.TotalAssets).
		Str("phase", string(st.Vault.Phase)).
		Msg("State restored")
	s.observeVault(ctx)
	return nil
}

// SeedConstraint is a constraint installed at startup
type SeedConstraint struct {
	ID          string
	Description string
	Limits      policy.Limits
}

// Seed adds every seed whose id is not present yet. Seeds come from trusted
// configuration and bypass role checks.
func (s *Service) Seed(ctx context.Context, seeds []SeedConstraint) (int, error) {
	added := 0
	for _, sc := range seeds {
		if _, err := s.Constraint(sc.ID); err == nil {
			continue
		}
		sc := sc
		err := s.mutate(ctx, "seed_constraint", "", nil, func() error {
			return s.constraints.Add(ctx, sc.ID, sc.Description, sc.Limits)
		})
		if err != nil {
			return added, fmt.Errorf("seed constraint %s: %w", sc.ID, err)
		}
		log.Info().Str("constraint_id", sc.ID).Msg("Seed constraint installed")
		added++
	}
	return added, nil
}

// checkpoint is the in-memory state a failed call is rolled back to
type checkpoint struct {
	constraints []policy.Constraint
	snapshot    policy.Snapshot
	vault       vault.State
	gate        vault.Gate
}

func (s *Service) checkpoint() checkpoint {
	return checkpoint{
		constraints: s.constraints.All(),
		snapshot:    s.portfolio.Current(),
		vault:       s.ledger.State(),
		gate:        s.ledger.Gate(),
	}
}

func (s *Service) restore(cp checkpoint) {
	if err := s.constraints.Restore(cp.constraints); err != nil {
		// a checkpoint never holds duplicates
		log.Error().Err(err).Msg("Failed to restore constraint checkpoint")
	}
	s.portfolio.Restore(cp.snapshot)
	s.ledger.Restore(cp.vault)
	s.ledger.RestoreGate(cp.gate)
}

func (s *Service) state() persistence.State {
	return persistence.State{
		Constraints: s.constraints.All(),
		Snapshot:    s.portfolio.Current(),
		Vault:       s.ledger.State(),
	}
}

// mutate runs fn under the lock after authorizing actor for action (nil
// skips the check). On any failure, including a failed save, state is
// rolled back to the checkpoint taken before fn.
func (s *Service) mutate(ctx context.Context, op, actor string, action *authz.Action, fn func() error) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.mutateLocked(ctx, actor, action, fn)
	s.metrics.ObserveOperation(op, ResultLabel(err), time.Since(start))
	return err
}

func (s *Service) mutateLocked(ctx context.Context, actor string, action *authz.Action, fn func() error) error {
	if action != nil {
		if err := s.authorizer.Authorize(actor, *action); err != nil {
			log.Warn().Err(err).Str("actor", actor).Str("action", action.String()).Msg("Call rejected")
			return err
		}
	}

	cp := s.checkpoint()
	if err := fn(); err != nil {
		s.restore(cp)
		s.outbox.Rollback(ctx)
		return err
	}
	if err := s.store.Save(ctx, s.state()); err != nil {
		s.restore(cp)
		s.outbox.Rollback(ctx)
		log.Error().Err(err).Msg("Failed to persist state, call rolled back")
		return fmt.Errorf("persist state: %w", err)
	}
	s.outbox.Commit(ctx)
	s.observeVault(ctx)
	return nil
}

// settle runs a call that moves funds through custody. Custody movements
// cannot be undone here, so once fn succeeds a failed save is reported
// without rolling back.
func (s *Service) settle(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.settleLocked(ctx, fn)
	s.metrics.ObserveOperation(op, ResultLabel(err), time.Since(start))
	return err
}

func (s *Service) settleLocked(ctx context.Context, fn func() error) error {
	cp := s.checkpoint()
	if err := fn(); err != nil {
		s.restore(cp)
		s.outbox.Rollback(ctx)
		return err
	}
	s.outbox.Commit(ctx)
	s.observeVault(ctx)

	if err := s.store.Save(ctx, s.state()); err != nil {
		log.Error().Err(err).Uint64("total_assets", s.ledger.TotalAssets()).
			Msg("Movement settled but state could not be persisted")
		return fmt.Errorf("persist state after settlement: %w", err)
	}
	return nil
}

// read runs fn under the lock
func (s *Service) read(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Service) observeVault(ctx context.Context) {
	status, err := s.ledger.Status(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Vault status unavailable for metrics")
		return
	}
	s.metrics.SetVaultStatus(status)
}

// AddConstraint creates an active constraint
func (s *Service) AddConstraint(ctx context.Context, actor, id, description string, limits policy.Limits) error {
	return s.mutate(ctx, "add_constraint", actor, &authz.AddConstraint, func() error {
		return s.constraints.Add(ctx, id, description, limits)
	})
}

// UpdateConstraint replaces the limits of id
func (s *Service) UpdateConstraint(ctx context.Context, actor, id string, limits policy.Limits) error {
	return s.mutate(ctx, "update_constraint", actor, &authz.UpdateConstraint, func() error {
		return s.constraints.Update(ctx, id, limits)
	})
}

// DeactivateConstraint marks id inactive
func (s *Service) DeactivateConstraint(ctx context.Context, actor, id string) error {
	return s.mutate(ctx, "deactivate_constraint", actor, &authz.DeactivateConstraint, func() error {
		return s.constraints.Deactivate(ctx, id)
	})
}

// Constraint returns the stored constraint id
func (s *Service) Constraint(id string) (policy.Constraint, error) {
	var (
		c   policy.Constraint
		err error
	)
	s.read(func() { c, err = s.constraints.Get(id) })
	return c, err
}

// ConstraintIDs lists every id ever added, in insertion order
func (s *Service) ConstraintIDs() []string {
	var ids []string
	s.read(func() { ids = s.constraints.List() })
	return ids
}

// Constraints returns all constraints in insertion order
func (s *Service) Constraints() []policy.Constraint {
	var out []policy.Constraint
	s.read(func() { out = s.constraints.All() })
	return out
}

// UpdatePortfolioState overwrites the snapshot totals
func (s *Service) UpdatePortfolioState(ctx context.Context, actor string, total, stable, unbacked, riskBps uint64) error {
	return s.mutate(ctx, "update_portfolio", actor, &authz.UpdatePortfolio, func() error {
		s.engine.UpdateSnapshot(ctx, total, stable, unbacked, riskBps)
		return nil
	})
}

// UpdateAssetExposure overwrites the exposure of one asset
func (s *Service) UpdateAssetExposure(ctx context.Context, actor, asset string, exposure uint64) error {
	return s.mutate(ctx, "update_exposure", actor, &authz.UpdateExposure, func() error {
		return s.engine.UpdateAssetExposure(ctx, asset, exposure)
	})
}

// Snapshot returns the current portfolio snapshot
func (s *Service) Snapshot() policy.Snapshot {
	var snap policy.Snapshot
	s.read(func() { snap = s.portfolio.Current() })
	return snap
}

// Evaluate reports every active constraint against the snapshot
func (s *Service) Evaluate() policy.Report {
	var r policy.Report
	s.read(func() { r = s.engine.Evaluate() })
	return r
}

// CanDeposit asks the deposit gate of the current policy manager
func (s *Service) CanDeposit(ctx context.Context, depositor string, amount uint64) bool {
	var ok bool
	s.read(func() { ok = s.ledger.Gate().CanDeposit(ctx, depositor, amount) })
	return ok
}

// CanRebalanceStart asks the rebalance gate; a violation is reported as a
// notification
func (s *Service) CanRebalanceStart(ctx context.Context) bool {
	var ok bool
	s.read(func() {
		ok = s.ledger.Gate().CanRebalanceStart(ctx)
		s.outbox.Commit(ctx)
	})
	return ok
}

// StartRebalancing opens a rebalancing episode
func (s *Service) StartRebalancing(ctx context.Context, actor string) error {
	return s.mutate(ctx, "start_rebalancing", actor, &authz.StartRebalancing, func() error {
		return s.ledger.StartRebalancing(ctx)
	})
}

// CompleteRebalancing closes the episode with the new total
func (s *Service) CompleteRebalancing(ctx context.Context, actor string, newTotalAssets uint64) error {
	return s.mutate(ctx, "complete_rebalancing", actor, &authz.CompleteRebalancing, func() error {
		return s.ledger.CompleteRebalancing(ctx, newTotalAssets)
	})
}

// AbortRebalancing closes the episode without changing total assets
func (s *Service) AbortRebalancing(ctx context.Context, actor, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "aborted by " + actor
	}
	return s.mutate(ctx, "abort_rebalancing", actor, &authz.AbortRebalancing, func() error {
		return s.ledger.AbortRebalancing(ctx, reason)
	})
}

// UpdateTotalAssets overwrites the total-assets counter
func (s *Service) UpdateTotalAssets(ctx context.Context, actor string, newTotal uint64) error {
	return s.mutate(ctx, "update_total_assets", actor, &authz.UpdateTotalAssets, func() error {
		s.ledger.UpdateTotalAssets(ctx, newTotal)
		return nil
	})
}

// SetPolicyManager swaps the gate consulted by the vault. The gate is not
// part of the persisted state, but a failed save still reinstalls the
// previous one.
func (s *Service) SetPolicyManager(ctx context.Context, actor string, gate vault.Gate) error {
	return s.mutate(ctx, "set_policy_manager", actor, &authz.SetPolicyManager, func() error {
		return s.ledger.SetPolicyManager(ctx, gate)
	})
}

// Engine is the policy engine owned by the service
func (s *Service) Engine() *policy.Engine { return s.engine }

// Deposit moves assets from caller and mints shares to receiver
func (s *Service) Deposit(ctx context.Context, caller string, assets uint64, receiver string) (uint64, error) {
	var shares uint64
	err := s.settle(ctx, "deposit", func() error {
		var err error
		shares, err = s.ledger.Deposit(ctx, caller, assets, receiver)
		return err
	})
	return shares, err
}

// Mint mints shares to receiver, pulling the required assets from caller
func (s *Service) Mint(ctx context.Context, caller string, shares uint64, receiver string) (uint64, error) {
	var assets uint64
	err := s.settle(ctx, "mint", func() error {
		var err error
		assets, err = s.ledger.Mint(ctx, caller, shares, receiver)
		return err
	})
	return assets, err
}

// Withdraw pays exactly assets to receiver from owner's shares
func (s *Service) Withdraw(ctx context.Context, caller string, assets uint64, receiver, owner string) (uint64, error) {
	var shares uint64
	err := s.settle(ctx, "withdraw", func() error {
		var err error
		shares, err = s.ledger.Withdraw(ctx, caller, assets, receiver, owner)
		return err
	})
	return shares, err
}

// Redeem burns exactly shares of owner and pays the assets to receiver
func (s *Service) Redeem(ctx context.Context, caller string, shares uint64, receiver, owner string) (uint64, error) {
	var assets uint64
	err := s.settle(ctx, "redeem", func() error {
		var err error
		assets, err = s.ledger.Redeem(ctx, caller, shares, receiver, owner)
		return err
	})
	return assets, err
}

// Preview ops
const (
	PreviewDeposit  = "deposit"
	PreviewMint     = "mint"
	PreviewWithdraw = "withdraw"
	PreviewRedeem   = "redeem"
)

// Preview converts amount the way op would without moving funds
func (s *Service) Preview(ctx context.Context, op string, amount uint64) (uint64, error) {
	var (
		out uint64
		err error
	)
	s.read(func() {
		switch op {
		case PreviewDeposit:
			out, err = s.ledger.PreviewDeposit(ctx, amount)
		case PreviewMint:
			out, err = s.ledger.PreviewMint(ctx, amount)
		case PreviewWithdraw:
			out, err = s.ledger.PreviewWithdraw(ctx, amount)
		case PreviewRedeem:
			out, err = s.ledger.PreviewRedeem(ctx, amount)
		default:
			err = policy.Errorf(policy.CodeInvalidArgument, "unknown preview operation %q", op)
		}
	})
	return out, err
}

// Status is the vault read model
func (s *Service) Status(ctx context.Context) (vault.Status, error) {
	var (
		st  vault.Status
		err error
	)
	s.read(func() { st, err = s.ledger.Status(ctx) })
	return st, err
}

// AccountView is the position of one account
type AccountView struct {
	Account     string `json:"account"`
	Assets      uint64 `json:"assets"`
	Shares      uint64 `json:"shares"`
	MaxWithdraw uint64 `json:"max_withdraw"`
	MaxRedeem   uint64 `json:"max_redeem"`
}

// Account returns balances and withdrawal limits of account
func (s *Service) Account(ctx context.Context, account string) (AccountView, error) {
	if strings.TrimSpace(account) == "" {
		return AccountView{}, policy.Errorf(policy.CodeInvalidAddress, "account is required")
	}

	view := AccountView{Account: account}
	var err error
	s.read(func() {
		if view.Assets, err = s.tokens.AssetsOf(ctx, account); err != nil {
			return
		}
		if view.MaxRedeem, err = s.ledger.MaxRedeem(ctx, account); err != nil {
			return
		}
		view.Shares = view.MaxRedeem
		view.MaxWithdraw, err = s.ledger.MaxWithdraw(ctx, account)
	})
	if err != nil {
		return AccountView{}, err
	}
	return view, nil
}
