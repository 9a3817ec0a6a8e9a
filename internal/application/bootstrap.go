package application

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/authz"
	"github.com/sawpanic/policyvault/internal/config"
	"github.com/sawpanic/policyvault/internal/custody"
	"github.com/sawpanic/policyvault/internal/events"
	"github.com/sawpanic/policyvault/internal/infrastructure/db"
	"github.com/sawpanic/policyvault/internal/policy"
	"github.com/sawpanic/policyvault/internal/vault"
)

// BootstrapOptions adds process-level collaborators to a Runtime
type BootstrapOptions struct {
	Metrics    Metrics
	Sinks      []events.Sink
	OnDelivery func(sink string, err error)
}

// Runtime is a fully wired vault process
type Runtime struct {
	Service *Service
	Bus     *events.Bus
	DB      *db.Manager
	Tokens  *custody.MemoryLedger
	Custody *custody.GuardedLedger
	Redis   *events.RedisSink
}

// Bootstrap wires every component from cfg, restores persisted state and
// installs the seed constraints
func Bootstrap(ctx context.Context, cfg *config.Config, opts BootstrapOptions) (*Runtime, error) {
	rt := &Runtime{}

	rt.Bus = events.NewBus(events.LogSink{})
	for _, sink := range opts.Sinks {
		rt.Bus.Attach(sink)
	}
	if opts.OnDelivery != nil {
		rt.Bus.OnDelivery(opts.OnDelivery)
	}
	if cfg.Redis.Enabled {
		sink, err := events.NewRedisSink(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, cfg.Redis.Keep)
		if err != nil {
			return nil, fmt.Errorf("redis event sink: %w", err)
		}
		rt.Redis = sink
		rt.Bus.Attach(sink)
	}

	manager, err := db.NewManager(ctx, cfg.Database)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.DB = manager

	rt.Tokens = custody.NewMemoryLedger(cfg.Vault.Account)
	accounts := make([]string, 0, len(cfg.Custody.Balances))
	for account := range cfg.Custody.Balances {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		if err := rt.Tokens.Credit(account, cfg.Custody.Balances[account]); err != nil {
			rt.Close()
			return nil, fmt.Errorf("credit %s: %w", account, err)
		}
	}
	rt.Custody = custody.NewGuardedLedger(rt.Tokens, "custody", cfg.Custody.Breaker)

	mode, err := authz.ParseMode(cfg.Authz.Mode)
	if err != nil {
		rt.Close()
		return nil, err
	}
	authorizer, err := authz.New(cfg.Authz.Grants, cfg.Authz.PolicyPath, mode)
	if err != nil {
		rt.Close()
		return nil, err
	}

	svc, err := New(Deps{
		Tokens:     rt.Custody,
		Authorizer: authorizer,
		Store:      manager.Store(),
		Notifier:   rt.Bus,
		Metrics:    opts.Metrics,
		Engine: policy.Options{
			Name:                    cfg.Policy.Name,
			EnforceSingleAssetLimit: cfg.Policy.EnforceSingleAssetLimit,
		},
		Vault:              vault.Config{RebalanceTimeout: cfg.Vault.RebalanceTimeout},
		InitialTotalAssets: cfg.Vault.InitialTotalAssets,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = svc

	if err := svc.Load(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	added, err := svc.Seed(ctx, SeedsFromConfig(cfg.Policy.Constraints))
	if err != nil {
		rt.Close()
		return nil, err
	}

	log.Info().
		Str("vault_account", cfg.Vault.Account).
		Bool("database", manager.IsEnabled()).
		Bool("redis", rt.Redis != nil).
		Str("authz_mode", string(mode)).
		Int("seeded_constraints", added).
		Msg("Vault runtime ready")
	return rt, nil
}

// SeedsFromConfig converts configured seed constraints
func SeedsFromConfig(in []config.SeedConstraint) []SeedConstraint {
	out := make([]SeedConstraint, 0, len(in))
	for _, sc := range in {
		out = append(out, SeedConstraint{ID: sc.ID, Description: sc.Description, Limits: sc.Limits})
	}
	return out
}

// Close releases external connections
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}
