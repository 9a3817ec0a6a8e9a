package custody

import (
	"context"

	"github.com/sawpanic/policyvault/infra/breakers"
	"github.com/sawpanic/policyvault/internal/policy"
)

// GuardedLedger routes every call through a circuit breaker. Domain
// rejections (typed policy errors) do not count as collaborator failures.
type GuardedLedger struct {
	next    Ledger
	breaker *breakers.Breaker
}

// NewGuardedLedger wraps next with a breaker named name
func NewGuardedLedger(next Ledger, name string, s breakers.Settings) *GuardedLedger {
	return &GuardedLedger{
		next:    next,
		breaker: breakers.New(name, s, func(err error) bool { return policy.CodeOf(err) != "" }),
	}
}

// BreakerState reports the breaker state for health output
func (g *GuardedLedger) BreakerState() string { return g.breaker.State() }

func (g *GuardedLedger) TotalShares(ctx context.Context) (uint64, error) {
	return g.readUint(func() (uint64, error) { return g.next.TotalShares(ctx) })
}

func (g *GuardedLedger) SharesOf(ctx context.Context, owner string) (uint64, error) {
	return g.readUint(func() (uint64, error) { return g.next.SharesOf(ctx, owner) })
}

func (g *GuardedLedger) AssetsOf(ctx context.Context, account string) (uint64, error) {
	return g.readUint(func() (uint64, error) { return g.next.AssetsOf(ctx, account) })
}

func (g *GuardedLedger) Settle(ctx context.Context, m Movement) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.next.Settle(ctx, m)
	})
	return err
}

func (g *GuardedLedger) readUint(fn func() (uint64, error)) (uint64, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		n, err := fn()
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}
