package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/policy"
)

// Kind is the direction of a vault movement
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

// Movement is one atomic settlement between an account and the vault.
// A deposit moves Assets from Caller into the vault and mints Shares to
// Receiver. A withdraw burns Shares from Owner and moves Assets from the
// vault to Receiver.
type Movement struct {
	Kind     Kind   `json:"kind"`
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
	Owner    string `json:"owner,omitempty"`
	Assets   uint64 `json:"assets"`
	Shares   uint64 `json:"shares"`
}

// Ledger is the asset-transfer and share-balance collaborator of the vault
type Ledger interface {
	TotalShares(ctx context.Context) (uint64, error)
	SharesOf(ctx context.Context, owner string) (uint64, error)
	AssetsOf(ctx context.Context, account string) (uint64, error)
	Settle(ctx context.Context, m Movement) error
}

// Account is a balance row
type Account struct {
	ID     string `json:"id"`
	Assets uint64 `json:"assets"`
	Shares uint64 `json:"shares"`
}

// MemoryLedger keeps asset and share balances in process memory
type MemoryLedger struct {
	mu          sync.RWMutex
	vault       string
	assets      map[string]uint64
	shares      map[string]uint64
	totalShares uint64
}

// NewMemoryLedger creates a ledger whose vault custody account is vaultAccount
func NewMemoryLedger(vaultAccount string) *MemoryLedger {
	return &MemoryLedger{
		vault:  vaultAccount,
		assets: make(map[string]uint64),
		shares: make(map[string]uint64),
	}
}

// VaultAccount is the account holding custodied assets
func (l *MemoryLedger) VaultAccount() string { return l.vault }

// Credit adds underlying assets to an account, outside of any vault
// movement (funding, seeding)
func (l *MemoryLedger) Credit(account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.assets[account] + amount
	if next < amount {
		return policy.Errorf(policy.CodeOverflow, "asset balance of %s overflows", account)
	}
	l.assets[account] = next
	return nil
}

func (l *MemoryLedger) TotalShares(context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalShares, nil
}

func (l *MemoryLedger) SharesOf(_ context.Context, owner string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shares[owner], nil
}

func (l *MemoryLedger) AssetsOf(_ context.Context, account string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.assets[account], nil
}

// Settle applies a movement. Every balance is checked before any is
// written, so a rejected movement leaves the ledger untouched.
func (l *MemoryLedger) Settle(_ context.Context, m Movement) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch m.Kind {
	case KindDeposit:
		if l.assets[m.Caller] < m.Assets {
			return &policy.Error{
				Code:    policy.CodeInsufficientBalance,
				Message: fmt.Sprintf("account %s holds %d assets, needs %d", m.Caller, l.assets[m.Caller], m.Assets),
			}
		}
		if l.totalShares+m.Shares < l.totalShares || l.assets[l.vault]+m.Assets < l.assets[l.vault] {
			return policy.Errorf(policy.CodeOverflow, "deposit of %d assets overflows the ledger", m.Assets)
		}
		l.assets[m.Caller] -= m.Assets
		l.assets[l.vault] += m.Assets
		l.shares[m.Receiver] += m.Shares
		l.totalShares += m.Shares

	case KindWithdraw:
		if l.shares[m.Owner] < m.Shares {
			return &policy.Error{
				Code:    policy.CodeInsufficientBalance,
				Message: fmt.Sprintf("owner %s holds %d shares, needs %d", m.Owner, l.shares[m.Owner], m.Shares),
			}
		}
		if l.assets[l.vault] < m.Assets {
			return &policy.Error{
				Code:    policy.CodeInsufficientBalance,
				Message: fmt.Sprintf("vault custody holds %d assets, needs %d", l.assets[l.vault], m.Assets),
			}
		}
		l.shares[m.Owner] -= m.Shares
		l.totalShares -= m.Shares
		l.assets[l.vault] -= m.Assets
		l.assets[m.Receiver] += m.Assets

	default:
		return policy.Errorf(policy.CodeInvalidArgument, "unknown movement kind %q", m.Kind)
	}

	log.Debug().
		Str("kind", string(m.Kind)).
		Str("caller", m.Caller).
		Str("receiver", m.Receiver).
		Str("owner", m.Owner).
		Uint64("assets", m.Assets).
		Uint64("shares", m.Shares).
		Msg("Movement settled")
	return nil
}

// Accounts lists every known account sorted by id
func (l *MemoryLedger) Accounts() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{}, len(l.assets)+len(l.shares))
	for id := range l.assets {
		seen[id] = struct{}{}
	}
	for id := range l.shares {
		seen[id] = struct{}{}
	}

	out := make([]Account, 0, len(seen))
	for id := range seen {
		out = append(out, Account{ID: id, Assets: l.assets[id], Shares: l.shares[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
