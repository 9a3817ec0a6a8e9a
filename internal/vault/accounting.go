package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/custody"
	"github.com/sawpanic/policyvault/internal/events"
	"github.com/sawpanic/policyvault/internal/policy"
)

// PreviewDeposit is the number of shares a deposit of assets would mint
func (l *Ledger) PreviewDeposit(ctx context.Context, assets uint64) (uint64, error) {
	totalShares, err := l.totalShares(ctx)
	if err != nil {
		return 0, err
	}
	return ConvertToShares(assets, l.state.TotalAssets, totalShares, Floor)
}

// PreviewMint is the number of assets needed to mint shares
func (l *Ledger) PreviewMint(ctx context.Context, shares uint64) (uint64, error) {
	totalShares, err := l.totalShares(ctx)
	if err != nil {
		return 0, err
	}
	return ConvertToAssets(shares, l.state.TotalAssets, totalShares, Ceil)
}

// PreviewWithdraw is the number of shares burned to withdraw assets
func (l *Ledger) PreviewWithdraw(ctx context.Context, assets uint64) (uint64, error) {
	totalShares, err := l.totalShares(ctx)
	if err != nil {
		return 0, err
	}
	return ConvertToShares(assets, l.state.TotalAssets, totalShares, Ceil)
}

// PreviewRedeem is the number of assets paid out for shares
func (l *Ledger) PreviewRedeem(ctx context.Context, shares uint64) (uint64, error) {
	totalShares, err := l.totalShares(ctx)
	if err != nil {
		return 0, err
	}
	return ConvertToAssets(shares, l.state.TotalAssets, totalShares, Floor)
}

// MaxRedeem is the share balance of owner
func (l *Ledger) MaxRedeem(ctx context.Context, owner string) (uint64, error) {
	shares, err := l.tokens.SharesOf(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("read shares of %s: %w", owner, err)
	}
	return shares, nil
}

// MaxWithdraw is the asset value of owner's shares, capped by the counter
func (l *Ledger) MaxWithdraw(ctx context.Context, owner string) (uint64, error) {
	shares, err := l.MaxRedeem(ctx, owner)
	if err != nil {
		return 0, err
	}
	assets, err := l.PreviewRedeem(ctx, shares)
	if err != nil {
		return 0, err
	}
	if assets > l.state.TotalAssets {
		assets = l.state.TotalAssets
	}
	return assets, nil
}

// Deposit moves assets from caller into the vault and mints shares to
// receiver, subject to the deposit gate
func (l *Ledger) Deposit(ctx context.Context, caller string, assets uint64, receiver string) (uint64, error) {
	if err := requireAccount("receiver", receiver); err != nil {
		return 0, err
	}
	if !l.gate.CanDeposit(ctx, caller, assets) {
		return 0, depositRejected(caller, assets)
	}
	shares, err := l.PreviewDeposit(ctx, assets)
	if err != nil {
		return 0, err
	}
	if err := l.settleIn(ctx, caller, receiver, assets, shares); err != nil {
		return 0, err
	}
	return shares, nil
}

// Mint mints exactly shares to receiver, pulling the required assets from
// caller, subject to the deposit gate
func (l *Ledger) Mint(ctx context.Context, caller string, shares uint64, receiver string) (uint64, error) {
	if err := requireAccount("receiver", receiver); err != nil {
		return 0, err
	}
	assets, err := l.PreviewMint(ctx, shares)
	if err != nil {
		return 0, err
	}
	if !l.gate.CanDeposit(ctx, caller, assets) {
		return 0, depositRejected(caller, assets)
	}
	if err := l.settleIn(ctx, caller, receiver, assets, shares); err != nil {
		return 0, err
	}
	return assets, nil
}

// Withdraw burns owner's shares to pay exactly assets to receiver. Not
// gated by policy.
func (l *Ledger) Withdraw(ctx context.Context, caller string, assets uint64, receiver, owner string) (uint64, error) {
	if err := l.checkOwner(caller, receiver, owner); err != nil {
		return 0, err
	}
	shares, err := l.PreviewWithdraw(ctx, assets)
	if err != nil {
		return 0, err
	}
	if err := l.settleOut(ctx, caller, receiver, owner, assets, shares); err != nil {
		return 0, err
	}
	return shares, nil
}

// Redeem burns exactly shares of owner and pays the assets to receiver.
// Not gated by policy.
func (l *Ledger) Redeem(ctx context.Context, caller string, shares uint64, receiver, owner string) (uint64, error) {
	if err := l.checkOwner(caller, receiver, owner); err != nil {
		return 0, err
	}
	assets, err := l.PreviewRedeem(ctx, shares)
	if err != nil {
		return 0, err
	}
	if err := l.settleOut(ctx, caller, receiver, owner, assets, shares); err != nil {
		return 0, err
	}
	return assets, nil
}

func (l *Ledger) settleIn(ctx context.Context, caller, receiver string, assets, shares uint64) error {
	next := l.state.TotalAssets + assets
	if next < assets {
		return policy.Errorf(policy.CodeOverflow, "total assets overflow")
	}

	err := l.tokens.Settle(ctx, custody.Movement{
		Kind:     custody.KindDeposit,
		Caller:   caller,
		Receiver: receiver,
		Assets:   assets,
		Shares:   shares,
	})
	if err != nil {
		return fmt.Errorf("settle deposit: %w", err)
	}
	l.state.TotalAssets = next

	log.Info().
		Str("caller", caller).
		Str("receiver", receiver).
		Uint64("assets", assets).
		Uint64("shares", shares).
		Uint64("total_assets", next).
		Msg("Deposit settled")
	l.notifier.Notify(ctx, events.New(events.Deposited, map[string]interface{}{
		"caller":   caller,
		"receiver": receiver,
		"assets":   assets,
		"shares":   shares,
	}))
	return nil
}

func (l *Ledger) settleOut(ctx context.Context, caller, receiver, owner string, assets, shares uint64) error {
	if assets > l.state.TotalAssets {
		return &policy.Error{
			Code:    policy.CodeInsufficientBalance,
			Message: fmt.Sprintf("withdrawal of %d exceeds total managed assets %d", assets, l.state.TotalAssets),
		}
	}

	err := l.tokens.Settle(ctx, custody.Movement{
		Kind:     custody.KindWithdraw,
		Caller:   caller,
		Receiver: receiver,
		Owner:    owner,
		Assets:   assets,
		Shares:   shares,
	})
	if err != nil {
		return fmt.Errorf("settle withdrawal: %w", err)
	}
	l.state.TotalAssets -= assets

	log.Info().
		Str("caller", caller).
		Str("receiver", receiver).
		Str("owner", owner).
		Uint64("assets", assets).
		Uint64("shares", shares).
		Uint64("total_assets", l.state.TotalAssets).
		Msg("Withdrawal settled")
	l.notifier.Notify(ctx, events.New(events.Withdrawn, map[string]interface{}{
		"caller":   caller,
		"receiver": receiver,
		"owner":    owner,
		"assets":   assets,
		"shares":   shares,
	}))
	return nil
}

func (l *Ledger) checkOwner(caller, receiver, owner string) error {
	if err := requireAccount("receiver", receiver); err != nil {
		return err
	}
	if err := requireAccount("owner", owner); err != nil {
		return err
	}
	if caller != owner {
		return policy.Errorf(policy.CodeUnauthorized, "%s cannot spend shares of %s", caller, owner)
	}
	return nil
}

func (l *Ledger) totalShares(ctx context.Context) (uint64, error) {
	n, err := l.tokens.TotalShares(ctx)
	if err != nil {
		return 0, fmt.Errorf("read total shares: %w", err)
	}
	return n, nil
}

func requireAccount(role, id string) error {
	if strings.TrimSpace(id) == "" {
		return policy.Errorf(policy.CodeInvalidAddress, "%s account is required", role)
	}
	return nil
}

func depositRejected(caller string, assets uint64) error {
	log.Warn().Str("caller", caller).Uint64("assets", assets).Msg("Deposit rejected by policy")
	return &policy.Error{
		Code:    policy.CodePolicyViolation,
		Message: "deposit rejected by policy",
		Details: map[string]interface{}{"depositor": caller, "assets": assets},
	}
}
