package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

// Account reports a participant's balance and what they have granted the
// custodian.
func (e *Engine) Account(ctx context.Context, acct model.Account) (*model.AccountSummary, error) {
	custodian := e.settle.Custodian()

	balance, err := e.settle.Currency().BalanceOf(ctx, acct)
	if err != nil {
		return nil, err
	}
	allowance, err := e.settle.Currency().Allowance(ctx, acct, custodian)
	if err != nil {
		return nil, err
	}
	approved, err := e.settle.Assets().IsApprovedForAll(ctx, acct, custodian)
	if err != nil {
		return nil, err
	}

	return &model.AccountSummary{
		Account:        acct,
		Balance:        balance,
		Allowance:      allowance,
		ApprovedForAll: approved,
	}, nil
}

// Approve sets the caller's asset approval and currency allowance for the
// custodian. Both must be granted before listing, buying or bidding.
func (e *Engine) Approve(ctx context.Context, caller model.Account, assets bool, allowance decimal.Decimal) error {
	if caller == model.NoAccount || caller == e.settle.Custodian() {
		return fmt.Errorf("%w: %q cannot grant approvals", ErrInvalidParameter, caller)
	}
	if allowance.IsNegative() {
		return fmt.Errorf("%w: allowance must not be negative, got %s", ErrInvalidParameter, allowance)
	}

	custodian := e.settle.Custodian()
	if err := e.settle.Assets().SetApprovalForAll(ctx, caller, custodian, assets); err != nil {
		return fmt.Errorf("set asset approval: %w", err)
	}
	if err := e.settle.Currency().Approve(ctx, caller, custodian, allowance); err != nil {
		return fmt.Errorf("set allowance: %w", err)
	}

	slog.Info("approvals updated", "account", caller, "assets", assets, "allowance", allowance.String())
	return nil
}

// MintCurrency credits new currency to an account. Administrator only; it
// stands in for an external token faucet.
func (e *Engine) MintCurrency(ctx context.Context, caller, to model.Account, amount decimal.Decimal) error {
	if err := e.params.Authorize(caller); err != nil {
		return err
	}
	if to == model.NoAccount || !amount.IsPositive() {
		return fmt.Errorf("%w: mint %s to %q", ErrInvalidParameter, amount, to)
	}
	if err := e.settle.Currency().Mint(ctx, to, amount); err != nil {
		return fmt.Errorf("mint currency: %w", err)
	}

	slog.Info("currency minted", "to", to, "amount", amount.String())
	return nil
}
