// Package ledger defines the two external collaborators the marketplace
// settles against: the asset-custody ledger (who owns which asset) and the
// currency ledger (balances and spending allowances). PostgreSQL
// implementations persist them next to the marketplace records; in-memory
// implementations serve tests and database-less runs.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

var (
	ErrUnknownAsset          = errors.New("ledger: unknown asset")
	ErrNotOwner              = errors.New("ledger: from is not the asset owner")
	ErrNotApproved           = errors.New("ledger: operator is not approved")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
)

// AssetLedger tracks ownership of non-fungible assets.
type AssetLedger interface {
	// OwnerOf returns the current owner of id.
	OwnerOf(ctx context.Context, id model.AssetID) (model.Account, error)

	// Transfer moves id from one account to another. The operator must be
	// the owner or approved for all of the owner's assets.
	Transfer(ctx context.Context, operator, from, to model.Account, id model.AssetID) error

	// IsApprovedForAll reports whether operator may move any of owner's assets.
	IsApprovedForAll(ctx context.Context, owner, operator model.Account) (bool, error)

	// SetApprovalForAll grants or revokes operator authority over owner's assets.
	SetApprovalForAll(ctx context.Context, owner, operator model.Account, approved bool) error

	// Mint creates the next asset for to and returns its ID.
	Mint(ctx context.Context, to model.Account, uri string) (model.AssetID, error)

	// TokenURI returns the URI the asset was minted with.
	TokenURI(ctx context.Context, id model.AssetID) (string, error)
}

// CurrencyLedger tracks fungible balances.
type CurrencyLedger interface {
	BalanceOf(ctx context.Context, account model.Account) (decimal.Decimal, error)

	// Transfer moves amount from one account to another. When spender is not
	// from, the transfer consumes spender's allowance over from.
	Transfer(ctx context.Context, spender, from, to model.Account, amount decimal.Decimal) error

	Approve(ctx context.Context, owner, spender model.Account, amount decimal.Decimal) error
	Allowance(ctx context.Context, owner, spender model.Account) (decimal.Decimal, error)

	// Mint credits amount to an account. Used for bootstrapping balances.
	Mint(ctx context.Context, to model.Account, amount decimal.Decimal) error
}
