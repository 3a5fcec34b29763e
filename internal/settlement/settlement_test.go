package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/ledger"
	"github.com/atmx/marketplace-engine/internal/model"
)

const (
	custodian model.Account = "marketplace"
	alice     model.Account = "alice"
	bob       model.Account = "bob"
)

type fixture struct {
	engine   *Engine
	assets   *ledger.MemoryAssetLedger
	currency *ledger.MemoryCurrencyLedger
	asset    model.AssetID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	assets := ledger.NewMemoryAssetLedger()
	currency := ledger.NewMemoryCurrencyLedger()
	id, err := assets.Mint(ctx, alice, "ipfs://a")
	assert.NoError(t, err)

	for _, acct := range []model.Account{alice, bob} {
		assert.NoError(t, currency.Mint(ctx, acct, decimal.NewFromInt(10)))
		assert.NoError(t, currency.Approve(ctx, acct, custodian, decimal.NewFromInt(10)))
		assert.NoError(t, assets.SetApprovalForAll(ctx, acct, custodian, true))
	}

	return &fixture{
		engine:   NewEngine(assets, currency, custodian),
		assets:   assets,
		currency: currency,
		asset:    id,
	}
}

func (f *fixture) balance(t *testing.T, acct model.Account) decimal.Decimal {
	t.Helper()
	bal, err := f.currency.BalanceOf(context.Background(), acct)
	assert.NoError(t, err)
	return bal
}

func (f *fixture) owner(t *testing.T) model.Account {
	t.Helper()
	owner, err := f.assets.OwnerOf(context.Background(), f.asset)
	assert.NoError(t, err)
	return owner
}

func TestCommit_ExchangesAssetForCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.engine.Begin()
	assert.NoError(t, s.EscrowAsset(ctx, alice, f.asset))
	assert.NoError(t, s.EscrowCurrency(ctx, bob, decimal.NewFromInt(4)))
	check.Equal(t, custodian, f.owner(t))
	check.True(t, f.balance(t, custodian).Equal(decimal.NewFromInt(4)))

	s.ReleaseAsset(bob, f.asset)
	s.ReleaseCurrency(alice, decimal.NewFromInt(4))
	assert.NoError(t, s.Commit(ctx))

	check.Equal(t, bob, f.owner(t))
	check.True(t, f.balance(t, alice).Equal(decimal.NewFromInt(14)))
	check.True(t, f.balance(t, bob).Equal(decimal.NewFromInt(6)))
	check.True(t, f.balance(t, custodian).IsZero())
}

func TestAbort_ReturnsPulls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.engine.Begin()
	assert.NoError(t, s.EscrowAsset(ctx, alice, f.asset))
	assert.NoError(t, s.EscrowCurrency(ctx, bob, decimal.NewFromInt(3)))
	assert.NoError(t, s.Abort(ctx))

	check.Equal(t, alice, f.owner(t))
	check.True(t, f.balance(t, bob).Equal(decimal.NewFromInt(10)))
	check.True(t, f.balance(t, custodian).IsZero())

	check.True(t, errors.Is(s.Commit(ctx), ErrFinished))
	check.True(t, errors.Is(s.EscrowCurrency(ctx, bob, decimal.NewFromInt(1)), ErrFinished))
}

func TestEscrowCurrency_FailureMovesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.engine.Begin()
	err := s.EscrowCurrency(ctx, bob, decimal.NewFromInt(11))
	check.True(t, errors.Is(err, ledger.ErrInsufficientAllowance))
	check.True(t, f.balance(t, bob).Equal(decimal.NewFromInt(10)))

	assert.NoError(t, s.EscrowCurrency(ctx, bob, decimal.Zero))
	check.True(t, f.balance(t, custodian).IsZero())
}

func TestCommit_ShortfallReleasesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.engine.Begin()
	assert.NoError(t, s.EscrowCurrency(ctx, bob, decimal.NewFromInt(2)))
	s.ReleaseCurrency(alice, decimal.NewFromInt(5))

	err := s.Commit(ctx)
	check.True(t, errors.Is(err, ErrCustodyShortfall))
	check.True(t, f.balance(t, alice).Equal(decimal.NewFromInt(10)))
	check.True(t, f.balance(t, bob).Equal(decimal.NewFromInt(10)))
	check.True(t, f.balance(t, custodian).IsZero())
}

func TestCommit_AssetNotInCustody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.engine.Begin()
	s.ReleaseAsset(bob, f.asset)

	err := s.Commit(ctx)
	check.True(t, errors.Is(err, ErrCustodyShortfall))
	check.Equal(t, alice, f.owner(t))
}

func TestReleaseCurrency_IgnoresZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.engine.Begin()
	s.ReleaseCurrency(alice, decimal.Zero)
	check.NoError(t, s.Commit(ctx))
	check.True(t, f.balance(t, alice).Equal(decimal.NewFromInt(10)))
}

// blockedCurrency refuses any transfer to one account.
type blockedCurrency struct {
	*ledger.MemoryCurrencyLedger
	blocked model.Account
}

func (c *blockedCurrency) Transfer(ctx context.Context, spender, from, to model.Account, amount decimal.Decimal) error {
	if to == c.blocked {
		return errors.New("frozen account")
	}
	return c.MemoryCurrencyLedger.Transfer(ctx, spender, from, to, amount)
}

func TestCommit_IncompleteReportsMovements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := NewEngine(f.assets, &blockedCurrency{MemoryCurrencyLedger: f.currency, blocked: "carol"}, custodian)

	s := engine.Begin()
	assert.NoError(t, s.EscrowAsset(ctx, alice, f.asset))
	assert.NoError(t, s.EscrowCurrency(ctx, bob, decimal.NewFromInt(4)))
	s.ReleaseAsset(bob, f.asset)
	s.ReleaseCurrency("carol", decimal.NewFromInt(2))
	s.ReleaseCurrency(alice, decimal.NewFromInt(2))

	err := s.Commit(ctx)
	check.True(t, errors.Is(err, ErrIncomplete))

	var incomplete *IncompleteError
	assert.True(t, errors.As(err, &incomplete))
	check.Equal(t, 1, len(incomplete.Completed))
	check.Equal(t, bob, incomplete.Completed[0].Account)
	check.True(t, incomplete.Completed[0].IsAsset)
	check.Equal(t, model.Account("carol"), incomplete.Failed.Account)
	check.Equal(t, 1, len(incomplete.Pending))
	check.Equal(t, alice, incomplete.Pending[0].Account)
	check.True(t, incomplete.Pending[0].Amount.Equal(decimal.NewFromInt(2)))

	// What did not land is still in custody.
	check.Equal(t, bob, f.owner(t))
	check.True(t, f.balance(t, custodian).Equal(decimal.NewFromInt(4)))
	check.True(t, f.balance(t, alice).Equal(decimal.NewFromInt(10)))
}
