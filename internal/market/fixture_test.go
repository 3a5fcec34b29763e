package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/ledger"
	"github.com/atmx/marketplace-engine/internal/model"
	"github.com/atmx/marketplace-engine/internal/params"
	"github.com/atmx/marketplace-engine/internal/settlement"
	"github.com/atmx/marketplace-engine/internal/store"
)

const (
	admin     model.Account = "owner"
	custodian model.Account = "marketplace"
	account1  model.Account = "account1"
	account2  model.Account = "account2"
	account3  model.Account = "account3"

	uri = "ipfs://metadata/1"
)

var initialBalance = decimal.NewFromInt(100)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(by time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(by)
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	engine   *Engine
	assets   *ledger.MemoryAssetLedger
	currency *ledger.MemoryCurrencyLedger
	store    *store.MemoryStore
	params   *params.Store
	clock    *fakeClock
	pub      *recorder
}

// newFixture mirrors a standard deployment: every account holds 100 units,
// has approved the marketplace to spend them and to move its assets.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	assets := ledger.NewMemoryAssetLedger()
	currency := ledger.NewMemoryCurrencyLedger()
	ps, err := params.NewStore(admin, params.Defaults())
	assert.NoError(t, err)

	f := &fixture{
		assets:   assets,
		currency: currency,
		store:    store.NewMemoryStore(),
		params:   ps,
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		pub:      &recorder{},
	}
	f.engine = NewEngine(f.store, settlement.NewEngine(assets, currency, custodian), ps,
		WithClock(f.clock.Now),
		WithPublisher(f.pub),
	)

	for _, acct := range []model.Account{admin, account1, account2, account3} {
		assert.NoError(t, currency.Mint(ctx, acct, initialBalance))
		assert.NoError(t, currency.Approve(ctx, acct, custodian, initialBalance))
		assert.NoError(t, assets.SetApprovalForAll(ctx, acct, custodian, true))
	}
	return f
}

func (f *fixture) mint(t *testing.T, to model.Account) model.AssetID {
	t.Helper()
	item, err := f.engine.CreateItem(context.Background(), admin, to, uri)
	assert.NoError(t, err)
	return item.AssetID
}

func (f *fixture) owner(t *testing.T, id model.AssetID) model.Account {
	t.Helper()
	owner, err := f.assets.OwnerOf(context.Background(), id)
	assert.NoError(t, err)
	return owner
}

func (f *fixture) expectBalance(t *testing.T, acct model.Account, want decimal.Decimal) {
	t.Helper()
	got, err := f.currency.BalanceOf(context.Background(), acct)
	assert.NoError(t, err)
	if !got.Equal(want) {
		t.Errorf("balance of %s = %s, want %s", acct, got, want)
	}
}

func (f *fixture) listOnAuction(t *testing.T, seller model.Account, price int64) model.AssetID {
	t.Helper()
	id := f.mint(t, seller)
	_, err := f.engine.ListItemOnAuction(context.Background(), seller, id, d(price))
	assert.NoError(t, err)
	return id
}

func (f *fixture) bid(t *testing.T, bidder model.Account, id model.AssetID, amount int64) {
	t.Helper()
	_, err := f.engine.MakeBid(context.Background(), bidder, id, d(amount))
	assert.NoError(t, err)
}
