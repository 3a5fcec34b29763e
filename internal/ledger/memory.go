package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

type approvalKey struct {
	owner    model.Account
	operator model.Account
}

var (
	_ AssetLedger    = (*MemoryAssetLedger)(nil)
	_ CurrencyLedger = (*MemoryCurrencyLedger)(nil)
)

// MemoryAssetLedger implements AssetLedger with in-memory maps.
// Asset IDs are assigned sequentially starting at 1.
type MemoryAssetLedger struct {
	mu        sync.RWMutex
	owners    map[model.AssetID]model.Account
	uris      map[model.AssetID]string
	approvals map[approvalKey]bool
	lastID    model.AssetID
}

// NewMemoryAssetLedger creates an empty asset ledger.
func NewMemoryAssetLedger() *MemoryAssetLedger {
	return &MemoryAssetLedger{
		owners:    make(map[model.AssetID]model.Account),
		uris:      make(map[model.AssetID]string),
		approvals: make(map[approvalKey]bool),
	}
}

func (l *MemoryAssetLedger) OwnerOf(_ context.Context, id model.AssetID) (model.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	owner, ok := l.owners[id]
	if !ok {
		return model.NoAccount, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	return owner, nil
}

func (l *MemoryAssetLedger) Transfer(_ context.Context, operator, from, to model.Account, id model.AssetID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.owners[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if owner != from {
		return fmt.Errorf("%w: asset %s is owned by %s", ErrNotOwner, id, owner)
	}
	if operator != from && !l.approvals[approvalKey{owner: from, operator: operator}] {
		return fmt.Errorf("%w: %s for %s", ErrNotApproved, operator, from)
	}
	l.owners[id] = to
	return nil
}

func (l *MemoryAssetLedger) IsApprovedForAll(_ context.Context, owner, operator model.Account) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.approvals[approvalKey{owner: owner, operator: operator}], nil
}

func (l *MemoryAssetLedger) SetApprovalForAll(_ context.Context, owner, operator model.Account, approved bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := approvalKey{owner: owner, operator: operator}
	if approved {
		l.approvals[key] = true
	} else {
		delete(l.approvals, key)
	}
	return nil
}

func (l *MemoryAssetLedger) Mint(_ context.Context, to model.Account, uri string) (model.AssetID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastID++
	l.owners[l.lastID] = to
	l.uris[l.lastID] = uri
	return l.lastID, nil
}

func (l *MemoryAssetLedger) TokenURI(_ context.Context, id model.AssetID) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	uri, ok := l.uris[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	return uri, nil
}

// MemoryCurrencyLedger implements CurrencyLedger with in-memory maps.
type MemoryCurrencyLedger struct {
	mu         sync.RWMutex
	balances   map[model.Account]decimal.Decimal
	allowances map[approvalKey]decimal.Decimal
}

// NewMemoryCurrencyLedger creates an empty currency ledger.
func NewMemoryCurrencyLedger() *MemoryCurrencyLedger {
	return &MemoryCurrencyLedger{
		balances:   make(map[model.Account]decimal.Decimal),
		allowances: make(map[approvalKey]decimal.Decimal),
	}
}

func (l *MemoryCurrencyLedger) BalanceOf(_ context.Context, account model.Account) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account], nil
}

func (l *MemoryCurrencyLedger) Transfer(_ context.Context, spender, from, to model.Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := approvalKey{owner: from, operator: spender}
	if spender != from && l.allowances[key].LessThan(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, needs %s",
			ErrInsufficientAllowance, spender, l.allowances[key], from, amount)
	}
	if l.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s",
			ErrInsufficientBalance, from, l.balances[from], amount)
	}

	if spender != from {
		l.allowances[key] = l.allowances[key].Sub(amount)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *MemoryCurrencyLedger) Approve(_ context.Context, owner, spender model.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[approvalKey{owner: owner, operator: spender}] = amount
	return nil
}

func (l *MemoryCurrencyLedger) Allowance(_ context.Context, owner, spender model.Account) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[approvalKey{owner: owner, operator: spender}], nil
}

func (l *MemoryCurrencyLedger) Mint(_ context.Context, to model.Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}
