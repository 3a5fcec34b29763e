package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

// Schema creates the tables used by the PostgreSQL ledgers. Asset IDs come
// from a sequence, so they stay unique across restarts.
const Schema = `
CREATE TABLE IF NOT EXISTS assets (
	asset_id BIGSERIAL PRIMARY KEY,
	owner    TEXT NOT NULL,
	uri      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS asset_approvals (
	owner    TEXT NOT NULL,
	operator TEXT NOT NULL,
	PRIMARY KEY (owner, operator)
);

CREATE TABLE IF NOT EXISTS balances (
	account TEXT PRIMARY KEY,
	amount  NUMERIC NOT NULL CHECK (amount >= 0)
);

CREATE TABLE IF NOT EXISTS allowances (
	owner   TEXT NOT NULL,
	spender TEXT NOT NULL,
	amount  NUMERIC NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (owner, spender)
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

var (
	_ AssetLedger    = (*PostgresAssetLedger)(nil)
	_ CurrencyLedger = (*PostgresCurrencyLedger)(nil)
)

// PostgresAssetLedger implements AssetLedger on PostgreSQL.
type PostgresAssetLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresAssetLedger creates an asset ledger backed by pool.
func NewPostgresAssetLedger(pool *pgxpool.Pool) *PostgresAssetLedger {
	return &PostgresAssetLedger{pool: pool}
}

func (l *PostgresAssetLedger) OwnerOf(ctx context.Context, id model.AssetID) (model.Account, error) {
	var owner string
	err := l.pool.QueryRow(ctx, `SELECT owner FROM assets WHERE asset_id = $1`, int64(id)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NoAccount, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if err != nil {
		return model.NoAccount, fmt.Errorf("owner of %s: %w", id, err)
	}
	return model.Account(owner), nil
}

func (l *PostgresAssetLedger) Transfer(ctx context.Context, operator, from, to model.Account, id model.AssetID) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var owner string
	err = tx.QueryRow(ctx,
		`SELECT owner FROM assets WHERE asset_id = $1 FOR UPDATE`, int64(id)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if err != nil {
		return fmt.Errorf("lock asset %s: %w", id, err)
	}
	if model.Account(owner) != from {
		return fmt.Errorf("%w: asset %s is owned by %s", ErrNotOwner, id, owner)
	}

	if operator != from {
		var approved bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM asset_approvals WHERE owner = $1 AND operator = $2)`,
			string(from), string(operator)).Scan(&approved); err != nil {
			return fmt.Errorf("check approval: %w", err)
		}
		if !approved {
			return fmt.Errorf("%w: %s for %s", ErrNotApproved, operator, from)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE assets SET owner = $2 WHERE asset_id = $1`, int64(id), string(to)); err != nil {
		return fmt.Errorf("move asset %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (l *PostgresAssetLedger) IsApprovedForAll(ctx context.Context, owner, operator model.Account) (bool, error) {
	var approved bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM asset_approvals WHERE owner = $1 AND operator = $2)`,
		string(owner), string(operator)).Scan(&approved)
	return approved, err
}

func (l *PostgresAssetLedger) SetApprovalForAll(ctx context.Context, owner, operator model.Account, approved bool) error {
	query := `DELETE FROM asset_approvals WHERE owner = $1 AND operator = $2`
	if approved {
		query = `INSERT INTO asset_approvals (owner, operator) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}
	if _, err := l.pool.Exec(ctx, query, string(owner), string(operator)); err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	return nil
}

func (l *PostgresAssetLedger) Mint(ctx context.Context, to model.Account, uri string) (model.AssetID, error) {
	var id int64
	if err := l.pool.QueryRow(ctx,
		`INSERT INTO assets (owner, uri) VALUES ($1, $2) RETURNING asset_id`,
		string(to), uri).Scan(&id); err != nil {
		return 0, fmt.Errorf("mint asset: %w", err)
	}
	return model.AssetID(id), nil
}

func (l *PostgresAssetLedger) TokenURI(ctx context.Context, id model.AssetID) (string, error) {
	var uri string
	err := l.pool.QueryRow(ctx, `SELECT uri FROM assets WHERE asset_id = $1`, int64(id)).Scan(&uri)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	return uri, err
}

// PostgresCurrencyLedger implements CurrencyLedger on PostgreSQL. Amounts
// are stored as NUMERIC and travel as text to keep decimal precision.
type PostgresCurrencyLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresCurrencyLedger creates a currency ledger backed by pool.
func NewPostgresCurrencyLedger(pool *pgxpool.Pool) *PostgresCurrencyLedger {
	return &PostgresCurrencyLedger{pool: pool}
}

func (l *PostgresCurrencyLedger) BalanceOf(ctx context.Context, account model.Account) (decimal.Decimal, error) {
	return queryAmount(ctx, l.pool,
		`SELECT amount::TEXT FROM balances WHERE account = $1`, string(account))
}

func (l *PostgresCurrencyLedger) Transfer(ctx context.Context, spender, from, to model.Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Both balance rows are locked in account order so opposing transfers
	// cannot deadlock.
	accounts := []string{string(from), string(to)}
	sort.Strings(accounts)
	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (account, amount) SELECT unnest($1::TEXT[]), 0 ON CONFLICT DO NOTHING`,
		accounts); err != nil {
		return fmt.Errorf("open balances: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM balances WHERE account = ANY($1) ORDER BY account FOR UPDATE`,
		accounts); err != nil {
		return fmt.Errorf("lock balances: %w", err)
	}

	if spender != from {
		tag, err := tx.Exec(ctx,
			`UPDATE allowances SET amount = amount - $3::NUMERIC
			 WHERE owner = $1 AND spender = $2 AND amount >= $3::NUMERIC`,
			string(from), string(spender), amount.String())
		if err != nil {
			return fmt.Errorf("spend allowance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s over %s, needs %s", ErrInsufficientAllowance, spender, from, amount)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE balances SET amount = amount - $2::NUMERIC
		 WHERE account = $1 AND amount >= $2::NUMERIC`,
		string(from), amount.String())
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s needs %s", ErrInsufficientBalance, from, amount)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE balances SET amount = amount + $2::NUMERIC WHERE account = $1`,
		string(to), amount.String()); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return tx.Commit(ctx)
}

func (l *PostgresCurrencyLedger) Approve(ctx context.Context, owner, spender model.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if _, err := l.pool.Exec(ctx,
		`INSERT INTO allowances (owner, spender, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
		string(owner), string(spender), amount.String()); err != nil {
		return fmt.Errorf("approve %s: %w", spender, err)
	}
	return nil
}

func (l *PostgresCurrencyLedger) Allowance(ctx context.Context, owner, spender model.Account) (decimal.Decimal, error) {
	return queryAmount(ctx, l.pool,
		`SELECT amount::TEXT FROM allowances WHERE owner = $1 AND spender = $2`,
		string(owner), string(spender))
}

func (l *PostgresCurrencyLedger) Mint(ctx context.Context, to model.Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if _, err := l.pool.Exec(ctx,
		`INSERT INTO balances (account, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		string(to), amount.String()); err != nil {
		return fmt.Errorf("mint to %s: %w", to, err)
	}
	return nil
}

// queryAmount reads a single NUMERIC column; a missing row is zero.
func queryAmount(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (decimal.Decimal, error) {
	var text string
	err := pool.QueryRow(ctx, query, args...).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(text)
}
