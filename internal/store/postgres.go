package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS listings (
	asset_id   BIGINT PRIMARY KEY,
	seller     TEXT NOT NULL,
	price      NUMERIC NOT NULL CHECK (price > 0),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auctions (
	asset_id       BIGINT PRIMARY KEY,
	seller         TEXT NOT NULL,
	start_price    NUMERIC NOT NULL CHECK (start_price > 0),
	highest_bid    NUMERIC NOT NULL,
	highest_bidder TEXT NOT NULL DEFAULT '',
	bid_count      BIGINT NOT NULL DEFAULT 0,
	end_time       TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq          BIGSERIAL PRIMARY KEY,
	id           UUID NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	asset_id     BIGINT NOT NULL,
	account      TEXT NOT NULL,
	counterparty TEXT NOT NULL DEFAULT '',
	amount       NUMERIC NOT NULL DEFAULT 0,
	resolution   TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	timestamp    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS events_asset_idx ON events (asset_id);
CREATE INDEX IF NOT EXISTS events_account_idx ON events (account);
CREATE INDEX IF NOT EXISTS events_counterparty_idx ON events (counterparty);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// insertExclusive inserts a registry record unless either registry table
// already holds the asset. Writers on one asset are serialised by the caller.
func (s *PostgresStore) insertExclusive(ctx context.Context, id model.AssetID, otherTable, insert string, args ...any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+otherTable+` WHERE asset_id = $1)`, int64(id)).
		Scan(&exists); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: asset %s", ErrAlreadyExists, id)
	}

	tag, err := tx.Exec(ctx, insert, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: asset %s", ErrAlreadyExists, id)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return s.insertExclusive(ctx, l.AssetID, "auctions",
		`INSERT INTO listings (asset_id, seller, price, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (asset_id) DO NOTHING`,
		int64(l.AssetID), string(l.Seller), l.Price.String(), l.CreatedAt,
	)
}

func (s *PostgresStore) GetListing(ctx context.Context, id model.AssetID) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT asset_id, seller, price::TEXT, created_at
		 FROM listings WHERE asset_id = $1`, int64(id))

	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, seller, price::TEXT, created_at
		 FROM listings ORDER BY asset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) DeleteListing(ctx context.Context, id model.AssetID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM listings WHERE asset_id = $1`, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	return s.insertExclusive(ctx, a.AssetID, "listings",
		`INSERT INTO auctions (asset_id, seller, start_price, highest_bid, highest_bidder, bid_count, end_time, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8)
		 ON CONFLICT (asset_id) DO NOTHING`,
		int64(a.AssetID), string(a.Seller),
		a.StartPrice.String(), a.HighestBid.String(),
		string(a.HighestBidder), int64(a.BidCount),
		a.EndTime, a.CreatedAt,
	)
}

func (s *PostgresStore) GetAuction(ctx context.Context, id model.AssetID) (*model.Auction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT asset_id, seller, start_price::TEXT, highest_bid::TEXT,
		        highest_bidder, bid_count, end_time, created_at
		 FROM auctions WHERE asset_id = $1`, int64(id))

	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, seller, start_price::TEXT, highest_bid::TEXT,
		        highest_bidder, bid_count, end_time, created_at
		 FROM auctions ORDER BY asset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) UpdateAuctionBid(ctx context.Context, id model.AssetID, bid decimal.Decimal, bidder model.Account, bidCount uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions
		 SET highest_bid = $2::NUMERIC, highest_bidder = $3, bid_count = $4
		 WHERE asset_id = $1`,
		int64(id), bid.String(), string(bidder), int64(bidCount),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) DeleteAuction(ctx context.Context, id model.AssetID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auctions WHERE asset_id = $1`, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, kind, asset_id, account, counterparty, amount, resolution, detail, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		e.ID, string(e.Kind), int64(e.AssetID), string(e.Account), string(e.Counterparty),
		e.Amount.String(), string(e.Resolution), e.Detail, e.Timestamp,
	)
	return err
}

const eventColumns = `id::TEXT, kind, asset_id, account, counterparty, amount::TEXT, resolution, detail, timestamp`

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetEventsByAsset(ctx context.Context, id model.AssetID) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE asset_id = $1 ORDER BY seq`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetEventsByAccount(ctx context.Context, account model.Account) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE account = $1 OR counterparty = $1 ORDER BY seq`, string(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var assetID int64
	var seller, price string

	if err := row.Scan(&assetID, &seller, &price, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.AssetID = model.AssetID(assetID)
	l.Seller = model.Account(seller)
	l.Price, _ = decimal.NewFromString(price)
	return &l, nil
}

func scanAuction(row rowScanner) (*model.Auction, error) {
	var a model.Auction
	var assetID, bidCount int64
	var seller, startPrice, highestBid, highestBidder string

	if err := row.Scan(&assetID, &seller, &startPrice, &highestBid,
		&highestBidder, &bidCount, &a.EndTime, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.AssetID = model.AssetID(assetID)
	a.Seller = model.Account(seller)
	a.StartPrice, _ = decimal.NewFromString(startPrice)
	a.HighestBid, _ = decimal.NewFromString(highestBid)
	a.HighestBidder = model.Account(highestBidder)
	a.BidCount = uint64(bidCount)
	return &a, nil
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kind, account, counterparty, amount, resolution string
		var assetID int64

		if err := rows.Scan(&e.ID, &kind, &assetID, &account, &counterparty,
			&amount, &resolution, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Kind = model.EventKind(kind)
		e.AssetID = model.AssetID(assetID)
		e.Account = model.Account(account)
		e.Counterparty = model.Account(counterparty)
		e.Amount, _ = decimal.NewFromString(amount)
		e.Resolution = model.Resolution(resolution)

		events = append(events, e)
	}
	return events, rows.Err()
}
