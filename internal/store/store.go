// Package store defines the persistence interface for marketplace records.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

var (
	ErrNotFound      = errors.New("store: record not found")
	ErrAlreadyExists = errors.New("store: record already exists")
)

// Store is the persistence interface. A listing and an auction never
// coexist for the same asset: creating either fails with ErrAlreadyExists
// while the other is present.
type Store interface {
	// --- Listing registry ---

	// CreateListing persists a new fixed-price listing.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves the listing for an asset.
	GetListing(ctx context.Context, id model.AssetID) (*model.Listing, error)

	// ListListings returns all open listings.
	ListListings(ctx context.Context) ([]model.Listing, error)

	// DeleteListing removes the listing for an asset.
	DeleteListing(ctx context.Context, id model.AssetID) error

	// --- Auction registry ---

	// CreateAuction persists a new auction.
	CreateAuction(ctx context.Context, a *model.Auction) error

	// GetAuction retrieves the auction for an asset.
	GetAuction(ctx context.Context, id model.AssetID) (*model.Auction, error)

	// ListAuctions returns all running auctions.
	ListAuctions(ctx context.Context) ([]model.Auction, error)

	// UpdateAuctionBid records a new highest bid.
	UpdateAuctionBid(ctx context.Context, id model.AssetID, bid decimal.Decimal, bidder model.Account, bidCount uint64) error

	// DeleteAuction removes the auction for an asset.
	DeleteAuction(ctx context.Context, id model.AssetID) error

	// --- Immutable event log ---

	// InsertEvent appends an event.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEvents returns every event in append order.
	ListEvents(ctx context.Context) ([]model.Event, error)

	// GetEventsByAsset returns all events for an asset.
	GetEventsByAsset(ctx context.Context, id model.AssetID) ([]model.Event, error)

	// GetEventsByAccount returns all events where the account is the actor
	// or the counterparty.
	GetEventsByAccount(ctx context.Context, account model.Account) ([]model.Event, error)
}

// Layered is implemented by stores that front another store, such as a cache.
type Layered interface {
	Primary() Store
}

// Primary unwraps st down to the store that holds the authoritative records.
// A store that fronts nothing is returned as is.
func Primary(st Store) Store {
	for {
		l, ok := st.(Layered)
		if !ok {
			return st
		}
		st = l.Primary()
	}
}
