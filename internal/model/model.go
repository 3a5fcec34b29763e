// Package model defines the core domain types shared across the marketplace.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Account identifies a participant (seller, buyer, bidder, administrator or
// the custodian itself).
type Account string

// NoAccount is the zero Account, used for "no highest bidder yet".
const NoAccount Account = ""

// AssetID is the unique identifier of a non-fungible asset.
type AssetID uint64

func (id AssetID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Item is a minted asset together with its current owner.
type Item struct {
	AssetID AssetID `json:"asset_id"`
	Owner   Account `json:"owner"`
	URI     string  `json:"uri"`
}

// Listing is a fixed-price sale offer. While it exists the asset is held
// by the custodian on behalf of Seller.
type Listing struct {
	AssetID   AssetID         `json:"asset_id" db:"asset_id"`
	Seller    Account         `json:"seller" db:"seller"`
	Price     decimal.Decimal `json:"price" db:"price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Auction is a time-bounded ascending-bid sale offer.
//
// HighestBid starts at the ask price and is only escrowed once BidCount > 0.
// EndTime is fixed when the auction is created.
type Auction struct {
	AssetID       AssetID         `json:"asset_id" db:"asset_id"`
	Seller        Account         `json:"seller" db:"seller"`
	StartPrice    decimal.Decimal `json:"start_price" db:"start_price"`
	HighestBid    decimal.Decimal `json:"highest_bid" db:"highest_bid"`
	HighestBidder Account         `json:"highest_bidder,omitempty" db:"highest_bidder"`
	BidCount      uint64          `json:"bid_count" db:"bid_count"`
	EndTime       time.Time       `json:"end_time" db:"end_time"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// HasBids reports whether any bid currency is escrowed for the auction.
func (a *Auction) HasBids() bool {
	return a.BidCount > 0
}

// Ended reports whether bidding is closed at now.
func (a *Auction) Ended(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// AccountSummary is a participant's standing towards the marketplace
// custodian.
type AccountSummary struct {
	Account        Account         `json:"account"`
	Balance        decimal.Decimal `json:"balance"`
	Allowance      decimal.Decimal `json:"allowance"`
	ApprovedForAll bool            `json:"approved_for_all"`
}

// Params is a snapshot of the administrator-controlled configuration.
type Params struct {
	AuctionDuration      time.Duration `json:"auction_duration"`
	MinParticipantsCount uint64        `json:"min_participants_count"`
}

// EventKind names an observable marketplace event.
type EventKind string

const (
	EventItemCreated      EventKind = "item_created"
	EventItemListed       EventKind = "item_listed"
	EventItemBought       EventKind = "item_bought"
	EventListingCancelled EventKind = "listing_cancelled"
	EventAuctionListed    EventKind = "auction_listed"
	EventBidPlaced        EventKind = "bid_placed"
	EventAuctionFinished  EventKind = "auction_finished"
	EventAuctionCancelled EventKind = "auction_cancelled"
	EventParamsUpdated    EventKind = "params_updated"
)

// Resolution records how an auction was settled.
type Resolution string

const (
	ResolutionToWinner Resolution = "to_winner"
	ResolutionReturned Resolution = "returned"
)

// Event is an immutable audit record. Once appended to the event log it is
// never modified or deleted.
type Event struct {
	ID           string          `json:"id" db:"id"`
	Kind         EventKind       `json:"kind" db:"kind"`
	AssetID      AssetID         `json:"asset_id" db:"asset_id"`
	Account      Account         `json:"account" db:"account"`
	Counterparty Account         `json:"counterparty,omitempty" db:"counterparty"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Resolution   Resolution      `json:"resolution,omitempty" db:"resolution"`
	Detail       string          `json:"detail,omitempty" db:"detail"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}
