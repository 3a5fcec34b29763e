package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[model.AssetID]*model.Listing
	auctions map[model.AssetID]*model.Auction
	events   []model.Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[model.AssetID]*model.Listing),
		auctions: make(map[model.AssetID]*model.Auction),
	}
}

// listedLocked reports whether any record exists for id. Caller holds mu.
func (s *MemoryStore) listedLocked(id model.AssetID) bool {
	_, listed := s.listings[id]
	_, auctioned := s.auctions[id]
	return listed || auctioned
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listedLocked(l.AssetID) {
		return fmt.Errorf("%w: asset %s", ErrAlreadyExists, l.AssetID)
	}

	// Store a copy to avoid external mutation.
	copy := *l
	s.listings[l.AssetID] = &copy
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id model.AssetID) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		listings = append(listings, *l)
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].AssetID < listings[j].AssetID })
	return listings, nil
}

func (s *MemoryStore) DeleteListing(_ context.Context, id model.AssetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[id]; !ok {
		return fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	delete(s.listings, id)
	return nil
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listedLocked(a.AssetID) {
		return fmt.Errorf("%w: asset %s", ErrAlreadyExists, a.AssetID)
	}
	copy := *a
	s.auctions[a.AssetID] = &copy
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id model.AssetID) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAuctions(_ context.Context) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auctions := make([]model.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		auctions = append(auctions, *a)
	}
	sort.Slice(auctions, func(i, j int) bool { return auctions[i].AssetID < auctions[j].AssetID })
	return auctions, nil
}

func (s *MemoryStore) UpdateAuctionBid(_ context.Context, id model.AssetID, bid decimal.Decimal, bidder model.Account, bidCount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	a.HighestBid = bid
	a.HighestBidder = bidder
	a.BidCount = bidCount
	return nil
}

func (s *MemoryStore) DeleteAuction(_ context.Context, id model.AssetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[id]; !ok {
		return fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	delete(s.auctions, id)
	return nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, len(s.events))
	copy(events, s.events)
	return events, nil
}

func (s *MemoryStore) GetEventsByAsset(_ context.Context, id model.AssetID) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.AssetID == id {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetEventsByAccount(_ context.Context, account model.Account) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Account == account || e.Counterparty == account {
			result = append(result, e)
		}
	}
	return result, nil
}
