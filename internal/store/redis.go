package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// A reader racing a writer can still put a record back into the cache that
// is one write old, until the TTL expires. Anything that decides on a
// record under the asset lock must read Primary() instead.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the uncached source of truth.
func (s *CachedStore) Primary() Store {
	return s.primary
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.CreateListing(ctx, l); err != nil {
		return err
	}
	s.cache(ctx, listingKey(l.AssetID), l)
	return nil
}

func (s *CachedStore) DeleteListing(ctx context.Context, id model.AssetID) error {
	if err := s.primary.DeleteListing(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, auctionKey(a.AssetID), a)
	return nil
}

func (s *CachedStore) UpdateAuctionBid(ctx context.Context, id model.AssetID, bid decimal.Decimal, bidder model.Account, bidCount uint64) error {
	if err := s.primary.UpdateAuctionBid(ctx, id, bid, bidder, bidCount); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionKey(id))
	return nil
}

func (s *CachedStore) DeleteAuction(ctx context.Context, id model.AssetID) error {
	if err := s.primary.DeleteAuction(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id model.AssetID) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, listingKey(id), l)
	return l, nil
}

func (s *CachedStore) GetAuction(ctx context.Context, id model.AssetID) (*model.Auction, error) {
	data, err := s.rdb.Get(ctx, auctionKey(id)).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, auctionKey(id), a)
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	return s.primary.ListListings(ctx)
}

func (s *CachedStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	return s.primary.ListAuctions(ctx)
}

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.primary.InsertEvent(ctx, e)
}

func (s *CachedStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.primary.ListEvents(ctx)
}

func (s *CachedStore) GetEventsByAsset(ctx context.Context, id model.AssetID) ([]model.Event, error) {
	return s.primary.GetEventsByAsset(ctx, id)
}

func (s *CachedStore) GetEventsByAccount(ctx context.Context, account model.Account) ([]model.Event, error) {
	return s.primary.GetEventsByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func listingKey(id model.AssetID) string { return fmt.Sprintf("listing:%s", id) }
func auctionKey(id model.AssetID) string { return fmt.Sprintf("auction:%s", id) }
