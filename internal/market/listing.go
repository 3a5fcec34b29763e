package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/metrics"
	"github.com/atmx/marketplace-engine/internal/model"
	"github.com/atmx/marketplace-engine/internal/store"
)

// ListItem puts an asset up for sale at a fixed price. The asset moves into
// custody until it is bought or the listing is cancelled.
func (e *Engine) ListItem(ctx context.Context, caller model.Account, id model.AssetID, price decimal.Decimal) (listing *model.Listing, err error) {
	defer e.observe("list_item", time.Now(), &err)

	if err := e.ensureParticipant(caller); err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	unlock := e.locks.lock(id)
	defer unlock()
	now := e.now()

	if err := e.ensureUnlisted(ctx, id); err != nil {
		return nil, err
	}
	if err := e.ensureListingAuthority(ctx, caller, id); err != nil {
		return nil, err
	}

	s := e.settle.Begin()
	if err := s.EscrowAsset(ctx, caller, id); err != nil {
		return nil, fmt.Errorf("list asset %s: %w", id, err)
	}

	listing = &model.Listing{
		AssetID:   id,
		Seller:    caller,
		Price:     price,
		CreatedAt: now,
	}
	if err := e.store.CreateListing(ctx, listing); err != nil {
		return nil, e.abort(ctx, s, fmt.Errorf("save listing %s: %w", id, err))
	}
	if err := e.commit(ctx, s, nil); err != nil {
		return nil, err
	}

	metrics.ListingsTotal.WithLabelValues(metrics.ModeFixed).Inc()
	metrics.ActiveListings.WithLabelValues(metrics.ModeFixed).Inc()
	e.emit(ctx, model.Event{
		Kind:      model.EventItemListed,
		AssetID:   id,
		Account:   caller,
		Amount:    price,
		Timestamp: now,
	})
	slog.Info("item listed", "asset_id", id.String(), "seller", caller, "price", price.String())

	return listing, nil
}

// BuyItem purchases a listed asset. The price is pulled from the buyer and
// paid to the seller, and the asset is released to the buyer, in one step.
func (e *Engine) BuyItem(ctx context.Context, caller model.Account, id model.AssetID) (listing *model.Listing, err error) {
	defer e.observe("buy_item", time.Now(), &err)

	if err := e.ensureParticipant(caller); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(id)
	defer unlock()
	now := e.now()

	listing, err = e.primary.GetListing(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotListed, id)
	}
	if err != nil {
		return nil, err
	}
	if caller == listing.Seller {
		return nil, fmt.Errorf("%w: %s", ErrSelfTrade, caller)
	}

	s := e.settle.Begin()
	if err := s.EscrowCurrency(ctx, caller, listing.Price); err != nil {
		return nil, fmt.Errorf("buy asset %s: %w", id, err)
	}
	s.ReleaseCurrency(listing.Seller, listing.Price)
	s.ReleaseAsset(caller, id)

	if err := e.store.DeleteListing(ctx, id); err != nil {
		return nil, e.abort(ctx, s, fmt.Errorf("delete listing %s: %w", id, err))
	}
	restore := func(ctx context.Context) error { return e.store.CreateListing(ctx, listing) }
	if err := e.commit(ctx, s, restore); err != nil {
		return nil, err
	}

	metrics.ActiveListings.WithLabelValues(metrics.ModeFixed).Dec()
	metrics.SalesTotal.WithLabelValues(metrics.ModeFixed).Inc()
	metrics.SettledVolume.WithLabelValues(metrics.ModeFixed).Add(amountFloat(listing.Price))
	e.emit(ctx, model.Event{
		Kind:         model.EventItemBought,
		AssetID:      id,
		Account:      caller,
		Counterparty: listing.Seller,
		Amount:       listing.Price,
		Timestamp:    now,
	})
	slog.Info("item bought",
		"asset_id", id.String(),
		"buyer", caller,
		"seller", listing.Seller,
		"price", listing.Price.String(),
	)

	return listing, nil
}

// Cancel withdraws a listing and returns the asset to its seller. Only the
// seller may cancel; an asset without a listing has no seller, so that is
// refused the same way.
func (e *Engine) Cancel(ctx context.Context, caller model.Account, id model.AssetID) (err error) {
	defer e.observe("cancel", time.Now(), &err)

	if err := e.ensureParticipant(caller); err != nil {
		return err
	}

	unlock := e.locks.lock(id)
	defer unlock()
	now := e.now()

	listing, err := e.primary.GetListing(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: asset %s is not listed", ErrNotPermitted, id)
	}
	if err != nil {
		return err
	}
	if caller != listing.Seller {
		return fmt.Errorf("%w: %s is not the seller of asset %s", ErrNotPermitted, caller, id)
	}

	s := e.settle.Begin()
	s.ReleaseAsset(listing.Seller, id)

	if err := e.store.DeleteListing(ctx, id); err != nil {
		return fmt.Errorf("delete listing %s: %w", id, err)
	}
	restore := func(ctx context.Context) error { return e.store.CreateListing(ctx, listing) }
	if err := e.commit(ctx, s, restore); err != nil {
		return err
	}

	metrics.ActiveListings.WithLabelValues(metrics.ModeFixed).Dec()
	e.emit(ctx, model.Event{
		Kind:      model.EventListingCancelled,
		AssetID:   id,
		Account:   caller,
		Timestamp: now,
	})
	slog.Info("listing cancelled", "asset_id", id.String(), "seller", caller)

	return nil
}

// Listing returns the open listing for an asset.
func (e *Engine) Listing(ctx context.Context, id model.AssetID) (*model.Listing, error) {
	l, err := e.store.GetListing(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotListed, id)
	}
	return l, err
}

// Listings returns every open listing.
func (e *Engine) Listings(ctx context.Context) ([]model.Listing, error) {
	return e.store.ListListings(ctx)
}
