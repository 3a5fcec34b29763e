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

// ListItemOnAuction starts an English auction for an asset. The deadline is
// now plus the auction duration in force at this instant; later parameter
// changes do not move it.
func (e *Engine) ListItemOnAuction(ctx context.Context, caller model.Account, id model.AssetID, startPrice decimal.Decimal) (auction *model.Auction, err error) {
	defer e.observe("list_item_on_auction", time.Now(), &err)

	if err := e.ensureParticipant(caller); err != nil {
		return nil, err
	}
	if !startPrice.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, startPrice)
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
		return nil, fmt.Errorf("auction asset %s: %w", id, err)
	}

	auction = &model.Auction{
		AssetID:    id,
		Seller:     caller,
		StartPrice: startPrice,
		HighestBid: startPrice,
		EndTime:    now.Add(e.params.Get().AuctionDuration),
		CreatedAt:  now,
	}
	if err := e.store.CreateAuction(ctx, auction); err != nil {
		return nil, e.abort(ctx, s, fmt.Errorf("save auction %s: %w", id, err))
	}
	if err := e.commit(ctx, s, nil); err != nil {
		return nil, err
	}

	metrics.ListingsTotal.WithLabelValues(metrics.ModeAuction).Inc()
	metrics.ActiveListings.WithLabelValues(metrics.ModeAuction).Inc()
	e.emit(ctx, model.Event{
		Kind:      model.EventAuctionListed,
		AssetID:   id,
		Account:   caller,
		Amount:    startPrice,
		Detail:    "ends " + auction.EndTime.Format(time.RFC3339),
		Timestamp: now,
	})
	slog.Info("item listed on auction",
		"asset_id", id.String(),
		"seller", caller,
		"start_price", startPrice.String(),
		"end_time", auction.EndTime,
	)

	return auction, nil
}

// MakeBid places a bid that must strictly exceed the current highest bid.
// The new bid is escrowed and the previous highest bidder refunded. When the
// highest bidder raises their own bid only the difference is escrowed.
func (e *Engine) MakeBid(ctx context.Context, caller model.Account, id model.AssetID, amount decimal.Decimal) (auction *model.Auction, err error) {
	defer e.observe("make_bid", time.Now(), &err)

	if err := e.ensureParticipant(caller); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(id)
	defer unlock()
	now := e.now()

	auction, err = e.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	if auction.Ended(now) {
		return nil, fmt.Errorf("%w: asset %s closed at %s", ErrAuctionEnded, id, auction.EndTime.Format(time.RFC3339))
	}
	if amount.LessThanOrEqual(auction.HighestBid) {
		return nil, fmt.Errorf("%w: %s <= %s", ErrBidTooLow, amount, auction.HighestBid)
	}

	prevBid, prevBidder, prevCount := auction.HighestBid, auction.HighestBidder, auction.BidCount

	s := e.settle.Begin()
	if auction.HasBids() && prevBidder == caller {
		err = s.EscrowCurrency(ctx, caller, amount.Sub(prevBid))
	} else {
		err = s.EscrowCurrency(ctx, caller, amount)
		if auction.HasBids() {
			s.ReleaseCurrency(prevBidder, prevBid)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bid on asset %s: %w", id, err)
	}

	auction.HighestBid = amount
	auction.HighestBidder = caller
	auction.BidCount++
	if err := e.store.UpdateAuctionBid(ctx, id, amount, caller, auction.BidCount); err != nil {
		return nil, e.abort(ctx, s, fmt.Errorf("save bid on %s: %w", id, err))
	}
	restore := func(ctx context.Context) error {
		return e.store.UpdateAuctionBid(ctx, id, prevBid, prevBidder, prevCount)
	}
	if err := e.commit(ctx, s, restore); err != nil {
		return nil, err
	}

	metrics.BidsTotal.Inc()
	e.emit(ctx, model.Event{
		Kind:         model.EventBidPlaced,
		AssetID:      id,
		Account:      caller,
		Counterparty: prevBidder,
		Amount:       amount,
		Timestamp:    now,
	})
	slog.Info("bid placed",
		"asset_id", id.String(),
		"bidder", caller,
		"amount", amount.String(),
		"refunded", prevBidder,
		"bid_count", auction.BidCount,
	)

	return auction, nil
}

// FinishAuction settles an auction once its deadline has passed. With at
// least MinParticipantsCount bids the asset goes to the highest bidder and
// the escrowed bid to the seller. Otherwise the asset returns to the seller
// and any escrowed bid to its bidder. Any participant may call it.
func (e *Engine) FinishAuction(ctx context.Context, caller model.Account, id model.AssetID) (resolution model.Resolution, err error) {
	defer e.observe("finish_auction", time.Now(), &err)

	if err := e.ensureParticipant(caller); err != nil {
		return "", err
	}

	unlock := e.locks.lock(id)
	defer unlock()
	now := e.now()

	auction, err := e.getAuction(ctx, id)
	if err != nil {
		return "", err
	}
	if !auction.Ended(now) {
		return "", fmt.Errorf("%w: asset %s closes at %s", ErrAuctionNotEnded, id, auction.EndTime.Format(time.RFC3339))
	}

	minParticipants := e.params.Get().MinParticipantsCount

	s := e.settle.Begin()
	recipient := auction.Seller
	resolution = model.ResolutionReturned
	if auction.HasBids() && auction.BidCount >= minParticipants {
		resolution = model.ResolutionToWinner
		recipient = auction.HighestBidder
		s.ReleaseAsset(auction.HighestBidder, id)
		s.ReleaseCurrency(auction.Seller, auction.HighestBid)
	} else {
		s.ReleaseAsset(auction.Seller, id)
		if auction.HasBids() {
			s.ReleaseCurrency(auction.HighestBidder, auction.HighestBid)
		}
	}

	if err := e.store.DeleteAuction(ctx, id); err != nil {
		return "", fmt.Errorf("delete auction %s: %w", id, err)
	}
	restore := func(ctx context.Context) error { return e.store.CreateAuction(ctx, auction) }
	if err := e.commit(ctx, s, restore); err != nil {
		return "", err
	}

	metrics.ActiveListings.WithLabelValues(metrics.ModeAuction).Dec()
	metrics.AuctionResolutions.WithLabelValues(string(resolution)).Inc()
	amount := decimal.Zero
	if auction.HasBids() {
		amount = auction.HighestBid
	}
	if resolution == model.ResolutionToWinner {
		metrics.SalesTotal.WithLabelValues(metrics.ModeAuction).Inc()
		metrics.SettledVolume.WithLabelValues(metrics.ModeAuction).Add(amountFloat(amount))
	}

	e.emit(ctx, model.Event{
		Kind:         model.EventAuctionFinished,
		AssetID:      id,
		Account:      auction.Seller,
		Counterparty: auction.HighestBidder,
		Amount:       amount,
		Resolution:   resolution,
		Detail:       fmt.Sprintf("finished by %s after %d bids", caller, auction.BidCount),
		Timestamp:    now,
	})
	slog.Info("auction finished",
		"asset_id", id.String(),
		"resolution", string(resolution),
		"recipient", recipient,
		"bid_count", auction.BidCount,
		"min_participants", minParticipants,
		"highest_bid", amount.String(),
	)

	return resolution, nil
}

// CancelAuction is the administrator's emergency removal of an auction. The
// asset returns to the seller and an outstanding highest bid is refunded.
func (e *Engine) CancelAuction(ctx context.Context, caller model.Account, id model.AssetID) (err error) {
	defer e.observe("cancel_auction", time.Now(), &err)

	if err := e.params.Authorize(caller); err != nil {
		return err
	}

	unlock := e.locks.lock(id)
	defer unlock()
	now := e.now()

	auction, err := e.getAuction(ctx, id)
	if err != nil {
		return err
	}

	s := e.settle.Begin()
	s.ReleaseAsset(auction.Seller, id)
	refund := decimal.Zero
	if auction.HasBids() {
		refund = auction.HighestBid
		s.ReleaseCurrency(auction.HighestBidder, refund)
	}

	if err := e.store.DeleteAuction(ctx, id); err != nil {
		return fmt.Errorf("delete auction %s: %w", id, err)
	}
	restore := func(ctx context.Context) error { return e.store.CreateAuction(ctx, auction) }
	if err := e.commit(ctx, s, restore); err != nil {
		return err
	}

	metrics.ActiveListings.WithLabelValues(metrics.ModeAuction).Dec()
	metrics.AuctionResolutions.WithLabelValues("cancelled").Inc()
	e.emit(ctx, model.Event{
		Kind:         model.EventAuctionCancelled,
		AssetID:      id,
		Account:      auction.Seller,
		Counterparty: auction.HighestBidder,
		Amount:       refund,
		Resolution:   model.ResolutionReturned,
		Detail:       "cancelled by " + string(caller),
		Timestamp:    now,
	})
	slog.Warn("auction cancelled by administrator",
		"asset_id", id.String(),
		"seller", auction.Seller,
		"refunded", auction.HighestBidder,
		"refund", refund.String(),
	)

	return nil
}

// Auction returns the running auction for an asset. The record may come
// from the cache.
func (e *Engine) Auction(ctx context.Context, id model.AssetID) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotListed, id)
	}
	return a, err
}

// Auctions returns every running auction.
func (e *Engine) Auctions(ctx context.Context) ([]model.Auction, error) {
	return e.store.ListAuctions(ctx)
}

// getAuction reads the authoritative record. Callers hold the asset lock.
func (e *Engine) getAuction(ctx context.Context, id model.AssetID) (*model.Auction, error) {
	a, err := e.primary.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotListed, id)
	}
	return a, err
}
