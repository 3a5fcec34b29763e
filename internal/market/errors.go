package market

import (
	"errors"

	"github.com/atmx/marketplace-engine/internal/ledger"
	"github.com/atmx/marketplace-engine/internal/params"
)

var (
	ErrInvalidPrice    = errors.New("market: price must be positive")
	ErrAlreadyListed   = errors.New("market: asset is already listed")
	ErrNotListed       = errors.New("market: asset is not listed")
	ErrSelfTrade       = errors.New("market: seller and buyer should differ")
	ErrNotPermitted    = errors.New("market: not permitted")
	ErrBidTooLow       = errors.New("market: bid must exceed the highest bid")
	ErrAuctionEnded    = errors.New("market: auction has finished, bidding is not possible")
	ErrAuctionNotEnded = errors.New("market: auction cannot be finished yet")
	ErrInconsistent    = errors.New("market: records and custody disagree")

	// Re-exported so callers only need this package for errors.Is checks.
	ErrUnauthorized     = params.ErrUnauthorized
	ErrInvalidParameter = params.ErrInvalidParameter
)

// reason maps an operation error to a short metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrAlreadyListed):
		return "already_listed"
	case errors.Is(err, ErrNotListed):
		return "not_listed"
	case errors.Is(err, ErrSelfTrade):
		return "self_trade"
	case errors.Is(err, ErrNotPermitted):
		return "not_permitted"
	case errors.Is(err, ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, ErrAuctionEnded):
		return "auction_ended"
	case errors.Is(err, ErrAuctionNotEnded):
		return "auction_not_ended"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientAllowance):
		return "insufficient_funds"
	default:
		return "internal"
	}
}
