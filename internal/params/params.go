// Package params holds the administrator-controlled marketplace
// configuration: the bidding window for new auctions and the number of bids
// an auction needs before it can sell.
package params

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/marketplace-engine/internal/model"
)

// Defaults match the reference marketplace deployment.
const (
	DefaultAuctionDuration      = 3 * 24 * time.Hour
	DefaultMinParticipantsCount = 3
)

var (
	ErrUnauthorized     = errors.New("params: caller is not the administrator")
	ErrInvalidParameter = errors.New("params: invalid parameter")
)

// Store is the process-wide parameter store. Reads always reflect the
// latest committed value.
type Store struct {
	mu     sync.RWMutex
	admin  model.Account
	params model.Params
}

// NewStore creates a parameter store administered by admin.
func NewStore(admin model.Account, initial model.Params) (*Store, error) {
	if admin == model.NoAccount {
		return nil, fmt.Errorf("%w: administrator is required", ErrInvalidParameter)
	}
	if initial.AuctionDuration <= 0 {
		return nil, fmt.Errorf("%w: auction duration must be positive, got %s",
			ErrInvalidParameter, initial.AuctionDuration)
	}
	return &Store{admin: admin, params: initial}, nil
}

// Defaults returns the reference deployment parameters.
func Defaults() model.Params {
	return model.Params{
		AuctionDuration:      DefaultAuctionDuration,
		MinParticipantsCount: DefaultMinParticipantsCount,
	}
}

// Admin returns the administrator account.
func (s *Store) Admin() model.Account {
	return s.admin
}

// IsAdmin reports whether account is the administrator.
func (s *Store) IsAdmin(account model.Account) bool {
	return account == s.admin
}

// Authorize returns ErrUnauthorized unless caller is the administrator.
func (s *Store) Authorize(caller model.Account) error {
	if !s.IsAdmin(caller) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	return nil
}

// Get returns a snapshot of the current parameters.
func (s *Store) Get() model.Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// SetNewDuration changes the bidding window of auctions created from now on.
// Running auctions keep their deadline.
func (s *Store) SetNewDuration(caller model.Account, d time.Duration) error {
	if err := s.Authorize(caller); err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("%w: auction duration must be positive, got %s", ErrInvalidParameter, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.AuctionDuration = d
	return nil
}

// SetMinParticipantsCount changes how many bids an auction needs to sell.
func (s *Store) SetMinParticipantsCount(caller model.Account, n uint64) error {
	if err := s.Authorize(caller); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.MinParticipantsCount = n
	return nil
}
