// Package settlement moves assets and currency between participants and the
// marketplace custodian.
//
// A Settlement is two-phase. Escrow* calls pull value into custody right
// away and are remembered so Abort can hand them back. Release* calls only
// queue pushes out of custody; Commit checks that custody covers all of them
// and then executes them. Callers pull first, mutate their records, then
// commit, so a failed pull never leaves a half-applied operation behind.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/ledger"
	"github.com/atmx/marketplace-engine/internal/model"
)

var (
	// ErrCustodyShortfall is returned by Commit when the custodian does not
	// hold what the queued releases need. Nothing is released in that case.
	ErrCustodyShortfall = errors.New("settlement: custody does not cover releases")

	// ErrIncomplete is returned, as an *IncompleteError, when a release
	// failed after others may have landed.
	ErrIncomplete = errors.New("settlement: release interrupted")

	// ErrFinished is returned when a settlement is used after Commit or Abort.
	ErrFinished = errors.New("settlement: already finished")
)

// Engine performs transfers on behalf of the custodian account.
type Engine struct {
	assets    ledger.AssetLedger
	currency  ledger.CurrencyLedger
	custodian model.Account
}

// NewEngine creates a settlement engine acting as custodian.
func NewEngine(assets ledger.AssetLedger, currency ledger.CurrencyLedger, custodian model.Account) *Engine {
	return &Engine{
		assets:    assets,
		currency:  currency,
		custodian: custodian,
	}
}

// Custodian returns the account that holds escrowed value.
func (e *Engine) Custodian() model.Account { return e.custodian }

// Assets returns the asset ledger the engine settles against.
func (e *Engine) Assets() ledger.AssetLedger { return e.assets }

// Currency returns the currency ledger the engine settles against.
func (e *Engine) Currency() ledger.CurrencyLedger { return e.currency }

// TransferAsset moves an asset with the custodian as operator.
func (e *Engine) TransferAsset(ctx context.Context, from, to model.Account, id model.AssetID) error {
	if err := e.assets.Transfer(ctx, e.custodian, from, to, id); err != nil {
		return fmt.Errorf("transfer asset %s %s->%s: %w", id, from, to, err)
	}
	return nil
}

// TransferCurrency moves currency with the custodian as spender.
func (e *Engine) TransferCurrency(ctx context.Context, from, to model.Account, amount decimal.Decimal) error {
	if err := e.currency.Transfer(ctx, e.custodian, from, to, amount); err != nil {
		return fmt.Errorf("transfer %s %s->%s: %w", amount, from, to, err)
	}
	return nil
}

// Begin starts a new settlement.
func (e *Engine) Begin() *Settlement {
	return &Settlement{engine: e}
}

// Movement is one transfer between custody and an account: an asset when
// IsAsset is set, otherwise Amount of currency.
type Movement struct {
	Account model.Account
	AssetID model.AssetID
	Amount  decimal.Decimal
	IsAsset bool
}

func (m Movement) String() string {
	if m.IsAsset {
		return fmt.Sprintf("asset %s <-> %s", m.AssetID, m.Account)
	}
	return fmt.Sprintf("%s <-> %s", m.Amount, m.Account)
}

// IncompleteError reports a Commit that stopped part way. Completed
// releases have landed; Failed and everything in Pending still sit in
// custody and must be reconciled by the caller.
type IncompleteError struct {
	Completed []Movement
	Failed    Movement
	Pending   []Movement
	Err       error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d of %d releases: %s",
		ErrIncomplete, e.Failed, len(e.Completed), len(e.Completed)+1+len(e.Pending), e.Err)
}

func (e *IncompleteError) Unwrap() []error {
	return []error{ErrIncomplete, e.Err}
}

// Settlement is the set of movements belonging to one marketplace operation.
// It is not safe for concurrent use; callers hold the per-asset lock.
type Settlement struct {
	engine   *Engine
	pulls    []Movement
	releases []Movement
	finished bool
}

// EscrowAsset moves id from owner into custody.
func (s *Settlement) EscrowAsset(ctx context.Context, owner model.Account, id model.AssetID) error {
	if s.finished {
		return ErrFinished
	}
	if err := s.engine.TransferAsset(ctx, owner, s.engine.custodian, id); err != nil {
		return fmt.Errorf("escrow asset: %w", err)
	}
	s.pulls = append(s.pulls, Movement{Account: owner, AssetID: id, IsAsset: true})
	return nil
}

// EscrowCurrency moves amount from into custody. A zero amount is a no-op.
func (s *Settlement) EscrowCurrency(ctx context.Context, from model.Account, amount decimal.Decimal) error {
	if s.finished {
		return ErrFinished
	}
	if amount.IsZero() {
		return nil
	}
	if err := s.engine.TransferCurrency(ctx, from, s.engine.custodian, amount); err != nil {
		return fmt.Errorf("escrow currency: %w", err)
	}
	s.pulls = append(s.pulls, Movement{Account: from, Amount: amount})
	return nil
}

// ReleaseAsset queues the transfer of a custodied asset to an account.
func (s *Settlement) ReleaseAsset(to model.Account, id model.AssetID) {
	s.releases = append(s.releases, Movement{Account: to, AssetID: id, IsAsset: true})
}

// ReleaseCurrency queues a payout or refund of custodied currency.
// A zero amount is ignored.
func (s *Settlement) ReleaseCurrency(to model.Account, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	s.releases = append(s.releases, Movement{Account: to, Amount: amount})
}

// Commit executes all queued releases. If custody cannot cover them, the
// settlement is aborted and ErrCustodyShortfall returned.
func (s *Settlement) Commit(ctx context.Context) error {
	if s.finished {
		return ErrFinished
	}

	if err := s.verifyCustody(ctx); err != nil {
		if abortErr := s.Abort(ctx); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return err
	}
	s.finished = true

	custodian := s.engine.custodian
	for i, m := range s.releases {
		var err error
		if m.IsAsset {
			err = s.engine.TransferAsset(ctx, custodian, m.Account, m.AssetID)
		} else {
			err = s.engine.TransferCurrency(ctx, custodian, m.Account, m.Amount)
		}
		if err != nil {
			slog.Error("settlement release failed",
				"movement", m.String(),
				"completed", i,
				"pending", len(s.releases)-i-1,
				"err", err,
			)
			return &IncompleteError{
				Completed: append([]Movement(nil), s.releases[:i]...),
				Failed:    m,
				Pending:   append([]Movement(nil), s.releases[i+1:]...),
				Err:       err,
			}
		}
	}
	return nil
}

// Abort hands every pulled asset and amount back to where it came from,
// most recent first.
func (s *Settlement) Abort(ctx context.Context) error {
	if s.finished {
		return ErrFinished
	}
	s.finished = true

	custodian := s.engine.custodian
	var errs []error
	for i := len(s.pulls) - 1; i >= 0; i-- {
		m := s.pulls[i]
		var err error
		if m.IsAsset {
			err = s.engine.TransferAsset(ctx, custodian, m.Account, m.AssetID)
		} else {
			err = s.engine.TransferCurrency(ctx, custodian, m.Account, m.Amount)
		}
		if err != nil {
			slog.Error("settlement abort failed", "movement", m.String(), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Settlement) verifyCustody(ctx context.Context) error {
	custodian := s.engine.custodian
	owed := decimal.Zero

	for _, m := range s.releases {
		if !m.IsAsset {
			owed = owed.Add(m.Amount)
			continue
		}
		owner, err := s.engine.assets.OwnerOf(ctx, m.AssetID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCustodyShortfall, err)
		}
		if owner != custodian {
			return fmt.Errorf("%w: asset %s is held by %s", ErrCustodyShortfall, m.AssetID, owner)
		}
	}

	if owed.IsZero() {
		return nil
	}
	held, err := s.engine.currency.BalanceOf(ctx, custodian)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCustodyShortfall, err)
	}
	if held.LessThan(owed) {
		return fmt.Errorf("%w: holds %s, owes %s", ErrCustodyShortfall, held, owed)
	}
	return nil
}
