// Package market implements the listing and auction registries: the state
// machine deciding when an asset may be listed, bought, bid on, finished or
// cancelled, and which settlement movements each transition performs.
//
// Every operation on an asset runs under that asset's lock, from the first
// record read to the last settlement movement. Operations on different
// assets run in parallel.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/ledger"
	"github.com/atmx/marketplace-engine/internal/metrics"
	"github.com/atmx/marketplace-engine/internal/model"
	"github.com/atmx/marketplace-engine/internal/params"
	"github.com/atmx/marketplace-engine/internal/settlement"
	"github.com/atmx/marketplace-engine/internal/store"
)

// Publisher receives every event after it has been appended to the log.
type Publisher interface {
	Publish(ev model.Event)
}

// Engine is the marketplace core.
type Engine struct {
	store   store.Store
	primary store.Store // uncached reads taken under the asset lock
	settle  *settlement.Engine
	params  *params.Store
	locks   *assetLocks
	now     func() time.Time
	pub     Publisher
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now as the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher attaches an event publisher (e.g. the WebSocket hub).
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// NewEngine creates a marketplace engine.
func NewEngine(st store.Store, se *settlement.Engine, ps *params.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		primary: store.Primary(st),
		settle:  se,
		params:  ps,
		locks:   newAssetLocks(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Custodian returns the account escrowed assets and currency are held by.
func (e *Engine) Custodian() model.Account {
	return e.settle.Custodian()
}

// Params returns the current parameter snapshot.
func (e *Engine) Params() model.Params {
	return e.params.Get()
}

// Admin returns the administrator account.
func (e *Engine) Admin() model.Account {
	return e.params.Admin()
}

// --- Items ---

// CreateItem mints a new asset to the given account. Administrator only.
func (e *Engine) CreateItem(ctx context.Context, caller, to model.Account, uri string) (item *model.Item, err error) {
	defer e.observe("create_item", time.Now(), &err)

	if err := e.params.Authorize(caller); err != nil {
		return nil, err
	}
	if to == model.NoAccount {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidParameter)
	}

	id, err := e.settle.Assets().Mint(ctx, to, uri)
	if err != nil {
		return nil, fmt.Errorf("mint item: %w", err)
	}

	e.emit(ctx, model.Event{
		Kind:    model.EventItemCreated,
		AssetID: id,
		Account: to,
		Detail:  uri,
	})
	slog.Info("item created", "asset_id", id.String(), "owner", to, "uri", uri)

	return &model.Item{AssetID: id, Owner: to, URI: uri}, nil
}

// Item returns the current owner and URI of an asset.
func (e *Engine) Item(ctx context.Context, id model.AssetID) (*model.Item, error) {
	owner, err := e.settle.Assets().OwnerOf(ctx, id)
	if err != nil {
		return nil, err
	}
	uri, err := e.settle.Assets().TokenURI(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.Item{AssetID: id, Owner: owner, URI: uri}, nil
}

// --- Parameters ---

// SetNewDuration changes the bidding window for auctions created afterwards.
func (e *Engine) SetNewDuration(ctx context.Context, caller model.Account, d time.Duration) (err error) {
	defer e.observe("set_duration", time.Now(), &err)

	if err := e.params.SetNewDuration(caller, d); err != nil {
		return err
	}
	e.emit(ctx, model.Event{
		Kind:    model.EventParamsUpdated,
		Account: caller,
		Detail:  "auction_duration=" + d.String(),
	})
	slog.Info("auction duration updated", "duration", d.String())
	return nil
}

// SetMinParticipantsCount changes how many bids an auction needs to sell.
func (e *Engine) SetMinParticipantsCount(ctx context.Context, caller model.Account, n uint64) (err error) {
	defer e.observe("set_min_participants", time.Now(), &err)

	if err := e.params.SetMinParticipantsCount(caller, n); err != nil {
		return err
	}
	e.emit(ctx, model.Event{
		Kind:    model.EventParamsUpdated,
		Account: caller,
		Detail:  fmt.Sprintf("min_participants_count=%d", n),
	})
	slog.Info("min participants updated", "count", n)
	return nil
}

// --- Event log ---

// Events returns the event log, optionally filtered by asset or account.
func (e *Engine) Events(ctx context.Context, assetID *model.AssetID, account model.Account) ([]model.Event, error) {
	var (
		events []model.Event
		err    error
	)
	switch {
	case assetID != nil:
		events, err = e.store.GetEventsByAsset(ctx, *assetID)
	case account != model.NoAccount:
		events, err = e.store.GetEventsByAccount(ctx, account)
	default:
		return e.store.ListEvents(ctx)
	}
	if err != nil {
		return nil, err
	}

	// Both filters given: narrow the asset's events down to the account.
	if assetID != nil && account != model.NoAccount {
		filtered := events[:0]
		for _, ev := range events {
			if ev.Account == account || ev.Counterparty == account {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	return events, nil
}

// --- Startup ---

// Reconcile checks the stored records against the ledgers: every open
// listing and auction must have its asset in custody, and the custodian
// must hold at least the sum of escrowed bids. Run it before serving.
func (e *Engine) Reconcile(ctx context.Context) error {
	listings, err := e.primary.ListListings(ctx)
	if err != nil {
		return err
	}
	auctions, err := e.primary.ListAuctions(ctx)
	if err != nil {
		return err
	}

	custodian := e.settle.Custodian()
	var problems []string
	inCustody := func(kind string, id model.AssetID) error {
		owner, err := e.settle.Assets().OwnerOf(ctx, id)
		switch {
		case errors.Is(err, ledger.ErrUnknownAsset):
			problems = append(problems, fmt.Sprintf("%s %s: asset does not exist", kind, id))
		case err != nil:
			return err
		case owner != custodian:
			problems = append(problems, fmt.Sprintf("%s %s: asset held by %s", kind, id, owner))
		}
		return nil
	}

	for _, l := range listings {
		if err := inCustody("listing", l.AssetID); err != nil {
			return err
		}
	}
	owed := decimal.Zero
	for _, a := range auctions {
		if err := inCustody("auction", a.AssetID); err != nil {
			return err
		}
		if a.HasBids() {
			owed = owed.Add(a.HighestBid)
		}
	}

	held, err := e.settle.Currency().BalanceOf(ctx, custodian)
	if err != nil {
		return err
	}
	if held.LessThan(owed) {
		problems = append(problems, fmt.Sprintf("custodian holds %s, escrowed bids total %s", held, owed))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInconsistent, strings.Join(problems, "; "))
	}
	slog.Info("records reconciled with custody",
		"listings", len(listings),
		"auctions", len(auctions),
		"escrowed", owed.String(),
	)
	return nil
}

// --- Helpers ---

// ensureParticipant rejects operations on behalf of the custodian. Its
// balance is the pooled escrow of every open record, so it can never list,
// buy, bid or finish on its own account.
func (e *Engine) ensureParticipant(caller model.Account) error {
	if caller == model.NoAccount {
		return fmt.Errorf("%w: caller is required", ErrNotPermitted)
	}
	if caller == e.settle.Custodian() {
		return fmt.Errorf("%w: %s is the marketplace custodian", ErrNotPermitted, caller)
	}
	return nil
}

// ensureUnlisted fails with ErrAlreadyListed if any record exists for id.
func (e *Engine) ensureUnlisted(ctx context.Context, id model.AssetID) error {
	if _, err := e.primary.GetListing(ctx, id); err == nil {
		return fmt.Errorf("%w: asset %s has a listing", ErrAlreadyListed, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if _, err := e.primary.GetAuction(ctx, id); err == nil {
		return fmt.Errorf("%w: asset %s is on auction", ErrAlreadyListed, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// ensureListingAuthority checks the caller owns id and has approved the
// custodian to move it.
func (e *Engine) ensureListingAuthority(ctx context.Context, caller model.Account, id model.AssetID) error {
	owner, err := e.settle.Assets().OwnerOf(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotPermitted, err)
	}
	if owner != caller {
		return fmt.Errorf("%w: %s does not own asset %s", ErrNotPermitted, caller, id)
	}

	approved, err := e.settle.Assets().IsApprovedForAll(ctx, caller, e.settle.Custodian())
	if err != nil {
		return err
	}
	if !approved {
		return fmt.Errorf("%w: %s has not approved the marketplace", ErrNotPermitted, caller)
	}
	return nil
}

// abort hands back everything the settlement pulled and returns cause.
func (e *Engine) abort(ctx context.Context, s *settlement.Settlement, cause error) error {
	if err := s.Abort(ctx); err != nil {
		slog.Error("settlement abort failed", "cause", cause, "err", err)
		return errors.Join(cause, err)
	}
	return cause
}

// commit executes the settlement releases. If custody could not cover them
// nothing moved, so restore puts the record back the way it was. A commit
// that stopped part way cannot be undone here; its movements are logged
// for manual reconciliation and returned on the error.
func (e *Engine) commit(ctx context.Context, s *settlement.Settlement, restore func(context.Context) error) error {
	err := s.Commit(ctx)
	if err == nil {
		return nil
	}
	var incomplete *settlement.IncompleteError
	if errors.As(err, &incomplete) {
		slog.Error("settlement left unfinished, reconcile manually",
			"failed", incomplete.Failed.String(),
			"completed", movementStrings(incomplete.Completed),
			"pending", movementStrings(incomplete.Pending),
			"err", incomplete.Err,
		)
		return err
	}
	if errors.Is(err, settlement.ErrCustodyShortfall) && restore != nil {
		if rerr := restore(ctx); rerr != nil {
			slog.Error("record restore failed", "cause", err, "err", rerr)
			return errors.Join(err, rerr)
		}
	}
	return err
}

// emit stamps, stores and publishes an event. The operation it describes
// has already been committed, so failures are logged rather than returned.
func (e *Engine) emit(ctx context.Context, ev model.Event) {
	ev.ID = uuid.New().String()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	if err := e.store.InsertEvent(ctx, &ev); err != nil {
		slog.Error("failed to record event", "kind", ev.Kind, "asset_id", ev.AssetID.String(), "err", err)
	}
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}

// observe records latency and, on failure, the rejection reason.
func (e *Engine) observe(op string, start time.Time, err *error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil {
		metrics.Rejections.WithLabelValues(op, reason(*err)).Inc()
	}
}

func movementStrings(ms []settlement.Movement) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.String()
	}
	return out
}

// amountFloat converts a decimal for metrics only.
func amountFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
