// Package api provides the HTTP handlers for the marketplace: minting items,
// fixed-price listings, auctions, parameters, accounts and the event log.
//
// All monetary values use shopspring/decimal and travel as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/account"
	"github.com/atmx/marketplace-engine/internal/ledger"
	"github.com/atmx/marketplace-engine/internal/market"
	"github.com/atmx/marketplace-engine/internal/model"
)

// CallerHeader carries the acting account on every request.
const CallerHeader = "X-Account"

// Service exposes the marketplace engine over HTTP.
type Service struct {
	engine *market.Engine
	wsHub  *WSHub // optional WebSocket hub for event streaming
}

var _ market.Publisher = (*WSHub)(nil)

// NewService creates a new HTTP service.
// Pass nil for hub if WebSocket streaming is not needed.
func NewService(engine *market.Engine, hub *WSHub) *Service {
	return &Service{engine: engine, wsHub: hub}
}

// Routes registers the API on r, which is normally mounted at /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/items", s.CreateItem)
	r.Get("/items/{assetID}", s.GetItem)

	r.Get("/listings", s.ListListings)
	r.Post("/listings", s.ListItem)
	r.Get("/listings/{assetID}", s.GetListing)
	r.Post("/listings/{assetID}/buy", s.BuyItem)
	r.Delete("/listings/{assetID}", s.CancelListing)

	r.Get("/auctions", s.ListAuctions)
	r.Post("/auctions", s.ListItemOnAuction)
	r.Get("/auctions/{assetID}", s.GetAuction)
	r.Post("/auctions/{assetID}/bids", s.MakeBid)
	r.Post("/auctions/{assetID}/finish", s.FinishAuction)
	r.Delete("/auctions/{assetID}", s.CancelAuction)

	r.Get("/params", s.GetParams)
	r.Put("/params/duration", s.SetDuration)
	r.Put("/params/min-participants", s.SetMinParticipants)

	r.Get("/accounts/{account}", s.GetAccount)
	r.Post("/accounts/approvals", s.Approve)
	r.Post("/currency/mint", s.MintCurrency)

	r.Get("/events", s.ListEvents)
}

// --- Request/Response types ---

// CreateItemRequest is the JSON body for POST /items.
type CreateItemRequest struct {
	To  string `json:"to"`
	URI string `json:"uri"`
}

// ListItemRequest is the JSON body for POST /listings.
type ListItemRequest struct {
	AssetID model.AssetID `json:"asset_id"`
	Price   string        `json:"price"`
}

// AuctionRequest is the JSON body for POST /auctions.
type AuctionRequest struct {
	AssetID    model.AssetID `json:"asset_id"`
	StartPrice string        `json:"start_price"`
}

// BidRequest is the JSON body for POST /auctions/{assetID}/bids.
type BidRequest struct {
	Amount string `json:"amount"`
}

// FinishResponse is returned from POST /auctions/{assetID}/finish.
type FinishResponse struct {
	AssetID    model.AssetID    `json:"asset_id"`
	Resolution model.Resolution `json:"resolution"`
}

// maxDurationSeconds is the longest duration time.Duration can represent.
const maxDurationSeconds = int64(math.MaxInt64 / time.Second)

// DurationRequest is the JSON body for PUT /params/duration.
type DurationRequest struct {
	Seconds int64 `json:"seconds"`
}

// MinParticipantsRequest is the JSON body for PUT /params/min-participants.
type MinParticipantsRequest struct {
	Count uint64 `json:"count"`
}

// ParamsResponse is returned from GET /params.
type ParamsResponse struct {
	AuctionDurationSeconds int64         `json:"auction_duration_seconds"`
	MinParticipantsCount   uint64        `json:"min_participants_count"`
	Admin                  model.Account `json:"admin"`
	Custodian              model.Account `json:"custodian"`
}

// ApprovalRequest is the JSON body for POST /accounts/approvals.
type ApprovalRequest struct {
	Assets    bool   `json:"assets"`
	Allowance string `json:"allowance"`
}

// MintRequest is the JSON body for POST /currency/mint.
type MintRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// --- Items ---

// CreateItem handles POST /api/v1/items
func (s *Service) CreateItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req CreateItemRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := account.Parse(req.To)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	item, err := s.engine.CreateItem(r.Context(), caller, to, req.URI)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// GetItem handles GET /api/v1/items/{assetID}
func (s *Service) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r)
	if !ok {
		return
	}
	item, err := s.engine.Item(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// --- Fixed-price listings ---

// ListItem handles POST /api/v1/listings
func (s *Service) ListItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ListItemRequest
	if !decode(w, r, &req) {
		return
	}

	price, ok := amountField(w, "price", req.Price)
	if !ok {
		return
	}

	listing, err := s.engine.ListItem(r.Context(), caller, req.AssetID, price)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// ListListings handles GET /api/v1/listings
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.engine.Listings(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// GetListing handles GET /api/v1/listings/{assetID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r)
	if !ok {
		return
	}
	listing, err := s.engine.Listing(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// BuyItem handles POST /api/v1/listings/{assetID}/buy
func (s *Service) BuyItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := assetParam(w, r)
	if !ok {
		return
	}

	listing, err := s.engine.BuyItem(r.Context(), caller, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// CancelListing handles DELETE /api/v1/listings/{assetID}
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := assetParam(w, r)
	if !ok {
		return
	}

	if err := s.engine.Cancel(r.Context(), caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Auctions ---

// ListItemOnAuction handles POST /api/v1/auctions
func (s *Service) ListItemOnAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req AuctionRequest
	if !decode(w, r, &req) {
		return
	}

	startPrice, ok := amountField(w, "start_price", req.StartPrice)
	if !ok {
		return
	}

	auction, err := s.engine.ListItemOnAuction(r.Context(), caller, req.AssetID, startPrice)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, auction)
}

// ListAuctions handles GET /api/v1/auctions
func (s *Service) ListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.engine.Auctions(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if auctions == nil {
		auctions = []model.Auction{}
	}
	writeJSON(w, http.StatusOK, auctions)
}

// GetAuction handles GET /api/v1/auctions/{assetID}
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r)
	if !ok {
		return
	}
	auction, err := s.engine.Auction(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// MakeBid handles POST /api/v1/auctions/{assetID}/bids
func (s *Service) MakeBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := assetParam(w, r)
	if !ok {
		return
	}
	var req BidRequest
	if !decode(w, r, &req) {
		return
	}

	amount, ok := amountField(w, "amount", req.Amount)
	if !ok {
		return
	}

	auction, err := s.engine.MakeBid(r.Context(), caller, id, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// FinishAuction handles POST /api/v1/auctions/{assetID}/finish
// Anyone may finish an auction once it has ended.
func (s *Service) FinishAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := assetParam(w, r)
	if !ok {
		return
	}

	resolution, err := s.engine.FinishAuction(r.Context(), caller, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FinishResponse{AssetID: id, Resolution: resolution})
}

// CancelAuction handles DELETE /api/v1/auctions/{assetID}
func (s *Service) CancelAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := assetParam(w, r)
	if !ok {
		return
	}

	if err := s.engine.CancelAuction(r.Context(), caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Parameters ---

// GetParams handles GET /api/v1/params
func (s *Service) GetParams(w http.ResponseWriter, _ *http.Request) {
	p := s.engine.Params()
	writeJSON(w, http.StatusOK, ParamsResponse{
		AuctionDurationSeconds: int64(p.AuctionDuration / time.Second),
		MinParticipantsCount:   p.MinParticipantsCount,
		Admin:                  s.engine.Admin(),
		Custodian:              s.engine.Custodian(),
	})
}

// SetDuration handles PUT /api/v1/params/duration
func (s *Service) SetDuration(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req DurationRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Seconds > maxDurationSeconds {
		writeError(w, fmt.Sprintf("seconds must not exceed %d", maxDurationSeconds), http.StatusBadRequest)
		return
	}

	if err := s.engine.SetNewDuration(r.Context(), caller, time.Duration(req.Seconds)*time.Second); err != nil {
		writeEngineError(w, err)
		return
	}
	s.GetParams(w, r)
}

// SetMinParticipants handles PUT /api/v1/params/min-participants
func (s *Service) SetMinParticipants(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req MinParticipantsRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.engine.SetMinParticipantsCount(r.Context(), caller, req.Count); err != nil {
		writeEngineError(w, err)
		return
	}
	s.GetParams(w, r)
}

// --- Accounts ---

// GetAccount handles GET /api/v1/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := account.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, err := s.engine.Account(r.Context(), acct)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Approve handles POST /api/v1/accounts/approvals
// The caller grants the custodian asset approval and a currency allowance.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ApprovalRequest
	if !decode(w, r, &req) {
		return
	}

	allowance, ok := amountField(w, "allowance", req.Allowance)
	if !ok {
		return
	}

	if err := s.engine.Approve(r.Context(), caller, req.Assets, allowance); err != nil {
		writeEngineError(w, err)
		return
	}
	summary, err := s.engine.Account(r.Context(), caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// MintCurrency handles POST /api/v1/currency/mint
func (s *Service) MintCurrency(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req MintRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := account.Parse(req.To)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	amount, ok := amountField(w, "amount", req.Amount)
	if !ok {
		return
	}

	if err := s.engine.MintCurrency(r.Context(), caller, to, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	summary, err := s.engine.Account(r.Context(), to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Event log ---

// ListEvents handles GET /api/v1/events
// Optional filters: ?asset_id=<id> and ?account=<account>.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var assetID *model.AssetID
	if raw := q.Get("asset_id"); raw != "" {
		id, err := account.ParseAssetID(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		assetID = &id
	}
	acct := model.NoAccount
	if raw := q.Get("account"); raw != "" {
		parsed, err := account.Parse(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		acct = parsed
	}

	events, err := s.engine.Events(r.Context(), assetID, acct)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

func requireCaller(w http.ResponseWriter, r *http.Request) (model.Account, bool) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		writeError(w, CallerHeader+" header is required", http.StatusBadRequest)
		return model.NoAccount, false
	}
	caller, err := account.Parse(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return model.NoAccount, false
	}
	return caller, true
}

func assetParam(w http.ResponseWriter, r *http.Request) (model.AssetID, bool) {
	id, err := account.ParseAssetID(chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// amountField parses a decimal amount sent as a JSON string.
func amountField(w http.ResponseWriter, name, raw string) (decimal.Decimal, bool) {
	amount, err := account.ParseAmount(raw)
	if err != nil {
		writeError(w, name+": "+err.Error(), http.StatusBadRequest)
		return decimal.Zero, false
	}
	return amount, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an engine error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidPrice),
		errors.Is(err, market.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrUnauthorized),
		errors.Is(err, market.ErrNotPermitted),
		errors.Is(err, market.ErrSelfTrade):
		return http.StatusForbidden
	case errors.Is(err, market.ErrNotListed),
		errors.Is(err, ledger.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, market.ErrAlreadyListed),
		errors.Is(err, market.ErrBidTooLow),
		errors.Is(err, market.ErrAuctionEnded),
		errors.Is(err, market.ErrAuctionNotEnded):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
