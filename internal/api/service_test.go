package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/api"
	"github.com/atmx/marketplace-engine/internal/ledger"
	"github.com/atmx/marketplace-engine/internal/market"
	"github.com/atmx/marketplace-engine/internal/model"
	"github.com/atmx/marketplace-engine/internal/params"
	"github.com/atmx/marketplace-engine/internal/settlement"
	"github.com/atmx/marketplace-engine/internal/store"
)

const (
	admin  = "owner"
	seller = "account1"
	buyer  = "account2"
	bidder = "account3"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(by time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(by)
}

type testEnv struct {
	router chi.Router
	clock  *testClock
	hub    *api.WSHub
}

// newTestEnv wires the in-memory stack behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ps, err := params.NewStore(admin, params.Defaults())
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	hub := api.NewWSHub()

	se := settlement.NewEngine(ledger.NewMemoryAssetLedger(), ledger.NewMemoryCurrencyLedger(), "marketplace")
	engine := market.NewEngine(store.NewMemoryStore(), se, ps,
		market.WithClock(clock.Now),
		market.WithPublisher(hub),
	)
	svc := api.NewService(engine, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return &testEnv{router: r, clock: clock, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(api.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// expect asserts the status code and decodes the body into out when given.
func expect(t *testing.T, w *httptest.ResponseRecorder, status int, out any) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

// fund gives an account 100 units and approves the marketplace for all of it.
func (e *testEnv) fund(t *testing.T, acct string) {
	t.Helper()
	expect(t, e.do(t, "POST", "/currency/mint", admin, api.MintRequest{To: acct, Amount: "100"}), http.StatusOK, nil)
	expect(t, e.do(t, "POST", "/accounts/approvals", acct, api.ApprovalRequest{Assets: true, Allowance: "100"}), http.StatusOK, nil)
}

func (e *testEnv) createItem(t *testing.T, to string) model.AssetID {
	t.Helper()
	var item model.Item
	expect(t, e.do(t, "POST", "/items", admin, api.CreateItemRequest{To: to, URI: "ipfs://item"}), http.StatusCreated, &item)
	return item.AssetID
}

func (e *testEnv) balance(t *testing.T, acct string) decimal.Decimal {
	t.Helper()
	var summary model.AccountSummary
	expect(t, e.do(t, "GET", "/accounts/"+acct, "", nil), http.StatusOK, &summary)
	return summary.Balance
}

// --- Fixed-price listings ---

func TestFixedPriceSale(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, seller)
	env.fund(t, buyer)
	id := env.createItem(t, seller)

	var listing model.Listing
	expect(t, env.do(t, "POST", "/listings", seller, api.ListItemRequest{AssetID: id, Price: "2"}), http.StatusCreated, &listing)
	if !listing.Price.Equal(d("2")) {
		t.Errorf("expected price 2, got %s", listing.Price)
	}

	var listings []model.Listing
	expect(t, env.do(t, "GET", "/listings", "", nil), http.StatusOK, &listings)
	if len(listings) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(listings))
	}

	expect(t, env.do(t, "POST", "/listings/"+id.String()+"/buy", buyer, nil), http.StatusOK, nil)

	var item model.Item
	expect(t, env.do(t, "GET", "/items/"+id.String(), "", nil), http.StatusOK, &item)
	if item.Owner != buyer {
		t.Errorf("expected owner %s, got %s", buyer, item.Owner)
	}
	if got := env.balance(t, buyer); !got.Equal(d("98")) {
		t.Errorf("buyer balance = %s, want 98", got)
	}
	if got := env.balance(t, seller); !got.Equal(d("102")) {
		t.Errorf("seller balance = %s, want 102", got)
	}

	expect(t, env.do(t, "GET", "/listings/"+id.String(), "", nil), http.StatusNotFound, nil)
}

func TestListItem_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, seller)
	id := env.createItem(t, seller)

	tests := []struct {
		name   string
		caller string
		body   any
		status int
	}{
		{"missing caller", "", api.ListItemRequest{AssetID: id, Price: "2"}, http.StatusBadRequest},
		{"malformed caller", "Not An Account", api.ListItemRequest{AssetID: id, Price: "2"}, http.StatusBadRequest},
		{"zero price", seller, api.ListItemRequest{AssetID: id, Price: "0"}, http.StatusBadRequest},
		{"malformed price", seller, api.ListItemRequest{AssetID: id, Price: "two"}, http.StatusBadRequest},
		{"missing price", seller, api.ListItemRequest{AssetID: id}, http.StatusBadRequest},
		{"custodian caller", "marketplace", api.ListItemRequest{AssetID: id, Price: "2"}, http.StatusForbidden},
		{"not owner", buyer, api.ListItemRequest{AssetID: id, Price: "2"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/listings", tt.caller, tt.body)
			expect(t, w, tt.status, nil)
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Errorf("expected error body, got %s", w.Body.String())
			}
		})
	}

	expect(t, env.do(t, "POST", "/listings", seller, api.ListItemRequest{AssetID: id, Price: "2"}), http.StatusCreated, nil)
	expect(t, env.do(t, "POST", "/listings", seller, api.ListItemRequest{AssetID: id, Price: "2"}), http.StatusConflict, nil)
	expect(t, env.do(t, "POST", "/auctions", seller, api.AuctionRequest{AssetID: id, StartPrice: "2"}), http.StatusConflict, nil)
}

func TestListItem_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/listings", strings.NewReader("{not json"))
	req.Header.Set(api.CallerHeader, seller)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	expect(t, w, http.StatusBadRequest, nil)
}

func TestBuyItem_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, seller)
	env.fund(t, buyer)
	id := env.createItem(t, seller)

	expect(t, env.do(t, "POST", "/listings/"+id.String()+"/buy", buyer, nil), http.StatusNotFound, nil)
	expect(t, env.do(t, "POST", "/listings/abc/buy", buyer, nil), http.StatusBadRequest, nil)

	expect(t, env.do(t, "POST", "/listings", seller, api.ListItemRequest{AssetID: id, Price: "500"}), http.StatusCreated, nil)
	expect(t, env.do(t, "POST", "/listings/"+id.String()+"/buy", seller, nil), http.StatusForbidden, nil)
	expect(t, env.do(t, "POST", "/listings/"+id.String()+"/buy", "marketplace", nil), http.StatusForbidden, nil)
	expect(t, env.do(t, "POST", "/listings/"+id.String()+"/buy", buyer, nil), http.StatusPaymentRequired, nil)
}

func TestCancelListing(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, seller)
	id := env.createItem(t, seller)
	expect(t, env.do(t, "POST", "/listings", seller, api.ListItemRequest{AssetID: id, Price: "2"}), http.StatusCreated, nil)

	expect(t, env.do(t, "DELETE", "/listings/"+id.String(), buyer, nil), http.StatusForbidden, nil)
	expect(t, env.do(t, "DELETE", "/listings/"+id.String(), seller, nil), http.StatusNoContent, nil)
	expect(t, env.do(t, "DELETE", "/listings/"+id.String(), seller, nil), http.StatusForbidden, nil)

	var item model.Item
	expect(t, env.do(t, "GET", "/items/"+id.String(), "", nil), http.StatusOK, &item)
	if item.Owner != seller {
		t.Errorf("expected owner %s, got %s", seller, item.Owner)
	}
}

// --- Auctions ---

func TestAuction_SellsToHighestBidder(t *testing.T) {
	env := newTestEnv(t)
	for _, acct := range []string{seller, buyer, bidder} {
		env.fund(t, acct)
	}
	expect(t, env.do(t, "PUT", "/params/min-participants", admin, api.MinParticipantsRequest{Count: 2}), http.StatusOK, nil)
	id := env.createItem(t, seller)
	path := "/auctions/" + id.String()

	var auction model.Auction
	expect(t, env.do(t, "POST", "/auctions", seller, api.AuctionRequest{AssetID: id, StartPrice: "2"}), http.StatusCreated, &auction)
	if !auction.EndTime.Equal(env.clock.Now().Add(params.DefaultAuctionDuration)) {
		t.Errorf("unexpected end time %s", auction.EndTime)
	}

	expect(t, env.do(t, "POST", path+"/bids", buyer, api.BidRequest{Amount: "3"}), http.StatusOK, nil)
	expect(t, env.do(t, "POST", path+"/bids", bidder, api.BidRequest{Amount: "3"}), http.StatusConflict, nil)
	expect(t, env.do(t, "POST", path+"/bids", bidder, api.BidRequest{Amount: "5"}), http.StatusOK, &auction)
	if auction.HighestBidder != bidder || auction.BidCount != 2 {
		t.Errorf("unexpected auction state %+v", auction)
	}

	expect(t, env.do(t, "POST", path+"/finish", seller, nil), http.StatusConflict, nil)

	env.clock.Advance(params.DefaultAuctionDuration)
	expect(t, env.do(t, "POST", path+"/bids", buyer, api.BidRequest{Amount: "9"}), http.StatusConflict, nil)

	var resp api.FinishResponse
	expect(t, env.do(t, "POST", path+"/finish", buyer, nil), http.StatusOK, &resp)
	if resp.Resolution != model.ResolutionToWinner {
		t.Errorf("expected to_winner, got %s", resp.Resolution)
	}

	if got := env.balance(t, seller); !got.Equal(d("105")) {
		t.Errorf("seller balance = %s, want 105", got)
	}
	if got := env.balance(t, buyer); !got.Equal(d("100")) {
		t.Errorf("buyer balance = %s, want 100", got)
	}
	expect(t, env.do(t, "GET", path, "", nil), http.StatusNotFound, nil)
	expect(t, env.do(t, "POST", path+"/finish", buyer, nil), http.StatusNotFound, nil)
}

func TestCancelAuction(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, seller)
	env.fund(t, buyer)
	id := env.createItem(t, seller)
	path := "/auctions/" + id.String()

	expect(t, env.do(t, "POST", "/auctions", seller, api.AuctionRequest{AssetID: id, StartPrice: "2"}), http.StatusCreated, nil)
	expect(t, env.do(t, "POST", path+"/bids", buyer, api.BidRequest{Amount: "4"}), http.StatusOK, nil)

	expect(t, env.do(t, "DELETE", path, seller, nil), http.StatusForbidden, nil)
	expect(t, env.do(t, "DELETE", path, admin, nil), http.StatusNoContent, nil)

	if got := env.balance(t, buyer); !got.Equal(d("100")) {
		t.Errorf("buyer balance = %s, want 100", got)
	}
	var auctions []model.Auction
	expect(t, env.do(t, "GET", "/auctions", "", nil), http.StatusOK, &auctions)
	if len(auctions) != 0 {
		t.Errorf("expected no auctions, got %d", len(auctions))
	}
}

// --- Parameters ---

func TestParams(t *testing.T) {
	env := newTestEnv(t)

	var p api.ParamsResponse
	expect(t, env.do(t, "GET", "/params", "", nil), http.StatusOK, &p)
	if p.AuctionDurationSeconds != 3*24*60*60 || p.MinParticipantsCount != 3 {
		t.Errorf("unexpected defaults %+v", p)
	}
	if p.Admin != admin || p.Custodian != "marketplace" {
		t.Errorf("unexpected accounts %+v", p)
	}

	expect(t, env.do(t, "PUT", "/params/duration", seller, api.DurationRequest{Seconds: 60}), http.StatusForbidden, nil)
	expect(t, env.do(t, "PUT", "/params/duration", admin, api.DurationRequest{Seconds: 0}), http.StatusBadRequest, nil)
	// 18446744074s wraps to a small positive time.Duration.
	expect(t, env.do(t, "PUT", "/params/duration", admin, api.DurationRequest{Seconds: 18446744074}), http.StatusBadRequest, nil)
	expect(t, env.do(t, "GET", "/params", "", nil), http.StatusOK, &p)
	if p.AuctionDurationSeconds != 3*24*60*60 {
		t.Errorf("rejected duration was applied: %d", p.AuctionDurationSeconds)
	}
	expect(t, env.do(t, "PUT", "/params/duration", admin, api.DurationRequest{Seconds: 60}), http.StatusOK, &p)
	if p.AuctionDurationSeconds != 60 {
		t.Errorf("expected 60s, got %d", p.AuctionDurationSeconds)
	}

	expect(t, env.do(t, "PUT", "/params/min-participants", seller, api.MinParticipantsRequest{Count: 1}), http.StatusForbidden, nil)
}

// --- Accounts and events ---

func TestAccounts(t *testing.T) {
	env := newTestEnv(t)

	expect(t, env.do(t, "POST", "/currency/mint", seller, api.MintRequest{To: seller, Amount: "5"}), http.StatusForbidden, nil)
	expect(t, env.do(t, "POST", "/currency/mint", admin, api.MintRequest{To: "Bad Name", Amount: "5"}), http.StatusBadRequest, nil)
	expect(t, env.do(t, "POST", "/accounts/approvals", seller, api.ApprovalRequest{Allowance: "-1"}), http.StatusBadRequest, nil)

	env.fund(t, seller)

	var summary model.AccountSummary
	expect(t, env.do(t, "GET", "/accounts/"+seller, "", nil), http.StatusOK, &summary)
	if !summary.Balance.Equal(d("100")) || !summary.Allowance.Equal(d("100")) || !summary.ApprovedForAll {
		t.Errorf("unexpected summary %+v", summary)
	}
	expect(t, env.do(t, "GET", "/accounts/NOPE", "", nil), http.StatusBadRequest, nil)
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, seller)
	first := env.createItem(t, seller)
	env.createItem(t, buyer)
	expect(t, env.do(t, "POST", "/listings", seller, api.ListItemRequest{AssetID: first, Price: "2"}), http.StatusCreated, nil)

	var events []model.Event
	expect(t, env.do(t, "GET", "/events", "", nil), http.StatusOK, &events)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	expect(t, env.do(t, "GET", "/events?asset_id="+first.String(), "", nil), http.StatusOK, &events)
	if len(events) != 2 || events[1].Kind != model.EventItemListed {
		t.Errorf("unexpected asset events %+v", events)
	}

	expect(t, env.do(t, "GET", "/events?account="+buyer, "", nil), http.StatusOK, &events)
	if len(events) != 1 || events[0].Kind != model.EventItemCreated {
		t.Errorf("unexpected account events %+v", events)
	}

	expect(t, env.do(t, "GET", "/events?asset_id=zero", "", nil), http.StatusBadRequest, nil)
}

// --- WebSocket ---

func TestWebSocket_StreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	id := env.createItem(t, seller)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != string(model.EventItemCreated) {
		t.Errorf("expected item_created, got %s", msg.Type)
	}
	if msg.AssetID != id.String() || msg.Event.Account != seller {
		t.Errorf("unexpected message %+v", msg)
	}
}
