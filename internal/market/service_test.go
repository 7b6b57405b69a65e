package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/ledger"
	"github.com/atmx/nft-market/internal/market"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/payout"
	"github.com/atmx/nft-market/internal/registry"
	"github.com/atmx/nft-market/internal/store"
)

const operator = "marketplace"

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

type testEnv struct {
	router   chi.Router
	registry *registry.Memory
	payouts  *payout.Memory
}

// newTestEnv creates the API over an in-memory ledger with dev routes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.NewMemory()
	pay := payout.NewMemory()
	l := ledger.New(store.NewMemoryStore(), reg, pay, operator)

	r := chi.NewRouter()
	market.NewService(l, nil).Routes(r)
	market.NewDevCollaborators(reg, pay, operator).Routes(r)

	return &testEnv{router: r, registry: reg, payouts: pay}
}

func (e *testEnv) do(t *testing.T, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(market.AccountHeader, account)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// seedListed mints c/5 to alice, approves the marketplace and lists at 100.
func (e *testEnv) seedListed(t *testing.T) {
	t.Helper()
	key := model.ListingKey{Collection: "c", ItemID: "5"}
	e.registry.Mint(key, "alice")
	e.registry.Approve(key, "alice", operator)

	w := e.do(t, "POST", "/api/v1/listings", "alice", market.CreateListingRequest{
		Collection: "c", ItemID: "5", Price: d(100),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("seed listing: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	return body["error"]
}

// --- listings ---

func TestCreateListing(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)

	w := env.do(t, "GET", "/api/v1/listings/c/5", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var listing model.Listing
	json.Unmarshal(w.Body.Bytes(), &listing)
	if listing.Seller != "alice" || !listing.Price.Equal(d(100)) {
		t.Errorf("expected {alice,100}, got {%s,%s}", listing.Seller, listing.Price)
	}
}

func TestCreateListing_ItemIDNormalized(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)

	w := env.do(t, "GET", "/api/v1/listings/c/005", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 005 to resolve to 5, got %d", w.Code)
	}
}

func TestCreateListing_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)
	env.registry.Mint(model.ListingKey{Collection: "c", ItemID: "6"}, "alice")

	tests := []struct {
		name    string
		account string
		req     market.CreateListingRequest
		want    int
	}{
		{"no identity", "", market.CreateListingRequest{Collection: "c", ItemID: "6", Price: d(1)}, http.StatusUnauthorized},
		{"bad collection", "alice", market.CreateListingRequest{Collection: "Bad Name", ItemID: "6", Price: d(1)}, http.StatusBadRequest},
		{"bad item id", "alice", market.CreateListingRequest{Collection: "c", ItemID: "x", Price: d(1)}, http.StatusBadRequest},
		{"zero price", "alice", market.CreateListingRequest{Collection: "c", ItemID: "6", Price: decimal.Zero}, http.StatusBadRequest},
		{"already listed", "bob", market.CreateListingRequest{Collection: "c", ItemID: "5", Price: d(1)}, http.StatusConflict},
		{"not owner", "bob", market.CreateListingRequest{Collection: "c", ItemID: "6", Price: d(1)}, http.StatusForbidden},
		{"not approved", "alice", market.CreateListingRequest{Collection: "c", ItemID: "6", Price: d(1)}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/listings", tt.account, tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if errorBody(t, w) == "" {
				t.Error("expected error message in body")
			}
		})
	}
}

func TestCreateListing_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/listings", bytes.NewBufferString("{"))
	req.Header.Set(market.AccountHeader, "alice")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetListing_NotListed(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/listings/c/5", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListListings_Filter(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)

	w := env.do(t, "GET", "/api/v1/listings?collection=c", "", nil)
	var listings []model.Listing
	json.Unmarshal(w.Body.Bytes(), &listings)
	if len(listings) != 1 {
		t.Errorf("expected 1 listing, got %d", len(listings))
	}

	w = env.do(t, "GET", "/api/v1/listings?collection=other", "", nil)
	if w.Body.String() != "[]\n" {
		t.Errorf("expected empty array, got %q", w.Body.String())
	}
}

func TestUpdatePrice(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)

	w := env.do(t, "PUT", "/api/v1/listings/c/5", "bob", market.UpdatePriceRequest{Price: d(50)})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-seller: expected 403, got %d", w.Code)
	}

	w = env.do(t, "PUT", "/api/v1/listings/c/5", "alice", market.UpdatePriceRequest{Price: d(250)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var listing model.Listing
	json.Unmarshal(w.Body.Bytes(), &listing)
	if !listing.Price.Equal(d(250)) || listing.Seller != "alice" {
		t.Errorf("unexpected listing %+v", listing)
	}
}

func TestCancelListing(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)

	w := env.do(t, "DELETE", "/api/v1/listings/c/5", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-seller: expected 403, got %d", w.Code)
	}

	w = env.do(t, "DELETE", "/api/v1/listings/c/5", "alice", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "DELETE", "/api/v1/listings/c/5", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second cancel: expected 404, got %d", w.Code)
	}
}

// --- buy & withdraw ---

func TestBuyAndWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)

	w := env.do(t, "POST", "/api/v1/listings/c/5/buy", "bob", market.BuyRequest{Payment: d(99)})
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("underpayment: expected 402, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/listings/c/5/buy", "bob", market.BuyRequest{Payment: d(150)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sale model.Sale
	json.Unmarshal(w.Body.Bytes(), &sale)
	if sale.ID == "" || sale.Buyer != "bob" || !sale.Payment.Equal(d(150)) {
		t.Errorf("unexpected sale %+v", sale)
	}

	w = env.do(t, "GET", "/api/v1/dev/items/c/5/owner", "", nil)
	var owner map[string]string
	json.Unmarshal(w.Body.Bytes(), &owner)
	if owner["owner"] != "bob" {
		t.Errorf("expected owner bob, got %q", owner["owner"])
	}

	w = env.do(t, "GET", "/api/v1/proceeds/alice", "", nil)
	var proceeds market.ProceedsResponse
	json.Unmarshal(w.Body.Bytes(), &proceeds)
	if !proceeds.Amount.Equal(d(150)) {
		t.Errorf("expected proceeds 150, got %s", proceeds.Amount)
	}

	w = env.do(t, "POST", "/api/v1/proceeds/withdraw", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &proceeds)
	if !proceeds.Amount.Equal(d(150)) {
		t.Errorf("expected withdrawn 150, got %s", proceeds.Amount)
	}
	if got := env.payouts.Balance("alice"); !got.Equal(d(150)) {
		t.Errorf("expected payout 150, got %s", got)
	}

	w = env.do(t, "POST", "/api/v1/proceeds/withdraw", "alice", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second withdraw: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/sales?collection=c", "", nil)
	var sales []model.Sale
	json.Unmarshal(w.Body.Bytes(), &sales)
	if len(sales) != 1 || sales[0].ID != sale.ID {
		t.Errorf("expected sale history with %s, got %+v", sale.ID, sales)
	}
}

func TestBuy_TransferFailedIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)
	env.registry.OnTransfer = func(_ context.Context, _ model.ListingKey, _, _ string) error {
		return errors.New("receiver refused")
	}

	w := env.do(t, "POST", "/api/v1/listings/c/5/buy", "bob", market.BuyRequest{Payment: d(100)})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/listings/c/5", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("listing should survive failed buy, got %d", w.Code)
	}
}

func TestWithdraw_RejectedPayout(t *testing.T) {
	env := newTestEnv(t)
	env.seedListed(t)
	env.do(t, "POST", "/api/v1/listings/c/5/buy", "bob", market.BuyRequest{Payment: d(100)})

	w := env.do(t, "POST", "/api/v1/dev/payouts/alice/reject", "", map[string]bool{"reject": true})
	if w.Code != http.StatusNoContent {
		t.Fatalf("reject: expected 204, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/proceeds/withdraw", "alice", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/proceeds/alice", "", nil)
	var proceeds market.ProceedsResponse
	json.Unmarshal(w.Body.Bytes(), &proceeds)
	if !proceeds.Amount.Equal(d(100)) {
		t.Errorf("balance should be restored to 100, got %s", proceeds.Amount)
	}
}

func TestWithdraw_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/proceeds/withdraw", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

// --- dev collaborators ---

func TestDevRoutes_MintApproveList(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/dev/items", "", market.MintRequest{Collection: "art", ItemID: "1", Owner: "carol"})
	if w.Code != http.StatusCreated {
		t.Fatalf("mint: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/dev/items", "", market.MintRequest{Collection: "art", ItemID: "1", Owner: "dave"})
	if w.Code != http.StatusConflict {
		t.Errorf("double mint: expected 409, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/dev/items/art/1/approve", "dave", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-owner approve: expected 403, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/dev/operators", "carol", market.OperatorRequest{Approved: true})
	if w.Code != http.StatusNoContent {
		t.Fatalf("set operator: expected 204, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/listings", "carol", market.CreateListingRequest{Collection: "art", ItemID: "1", Price: d(10)})
	if w.Code != http.StatusCreated {
		t.Errorf("list with operator approval: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}
