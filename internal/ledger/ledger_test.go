package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/ledger"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/payout"
	"github.com/atmx/nft-market/internal/registry"
	"github.com/atmx/nft-market/internal/store"
)

const operator = "marketplace"

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

var itemC5 = model.ListingKey{Collection: "C", ItemID: "5"}

// recordingSink captures published events.
type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(_ context.Context, e model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, len(s.events))
	copy(out, s.events)
	return out
}

type testEnv struct {
	ledger   *ledger.Ledger
	store    *store.MemoryStore
	registry *registry.Memory
	payouts  *payout.Memory
	sink     *recordingSink
}

// newTestEnv creates a Ledger over in-memory collaborators.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		registry: registry.NewMemory(),
		payouts:  payout.NewMemory(),
		sink:     &recordingSink{},
	}
	env.ledger = ledger.New(env.store, env.registry, env.payouts, operator,
		ledger.WithEventSink(env.sink))
	return env
}

// mintApproved mints key to owner and approves the marketplace for it.
func (e *testEnv) mintApproved(t *testing.T, key model.ListingKey, owner string) {
	t.Helper()
	if err := e.registry.Mint(key, owner); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := e.registry.Approve(key, owner, operator); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (e *testEnv) mustList(t *testing.T, key model.ListingKey, price int64, seller string) {
	t.Helper()
	if _, err := e.ledger.List(context.Background(), key, d(price), seller); err != nil {
		t.Fatalf("list %s: %v", key, err)
	}
}

func (e *testEnv) proceeds(t *testing.T, seller string) decimal.Decimal {
	t.Helper()
	p, err := e.ledger.GetProceeds(context.Background(), seller)
	if err != nil {
		t.Fatalf("get proceeds: %v", err)
	}
	return p
}

func (e *testEnv) owner(t *testing.T, key model.ListingKey) string {
	t.Helper()
	o, _ := e.registry.OwnerOf(context.Background(), key)
	return o
}

// --- list ---

func TestList_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")

	env.mustList(t, itemC5, 100, "S")

	got, err := env.ledger.GetListing(context.Background(), itemC5)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Seller != "S" || !got.Price.Equal(d(100)) {
		t.Errorf("expected {S, 100}, got {%s, %s}", got.Seller, got.Price)
	}

	events := env.sink.all()
	if len(events) != 1 || events[0].Type != model.EventListingCreated {
		t.Fatalf("expected one listing_created event, got %+v", events)
	}
	if events[0].Seller != "S" || !events[0].Price.Equal(d(100)) {
		t.Errorf("unexpected event payload: %+v", events[0])
	}
}

func TestList_AlreadyListedRegardlessOfCaller(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")

	for _, caller := range []string{"S", "B", ""} {
		_, err := env.ledger.List(context.Background(), itemC5, d(200), caller)
		if !errors.Is(err, ledger.ErrAlreadyListed) {
			t.Errorf("caller %q: expected ErrAlreadyListed, got %v", caller, err)
		}
	}

	got, _ := env.ledger.GetListing(context.Background(), itemC5)
	if got.Seller != "S" || !got.Price.Equal(d(100)) {
		t.Errorf("listing changed: {%s, %s}", got.Seller, got.Price)
	}
}

func TestList_InvalidPrice(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")

	for _, price := range []decimal.Decimal{decimal.Zero, d(-1), decimal.RequireFromString("1.5")} {
		_, err := env.ledger.List(context.Background(), itemC5, price, "S")
		if !errors.Is(err, ledger.ErrInvalidPrice) {
			t.Errorf("price %s: expected ErrInvalidPrice, got %v", price, err)
		}
	}

	if _, err := env.ledger.GetListing(context.Background(), itemC5); !errors.Is(err, ledger.ErrNotListed) {
		t.Errorf("invalid list must not create a listing, got %v", err)
	}
	if len(env.sink.all()) != 0 {
		t.Error("failed list must not publish events")
	}
}

func TestList_NotOwner(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")

	_, err := env.ledger.List(context.Background(), itemC5, d(100), "B")
	if !errors.Is(err, ledger.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	unminted := model.ListingKey{Collection: "C", ItemID: "404"}
	_, err = env.ledger.List(context.Background(), unminted, d(100), "")
	if !errors.Is(err, ledger.ErrNotOwner) {
		t.Errorf("unminted item: expected ErrNotOwner, got %v", err)
	}
}

func TestList_NotApproved(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Mint(itemC5, "S")

	_, err := env.ledger.List(context.Background(), itemC5, d(100), "S")
	if !errors.Is(err, ledger.ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}

	// Operator-wide approval is enough.
	env.registry.SetApprovalForAll("S", operator, true)
	if _, err := env.ledger.List(context.Background(), itemC5, d(100), "S"); err != nil {
		t.Errorf("expected list with operator approval, got %v", err)
	}
}

// --- cancel ---

func TestCancel_BySeller(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")

	if err := env.ledger.Cancel(context.Background(), itemC5, "S"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.ledger.GetListing(context.Background(), itemC5); !errors.Is(err, ledger.ErrNotListed) {
		t.Errorf("expected listing removed, got %v", err)
	}

	events := env.sink.all()
	if len(events) != 2 || events[1].Type != model.EventListingRemoved {
		t.Fatalf("expected listing_removed as second event, got %+v", events)
	}
	if events[1].Collection != "C" || events[1].ItemID != "5" || events[1].Price != nil {
		t.Errorf("unexpected removal payload: %+v", events[1])
	}
}

func TestCancel_NonSellerLeavesListing(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")

	err := env.ledger.Cancel(context.Background(), itemC5, "B")
	if !errors.Is(err, ledger.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	got, err := env.ledger.GetListing(context.Background(), itemC5)
	if err != nil || got.Seller != "S" || !got.Price.Equal(d(100)) {
		t.Errorf("listing should be unchanged, got %+v, %v", got, err)
	}
}

func TestCancel_NotListed(t *testing.T) {
	env := newTestEnv(t)
	err := env.ledger.Cancel(context.Background(), itemC5, "S")
	if !errors.Is(err, ledger.ErrNotListed) {
		t.Errorf("expected ErrNotListed, got %v", err)
	}
}

// --- updatePrice ---

func TestUpdatePrice_Reprices(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")

	updated, err := env.ledger.UpdatePrice(context.Background(), itemC5, d(250), "S")
	if err != nil {
		t.Fatalf("update price: %v", err)
	}
	if updated.Seller != "S" || !updated.Price.Equal(d(250)) {
		t.Errorf("unexpected listing %+v", updated)
	}

	got, _ := env.ledger.GetListing(context.Background(), itemC5)
	if !got.Price.Equal(d(250)) {
		t.Errorf("expected stored price 250, got %s", got.Price)
	}

	events := env.sink.all()
	if len(events) != 2 || events[1].Type != model.EventListingCreated || !events[1].Price.Equal(d(250)) {
		t.Errorf("expected re-announced listing_created at 250, got %+v", events)
	}
}

func TestUpdatePrice_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")

	if _, err := env.ledger.UpdatePrice(context.Background(), itemC5, d(10), "S"); !errors.Is(err, ledger.ErrNotListed) {
		t.Errorf("expected ErrNotListed, got %v", err)
	}

	env.mustList(t, itemC5, 100, "S")

	if _, err := env.ledger.UpdatePrice(context.Background(), itemC5, decimal.Zero, "S"); !errors.Is(err, ledger.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
	if _, err := env.ledger.UpdatePrice(context.Background(), itemC5, d(10), "B"); !errors.Is(err, ledger.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	got, _ := env.ledger.GetListing(context.Background(), itemC5)
	if !got.Price.Equal(d(100)) {
		t.Errorf("failed updates must not change price, got %s", got.Price)
	}
}

// --- buy ---

func TestBuy_OverpaymentCreditedInFull(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")

	sale, err := env.ledger.Buy(context.Background(), itemC5, d(150), "B")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !sale.Price.Equal(d(100)) || !sale.Payment.Equal(d(150)) || sale.Buyer != "B" || sale.Seller != "S" {
		t.Errorf("unexpected sale %+v", sale)
	}

	if _, err := env.ledger.GetListing(context.Background(), itemC5); !errors.Is(err, ledger.ErrNotListed) {
		t.Errorf("expected listing gone, got %v", err)
	}
	if owner := env.owner(t, itemC5); owner != "B" {
		t.Errorf("expected owner B, got %q", owner)
	}
	if p := env.proceeds(t, "S"); !p.Equal(d(150)) {
		t.Errorf("expected proceeds 150, got %s", p)
	}

	sales, _ := env.ledger.Sales(context.Background(), "C")
	if len(sales) != 1 || sales[0].ID != sale.ID {
		t.Errorf("expected sale history with one entry, got %+v", sales)
	}

	events := env.sink.all()
	last := events[len(events)-1]
	if last.Type != model.EventItemSold || last.Buyer != "B" || !last.Price.Equal(d(100)) {
		t.Errorf("expected item_sold{B,100}, got %+v", last)
	}
}

func TestBuy_PriceNotMet(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")

	_, err := env.ledger.Buy(context.Background(), itemC5, d(99), "B")
	if !errors.Is(err, ledger.ErrPriceNotMet) {
		t.Fatalf("expected ErrPriceNotMet, got %v", err)
	}
	if _, err := env.ledger.GetListing(context.Background(), itemC5); err != nil {
		t.Errorf("listing should remain, got %v", err)
	}
	if p := env.proceeds(t, "S"); !p.IsZero() {
		t.Errorf("proceeds should stay 0, got %s", p)
	}
	if owner := env.owner(t, itemC5); owner != "S" {
		t.Errorf("owner should stay S, got %q", owner)
	}
}

func TestBuy_NotListed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Buy(context.Background(), itemC5, d(100), "B")
	if !errors.Is(err, ledger.ErrNotListed) {
		t.Errorf("expected ErrNotListed, got %v", err)
	}
}

func TestBuy_StaleListingRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")

	// Item sold elsewhere out-of-band; the listing is now stale.
	if err := env.registry.Transfer(context.Background(), itemC5, "S", "X"); err != nil {
		t.Fatalf("out-of-band transfer: %v", err)
	}
	eventsBefore := len(env.sink.all())

	_, err := env.ledger.Buy(context.Background(), itemC5, d(100), "B")
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if !errors.Is(err, registry.ErrNotOwner) {
		t.Errorf("expected registry cause to be preserved, got %v", err)
	}

	got, err := env.ledger.GetListing(context.Background(), itemC5)
	if err != nil || got.Seller != "S" {
		t.Errorf("listing should be restored, got %+v, %v", got, err)
	}
	if p := env.proceeds(t, "S"); !p.IsZero() {
		t.Errorf("proceeds credit should be rolled back, got %s", p)
	}
	if sales, _ := env.ledger.Sales(context.Background(), ""); len(sales) != 0 {
		t.Errorf("sale record should be rolled back, got %d", len(sales))
	}
	if len(env.sink.all()) != eventsBefore {
		t.Error("failed buy must not publish events")
	}
}

func TestBuy_FractionalPaymentRejected(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")

	_, err := env.ledger.Buy(context.Background(), itemC5, decimal.RequireFromString("100.5"), "B")
	if !errors.Is(err, ledger.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

// --- withdraw ---

func TestWithdraw_PaysPriorBalanceOnce(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")
	env.ledger.Buy(context.Background(), itemC5, d(150), "B")

	amount, err := env.ledger.Withdraw(context.Background(), "S")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !amount.Equal(d(150)) {
		t.Errorf("expected withdrawn 150, got %s", amount)
	}
	if got := env.payouts.Balance("S"); !got.Equal(d(150)) {
		t.Errorf("expected payout 150, got %s", got)
	}
	if p := env.proceeds(t, "S"); !p.IsZero() {
		t.Errorf("expected proceeds 0, got %s", p)
	}

	events := env.sink.all()
	last := events[len(events)-1]
	if last.Type != model.EventProceedsWithdrawn || last.Seller != "S" || !last.Amount.Equal(d(150)) {
		t.Errorf("expected proceeds_withdrawn {S,150}, got %+v", last)
	}

	if _, err := env.ledger.Withdraw(context.Background(), "S"); !errors.Is(err, ledger.ErrNoProceeds) {
		t.Errorf("expected ErrNoProceeds on second withdraw, got %v", err)
	}
}

func TestReason(t *testing.T) {
	tests := map[string]error{
		"ok":                 nil,
		"not_listed":         ledger.ErrNotListed,
		"reentrant_transfer": ledger.ErrReentrantTransfer,
		"transfer_failed":    fmt.Errorf("%w: %w", ledger.ErrTransferFailed, ledger.ErrReentrantTransfer),
		"internal":           errors.New("boom"),
	}
	for want, err := range tests {
		if got := ledger.Reason(err); got != want {
			t.Errorf("Reason(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestWithdraw_NeverSold(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ledger.Withdraw(context.Background(), "nobody"); !errors.Is(err, ledger.ErrNoProceeds) {
		t.Errorf("expected ErrNoProceeds, got %v", err)
	}
}

func TestWithdraw_PayoutFailureRestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")
	env.mustList(t, itemC5, 100, "S")
	env.ledger.Buy(context.Background(), itemC5, d(100), "B")

	env.payouts.Reject("S", true)
	_, err := env.ledger.Withdraw(context.Background(), "S")
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if p := env.proceeds(t, "S"); !p.Equal(d(100)) {
		t.Errorf("balance must be restored to 100, got %s", p)
	}

	env.payouts.Reject("S", false)
	if amount, err := env.ledger.Withdraw(context.Background(), "S"); err != nil || !amount.Equal(d(100)) {
		t.Errorf("expected retry to withdraw 100, got %s, %v", amount, err)
	}
}

// --- scenarios ---

func TestScenario_ListBuyWithdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mintApproved(t, itemC5, "S")

	env.mustList(t, itemC5, 100, "S")
	got, _ := env.ledger.GetListing(ctx, itemC5)
	if got.Seller != "S" || !got.Price.Equal(d(100)) {
		t.Fatalf("expected {S,100}, got {%s,%s}", got.Seller, got.Price)
	}

	if _, err := env.ledger.Buy(ctx, itemC5, d(150), "B"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := env.ledger.GetListing(ctx, itemC5); !errors.Is(err, ledger.ErrNotListed) {
		t.Errorf("expected listing absent, got %v", err)
	}
	if env.owner(t, itemC5) != "B" {
		t.Error("expected B to own the item")
	}
	if p := env.proceeds(t, "S"); !p.Equal(d(150)) {
		t.Errorf("expected proceeds 150, got %s", p)
	}

	amount, err := env.ledger.Withdraw(ctx, "S")
	if err != nil || !amount.Equal(d(150)) {
		t.Fatalf("expected withdraw 150, got %s, %v", amount, err)
	}
	if p := env.proceeds(t, "S"); !p.IsZero() {
		t.Errorf("expected proceeds 0, got %s", p)
	}
	if _, err := env.ledger.Withdraw(ctx, "S"); !errors.Is(err, ledger.ErrNoProceeds) {
		t.Errorf("expected ErrNoProceeds, got %v", err)
	}
}

func TestScenario_DoubleList(t *testing.T) {
	env := newTestEnv(t)
	env.mintApproved(t, itemC5, "S")

	env.mustList(t, itemC5, 100, "S")
	if _, err := env.ledger.List(context.Background(), itemC5, d(200), "S"); !errors.Is(err, ledger.ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
	got, _ := env.ledger.GetListing(context.Background(), itemC5)
	if got.Seller != "S" || !got.Price.Equal(d(100)) {
		t.Errorf("expected {S,100}, got {%s,%s}", got.Seller, got.Price)
	}
}

func TestListings_FilterByCollection(t *testing.T) {
	env := newTestEnv(t)
	other := model.ListingKey{Collection: "D", ItemID: "1"}
	env.mintApproved(t, itemC5, "S")
	env.mintApproved(t, other, "S")
	env.mustList(t, itemC5, 100, "S")
	env.mustList(t, other, 7, "S")

	all, _ := env.ledger.Listings(context.Background(), "")
	if len(all) != 2 {
		t.Errorf("expected 2 listings, got %d", len(all))
	}
	onlyC, _ := env.ledger.Listings(context.Background(), "C")
	if len(onlyC) != 1 || onlyC[0].ItemID != "5" {
		t.Errorf("expected only C/5, got %+v", onlyC)
	}
}
