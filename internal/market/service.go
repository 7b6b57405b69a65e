// Package market provides the HTTP handlers for listing, buying and
// cancelling items and for withdrawing seller proceeds.
//
// The caller's identity is taken from the X-Account header, which an
// upstream gateway sets after authentication. All monetary values use
// shopspring/decimal.
package market

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/events"
	"github.com/atmx/nft-market/internal/itemref"
	"github.com/atmx/nft-market/internal/ledger"
	"github.com/atmx/nft-market/internal/metrics"
	"github.com/atmx/nft-market/internal/model"
)

// AccountHeader carries the authenticated caller identity.
const AccountHeader = "X-Account"

// Service exposes the ledger over HTTP.
type Service struct {
	ledger *ledger.Ledger
	hub    *events.Hub // optional WebSocket hub for the live event feed
}

// NewService creates a new market service.
// Pass nil for hub if the WebSocket feed is not needed.
func NewService(l *ledger.Ledger, hub *events.Hub) *Service {
	return &Service{ledger: l, hub: hub}
}

// Routes mounts the API on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/listings", s.CreateListing)
		r.Get("/listings", s.ListListings)
		r.Get("/listings/{collection}/{itemID}", s.GetListing)
		r.Put("/listings/{collection}/{itemID}", s.UpdatePrice)
		r.Delete("/listings/{collection}/{itemID}", s.CancelListing)
		r.Post("/listings/{collection}/{itemID}/buy", s.Buy)

		r.Get("/proceeds/{seller}", s.GetProceeds)
		r.Post("/proceeds/withdraw", s.Withdraw)

		r.Get("/sales", s.ListSales)

		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	Collection string          `json:"collection"`
	ItemID     string          `json:"item_id"`
	Price      decimal.Decimal `json:"price"` // smallest currency unit
}

// UpdatePriceRequest is the JSON body for PUT /listings/{collection}/{itemID}.
type UpdatePriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// BuyRequest is the JSON body for POST /listings/{collection}/{itemID}/buy.
// Payment above the listing price is credited to the seller, not refunded.
type BuyRequest struct {
	Payment decimal.Decimal `json:"payment"`
}

// ProceedsResponse reports a balance or a completed withdrawal.
type ProceedsResponse struct {
	Seller string          `json:"seller"`
	Amount decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers ---

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := itemref.ParseKey(req.Collection, req.ItemID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	listing, err := s.ledger.List(r.Context(), key, req.Price, account)
	metrics.ObserveOperation("list", ledger.Reason(err), start)
	if err != nil {
		writeLedgerError(w, "list", err)
		return
	}

	slog.Info("listing created",
		"collection", key.Collection,
		"item_id", key.ItemID,
		"seller", account,
		"price", listing.Price.String(),
	)
	writeJSON(w, http.StatusCreated, listing)
}

// ListListings handles GET /api/v1/listings
// Optionally filtered by ?collection=<collection>.
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionFilter(w, r)
	if !ok {
		return
	}
	listings, err := s.ledger.Listings(r.Context(), collection)
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// GetListing handles GET /api/v1/listings/{collection}/{itemID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	listing, err := s.ledger.GetListing(r.Context(), key)
	if err != nil {
		writeLedgerError(w, "get listing", err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// UpdatePrice handles PUT /api/v1/listings/{collection}/{itemID}
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var req UpdatePriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	listing, err := s.ledger.UpdatePrice(r.Context(), key, req.Price, account)
	metrics.ObserveOperation("update_price", ledger.Reason(err), start)
	if err != nil {
		writeLedgerError(w, "update price", err)
		return
	}

	slog.Info("listing repriced",
		"collection", key.Collection,
		"item_id", key.ItemID,
		"price", listing.Price.String(),
	)
	writeJSON(w, http.StatusOK, listing)
}

// CancelListing handles DELETE /api/v1/listings/{collection}/{itemID}
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	start := time.Now()
	err := s.ledger.Cancel(r.Context(), key, account)
	metrics.ObserveOperation("cancel", ledger.Reason(err), start)
	if err != nil {
		writeLedgerError(w, "cancel", err)
		return
	}

	slog.Info("listing cancelled", "collection", key.Collection, "item_id", key.ItemID, "seller", account)
	w.WriteHeader(http.StatusNoContent)
}

// Buy handles POST /api/v1/listings/{collection}/{itemID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	sale, err := s.ledger.Buy(r.Context(), key, req.Payment, account)
	metrics.ObserveOperation("buy", ledger.Reason(err), start)
	if err != nil {
		writeLedgerError(w, "buy", err)
		return
	}

	slog.Info("item sold",
		"sale_id", sale.ID,
		"collection", key.Collection,
		"item_id", key.ItemID,
		"seller", sale.Seller,
		"buyer", sale.Buyer,
		"price", sale.Price.String(),
		"payment", sale.Payment.String(),
	)
	writeJSON(w, http.StatusOK, sale)
}

// GetProceeds handles GET /api/v1/proceeds/{seller}
func (s *Service) GetProceeds(w http.ResponseWriter, r *http.Request) {
	seller := chi.URLParam(r, "seller")
	amount, err := s.ledger.GetProceeds(r.Context(), seller)
	if err != nil {
		writeLedgerError(w, "get proceeds", err)
		return
	}
	writeJSON(w, http.StatusOK, ProceedsResponse{Seller: seller, Amount: amount})
}

// Withdraw handles POST /api/v1/proceeds/withdraw
// Pays the caller's entire balance out.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	start := time.Now()
	amount, err := s.ledger.Withdraw(r.Context(), account)
	metrics.ObserveOperation("withdraw", ledger.Reason(err), start)
	if err != nil {
		writeLedgerError(w, "withdraw", err)
		return
	}

	slog.Info("proceeds withdrawn", "seller", account, "amount", amount.String())
	writeJSON(w, http.StatusOK, ProceedsResponse{Seller: account, Amount: amount})
}

// ListSales handles GET /api/v1/sales
// Returns the sale history, optionally filtered by ?collection=<collection>.
func (s *Service) ListSales(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionFilter(w, r)
	if !ok {
		return
	}
	sales, err := s.ledger.Sales(r.Context(), collection)
	if err != nil {
		writeError(w, "failed to list sales", http.StatusInternalServerError)
		return
	}
	if sales == nil {
		sales = []model.Sale{}
	}
	writeJSON(w, http.StatusOK, sales)
}

// --- helpers ---

func requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := r.Header.Get(AccountHeader)
	if account == "" {
		writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return account, true
}

func pathKey(w http.ResponseWriter, r *http.Request) (model.ListingKey, bool) {
	key, err := itemref.ParseKey(chi.URLParam(r, "collection"), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return model.ListingKey{}, false
	}
	return key, true
}

func collectionFilter(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("collection")
	if raw == "" {
		return "", true
	}
	collection, err := itemref.ParseCollection(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return collection, true
}

// statusFor maps ledger failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, ledger.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotOwner), errors.Is(err, ledger.ErrNotApproved):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotListed):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyListed), errors.Is(err, ledger.ErrNoProceeds),
		errors.Is(err, ledger.ErrReentrantTransfer):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrPriceNotMet):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusBadGateway:
		slog.Warn(op+" failed at collaborator", "err", err)
	case http.StatusInternalServerError:
		slog.Error(op+" failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
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
