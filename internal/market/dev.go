package market

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/itemref"
	"github.com/atmx/nft-market/internal/payout"
	"github.com/atmx/nft-market/internal/registry"
)

// DevCollaborators exposes the in-memory item registry and payout channel
// so a local deployment can mint items, grant approvals and inspect
// payouts without external systems.
type DevCollaborators struct {
	registry *registry.Memory
	payouts  *payout.Memory
	operator string
}

// NewDevCollaborators wraps the in-memory collaborators. operator is the
// marketplace identity that /approve grants.
func NewDevCollaborators(reg *registry.Memory, payouts *payout.Memory, operator string) *DevCollaborators {
	return &DevCollaborators{registry: reg, payouts: payouts, operator: operator}
}

// Routes mounts the dev endpoints under /api/v1/dev.
func (d *DevCollaborators) Routes(r chi.Router) {
	r.Route("/api/v1/dev", func(r chi.Router) {
		r.Post("/items", d.Mint)
		r.Get("/items/{collection}/{itemID}/owner", d.Owner)
		r.Post("/items/{collection}/{itemID}/approve", d.Approve)
		r.Post("/operators", d.SetOperator)
		r.Get("/payouts/{account}", d.PayoutBalance)
		r.Post("/payouts/{account}/reject", d.RejectPayouts)
	})
}

// MintRequest is the JSON body for POST /dev/items.
type MintRequest struct {
	Collection string `json:"collection"`
	ItemID     string `json:"item_id"`
	Owner      string `json:"owner"`
}

// OperatorRequest is the JSON body for POST /dev/operators.
type OperatorRequest struct {
	Operator string `json:"operator"` // defaults to the marketplace
	Approved bool   `json:"approved"`
}

// Mint handles POST /api/v1/dev/items
func (d *DevCollaborators) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := itemref.ParseKey(req.Collection, req.ItemID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := d.registry.Mint(key, req.Owner); err != nil {
		status := http.StatusConflict
		if errors.Is(err, registry.ErrInvalidAccount) {
			status = http.StatusBadRequest
		}
		writeError(w, err.Error(), status)
		return
	}
	slog.Info("dev item minted", "collection", key.Collection, "item_id", key.ItemID, "owner", req.Owner)
	writeJSON(w, http.StatusCreated, map[string]string{
		"collection": key.Collection,
		"item_id":    key.ItemID,
		"owner":      req.Owner,
	})
}

// Owner handles GET /api/v1/dev/items/{collection}/{itemID}/owner
func (d *DevCollaborators) Owner(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	owner, _ := d.registry.OwnerOf(r.Context(), key)
	if owner == "" {
		writeError(w, "item not minted", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner})
}

// Approve handles POST /api/v1/dev/items/{collection}/{itemID}/approve
// The caller must own the item; the marketplace becomes its approved operator.
func (d *DevCollaborators) Approve(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := d.registry.Approve(key, account, d.operator); err != nil {
		writeError(w, err.Error(), http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetOperator handles POST /api/v1/dev/operators
func (d *DevCollaborators) SetOperator(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req OperatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Operator == "" {
		req.Operator = d.operator
	}
	if err := d.registry.SetApprovalForAll(account, req.Operator, req.Approved); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PayoutBalance handles GET /api/v1/dev/payouts/{account}
func (d *DevCollaborators) PayoutBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"received": d.payouts.Balance(account)})
}

// RejectPayouts handles POST /api/v1/dev/payouts/{account}/reject
// Body {"reject": true} makes every send to account fail.
func (d *DevCollaborators) RejectPayouts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reject bool `json:"reject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d.payouts.Reject(chi.URLParam(r, "account"), req.Reject)
	w.WriteHeader(http.StatusNoContent)
}
