// Package model defines the core domain types shared across the marketplace.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ListingKey identifies one item instance within one collection.
type ListingKey struct {
	Collection string `json:"collection" db:"collection"`
	ItemID     string `json:"item_id" db:"item_id"`
}

func (k ListingKey) String() string {
	return fmt.Sprintf("%s/%s", k.Collection, k.ItemID)
}

// Listing is an active offer to sell one item at a fixed price.
// Seller never changes for the life of a listing.
type Listing struct {
	Collection string          `json:"collection" db:"collection"`
	ItemID     string          `json:"item_id" db:"item_id"`
	Price      decimal.Decimal `json:"price" db:"price"` // smallest currency unit
	Seller     string          `json:"seller" db:"seller"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Key returns the composite key of the listing.
func (l Listing) Key() ListingKey {
	return ListingKey{Collection: l.Collection, ItemID: l.ItemID}
}

// Proceeds is the balance owed to a seller pending withdrawal.
type Proceeds struct {
	Seller string          `json:"seller" db:"seller"`
	Amount decimal.Decimal `json:"amount" db:"balance"`
}

// Sale is an immutable record of a completed purchase.
// Payment may exceed Price; the seller is credited the full payment.
type Sale struct {
	ID         string          `json:"id" db:"id"`
	Collection string          `json:"collection" db:"collection"`
	ItemID     string          `json:"item_id" db:"item_id"`
	Seller     string          `json:"seller" db:"seller"`
	Buyer      string          `json:"buyer" db:"buyer"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Payment    decimal.Decimal `json:"payment" db:"payment"`
	Timestamp  time.Time       `json:"timestamp" db:"sold_at"`
}

// EventType names a ledger notification.
type EventType string

const (
	EventListingCreated    EventType = "listing_created"
	EventListingRemoved    EventType = "listing_removed"
	EventItemSold          EventType = "item_sold"
	EventProceedsWithdrawn EventType = "proceeds_withdrawn"
)

// Event is a best-effort notification of a committed ledger change.
// ListingCreated carries Seller and Price, ListingRemoved only the key,
// ItemSold carries Buyer and the listed Price. ProceedsWithdrawn carries
// Seller and the Amount paid out, with no item key.
type Event struct {
	Type       EventType        `json:"type"`
	Collection string           `json:"collection,omitempty"`
	ItemID     string           `json:"item_id,omitempty"`
	Seller     string           `json:"seller,omitempty"`
	Buyer      string           `json:"buyer,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ListingCreated builds the event announcing current listing terms.
func ListingCreated(l Listing) Event {
	price := l.Price
	return Event{
		Type:       EventListingCreated,
		Collection: l.Collection,
		ItemID:     l.ItemID,
		Seller:     l.Seller,
		Price:      &price,
		Timestamp:  time.Now().UTC(),
	}
}

// ListingRemoved builds the event for a cancelled listing.
func ListingRemoved(k ListingKey) Event {
	return Event{
		Type:       EventListingRemoved,
		Collection: k.Collection,
		ItemID:     k.ItemID,
		Timestamp:  time.Now().UTC(),
	}
}

// ItemSold builds the event for a completed sale.
func ItemSold(s Sale) Event {
	price := s.Price
	return Event{
		Type:       EventItemSold,
		Collection: s.Collection,
		ItemID:     s.ItemID,
		Buyer:      s.Buyer,
		Price:      &price,
		Timestamp:  s.Timestamp,
	}
}

// ProceedsWithdrawn builds the event for a completed payout.
func ProceedsWithdrawn(seller string, amount decimal.Decimal) Event {
	return Event{
		Type:      EventProceedsWithdrawn,
		Seller:    seller,
		Amount:    &amount,
		Timestamp: time.Now().UTC(),
	}
}
