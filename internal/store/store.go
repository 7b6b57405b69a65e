// Package store defines the persistence interface for the marketplace ledger.
// Implementations include PostgreSQL, MySQL and SQLite (source of truth),
// Redis (read-through cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// ErrNotFound is returned when a listing does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNegativeBalance is returned when a delta would drive a balance below zero.
var ErrNegativeBalance = errors.New("store: balance would become negative")

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("store: transaction already committed or rolled back")

// Reader is the read side shared by a Store and an open Tx.
type Reader interface {
	// GetListing returns the listing for key, or ErrNotFound.
	GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error)

	// GetProceeds returns the seller's balance. Unknown sellers have zero.
	GetProceeds(ctx context.Context, seller string) (decimal.Decimal, error)
}

// Store is the persistence interface. Reads on a Store observe committed
// state only; all mutations go through a Tx.
type Store interface {
	Reader

	// ListListings returns active listings, optionally filtered by collection.
	ListListings(ctx context.Context, collection string) ([]model.Listing, error)

	// ListSales returns completed sales, optionally filtered by collection.
	ListSales(ctx context.Context, collection string) ([]model.Sale, error)

	// Begin opens a transaction. Nothing it writes is visible to other
	// readers until Commit.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an all-or-nothing unit of mutations. Reads through a Tx observe
// its own uncommitted writes.
type Tx interface {
	Reader

	// PutListing inserts or replaces the listing at its key.
	PutListing(ctx context.Context, l *model.Listing) error

	// DeleteListing removes the listing at key, or returns ErrNotFound.
	DeleteListing(ctx context.Context, key model.ListingKey) error

	// AddProceeds applies a signed delta to the seller's balance. Deltas
	// compose with concurrent committed deltas instead of overwriting them.
	AddProceeds(ctx context.Context, seller string, delta decimal.Decimal) error

	// InsertSale appends an immutable sale record.
	InsertSale(ctx context.Context, s *model.Sale) error

	// Begin opens a nested transaction (savepoint). Committing it folds its
	// writes into the parent; rolling it back discards only its own writes.
	Begin(ctx context.Context) (Tx, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
