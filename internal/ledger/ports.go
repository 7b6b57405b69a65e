package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// ItemRegistry is the source of truth for item ownership and transfer
// approval. It is queried on every operation and never cached.
type ItemRegistry interface {
	// OwnerOf returns the current owner, or "" for an item nobody owns.
	OwnerOf(ctx context.Context, key model.ListingKey) (string, error)

	// IsApprovedForOperator reports whether operator may transfer the item.
	IsApprovedForOperator(ctx context.Context, key model.ListingKey, operator string) (bool, error)

	// Transfer moves the item from one identity to another.
	Transfer(ctx context.Context, key model.ListingKey, from, to string) error
}

// ValueTransfer pays amounts out to external recipients. Send returns only
// once the outcome is known.
type ValueTransfer interface {
	Send(ctx context.Context, to string, amount decimal.Decimal) error
}

// EventSink receives notifications after a change commits. Publish must
// not block; delivery is best-effort.
type EventSink interface {
	Publish(ctx context.Context, event model.Event)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, model.Event) {}
