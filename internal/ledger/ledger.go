// Package ledger implements the marketplace ledger: active listings and
// accrued seller proceeds, mutated by list, cancel, updatePrice, buy and
// withdraw under ownership, approval and payment checks.
//
// Every operation is one all-or-nothing transaction. Operations that
// interact with collaborators (buy, withdraw) apply their local effects
// first and call out last, so a collaborator re-entering the ledger
// observes the listing already gone or the balance already zero.
//
// All monetary values use shopspring/decimal and must be whole amounts of
// the smallest currency unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/keylock"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/store"
)

// Ledger owns the listings and proceeds maps. Mutations are serialized per
// item key (list, cancel, updatePrice, buy) and per seller (withdraw).
type Ledger struct {
	store    store.Store
	items    ItemRegistry
	payouts  ValueTransfer
	events   EventSink
	locker   keylock.Locker
	operator string
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEventSink sets where committed changes are announced.
func WithEventSink(sink EventSink) Option {
	return func(l *Ledger) {
		if sink != nil {
			l.events = sink
		}
	}
}

// WithLocker replaces the in-process per-key locker, e.g. with a
// distributed one when several instances share a store.
func WithLocker(locker keylock.Locker) Option {
	return func(l *Ledger) {
		if locker != nil {
			l.locker = locker
		}
	}
}

// WithClock overrides the time source for listing and sale timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger. operator is the marketplace identity that item
// owners must approve before listing.
func New(st store.Store, items ItemRegistry, payouts ValueTransfer, operator string, opts ...Option) *Ledger {
	l := &Ledger{
		store:    st,
		items:    items,
		payouts:  payouts,
		events:   nopSink{},
		locker:   keylock.NewLocal(),
		operator: operator,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Operator returns the marketplace identity.
func (l *Ledger) Operator() string {
	return l.operator
}

// List offers an item for sale at price on behalf of its current owner.
func (l *Ledger) List(ctx context.Context, key model.ListingKey, price decimal.Decimal, requester string) (*model.Listing, error) {
	if !validAmount(price) {
		return nil, ErrInvalidPrice
	}

	var listing *model.Listing
	err := l.run(ctx, itemLock(key), func(ctx context.Context, u *unit) error {
		_, err := u.tx.GetListing(ctx, key)
		if err == nil {
			return ErrAlreadyListed
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("ledger: read listing %s: %w", key, err)
		}

		owner, err := l.items.OwnerOf(ctx, key)
		if err != nil {
			return fmt.Errorf("ledger: owner of %s: %w", key, err)
		}
		if owner == "" || owner != requester {
			return ErrNotOwner
		}

		approved, err := l.items.IsApprovedForOperator(ctx, key, l.operator)
		if err != nil {
			return fmt.Errorf("ledger: approval of %s: %w", key, err)
		}
		if !approved {
			return ErrNotApproved
		}

		now := l.now()
		listing = &model.Listing{
			Collection: key.Collection,
			ItemID:     key.ItemID,
			Price:      price,
			Seller:     requester,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := u.tx.PutListing(ctx, listing); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		u.emit(model.ListingCreated(*listing))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Cancel withdraws the requester's listing.
func (l *Ledger) Cancel(ctx context.Context, key model.ListingKey, requester string) error {
	return l.run(ctx, itemLock(key), func(ctx context.Context, u *unit) error {
		listing, err := l.sellerListing(ctx, u, key, requester)
		if err != nil {
			return err
		}
		if err := u.tx.DeleteListing(ctx, listing.Key()); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		u.emit(model.ListingRemoved(key))
		return nil
	})
}

// UpdatePrice reprices the requester's listing. The seller is unchanged
// and the new terms are re-announced as a ListingCreated event.
func (l *Ledger) UpdatePrice(ctx context.Context, key model.ListingKey, newPrice decimal.Decimal, requester string) (*model.Listing, error) {
	if !validAmount(newPrice) {
		return nil, ErrInvalidPrice
	}

	var listing *model.Listing
	err := l.run(ctx, itemLock(key), func(ctx context.Context, u *unit) error {
		var err error
		listing, err = l.sellerListing(ctx, u, key, requester)
		if err != nil {
			return err
		}
		listing.Price = newPrice
		listing.UpdatedAt = l.now()
		if err := u.tx.PutListing(ctx, listing); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		u.emit(model.ListingCreated(*listing))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Buy purchases a listed item. The seller is credited the full payment,
// including any amount above the listing price.
//
// The listing is removed and the proceeds credited before the registry
// transfer is attempted; if the transfer fails all of it is undone.
func (l *Ledger) Buy(ctx context.Context, key model.ListingKey, payment decimal.Decimal, buyer string) (*model.Sale, error) {
	var sale *model.Sale
	err := l.run(ctx, itemLock(key), func(ctx context.Context, u *unit) error {
		listing, err := u.tx.GetListing(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotListed
		}
		if err != nil {
			return fmt.Errorf("ledger: read listing %s: %w", key, err)
		}
		if payment.LessThan(listing.Price) {
			return ErrPriceNotMet
		}
		if !payment.IsInteger() {
			return ErrInvalidPrice
		}
		if u.nested() {
			return ErrReentrantTransfer
		}

		if err := u.tx.DeleteListing(ctx, key); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		if err := u.tx.AddProceeds(ctx, listing.Seller, payment); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		sale = &model.Sale{
			ID:         uuid.New().String(),
			Collection: key.Collection,
			ItemID:     key.ItemID,
			Seller:     listing.Seller,
			Buyer:      buyer,
			Price:      listing.Price,
			Payment:    payment,
			Timestamp:  l.now(),
		}
		if err := u.tx.InsertSale(ctx, sale); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}

		u.emit(model.ItemSold(*sale))

		if err := l.items.Transfer(ctx, key, listing.Seller, buyer); err != nil {
			return fmt.Errorf("%w: item %s: %w", ErrTransferFailed, key, err)
		}
		u.onCommitFailure(func(ctx context.Context) {
			if err := l.items.Transfer(ctx, key, buyer, listing.Seller); err != nil {
				slog.Error("ledger: sale not recorded and item not returned, manual reconciliation required",
					"item", key.String(), "seller", listing.Seller, "buyer", buyer,
					"payment", payment.String(), "err", err)
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

// Withdraw pays out the requester's entire balance and returns the amount.
//
// The balance is zeroed and committed before the payout is sent, never
// after; a failed payout credits it back.
func (l *Ledger) Withdraw(ctx context.Context, requester string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := l.settle(ctx, sellerLock(requester),
		func(ctx context.Context, u *unit) error {
			balance, err := u.tx.GetProceeds(ctx, requester)
			if err != nil {
				return fmt.Errorf("ledger: read proceeds: %w", err)
			}
			if !balance.IsPositive() {
				return ErrNoProceeds
			}
			if err := u.tx.AddProceeds(ctx, requester, balance.Neg()); err != nil {
				return fmt.Errorf("ledger: %w", err)
			}
			amount = balance
			u.emit(model.ProceedsWithdrawn(requester, balance))
			return nil
		},
		func(ctx context.Context) error {
			if err := l.payouts.Send(ctx, requester, amount); err != nil {
				return fmt.Errorf("%w: payout of %s to %s: %w", ErrTransferFailed, amount, requester, err)
			}
			return nil
		},
		func(ctx context.Context, tx store.Tx) error {
			return tx.AddProceeds(ctx, requester, amount)
		},
	)
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// GetListing returns the active listing for key, or ErrNotListed.
func (l *Ledger) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	listing, err := l.reader(ctx).GetListing(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotListed
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read listing %s: %w", key, err)
	}
	return listing, nil
}

// GetProceeds returns the seller's withdrawable balance.
func (l *Ledger) GetProceeds(ctx context.Context, seller string) (decimal.Decimal, error) {
	balance, err := l.reader(ctx).GetProceeds(ctx, seller)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: read proceeds: %w", err)
	}
	return balance, nil
}

// Listings returns committed active listings, optionally for one collection.
func (l *Ledger) Listings(ctx context.Context, collection string) ([]model.Listing, error) {
	return l.store.ListListings(ctx, collection)
}

// Sales returns the committed sale history, optionally for one collection.
func (l *Ledger) Sales(ctx context.Context, collection string) ([]model.Sale, error) {
	return l.store.ListSales(ctx, collection)
}

// sellerListing loads the listing at key and checks requester is its seller.
func (l *Ledger) sellerListing(ctx context.Context, u *unit, key model.ListingKey, requester string) (*model.Listing, error) {
	listing, err := u.tx.GetListing(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotListed
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read listing %s: %w", key, err)
	}
	if listing.Seller != requester {
		return nil, ErrNotOwner
	}
	return listing, nil
}

func validAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.IsInteger()
}
