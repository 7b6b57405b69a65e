package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[model.ListingKey]model.Listing
	proceeds map[string]decimal.Decimal
	sales    []model.Sale
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[model.ListingKey]model.Listing),
		proceeds: make(map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) GetListing(_ context.Context, key model.ListingKey) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *MemoryStore) GetProceeds(_ context.Context, seller string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.proceeds[seller], nil
}

func (s *MemoryStore) ListListings(_ context.Context, collection string) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if collection != "" && l.Collection != collection {
			continue
		}
		listings = append(listings, l)
	}
	sort.Slice(listings, func(i, j int) bool {
		if listings[i].Collection != listings[j].Collection {
			return listings[i].Collection < listings[j].Collection
		}
		return listings[i].ItemID < listings[j].ItemID
	})
	return listings, nil
}

func (s *MemoryStore) ListSales(_ context.Context, collection string) ([]model.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Sale
	for _, sale := range s.sales {
		if collection == "" || sale.Collection == collection {
			result = append(result, sale)
		}
	}
	return result, nil
}

// Begin opens an overlay transaction. Writes stay in the overlay until the
// outermost Commit applies them under a single write lock.
func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return newMemoryTx(s, nil), nil
}

// memoryTx buffers writes. A nil listing entry marks a deletion; proceeds
// entries are pending deltas.
type memoryTx struct {
	store    *MemoryStore
	parent   *memoryTx
	listings map[model.ListingKey]*model.Listing
	proceeds map[string]decimal.Decimal
	sales    []model.Sale
	done     bool
}

func newMemoryTx(s *MemoryStore, parent *memoryTx) *memoryTx {
	return &memoryTx{
		store:    s,
		parent:   parent,
		listings: make(map[model.ListingKey]*model.Listing),
		proceeds: make(map[string]decimal.Decimal),
	}
}

func (t *memoryTx) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	if t.done {
		return nil, ErrTxDone
	}
	for tx := t; tx != nil; tx = tx.parent {
		if l, ok := tx.listings[key]; ok {
			if l == nil {
				return nil, ErrNotFound
			}
			copy := *l
			return &copy, nil
		}
	}
	return t.store.GetListing(ctx, key)
}

func (t *memoryTx) GetProceeds(ctx context.Context, seller string) (decimal.Decimal, error) {
	if t.done {
		return decimal.Zero, ErrTxDone
	}
	balance, _ := t.store.GetProceeds(ctx, seller)
	for tx := t; tx != nil; tx = tx.parent {
		balance = balance.Add(tx.proceeds[seller])
	}
	return balance, nil
}

func (t *memoryTx) PutListing(_ context.Context, l *model.Listing) error {
	if t.done {
		return ErrTxDone
	}
	// Store a copy to avoid external mutation.
	copy := *l
	t.listings[l.Key()] = &copy
	return nil
}

func (t *memoryTx) DeleteListing(ctx context.Context, key model.ListingKey) error {
	if _, err := t.GetListing(ctx, key); err != nil {
		return err
	}
	t.listings[key] = nil
	return nil
}

func (t *memoryTx) AddProceeds(ctx context.Context, seller string, delta decimal.Decimal) error {
	balance, err := t.GetProceeds(ctx, seller)
	if err != nil {
		return err
	}
	if balance.Add(delta).IsNegative() {
		return ErrNegativeBalance
	}
	t.proceeds[seller] = t.proceeds[seller].Add(delta)
	return nil
}

func (t *memoryTx) InsertSale(_ context.Context, sale *model.Sale) error {
	if t.done {
		return ErrTxDone
	}
	t.sales = append(t.sales, *sale)
	return nil
}

func (t *memoryTx) Begin(_ context.Context) (Tx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return newMemoryTx(t.store, t), nil
}

func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	if t.parent != nil {
		for k, l := range t.listings {
			t.parent.listings[k] = l
		}
		for seller, delta := range t.proceeds {
			t.parent.proceeds[seller] = t.parent.proceeds[seller].Add(delta)
		}
		t.parent.sales = append(t.parent.sales, t.sales...)
		return nil
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, l := range t.listings {
		if l == nil {
			delete(s.listings, k)
			continue
		}
		s.listings[k] = *l
	}
	for seller, delta := range t.proceeds {
		s.proceeds[seller] = s.proceeds[seller].Add(delta)
	}
	s.sales = append(s.sales, t.sales...)
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return nil
}
