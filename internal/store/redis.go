package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and invalidate the cache once their
// transaction commits; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	ck := listingKey(key)

	// Try cache.
	data, err := s.rdb.Get(ctx, ck).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary. Absent listings are not cached.
	var l *model.Listing
	err = s.fill(ctx, ck, func() (string, error) {
		var err error
		if l, err = s.primary.GetListing(ctx, key); err != nil {
			return "", err
		}
		data, err := json.Marshal(l)
		return string(data), err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *CachedStore) GetProceeds(ctx context.Context, seller string) (decimal.Decimal, error) {
	ck := proceedsKey(seller)

	// Try cache.
	cached, err := s.rdb.Get(ctx, ck).Result()
	if err == nil {
		if amount, err := decimal.NewFromString(cached); err == nil {
			return amount, nil
		}
	}

	// Cache miss.
	var amount decimal.Decimal
	err = s.fill(ctx, ck, func() (string, error) {
		var err error
		amount, err = s.primary.GetProceeds(ctx, seller)
		return amount.String(), err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// fill reads the primary through load and caches the result, unless a
// commit invalidated ck while load ran: invalidation bumps the version
// key watched here, which aborts the write. Cache failures only skip
// caching; load's error is returned as is.
func (s *CachedStore) fill(ctx context.Context, ck string, load func() (string, error)) error {
	var loadErr error
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var value string
		value, loadErr = load()
		if loadErr != nil {
			return loadErr
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, ck, value, s.ttl)
			return nil
		})
		return err
	}, versionKey(ck))

	if loadErr != nil {
		return loadErr
	}
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		// Redis unavailable: serve from the primary without caching.
		if _, err := load(); err != nil {
			return err
		}
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListListings(ctx context.Context, collection string) ([]model.Listing, error) {
	return s.primary.ListListings(ctx, collection)
}

func (s *CachedStore) ListSales(ctx context.Context, collection string) ([]model.Sale, error) {
	return s.primary.ListSales(ctx, collection)
}

// --- Write path (primary transaction, invalidate on commit) ---

func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, store: s, touched: make(map[string]struct{})}, nil
}

// cachedTx records which cache entries its writes make stale.
type cachedTx struct {
	Tx
	store   *CachedStore
	parent  *cachedTx
	touched map[string]struct{}
}

func (t *cachedTx) PutListing(ctx context.Context, l *model.Listing) error {
	if err := t.Tx.PutListing(ctx, l); err != nil {
		return err
	}
	t.touched[listingKey(l.Key())] = struct{}{}
	return nil
}

func (t *cachedTx) DeleteListing(ctx context.Context, key model.ListingKey) error {
	if err := t.Tx.DeleteListing(ctx, key); err != nil {
		return err
	}
	t.touched[listingKey(key)] = struct{}{}
	return nil
}

func (t *cachedTx) AddProceeds(ctx context.Context, seller string, delta decimal.Decimal) error {
	if err := t.Tx.AddProceeds(ctx, seller, delta); err != nil {
		return err
	}
	t.touched[proceedsKey(seller)] = struct{}{}
	return nil
}

func (t *cachedTx) Begin(ctx context.Context) (Tx, error) {
	nested, err := t.Tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: nested, store: t.store, parent: t, touched: make(map[string]struct{})}, nil
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	if t.parent != nil {
		for k := range t.touched {
			t.parent.touched[k] = struct{}{}
		}
		return nil
	}
	if len(t.touched) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.touched))
	for k := range t.touched {
		keys = append(keys, k)
	}
	// Invalidate and bump versions so in-flight fills are not written.
	_, err := t.store.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		for _, k := range keys {
			p.Incr(ctx, versionKey(k))
			p.Expire(ctx, versionKey(k), versionTTL)
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
	return nil
}

// --- Cache helpers ---

func listingKey(k model.ListingKey) string { return fmt.Sprintf("listing:%s:%s", k.Collection, k.ItemID) }
func proceedsKey(seller string) string     { return fmt.Sprintf("proceeds:%s", seller) }
func versionKey(cacheKey string) string    { return cacheKey + ":v" }

// versionTTL outlives any single fill; an expired version only costs one
// skipped cache write.
const versionTTL = 10 * time.Minute
