package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// PostgresSchema creates the tables used by PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS listings (
	collection TEXT        NOT NULL,
	item_id    TEXT        NOT NULL,
	price      NUMERIC     NOT NULL CHECK (price > 0),
	seller     TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, item_id)
);
CREATE TABLE IF NOT EXISTS proceeds (
	seller  TEXT    PRIMARY KEY,
	balance NUMERIC NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sales (
	id         TEXT        PRIMARY KEY,
	collection TEXT        NOT NULL,
	item_id    TEXT        NOT NULL,
	seller     TEXT        NOT NULL,
	buyer      TEXT        NOT NULL,
	price      NUMERIC     NOT NULL,
	payment    NUMERIC     NOT NULL,
	sold_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sales_collection_idx ON sales (collection, sold_at);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates missing tables.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	return pgGetListing(ctx, s.pool, key)
}

func (s *PostgresStore) GetProceeds(ctx context.Context, seller string) (decimal.Decimal, error) {
	return pgGetProceeds(ctx, s.pool, seller)
}

func (s *PostgresStore) ListListings(ctx context.Context, collection string) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT collection, item_id, price::TEXT, seller, created_at, updated_at
		 FROM listings
		 WHERE $1 = '' OR collection = $1
		 ORDER BY collection, item_id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		var price string
		if err := rows.Scan(&l.Collection, &l.ItemID, &price, &l.Seller, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Price, _ = decimal.NewFromString(price)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) ListSales(ctx context.Context, collection string) ([]model.Sale, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, collection, item_id, seller, buyer, price::TEXT, payment::TEXT, sold_at
		 FROM sales
		 WHERE $1 = '' OR collection = $1
		 ORDER BY sold_at`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSales(rows)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// pgTx wraps pgx.Tx. Nested Begin maps to a SAVEPOINT.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	return pgGetListing(ctx, t.tx, key)
}

func (t *pgTx) GetProceeds(ctx context.Context, seller string) (decimal.Decimal, error) {
	return pgGetProceeds(ctx, t.tx, seller)
}

func (t *pgTx) PutListing(ctx context.Context, l *model.Listing) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO listings (collection, item_id, price, seller, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)
		 ON CONFLICT (collection, item_id) DO UPDATE
		 SET price = EXCLUDED.price, seller = EXCLUDED.seller, updated_at = EXCLUDED.updated_at`,
		l.Collection, l.ItemID, l.Price.String(), l.Seller, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put listing %s: %w", l.Key(), err)
	}
	return nil
}

func (t *pgTx) DeleteListing(ctx context.Context, key model.ListingKey) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM listings WHERE collection = $1 AND item_id = $2`,
		key.Collection, key.ItemID)
	if err != nil {
		return fmt.Errorf("delete listing %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AddProceeds(ctx context.Context, seller string, delta decimal.Decimal) error {
	var balance string
	err := t.tx.QueryRow(ctx,
		`INSERT INTO proceeds (seller, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (seller) DO UPDATE SET balance = proceeds.balance + EXCLUDED.balance
		 RETURNING balance::TEXT`,
		seller, delta.String()).Scan(&balance)
	if err != nil {
		return fmt.Errorf("add proceeds for %s: %w", seller, err)
	}
	b, _ := decimal.NewFromString(balance)
	if b.IsNegative() {
		return ErrNegativeBalance
	}
	return nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale *model.Sale) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sales (id, collection, item_id, seller, buyer, price, payment, sold_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		sale.ID, sale.Collection, sale.ItemID, sale.Seller, sale.Buyer,
		sale.Price.String(), sale.Payment.String(), sale.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (t *pgTx) Begin(ctx context.Context) (Tx, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	return &pgTx{tx: nested}, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGetListing(ctx context.Context, q pgQuerier, key model.ListingKey) (*model.Listing, error) {
	var l model.Listing
	var price string

	err := q.QueryRow(ctx,
		`SELECT collection, item_id, price::TEXT, seller, created_at, updated_at
		 FROM listings WHERE collection = $1 AND item_id = $2`,
		key.Collection, key.ItemID).
		Scan(&l.Collection, &l.ItemID, &price, &l.Seller, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", key, err)
	}

	l.Price, _ = decimal.NewFromString(price)
	return &l, nil
}

func pgGetProceeds(ctx context.Context, q pgQuerier, seller string) (decimal.Decimal, error) {
	var balance string
	err := q.QueryRow(ctx,
		`SELECT balance::TEXT FROM proceeds WHERE seller = $1`, seller).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get proceeds %s: %w", seller, err)
	}
	b, _ := decimal.NewFromString(balance)
	return b, nil
}

// saleRows reads driver rows into Sale slices.
type saleRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanSales(rows saleRows) ([]model.Sale, error) {
	var sales []model.Sale
	for rows.Next() {
		var s model.Sale
		var priceS, paymentS string

		if err := rows.Scan(&s.ID, &s.Collection, &s.ItemID, &s.Seller, &s.Buyer,
			&priceS, &paymentS, &s.Timestamp); err != nil {
			return nil, err
		}

		s.Price, _ = decimal.NewFromString(priceS)
		s.Payment, _ = decimal.NewFromString(paymentS)

		sales = append(sales, s)
	}
	return sales, rows.Err()
}
