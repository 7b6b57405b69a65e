package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/nft-market/internal/model"
)

const sqliteBusyTimeoutMs = 5000

// Dialect captures the SQL differences between database/sql backends.
type Dialect struct {
	Name           string
	Schema         []string
	ForUpdate      string
	UpsertListing  string
	UpsertProceeds string
}

// MySQL stores amounts as DECIMAL(65,0) and locks proceeds rows on read.
var MySQL = Dialect{
	Name: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS listings (
			collection VARCHAR(128)   NOT NULL,
			item_id    VARCHAR(96)    NOT NULL,
			price      DECIMAL(65,0)  NOT NULL,
			seller     VARCHAR(128)   NOT NULL,
			created_at BIGINT         NOT NULL,
			updated_at BIGINT         NOT NULL,
			PRIMARY KEY (collection, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS proceeds (
			seller  VARCHAR(128)  PRIMARY KEY,
			balance DECIMAL(65,0) NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id         VARCHAR(36)   PRIMARY KEY,
			collection VARCHAR(128)  NOT NULL,
			item_id    VARCHAR(96)   NOT NULL,
			seller     VARCHAR(128)  NOT NULL,
			buyer      VARCHAR(128)  NOT NULL,
			price      DECIMAL(65,0) NOT NULL,
			payment    DECIMAL(65,0) NOT NULL,
			sold_at    BIGINT        NOT NULL,
			INDEX sales_collection_idx (collection, sold_at)
		)`,
	},
	ForUpdate: " FOR UPDATE",
	UpsertListing: `INSERT INTO listings (collection, item_id, price, seller, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE price = VALUES(price), seller = VALUES(seller), updated_at = VALUES(updated_at)`,
	UpsertProceeds: `INSERT INTO proceeds (seller, balance) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE balance = VALUES(balance)`,
}

// SQLite stores amounts as TEXT. Writers are serialized by a single
// connection, so no row locks are needed.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS listings (
			collection TEXT    NOT NULL,
			item_id    TEXT    NOT NULL,
			price      TEXT    NOT NULL,
			seller     TEXT    NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS proceeds (
			seller  TEXT PRIMARY KEY,
			balance TEXT NOT NULL DEFAULT '0'
		)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id         TEXT    PRIMARY KEY,
			collection TEXT    NOT NULL,
			item_id    TEXT    NOT NULL,
			seller     TEXT    NOT NULL,
			buyer      TEXT    NOT NULL,
			price      TEXT    NOT NULL,
			payment    TEXT    NOT NULL,
			sold_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sales_collection_idx ON sales (collection, sold_at)`,
	},
	UpsertListing: `INSERT INTO listings (collection, item_id, price, seller, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, item_id) DO UPDATE
		SET price = excluded.price, seller = excluded.seller, updated_at = excluded.updated_at`,
	UpsertProceeds: `INSERT INTO proceeds (seller, balance) VALUES (?, ?)
		ON CONFLICT (seller) DO UPDATE SET balance = excluded.balance`,
}

// SQLStore implements Store on database/sql for the MySQL and SQLite
// dialects. Timestamps are stored as unix microseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenMySQL connects to MySQL and ensures the schema exists.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := NewSQLStore(db, MySQL)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) a SQLite database file and ensures
// the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(path)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: transactions are serialized and a reentrant call that
	// joins an open transaction never waits on a second connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := NewSQLStore(db, SQLite)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates missing tables.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// Truncate removes every row. Used by integration tests.
func (s *SQLStore) Truncate(ctx context.Context) error {
	for _, table := range []string{"listings", "proceeds", "sales"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	return sqlGetListing(ctx, s.db, key)
}

func (s *SQLStore) GetProceeds(ctx context.Context, seller string) (decimal.Decimal, error) {
	return sqlGetProceeds(ctx, s.db, seller, "")
}

func (s *SQLStore) ListListings(ctx context.Context, collection string) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, item_id, price, seller, created_at, updated_at
		 FROM listings
		 WHERE ? = '' OR collection = ?
		 ORDER BY collection, item_id`, collection, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *SQLStore) ListSales(ctx context.Context, collection string) ([]model.Sale, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection, item_id, seller, buyer, price, payment, sold_at
		 FROM sales
		 WHERE ? = '' OR collection = ?
		 ORDER BY sold_at`, collection, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sales []model.Sale
	for rows.Next() {
		var sale model.Sale
		var priceS, paymentS string
		var soldAt int64
		if err := rows.Scan(&sale.ID, &sale.Collection, &sale.ItemID, &sale.Seller, &sale.Buyer,
			&priceS, &paymentS, &soldAt); err != nil {
			return nil, err
		}
		sale.Price, _ = decimal.NewFromString(priceS)
		sale.Payment, _ = decimal.NewFromString(paymentS)
		sale.Timestamp = time.UnixMicro(soldAt).UTC()
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

// sqlTx shares one *sql.Tx across nesting levels; levels below the root
// are SAVEPOINTs.
type sqlTx struct {
	tx        *sql.Tx
	dialect   Dialect
	depth     int
	savepoint string
	done      bool
}

func (t *sqlTx) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	return sqlGetListing(ctx, t.tx, key)
}

func (t *sqlTx) GetProceeds(ctx context.Context, seller string) (decimal.Decimal, error) {
	return sqlGetProceeds(ctx, t.tx, seller, t.dialect.ForUpdate)
}

func (t *sqlTx) PutListing(ctx context.Context, l *model.Listing) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.UpsertListing,
		l.Collection, l.ItemID, l.Price.String(), l.Seller,
		l.CreatedAt.UnixMicro(), l.UpdatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("put listing %s: %w", l.Key(), err)
	}
	return nil
}

func (t *sqlTx) DeleteListing(ctx context.Context, key model.ListingKey) error {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM listings WHERE collection = ? AND item_id = ?`,
		key.Collection, key.ItemID)
	if err != nil {
		return fmt.Errorf("delete listing %s: %w", key, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) AddProceeds(ctx context.Context, seller string, delta decimal.Decimal) error {
	balance, err := t.GetProceeds(ctx, seller)
	if err != nil {
		return err
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return ErrNegativeBalance
	}
	if _, err := t.tx.ExecContext(ctx, t.dialect.UpsertProceeds, seller, next.String()); err != nil {
		return fmt.Errorf("add proceeds for %s: %w", seller, err)
	}
	return nil
}

func (t *sqlTx) InsertSale(ctx context.Context, sale *model.Sale) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sales (id, collection, item_id, seller, buyer, price, payment, sold_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.Collection, sale.ItemID, sale.Seller, sale.Buyer,
		sale.Price.String(), sale.Payment.String(), sale.Timestamp.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (t *sqlTx) Begin(ctx context.Context) (Tx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	name := fmt.Sprintf("sp_%d", t.depth+1)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	return &sqlTx{tx: t.tx, dialect: t.dialect, depth: t.depth + 1, savepoint: name}, nil
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.savepoint != "" {
		_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
		return err
	}
	return t.tx.Commit()
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.savepoint != "" {
		if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
			return err
		}
		_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
		return err
	}
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var price string
	var createdAt, updatedAt int64
	if err := row.Scan(&l.Collection, &l.ItemID, &price, &l.Seller, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.Price, _ = decimal.NewFromString(price)
	l.CreatedAt = time.UnixMicro(createdAt).UTC()
	l.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &l, nil
}

func sqlGetListing(ctx context.Context, q sqlQuerier, key model.ListingKey) (*model.Listing, error) {
	l, err := scanListing(q.QueryRowContext(ctx,
		`SELECT collection, item_id, price, seller, created_at, updated_at
		 FROM listings WHERE collection = ? AND item_id = ?`,
		key.Collection, key.ItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", key, err)
	}
	return l, nil
}

func sqlGetProceeds(ctx context.Context, q sqlQuerier, seller, forUpdate string) (decimal.Decimal, error) {
	var balance string
	err := q.QueryRowContext(ctx,
		`SELECT balance FROM proceeds WHERE seller = ?`+forUpdate, seller).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get proceeds %s: %w", seller, err)
	}
	b, _ := decimal.NewFromString(balance)
	return b, nil
}
