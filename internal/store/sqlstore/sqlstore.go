// Package sqlstore persists orders in a SQL table keyed by order id,
// partitioned by creation date through an indexed column.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/iliamunaev/media-order-fulfillment/internal/model"
	"github.com/iliamunaev/media-order-fulfillment/internal/store"
)

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id       TEXT PRIMARY KEY,
	partition_date TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	revision       INTEGER NOT NULL,
	record         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_partition_date ON orders (partition_date);
`

type row struct {
	OrderID       string `db:"order_id"`
	PartitionDate string `db:"partition_date"`
	UpdatedAt     string `db:"updated_at"`
	Revision      int64  `db:"revision"`
	Record        string `db:"record"`
}

// stored is the part of a row Save checks before writing.
type stored struct {
	PartitionDate string `db:"partition_date"`
	Revision      int64  `db:"revision"`
}

// Store is a sqlx-backed order store.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to a sqlite database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	return New(db)
}

// New wraps an existing connection and applies the schema.
func New(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlstore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

var getStoredQuery = "SELECT partition_date, revision FROM orders WHERE order_id = ?"

var insertQuery = `INSERT INTO orders (order_id, partition_date, updated_at, revision, record)
VALUES (:order_id, :partition_date, :updated_at, :revision, :record)`

// updateQuery only matches the revision the caller loaded.
var updateQuery = `UPDATE orders SET updated_at = ?, revision = ?, record = ?
WHERE order_id = ? AND revision = ?`

// Save writes the record in a transaction, inserting a new order or
// replacing the revision the caller loaded.
func (s *Store) Save(ctx context.Context, o *model.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("sqlstore: save: %w", err)
	}
	rec := o.Clone()
	rec.Revision++
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlstore: encode: %w", err)
	}
	r := row{
		OrderID:       o.OrderID,
		PartitionDate: o.PartitionDate(),
		UpdatedAt:     o.UpdatedAt.UTC().Format(timeLayout),
		Revision:      rec.Revision,
		Record:        string(record),
	}

	err = s.transact(ctx, func(tx *sqlx.Tx) error {
		var cur stored
		err := tx.GetContext(ctx, &cur, getStoredQuery, o.OrderID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if o.Revision != 0 {
				return fmt.Errorf("sqlstore: order %s is not stored: %w", o.OrderID, store.ErrConflict)
			}
			if _, err := tx.NamedExecContext(ctx, insertQuery, r); err != nil {
				return fmt.Errorf("sqlstore: insert: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("sqlstore: lookup: %w", err)
		case cur.PartitionDate != r.PartitionDate:
			return fmt.Errorf("sqlstore: order %s in %s: %w", o.OrderID, cur.PartitionDate, store.ErrDuplicateID)
		case cur.Revision != o.Revision:
			return fmt.Errorf("sqlstore: order %s stored at revision %d, saving %d: %w",
				o.OrderID, cur.Revision, o.Revision, store.ErrConflict)
		}

		res, err := tx.ExecContext(ctx, updateQuery, r.UpdatedAt, r.Revision, r.Record, o.OrderID, o.Revision)
		if err != nil {
			return fmt.Errorf("sqlstore: update: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("sqlstore: update: %w", err)
		} else if n != 1 {
			return fmt.Errorf("sqlstore: order %s: %w", o.OrderID, store.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.Revision = rec.Revision
	return nil
}

var getRecordQuery = "SELECT record FROM orders WHERE order_id = ?"

// Load returns the record for orderID.
func (s *Store) Load(ctx context.Context, orderID string) (*model.Order, bool, error) {
	var record string
	err := s.db.GetContext(ctx, &record, getRecordQuery, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: load: %w", err)
	}
	o, err := store.DecodeRecord([]byte(record))
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: %w", err)
	}
	return o, true, nil
}

var recentPartitionsQuery = "SELECT DISTINCT partition_date FROM orders ORDER BY partition_date DESC LIMIT ?"

var recentOrdersQuery = `SELECT order_id, partition_date, updated_at, revision, record FROM orders
WHERE partition_date IN (?) ORDER BY partition_date DESC, updated_at DESC`

// ListRecentlyActive returns orders of the newest n partitions.
func (s *Store) ListRecentlyActive(ctx context.Context, n int) ([]*model.Order, error) {
	if n <= 0 {
		return nil, nil
	}
	var dates []string
	if err := s.db.SelectContext(ctx, &dates, recentPartitionsQuery, n); err != nil {
		return nil, fmt.Errorf("sqlstore: partitions: %w", err)
	}
	if len(dates) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(recentOrdersQuery, dates)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}

	out := make([]*model.Order, 0, len(rows))
	for _, r := range rows {
		o, err := store.DecodeRecord([]byte(r.Record))
		if err != nil {
			return nil, fmt.Errorf("sqlstore: order %s: %w", r.OrderID, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) transact(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
