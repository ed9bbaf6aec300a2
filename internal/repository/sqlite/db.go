// Package sqlite contains the embedded SQLite implementations of repository interfaces, built on bun.
// Instants are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// DB wraps the bun handle shared by the SQLite repositories.
type DB struct{ Bun *bun.DB }

// Open opens (or creates) the database at dsn and ensures the schema exists.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// a single connection keeps ":memory:" coherent and serializes writers
	sqldb.SetMaxOpenConns(1)

	db := &DB{Bun: bun.NewDB(sqldb, sqlitedialect.New())}
	if err := db.CreateSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database.
func (db *DB) Close() error { return db.Bun.Close() }

// CreateSchema creates the tables and indexes when missing.
func (db *DB) CreateSchema(ctx context.Context) error {
	if err := db.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []interface{}{
			(*ownerRow)(nil),
			(*eventRow)(nil),
			(*exceptionRow)(nil),
		} {
			if _, err := tx.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.NewCreateIndex().
			Model((*eventRow)(nil)).
			Index("events_owner_start_idx").
			IfNotExists().
			Column("owner_id", "start_at").
			Exec(ctx); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return fmt.Errorf("CreateSchema: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
