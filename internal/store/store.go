// Package store persists what the webhook flow hands off: purchases, the
// stripe_events ledger used to skip redelivered events, and the notification
// outbox drained by the worker.
//
// Every write is keyed on a processor identifier (session id, event id, or
// kind+reference) and is an idempotent upsert, so replaying a webhook never
// duplicates rows.
//
// Dependency rule: store imports no other internal package.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store holds the connection pool. The operation files (purchases.go,
// events.go, notifications.go) attach methods to this type.
type Store struct {
	pool *sql.DB
}

// New creates a Store from a live connection pool. The pool must already be
// open and verified (e.g. via PingContext) before calling New.
func New(pool *sql.DB) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema migrations. It is safe to call on every
// startup; an up-to-date schema is a no-op.
func Migrate(pool *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: open migrations: %w", err)
	}

	driver, err := postgres.WithInstance(pool, &postgres.Config{
		MigrationsTable: "checkout_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate instance: %w", err)
	}

	// m.Close is deliberately not called: the postgres driver would close the
	// shared pool along with its own connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// txFunc receives a transaction. Returning a non-nil error causes withTx to
// roll back automatically.
type txFunc func(ctx context.Context, tx *sql.Tx) error

// withTx begins a transaction, passes it to fn, and commits on success or
// rolls back on any error (including panics).
func (s *Store) withTx(ctx context.Context, fn txFunc) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	// Roll back on panic so the connection is never left in a broken state.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: fn error: %w; rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

// nullString converts a Go string to sql.NullString. Empty string → NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt32 converts n to sql.NullInt32. Zero → NULL.
func nullInt32(n int) sql.NullInt32 {
	return sql.NullInt32{Int32: int32(n), Valid: n != 0}
}
