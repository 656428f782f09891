/*
Package sqlite provides the durable local implementation of payroll.Store.

PURPOSE:
  Persists the whole ledger (employees, terms, rules, entries, periods,
  results, adjustments, invoices, payments, audit log) in one SQLite file on
  the user's machine.

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements anywhere
  - UPDATE only touches status columns: entries.status/period_id/voided_*,
    results.status, periods.state, adjustments.invoice_id, invoices.paid_on
  - Corrections are new rows (void + replacement entry, new result version)

KEY TABLES:
  entries:          time and sale records
  results:          versioned computation results (lines as JSON)
  result_entries:   dependency index entry -> result
  adjustments:      old -> new result deltas, carry flag
  invoice_sequence: single-row gapless counter
  invoices:         frozen snapshots (lines as JSON)
  invoice_results:  one invoice per result, enforced by primary key

CONCURRENCY:
  One open connection and a sync.RWMutex: WithTx holds the write lock for the
  whole transaction, so writers queue. The invoice number is bumped inside
  that transaction and rolls back with it.

WAL MODE:
  Opened with WAL journaling and a busy timeout so a crash mid-transaction
  leaves the previous committed state intact.

MIGRATION:
  Versioned SQL files under migrations/, embedded and applied with goose on
  New().

USAGE:
  store, err := sqlite.New("./payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  eng := engine.New(store, engine.Options{})

SEE ALSO:
  - payroll/store.go: Interface definitions
  - payroll/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/warp/payroll-engine/payroll"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements payroll.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (creating if needed) the database at dbPath and applies pending
// migrations. Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and the file
	// database has a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("goose new provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// TRANSACTIONS (payroll.Store)
// =============================================================================

// WithTx executes fn within a database transaction, committing only when fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx payroll.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View executes fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(tx payroll.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&txStore{tx: sqlTx})
}

// txStore implements payroll.Tx on one *sql.Tx. Every statement goes through
// the transaction; touching s.db here would deadlock on the single connection.
type txStore struct {
	tx *sql.Tx
}

var _ payroll.Tx = (*txStore)(nil)

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (t *txStore) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build statement: %w", err)
	}
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *txStore) selectRows(ctx context.Context, dst any, b sq.SelectBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlscan.Select(ctx, t.tx, dst, query, args...)
}

func (t *txStore) getRow(ctx context.Context, dst any, b sq.SelectBuilder, kind, id string) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if err := sqlscan.Get(ctx, t.tx, dst, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return &payroll.NotFoundError{Kind: kind, ID: id}
		}
		return fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return nil
}

// mustAffect turns "0 rows updated" into a NotFoundError.
func mustAffect(res sql.Result, err error, kind, id string) error {
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &payroll.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// conflict maps constraint violations to InvalidStateError.
func conflict(err error, kind, id, reason string) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return &payroll.InvalidStateError{Kind: kind, ID: id, Reason: reason}
	}
	return fmt.Errorf("insert %s %s: %w", kind, id, err)
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
