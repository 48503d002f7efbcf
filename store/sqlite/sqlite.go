/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine on one SQLite
  database, so a task write and its credit effect can share a single SQL
  transaction.

INTERFACES IMPLEMENTED:
  credits.Store / credits.TxStore:     balances and the transaction log
  lifecycle.Store / lifecycle.TxStore: tasks, history, CAS on status
  lifecycle.AttachmentCounter:         deliverable registry
  notify.Sink:                         persisted notifications

APPEND-ONLY ENFORCEMENT:
  credit_transactions and task_history reject UPDATE through triggers, and
  credit_transactions also rejects DELETE. Balances are only written through
  ApplyDelta, whose UPDATE carries the non-negativity condition itself.

KEY TABLES:
  credit_balances:     one row per user, CHECK total = available + held
  credit_transactions: immutable ledger, seq = commit order
  tasks:               task records with an optimistic-lock version
  task_history:        audit trail, cascades on task delete
  task_attachments:    attachment metadata, deliverable flag
  notifications:       persisted user notifications

CONCURRENCY:
  The pool is limited to a single connection and writers additionally
  take s.mu, matching SQLite's single-writer model. Methods on the
  transaction view (txStore) never touch s.db or s.mu; calling the outer
  Store from inside a WithTx/InTx callback would deadlock.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/campfire.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := credits.NewService(store, nil, logger)
  ctl := lifecycle.NewController(store, lifecycle.WithAttachments(store))

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/lifecycle"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ credits.TxStore             = (*Store)(nil)
	_ lifecycle.TxStore           = (*Store)(nil)
	_ lifecycle.AttachmentCounter = (*Store)(nil)
	_ lifecycle.Tx                = (*txStore)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One long-lived connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
	-- Balances: the only mutable ledger record
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		total INTEGER NOT NULL DEFAULT 0,
		available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
		held INTEGER NOT NULL DEFAULT 0 CHECK (held >= 0),
		updated_at TEXT NOT NULL,
		CHECK (total = available + held)
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL CHECK (tx_type IN ('purchase', 'admin_grant', 'task_hold', 'task_deduct', 'task_release')),
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		task_id TEXT,
		pack_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user
		ON credit_transactions(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_task
		ON credit_transactions(task_id) WHERE task_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS credit_transactions_no_update
		BEFORE UPDATE ON credit_transactions
		BEGIN SELECT RAISE(ABORT, 'credit_transactions is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS credit_transactions_no_delete
		BEFORE DELETE ON credit_transactions
		BEGIN SELECT RAISE(ABORT, 'credit_transactions is append-only'); END;

	-- Tasks
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		project_id TEXT,
		client_id TEXT NOT NULL,
		contractor_id TEXT,
		deadline TEXT,
		cost INTEGER NOT NULL CHECK (cost > 0),
		campfire INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (contractor_id IS NOT NULL OR status IN ('submitted', 'cancelled'))
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_client ON tasks(client_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_tasks_contractor ON tasks(contractor_id) WHERE contractor_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);

	-- Task history (append-only audit trail)
	CREATE TABLE IF NOT EXISTS task_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		actor_id TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id, seq);

	CREATE TRIGGER IF NOT EXISTS task_history_no_update
		BEFORE UPDATE ON task_history
		BEGIN SELECT RAISE(ABORT, 'task_history is append-only'); END;

	-- Attachment metadata; file bytes live elsewhere
	CREATE TABLE IF NOT EXISTS task_attachments (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		uploader_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		deliverable INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_attachments_task ON task_attachments(task_id);

	-- Notifications
	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, id DESC);
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (credits.TxStore, lifecycle.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction (credits.TxStore).
func (s *Store) WithTx(ctx context.Context, fn func(credits.Store) error) error {
	return s.inTx(ctx, func(ts *txStore) error { return fn(ts) })
}

// InTx executes fn within a database transaction (lifecycle.TxStore).
func (s *Store) InTx(ctx context.Context, fn func(lifecycle.Tx) error) error {
	return s.inTx(ctx, func(ts *txStore) error { return fn(ts) })
}

func (s *Store) inTx(ctx context.Context, fn func(*txStore) error) error {
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

// txStore is the transaction-scoped view. Every method runs on tx.
type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset drops and recreates every table (for tests and demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"task_attachments", "task_history", "notifications", "tasks", "credit_transactions", "credit_balances"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return s.migrate(ctx)
}

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
