package memory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore is the canonical persistent turn storage.
//
// A unit of work never holds a database transaction open. Its rows are
// written with committed = 0 and a txn_id, committed readers skip them,
// Commit flips the flag and Rollback deletes what is still pending.
// Pending rows carry a lease; opening the store only purges rows whose
// lease ran out, so a second process sharing the file leaves live units
// alone.
type SQLiteStore struct {
	db    *sql.DB
	now   func() time.Time
	lease time.Duration
}

// DefaultPendingLease is how long pending turns survive without their
// unit of work appending again.
const DefaultPendingLease = 15 * time.Minute

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithStoreClock overrides the time source used for created_at.
func WithStoreClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPendingLease overrides DefaultPendingLease.
func WithPendingLease(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// NewSQLiteStore creates/opens the turn database at path and applies
// pending migrations.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chat db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now, lease: DefaultPendingLease}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if err := migrate(ctx, s.db); err != nil {
		return err
	}

	// Single-process chat service. Use one shared connection to avoid
	// writer lock contention with SQLite under concurrent goroutines.
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite: %w", err)
		}
	}

	// Expired pending rows belong to a process that died mid-turn.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE committed = 0 AND lease_until_ms < ?`, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("purge pending turns: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, role Role, content string) (Turn, error) {
	return s.insert(ctx, role, content, "", true)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Turn, error) {
	return s.recent(ctx, limit, "")
}

func (s *SQLiteStore) All(ctx context.Context) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, content, created_at_ms
FROM turns
WHERE committed = 1
ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list turns: %w", ErrPersistence, err)
	}
	defer rows.Close()

	out, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE committed = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count turns: %w", ErrPersistence, err)
	}
	return n, nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}
	return &sqliteTx{store: s, id: uuid.NewString()}, nil
}

func (s *SQLiteStore) insert(ctx context.Context, role Role, content, txnID string, committed bool) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("append turn: %w: %q", ErrInvalidRole, string(role))
	}
	flag := 0
	if committed {
		flag = 1
	}

	// created_at_ms never drops below an existing row so that time order
	// always agrees with id order, even if the wall clock steps back.
	now := s.now()
	var leaseUntil int64
	if !committed {
		leaseUntil = now.Add(s.lease).UnixMilli()
	}
	turn := Turn{Role: role, Content: content}
	var createdMS int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO turns(role, content, created_at_ms, txn_id, committed, lease_until_ms)
VALUES(?, ?, MAX(?, COALESCE((SELECT MAX(created_at_ms) FROM turns), 0)), ?, ?, ?)
RETURNING id, created_at_ms`, string(role), content, now.UnixMilli(), txnID, flag, leaseUntil).Scan(&turn.ID, &createdMS)
	if err != nil {
		return Turn{}, fmt.Errorf("%w: append turn: %w", ErrPersistence, err)
	}
	turn.CreatedAt = time.UnixMilli(createdMS)
	return turn, nil
}

func (s *SQLiteStore) recent(ctx context.Context, limit int, txnID string) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, content, created_at_ms
FROM turns
WHERE committed = 1 OR (? <> '' AND txn_id = ?)
ORDER BY id DESC
LIMIT ?`, txnID, txnID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list recent turns: %w", ErrPersistence, err)
	}
	defer rows.Close()

	out, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	out := make([]Turn, 0)
	for rows.Next() {
		var t Turn
		var role string
		var createdMS int64
		if err := rows.Scan(&t.ID, &role, &t.Content, &createdMS); err != nil {
			return nil, fmt.Errorf("%w: scan turn: %w", ErrPersistence, err)
		}
		t.Role = Role(strings.TrimSpace(role))
		t.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate turns: %w", ErrPersistence, err)
	}
	return out, nil
}

type sqliteTx struct {
	store *SQLiteStore
	id    string

	mu        sync.Mutex
	appended  int64
	committed bool
	done      bool
}

func (t *sqliteTx) ID() string { return t.id }

func (t *sqliteTx) Append(ctx context.Context, role Role, content string) (Turn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return Turn{}, fmt.Errorf("append turn: %w", ErrTxDone)
	}
	turn, err := t.store.insert(ctx, role, content, t.id, false)
	if err != nil {
		return Turn{}, err
	}
	t.appended++
	if t.appended > 1 {
		if _, err := t.store.db.ExecContext(ctx, `UPDATE turns SET lease_until_ms = ? WHERE txn_id = ? AND committed = 0`,
			t.store.now().Add(t.store.lease).UnixMilli(), t.id); err != nil {
			return Turn{}, fmt.Errorf("%w: renew pending lease: %w", ErrPersistence, err)
		}
	}
	return turn, nil
}

func (t *sqliteTx) Recent(ctx context.Context, limit int) ([]Turn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, fmt.Errorf("list recent turns: %w", ErrTxDone)
	}
	return t.store.recent(ctx, limit, t.id)
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("commit: %w", ErrTxDone)
	}
	if err := t.publish(ctx); err != nil {
		return err
	}
	t.done = true
	t.committed = true
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return nil
	}
	if _, err := t.store.db.ExecContext(ctx, `DELETE FROM turns WHERE txn_id = ? AND committed = 0`, t.id); err != nil {
		return fmt.Errorf("%w: rollback turns: %w", ErrPersistence, err)
	}
	t.done = true
	return nil
}

// publish flips every pending row of the unit in one database transaction.
// If any of them has gone missing nothing is published.
func (t *sqliteTx) publish(ctx context.Context) error {
	dbTx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: commit turns: %w", ErrPersistence, err)
	}
	defer func() { _ = dbTx.Rollback() }()

	res, err := dbTx.ExecContext(ctx, `UPDATE turns SET committed = 1, lease_until_ms = 0 WHERE txn_id = ? AND committed = 0`, t.id)
	if err != nil {
		return fmt.Errorf("%w: commit turns: %w", ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: commit turns: %w", ErrPersistence, err)
	}
	if n != t.appended {
		return fmt.Errorf("%w: commit turns: %d of %d pending turns left", ErrPersistence, n, t.appended)
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit turns: %w", ErrPersistence, err)
	}
	return nil
}
