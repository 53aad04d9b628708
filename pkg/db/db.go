package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"

	"papertrader/internal/domain"
)

// Store wraps the SQLite handle and owns the transactional scope. The
// process opens one Store and holds it for its lifetime; mutations serialize
// through one transaction at a time (single-writer hot path).
type Store struct {
	db   *sql.DB
	path string

	// writer is held by the outermost Transaction scope. Nested Transaction
	// calls made from inside a scope run as savepoints on the same *sql.Tx
	// and do not reacquire it.
	writer sync.Mutex

	mu     sync.Mutex
	tx     *sql.Tx
	depth  int
	closed bool
}

// Open creates (if needed) and opens the SQLite database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path is empty", domain.ErrLifecycle)
	}

	name := path
	if path == ":memory:" {
		name = "file::memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := name + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1) // SQLite prefers a single writer.
	handle.SetConnMaxLifetime(time.Hour)

	return &Store{db: handle, path: path}, nil
}

// Close releases the underlying handle. Further use fails with a lifecycle
// error.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// Path returns the filesystem location the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// dbtx is the common surface of *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the active transaction if one is open, else the raw handle.
// Reads may run either way; writes must run inside Transaction.
func (s *Store) conn() (dbtx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store is closed", domain.ErrLifecycle)
	}
	if s.tx != nil {
		return s.tx, nil
	}
	return s.db, nil
}

// Transaction runs fn inside a transactional scope. The outermost call
// begins a real transaction; nested calls open named savepoints (sp_0,
// sp_1, ...) on the same transaction, so a failed inner step rolls back only
// its own scope. Commit happens on clean return, rollback on error or panic.
//
// Nesting is detected by the presence of an open transaction, not by the
// calling goroutine: a nested call must come from inside the function running
// the outer scope. A second goroutine calling Transaction while another scope
// is open would join that scope as a savepoint instead of waiting for it, so
// all writes go through the single executor that owns the store.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: store is closed", domain.ErrLifecycle)
	}
	nested := s.tx != nil
	s.mu.Unlock()

	if nested {
		return s.savepoint(ctx, fn)
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}

	s.mu.Lock()
	s.tx = tx
	s.depth = 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.tx = nil
		s.depth = 0
		s.mu.Unlock()

		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = translateErr(commitErr)
		}
	}()

	err = fn(ctx)
	return err
}

// savepoint wraps fn in a named savepoint on the already-open transaction.
func (s *Store) savepoint(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	s.mu.Lock()
	tx := s.tx
	name := fmt.Sprintf("sp_%d", s.depth)
	s.depth++
	s.mu.Unlock()

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return translateErr(err)
	}

	defer func() {
		s.mu.Lock()
		s.depth--
		s.mu.Unlock()

		if p := recover(); p != nil {
			_, _ = tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
			panic(p)
		}
		if err != nil {
			_, _ = tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
			_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
			return
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			err = translateErr(relErr)
		}
	}()

	err = fn(ctx)
	return err
}

// translateErr maps driver errors onto the domain taxonomy. Constraint
// violations become ErrIntegrity; everything else passes through.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == 19 { // SQLITE_CONSTRAINT
		return fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}
	return err
}
