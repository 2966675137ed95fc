package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/cuemby/bunflare/pkg/log"
)

// Store owns the shared SQLite database and the on-disk object root used by
// the R2 binding. It is opened once per process and handed to every binding
// that needs persistence.
type Store struct {
	db   *sql.DB
	root string

	doMu  sync.Mutex
	doDBs map[string]*sql.DB
}

// Open opens (creating if necessary) the database at <root>/data.sqlite in
// WAL journal mode, runs the idempotent schema migrations, and returns a
// ready Store. root is also where the R2 object body tree and per-DO SQL
// databases live.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}

	dbPath := filepath.Join(root, "data.sqlite")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}
	// The shared substrate is treated as a single writer; one connection
	// avoids SQLITE_BUSY from concurrent writers fighting over the WAL.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, root: root, doDBs: make(map[string]*sql.DB)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	log.WithComponent("storage").Info().Str("path", dbPath).Msg("storage substrate opened")
	return s, nil
}

// DB returns the shared database handle. Binding packages issue their own
// statements against it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// ObjectRoot returns the directory R2 stores object bodies and in-progress
// multipart parts under.
func (s *Store) ObjectRoot() string {
	return filepath.Join(s.root, "r2-objects")
}

// DOStorage returns the lazily-opened per-instance SQLite database for a
// Durable Object, opening it on first access (no schema is applied to it)
// and reusing the handle for subsequent calls with the same class/instance.
func (s *Store) DOStorage(class, instanceID string) (*sql.DB, error) {
	key := class + "/" + instanceID

	s.doMu.Lock()
	defer s.doMu.Unlock()

	if db, ok := s.doDBs[key]; ok {
		return db, nil
	}

	dir := filepath.Join(s.root, "do-sql", class)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create DO storage dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, instanceID+".db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("storage: open DO database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s.doDBs[key] = db
	return db, nil
}

// Close closes the shared database and every opened per-DO database.
func (s *Store) Close() error {
	s.doMu.Lock()
	defer s.doMu.Unlock()

	var firstErr error
	for key, db := range s.doDBs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: close DO database %s: %w", key, err)
		}
	}
	s.doDBs = make(map[string]*sql.DB)

	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("storage: close substrate: %w", err)
	}
	return firstErr
}
