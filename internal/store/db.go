// Package store implements the coordinator's persistence layer: SQLite repos
// for nodes, sessions, routes, and metrics, plus TTL read caches.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// OpenDB opens (or creates) a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// Store bundles the repos backed by a single coordinator database.
type Store struct {
	db       *sql.DB
	Nodes    *NodeRepo
	Sessions *SessionRepo
	Routes   *RouteRepo
	Metrics  *MetricsRepo
}

// Open opens the coordinator database at path, applies migrations, and
// returns the repo bundle.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{
		db:       db,
		Nodes:    NewNodeRepo(db),
		Sessions: NewSessionRepo(db),
		Routes:   NewRouteRepo(db),
		Metrics:  NewMetricsRepo(db),
	}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
