// Package storage implements the durable storage engine: Postgres-backed
// repositories for tenants, accounts, messages, events, command log, and
// instance configuration (spec.md §3, §4.1).
package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps a Postgres connection pool and exposes one repository-style
// method set per entity, mirroring the teacher's per-entity repo split in
// internal/repository/postgres but collapsed onto a single struct since
// the entities here are small and share one transaction-heavy workflow
// (event insertion mutating message state).
type Store struct {
	db *sql.DB
}

// Open connects to Postgres using dsn and applies the pool tuning the
// caller has configured (config.DatabaseConfig).
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, used by tests to inject a sqlmock DB.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func nowUnix() int64 { return time.Now().Unix() }
