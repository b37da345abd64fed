// Package store persists transactions, sessions and the seller catalog in a
// single embedded SQLite database. Each record type is exclusively owned by
// this package; callers borrow read/update handles per operation and never
// cache authoritative state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when an insert hits a uniqueness
	// constraint. Settlement callers treat this as the benign insert race
	// and re-read the winning row.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrSessionEnded is returned on attempts to mutate a session whose
	// status is terminal.
	ErrSessionEnded = errors.New("session already ended")
)

// Store wraps the shared process-wide database connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and initializes
// the schema. WAL mode keeps the relay and the HTTP path from starving each
// other on writes.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL UNIQUE,
		seller_id TEXT NOT NULL,
		buyer_address TEXT NOT NULL,
		price INTEGER NOT NULL,
		network_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		requirement_json TEXT NOT NULL,
		settlement_id TEXT,
		space_id TEXT,
		thread_id TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		error_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL UNIQUE,
		space_id TEXT,
		thread_id TEXT,
		status TEXT NOT NULL,
		start_at INTEGER,
		end_at INTEGER,
		end_reason TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		participants_json TEXT NOT NULL DEFAULT '{}',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(thread_id) WHERE thread_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS sellers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seller_id TEXT NOT NULL UNIQUE,
		pay_to_address TEXT NOT NULL,
		price_evm_minimal INTEGER NOT NULL,
		price_tron_minimal INTEGER,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sellers_address ON sellers(pay_to_address);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}
