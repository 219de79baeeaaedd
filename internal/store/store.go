// Package store is the relational source of truth: the device registry, the
// append-only level log, groups, control bindings, gate sites and the
// operation log. It runs on DuckDB through database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/sweeney/floodgate/internal/logging"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database handle.
type Store struct {
	db  *sql.DB
	now func() time.Time

	// gateMu serializes gate status writes.
	gateMu sync.Mutex
}

// Open opens (or creates) the DuckDB file at path and applies the schema.
// An empty path opens a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if path == "" {
		// Every pooled connection must see the same in-memory catalog
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logging.Info().Str("path", path).Msg("store opened")
	return s, nil
}

// New applies the schema to an existing handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for collaborators sharing the database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS seq_device START 1`,
	`CREATE TABLE IF NOT EXISTS water_level_device (
		id BIGINT PRIMARY KEY DEFAULT nextval('seq_device'),
		ip VARCHAR NOT NULL UNIQUE,
		model VARCHAR NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		name VARCHAR NOT NULL DEFAULT '',
		location VARCHAR NOT NULL DEFAULT '',
		threshold DOUBLE NOT NULL DEFAULT 0,
		ground_value INTEGER NOT NULL DEFAULT 0,
		water_level DOUBLE NOT NULL DEFAULT 0,
		last_data_time TIMESTAMP,
		use_status BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE SEQUENCE IF NOT EXISTS seq_level_log START 1`,
	`CREATE TABLE IF NOT EXISTS water_level_log (
		id BIGINT PRIMARY KEY DEFAULT nextval('seq_level_log'),
		device_ip VARCHAR NOT NULL,
		water_level DOUBLE NOT NULL,
		source_type VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS water_level_group (
		id BIGINT PRIMARY KEY,
		name VARCHAR NOT NULL,
		threshold_mode VARCHAR NOT NULL DEFAULT 'OR'
	)`,
	`CREATE TABLE IF NOT EXISTS water_level_group_member (
		group_id BIGINT NOT NULL,
		device_id BIGINT NOT NULL,
		role VARCHAR NOT NULL DEFAULT 'member',
		PRIMARY KEY (group_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS auto_control_binding (
		water_level_id BIGINT NOT NULL,
		site_id BIGINT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		control_mode VARCHAR NOT NULL DEFAULT 'individual',
		PRIMARY KEY (water_level_id, site_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gate_site (
		site_id BIGINT PRIMARY KEY,
		name VARCHAR NOT NULL DEFAULT '',
		gate_ip VARCHAR NOT NULL,
		gate_status VARCHAR NOT NULL DEFAULT 'open',
		controller_model VARCHAR NOT NULL DEFAULT 'standard',
		speaker_ip VARCHAR NOT NULL DEFAULT ''
	)`,
	`CREATE SEQUENCE IF NOT EXISTS seq_operation_log START 1`,
	`CREATE TABLE IF NOT EXISTS operation_log (
		id BIGINT PRIMARY KEY DEFAULT nextval('seq_operation_log'),
		run_id VARCHAR NOT NULL,
		category VARCHAR NOT NULL,
		action VARCHAR NOT NULL,
		target VARCHAR NOT NULL,
		result VARCHAR NOT NULL,
		detail VARCHAR NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
