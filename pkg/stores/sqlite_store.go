package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements RiskStore using SQLite in WAL mode, with one
// BEGIN IMMEDIATE transaction per counter mutation so concurrent
// increments against the same key serialize rather than lost-update.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration. NewSQLiteStore fills in
// defaults for MaxOpenConns, MaxIdleConns and ConnMaxLifetime, but the
// store does not keep them: Init always sets 25 open connections, 5
// idle connections and a 5-minute connection lifetime.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite-backed risk store instance. Call
// Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init opens the database connection, enables WAL mode, and runs
// pending migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return err
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs the embedded risk_counters migration.
func (s *SQLiteStore) migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// IncrementAndGet applies the windowed-reset rule and then increments
// the (tenant, bucket) counter by delta, all inside a single BEGIN
// IMMEDIATE transaction.
func (s *SQLiteStore) IncrementAndGet(ctx context.Context, tenant, bucket string, windowSec int64, delta int64, now int64) (IncrementResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count, windowStart int64
	err = tx.QueryRowContext(ctx,
		`SELECT count, window_start_epoch FROM risk_counters WHERE tenant = ? AND bucket = ?`,
		tenant, bucket,
	).Scan(&count, &windowStart)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		count, windowStart = 0, now
	case err != nil:
		return IncrementResult{}, fmt.Errorf("failed to read risk counter: %w", err)
	}

	reset := false
	if windowSec > 0 && now-windowStart >= windowSec {
		count, windowStart = 0, now
		reset = true
	}

	count += delta

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO risk_counters (tenant, bucket, count, window_start_epoch) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant, bucket) DO UPDATE SET count = excluded.count, window_start_epoch = excluded.window_start_epoch`,
		tenant, bucket, count, windowStart,
	); err != nil {
		return IncrementResult{}, fmt.Errorf("failed to upsert risk counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return IncrementResult{}, fmt.Errorf("failed to commit risk counter update: %w", err)
	}

	return IncrementResult{
		Tenant:           tenant,
		Bucket:           bucket,
		Count:            count,
		WindowStartEpoch: windowStart,
		Reset:            reset,
	}, nil
}

// Get returns the current persisted counter without mutating it.
func (s *SQLiteStore) Get(ctx context.Context, tenant, bucket string) (Counter, error) {
	var c Counter
	c.Tenant, c.Bucket = tenant, bucket

	err := s.db.QueryRowContext(ctx,
		`SELECT count, window_start_epoch FROM risk_counters WHERE tenant = ? AND bucket = ?`,
		tenant, bucket,
	).Scan(&c.Count, &c.WindowStartEpoch)

	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("failed to get risk counter: %w", err)
	}
	return c, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
