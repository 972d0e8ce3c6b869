// Package storage provides PostgreSQL-backed persistence for the screentest
// domain: the experiment catalog, run queue, provider call ledger, metric
// results, and human comparison tasks. All uniqueness and lifecycle
// invariants are enforced by database constraints; the Go layer maps
// constraint violations onto domain sentinel errors.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	// PostgreSQL driver registration.
	_ "github.com/lib/pq"

	"github.com/screentest-io/screentest/internal/config"
)

const (
	// postgresDriver is the database/sql driver name used for all connections.
	postgresDriver = "postgres"

	// connectTimeout bounds the initial reachability ping in NewConnection.
	connectTimeout = 10 * time.Second

	// healthCheckTimeout bounds a single HealthCheck ping.
	healthCheckTimeout = 5 * time.Second
)

var (
	// ErrNoDatabaseConnection is returned when a store is constructed with a
	// nil connection.
	ErrNoDatabaseConnection = errors.New("database connection cannot be nil")

	// ErrNilConfig is returned when NewConnection receives a nil config.
	ErrNilConfig = errors.New("storage config cannot be nil")
)

// Connection wraps a PostgreSQL connection pool with configured limits.
//
// The DB field is exported for callers that need the raw pool, primarily
// test migration runners. Application code should go through the store
// types, not the pool.
type Connection struct {
	DB     *sql.DB
	config *Config
	logger *slog.Logger
}

// NewConnection opens a PostgreSQL connection pool, applies the pool limits
// from config, and verifies reachability with a bounded ping.
//
// The returned connection is ready for store construction. The caller owns
// the connection lifecycle and must Close it on shutdown.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(postgresDriver, cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Database connection established",
		"database_url", cfg.MaskDatabaseURL(),
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
	)

	return &Connection{
		DB:     db,
		config: cfg,
		logger: logger,
	}, nil
}

// BeginTx starts a transaction with the given options.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.DB.BeginTx(ctx, opts)
}

// ExecContext executes a statement without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.DB.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// HealthCheck verifies the database is reachable within healthCheckTimeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close closes the connection pool. Safe to call on a connection whose pool
// was never opened.
func (c *Connection) Close() error {
	if c.DB == nil {
		return nil
	}

	c.logger.Info("Closing database connection")

	return c.DB.Close()
}
