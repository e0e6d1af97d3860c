// Package storage provides the durable state layer for the pipeline.
//
// The matcher is the only stateful stage: it must remember, across restarts,
// which artifact keys have been dispatched and with what etag-set, so that
// identical re-uploads are suppressed and changed re-uploads get a fresh
// submission identifier. That state lives in PostgreSQL behind MatchStore.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/climb-tre/conduit/internal/config"
)

// Connection wraps a pooled database handle with configured limits.
type Connection struct {
	db     *sql.DB
	logger *slog.Logger
}

// Connect opens a pooled PostgreSQL connection and verifies it with a ping.
func Connect(ctx context.Context, cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to database",
		slog.String("url", cfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)

	return &Connection{db: db, logger: logger}, nil
}

// NewConnection wraps an existing database handle. Used by tests that manage
// their own container lifecycle.
func NewConnection(db *sql.DB) *Connection {
	return &Connection{
		db: db,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// ExecContext executes a statement without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// Close closes the connection pool gracefully. Safe to call multiple times.
func (c *Connection) Close() error {
	if c.db != nil {
		return c.db.Close()
	}

	return nil
}
