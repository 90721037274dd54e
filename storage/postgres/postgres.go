// Package postgres implements storage.Backend on PostgreSQL using pgx.
//
// The schema is embedded and applied by Migrate. Atomic operations are single
// statements: a grant is marked used by an UPDATE guarded on used = false
// and expires_at, and a token is consumed by DELETE ... RETURNING. Postgres
// row locking serializes concurrent callers so at most one sees a row.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/storage"
)

const (
	backendName = "postgres"

	connectionVerifyTimeout = 5 * time.Second
)

//go:embed schema.sql
var schema string

// Config holds configuration for the Postgres storage backend.
type Config struct {
	// DSN is a libpq connection string or postgres:// URL (required)
	DSN string

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Postgres-backed storage.Backend.
type Store struct {
	pool            *pgxpool.Pool
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface check
var _ storage.Backend = (*Store)(nil)

// New opens a connection pool and verifies connectivity. It does not create
// tables; call Migrate for that.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger.Info("Connected to Postgres storage",
		"host", pcfg.ConnConfig.Host,
		"database", pcfg.ConnConfig.Database)

	return &Store{pool: pool, logger: logger}, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage spans and metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}
