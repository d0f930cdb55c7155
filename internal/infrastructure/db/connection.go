// Package db owns the PostgreSQL connection pool and repository wiring.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/candlekeep/candlekeep/internal/persistence"
	"github.com/candlekeep/candlekeep/internal/persistence/postgres"
)

// Config holds database connection configuration
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// DefaultConfig returns reasonable defaults for database connections
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		RetryBackoff:    30 * time.Second,
	}
}

// Manager manages the database connection and repository instances
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
}

// NewManager opens the pool, verifies connectivity and wires repositories.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 30 * time.Second
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 30 * time.Second
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repos := &persistence.Repository{
		Bars:   postgres.NewBarsRepo(db, config.QueryTimeout),
		Jobs:   postgres.NewJobsRepo(db, config.QueryTimeout),
		Chunks: postgres.NewChunksRepo(db, config.QueryTimeout, config.RetryBackoff),
		Runs:   postgres.NewRunsRepo(db, config.QueryTimeout),
	}

	return &Manager{db: db, config: config, repos: repos}, nil
}

// Repos returns the wired repository bundle.
func (m *Manager) Repos() *persistence.Repository { return m.repos }

// Ping verifies connectivity for health checks.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Close releases the connection pool.
func (m *Manager) Close() error { return m.db.Close() }
