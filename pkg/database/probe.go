// Package database tracks which database replicas of the cluster are active.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Database errors
var (
	ErrNoLocalDatabase = errors.New("local database id is required")
	ErrUnknownDatabase = errors.New("unknown database")
)

// Pinger checks connectivity to one database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PGProbe checks a PostgreSQL replica through a small connection pool.
type PGProbe struct {
	pool *pgxpool.Pool
}

// NewPGProbe creates a probe for dsn. The pool connects lazily, so a replica
// that is down at startup does not fail construction.
func NewPGProbe(ctx context.Context, dsn string) (*PGProbe, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 2
	config.MinConns = 0
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &PGProbe{pool: pool}, nil
}

// Ping checks database connectivity
func (p *PGProbe) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InRecovery reports whether the replica is a standby.
func (p *PGProbe) InRecovery(ctx context.Context) (bool, error) {
	var standby bool
	if err := p.pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&standby); err != nil {
		return false, fmt.Errorf("failed to query recovery state: %w", err)
	}
	return standby, nil
}

// Close closes the database connection pool
func (p *PGProbe) Close() error {
	p.pool.Close()
	return nil
}
