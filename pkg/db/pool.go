// Package db provides database/sql connection pooling for the persistence
// and history stores. The archival workers get their own pool so a slow
// history database cannot starve the dispatch-path saves.
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
)

// PoolConfig configures a connection pool.
type PoolConfig struct {
	// DSN is the database connection string.
	DSN string

	// DriverName selects the database/sql driver ("sqlite3", "postgres",
	// "pgx").
	DriverName string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be
	// reused.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be
	// idle.
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns sensible pool defaults for a DSN and driver.
func DefaultPoolConfig(dsn, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Pool wraps a *sql.DB with validated construction.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// NewPool creates a connection pool and verifies connectivity before
// returning.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.DSN == "" {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "DSN cannot be empty"}
	}
	if config.DriverName == "" {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "DriverName cannot be empty"}
	}
	if config.MaxOpenConns <= 0 {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "MaxOpenConns must be positive"}
	}
	if config.MaxIdleConns < 0 || config.MaxIdleConns > config.MaxOpenConns {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns must be between 0 and MaxOpenConns"}
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Pool{db: db, config: config}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB {
	if p == nil || p.db == nil {
		panic("pool not initialized")
	}
	return p.db
}

// DriverName returns the configured driver name.
func (p *Pool) DriverName() string {
	return p.config.DriverName
}

// Close closes the pool.
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return &core.Error{Code: "INVALID_STATE", Message: "pool already closed"}
	}
	return p.db.Close()
}

// Ping tests connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.db == nil {
		return &core.Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.PingContext(ctx)
}

// Stats returns pool statistics for the metrics exporter.
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}
