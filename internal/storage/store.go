// Package storage defines the unified Store that persists Session Records and
// Execution Records. Four drivers are provided: SQLite (default, zero-config),
// PostgreSQL (shared across instances), Redis (with record retention) and an
// in-memory store for tests and single-shot CLI use.
package storage

import (
	"context"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/session"
)

// Store is the unified persistence interface.
// It provides access to the domain-specific sub-stores through accessor methods.
type Store interface {
	Sessions() session.Store
	Executions() execution.Store

	// Ping checks the backend connection for readiness checks.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres", "redis" or "memory"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from the data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"` // Default: "shellbox:"
	// RecordTTLS expires finished execution records after this many seconds. 0 = keep.
	RecordTTLS int `json:"record_ttl_s" yaml:"record_ttl_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// ValidDriver reports whether name is a known driver.
func ValidDriver(name string) bool {
	switch name {
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMemory:
		return true
	}
	return false
}
