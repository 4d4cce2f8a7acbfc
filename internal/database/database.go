// Package database owns the store connection and the dialect-specific
// details the repositories should not care about.
package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mailbridge-io/mailbridge/internal/config"
	"github.com/mailbridge-io/mailbridge/internal/faults"
)

// DB wraps the sqlx handle with the configured driver name so dialect
// branches stay in this package.
type DB struct {
	*sqlx.DB
	driver string
}

// Open connects to the configured store and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, fmt.Errorf("open %s: %w", cfg.Driver, err))
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, faults.Wrap(faults.KindConnectivity, fmt.Errorf("ping %s: %w", cfg.Driver, err))
	}

	return &DB{DB: db, driver: cfg.Driver}, nil
}

// NewWithDB wraps an already-open connection. Tests and tooling use this to
// inject mock handles.
func NewWithDB(db *sqlx.DB, driver string) *DB {
	return &DB{DB: db, driver: driver}
}

// Driver returns the configured driver name.
func (d *DB) Driver() string { return d.driver }

// IsPostgres reports whether the store speaks the Postgres dialect.
func (d *DB) IsPostgres() bool { return d.driver == "postgres" }

// IsMySQL reports whether the store speaks the MySQL dialect.
func (d *DB) IsMySQL() bool { return d.driver == "mysql" }

// IsSQLite reports whether the store is SQLite.
func (d *DB) IsSQLite() bool { return d.driver == "sqlite3" }
