// Package postgres opens the releaser's run database and applies its schema.
//
// The database holds run records, the deploy lease, the pipeline event log and
// the operator audit trail. It is optional: with DBSCHED_DATABASE_URL unset
// the releaser keeps runs in process memory, loses them on restart and can
// only serialize deploys within a single process.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/animus-labs/dbschedule/internal/platform/env"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotConfigured is returned by Open when no database URL is set.
var ErrNotConfigured = errors.New("DBSCHED_DATABASE_URL is not set")

type Config struct {
	// URL empty selects the in-memory stores.
	URL         string
	PingTimeout time.Duration
	// Migrate applies the schema on startup. Turn it off when migrations
	// are run out of band.
	Migrate bool

	// The releaser writes from the run loop, release controllers and the
	// API, so a small pool is enough.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func ConfigFromEnv() (Config, error) {
	pingTimeout, err := env.Duration("DBSCHED_DATABASE_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	migrate, err := env.Bool("DBSCHED_DATABASE_MIGRATE", true)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := env.Int("DBSCHED_DATABASE_MAX_OPEN_CONNS", 6)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := env.Int("DBSCHED_DATABASE_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := env.Duration("DBSCHED_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	connMaxIdleTime, err := env.Duration("DBSCHED_DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:             env.String("DBSCHED_DATABASE_URL", ""),
		PingTimeout:     pingTimeout,
		Migrate:         migrate,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether a database is configured.
func (c Config) Enabled() bool { return c.URL != "" }

// Validate checks the connection settings. Pool tunables are ignored when no
// database is configured.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return errors.New("DBSCHED_DATABASE_URL must be a postgres:// URL")
	}
	if c.PingTimeout <= 0 {
		return errors.New("DBSCHED_DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("DBSCHED_DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("DBSCHED_DATABASE_MAX_IDLE_CONNS must be between 0 and DBSCHED_DATABASE_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("DBSCHED_DATABASE_CONN_MAX_LIFETIME and DBSCHED_DATABASE_CONN_MAX_IDLE_TIME must be >= 0")
	}
	return nil
}

// Target names the database for logs without its password.
func (c Config) Target() string {
	if !c.Enabled() {
		return "memory"
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return "postgres"
	}
	return u.Redacted()
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping run database %s: %w", cfg.Target(), err)
	}

	if cfg.Migrate {
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
