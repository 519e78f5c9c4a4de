package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConnectionPool manages database connections
type ConnectionPool struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewConnectionPool creates a new database connection pool
func NewConnectionPool(ctx context.Context, config *Config, logger *slog.Logger) (*ConnectionPool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.Database,
		config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctxTest, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctxTest); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connected successfully",
		slog.String("host", config.Host),
		slog.String("database", config.Database),
	)

	return &ConnectionPool{
		db:     db,
		logger: logger,
	}, nil
}

// GetDB returns the underlying sql.DB connection
func (cp *ConnectionPool) GetDB() *sql.DB {
	return cp.db
}

// Close closes the database connection
func (cp *ConnectionPool) Close() error {
	if cp.db != nil {
		return cp.db.Close()
	}
	return nil
}

// Health checks the database health
func (cp *ConnectionPool) Health(ctx context.Context) error {
	ctxTest, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return cp.db.PingContext(ctxTest)
}

// Migrate applies the schema. Statements are idempotent so startup can run
// this unconditionally.
func (cp *ConnectionPool) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := cp.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	cp.logger.Info("schema up to date")
	return nil
}

// The partial unique index on leases is the occupancy invariant: at most one
// active lease per unit, arbitrated by the database under concurrent writers.
// The partial unique index on payments keys callback correlation.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS units (
		id           TEXT PRIMARY KEY,
		landlord_id  TEXT NOT NULL,
		monthly_rent BIGINT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'vacant'
			CHECK (status IN ('vacant', 'occupied', 'maintenance', 'unavailable')),
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS leases (
		id                 TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		unit_id            TEXT NOT NULL REFERENCES units (id),
		landlord_id        TEXT NOT NULL,
		start_date         TIMESTAMPTZ NOT NULL,
		end_date           TIMESTAMPTZ NOT NULL,
		monthly_rent       BIGINT NOT NULL,
		deposit_amount     BIGINT NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'active', 'terminated', 'expired')),
		move_in_date       TIMESTAMPTZ,
		move_out_date      TIMESTAMPTZ,
		termination_reason TEXT NOT NULL DEFAULT '',
		notes              TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (end_date > start_date)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS leases_one_active_per_unit
		ON leases (unit_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS payments (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT NOT NULL,
		unit_id             TEXT NOT NULL REFERENCES units (id),
		lease_id            TEXT NOT NULL REFERENCES leases (id),
		amount              BIGINT NOT NULL,
		phone_number        TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'successful', 'failed')),
		merchant_request_id TEXT NOT NULL DEFAULT '',
		checkout_request_id TEXT NOT NULL DEFAULT '',
		receipt_number      TEXT NOT NULL DEFAULT '',
		notes               TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_checkout_request_id
		ON payments (checkout_request_id) WHERE checkout_request_id <> ''`,
	`CREATE INDEX IF NOT EXISTS leases_tenant_unit
		ON leases (tenant_id, unit_id)`,
	`CREATE INDEX IF NOT EXISTS leases_active_end_date
		ON leases (end_date) WHERE status = 'active'`,
}
