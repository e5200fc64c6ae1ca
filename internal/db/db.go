// Package db provides the relational store for device and polling
// configuration. The driver is selected from the DATABASE_URL scheme:
// postgres:// DSNs use lib/pq, anything else is treated as a SQLite
// path or file: DSN.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS modbus_devices (
		device_id   VARCHAR(50) PRIMARY KEY,
		host        VARCHAR(100) NOT NULL,
		port        INTEGER NOT NULL,
		slave_id    INTEGER NOT NULL,
		timeout     INTEGER NOT NULL DEFAULT 10,
		framer      VARCHAR(20) NOT NULL DEFAULT 'RTU',
		max_retries INTEGER NOT NULL DEFAULT 5,
		retry_delay REAL NOT NULL DEFAULT 0.1,
		is_active   BOOLEAN NOT NULL DEFAULT 1,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS polling_targets (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id     VARCHAR(50) NOT NULL,
		register_type VARCHAR(20) NOT NULL,
		address       INTEGER NOT NULL,
		count         INTEGER NOT NULL,
		is_active     BOOLEAN NOT NULL DEFAULT 1,
		description   VARCHAR(200) NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_polling_targets_device_id
		ON polling_targets(device_id);
`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS modbus_devices (
		device_id   VARCHAR(50) PRIMARY KEY,
		host        VARCHAR(100) NOT NULL,
		port        INTEGER NOT NULL,
		slave_id    INTEGER NOT NULL,
		timeout     INTEGER NOT NULL DEFAULT 10,
		framer      VARCHAR(20) NOT NULL DEFAULT 'RTU',
		max_retries INTEGER NOT NULL DEFAULT 5,
		retry_delay DOUBLE PRECISION NOT NULL DEFAULT 0.1,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS polling_targets (
		id            SERIAL PRIMARY KEY,
		device_id     VARCHAR(50) NOT NULL,
		register_type VARCHAR(20) NOT NULL,
		address       INTEGER NOT NULL,
		count         INTEGER NOT NULL,
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		description   VARCHAR(200) NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_polling_targets_device_id
		ON polling_targets(device_id);
`

// Store wraps the SQL connection and exposes the CRUD surface used by
// the API layer and the poller.
type Store struct {
	db     *sql.DB
	driver string
	echo   bool
	logger zerolog.Logger
}

// Open connects to the database named by url and initializes the schema.
func Open(url string, echo bool, logger zerolog.Logger) (*Store, error) {
	driver := driverSQLite
	dsn := url
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = driverPostgres
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == driverSQLite {
		// A single writer avoids SQLITE_BUSY under concurrent access.
		conn.SetMaxOpenConns(1)
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &Store{
		db:     conn,
		driver: driver,
		echo:   echo,
		logger: logger.With().Str("component", "db").Str("driver", driver).Logger(),
	}

	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	s.logger.Info().Msg("Database ready")
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.DependencyError("database unreachable", err)
	}
	return nil
}

// HealthCheck implements the health.Checker interface.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.Ping(ctx)
}

// initSchema creates the tables if they do not exist.
func (s *Store) initSchema() error {
	schema := sqliteSchema
	if s.driver == driverPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	query = s.rebind(query)
	if s.echo {
		s.logger.Debug().Str("sql", query).Msg("exec")
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	query = s.rebind(query)
	if s.echo {
		s.logger.Debug().Str("sql", query).Msg("query")
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	query = s.rebind(query)
	if s.echo {
		s.logger.Debug().Str("sql", query).Msg("query row")
	}
	return s.db.QueryRowContext(ctx, query, args...)
}

// now returns the UTC timestamp stored in created_at/updated_at columns.
func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
