package repository

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/logger"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// openMigrator builds a migrator on its own connection pool so closing it
// never closes the application's gorm handle.
func openMigrator(cfg *config.DatabaseConfig) (*migrate.Migrate, error) {
	var (
		sqlDB  *sql.DB
		driver database.Driver
		dir    string
		err    error
	)

	switch cfg.Driver {
	case "postgres":
		dir = "migrations/postgres"
		// "pgx" is registered by the gorm postgres driver
		if sqlDB, err = sql.Open("pgx", cfg.DSN()); err != nil {
			return nil, fmt.Errorf("open migration connection: %w", err)
		}
		driver, err = postgres.WithInstance(sqlDB, &postgres.Config{})
	default:
		dir = "migrations/sqlite"
		if sqlDB, err = sql.Open("sqlite3", cfg.DSN()); err != nil {
			return nil, fmt.Errorf("open migration connection: %w", err)
		}
		driver, err = sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	}
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init migration driver: %w", err)
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, cfg.Driver, driver)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, nil
}

// Migrate applies all pending migrations. It is a no-op when the schema is current.
// Parameters:
//   - cfg: database configuration used to open the migration connection.
// Returns:
//   - error: non-nil if any migration fails or the schema is dirty.
func Migrate(cfg *config.DatabaseConfig) error {
	m, err := openMigrator(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	logger.Info("Database schema ready: version=%d", version)
	return nil
}

// ResetSchema drops every table by running all down migrations, then
// recreates the schema.
func ResetSchema(cfg *config.DatabaseConfig) error {
	m, err := openMigrator(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("drop schema: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("recreate schema: %w", err)
	}
	return nil
}
