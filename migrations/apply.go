package migrations

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Apply idempotently brings db up to the latest embedded schema version.
// It is safe to call on every process start: an already-current schema
// reports migrate.ErrNoChange, which Apply treats as success.
func Apply(db *sql.DB, migrationTable string) error {
	schema := NewEmbeddedMigration(nil)
	if err := schema.ValidateEmbeddedMigrations(); err != nil {
		return fmt.Errorf("embedded migration validation failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationTable})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(schema.GetEmbeddedMigrations(), ".")
	if err != nil {
		return fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}
