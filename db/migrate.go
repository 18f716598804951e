package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Schema files live in migrations/ as NNNNNN_name.up.sql / .down.sql pairs.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrator wraps a migrate instance bound to an open database. It is never
// closed: closing it would close the caller's *sql.DB.
type migrator struct{ m *migrate.Migrate }

func newMigrator(db *sql.DB) (*migrator, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return &migrator{m: m}, nil
}

// version reports the applied version; 0 when nothing is applied. A dirty
// schema is an error.
func (mg *migrator) version() (uint, error) {
	v, dirty, err := mg.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return v, fmt.Errorf("schema dirty at version %d, fix it by hand and force the version", v)
	}
	return v, nil
}

// apply runs step and logs the resulting version. ErrNoChange is success.
func (mg *migrator) apply(action string, step func() error) error {
	err := step()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", action, err)
	}
	v, verr := mg.version()
	if verr != nil {
		return verr
	}
	slog.Info("schema "+action,
		slog.Uint64("version", uint64(v)),
		slog.Bool("changed", err == nil),
		slog.String("component", "db_migrate"))
	return nil
}

// RunMigrations applies every pending migration. Concurrent callers are
// serialized by the driver's advisory lock, so it is safe at every startup.
func RunMigrations(db *sql.DB) error {
	mg, err := newMigrator(db)
	if err != nil {
		return err
	}
	return mg.apply("migrate up", mg.m.Up)
}

// Rollback reverts the most recent migration. Rolling back the first one
// drops the tokens and overlay_messages tables.
func Rollback(db *sql.DB) error {
	mg, err := newMigrator(db)
	if err != nil {
		return err
	}
	return mg.apply("rollback", func() error { return mg.m.Steps(-1) })
}

// SchemaVersion returns the applied migration version, 0 for an empty schema.
func SchemaVersion(db *sql.DB) (uint, error) {
	mg, err := newMigrator(db)
	if err != nil {
		return 0, err
	}
	return mg.version()
}
