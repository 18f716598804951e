package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openMigrationDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping migration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func cleanDatabase(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	for _, q := range []string{
		`DROP TABLE IF EXISTS overlay_messages CASCADE`,
		`DROP TABLE IF EXISTS tokens CASCADE`,
		`DROP FUNCTION IF EXISTS notify_overlay_message() CASCADE`,
		`DROP TABLE IF EXISTS schema_migrations`,
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			t.Fatalf("clean %q: %v", q, err)
		}
	}
}

func TestRunMigrations(t *testing.T) {
	db := openMigrationDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	for _, table := range []string{"tokens", "overlay_messages"} {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	var trigger bool
	if err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'overlay_messages_notify')`).Scan(&trigger); err != nil {
		t.Fatalf("check trigger: %v", err)
	}
	if !trigger {
		t.Error("notify trigger missing after migration")
	}

	version, err := SchemaVersion(db)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version < 1 {
		t.Errorf("version = %d after migrating", version)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := openMigrationDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	for i := 0; i < 3; i++ {
		if err := Migrate(ctx, db); err != nil {
			t.Fatalf("Migrate run %d: %v", i+1, err)
		}
	}
}

func TestRollback(t *testing.T) {
	db := openMigrationDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if err := Rollback(db); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if v, err := SchemaVersion(db); err != nil || v != 0 {
		t.Errorf("SchemaVersion after rollback = %d, %v", v, err)
	}

	var exists bool
	_ = db.QueryRow(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'tokens')`).Scan(&exists)
	if exists {
		t.Error("tokens table still present after rollback")
	}

	if err := RunMigrations(db); err != nil {
		t.Fatalf("re-apply after rollback: %v", err)
	}
}
