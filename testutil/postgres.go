// Package testutil holds shared fixtures: database backends gated on
// environment variables and a mock of the Twitch identity service.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/deRockerTom/twitch-bot/db"
	"github.com/deRockerTom/twitch-bot/mongodb"
)

// SetupTestDB opens the Postgres backend on TEST_PG_DSN, runs migrations
// and empties the tables. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *db.Backend {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	b, err := db.Open(ctx, db.Options{DSN: dsn})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := b.DB().ExecContext(ctx, `TRUNCATE tokens, overlay_messages`); err != nil {
		b.Close(ctx)
		t.Fatalf("failed to truncate tables: %v", err)
	}
	t.Cleanup(func() {
		b.Close(ctx)
	})
	return b
}

// SetupTestMongo opens the MongoDB backend on TEST_MONGO_URI using a
// throwaway database. It skips the test if TEST_MONGO_URI is not set.
func SetupTestMongo(t *testing.T) *mongodb.Backend {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	name := "twitch_bot_test_" + time.Now().Format("150405000")
	b, err := mongodb.Open(ctx, mongodb.Options{URI: uri, Database: name})
	if err != nil {
		t.Fatalf("failed to open mongodb: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = b.Database().Drop(ctx)
		_ = b.Close(ctx)
	})
	return b
}
