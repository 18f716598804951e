// Package main provides a CLI tool to seal stored OAuth credentials that were
// written in plaintext, before ENCRYPTION_KEY was configured.
//
// Every credential whose access or refresh value lacks the sealed prefix is
// re-saved with both values sealed (AES-256-GCM). Already sealed values are
// left as they are, so the tool can be run repeatedly.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--user USER_ID] [--backend postgres|mongo]
//
// Environment Variables:
//
//	STORE_BACKEND, DB_DSN, MONGO_URI, MONGO_DB: where credentials live
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/deRockerTom/twitch-bot/config"
	"github.com/deRockerTom/twitch-bot/crypto"
	"github.com/deRockerTom/twitch-bot/db"
	"github.com/deRockerTom/twitch-bot/mongodb"
	"github.com/deRockerTom/twitch-bot/store"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	user := flag.String("user", "", "Migrate the credential of one Twitch user id only (default: all)")
	backend := flag.String("backend", "", "Storage backend to migrate (default: STORE_BACKEND)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if *backend != "" {
		cfg.StoreBackend = *backend
	}
	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	sealer, err := crypto.SealerFromKey(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// The raw store has no sealer so rows are read and written as stored.
	raw, closeFn, err := openRaw(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", slog.String("backend", cfg.StoreBackend), slog.Any("error", err))
		os.Exit(1)
	}
	defer closeFn()

	if err := migrateTokens(ctx, raw, sealer, *dryRun, *user); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, raw); err != nil {
		slog.Warn("could not report encryption status", slog.Any("error", err))
	}
	slog.Info("migration completed successfully")
}

func openRaw(ctx context.Context, cfg *config.Config) (store.TokenStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		b, err := db.Open(ctx, db.Options{DSN: cfg.DBDsn})
		if err != nil {
			return nil, nil, err
		}
		return b.Tokens(), func() { _ = b.Close(context.Background()) }, nil
	case config.BackendMongo:
		b, err := mongodb.Open(ctx, mongodb.Options{URI: cfg.MongoURI, Database: cfg.MongoDB})
		if err != nil {
			return nil, nil, err
		}
		return b.Tokens(), func() { _ = b.Close(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("backend %q keeps no credentials at rest", cfg.StoreBackend)
	}
}

// needsSealing reports whether any secret of t is stored in plaintext.
func needsSealing(t store.Token) bool {
	return (t.Token != "" && !crypto.IsSealed(t.Token)) ||
		(t.Refresh != "" && !crypto.IsSealed(t.Refresh))
}

// migrateTokens seals every plaintext credential held by raw.
func migrateTokens(ctx context.Context, raw store.TokenStore, sealer *crypto.Sealer, dryRun bool, userFilter string) error {
	if !sealer.Enabled() {
		return errors.New("sealer has no key")
	}
	all, err := raw.GetAll(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}

	var pending []store.Token
	for _, t := range all {
		if userFilter != "" && t.UserID != userFilter {
			continue
		}
		if needsSealing(t) {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}

	slog.Info("found plaintext tokens to migrate",
		slog.Int("count", len(pending)),
		slog.Bool("dry_run", dryRun))

	migratedCount := 0
	errorCount := 0
	for i, t := range pending {
		logger := slog.With(
			slog.String("user_id", t.UserID),
			slog.String("login", t.Login),
			slog.Int("index", i+1),
			slog.Int("total", len(pending)))

		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migratedCount++
			continue
		}
		if err := migrateToken(ctx, raw, sealer, t); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			errorCount++
			continue
		}
		logger.Info("migrated token successfully")
		migratedCount++
	}

	slog.Info("migration summary",
		slog.Int("total", len(pending)),
		slog.Int("migrated", migratedCount),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return nil
}

// migrateToken seals the plaintext fields of t and upserts it.
func migrateToken(ctx context.Context, raw store.TokenStore, sealer *crypto.Sealer, t store.Token) error {
	var err error
	if !crypto.IsSealed(t.Token) {
		if t.Token, err = sealer.Seal(t.Token); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if !crypto.IsSealed(t.Refresh) {
		if t.Refresh, err = sealer.Seal(t.Refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	if err := raw.Save(ctx, t); err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return nil
}

// reportStatus logs how many stored credentials are sealed.
func reportStatus(ctx context.Context, raw store.TokenStore) error {
	all, err := raw.GetAll(ctx, 0)
	if err != nil {
		return err
	}
	plaintext := 0
	for _, t := range all {
		if needsSealing(t) {
			plaintext++
		}
	}
	slog.Info("token encryption status",
		slog.Int("total", len(all)),
		slog.Int("sealed", len(all)-plaintext),
		slog.Int("plaintext", plaintext))
	return nil
}
