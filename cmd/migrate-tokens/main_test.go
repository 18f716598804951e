package main

import (
	"context"
	"testing"

	"github.com/deRockerTom/twitch-bot/crypto"
	"github.com/deRockerTom/twitch-bot/memstore"
	"github.com/deRockerTom/twitch-bot/store"
	"github.com/deRockerTom/twitch-bot/testutil"
)

// 32 bytes: "0123456789abcdef0123456789abcdef"
const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func newSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	s, err := crypto.SealerFromKey(testKey)
	if err != nil {
		t.Fatalf("SealerFromKey: %v", err)
	}
	return s
}

func seed(t *testing.T, tokens store.TokenStore, rows ...store.Token) {
	t.Helper()
	for _, r := range rows {
		if err := tokens.Save(context.Background(), r); err != nil {
			t.Fatalf("seed %s: %v", r.UserID, err)
		}
	}
}

func TestMigrateTokens_DryRun(t *testing.T) {
	ctx := context.Background()
	tokens := memstore.NewTokenStore()
	seed(t, tokens, store.Token{UserID: "1", Login: "alice", Token: "access-1", Refresh: "refresh-1"})

	if err := migrateTokens(ctx, tokens, newSealer(t), true, ""); err != nil {
		t.Fatalf("migrateTokens(dry-run) failed: %v", err)
	}
	got, _, _ := tokens.FindByUser(ctx, "1")
	if got.Token != "access-1" || got.Refresh != "refresh-1" {
		t.Errorf("dry-run changed the stored token: %+v", got)
	}
}

func TestMigrateTokens_RealMigration(t *testing.T) {
	ctx := context.Background()
	sealer := newSealer(t)
	tokens := memstore.NewTokenStore()

	already, err := sealer.Seal("access-3")
	if err != nil {
		t.Fatal(err)
	}
	seed(t, tokens,
		store.Token{UserID: "1", Login: "alice", Token: "access-1", Refresh: "refresh-1"},
		store.Token{UserID: "2", Login: "bob", Token: "access-2", Refresh: ""},
		store.Token{UserID: "3", Login: "carol", Token: already, Refresh: "refresh-3"},
	)

	if err := migrateTokens(ctx, tokens, sealer, false, ""); err != nil {
		t.Fatalf("migrateTokens failed: %v", err)
	}

	all, _ := tokens.GetAll(ctx, 0)
	for _, row := range all {
		if needsSealing(row) {
			t.Errorf("user %s still has plaintext: %+v", row.UserID, row)
		}
		opened, err := store.OpenToken(sealer, row)
		if err != nil {
			t.Fatalf("open %s: %v", row.UserID, err)
		}
		if opened.Token != "access-"+row.UserID {
			t.Errorf("user %s access decrypts to %q", row.UserID, opened.Token)
		}
	}
	bob, _, _ := tokens.FindByUser(ctx, "2")
	if bob.Refresh != "" {
		t.Errorf("empty refresh should stay empty, got %q", bob.Refresh)
	}
	carol, _, _ := tokens.FindByUser(ctx, "3")
	if carol.Token != already {
		t.Error("already sealed value was sealed twice")
	}

	// second run finds nothing to do
	if err := migrateTokens(ctx, tokens, sealer, false, ""); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestMigrateTokens_UserFilter(t *testing.T) {
	ctx := context.Background()
	tokens := memstore.NewTokenStore()
	seed(t, tokens,
		store.Token{UserID: "1", Login: "alice", Token: "access-1", Refresh: "refresh-1"},
		store.Token{UserID: "2", Login: "bob", Token: "access-2", Refresh: "refresh-2"},
	)
	if err := migrateTokens(ctx, tokens, newSealer(t), false, "2"); err != nil {
		t.Fatalf("migrateTokens: %v", err)
	}
	alice, _, _ := tokens.FindByUser(ctx, "1")
	bob, _, _ := tokens.FindByUser(ctx, "2")
	if !needsSealing(alice) || needsSealing(bob) {
		t.Errorf("filter not applied: alice=%+v bob=%+v", alice, bob)
	}
}

func TestMigrateTokens_RequiresKey(t *testing.T) {
	plain, _ := crypto.SealerFromKey("")
	if err := migrateTokens(context.Background(), memstore.NewTokenStore(), plain, false, ""); err == nil {
		t.Error("expected error without a key")
	}
}

func TestMigrateTokens_Postgres(t *testing.T) {
	b := testutil.SetupTestDB(t)
	ctx := context.Background()
	sealer := newSealer(t)
	seed(t, b.Tokens(), store.Token{UserID: "pg-1", Login: "dave", Token: "access-pg", Refresh: "refresh-pg"})

	if err := migrateTokens(ctx, b.Tokens(), sealer, false, ""); err != nil {
		t.Fatalf("migrateTokens: %v", err)
	}
	var stored string
	if err := b.DB().QueryRowContext(ctx, `SELECT token FROM tokens WHERE user_id = $1`, "pg-1").Scan(&stored); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !crypto.IsSealed(stored) {
		t.Errorf("row not sealed at rest: %q", stored)
	}
}

func TestMigrateTokens_Mongo(t *testing.T) {
	b := testutil.SetupTestMongo(t)
	ctx := context.Background()
	sealer := newSealer(t)
	seed(t, b.Tokens(), store.Token{UserID: "mg-1", Login: "erin", Token: "access-mg", Refresh: "refresh-mg"})

	if err := migrateTokens(ctx, b.Tokens(), sealer, false, ""); err != nil {
		t.Fatalf("migrateTokens: %v", err)
	}
	got, ok, err := b.Tokens().FindByUser(ctx, "mg-1")
	if err != nil || !ok {
		t.Fatalf("FindByUser: ok=%v err=%v", ok, err)
	}
	if needsSealing(got) {
		t.Errorf("document not sealed at rest: %+v", got)
	}
}
