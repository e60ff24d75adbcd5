package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when CHAT_DATABASE_URL is set.
// This keeps local "go test ./..." fast and deterministic without requiring Postgres.

func TestPostgresStore_Contract(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreContract(t, func(t *testing.T) Store {
		schema := mustCreateTestSchema(t, pool)
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := EnsureSchema(ctx, pool, schema); err != nil {
			t.Fatalf("EnsureSchema: %v", err)
		}

		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		return st
	})
}

func TestPostgresStore_EnsureSchemaIdempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if err := EnsureSchema(ctx, pool, schema); err != nil {
			t.Fatalf("EnsureSchema #%d: %v", i+1, err)
		}
	}
}

func TestPostgresProfiles_FallbackAndLookup(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := EnsureSchema(ctx, pool, schema); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "user_profiles")+` (user_id, name, avatar_url, verified) VALUES ($1, $2, $3, true)`,
		"alice", "Alice", "https://cdn.example/a.png",
	); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	profiles, err := NewPostgresProfiles(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresProfiles: %v", err)
	}

	got, err := profiles.Profile(ctx, "alice")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if got.Name != "Alice" || !got.Verified || got.Avatar == "" {
		t.Fatalf("unexpected profile: %+v", got)
	}

	got, err = profiles.Profile(ctx, "nobody")
	if err != nil {
		t.Fatalf("Profile fallback: %v", err)
	}
	if got != (Profile{UserID: "nobody"}) {
		t.Fatalf("expected bare fallback profile, got %+v", got)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHAT_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHAT_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CHAT_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	schema := "chat_it_" + hex.EncodeToString(b[:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
