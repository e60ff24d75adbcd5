package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "chat"

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// SchemaSQL returns the DDL for every table the Postgres adapters use.
// It is idempotent and safe to apply on every start.
func SchemaSQL(schema string) string {
	t := func(name string) string { return pgIdent(schema, name) }

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id               TEXT PRIMARY KEY,
  kind             TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
  direct_key       TEXT,
  title            TEXT NOT NULL DEFAULT '',
  last_message_id  TEXT,
  last_activity_at TIMESTAMPTZ NOT NULL,
  message_count    BIGINT NOT NULL DEFAULT 0,
  created_by       TEXT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_conversations_direct_key CHECK ((kind = 'direct') = (direct_key IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_direct_key
  ON %[2]s (direct_key) WHERE direct_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS %[3]s (
  conversation_id TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL,
  position        INT NOT NULL,
  is_active       BOOLEAN NOT NULL DEFAULT true,
  is_archived     BOOLEAN NOT NULL DEFAULT false,
  joined_at       TIMESTAMPTZ NOT NULL,
  last_read_at    TIMESTAMPTZ,

  PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_participants_user
  ON %[3]s (user_id);

CREATE TABLE IF NOT EXISTS %[4]s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  sender_id       TEXT NOT NULL,
  type            TEXT NOT NULL,
  content         TEXT NOT NULL DEFAULT '',
  attachments     JSONB NOT NULL DEFAULT '[]'::jsonb,
  reply_to_id     TEXT REFERENCES %[4]s(id),
  deleted         BOOLEAN NOT NULL DEFAULT false,
  deleted_at      TIMESTAMPTZ,
  client_id       TEXT,
  created_at      TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_sender_client
  ON %[4]s (sender_id, client_id) WHERE client_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_desc
  ON %[4]s (conversation_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS %[5]s (
  message_id TEXT NOT NULL REFERENCES %[4]s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  kind       TEXT NOT NULL CHECK (kind IN ('delivered', 'read')),
  at         TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (message_id, user_id, kind)
);

CREATE TABLE IF NOT EXISTS %[6]s (
  message_id TEXT NOT NULL REFERENCES %[4]s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  emoji      TEXT NOT NULL,
  reacted_at TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS %[7]s (
  message_id TEXT NOT NULL REFERENCES %[4]s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,

  PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS %[8]s (
  user_id    TEXT PRIMARY KEY,
  name       TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT '',
  verified   BOOLEAN NOT NULL DEFAULT false
);
`,
		pgx.Identifier{schema}.Sanitize(),
		t("conversations"),
		t("conversation_participants"),
		t("messages"),
		t("message_receipts"),
		t("message_reactions"),
		t("message_deletions"),
		t("user_profiles"),
	)
}

// EnsureSchema applies SchemaSQL to the pool.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return errors.New("chat: invalid schema identifier")
	}
	if _, err := pool.Exec(ctx, SchemaSQL(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
