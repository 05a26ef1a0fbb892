package identity

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// postgresSchema is the DDL for one schema; {{s}} is replaced by the quoted schema name.
const postgresSchema = `
CREATE SCHEMA IF NOT EXISTS {{s}};

CREATE TABLE IF NOT EXISTS {{s}}.users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT uq_users_email UNIQUE (email),
  CONSTRAINT chk_users_email_norm CHECK (email = lower(btrim(email)) AND email <> '')
);

CREATE TABLE IF NOT EXISTS {{s}}.user_memberships (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES {{s}}.users(id) ON DELETE CASCADE,
  membership_tier TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  trial_days_remaining INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT uq_user_memberships_user UNIQUE (user_id),
  CONSTRAINT chk_user_memberships_tier CHECK (membership_tier IN ('BETA', 'VIP', 'FRIEND', 'STAN')),
  CONSTRAINT chk_user_memberships_status CHECK (status IN ('active', 'inactive')),
  CONSTRAINT chk_user_memberships_trial CHECK (trial_days_remaining >= 0)
);

CREATE TABLE IF NOT EXISTS {{s}}.invitation_codes (
  code TEXT PRIMARY KEY,
  is_active BOOLEAN NOT NULL DEFAULT true,
  expires_at TIMESTAMPTZ NULL,
  max_uses INT NULL,
  uses_count INT NOT NULL DEFAULT 0,
  last_used_at TIMESTAMPTZ NULL,
  last_used_by TEXT NULL REFERENCES {{s}}.users(id) ON DELETE SET NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_invitation_codes_max_uses CHECK (max_uses IS NULL OR max_uses >= 1),
  CONSTRAINT chk_invitation_codes_uses CHECK (uses_count >= 0 AND (max_uses IS NULL OR uses_count <= max_uses))
);

CREATE TABLE IF NOT EXISTS {{s}}.magic_links (
  token_hash TEXT NOT NULL,
  user_id TEXT NOT NULL REFERENCES {{s}}.users(id) ON DELETE CASCADE,
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  used_at TIMESTAMPTZ NULL,
  CONSTRAINT uq_magic_links_user UNIQUE (user_id),
  CONSTRAINT uq_magic_links_token_hash UNIQUE (token_hash),
  CONSTRAINT chk_magic_links_token_hash_len CHECK (char_length(token_hash) = 64)
);

CREATE TABLE IF NOT EXISTS {{s}}.audit_log (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  user_id TEXT NULL,
  ip TEXT NULL,
  user_agent TEXT NULL,
  meta JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_log_user_created ON {{s}}.audit_log (user_id, created_at);
`

// PostgresSchemaSQL renders the idempotent DDL for schema.
func PostgresSchemaSQL(schema string) string {
	return strings.ReplaceAll(postgresSchema, "{{s}}", pgx.Identifier{schema}.Sanitize())
}
