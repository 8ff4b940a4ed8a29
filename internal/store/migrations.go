package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// pgSchema is the PostgreSQL schema. Kept additive: every statement is
// idempotent so it can run on every boot.
const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	framework TEXT DEFAULT '',
	status TEXT DEFAULT 'online',
	webhook_url TEXT DEFAULT '',
	api_key_id TEXT UNIQUE NOT NULL,
	api_key_hash TEXT NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS invites (
	id TEXT PRIMARY KEY,
	code TEXT UNIQUE NOT NULL,
	from_user_id TEXT NOT NULL REFERENCES users(id),
	used_by_user_id TEXT DEFAULT '',
	used BOOLEAN DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	user_a_id TEXT NOT NULL REFERENCES users(id),
	user_b_id TEXT NOT NULL REFERENCES users(id),
	status TEXT DEFAULT 'active',
	contract_type TEXT DEFAULT 'friends',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(user_a_id, user_b_id)
);

CREATE TABLE IF NOT EXISTS permissions (
	id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL REFERENCES connections(id),
	user_id TEXT NOT NULL REFERENCES users(id),
	category TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT 'ask',
	inbound_level TEXT NOT NULL DEFAULT 'ask',
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE(connection_id, user_id, category)
);

CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL REFERENCES connections(id),
	subject TEXT DEFAULT '',
	status TEXT DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL,
	last_message_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id),
	from_agent_id TEXT NOT NULL REFERENCES agents(id),
	to_agent_id TEXT NOT NULL REFERENCES agents(id),
	message_type TEXT DEFAULT 'text',
	category TEXT DEFAULT '',
	content TEXT NOT NULL,
	status TEXT DEFAULT 'sent',
	created_at TIMESTAMPTZ NOT NULL,
	delivered_at TIMESTAMPTZ,
	acknowledged_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS announcements (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	version TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS announcement_seen (
	agent_id TEXT NOT NULL REFERENCES agents(id),
	announcement_id TEXT NOT NULL REFERENCES announcements(id),
	PRIMARY KEY (agent_id, announcement_id)
);

CREATE INDEX IF NOT EXISTS idx_agents_key_id ON agents(api_key_id);
CREATE INDEX IF NOT EXISTS idx_message_inbox ON messages(to_agent_id, status);
CREATE INDEX IF NOT EXISTS idx_threads_connection ON threads(connection_id);
CREATE INDEX IF NOT EXISTS idx_permissions_lookup ON permissions(connection_id, user_id);
`

// RunMigrations applies the PostgreSQL schema.
func RunMigrations(databaseURL string) error {
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, pgSchema)
	return err
}
