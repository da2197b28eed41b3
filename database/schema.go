package database

import (
	"context"
	"fmt"

	"coparent/logger"
)

// NotifyChannelPrefix prefixes the NOTIFY channel for each realtime table.
const NotifyChannelPrefix = "realtime_"

// RealtimeTables are the tables whose row changes are published.
var RealtimeTables = []string{"threads", "messages", "read_receipts"}

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	display_name TEXT NOT NULL DEFAULT '',
	email        TEXT UNIQUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS connections (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	requester_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	recipient_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (requester_id, recipient_id)
);

CREATE TABLE IF NOT EXISTS threads (
	id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	connection_id UUID NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	topic         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'open',
	summary       TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	thread_id  UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	sender_id  UUID REFERENCES profiles(id) ON DELETE SET NULL,
	content    TEXT NOT NULL,
	is_system  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS read_receipts (
	id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	thread_id  UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	user_id    UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	read_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);
CREATE INDEX IF NOT EXISTS idx_read_receipts_user_unread ON read_receipts(user_id) WHERE read_at IS NULL;

CREATE OR REPLACE FUNCTION realtime_key_columns(r jsonb) RETURNS jsonb AS $$
	SELECT COALESCE(jsonb_object_agg(key, value), '{}'::jsonb)
	FROM jsonb_each(r)
	WHERE key IN ('id', 'thread_id', 'message_id', 'user_id', 'sender_id', 'created_at', 'read_at');
$$ LANGUAGE sql IMMUTABLE;

-- NOTIFY payloads are limited to 8000 bytes. Oversized rows are sent as
-- key columns only, flagged partial, and consumers refetch.
CREATE OR REPLACE FUNCTION realtime_notify() RETURNS trigger AS $$
DECLARE
	payload text;
BEGIN
	payload := json_build_object(
		'event_type', TG_OP,
		'table', TG_TABLE_NAME,
		'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
		'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END
	)::text;
	IF octet_length(payload) > 7900 THEN
		payload := json_build_object(
			'event_type', TG_OP,
			'table', TG_TABLE_NAME,
			'partial', true,
			'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE realtime_key_columns(to_jsonb(OLD)) END,
			'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE realtime_key_columns(to_jsonb(NEW)) END
		)::text;
	END IF;
	PERFORM pg_notify('realtime_' || TG_TABLE_NAME, payload);
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql;
`

// Migrate creates the tables and the NOTIFY triggers used by the change feed.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, table := range RealtimeTables {
		trigger := fmt.Sprintf(`
			DROP TRIGGER IF EXISTS %[1]s_realtime ON %[1]s;
			CREATE TRIGGER %[1]s_realtime
				AFTER INSERT OR UPDATE OR DELETE ON %[1]s
				FOR EACH ROW EXECUTE FUNCTION realtime_notify();`, table)
		if _, err := c.DB.ExecContext(ctx, trigger); err != nil {
			return fmt.Errorf("create realtime trigger on %s: %w", table, err)
		}
	}
	logger.Info("database_migrated", "realtime_tables", RealtimeTables)
	return nil
}
