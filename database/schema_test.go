package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaPublishesEveryRealtimeTable(t *testing.T) {
	for _, table := range RealtimeTables {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, schema, "pg_notify('"+NotifyChannelPrefix+"' || TG_TABLE_NAME")
}

func TestReadReceiptsCarryThread(t *testing.T) {
	start := strings.Index(schema, "CREATE TABLE IF NOT EXISTS read_receipts")
	end := strings.Index(schema[start:], ");")
	assert.Contains(t, schema[start:start+end], "thread_id")
	assert.Contains(t, schema[start:start+end], "read_at    TIMESTAMPTZ,")
}

func TestOversizedNotifyFallsBackToKeyColumns(t *testing.T) {
	start := strings.Index(schema, "CREATE OR REPLACE FUNCTION realtime_notify()")
	require.GreaterOrEqual(t, start, 0)
	fn := schema[start:]

	sizeCheck := strings.Index(fn, "octet_length(payload) > 7900")
	notify := strings.Index(fn, "PERFORM pg_notify(")
	require.GreaterOrEqual(t, sizeCheck, 0)
	assert.Less(t, sizeCheck, notify, "size is checked before sending")
	assert.Contains(t, fn, "'partial', true")
	assert.Contains(t, fn, "realtime_key_columns(to_jsonb(NEW))")

	for _, col := range []string{"'id'", "'thread_id'", "'user_id'", "'read_at'"} {
		assert.Contains(t, schema, col, "key columns keep %s", col)
	}
}

func TestUnreadCountsMatchReceiptDeltas(t *testing.T) {
	assert.Contains(t, unreadCountsQuery, "r.user_id = $1")
	assert.Contains(t, unreadCountsQuery, "r.read_at IS NULL")
	assert.NotContains(t, unreadCountsQuery, "sender_id", "deltas cannot see the sender, so counts must not either")
	assert.NotContains(t, unreadCountsQuery, "JOIN")
}
