package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coparent/models"
)

func TestParseDeltaVariants(t *testing.T) {
	insert, err := models.ParseDelta[models.Message](models.RawDelta{
		EventType: models.EventInsert,
		New:       json.RawMessage(`{"id":"m1","thread_id":"t1","content":"hi","created_at":"2024-05-01T10:00:00Z"}`),
	})
	require.NoError(t, err)
	ins, ok := insert.(models.Insert[models.Message])
	require.True(t, ok)
	assert.Equal(t, "m1", ins.New.ID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ins.New.CreatedAt.UTC())

	update, err := models.ParseDelta[models.ReadReceipt](models.RawDelta{
		EventType: models.EventUpdate,
		Old:       json.RawMessage(`{"id":"r1","thread_id":"t1","read_at":null}`),
		New:       json.RawMessage(`{"id":"r1","thread_id":"t1","read_at":"2024-05-01T10:00:00+00:00"}`),
	})
	require.NoError(t, err)
	upd := update.(models.Update[models.ReadReceipt])
	require.NotNil(t, upd.Old)
	assert.Nil(t, upd.Old.ReadAt)
	assert.NotNil(t, upd.New.ReadAt)

	del, err := models.ParseDelta[models.Message](models.RawDelta{
		EventType: models.EventDelete,
		Old:       json.RawMessage(`{"id":"m1","thread_id":"t1"}`),
		New:       json.RawMessage(`null`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventDelete, del.Event())
}

func TestParseDeltaUpdateWithoutPreImage(t *testing.T) {
	d, err := models.ParseDelta[models.Message](models.RawDelta{
		EventType: models.EventUpdate,
		New:       json.RawMessage(`{"id":"m1","thread_id":"t1"}`),
	})
	require.NoError(t, err)
	assert.Nil(t, d.(models.Update[models.Message]).Old)
}

func TestParseDeltaRejectsMalformed(t *testing.T) {
	_, err := models.ParseDelta[models.Message](models.RawDelta{EventType: "TRUNCATE"})
	assert.ErrorIs(t, err, models.ErrUnknownEvent)

	_, err = models.ParseDelta[models.Message](models.RawDelta{EventType: models.EventInsert, New: json.RawMessage(`null`)})
	assert.ErrorIs(t, err, models.ErrMalformedDelta)

	_, err = models.ParseDelta[models.Message](models.RawDelta{EventType: models.EventDelete})
	assert.ErrorIs(t, err, models.ErrMalformedDelta)

	_, err = models.ParseDelta[models.Message](models.RawDelta{EventType: models.EventInsert, New: json.RawMessage(`{"id":`)})
	assert.Error(t, err)
}

func TestEncodeDeltaRoundTripsThroughParse(t *testing.T) {
	msg := models.Message{ID: "m1", ThreadID: "t1", Content: "hello", CreatedAt: time.Date(2024, 5, 1, 9, 59, 0, 0, time.UTC)}
	raw, err := models.EncodeDelta[models.Message]("messages", models.Update[models.Message]{Old: &msg, New: msg})
	require.NoError(t, err)
	assert.Equal(t, "messages", raw.Table)

	back, err := models.ParseDelta[models.Message](raw)
	require.NoError(t, err)
	upd := back.(models.Update[models.Message])
	assert.True(t, upd.New.Equal(msg))
	assert.True(t, upd.Old.Equal(msg))
}

func TestChannelKeyMatchesAndDigest(t *testing.T) {
	key := models.ChannelKey{
		Channel: "unread:u1",
		Table:   "read_receipts",
		Event:   models.EventUpdate,
		Filter:  models.Filter{Column: "user_id", Value: "u1"},
	}

	assert.True(t, key.Matches(models.RawDelta{
		EventType: models.EventUpdate,
		Table:     "read_receipts",
		New:       json.RawMessage(`{"user_id":"u1"}`),
	}))
	assert.False(t, key.Matches(models.RawDelta{
		EventType: models.EventInsert,
		Table:     "read_receipts",
		New:       json.RawMessage(`{"user_id":"u1"}`),
	}))
	assert.False(t, key.Matches(models.RawDelta{
		EventType: models.EventUpdate,
		Table:     "read_receipts",
		New:       json.RawMessage(`{"user_id":"u2"}`),
	}))
	assert.False(t, key.Matches(models.RawDelta{
		EventType: models.EventUpdate,
		Table:     "messages",
		New:       json.RawMessage(`{"user_id":"u1"}`),
	}))

	// Values that would collide under naive "a:b" concatenation.
	a := models.ChannelKey{Channel: "a:b", Table: "c"}
	b := models.ChannelKey{Channel: "a", Table: "b:c"}
	assert.NotEqual(t, a.Digest(), b.Digest())
	assert.Equal(t, key.Digest(), key.Digest())

	assert.True(t, models.IsTableChange(key.BroadcastType(), "read_receipts"))
	assert.False(t, models.IsTableChange(key.BroadcastType(), "messages"))
}
