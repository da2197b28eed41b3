package models

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const realtimePrefix = "realtime:"

// Filter is an equality predicate on one column of a row image.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

func (f Filter) IsZero() bool {
	return f.Column == ""
}

// Match reports whether row carries Column equal to Value.
func (f Filter) Match(row json.RawMessage) bool {
	if f.IsZero() {
		return true
	}
	if !present(row) {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	v, ok := fields[f.Column]
	if !ok {
		return false
	}
	switch tv := v.(type) {
	case string:
		return tv == f.Value
	case nil:
		return f.Value == "null"
	default:
		return fmt.Sprint(tv) == f.Value
	}
}

// ChannelKey identifies one change-feed subscription. It is comparable
// and used directly as a map key.
type ChannelKey struct {
	Channel string
	Table   string
	Event   EventType
	Filter  Filter
}

// Matches reports whether d belongs to this subscription.
func (k ChannelKey) Matches(d RawDelta) bool {
	if d.Table != k.Table {
		return false
	}
	if k.Event != EventAll && k.Event != "" && d.EventType != k.Event {
		return false
	}
	return k.Filter.Match(d.Row())
}

// Digest is a short stable hash of the key. Fields are length-prefixed so
// values containing separators cannot collide.
func (k ChannelKey) Digest() string {
	h, _ := blake2b.New(16, nil)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, part := range []string{k.Channel, k.Table, string(k.Event), k.Filter.Column, k.Filter.Value} {
		n := binary.PutUvarint(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:n])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BroadcastType is the bus envelope type used to mirror this key's deltas.
func (k ChannelKey) BroadcastType() string {
	return realtimePrefix + k.Table + ":" + k.Digest()
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s=%s", k.Channel, k.Table, k.Event, k.Filter.Column, k.Filter.Value)
}

// IsTableChange reports whether a bus envelope type mirrors deltas of table.
func IsTableChange(typ, table string) bool {
	return strings.HasPrefix(typ, realtimePrefix+table+":")
}
