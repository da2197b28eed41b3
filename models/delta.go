package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the kind of row change carried by a delta
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMalformedDelta = errors.New("malformed delta")
)

// RawDelta is a change-feed event in its wire form. Partial is set when
// the row was too large for a notification and Old/New carry only key
// columns; consumers refetch instead of applying the image.
type RawDelta struct {
	EventType EventType       `json:"event_type"`
	Table     string          `json:"table"`
	Partial   bool            `json:"partial,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	New       json.RawMessage `json:"new,omitempty"`
}

// Row returns the post-image when present, otherwise the pre-image.
func (d RawDelta) Row() json.RawMessage {
	if present(d.New) {
		return d.New
	}
	if present(d.Old) {
		return d.Old
	}
	return nil
}

// Delta is one decoded row change: Insert, Update or Delete.
type Delta[R any] interface {
	Event() EventType
	isDelta(R)
}

// Insert carries the post-image of a new row
type Insert[R any] struct {
	New R
}

// Update carries both images of a changed row. Old is nil when the feed
// did not include a pre-image.
type Update[R any] struct {
	Old *R
	New R
}

// Delete carries the pre-image of a removed row
type Delete[R any] struct {
	Old R
}

func (Insert[R]) Event() EventType { return EventInsert }
func (Update[R]) Event() EventType { return EventUpdate }
func (Delete[R]) Event() EventType { return EventDelete }

func (Insert[R]) isDelta(R) {}
func (Update[R]) isDelta(R) {}
func (Delete[R]) isDelta(R) {}

// ParseDelta decodes a wire delta into its typed variant.
func ParseDelta[R any](raw RawDelta) (Delta[R], error) {
	switch raw.EventType {
	case EventInsert:
		if !present(raw.New) {
			return nil, fmt.Errorf("%w: insert without new row", ErrMalformedDelta)
		}
		var row R
		if err := json.Unmarshal(raw.New, &row); err != nil {
			return nil, fmt.Errorf("decode new row: %w", err)
		}
		return Insert[R]{New: row}, nil

	case EventUpdate:
		if !present(raw.New) {
			return nil, fmt.Errorf("%w: update without new row", ErrMalformedDelta)
		}
		var d Update[R]
		if err := json.Unmarshal(raw.New, &d.New); err != nil {
			return nil, fmt.Errorf("decode new row: %w", err)
		}
		if present(raw.Old) {
			var old R
			if err := json.Unmarshal(raw.Old, &old); err != nil {
				return nil, fmt.Errorf("decode old row: %w", err)
			}
			d.Old = &old
		}
		return d, nil

	case EventDelete:
		if !present(raw.Old) {
			return nil, fmt.Errorf("%w: delete without old row", ErrMalformedDelta)
		}
		var row R
		if err := json.Unmarshal(raw.Old, &row); err != nil {
			return nil, fmt.Errorf("decode old row: %w", err)
		}
		return Delete[R]{Old: row}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.EventType)
	}
}

// EncodeDelta is the inverse of ParseDelta.
func EncodeDelta[R any](table string, d Delta[R]) (RawDelta, error) {
	raw := RawDelta{EventType: d.Event(), Table: table}
	var err error
	switch v := d.(type) {
	case Insert[R]:
		raw.New, err = json.Marshal(v.New)
	case Update[R]:
		if raw.New, err = json.Marshal(v.New); err == nil && v.Old != nil {
			raw.Old, err = json.Marshal(*v.Old)
		}
	case Delete[R]:
		raw.Old, err = json.Marshal(v.Old)
	default:
		return RawDelta{}, fmt.Errorf("%w: %T", ErrUnknownEvent, d)
	}
	if err != nil {
		return RawDelta{}, fmt.Errorf("encode %s row: %w", table, err)
	}
	return raw, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
