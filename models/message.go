package models

import (
	"encoding/json"
	"time"
)

// Message represents a chat message or system notice within a thread
type Message struct {
	ID         string     `json:"id"`
	ThreadID   string     `json:"thread_id"`
	Content    string     `json:"content"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	IsSystem   bool       `json:"is_system,omitempty"`
	IsOwn      bool       `json:"is_own,omitempty"`
	IsRead     *bool      `json:"is_read,omitempty"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// Equal reports whether two messages carry identical fields
func (m Message) Equal(o Message) bool {
	return m.ID == o.ID &&
		m.ThreadID == o.ThreadID &&
		m.Content == o.Content &&
		m.SenderID == o.SenderID &&
		m.SenderName == o.SenderName &&
		m.CreatedAt.Equal(o.CreatedAt) &&
		m.IsSystem == o.IsSystem &&
		m.IsOwn == o.IsOwn &&
		boolPtrEqual(m.IsRead, o.IsRead) &&
		timePtrEqual(m.ReadAt, o.ReadAt)
}

// MarkOwn returns a copy of msgs with IsOwn set for messages sent by userID
func MarkOwn(msgs []Message, userID string) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.IsOwn = userID != "" && m.SenderID == userID
		out[i] = m
	}
	return out
}

// ReadReceipt tracks whether and when a user read a message
type ReadReceipt struct {
	ID        string     `json:"id"`
	MessageID string     `json:"message_id"`
	UserID    string     `json:"user_id"`
	ThreadID  string     `json:"thread_id"`
	ReadAt    *time.Time `json:"read_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// Envelope is the frame carried across processes by the broadcast bus
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// StreamMessage is the format pushed to live UI streams
type StreamMessage struct {
	Type    string      `json:"type"` // "messages", "unread"
	Payload interface{} `json:"payload"`
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
