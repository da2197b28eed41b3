package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"coparent/logger"
	"coparent/models"
)

// Client is the Postgres persistence API used for bulk fetches.
type Client struct {
	DB  *sql.DB
	url string
}

// Open connects to Postgres at url and verifies the connection.
func Open(ctx context.Context, url string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	logger.Info("database_connected")
	return &Client{DB: db, url: url}, nil
}

// URL is the connection string the client was opened with.
func (c *Client) URL() string {
	return c.url
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.DB.Close()
}

// GetMessages returns a thread's messages in chronological order
func (c *Client) GetMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT m.id, m.thread_id, m.content, COALESCE(m.sender_id::text, ''),
		       COALESCE(p.display_name, ''), m.is_system, m.created_at
		FROM messages m
		LEFT JOIN profiles p ON p.id = m.sender_id
		WHERE m.thread_id = $1
		ORDER BY m.created_at ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID, &msg.ThreadID, &msg.Content, &msg.SenderID,
			&msg.SenderName, &msg.IsSystem, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// unreadCountsQuery counts the user's receipts that are not yet read.
// It applies the same rule as incremental receipt deltas: one unread
// receipt is one unread message, whoever sent it.
const unreadCountsQuery = `
	SELECT r.thread_id, COUNT(*)
	FROM read_receipts r
	WHERE r.user_id = $1
	  AND r.read_at IS NULL
	GROUP BY r.thread_id`

// GetAllUnreadCounts counts the user's unread receipts per thread.
func (c *Client) GetAllUnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := c.DB.QueryContext(ctx, unreadCountsQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("query unread counts for %s: %w", userID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var threadID string
		var n int
		if err := rows.Scan(&threadID, &n); err != nil {
			return nil, err
		}
		counts[threadID] = n
	}
	return counts, rows.Err()
}
