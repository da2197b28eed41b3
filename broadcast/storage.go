package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"coparent/logger"
	"coparent/metrics"
	"coparent/models"
)

const storageSchema = `
CREATE TABLE IF NOT EXISTS broadcast_entries (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	key        TEXT UNIQUE NOT NULL,
	value      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// StorageTransport shares envelopes through a SQLite file that every
// agent on the host opens. Each broadcast is written under a timestamped
// key; siblings poll for rows they have not seen yet. Only the most
// recent keep rows are retained.
type StorageTransport struct {
	db      *sql.DB
	keep    int
	poll    time.Duration
	lastSeq int64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// OpenStorage opens (creating if needed) the shared broadcast file at path.
func OpenStorage(path string, keep int, poll time.Duration) (*StorageTransport, error) {
	if keep <= 0 {
		keep = 20
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open broadcast storage: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create broadcast storage schema: %w", err)
	}

	return &StorageTransport{
		db:     db,
		keep:   keep,
		poll:   poll,
		closed: make(chan struct{}),
	}, nil
}

func (t *StorageTransport) Name() string { return "storage" }

// Start delivers rows written after the call.
func (t *StorageTransport) Start(deliver func(models.Envelope)) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	if err := t.db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM broadcast_entries").Scan(&t.lastSeq); err != nil {
		return fmt.Errorf("read broadcast storage position: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.watch(ctx, deliver)
	return nil
}

func (t *StorageTransport) Publish(env models.Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	now := time.Now()
	key := fmt.Sprintf("broadcast_%d_%s", now.UnixNano(), env.Origin)
	if _, err := t.db.Exec(
		"INSERT INTO broadcast_entries (key, value, created_at) VALUES (?, ?, ?)",
		key, string(data), now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("write broadcast entry: %w", err)
	}
	return t.prune()
}

// prune keeps only the most recent entries to bound storage growth.
func (t *StorageTransport) prune() error {
	_, err := t.db.Exec(
		`DELETE FROM broadcast_entries
		WHERE seq NOT IN (SELECT seq FROM broadcast_entries ORDER BY seq DESC LIMIT ?)`,
		t.keep,
	)
	if err != nil {
		return fmt.Errorf("prune broadcast entries: %w", err)
	}
	return nil
}

func (t *StorageTransport) watch(ctx context.Context, deliver func(models.Envelope)) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.drain(ctx, deliver); err != nil && ctx.Err() == nil {
				logger.Warn("broadcast_storage_poll_failed", "error", err)
			}
		}
	}
}

type storedEntry struct {
	seq   int64
	key   string
	value string
}

func (t *StorageTransport) drain(ctx context.Context, deliver func(models.Envelope)) error {
	rows, err := t.db.QueryContext(ctx,
		"SELECT seq, key, value FROM broadcast_entries WHERE seq > ? ORDER BY seq ASC",
		t.lastSeq,
	)
	if err != nil {
		return err
	}

	var entries []storedEntry
	for rows.Next() {
		var e storedEntry
		if err := rows.Scan(&e.seq, &e.key, &e.value); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		t.lastSeq = e.seq
		var env models.Envelope
		if err := json.Unmarshal([]byte(e.value), &env); err != nil {
			logger.Warn("broadcast_malformed_envelope", "transport", "storage", "key", e.key, "error", err)
			metrics.BroadcastsDropped.WithLabelValues("storage", "malformed").Inc()
			continue
		}
		deliver(env)
	}
	return nil
}

// Close stops the watcher and closes the file.
func (t *StorageTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
		err = t.db.Close()
	})
	return err
}
