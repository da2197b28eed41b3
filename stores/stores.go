// Package stores holds the in-memory realtime caches: per-thread message
// lists and per-thread unread counts, kept current from change-feed
// deltas and sibling-agent broadcasts.
package stores

import (
	"context"
	"sync"

	"coparent/broadcast"
	"coparent/logger"
	"coparent/metrics"
	"coparent/models"
)

const (
	messagesTable     = "messages"
	readReceiptsTable = "read_receipts"
)

// MessageSource bulk-loads a thread's messages.
type MessageSource interface {
	GetMessages(ctx context.Context, threadID string) ([]models.Message, error)
}

// UnreadSource bulk-loads unread counts keyed by thread.
type UnreadSource interface {
	GetAllUnreadCounts(ctx context.Context, userID string) (map[string]int, error)
}

// ChangeFeed subscribes to backend row changes. Subscriptions with equal
// keys share one underlying feed.
type ChangeFeed interface {
	Subscribe(key models.ChannelKey, onDelta func(models.RawDelta)) (func(), error)
}

// Broadcaster is the part of the bus the stores use.
type Broadcaster interface {
	Broadcast(typ string, payload any)
	Subscribe(typ string, l broadcast.Listener) func()
}

// safeCall runs fn and recovers a panic so one bad subscriber cannot stop
// the others.
func safeCall(component string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber_panic", "store", component, "panic", r)
			metrics.ListenerPanics.WithLabelValues(component).Inc()
		}
	}()
	fn()
}

// deliveries runs subscriber callbacks one at a time, in the order they
// were queued, with no store lock held. A callback that changes or
// subscribes to a store queues its own deliveries; they run after the
// callback returns, on whichever goroutine is draining.
type deliveries struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// enqueue adds jobs to the queue. Callers hold their store lock so jobs
// are queued in change order.
func (d *deliveries) enqueue(jobs ...func()) {
	if len(jobs) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, jobs...)
	d.mu.Unlock()
}

// drain runs queued jobs until the queue is empty. It returns at once if
// another call is already draining, including one further up the stack.
func (d *deliveries) drain(component string) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		job := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		safeCall(component, job)
		d.mu.Lock()
	}
	d.queue = nil
	d.draining = false
	d.mu.Unlock()
}
