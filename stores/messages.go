package stores

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"coparent/broadcast"
	"coparent/logger"
	"coparent/metrics"
	"coparent/models"
)

const reloadTimeout = 10 * time.Second

// MessagesFunc receives a thread's message list. The slice is a copy.
type MessagesFunc func([]models.Message)

type messageSub struct {
	id      uint64
	fn      MessagesFunc
	removed atomic.Bool
}

// MessageStore keeps one ordered, de-duplicated message list per thread.
//
// Callbacks run in change order with no lock held, so they may call back
// into the store. Changes made from inside a callback are delivered after
// it returns.
type MessageStore struct {
	mu      sync.Mutex
	threads map[string][]models.Message
	subs    map[string][]*messageSub
	nextID  uint64

	deliveries deliveries

	bus      Broadcaster
	src      MessageSource
	feed     ChangeFeed
	unsubBus func()
}

// NewMessageStore creates a store that applies message-table deltas
// arriving on bus. src and feed may be nil when only deltas are applied.
func NewMessageStore(bus Broadcaster, src MessageSource, feed ChangeFeed) *MessageStore {
	s := &MessageStore{
		threads: make(map[string][]models.Message),
		subs:    make(map[string][]*messageSub),
		bus:     bus,
		src:     src,
		feed:    feed,
	}
	if bus != nil {
		s.unsubBus = bus.Subscribe(broadcast.All, s.onEnvelope)
	}
	return s
}

// Messages returns a copy of the cached list for threadID; empty if unknown.
func (s *MessageStore) Messages(threadID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.threads[threadID])
}

// Cached reports whether threadID has a cache entry.
func (s *MessageStore) Cached(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.threads[threadID]
	return ok
}

// Threads lists the thread ids with a cache entry.
func (s *MessageStore) Threads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetMessages replaces the cached list for threadID and notifies its
// subscribers.
func (s *MessageStore) SetMessages(threadID string, msgs []models.Message) {
	list := dedupeByID(msgs)
	sortByCreatedAt(list)

	s.mu.Lock()
	s.threads[threadID] = list
	s.queueNotifyLocked(threadID)
	s.mu.Unlock()

	s.deliveries.drain("messages")
}

// Load bulk-fetches threadID and replaces its cache. On failure an
// uncached thread is set to an empty list so subscribers still get a
// consistent view, and the error is returned.
func (s *MessageStore) Load(ctx context.Context, threadID string) error {
	if s.src == nil {
		if !s.Cached(threadID) {
			s.SetMessages(threadID, nil)
		}
		return nil
	}
	msgs, err := s.src.GetMessages(ctx, threadID)
	if err != nil {
		logger.Error("messages_load_failed", "thread_id", threadID, "error", err)
		if !s.Cached(threadID) {
			s.SetMessages(threadID, nil)
		}
		return err
	}
	s.SetMessages(threadID, msgs)
	return nil
}

// Ensure loads threadID unless it is already cached.
func (s *MessageStore) Ensure(ctx context.Context, threadID string) error {
	if s.Cached(threadID) {
		return nil
	}
	return s.Load(ctx, threadID)
}

// ReloadAll refetches every cached thread. Used as a backfill after the
// change feed reconnects.
func (s *MessageStore) ReloadAll(ctx context.Context) {
	for _, id := range s.Threads() {
		if ctx.Err() != nil {
			return
		}
		_ = s.Load(ctx, id)
	}
}

// Watch opens a backend subscription for threadID. Its deltas are
// broadcast on the bus, which applies them locally through the store's
// own listener and mirrors them to sibling agents. Watches of the same
// thread share one feed.
func (s *MessageStore) Watch(threadID string) (func(), error) {
	if s.feed == nil {
		return func() {}, nil
	}
	key := models.ChannelKey{
		Channel: "thread:" + threadID,
		Table:   messagesTable,
		Event:   models.EventAll,
		Filter:  models.Filter{Column: "thread_id", Value: threadID},
	}
	typ := key.BroadcastType()
	return s.feed.Subscribe(key, func(raw models.RawDelta) {
		if s.bus == nil {
			s.applyRaw(raw)
			return
		}
		s.bus.Broadcast(typ, raw)
	})
}

// ApplyDelta applies one change to the cache and notifies the affected
// thread's subscribers when something actually changed.
func (s *MessageStore) ApplyDelta(d models.Delta[models.Message]) {
	threadID := messageThreadID(d)
	if threadID == "" {
		return
	}

	s.mu.Lock()
	msgs := s.threads[threadID]
	changed := false

	switch v := d.(type) {
	case models.Insert[models.Message]:
		if indexOf(msgs, v.New.ID) >= 0 {
			break
		}
		msg := v.New
		if msg.ThreadID == "" {
			msg.ThreadID = threadID
		}
		msgs = append(cloneMessages(msgs), msg)
		sortByCreatedAt(msgs)
		changed = true

	case models.Update[models.Message]:
		i := indexOf(msgs, v.New.ID)
		if i < 0 {
			break
		}
		updated := v.New
		updated.ID = msgs[i].ID
		if updated.ThreadID == "" {
			updated.ThreadID = threadID
		}
		// Row images carry no display name; it comes from the bulk load.
		if updated.SenderName == "" {
			updated.SenderName = msgs[i].SenderName
		}
		if msgs[i].Equal(updated) {
			break
		}
		msgs = cloneMessages(msgs)
		msgs[i] = updated
		sortByCreatedAt(msgs)
		changed = true

	case models.Delete[models.Message]:
		i := indexOf(msgs, v.Old.ID)
		if i < 0 {
			break
		}
		msgs = slices.Delete(cloneMessages(msgs), i, i+1)
		changed = true
	}

	if changed {
		s.threads[threadID] = msgs
		s.queueNotifyLocked(threadID)
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	metrics.DeltasApplied.WithLabelValues("messages", string(d.Event())).Inc()
	s.deliveries.drain("messages")
}

// Subscribe registers fn for threadID. fn is called with the current list
// and again after every change. The replay runs before Subscribe returns
// unless another delivery is in progress, such as when Subscribe is
// called from inside a callback. The returned function
// removes exactly this registration and is safe to call more than once.
func (s *MessageStore) Subscribe(threadID string, fn MessagesFunc) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	sub := &messageSub{id: id, fn: fn}
	s.subs[threadID] = append(s.subs[threadID], sub)
	s.deliveries.enqueue(deliverMessages(sub, s.threads[threadID]))
	s.mu.Unlock()

	s.deliveries.drain("messages")

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(threadID, id) })
	}
}

// Close detaches the store from the bus.
func (s *MessageStore) Close() {
	if s.unsubBus != nil {
		s.unsubBus()
	}
}

func (s *MessageStore) unsubscribe(threadID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[threadID]
	for i, sub := range list {
		if sub.id == id {
			sub.removed.Store(true)
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		// cached messages stay for the next subscriber
		delete(s.subs, threadID)
		return
	}
	s.subs[threadID] = list
}

// queueNotifyLocked queues the thread's current list for each of its
// subscribers. s.mu must be held. Cached lists are never modified in
// place, so the slice can be shared until delivery copies it.
func (s *MessageStore) queueNotifyLocked(threadID string) {
	current := s.threads[threadID]
	jobs := make([]func(), 0, len(s.subs[threadID]))
	for _, sub := range s.subs[threadID] {
		jobs = append(jobs, deliverMessages(sub, current))
	}
	s.deliveries.enqueue(jobs...)
}

func deliverMessages(sub *messageSub, list []models.Message) func() {
	return func() {
		if sub.removed.Load() {
			return
		}
		sub.fn(cloneMessages(list))
	}
}

func (s *MessageStore) onEnvelope(env models.Envelope) {
	if !models.IsTableChange(env.Type, messagesTable) {
		return
	}
	var raw models.RawDelta
	if err := json.Unmarshal(env.Payload, &raw); err != nil {
		logger.Warn("messages_bad_envelope", "type", env.Type, "error", err)
		return
	}
	s.applyRaw(raw)
}

func (s *MessageStore) applyRaw(raw models.RawDelta) {
	d, err := models.ParseDelta[models.Message](raw)
	if err != nil {
		logger.Warn("messages_bad_delta", "event", raw.EventType, "error", err)
		return
	}
	if raw.Partial && raw.EventType != models.EventDelete {
		s.reloadForPartial(messageThreadID(d))
		return
	}
	s.ApplyDelta(d)
}

// reloadForPartial refetches a thread whose change arrived without the
// full row. A delete needs only the id, so it is applied normally.
func (s *MessageStore) reloadForPartial(threadID string) {
	if threadID == "" {
		return
	}
	logger.Debug("messages_partial_image", "thread_id", threadID)
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	_ = s.Load(ctx, threadID)
}

func messageThreadID(d models.Delta[models.Message]) string {
	switch v := d.(type) {
	case models.Insert[models.Message]:
		return v.New.ThreadID
	case models.Update[models.Message]:
		if v.New.ThreadID != "" {
			return v.New.ThreadID
		}
		if v.Old != nil {
			return v.Old.ThreadID
		}
	case models.Delete[models.Message]:
		return v.Old.ThreadID
	}
	return ""
}

func indexOf(msgs []models.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortByCreatedAt(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func dedupeByID(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}
