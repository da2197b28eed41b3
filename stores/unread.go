package stores

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"coparent/logger"
	"coparent/metrics"
	"coparent/models"
)

// CountsFunc receives the unread mapping. The map is a copy.
type CountsFunc func(map[string]int)

type countsSub struct {
	id      uint64
	fn      CountsFunc
	removed atomic.Bool
}

// UnreadStore keeps the signed-in user's unread message count per thread.
// Callbacks run in change order with no lock held.
type UnreadStore struct {
	mu          sync.Mutex
	counts      map[string]int
	subs        []*countsSub
	nextID      uint64
	userID      string
	initialized bool
	generation  uint64
	unsubFeed   []func()

	deliveries deliveries

	src  UnreadSource
	feed ChangeFeed
}

func NewUnreadStore(src UnreadSource, feed ChangeFeed) *UnreadStore {
	return &UnreadStore{
		counts: make(map[string]int),
		src:    src,
		feed:   feed,
	}
}

// Init bulk-fetches counts for userID and subscribes to the user's read
// receipts. A second call before Reset is a no-op. A failed fetch leaves
// the counts empty and is only logged; a failed subscription is returned
// and leaves the store uninitialized so Init can be retried.
func (s *UnreadStore) Init(ctx context.Context, userID string) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.userID = userID
	gen := s.generation
	s.mu.Unlock()

	counts := s.fetch(ctx, userID)

	s.mu.Lock()
	if s.generation != gen {
		// Reset ran while fetching
		s.mu.Unlock()
		return nil
	}
	s.counts = counts
	s.queueNotifyLocked()
	s.mu.Unlock()
	s.deliveries.drain("unread")

	unsubs, err := s.subscribeReceipts(userID)
	if err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.initialized = false
			s.userID = ""
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribe read receipts for %s: %w", userID, err)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		return nil
	}
	s.unsubFeed = unsubs
	s.mu.Unlock()

	logger.Info("unread_initialized", "user_id", userID, "threads", len(counts))
	return nil
}

// Refresh refetches the counts for the current user, replacing local
// state. Used for periodic reconcile and after feed reconnects. Unlike
// Init, a failed fetch keeps the current counts.
func (s *UnreadStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized || s.src == nil {
		s.mu.Unlock()
		return nil
	}
	userID, gen := s.userID, s.generation
	s.mu.Unlock()

	counts, err := s.src.GetAllUnreadCounts(ctx, userID)
	if err != nil {
		logger.Warn("unread_refresh_failed", "user_id", userID, "error", err)
		return err
	}
	counts = clampCounts(counts)

	s.mu.Lock()
	if s.generation != gen || maps.Equal(s.counts, counts) {
		s.mu.Unlock()
		return nil
	}
	s.counts = counts
	s.queueNotifyLocked()
	s.mu.Unlock()
	s.deliveries.drain("unread")
	return nil
}

// ApplyDelta adjusts the count for the receipt's thread.
func (s *UnreadStore) ApplyDelta(d models.Delta[models.ReadReceipt]) {
	var threadID string
	adjust := 0

	switch v := d.(type) {
	case models.Insert[models.ReadReceipt]:
		threadID = v.New.ThreadID
		adjust = 1
	case models.Update[models.ReadReceipt]:
		threadID = v.New.ThreadID
		if threadID == "" && v.Old != nil {
			threadID = v.Old.ThreadID
		}
		if v.Old != nil {
			switch {
			case v.Old.ReadAt == nil && v.New.ReadAt != nil:
				adjust = -1
			case v.Old.ReadAt != nil && v.New.ReadAt == nil:
				adjust = 1
			}
		}
	case models.Delete[models.ReadReceipt]:
		// Receipts are not deleted in normal flow; a delete leaves the
		// counts untouched.
		return
	}
	if threadID == "" {
		return
	}

	s.mu.Lock()
	prev, known := s.counts[threadID]
	next := max(prev+adjust, 0)
	if known && next == prev {
		s.mu.Unlock()
		return
	}
	s.counts[threadID] = next
	s.queueNotifyLocked()
	s.mu.Unlock()

	metrics.DeltasApplied.WithLabelValues("unread", string(d.Event())).Inc()
	s.deliveries.drain("unread")
}

// Subscribe registers fn, calls it with the current counts and again after
// every change. The replay runs before Subscribe returns unless another
// delivery is in progress. The returned function removes exactly this
// registration and is safe to call more than once.
func (s *UnreadStore) Subscribe(fn CountsFunc) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	sub := &countsSub{id: id, fn: fn}
	s.subs = append(s.subs, sub)
	s.deliveries.enqueue(deliverCounts(sub, maps.Clone(s.counts)))
	s.mu.Unlock()

	s.deliveries.drain("unread")

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs = slices.DeleteFunc(s.subs, func(sub *countsSub) bool {
				if sub.id == id {
					sub.removed.Store(true)
					return true
				}
				return false
			})
		})
	}
}

// Counts returns a copy of the current mapping.
func (s *UnreadStore) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counts)
}

// UserID is the user passed to Init, or "" when not initialized.
func (s *UnreadStore) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Initialized reports whether Init has run since the last Reset.
func (s *UnreadStore) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Reset clears counts, closes the receipt subscription and allows a fresh
// Init. Used on sign-out.
func (s *UnreadStore) Reset() {
	s.mu.Lock()
	unsubs := s.unsubFeed
	s.unsubFeed = nil
	s.counts = make(map[string]int)
	s.initialized = false
	s.userID = ""
	s.generation++
	s.queueNotifyLocked()
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.deliveries.drain("unread")
}

func (s *UnreadStore) fetch(ctx context.Context, userID string) map[string]int {
	if s.src == nil {
		return make(map[string]int)
	}
	counts, err := s.src.GetAllUnreadCounts(ctx, userID)
	if err != nil {
		logger.Error("unread_fetch_failed", "user_id", userID, "error", err)
		return make(map[string]int)
	}
	return clampCounts(counts)
}

func (s *UnreadStore) subscribeReceipts(userID string) ([]func(), error) {
	if s.feed == nil {
		return nil, nil
	}
	var unsubs []func()
	for _, event := range []models.EventType{models.EventInsert, models.EventUpdate} {
		key := models.ChannelKey{
			Channel: "unread:" + userID,
			Table:   readReceiptsTable,
			Event:   event,
			Filter:  models.Filter{Column: "user_id", Value: userID},
		}
		unsub, err := s.feed.Subscribe(key, s.applyRaw)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	return unsubs, nil
}

// applyRaw is the feed callback. The feed filters on user only, so that
// read transitions are visible; receipts inserted already read are not
// unread and are dropped here.
func (s *UnreadStore) applyRaw(raw models.RawDelta) {
	d, err := models.ParseDelta[models.ReadReceipt](raw)
	if err != nil {
		logger.Warn("unread_bad_delta", "event", raw.EventType, "error", err)
		return
	}
	if ins, ok := d.(models.Insert[models.ReadReceipt]); ok && ins.New.ReadAt != nil {
		return
	}
	s.ApplyDelta(d)
}

// queueNotifyLocked queues the current counts for every subscriber.
// s.mu must be held.
func (s *UnreadStore) queueNotifyLocked() {
	current := maps.Clone(s.counts)
	jobs := make([]func(), 0, len(s.subs))
	for _, sub := range s.subs {
		jobs = append(jobs, deliverCounts(sub, current))
	}
	s.deliveries.enqueue(jobs...)
}

func deliverCounts(sub *countsSub, counts map[string]int) func() {
	return func() {
		if sub.removed.Load() {
			return
		}
		sub.fn(maps.Clone(counts))
	}
}

func clampCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = max(v, 0)
	}
	return out
}
