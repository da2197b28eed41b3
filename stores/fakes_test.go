package stores_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coparent/models"
)

type feedSub struct {
	id  int
	key models.ChannelKey
	fn  func(models.RawDelta)
}

// fakeFeed stands in for the Postgres change feed.
type fakeFeed struct {
	mu     sync.Mutex
	subs   []feedSub
	nextID int
	err    error
}

func (f *fakeFeed) Subscribe(key models.ChannelKey, fn func(models.RawDelta)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, feedSub{id: id, key: key, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.subs {
				if s.id == id {
					f.subs = append(f.subs[:i], f.subs[i+1:]...)
					break
				}
			}
		})
	}, nil
}

func (f *fakeFeed) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) keys() []models.ChannelKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ChannelKey, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s.key)
	}
	return out
}

func (f *fakeFeed) emit(raw models.RawDelta) {
	f.mu.Lock()
	var targets []func(models.RawDelta)
	for _, s := range f.subs {
		if s.key.Matches(raw) {
			targets = append(targets, s.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range targets {
		fn(raw)
	}
}

type fakeMessageSource struct {
	msgs  map[string][]models.Message
	err   error
	calls int
}

func (s *fakeMessageSource) GetMessages(_ context.Context, threadID string) ([]models.Message, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.msgs[threadID], nil
}

type fakeUnreadSource struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
	calls  int
}

func (s *fakeUnreadSource) GetAllUnreadCounts(_ context.Context, _ string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, nil
}

func (s *fakeUnreadSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func at(hour, min int) time.Time {
	return time.Date(2024, 5, 1, hour, min, 0, 0, time.UTC)
}

func msg(id, thread string, ts time.Time) models.Message {
	return models.Message{ID: id, ThreadID: thread, Content: "content " + id, SenderID: "u2", CreatedAt: ts}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func rawInsert(t *testing.T, m models.Message) models.RawDelta {
	t.Helper()
	raw, err := models.EncodeDelta[models.Message]("messages", models.Insert[models.Message]{New: m})
	require.NoError(t, err)
	return raw
}

func receipt(thread string, readAt *time.Time) models.ReadReceipt {
	return models.ReadReceipt{ID: "r-" + thread, MessageID: "m-" + thread, UserID: "u1", ThreadID: thread, ReadAt: readAt}
}

func markRead(thread string) models.Delta[models.ReadReceipt] {
	ts := at(12, 0)
	old := receipt(thread, nil)
	return models.Update[models.ReadReceipt]{Old: &old, New: receipt(thread, &ts)}
}

func markUnread(thread string) models.Delta[models.ReadReceipt] {
	ts := at(12, 0)
	old := receipt(thread, &ts)
	return models.Update[models.ReadReceipt]{Old: &old, New: receipt(thread, nil)}
}
