package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"coparent/logger"
	"coparent/metrics"
	"coparent/models"
)

var ErrFeedClosed = errors.New("change feed closed")

// Notifier is the LISTEN/NOTIFY connection the feed reads from.
// *pq.Listener satisfies it.
type Notifier interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// NewListener opens a reconnecting LISTEN connection to url.
func NewListener(url string) *pq.Listener {
	return pq.NewListener(url, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("change_feed_connected")
		case pq.ListenerEventDisconnected:
			logger.Warn("change_feed_disconnected", "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("change_feed_reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("change_feed_connect_failed", "error", err)
		}
	})
}

type feed struct {
	key  models.ChannelKey
	subs map[int]func(models.RawDelta)
}

// ChangeFeed fans NOTIFY payloads out to per-key subscribers. Equal keys
// share one feed and each table is LISTENed to once while any feed on it
// is open.
type ChangeFeed struct {
	n Notifier

	// listenMu serializes LISTEN/UNLISTEN round trips; mu guards the
	// feed table and is never held across one.
	listenMu sync.Mutex
	tables   map[string]int

	mu        sync.Mutex
	feeds     map[models.ChannelKey]*feed
	nextID    int
	reconnect []func()
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewChangeFeed starts dispatching notifications from n.
func NewChangeFeed(n Notifier) *ChangeFeed {
	f := &ChangeFeed{
		n:      n,
		tables: make(map[string]int),
		feeds:  make(map[models.ChannelKey]*feed),
		done:   make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// Subscribe registers onDelta for deltas matching key. The returned
// function removes the registration and may be called more than once.
func (f *ChangeFeed) Subscribe(key models.ChannelKey, onDelta func(models.RawDelta)) (func(), error) {
	if key.Table == "" {
		return nil, fmt.Errorf("subscribe %s: table is required", key)
	}

	f.listenMu.Lock()
	defer f.listenMu.Unlock()

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrFeedClosed
	}

	if f.tables[key.Table] == 0 {
		if err := f.n.Listen(NotifyChannelPrefix + key.Table); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, fmt.Errorf("listen on %s: %w", key.Table, err)
		}
	}
	f.tables[key.Table]++

	f.mu.Lock()
	fd, ok := f.feeds[key]
	if !ok {
		fd = &feed{key: key, subs: make(map[int]func(models.RawDelta))}
		f.feeds[key] = fd
		logger.Debug("feed_opened", "key", key.String())
	}
	f.nextID++
	id := f.nextID
	fd.subs[id] = onDelta
	metrics.FeedsActive.Set(float64(len(f.feeds)))
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { f.unsubscribe(key, id) })
	}, nil
}

func (f *ChangeFeed) unsubscribe(key models.ChannelKey, id int) {
	f.listenMu.Lock()
	defer f.listenMu.Unlock()

	f.mu.Lock()
	if fd, ok := f.feeds[key]; ok {
		delete(fd.subs, id)
		if len(fd.subs) == 0 {
			delete(f.feeds, key)
			logger.Debug("feed_closed", "key", key.String())
		}
	}
	metrics.FeedsActive.Set(float64(len(f.feeds)))
	closed := f.closed
	f.mu.Unlock()

	f.tables[key.Table]--
	if f.tables[key.Table] > 0 {
		return
	}
	delete(f.tables, key.Table)
	if closed {
		return
	}
	if err := f.n.Unlisten(NotifyChannelPrefix + key.Table); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		logger.Warn("unlisten_failed", "table", key.Table, "error", err)
	}
}

// OnReconnect registers fn to run after the connection is re-established.
// Notifications sent while disconnected are lost, so hooks reload state.
func (f *ChangeFeed) OnReconnect(fn func()) {
	f.mu.Lock()
	f.reconnect = append(f.reconnect, fn)
	f.mu.Unlock()
}

// Close stops dispatch and closes the notifier.
func (f *ChangeFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.feeds = make(map[models.ChannelKey]*feed)
		f.mu.Unlock()
		metrics.FeedsActive.Set(0)

		close(f.done)
		err = f.n.Close()
		f.wg.Wait()
	})
	return err
}

func (f *ChangeFeed) run() {
	defer f.wg.Done()
	ch := f.n.NotificationChannel()
	for {
		select {
		case <-f.done:
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n == nil {
				f.reconnected()
				continue
			}
			f.dispatch(n)
		}
	}
}

func (f *ChangeFeed) dispatch(n *pq.Notification) {
	var raw models.RawDelta
	if err := json.Unmarshal([]byte(n.Extra), &raw); err != nil {
		logger.Warn("malformed_notification", "channel", n.Channel, "error", err)
		return
	}
	if raw.Table == "" {
		raw.Table = strings.TrimPrefix(n.Channel, NotifyChannelPrefix)
	}

	f.mu.Lock()
	var targets []func(models.RawDelta)
	for key, fd := range f.feeds {
		if !key.Matches(raw) {
			continue
		}
		for _, fn := range fd.subs {
			targets = append(targets, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range targets {
		deliver(fn, raw)
	}
}

func (f *ChangeFeed) reconnected() {
	f.mu.Lock()
	hooks := append([]func(){}, f.reconnect...)
	f.mu.Unlock()

	logger.Info("change_feed_resync", "hooks", len(hooks))
	for _, fn := range hooks {
		go func(fn func()) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("reconnect_hook_panic", "panic", r)
				}
			}()
			fn()
		}(fn)
	}
}

func deliver(fn func(models.RawDelta), raw models.RawDelta) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("feed_subscriber_panic", "table", raw.Table, "panic", r)
			metrics.ListenerPanics.WithLabelValues("changefeed").Inc()
		}
	}()
	fn(raw)
}
