// Package app assembles one sync agent: backend client, change feed, bus,
// stores and HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"coparent/broadcast"
	"coparent/config"
	"coparent/database"
	"coparent/handlers"
	"coparent/jobs"
	"coparent/logger"
	"coparent/stores"
)

const (
	shutdownTimeout = 10 * time.Second
	resyncTimeout   = 30 * time.Second
)

// App is a running agent.
type App struct {
	cfg *config.Config

	db   *database.Client
	feed *database.ChangeFeed
	bus  *broadcast.Bus

	Messages *stores.MessageStore
	Unread   *stores.UnreadStore

	reconciler *jobs.Reconciler
}

// New connects to the backend and the bus and builds the stores. Without
// a database URL the stores only apply deltas mirrored from siblings.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	var (
		msgSrc    stores.MessageSource
		unreadSrc stores.UnreadSource
		feed      stores.ChangeFeed
	)
	if cfg.Database.URL != "" {
		db, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.db = db
		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		a.feed = database.NewChangeFeed(database.NewListener(cfg.Database.URL))
		msgSrc, unreadSrc, feed = db, db, a.feed
	} else {
		logger.Warn("database_not_configured", "msg", "stores receive mirrored deltas only")
	}

	bus, err := broadcast.Open(ctx, cfg.Broadcast)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open broadcast bus: %w", err)
	}
	a.bus = bus

	a.Messages = stores.NewMessageStore(bus, msgSrc, feed)
	a.Unread = stores.NewUnreadStore(unreadSrc, feed)

	if a.feed != nil {
		a.feed.OnReconnect(func() { a.resync(context.Background()) })
	}

	if cfg.Reconcile.Enabled && a.db != nil {
		r, err := jobs.NewReconciler(cfg.Reconcile.Cron,
			jobs.Task{Name: "unread", Run: a.Unread.Refresh},
			jobs.Task{Name: "messages", Run: func(ctx context.Context) error {
				a.Messages.ReloadAll(ctx)
				return nil
			}},
		)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.reconciler = r
	}

	if cfg.Session.UserID != "" {
		if err := a.Unread.Init(ctx, cfg.Session.UserID); err != nil {
			logger.Error("session_autostart_failed", "user_id", cfg.Session.UserID, "error", err)
		}
	}
	return a, nil
}

// Handler returns the agent's HTTP routes.
func (a *App) Handler() http.Handler {
	return handlers.NewRouter(&handlers.Handlers{
		Messages: a.Messages,
		Unread:   a.Unread,
		Bus:      a.bus,
		Config:   a.cfg,
	})
}

// Run serves HTTP until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if a.reconciler != nil {
		stop := a.reconciler.Start(ctx)
		defer stop()
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("server_starting", a.cfg.Summary()...)
	return serve(ctx, srv)
}

// Close releases the bus, feed and database. It is safe on a partially
// built App.
func (a *App) Close() {
	if a.Messages != nil {
		a.Messages.Close()
	}
	if a.Unread != nil {
		a.Unread.Reset()
	}
	if a.bus != nil {
		a.bus.Cleanup()
	}
	if a.feed != nil {
		if err := a.feed.Close(); err != nil {
			logger.Warn("change_feed_close_failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("database_close_failed", "error", err)
		}
	}
}

// resync reloads state after the change feed missed events.
func (a *App) resync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()

	if err := a.Unread.Refresh(ctx); err != nil {
		logger.Warn("resync_unread_failed", "error", err)
	}
	a.Messages.ReloadAll(ctx)
	logger.Info("resync_done", "threads", len(a.Messages.Threads()))
}

// RunRelay hosts the websocket relay hub until ctx is cancelled.
func RunRelay(ctx context.Context, cfg *config.Config) error {
	relay := handlers.NewRelay(cfg.Broadcast.RelayPeerRPS, cfg.Broadcast.RelayBurst)
	go relay.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Relay.Addr(),
		Handler:           handlers.NewRelayRouter(relay),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("relay_starting", "addr", srv.Addr, "peer_rps", cfg.Broadcast.RelayPeerRPS, "burst", cfg.Broadcast.RelayBurst)
	return serve(ctx, srv)
}

func serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server_stopping", "addr", srv.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	return nil
}
