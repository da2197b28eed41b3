// Package jobs runs periodic maintenance against the realtime stores.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"coparent/logger"
)

// Task is one reconcile step, such as refetching unread counts.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Reconciler runs its tasks on a cron schedule. Change feeds can miss
// events while disconnected; the periodic refetch bounds how long the
// stores can drift from the backend.
type Reconciler struct {
	cron  string
	tasks []Task

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mutex   sync.Mutex
}

// NewReconciler validates cron and returns a stopped reconciler.
func NewReconciler(cron string, tasks ...Task) (*Reconciler, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid reconcile cron %q", cron)
	}
	return &Reconciler{cron: cron, tasks: tasks}, nil
}

// Start runs the schedule loop until ctx is done or the returned cancel
// is called.
func (r *Reconciler) Start(ctx context.Context) context.CancelFunc {
	r.ctx, r.cancel = context.WithCancel(ctx)
	logger.Info("reconcile_enabled", "cron", r.cron, "tasks", len(r.tasks))
	go r.scheduleLoop()
	return r.cancel
}

// RunNow runs every task once. It is a no-op while a run is in progress.
func (r *Reconciler) RunNow(ctx context.Context) bool {
	r.mutex.Lock()
	if r.running {
		r.mutex.Unlock()
		return false
	}
	r.running = true
	r.mutex.Unlock()

	defer func() {
		r.mutex.Lock()
		r.running = false
		r.mutex.Unlock()
	}()

	start := time.Now()
	var failed int
	for _, t := range r.tasks {
		if ctx.Err() != nil {
			break
		}
		if err := t.Run(ctx); err != nil {
			failed++
			logger.Error("reconcile_task_failed", "task", t.Name, "error", err)
		}
	}
	logger.Debug("reconcile_run_done", "tasks", len(r.tasks), "failed", failed, "took", time.Since(start))
	return true
}

func (r *Reconciler) scheduleLoop() {
	for {
		next, err := gronx.NextTickAfter(r.cron, time.Now(), false)
		if err != nil {
			logger.Error("reconcile_nexttick_failed", "cron", r.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-r.ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			r.RunNow(r.ctx)
			select {
			case <-time.After(time.Second):
			case <-r.ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			r.RunNow(r.ctx)
		case <-r.ctx.Done():
			return
		}
	}
}
