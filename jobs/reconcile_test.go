package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReconcilerRejectsBadCron(t *testing.T) {
	_, err := NewReconciler("every now and then")
	assert.Error(t, err)

	_, err = NewReconciler("*/5 * * * *")
	assert.NoError(t, err)
}

func TestRunNowRunsAllTasksPastFailures(t *testing.T) {
	var ran []string
	r, err := NewReconciler("*/5 * * * *",
		Task{Name: "unread", Run: func(context.Context) error {
			ran = append(ran, "unread")
			return errors.New("backend down")
		}},
		Task{Name: "messages", Run: func(context.Context) error {
			ran = append(ran, "messages")
			return nil
		}},
	)
	require.NoError(t, err)

	assert.True(t, r.RunNow(context.Background()))
	assert.Equal(t, []string{"unread", "messages"}, ran)
}

func TestRunNowSkipsOverlappingRun(t *testing.T) {
	var r *Reconciler
	var nested bool
	r, err := NewReconciler("*/5 * * * *", Task{Name: "reentrant", Run: func(ctx context.Context) error {
		nested = r.RunNow(ctx)
		return nil
	}})
	require.NoError(t, err)

	assert.True(t, r.RunNow(context.Background()))
	assert.False(t, nested, "a run already in progress")
}

func TestRunNowStopsOnCancelledContext(t *testing.T) {
	var calls int
	r, err := NewReconciler("*/5 * * * *", Task{Name: "count", Run: func(context.Context) error {
		calls++
		return nil
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.RunNow(ctx)
	assert.Zero(t, calls)
}

func TestStartStopsWithCancel(t *testing.T) {
	r, err := NewReconciler("0 0 1 1 *")
	require.NoError(t, err)

	stop := r.Start(context.Background())
	stop()
	<-r.ctx.Done()
}
