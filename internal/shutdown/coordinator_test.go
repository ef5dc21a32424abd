package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCoordinator_DrainOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := NewCoordinator(nil)

	for _, name := range []string{"r1", "r2", "r3"} {
		name := name
		require.NoError(t, c.AddResource(ctx, name, closerFunc(func() error {
			rec.add("close " + name)
			return nil
		})))
	}
	for _, name := range []string{"t1", "t2"} {
		name := name
		require.NoError(t, c.AddTask(ctx, name, TaskFunc(func() {
			rec.add("wait " + name)
		})))
	}

	require.NoError(t, c.Shutdown(ctx))

	assert.Equal(t, []string{"close r1", "close r2", "close r3", "wait t1", "wait t2"}, rec.list())
}

func TestCoordinator_TasksJoinedAfterResourcesClosed(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)

	released := make(chan struct{})
	require.NoError(t, c.AddTask(ctx, "worker", TaskFunc(func() { <-released })))
	require.NoError(t, c.AddResource(ctx, "worker", closerFunc(func() error {
		close(released)
		return nil
	})))

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))
}

func TestCoordinator_CloseErrorDoesNotStopDrain(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := NewCoordinator(nil)

	require.NoError(t, c.AddResource(ctx, "broken", closerFunc(func() error {
		return errors.New("boom")
	})))
	require.NoError(t, c.AddResource(ctx, "fine", closerFunc(func() error {
		rec.add("fine")
		return nil
	})))

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, []string{"fine"}, rec.list())
}

func TestCoordinator_ShutdownIsIdempotent(t *testing.T) {
	ctx := context.Background()
	calls := 0
	c := NewCoordinator(nil)
	require.NoError(t, c.AddResource(ctx, "once", closerFunc(func() error {
		calls++
		return nil
	})))

	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))

	assert.Equal(t, 1, calls)
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
}

func TestCoordinator_RejectsRegistrationAfterShutdown(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)

	release := make(chan struct{})
	require.NoError(t, c.AddTask(ctx, "slow", TaskFunc(func() { <-release })))

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- c.Shutdown(ctx) }()

	// While draining.
	assert.Eventually(t, func() bool {
		return errors.Is(c.AddTask(ctx, "late", TaskFunc(func() {})), ErrShuttingDown)
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.AddResource(ctx, "late", closerFunc(func() error { return nil })), ErrShuttingDown)

	close(release)
	require.NoError(t, <-shutdownErr)

	// After the drain completed.
	assert.ErrorIs(t, c.AddTask(ctx, "later", TaskFunc(func() {})), ErrShuttingDown)
}

func TestCoordinator_ShutdownHonoursContext(t *testing.T) {
	c := NewCoordinator(nil)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, c.AddTask(context.Background(), "stuck", TaskFunc(func() { <-release })))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)
}
