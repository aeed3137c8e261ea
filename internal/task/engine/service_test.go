package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

func started(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestRunReturnsTaskError(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := started(t, Config{Workers: 1}, bus)

	err := s.Run(context.Background(), Task{Name: "analytics", Run: func(context.Context) error {
		return errors.New("graph down")
	}})
	require.EqualError(t, err, "graph down")

	assert.Equal(t, eventbus.JobStarted, (<-events).Type)
	e := <-events
	assert.Equal(t, eventbus.JobFailed, e.Type)
	assert.Equal(t, "graph down", e.Data.(TaskEvent).Error)

	h := s.Snapshot().History
	require.Len(t, h, 1)
	assert.Equal(t, "analytics", h[0].Name)
}

func TestPanicBecomesErrorAndWorkerSurvives(t *testing.T) {
	s := started(t, Config{Workers: 1}, nil)

	err := s.Run(context.Background(), Task{Name: "posting", Run: func(context.Context) error { panic("bad slot") }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad slot")

	assert.NoError(t, s.Run(context.Background(), Task{Name: "posting", Run: func(context.Context) error { return nil }}))
}

func TestSkipIfRunningRejectsOverlap(t *testing.T) {
	s := started(t, Config{Workers: 2}, nil)
	release := make(chan struct{})
	running := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "posting", SkipIfRunning: true, Run: func(context.Context) error {
		close(running)
		<-release
		return nil
	}}))
	<-running

	err := s.Enqueue(Task{Name: "posting", SkipIfRunning: true, Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrOverlapSkip)

	// Other job names are unaffected.
	assert.NoError(t, s.Run(context.Background(), Task{Name: "analytics", Run: func(context.Context) error { return nil }}))
	close(release)

	assert.Eventually(t, func() bool {
		return s.Enqueue(Task{Name: "posting", SkipIfRunning: true, Run: func(context.Context) error { return nil }}) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestTimeoutCancelsTaskContext(t *testing.T) {
	s := started(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, nil)
	err := s.Run(context.Background(), Task{Name: "token-refresh", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnqueueWhenStopped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
	assert.Error(t, s.Enqueue(Task{Name: "x"}))
}

func TestQueueFullDrops(t *testing.T) {
	s := started(t, Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	defer close(block)
	running := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error {
		close(running)
		<-block
		return nil
	}}))
	<-running
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.EqualValues(t, 1, s.Snapshot().DroppedQueueFull)
}
