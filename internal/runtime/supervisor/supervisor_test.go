package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("http", func(context.Context) error { return errors.New("bind: address in use") })
	s.Go("scheduler", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	if err == nil {
		t.Fatalf("expected the http error, got nil")
	}
	if !strings.Contains(err.Error(), "http: bind") {
		t.Fatalf("error %q does not name the failing goroutine", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(context.Context) error { panic("nil map") })

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "nil map") {
		t.Fatalf("expected panic error, got %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Routines) != 1 {
		t.Fatalf("expected 1 routine in snapshot, got %d", len(snap.Routines))
	}
	if got := snap.Routines[0].Panics; got != 1 {
		t.Fatalf("expected 1 panic, got %d", got)
	}
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("watcher", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("lost")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("expected 3 runs, got %d", got)
	}
	if got := s.Snapshot().Routines[0].Restarts; got != 2 {
		t.Fatalf("expected 2 restarts, got %d", got)
	}
}

func TestStopCancelsLongRunners(t *testing.T) {
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
