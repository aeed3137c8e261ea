package scheduler

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (r *recorder) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return nil
}

func noop(context.Context) error { return nil }

func TestWindowSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "09:30", want: "30 9 * * *"},
		{raw: "0 */6 * * *", want: "0 */6 * * *"},
		{raw: "@hourly", want: "@hourly"},
	}
	for _, tt := range tests {
		got, err := WindowSpec(tt.raw)
		if err != nil {
			t.Fatalf("WindowSpec(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("WindowSpec(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
	for _, raw := range []string{"25:00", ""} {
		if _, err := WindowSpec(raw); err == nil {
			t.Fatalf("WindowSpec(%q) expected error", raw)
		}
	}
}

func TestWindowsFollowTimezone(t *testing.T) {
	s := New(Config{Timezone: "America/Chicago"}, &recorder{}, logx.Nop())
	if err := s.AddWindows("posting", []string{"09:00", "18:00"}, time.Minute, noop); err != nil {
		t.Fatalf("AddWindows: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "America/Chicago" {
		t.Fatalf("snapshot running=%v timezone=%s", snap.Running, snap.Timezone)
	}
	if len(snap.Schedules) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(snap.Schedules))
	}
	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	hours := []int{snap.Schedules[0].Next.In(chicago).Hour(), snap.Schedules[1].Next.In(chicago).Hour()}
	slices.Sort(hours)
	if !slices.Equal(hours, []int{9, 18}) {
		t.Fatalf("next fire hours = %v, want [9 18]", hours)
	}
}

func TestAddWindowsReplacesByName(t *testing.T) {
	s := New(Config{}, &recorder{}, logx.Nop())
	for _, w := range []string{"03:00", "04:00"} {
		if err := s.AddWindows("analytics", []string{w}, 0, noop); err != nil {
			t.Fatalf("AddWindows(%s): %v", w, err)
		}
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "0 4 * * *" {
		t.Fatalf("schedules after replace: %+v", snap.Schedules)
	}

	if err := s.AddWindows("analytics", []string{"4pm"}, 0, noop); err == nil {
		t.Fatal("expected error for invalid window")
	}
	if n := len(s.Snapshot().Schedules); n != 1 {
		t.Fatalf("invalid window changed schedules: %d", n)
	}

	if !s.Remove("analytics") {
		t.Fatal("Remove returned false for a bound job")
	}
	if s.Remove("analytics") {
		t.Fatal("Remove returned true twice")
	}
}

func TestTriggerEnqueuesOverlapGatedTask(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec, logx.Nop())
	if err := s.AddWindows("token-refresh", []string{"05:00"}, 2*time.Minute, noop); err != nil {
		t.Fatalf("AddWindows: %v", err)
	}

	if err := s.Trigger("token-refresh"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(rec.tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(rec.tasks))
	}
	task := rec.tasks[0]
	if task.Name != "token-refresh" || !task.SkipIfRunning || task.Timeout != 2*time.Minute {
		t.Fatalf("unexpected task %+v", task)
	}

	if err := s.Trigger("nope"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}
