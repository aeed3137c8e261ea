package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/task/engine"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	to    []kit.ChatTarget
	fails int
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	f.to = append(f.to, to)
	return kit.MessageRef{MessageID: len(f.texts)}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func newService(t *testing.T, cfg Config, s kit.Sender) *Service {
	t.Helper()
	cfg.Enabled = true
	cfg.Target = kit.ChatTarget{ChatID: -100}
	cfg.RatePerSec = 100
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	svc := New(cfg, s, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func waitSent(t *testing.T, fs *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(fs.sent()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sends, got %d", n, len(fs.sent()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fs.sent()
}

func TestNotifyDeliversWithRetry(t *testing.T) {
	fs := &fakeSender{fails: 2}
	svc := newService(t, Config{RetryMax: 3}, fs)

	alert := Alert{Kind: eventbus.SessionLogin, Subject: "main", Severity: SeverityCritical, Text: "login failed"}
	if err := svc.Notify(context.Background(), alert); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	sent := waitSent(t, fs, 1)
	if sent[0] != "[CRITICAL] login failed" {
		t.Fatalf("unexpected text %q", sent[0])
	}
	fs.mu.Lock()
	to := fs.to[0]
	fs.mu.Unlock()
	if to.ChatID != -100 {
		t.Fatalf("alert sent to chat %d", to.ChatID)
	}
	deadline := time.Now().Add(time.Second)
	for len(svc.History()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h := svc.History()
	if len(h) != 1 || h[0].Kind != eventbus.SessionLogin || h[0].Subject != "main" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestNotifyDeduplicatesWithinWindow(t *testing.T) {
	fs := &fakeSender{}
	svc := newService(t, Config{DedupWindow: time.Hour}, fs)
	for _, subject := range []string{"q1", "q1", "q2"} {
		a := Alert{Kind: eventbus.EntryFailed, Subject: subject, Severity: SeverityWarn, Text: "entry failed"}
		if err := svc.Notify(context.Background(), a); err != nil {
			t.Fatalf("Notify(%s): %v", subject, err)
		}
	}
	waitSent(t, fs, 2)
	time.Sleep(20 * time.Millisecond)
	if got := fs.sent(); len(got) != 2 {
		t.Fatalf("duplicate delivered: %q", got)
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	svc := New(Config{}, &fakeSender{}, logx.Nop())
	if err := svc.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	svc = New(Config{Enabled: true}, &fakeSender{}, logx.Nop())
	if err := svc.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestDedupCapEvictsOldest(t *testing.T) {
	svc := New(Config{DedupMaxEntries: 2}, nil, logx.Nop())
	now := time.Now()
	steps := []struct {
		key   string
		ttl   time.Duration
		allow bool
	}{
		{"a", time.Minute, true},
		{"b", 2 * time.Minute, true},
		{"c", 3 * time.Minute, true},
		{"a", time.Minute, true}, // evicted by c
		{"c", time.Minute, false},
	}
	for i, s := range steps {
		if got := svc.seen.admit(s.key, s.ttl, 2, now); got != s.allow {
			t.Fatalf("step %d (%s): allow=%v, want %v", i, s.key, got, s.allow)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		event    eventbus.Event
		alert    bool
		severity Severity
		subject  string
		contains string
	}{
		{
			name:     "failed entry",
			event:    eventbus.Event{Type: eventbus.EntryFailed, Data: eventbus.EntryEvent{QueueID: "q1", ContentType: "spotlight", Error: "page: rate limited"}},
			alert:    true,
			severity: SeverityWarn,
			subject:  "q1",
			contains: "page: rate limited",
		},
		{
			name:  "posted entry",
			event: eventbus.Event{Type: eventbus.EntryPosted, Data: eventbus.EntryEvent{QueueID: "q2"}},
		},
		{
			name:     "failed login",
			event:    eventbus.Event{Type: eventbus.SessionLogin, Data: eventbus.SessionEvent{Account: "main", Error: "checkpoint"}},
			alert:    true,
			severity: SeverityCritical,
			subject:  "main",
			contains: "checkpoint",
		},
		{
			name:  "successful login",
			event: eventbus.Event{Type: eventbus.SessionLogin, Data: eventbus.SessionEvent{Account: "main"}},
		},
		{
			name:     "failed job",
			event:    eventbus.Event{Type: eventbus.JobFailed, Data: engine.TaskEvent{Name: "posting", Error: "db locked"}},
			alert:    true,
			severity: SeverityWarn,
			subject:  "posting",
			contains: "db locked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := Format(tt.event)
			if ok != tt.alert {
				t.Fatalf("alert = %v, want %v", ok, tt.alert)
			}
			if !ok {
				return
			}
			if a.Kind != tt.event.Type || a.Subject != tt.subject || a.Severity != tt.severity {
				t.Fatalf("unexpected alert %+v", a)
			}
			if !strings.Contains(a.Text, tt.contains) {
				t.Fatalf("text %q missing %q", a.Text, tt.contains)
			}
		})
	}
}

func TestAlertsForwardFailures(t *testing.T) {
	fs := &fakeSender{}
	svc := newService(t, Config{}, fs)
	bus := eventbus.New()
	alerts := NewAlerts(bus, svc, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = alerts.Run(ctx)
		close(done)
	}()

	// Run subscribes asynchronously; publish until the alert lands.
	deadline := time.Now().Add(time.Second)
	for len(fs.sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("failure alert not delivered")
		}
		bus.Publish(eventbus.Event{Type: eventbus.EntryFailed, Data: eventbus.EntryEvent{QueueID: "q9", Error: "group: session expired"}})
		time.Sleep(10 * time.Millisecond)
	}
	if got := fs.sent()[0]; !strings.Contains(got, "group: session expired") {
		t.Fatalf("unexpected alert %q", got)
	}

	cancel()
	<-done
}
