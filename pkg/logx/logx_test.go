package logx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	kit "postbot/internal/transport"
)

type recSender struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (r *recSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	r.to = append(r.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(b)
}

func TestFileSinkHonorsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postbot.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}, nil)

	log.With(String("comp", "queue")).Info("populate done")
	log.With(String("comp", "queue")).Warn("slot skipped", Int("hour", 9), Err(errors.New("no subject")))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := readLog(t, path)
	if strings.Contains(out, "populate done") {
		t.Fatalf("info record written at warn level:\n%s", out)
	}
	for _, want := range []string{`"message":"slot skipped"`, `"comp":"queue"`, `"err":"no subject"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s:\n%s", want, out)
		}
	}
}

func TestApplySwapsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postbot.log")
	cfg := Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg, nil)
	if log.Enabled(LevelInfo) {
		t.Fatalf("info enabled at error level")
	}

	cfg.Level = "debug"
	svc.Apply(cfg)
	if !log.Enabled(LevelDebug) {
		t.Fatalf("debug not enabled after Apply")
	}
	log.Debug("now visible")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if out := readLog(t, path); !strings.Contains(out, "now visible") {
		t.Fatalf("debug record missing after Apply:\n%s", out)
	}
}

func TestAlertSinkForwardsAboveMinLevel(t *testing.T) {
	rs := &recSender{}
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "a.log")},
		Alert: AlertConfig{Enabled: true, ChatID: -100, ThreadID: 7, MinLevel: "error", RatePerSec: 10},
	}, rs)
	defer svc.Close()

	log.Warn("not forwarded")
	log.Error("dispatch failed", String("entry", "q1"))

	deadline := time.Now().Add(2 * time.Second)
	for len(rs.texts()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("alert not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	texts := rs.texts()
	if len(texts) != 1 {
		t.Fatalf("expected 1 alert, got %d: %q", len(texts), texts)
	}
	if !strings.HasPrefix(texts[0], "[ERROR] dispatch failed") || !strings.Contains(texts[0], "- entry=q1") {
		t.Fatalf("unexpected alert text %q", texts[0])
	}
	rs.mu.Lock()
	to := rs.to[0]
	rs.mu.Unlock()
	if to != (kit.ChatTarget{ChatID: -100, ThreadID: 7}) {
		t.Fatalf("alert sent to %+v", to)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero Logger reports non-zero")
	}
	l.Info("dropped")
	if Nop().IsZero() {
		t.Fatalf("Nop logger reports zero")
	}
}

func TestFormatAlert(t *testing.T) {
	got := formatAlert([]byte(`{"level":"warn","message":"retrying","time":"x","attempt":2}`))
	if want := "[WARN] retrying\n- attempt=2"; got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("not json\n")); got != "not json" {
		t.Fatalf("formatAlert(raw) = %q", got)
	}
	if n := len(truncate(strings.Repeat("a", 50), 20)); n != 20 {
		t.Fatalf("truncate length = %d", n)
	}
}
