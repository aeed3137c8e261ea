package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks field formats. It does not touch the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	case "sqlite", "sqlite3", "":
	default:
		add(fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for i, t := range cfg.Scheduler.PostingTimes {
		if _, _, err := ParseHHMM(t); err != nil {
			add(fmt.Errorf("scheduler.posting_times[%d]: %w", i, err))
		}
	}
	for path, raw := range map[string]string{
		"scheduler.token_refresh": cfg.Scheduler.TokenRefresh,
		"scheduler.analytics":     cfg.Scheduler.Analytics,
	} {
		// Cron expressions are checked when the window is registered.
		if raw = strings.TrimSpace(raw); raw == "" || strings.HasPrefix(raw, "@") || strings.Contains(raw, " ") {
			continue
		}
		if _, _, err := ParseHHMM(raw); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}

	durations := map[string]string{
		"telegram.timeout":         cfg.Telegram.Timeout,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"scheduler.run_timeout":    cfg.Scheduler.RunTimeout,
		"http.read_timeout":        cfg.HTTP.ReadTimeout,
		"http.write_timeout":       cfg.HTTP.WriteTimeout,
		"http.idle_timeout":        cfg.HTTP.IdleTimeout,
		"queue.cooldown":           cfg.Queue.Cooldown,
		"queue.angle_window":       cfg.Queue.AngleWindow,
		"queue.horizon":            cfg.Queue.Horizon,
		"dispatch.window":          cfg.Dispatch.Window,
		"dispatch.target_delay":    cfg.Dispatch.TargetDelay,
		"dispatch.entry_delay":     cfg.Dispatch.EntryDelay,
		"dispatch.entry_timeout":   cfg.Dispatch.EntryTimeout,
		"graph.timeout":            cfg.Graph.Timeout,
		"session.ttl":              cfg.Session.TTL,
		"session.refresh_when":     cfg.Session.RefreshWhen,
		"session.nav_timeout":      cfg.Session.NavTimeout,
		"session.selector_timeout": cfg.Session.SelectorTimeout,
		"session.http_timeout":     cfg.Session.HTTPTimeout,
		"content.timeout":          cfg.Content.Timeout,
		"analytics.min_age":        cfg.Analytics.MinAge,
		"analytics.max_age":        cfg.Analytics.MaxAge,
	}
	if te := cfg.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Queue.DedupRetries < 0 {
		add(errors.New("queue.dedup_retries must be >= 0"))
	}
	if (cfg.Graph.GroupToken != "") && strings.TrimSpace(cfg.Graph.GroupID) == "" {
		add(errors.New("graph.group_id is required when graph.group_token is set"))
	}
	if strings.TrimSpace(cfg.Session.Email) != "" && cfg.Session.Password != "" &&
		strings.TrimSpace(cfg.Session.PublishDocID) == "" {
		add(errors.New("session.publish_doc_id is required when session credentials are set"))
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Token) == "" && !cfg.HTTP.AllowInsecure {
		addr := strings.TrimSpace(cfg.HTTP.Addr)
		if addr != "" && !IsLoopbackAddr(addr) {
			add(fmt.Errorf("http.addr %q is not loopback; set http.token or http.allow_insecure", addr))
		}
	}
	return errors.Join(errs...)
}

// ParseHHMM parses "HH:MM" (24h).
func ParseHHMM(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
