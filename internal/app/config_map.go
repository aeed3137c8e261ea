package app

import (
	"fmt"
	"strings"
	"time"

	"postbot/internal/analytics"
	"postbot/internal/config"
	"postbot/internal/content"
	"postbot/internal/dispatch"
	"postbot/internal/httpapi"
	"postbot/internal/notifier"
	"postbot/internal/pipeline"
	"postbot/internal/poster"
	"postbot/internal/queue"
	"postbot/internal/session"
	"postbot/internal/task/engine"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

const defaultRunTimeout = 15 * time.Minute

// durations parses config duration strings, keeping the first error.
type durations struct{ err error }

func (p *durations) get(path, raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

func mapLogConfig(cfg *config.Config, alerts bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    alerts && cfg.Logging.Telegram.Enabled && cfg.Telegram.AlertChat != 0,
			ChatID:     cfg.Telegram.AlertChat,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// engineEnabled defaults to true; the engine runs both scheduled and manual
// posting passes.
func engineEnabled(cfg *config.Config) bool {
	te := cfg.TaskEngine
	return te == nil || te.Enabled == nil || *te.Enabled
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Workers: 1, QueueSize: 64, HistorySize: 200}
	if cfg.Scheduler.Enabled && !engineEnabled(cfg) {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	var p durations
	out.DefaultTimeout = p.get("task_engine.default_timeout", te.DefaultTimeout, 0)
	out.MaxQueueDelay = p.get("task_engine.max_queue_delay", te.MaxQueueDelay, 0)
	return out, p.err
}

// mapNotifierConfig enables the notifier with defaults when the section is
// omitted. It stays off without an alert chat.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:    true,
		Target:     kit.ChatTarget{ChatID: cfg.Telegram.AlertChat},
		Workers:    1,
		QueueSize:  128,
		RatePerSec: 1,
		RetryMax:   3,
	}
	var p durations
	out.RetryBase = 500 * time.Millisecond
	out.RetryMaxDelay = 10 * time.Second
	out.DedupWindow = 10 * time.Minute
	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
		}
		out.Enabled = n.Enabled
		if n.Workers > 0 {
			out.Workers = n.Workers
		}
		if n.QueueSize > 0 {
			out.QueueSize = n.QueueSize
		}
		if n.RatePerSec > 0 {
			out.RatePerSec = n.RatePerSec
		}
		out.RetryMax = n.RetryMax
		out.RetryBase = p.get("notifier.retry_base", n.RetryBase, out.RetryBase)
		out.RetryMaxDelay = p.get("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay)
		out.DedupWindow = p.get("notifier.dedup_window", n.DedupWindow, out.DedupWindow)
	}
	if cfg.Telegram.AlertChat == 0 || strings.TrimSpace(cfg.Telegram.Token) == "" {
		out.Enabled = false
	}
	return out, p.err
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	var p durations
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Metrics:       h.Metrics,
		ReadTimeout:   p.get("http.read_timeout", h.ReadTimeout, 30*time.Second),
		// A synchronous /trigger-queue pass can take minutes.
		WriteTimeout: p.get("http.write_timeout", h.WriteTimeout, 20*time.Minute),
		IdleTimeout:  p.get("http.idle_timeout", h.IdleTimeout, 2*time.Minute),
	}
	if out.Addr == "" {
		out.Addr = httpapi.DefaultAddr
	}
	return out, p.err
}

func mapRunTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.run_timeout", cfg.Scheduler.RunTimeout, defaultRunTimeout)
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapQueueConfig(cfg *config.Config, loc *time.Location) (queue.Config, error) {
	var p durations
	q := cfg.Queue
	out := queue.Config{
		Location:     loc,
		Cooldown:     p.get("queue.cooldown", q.Cooldown, queue.DefaultCooldown),
		AngleWindow:  p.get("queue.angle_window", q.AngleWindow, queue.DefaultAngleWindow),
		DedupRetries: q.DedupRetries,
		Horizon:      p.get("queue.horizon", q.Horizon, queue.DefaultHorizon),
	}
	return out, p.err
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	var p durations
	d := cfg.Dispatch
	out := dispatch.Config{
		Window:       p.get("dispatch.window", d.Window, dispatch.DefaultWindow),
		TargetDelay:  p.get("dispatch.target_delay", d.TargetDelay, dispatch.DefaultTargetDelay),
		EntryDelay:   p.get("dispatch.entry_delay", d.EntryDelay, dispatch.DefaultEntryDelay),
		EntryTimeout: p.get("dispatch.entry_timeout", d.EntryTimeout, dispatch.DefaultEntryTimeout),
	}
	return out, p.err
}

func mapGraphConfig(cfg *config.Config) (poster.GraphConfig, poster.TargetConfig, error) {
	g := cfg.Graph
	timeout, err := config.ParseDurationOrDefault("graph.timeout", g.Timeout, 10*time.Second)
	if err != nil {
		return poster.GraphConfig{}, poster.TargetConfig{}, err
	}
	groupID := strings.TrimSpace(g.GroupID)
	if groupID == "" {
		groupID = strings.TrimSpace(cfg.Session.GroupID)
	}
	return poster.GraphConfig{
			BaseURL:       g.BaseURL,
			APIVersion:    g.APIVersion,
			Timeout:       timeout,
			StorageDomain: g.StorageDomain,
		}, poster.TargetConfig{
			PageID:     strings.TrimSpace(g.PageID),
			PageToken:  strings.TrimSpace(g.PageToken),
			GroupID:    groupID,
			GroupToken: strings.TrimSpace(g.GroupToken),
		}, nil
}

// sessionConfigured reports whether browser login credentials are present.
func sessionConfigured(cfg *config.Config) bool {
	return strings.TrimSpace(cfg.Session.Email) != "" && cfg.Session.Password != ""
}

func mapSessionConfig(cfg *config.Config) (session.Config, session.RodConfig, time.Duration, error) {
	s := cfg.Session
	var p durations
	out := session.Config{
		Account:         strings.TrimSpace(s.Account),
		Email:           strings.TrimSpace(s.Email),
		Password:        s.Password,
		TTL:             p.get("session.ttl", s.TTL, session.DefaultTTL),
		BaseURL:         s.BaseURL,
		GraphQLPath:     s.GraphQLPath,
		PublishDocID:    strings.TrimSpace(s.PublishDocID),
		UserAgent:       userAgent(s.UserAgent),
		NavTimeout:      p.get("session.nav_timeout", s.NavTimeout, 0),
		SelectorTimeout: p.get("session.selector_timeout", s.SelectorTimeout, 0),
		HTTPTimeout:     p.get("session.http_timeout", s.HTTPTimeout, 0),
		DiagnosticsDir:  s.DiagnosticsDir,
	}
	headless := true
	if s.Headless != nil {
		headless = *s.Headless
	}
	rod := session.RodConfig{Bin: s.BrowserBin, ControlURL: s.BrowserURL, Headless: headless, UserAgent: out.UserAgent}
	within := p.get("session.refresh_when", s.RefreshWhen, pipeline.DefaultRefreshWithin)
	return out, rod, within, p.err
}

// userAgent keeps the browser and the publish replay on one identity.
func userAgent(raw string) string {
	if ua := strings.TrimSpace(raw); ua != "" {
		return ua
	}
	return session.DefaultUserAgent
}

func mapContentConfig(cfg *config.Config) (content.GeneratorConfig, error) {
	c := cfg.Content
	timeout, err := config.ParseDurationOrDefault("content.timeout", c.Timeout, 20*time.Second)
	if err != nil {
		return content.GeneratorConfig{}, err
	}
	return content.GeneratorConfig{
		OpenAIKey:     c.OpenAIKey,
		OpenAIBaseURL: c.OpenAIBaseURL,
		Model:         c.Model,
		Timeout:       timeout,
		SiteURL:       c.SiteURL,
		SiteName:      c.SiteName,
	}, nil
}

func mapAnalyticsConfig(cfg *config.Config) (analytics.Config, error) {
	var p durations
	out := analytics.Config{
		MinAge:    p.get("analytics.min_age", cfg.Analytics.MinAge, analytics.DefaultMinAge),
		MaxAge:    p.get("analytics.max_age", cfg.Analytics.MaxAge, analytics.DefaultMaxAge),
		PageToken: strings.TrimSpace(cfg.Graph.PageToken),
	}
	return out, p.err
}

// validate is installed on the config manager: a reload that cannot be
// mapped is rejected before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunTimeout(cfg); err != nil {
		return err
	}
	_, err := mapLocation(cfg)
	return err
}
