package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`

	Storage StorageConfig `json:"storage"`
	Redis   RedisConfig   `json:"redis"`

	// Scheduler controls the daily posting, token-refresh and analytics windows.
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	HTTP       HTTPConfig        `json:"http"`

	Queue     QueueConfig     `json:"queue"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Graph     GraphConfig     `json:"graph"`
	Session   SessionConfig   `json:"session"`
	Content   ContentConfig   `json:"content"`
	Analytics AnalyticsConfig `json:"analytics"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator alert channel. Token empty disables alerts.
type TelegramConfig struct {
	Token     string `json:"token"`
	AlertChat int64  `json:"alert_chat"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig selects the relational store.
//
// Example:
//
//	"storage": { "driver": "postgres", "dsn": "postgres://bot:pw@localhost:5432/directory?sslmode=disable" }
//	"storage": { "driver": "sqlite", "path": "./postbot.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn,omitempty"`
	Path   string `json:"path,omitempty"`

	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	AutoMigrate  bool   `json:"auto_migrate,omitempty"`
}

// RedisConfig backs the session actor state. Addr empty keeps state in memory.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// SchedulerConfig controls the trigger windows.
//
// Times are "HH:MM" in Timezone.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	PostingTimes []string `json:"posting_times"`
	TokenRefresh string   `json:"token_refresh,omitempty"`
	Analytics    string   `json:"analytics,omitempty"`

	// RunTimeout bounds one scheduled invocation.
	RunTimeout string `json:"run_timeout,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 1
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// HTTPConfig controls the operational API.
//
// Prefer binding to localhost. If you bind to a non-loopback address,
// set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type QueueConfig struct {
	// Cooldown is the minimum gap before a subject is reused.
	Cooldown string `json:"cooldown,omitempty"` // default "720h"
	// AngleWindow is how far back VIP angle usage is considered.
	AngleWindow  string `json:"angle_window,omitempty"` // default "192h"
	DedupRetries int    `json:"dedup_retries,omitempty"`
	Horizon      string `json:"horizon,omitempty"` // default "24h"
}

type DispatchConfig struct {
	Window       string `json:"window,omitempty"`        // default "300s"
	TargetDelay  string `json:"target_delay,omitempty"`  // default "2s"
	EntryDelay   string `json:"entry_delay,omitempty"`   // default "2s"
	EntryTimeout string `json:"entry_timeout,omitempty"` // default "2m"
}

type GraphConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
	Timeout    string `json:"timeout,omitempty"`

	PageID     string `json:"page_id"`
	PageToken  string `json:"page_token"`
	GroupID    string `json:"group_id,omitempty"`
	GroupToken string `json:"group_token,omitempty"`

	// StorageDomain marks image URLs that can be published as photos.
	StorageDomain string `json:"storage_domain,omitempty"`
}

type SessionConfig struct {
	Account  string `json:"account"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`

	TTL         string `json:"ttl,omitempty"` // default "24h"
	RefreshWhen string `json:"refresh_when,omitempty"`

	BaseURL      string `json:"base_url,omitempty"`
	GraphQLPath  string `json:"graphql_path,omitempty"`
	PublishDocID string `json:"publish_doc_id,omitempty"`
	GroupID      string `json:"group_id,omitempty"`
	// UserAgent is sent by both the login browser and the publish request.
	UserAgent string `json:"user_agent,omitempty"`

	NavTimeout      string `json:"nav_timeout,omitempty"`
	SelectorTimeout string `json:"selector_timeout,omitempty"`
	HTTPTimeout     string `json:"http_timeout,omitempty"`

	BrowserBin     string `json:"browser_bin,omitempty"`
	BrowserURL     string `json:"browser_url,omitempty"`
	Headless       *bool  `json:"headless,omitempty"`
	DiagnosticsDir string `json:"diagnostics_dir,omitempty"`
}

type ContentConfig struct {
	OpenAIKey     string `json:"openai_key,omitempty"`
	OpenAIBaseURL string `json:"openai_base_url,omitempty"`
	Model         string `json:"model,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	SiteURL       string `json:"site_url"`
	SiteName      string `json:"site_name,omitempty"`
}

type AnalyticsConfig struct {
	MinAge string `json:"min_age,omitempty"` // default "1h"
	MaxAge string `json:"max_age,omitempty"` // default "168h"
}
