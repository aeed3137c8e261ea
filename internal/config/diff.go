package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (tokens, passwords, keys) are reported only as
// "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.AlertChat != newCfg.Telegram.AlertChat ||
		oldCfg.Telegram.Timeout != newCfg.Telegram.Timeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.Bool("telegram.alert_chat_set", newCfg.Telegram.AlertChat != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.String("redis.addr", newCfg.Redis.Addr))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Strings("scheduler.posting_times", newCfg.Scheduler.PostingTimes),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = "", ""
	if oh != nh || set(oldCfg.HTTP.Token) != set(newCfg.HTTP.Token) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", set(newCfg.HTTP.Token)),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.cooldown", newCfg.Queue.Cooldown),
			logx.String("queue.angle_window", newCfg.Queue.AngleWindow),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
	}

	if oldCfg.Graph != newCfg.Graph {
		changed = append(changed, "graph")
		attrs = append(attrs,
			logx.String("graph.page_id", newCfg.Graph.PageID),
			logx.Bool("graph.page_token_set", set(newCfg.Graph.PageToken)),
			logx.Bool("graph.group_token_set", set(newCfg.Graph.GroupToken)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.account", newCfg.Session.Account),
			logx.Bool("session.credentials_set", set(newCfg.Session.Email) && set(newCfg.Session.Password)),
		)
	}

	if oldCfg.Content != newCfg.Content {
		changed = append(changed, "content")
		attrs = append(attrs,
			logx.Bool("content.openai_key_set", set(newCfg.Content.OpenAIKey)),
			logx.String("content.model", newCfg.Content.Model),
		)
	}
	if oldCfg.Analytics != newCfg.Analytics {
		changed = append(changed, "analytics")
	}

	sort.Strings(changed)
	return changed, attrs
}
