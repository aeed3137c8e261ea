package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

// restartSections are bound once at startup; a reload only warns about them.
var restartSections = []string{
	"telegram", "storage", "redis", "task_engine",
	"graph", "session", "content", "queue", "dispatch", "analytics",
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	var pending []string
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.Strings("sections", pending))
	}

	a.logs.Apply(mapLogConfig(newCfg, a.hasSender))

	if slices.Contains(sections, "scheduler") {
		a.applyScheduler(c, newCfg)
	}

	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if ncfg.Enabled {
			a.notif.Start(c)
		} else {
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		}
	}

	hcfg, err := mapHTTPConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Reconfigure(c, hcfg); err != nil {
		a.log.Error("http api reconfigure failed", logx.Err(err))
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) applyScheduler(c context.Context, cfg *config.Config) {
	if d, err := mapRunTimeout(cfg); err == nil {
		a.runTimeout.Store(int64(d))
	}
	// Cron and slot expansion must agree on the zone.
	if loc, err := mapLocation(cfg); err == nil {
		a.sched.Apply(scheduler.Config{Timezone: cfg.Scheduler.Timezone})
		a.queue.SetLocation(loc)
	} else {
		a.log.Warn("invalid scheduler timezone; keeping previous", logx.Err(err))
	}
	if err := a.registerWindows(cfg); err != nil {
		a.log.Warn("invalid scheduler windows; keeping previous", logx.Err(err))
	}
	a.warnUnscheduledSlots(c, cfg)

	switch {
	case a.schedOn && !cfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.schedOn = false
	case !a.schedOn && cfg.Scheduler.Enabled:
		if !a.engineOn {
			a.log.Warn("scheduler enabled but the task engine was off at startup; restart required")
			return
		}
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
		a.schedOn = true
	}
}
