package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/pipeline"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// registerWindows (re)binds the three pipeline jobs to their configured
// windows. A job with no windows is removed.
func (a *App) registerWindows(cfg *config.Config) error {
	sc := cfg.Scheduler

	if err := a.bindWindows(pipeline.JobPosting, sc.PostingTimes, func(ctx context.Context) error {
		_, err := a.pipe.Posting(ctx)
		return err
	}); err != nil {
		return err
	}

	var refresh []string
	if sessionConfigured(cfg) {
		refresh = windowList(sc.TokenRefresh)
	}
	if err := a.bindWindows(pipeline.JobTokenRefresh, refresh, func(ctx context.Context) error {
		_, err := a.pipe.TokenRefresh(ctx)
		return err
	}); err != nil {
		return err
	}

	return a.bindWindows(pipeline.JobAnalytics, windowList(sc.Analytics), func(ctx context.Context) error {
		_, err := a.pipe.Analytics(ctx)
		return err
	})
}

func (a *App) bindWindows(name string, windows []string, job func(ctx context.Context) error) error {
	if len(windows) == 0 {
		if a.sched.Remove(name) {
			a.log.Info("schedule removed", logx.String("job", name))
		}
		return nil
	}
	return a.sched.AddWindows(name, windows, time.Duration(a.runTimeout.Load()), job)
}

func windowList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []string{s}
}

// warnUnscheduledSlots reports active slots that no posting window reaches.
// Their entries would stay pending forever.
func (a *App) warnUnscheduledSlots(ctx context.Context, cfg *config.Config) {
	if !cfg.Scheduler.Enabled {
		return
	}
	slots, err := a.db.ActiveSlots(ctx)
	if err != nil {
		a.log.Warn("posting slots unreadable; window check skipped", logx.Err(err))
		return
	}
	if miss := unscheduledSlots(slots, cfg.Scheduler.PostingTimes, a.dispatchWindow); len(miss) > 0 {
		a.log.Warn("active posting slots have no posting window",
			logx.Strings("slots", miss),
			logx.Strings("posting_times", cfg.Scheduler.PostingTimes))
	}
}

// unscheduledSlots returns the times of slots with no window within
// tolerance on the 24h clock. Malformed times are left to Populate.
func unscheduledSlots(slots []storage.PostingScheduleSlot, windows []string, tolerance time.Duration) []string {
	var at []int
	for _, w := range windows {
		if h, m, err := config.ParseHHMM(w); err == nil {
			at = append(at, h*60+m)
		}
	}
	var out []string
	for _, s := range slots {
		h, m, err := config.ParseHHMM(s.TimeOfDay)
		if err != nil {
			continue
		}
		if !reachable(h*60+m, at, tolerance) && !slices.Contains(out, s.TimeOfDay) {
			out = append(out, s.TimeOfDay)
		}
	}
	return out
}

func reachable(minute int, windows []int, tolerance time.Duration) bool {
	for _, w := range windows {
		d := minute - w
		if d < 0 {
			d = -d
		}
		d = min(d, 24*60-d)
		if time.Duration(d)*time.Minute <= tolerance {
			return true
		}
	}
	return false
}
