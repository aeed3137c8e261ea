package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

// AddWindows registers job under name for every window. Previous windows with
// the same name are replaced. Triggers skip while an earlier run of the same
// job is queued or running.
func (s *Service) AddWindows(name string, windows []string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	specs := make([]string, 0, len(windows))
	for _, w := range windows {
		spec, err := WindowSpec(w)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", name, spec, err)
		}
		specs = append(specs, spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	for _, spec := range specs {
		s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job})
		if s.c != nil {
			s.registerLocked(&s.defs[len(s.defs)-1])
		}
	}
	s.log.Debug("windows registered", logx.String("name", name), logx.Strings("specs", specs), logx.String("next", s.previewLocked(specs)))
	return nil
}

// Remove drops every window registered under name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	s.defs = s.defs[:n]
	return removed
}

// Trigger enqueues name's job now, outside its windows.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("unknown schedule %q", name)
	}
	return s.enqueue(*def)
}

func (s *Service) enqueue(d scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{
		Name:          d.name,
		Timeout:       d.timeout,
		Run:           d.job,
		SkipIfRunning: true,
	})
}

// registerLocked adds d to the running cron. Specs were validated on add.
func (s *Service) registerLocked(d *scheduleDef) {
	def := *d
	id, err := s.c.AddJob(d.spec, cron.FuncJob(func() {
		s.reportEnqueueError(def.name, s.enqueue(def))
	}))
	if err != nil {
		s.log.Error("window register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = id
}

// previewLocked lists the next trigger per spec for debug logs.
func (s *Service) previewLocked(specs []string) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	now := time.Now().In(s.location())
	var b strings.Builder
	for i, spec := range specs {
		sched, err := s.parser.Parse(spec)
		if err != nil {
			continue
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sched.Next(now).Format("2006-01-02 15:04"))
	}
	return b.String()
}
