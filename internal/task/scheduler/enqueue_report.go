package scheduler

import (
	"errors"
	"time"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// A window firing while the previous run is still going is normal.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("trigger failed to enqueue job", logx.String("schedule", name), logx.Err(err))
}
