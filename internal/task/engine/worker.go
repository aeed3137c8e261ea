package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) error {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}

	if limit := s.cfg.MaxQueueDelay; limit > 0 && queueDelay > limit {
		s.droppedStale.Add(1)
		item.Error = "stale_queue_delay"
		s.record(item)
		s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: start, Data: TaskEvent{ID: item.ID, Name: item.Name, Started: start, QueueDelay: queueDelay, Error: item.Error}})
		if s.shouldWarn(start) {
			s.log.Warn("job dropped: stale queue", logx.String("job", item.Name), logx.Duration("queue_delay", queueDelay))
		}
		s.finish(qt, ErrStale)
		return
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: start, Data: TaskEvent{ID: item.ID, Name: item.Name, Started: start, QueueDelay: queueDelay}})
	s.log.Debug("job started", logx.String("job", item.Name), logx.Duration("queue_delay", queueDelay))

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	err := s.call(runCtx, qt.task)

	item.Duration = time.Since(start)
	ev := TaskEvent{ID: item.ID, Name: item.Name, Started: start, QueueDelay: queueDelay, Duration: item.Duration}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job failed", logx.String("job", item.Name), logx.Duration("dur", item.Duration), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: ev})
	} else {
		s.log.Info("job completed", logx.String("job", item.Name), logx.Duration("dur", item.Duration))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: ev})
	}
	s.record(item)
	s.finish(qt, err)
}

// call runs the task, turning a panic into an error so the worker survives.
func (s *Service) call(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
