package notifier

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Alerts turns failure events from the bus into operator alerts.
type Alerts struct {
	bus eventbus.Bus
	out Notifier
	log logx.Logger
}

func NewAlerts(bus eventbus.Bus, out Notifier, log logx.Logger) *Alerts {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Alerts{bus: bus, out: out, log: log.With(logx.String("comp", "alerts"))}
}

// Run consumes events until ctx is done.
func (a *Alerts) Run(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			alert, ok := Format(e)
			if !ok {
				continue
			}
			if err := a.out.Notify(ctx, alert); err != nil {
				a.log.Debug("alert not queued", logx.String("kind", alert.Kind), logx.Err(err))
			}
		}
	}
}

// Format builds the alert for e. ok is false for events that need none:
// posted entries, successful logins and finished jobs.
func Format(e eventbus.Event) (Alert, bool) {
	switch d := e.Data.(type) {
	case eventbus.EntryEvent:
		if e.Type != eventbus.EntryFailed {
			return Alert{}, false
		}
		return Alert{
			Kind:     e.Type,
			Subject:  d.QueueID,
			Severity: SeverityWarn,
			Text:     fmt.Sprintf("Post failed (%s, entry %s): %s", d.ContentType, d.QueueID, d.Error),
		}, true
	case eventbus.SessionEvent:
		if e.Type != eventbus.SessionLogin || d.Error == "" {
			return Alert{}, false
		}
		return Alert{
			Kind:     e.Type,
			Subject:  d.Account,
			Severity: SeverityCritical,
			Text:     fmt.Sprintf("Session login failed for %q: %s", d.Account, d.Error),
		}, true
	case engine.TaskEvent:
		if e.Type != eventbus.JobFailed {
			return Alert{}, false
		}
		return Alert{
			Kind:     e.Type,
			Subject:  d.Name,
			Severity: SeverityWarn,
			Text:     fmt.Sprintf("Job %s failed after %s: %s", d.Name, d.Duration.Round(time.Millisecond), d.Error),
		}, true
	}
	return Alert{}, false
}
