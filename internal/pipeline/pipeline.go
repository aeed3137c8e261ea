// Package pipeline wires the queue, dispatcher, analytics collector and
// session actor into the three scheduled jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"postbot/internal/analytics"
	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/queue"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	JobPosting      = "posting"
	JobAnalytics    = "analytics"
	JobTokenRefresh = "token-refresh"
)

// DefaultRefreshWithin re-logs the session when it expires within this margin.
const DefaultRefreshWithin = 2 * time.Hour

type Populator interface {
	Populate(ctx context.Context, now time.Time) (queue.Result, error)
}

type Dispatcher interface {
	ProcessDue(ctx context.Context, now time.Time) (dispatch.Result, error)
}

type Refresher interface {
	Refresh(ctx context.Context, now time.Time) (analytics.Result, error)
}

type SessionRefresher interface {
	RefreshIfNeeded(ctx context.Context, within time.Duration) (bool, error)
}

// Observer records job outcomes; metrics.Metrics satisfies it.
type Observer interface {
	ObservePopulate(r queue.Result)
	ObserveDispatch(r dispatch.Result)
	ObserveAnalytics(r analytics.Result)
	ObserveJob(job string, took time.Duration, err error)
}

type Deps struct {
	Queue     Populator
	Dispatch  Dispatcher
	Analytics Refresher
	// Session is nil when no session account is configured.
	Session SessionRefresher

	Observer Observer
	Bus      eventbus.Bus
	Log      logx.Logger

	RefreshWithin time.Duration
}

// PostingResult is one populate + dispatch pass.
type PostingResult struct {
	Created      int      `json:"created"`
	Skipped      int      `json:"skipped"`
	Posted       int      `json:"posted"`
	Failed       int      `json:"failed"`
	PagePostIDs  []string `json:"page_post_ids"`
	GroupPostIDs []string `json:"group_post_ids"`

	Populate queue.Result    `json:"populate"`
	Dispatch dispatch.Result `json:"dispatch"`
}

type Pipeline struct {
	d   Deps
	log logx.Logger
	now func() time.Time
}

func New(d Deps) *Pipeline {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.RefreshWithin <= 0 {
		d.RefreshWithin = DefaultRefreshWithin
	}
	return &Pipeline{d: d, log: d.Log.With(logx.String("comp", "pipeline")), now: time.Now}
}

func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Posting fills the queue forward and publishes whatever is due. A populate
// failure does not stop dispatch of entries already queued.
func (p *Pipeline) Posting(ctx context.Context) (res PostingResult, err error) {
	defer p.guard(JobPosting, time.Now(), &err)

	now := p.now()
	pop, popErr := p.d.Queue.Populate(ctx, now)
	if popErr != nil {
		p.log.Error("queue population failed", logx.Err(popErr))
	}
	res.Populate, res.Created, res.Skipped = pop, pop.Created, pop.Skipped
	if p.d.Observer != nil {
		p.d.Observer.ObservePopulate(pop)
	}
	p.d.Bus.Publish(eventbus.Event{Type: eventbus.QueuePopulated, Data: eventbus.PopulateEvent{
		Created: pop.Created, Skipped: pop.Skipped, Fallbacks: pop.Fallbacks, EntryIDs: pop.EntryIDs,
	}})

	dr, dispErr := p.d.Dispatch.ProcessDue(ctx, p.now())
	if dispErr != nil {
		p.log.Error("dispatch failed", logx.Err(dispErr))
	}
	res.Dispatch = dr
	res.Posted, res.Failed = dr.Posted, dr.Failed
	res.PagePostIDs = nonNil(dr.PagePostIDs)
	res.GroupPostIDs = nonNil(dr.GroupPostIDs)
	if p.d.Observer != nil {
		p.d.Observer.ObserveDispatch(dr)
	}
	p.publishEntries(dr)

	return res, errors.Join(wrap("populate", popErr), wrap("dispatch", dispErr))
}

func (p *Pipeline) publishEntries(dr dispatch.Result) {
	for _, e := range dr.Entries {
		if e.Stale {
			continue
		}
		ev := eventbus.EntryEvent{
			QueueID:     e.ID,
			ContentType: string(e.ContentType),
			PagePostID:  e.PagePostID,
			GroupPostID: e.GroupPostID,
			Error:       e.Error,
		}
		typ := eventbus.EntryPosted
		if e.Status == storage.StatusFailed {
			typ = eventbus.EntryFailed
		}
		p.d.Bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
	p.d.Bus.Publish(eventbus.Event{Type: eventbus.DispatchFinished, Data: eventbus.DispatchEvent{
		Posted:       dr.Posted,
		Failed:       dr.Failed,
		PagePostIDs:  nonNil(dr.PagePostIDs),
		GroupPostIDs: dr.GroupPostIDs,
	}})
}

func (p *Pipeline) Analytics(ctx context.Context) (res analytics.Result, err error) {
	defer p.guard(JobAnalytics, time.Now(), &err)

	res, err = p.d.Analytics.Refresh(ctx, p.now())
	if err != nil {
		return res, err
	}
	if p.d.Observer != nil {
		p.d.Observer.ObserveAnalytics(res)
	}
	p.d.Bus.Publish(eventbus.Event{Type: eventbus.AnalyticsRefreshed, Data: eventbus.AnalyticsEvent{Updated: res.Updated, Failed: res.Failed}})
	return res, nil
}

// TokenRefresh re-logs the session when it is missing or near expiry. It
// reports whether a login ran.
func (p *Pipeline) TokenRefresh(ctx context.Context) (ran bool, err error) {
	defer p.guard(JobTokenRefresh, time.Now(), &err)

	if p.d.Session == nil {
		p.log.Debug("token refresh skipped: no session account configured")
		return false, nil
	}
	return p.d.Session.RefreshIfNeeded(ctx, p.d.RefreshWithin)
}

// guard converts a panic into err and records the job outcome.
func (p *Pipeline) guard(job string, start time.Time, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s: panic: %v", job, r)
		p.log.Error("job panicked", logx.String("job", job), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
	}
	took := time.Since(start)
	if p.d.Observer != nil {
		p.d.Observer.ObserveJob(job, took, *err)
	}
	if *err != nil {
		p.log.Warn("job finished with errors", logx.String("job", job), logx.Duration("took", took), logx.Err(*err))
	}
}

func wrap(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
