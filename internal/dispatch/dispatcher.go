// Package dispatch publishes queue entries whose time has come.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"postbot/internal/content"
	"postbot/internal/poster"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	DefaultWindow       = 300 * time.Second
	DefaultTargetDelay  = 2 * time.Second
	DefaultEntryDelay   = 2 * time.Second
	DefaultEntryTimeout = 2 * time.Minute
)

type Store interface {
	DueEntries(ctx context.Context, from, to time.Time) ([]storage.QueueEntry, error)
	CompleteEntry(ctx context.Context, id string, o storage.Outcome) error
}

type Config struct {
	// Window is the half-width of the due range around now.
	Window       time.Duration
	TargetDelay  time.Duration
	EntryDelay   time.Duration
	EntryTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.TargetDelay < 0 {
		c.TargetDelay = 0
	}
	if c.EntryDelay < 0 {
		c.EntryDelay = 0
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = DefaultEntryTimeout
	}
}

type TargetOutcome struct {
	Target      content.TargetType `json:"target"`
	Kind        string             `json:"kind,omitempty"`
	Success     bool               `json:"success"`
	PostID      string             `json:"post_id,omitempty"`
	Error       string             `json:"error,omitempty"`
	Unconfirmed bool               `json:"unconfirmed,omitempty"`
}

type EntryOutcome struct {
	ID          string              `json:"id"`
	ContentType content.ContentType `json:"content_type"`
	Status      storage.Status      `json:"status"`
	PagePostID  string              `json:"page_post_id,omitempty"`
	GroupPostID string              `json:"group_post_id,omitempty"`
	Error       string              `json:"error,omitempty"`
	Targets     []TargetOutcome     `json:"targets"`
	// Stale is set when the entry was no longer pending at write time.
	Stale bool `json:"stale,omitempty"`
}

type Result struct {
	Posted       int            `json:"posted"`
	Failed       int            `json:"failed"`
	PagePostIDs  []string       `json:"page_post_ids"`
	GroupPostIDs []string       `json:"group_post_ids,omitempty"`
	Entries      []EntryOutcome `json:"entries"`
}

type Dispatcher struct {
	cfg     Config
	store   Store
	targets poster.Targets
	log     logx.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, store Store, targets poster.Targets, log logx.Logger) *Dispatcher {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		targets: targets,
		log:     log.With(logx.String("comp", "dispatch")),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func (d *Dispatcher) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// SetSleep replaces the politeness delay, mainly for tests.
func (d *Dispatcher) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		d.sleep = fn
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ProcessDue publishes every pending entry scheduled within the window around
// now. Entries are independent: one failing or panicking never stops the rest.
func (d *Dispatcher) ProcessDue(ctx context.Context, now time.Time) (Result, error) {
	res := Result{PagePostIDs: []string{}}
	due, err := d.store.DueEntries(ctx, now.Add(-d.cfg.Window), now.Add(d.cfg.Window))
	if err != nil {
		return res, fmt.Errorf("dispatch: load due entries: %w", err)
	}
	if len(due) == 0 {
		d.log.Debug("nothing due", logx.Time("now", now))
		return res, nil
	}
	d.log.Info("dispatching due entries", logx.Int("count", len(due)))

	for i := range due {
		if i > 0 {
			if err := d.sleep(ctx, d.cfg.EntryDelay); err != nil {
				return res, err
			}
		}
		out := d.processEntry(ctx, due[i])
		res.Entries = append(res.Entries, out)
		switch out.Status {
		case storage.StatusPosted:
			res.Posted++
		case storage.StatusFailed:
			res.Failed++
		}
		if out.PagePostID != "" {
			res.PagePostIDs = append(res.PagePostIDs, out.PagePostID)
		}
		if out.GroupPostID != "" {
			res.GroupPostIDs = append(res.GroupPostIDs, out.GroupPostID)
		}
	}
	return res, nil
}

func (d *Dispatcher) posterFor(t content.TargetType) poster.Poster {
	switch t {
	case content.TargetPage:
		return d.targets.Page
	case content.TargetGroup:
		return d.targets.Group
	}
	return nil
}

func (d *Dispatcher) processEntry(ctx context.Context, e storage.QueueEntry) (out EntryOutcome) {
	out = EntryOutcome{ID: e.ID, ContentType: e.ContentType}
	log := d.log.With(logx.String("entry", e.ID), logx.String("type", string(e.ContentType)))

	// sent is set once the outcome is handed to the store, stored once that
	// call returned.
	var sent, stored bool
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("entry panicked", logx.Any("panic", r), logx.Bool("outcome_stored", stored), logx.Stack(string(debug.Stack())))
		if stored {
			return
		}
		msg := fmt.Sprintf("internal error: %v", r)
		err := d.write(ctx, e.ID, storage.Outcome{Status: storage.StatusFailed, PostedAt: d.now().UTC(), ErrorMessage: msg})
		if sent && errors.Is(err, storage.ErrNotPending) {
			// The panicking store call had already written the outcome.
			return
		}
		out.Status, out.Error = storage.StatusFailed, msg
		d.report(log, err, &out)
	}()

	ectx, cancel := context.WithTimeout(ctx, d.cfg.EntryTimeout)
	defer cancel()

	req := poster.Request{Message: e.Message, Link: e.Link, ImageURL: e.ImageURL}
	surfaces := e.TargetType.Surfaces()
	if len(surfaces) == 0 {
		out.Targets = append(out.Targets, TargetOutcome{Target: e.TargetType, Error: "unknown target type"})
	}
	for i, s := range surfaces {
		if i > 0 {
			_ = d.sleep(ectx, d.cfg.TargetDelay)
		}
		out.Targets = append(out.Targets, d.attempt(ectx, log, s, req))
	}

	now := d.now().UTC()
	o := storage.Outcome{Status: storage.StatusFailed, PostedAt: now}
	var errs []string
	for _, t := range out.Targets {
		if !t.Success {
			errs = append(errs, string(t.Target)+": "+t.Error)
			continue
		}
		o.Status = storage.StatusPosted
		switch t.Target {
		case content.TargetPage:
			o.PagePostID = t.PostID
		case content.TargetGroup:
			o.GroupPostID = t.PostID
		}
		if ref := e.SubjectRef(); e.ContentType.DedupEligible() && ref > 0 {
			o.Records = append(o.Records, storage.PostedContentRecord{
				ContentType: e.ContentType,
				ContentID:   ref,
				TargetType:  t.Target,
				QueueID:     e.ID,
				PostedAt:    now,
			})
		}
		o.Analytics = append(o.Analytics, storage.PostAnalytics{
			QueueID:    e.ID,
			TargetType: t.Target,
			PostID:     t.PostID,
			CreatedAt:  now,
		})
	}
	o.ErrorMessage = strings.Join(errs, "; ")
	if o.Status == storage.StatusPosted && e.PostAngle != "" && e.BusinessID != nil {
		o.VIP = &storage.VIPPostHistory{
			BusinessID:  *e.BusinessID,
			PostAngle:   e.PostAngle,
			ContentHash: e.ContentHash,
			QueueID:     e.ID,
			PostID:      firstNonEmpty(o.PagePostID, o.GroupPostID),
			HadMascot:   e.HadMascot,
			PostedAt:    now,
		}
	}

	out.Status = o.Status
	out.PagePostID = o.PagePostID
	out.GroupPostID = o.GroupPostID
	out.Error = o.ErrorMessage
	sent = true
	d.report(log, d.write(ctx, e.ID, o), &out)
	stored = true

	if o.Status == storage.StatusPosted {
		log.Info("entry posted",
			logx.String("page_post_id", o.PagePostID),
			logx.String("group_post_id", o.GroupPostID),
			logx.String("errors", o.ErrorMessage))
	} else {
		log.Warn("entry failed", logx.String("errors", o.ErrorMessage))
	}
	return out
}

// attempt posts to one surface. A poster panic fails only that surface.
func (d *Dispatcher) attempt(ctx context.Context, log logx.Logger, s content.TargetType, req poster.Request) (t TargetOutcome) {
	t = TargetOutcome{Target: s}
	p := d.posterFor(s)
	if p == nil {
		t.Error = "no poster configured"
		return t
	}
	t.Kind = p.Kind()

	defer func() {
		if r := recover(); r != nil {
			log.Error("poster panicked", logx.String("target", string(s)), logx.Any("panic", r))
			t.Success, t.PostID, t.Error = false, "", fmt.Sprintf("poster panic: %v", r)
		}
	}()

	started := time.Now()
	r := p.Post(ctx, req)
	t.Success, t.PostID, t.Error, t.Unconfirmed = r.Success, r.PostID, r.Error, r.Unconfirmed
	if t.Success && t.Unconfirmed {
		log.Warn("post success is unconfirmed", logx.String("target", string(s)), logx.String("kind", t.Kind))
	}
	if !t.Success && t.Error == "" {
		t.Error = "unknown error"
	}
	log.Debug("target attempted",
		logx.String("target", string(s)),
		logx.String("kind", t.Kind),
		logx.Bool("success", t.Success),
		logx.Duration("took", time.Since(started)))
	return t
}

// write stores the outcome with a context that survives cancellation of
// the pass, so a finished post is never left pending.
func (d *Dispatcher) write(ctx context.Context, id string, o storage.Outcome) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return d.store.CompleteEntry(wctx, id, o)
}

func (d *Dispatcher) report(log logx.Logger, err error, out *EntryOutcome) {
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotPending):
		out.Stale = true
		log.Warn("entry was completed elsewhere")
	default:
		log.Error("persist outcome failed", logx.Err(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
