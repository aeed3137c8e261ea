// Package queue fills the posting queue ahead of time.
//
// Populate is idempotent: it only creates entries for slot instants that have
// no entry yet, so it can run at every posting window.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postbot/internal/content"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	DefaultCooldown     = 30 * 24 * time.Hour
	DefaultAngleWindow  = 8 * 24 * time.Hour
	DefaultDedupRetries = 3
	DefaultHorizon      = 24 * time.Hour
)

// Skip reasons reported in Result.Skipped.
const (
	SkipLookup     = "lookup_failed"
	SkipDedup      = "dedup_exhausted"
	SkipGeneration = "generation_failed"
	SkipInsert     = "insert_failed"
	SkipPanic      = "panic"
)

// Store is the persistence the manager reads and writes.
type Store interface {
	ActiveSlots(ctx context.Context) ([]storage.PostingScheduleSlot, error)
	EntryExistsAt(ctx context.Context, t time.Time) (bool, error)
	LastScheduledByType(ctx context.Context) (map[content.ContentType]time.Time, error)
	InsertQueueEntry(ctx context.Context, e *storage.QueueEntry) error

	EligibleBusinesses(ctx context.Context, since time.Time, exclude []int64) ([]storage.Business, error)
	UnsharedBlogPosts(ctx context.Context, exclude []int64) ([]storage.BlogPost, error)
	EligibleCategories(ctx context.Context, since time.Time, exclude []int64) ([]storage.CategoryCandidate, error)
	CategoryName(ctx context.Context, id int64) (string, error)

	ActiveVIPs(ctx context.Context) ([]storage.VIPCandidate, error)
	AngleLastUsed(ctx context.Context, businessID int64) (map[string]time.Time, error)
	AngleTemplate(ctx context.Context, angle string) (*storage.PostAngleTemplate, error)

	SubjectUsedSince(ctx context.Context, ct content.ContentType, id int64, since time.Time) (bool, error)
	LiveHashBetween(ctx context.Context, hash string, from, to time.Time) (bool, error)
}

// Config tunes population. A negative DedupRetries disables retries.
type Config struct {
	Location     *time.Location
	Cooldown     time.Duration
	AngleWindow  time.Duration
	DedupRetries int
	Horizon      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.AngleWindow <= 0 {
		c.AngleWindow = DefaultAngleWindow
	}
	switch {
	case c.DedupRetries == 0:
		c.DedupRetries = DefaultDedupRetries
	case c.DedupRetries < 0:
		c.DedupRetries = 0
	}
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
}

// Result summarises one Populate pass.
type Result struct {
	Created   int            `json:"created"`
	Skipped   int            `json:"skipped"`
	Fallbacks int            `json:"fallbacks"`
	EntryIDs  []string       `json:"entry_ids,omitempty"`
	Reasons   map[string]int `json:"skip_reasons,omitempty"`
}

func (r *Result) skip(reason string) {
	r.Skipped++
	if r.Reasons == nil {
		r.Reasons = map[string]int{}
	}
	r.Reasons[reason]++
}

type Manager struct {
	cfg    Config
	store  Store
	source content.Source
	log    logx.Logger
	rnd    *rand.Rand
	loc    atomic.Pointer[time.Location]
}

func NewManager(cfg Config, store Store, source content.Source, log logx.Logger) *Manager {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		source: source,
		log:    log.With(logx.String("comp", "queue")),
		rnd:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	m.loc.Store(cfg.Location)
	return m
}

// SetLocation changes the zone slot times are read in. It must follow the
// scheduler's zone or slot instants drift away from the posting windows.
func (m *Manager) SetLocation(loc *time.Location) {
	if loc != nil {
		m.loc.Store(loc)
	}
}

func (m *Manager) Location() *time.Location { return m.loc.Load() }

// SetRand replaces the random source used for type and subject picks.
func (m *Manager) SetRand(r *rand.Rand) {
	if r != nil {
		m.rnd = r
	}
}

// Populate creates pending entries for every active slot instant in the
// horizon that has none yet. A failing slot is skipped; only a failure to
// read the schedule aborts the pass.
func (m *Manager) Populate(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	slots, err := m.store.ActiveSlots(ctx)
	if err != nil {
		return res, fmt.Errorf("queue: load slots: %w", err)
	}
	plan, bad := expandSlots(slots, now, m.cfg.Horizon, m.Location())
	for _, err := range bad {
		m.log.Warn("ignoring malformed slot", logx.Err(err))
	}

	lastUse, err := m.store.LastScheduledByType(ctx)
	if err != nil {
		return res, fmt.Errorf("queue: load type usage: %w", err)
	}

	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		exists, err := m.store.EntryExistsAt(ctx, p.at)
		if err != nil {
			m.log.Warn("slot lookup failed", logx.Time("at", p.at), logx.Err(err))
			res.skip(SkipLookup)
			continue
		}
		if exists {
			continue
		}

		entry, fellBack, reason := m.fillSlot(ctx, p, lastUse)
		if entry == nil {
			res.skip(reason)
			continue
		}
		if err := m.store.InsertQueueEntry(ctx, entry); err != nil {
			m.log.Error("queue insert failed", logx.Time("at", p.at), logx.Err(err))
			res.skip(SkipInsert)
			continue
		}
		lastUse[entry.ContentType] = p.at
		if fellBack {
			res.Fallbacks++
		}
		res.Created++
		res.EntryIDs = append(res.EntryIDs, entry.ID)
		m.log.Info("queued post",
			logx.String("id", entry.ID),
			logx.String("type", string(entry.ContentType)),
			logx.String("target", string(entry.TargetType)),
			logx.Time("at", p.at),
			logx.String("angle", entry.PostAngle))
	}
	return res, nil
}

// fillSlot builds the entry for one slot instant. A nil entry comes with the
// skip reason.
func (m *Manager) fillSlot(ctx context.Context, p planned, lastUse map[content.ContentType]time.Time) (entry *storage.QueueEntry, fellBack bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("slot panicked",
				logx.Time("at", p.at),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			entry, fellBack, reason = nil, false, SkipPanic
		}
	}()

	ct := pickContentType(m.rnd, content.ParseContentTypes(p.slot.ContentTypes), lastUse, p.at)
	subj, fellBack, err := m.selectSubject(ctx, ct, p.at)
	if err != nil {
		if errors.Is(err, errDedupExhausted) {
			m.log.Warn("slot skipped: dedup retries exhausted", logx.Time("at", p.at), logx.String("type", string(ct)))
			return nil, false, SkipDedup
		}
		m.log.Warn("slot skipped: subject lookup failed", logx.Time("at", p.at), logx.Err(err))
		return nil, false, SkipLookup
	}

	post, err := m.source.Generate(ctx, subj)
	if err != nil {
		m.log.Warn("slot skipped: generation failed",
			logx.Time("at", p.at),
			logx.String("type", string(subj.Type)),
			logx.Err(err))
		return nil, false, SkipGeneration
	}

	target := p.slot.TargetType
	if !target.Valid() {
		target = content.TargetPage
	}
	e := &storage.QueueEntry{
		ID:           uuid.NewString(),
		ContentType:  subj.Type,
		TargetType:   target,
		Message:      post.Message,
		Link:         post.Link,
		ImageURL:     post.ImageURL,
		ScheduledFor: p.at,
		Status:       storage.StatusPending,
		Priority:     p.slot.Priority,
		ContentHash:  subj.Hash(),
	}
	switch {
	case subj.Business != nil:
		e.BusinessID = &subj.Business.ID
	case subj.BlogPost != nil:
		e.BlogPostID = &subj.BlogPost.ID
	case subj.Category != nil:
		e.CategoryID = &subj.Category.ID
	}
	if subj.VIP != nil {
		e.PostAngle = subj.VIP.Angle
		e.HadMascot = subj.VIP.Mascot
	}
	return e, fellBack, ""
}
