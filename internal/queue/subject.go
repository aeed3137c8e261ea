package queue

import (
	"context"
	"errors"
	"sort"
	"time"

	"postbot/internal/content"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

var errDedupExhausted = errors.New("queue: dedup retries exhausted")

// selectSubject resolves a subject for ct at the slot instant. When ct has no
// eligible subject it falls back to an engagement prompt and reports that.
func (m *Manager) selectSubject(ctx context.Context, ct content.ContentType, at time.Time) (content.Subject, bool, error) {
	var exclude []int64
	for attempt := 0; attempt <= m.cfg.DedupRetries; attempt++ {
		subj, ok, err := m.resolve(ctx, ct, at, exclude)
		if err != nil {
			return content.Subject{}, false, err
		}
		if !ok {
			if ct != content.EngagementPrompt {
				m.log.Info("no eligible subject; using engagement prompt",
					logx.String("type", string(ct)),
					logx.Time("at", at))
			}
			return m.promptSubject(), ct != content.EngagementPrompt, nil
		}
		if subj.VIP != nil || !subj.Type.DedupEligible() {
			return subj, false, nil
		}
		clash, err := m.collides(ctx, subj, at)
		if err != nil {
			return content.Subject{}, false, err
		}
		if !clash {
			return subj, false, nil
		}
		m.log.Debug("content hash collision",
			logx.String("type", string(subj.Type)),
			logx.Int64("subject", subj.Ref()),
			logx.Int("attempt", attempt))
		exclude = append(exclude, subj.Ref())
	}
	return content.Subject{}, false, errDedupExhausted
}

// collides reports whether the subject was posted, or is queued, within the
// cooldown of at.
func (m *Manager) collides(ctx context.Context, s content.Subject, at time.Time) (bool, error) {
	used, err := m.store.SubjectUsedSince(ctx, s.Type, s.Ref(), at.Add(-m.cfg.Cooldown))
	if err != nil || used {
		return used, err
	}
	return m.store.LiveHashBetween(ctx, s.Hash(), at.Add(-m.cfg.Cooldown), at.Add(m.cfg.Cooldown))
}

func (m *Manager) resolve(ctx context.Context, ct content.ContentType, at time.Time, exclude []int64) (content.Subject, bool, error) {
	since := at.Add(-m.cfg.Cooldown)
	switch ct {
	case content.Spotlight:
		if s, ok, err := m.vipSubject(ctx, at, exclude); err != nil || ok {
			return s, ok, err
		}
		biz, err := m.store.EligibleBusinesses(ctx, since, exclude)
		if err != nil || len(biz) == 0 {
			return content.Subject{}, false, err
		}
		b := biz[m.rnd.IntN(len(biz))]
		bs, err := m.businessSubject(ctx, b)
		if err != nil {
			return content.Subject{}, false, err
		}
		return content.Subject{Type: ct, Business: bs}, true, nil

	case content.BlogShare:
		posts, err := m.store.UnsharedBlogPosts(ctx, exclude)
		if err != nil || len(posts) == 0 {
			return content.Subject{}, false, err
		}
		p := posts[0]
		return content.Subject{Type: ct, BlogPost: &content.BlogPostSubject{
			ID: p.ID, Title: p.Title, Slug: p.Slug, Excerpt: p.Excerpt, ImageURL: p.ImageURL,
		}}, true, nil

	case content.CategoryHighlight:
		cats, err := m.store.EligibleCategories(ctx, since, exclude)
		if err != nil || len(cats) == 0 {
			return content.Subject{}, false, err
		}
		c := cats[m.rnd.IntN(len(cats))]
		return content.Subject{Type: ct, Category: &content.CategorySubject{
			ID: c.ID, Name: c.Name, Slug: c.Slug, BusinessCount: c.BusinessCount,
		}}, true, nil
	}
	return content.Subject{}, false, nil
}

func (m *Manager) promptSubject() content.Subject {
	return content.Subject{
		Type:   content.EngagementPrompt,
		Prompt: content.EngagementPrompts[m.rnd.IntN(len(content.EngagementPrompts))],
	}
}

func (m *Manager) businessSubject(ctx context.Context, b storage.Business) (*content.BusinessSubject, error) {
	bs := &content.BusinessSubject{
		ID:          b.ID,
		Name:        b.Name,
		Slug:        b.Slug,
		Description: b.Description,
		City:        b.City,
		Phone:       b.Phone,
		Website:     b.Website,
		ImageURL:    b.ImageURL,
	}
	if b.CategoryID != nil {
		name, err := m.store.CategoryName(ctx, *b.CategoryID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		bs.Category = name
	}
	return bs, nil
}

// vipSubject picks the entitled VIP featured longest ago and its least
// recently used angle.
func (m *Manager) vipSubject(ctx context.Context, at time.Time, exclude []int64) (content.Subject, bool, error) {
	vips, err := m.store.ActiveVIPs(ctx)
	if err != nil || len(vips) == 0 {
		return content.Subject{}, false, err
	}

	type candidate struct {
		vip  storage.VIPCandidate
		used map[string]time.Time
		last time.Time
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var pool []candidate
	for _, v := range vips {
		if skip[v.Business.ID] {
			continue
		}
		used, err := m.store.AngleLastUsed(ctx, v.Business.ID)
		if err != nil {
			return content.Subject{}, false, err
		}
		var last time.Time
		for _, t := range used {
			if t.After(last) {
				last = t
			}
		}
		if !vipEntitled(last, v.VIP.CadenceDays, at) {
			continue
		}
		pool = append(pool, candidate{vip: v, used: used, last: last})
	}
	if len(pool) == 0 {
		return content.Subject{}, false, nil
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].last.Before(pool[j].last) })
	c := pool[0]

	angle := nextAngle(content.Angles, c.used)
	if t, ok := c.used[angle]; ok && at.Sub(t) < m.cfg.AngleWindow {
		m.log.Debug("all angles used inside window; reusing least recent",
			logx.Int64("business", c.vip.Business.ID),
			logx.String("angle", angle))
	}
	va := &content.VIPAngle{Angle: angle, Mascot: c.vip.VIP.MascotEnabled}
	tpl, err := m.store.AngleTemplate(ctx, angle)
	switch {
	case err == nil:
		va.Hint = tpl.Hint
	case !errors.Is(err, storage.ErrNotFound):
		return content.Subject{}, false, err
	}

	bs, err := m.businessSubject(ctx, c.vip.Business)
	if err != nil {
		return content.Subject{}, false, err
	}
	return content.Subject{Type: content.Spotlight, Business: bs, VIP: va}, true, nil
}
