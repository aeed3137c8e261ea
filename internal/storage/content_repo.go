package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"postbot/internal/content"
)

const candidateLimit = 50

func (d *DB) ActiveSlots(ctx context.Context) ([]PostingScheduleSlot, error) {
	var out []PostingScheduleSlot
	err := d.bun.NewSelect().Model(&out).
		Where("ps.is_active = ?", true).
		OrderExpr("ps.time_of_day ASC").
		Scan(ctx)
	return out, err
}

// usedSince selects content ids of ct posted at or after since.
func (d *DB) usedSince(ct content.ContentType, since time.Time) *bun.SelectQuery {
	return d.bun.NewSelect().Model((*PostedContentRecord)(nil)).
		Column("content_id").
		Where("pc.content_type = ?", ct).
		Where("pc.posted_at >= ?", ts(since))
}

// EligibleBusinesses lists active businesses with no spotlight record since
// the given time, oldest listing first.
func (d *DB) EligibleBusinesses(ctx context.Context, since time.Time, exclude []int64) ([]Business, error) {
	var out []Business
	q := d.bun.NewSelect().Model(&out).
		Where("b.is_active = ?", true).
		Where("b.id NOT IN (?)", d.usedSince(content.Spotlight, since)).
		OrderExpr("b.id ASC").
		Limit(candidateLimit)
	if len(exclude) > 0 {
		q = q.Where("b.id NOT IN (?)", bun.In(exclude))
	}
	err := q.Scan(ctx)
	return out, err
}

// UnsharedBlogPosts lists published posts that were never shared.
func (d *DB) UnsharedBlogPosts(ctx context.Context, exclude []int64) ([]BlogPost, error) {
	var out []BlogPost
	q := d.bun.NewSelect().Model(&out).
		Where("bp.status = ?", "published").
		Where("bp.id NOT IN (?)", d.usedSince(content.BlogShare, time.Time{})).
		OrderExpr("bp.published_at DESC").
		OrderExpr("bp.id DESC").
		Limit(candidateLimit)
	if len(exclude) > 0 {
		q = q.Where("bp.id NOT IN (?)", bun.In(exclude))
	}
	err := q.Scan(ctx)
	return out, err
}

// CategoryCandidate is a category and its active business count.
type CategoryCandidate struct {
	ID            int64  `bun:"id"`
	Name          string `bun:"name"`
	Slug          string `bun:"slug"`
	BusinessCount int    `bun:"business_count"`
}

// EligibleCategories lists categories with at least one active business and
// no highlight record since the given time.
func (d *DB) EligibleCategories(ctx context.Context, since time.Time, exclude []int64) ([]CategoryCandidate, error) {
	var out []CategoryCandidate
	counts := d.bun.NewSelect().Model((*Business)(nil)).
		ColumnExpr("COUNT(*)").
		Where("b.category_id = c.id").
		Where("b.is_active = ?", true)
	q := d.bun.NewSelect().
		Model((*Category)(nil)).
		ColumnExpr("c.id, c.name, c.slug").
		ColumnExpr("(?) AS business_count", counts).
		Where("(?) > 0", counts).
		Where("c.id NOT IN (?)", d.usedSince(content.CategoryHighlight, since)).
		OrderExpr("c.id ASC").
		Limit(candidateLimit)
	if len(exclude) > 0 {
		q = q.Where("c.id NOT IN (?)", bun.In(exclude))
	}
	err := q.Scan(ctx, &out)
	return out, err
}

// ActiveVIPs lists active VIP designations whose business is active.
func (d *DB) ActiveVIPs(ctx context.Context) ([]VIPCandidate, error) {
	var vips []VIPBusiness
	err := d.bun.NewSelect().Model(&vips).
		Where("v.is_active = ?", true).
		OrderExpr("v.id ASC").
		Scan(ctx)
	if err != nil || len(vips) == 0 {
		return nil, err
	}
	ids := make([]int64, 0, len(vips))
	for _, v := range vips {
		ids = append(ids, v.BusinessID)
	}
	var biz []Business
	err = d.bun.NewSelect().Model(&biz).
		Where("b.id IN (?)", bun.In(ids)).
		Where("b.is_active = ?", true).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Business, len(biz))
	for _, b := range biz {
		byID[b.ID] = b
	}
	out := make([]VIPCandidate, 0, len(vips))
	for _, v := range vips {
		if b, ok := byID[v.BusinessID]; ok {
			out = append(out, VIPCandidate{VIP: v, Business: b})
		}
	}
	return out, nil
}

// AngleLastUsed returns, per angle, the most recent use for a business.
// Posted history and live queue entries both count.
func (d *DB) AngleLastUsed(ctx context.Context, businessID int64) (map[string]time.Time, error) {
	type row struct {
		Angle string    `bun:"angle"`
		Last  time.Time `bun:"last"`
	}
	var hist, queued []row
	err := d.bun.NewSelect().Model((*VIPPostHistory)(nil)).
		ColumnExpr("vh.post_angle AS angle").
		ColumnExpr("MAX(vh.posted_at) AS last").
		Where("vh.business_id = ?", businessID).
		GroupExpr("vh.post_angle").
		Scan(ctx, &hist)
	if err != nil {
		return nil, err
	}
	err = d.bun.NewSelect().Model((*QueueEntry)(nil)).
		ColumnExpr("q.post_angle AS angle").
		ColumnExpr("MAX(q.scheduled_for) AS last").
		Where("q.business_id = ?", businessID).
		Where("q.post_angle IS NOT NULL").
		Where("q.status IN (?)", bun.In([]Status{StatusPending, StatusPosted})).
		GroupExpr("q.post_angle").
		Scan(ctx, &queued)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(hist)+len(queued))
	for _, r := range append(hist, queued...) {
		if r.Last.After(out[r.Angle]) {
			out[r.Angle] = r.Last
		}
	}
	return out, nil
}

// LastVIPUse returns the latest VIP spotlight for a business, posted or queued.
func (d *DB) LastVIPUse(ctx context.Context, businessID int64) (time.Time, error) {
	used, err := d.AngleLastUsed(ctx, businessID)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, t := range used {
		if t.After(last) {
			last = t
		}
	}
	return last, nil
}

func (d *DB) AngleTemplate(ctx context.Context, angle string) (*PostAngleTemplate, error) {
	var t PostAngleTemplate
	err := d.bun.NewSelect().Model(&t).
		Where("pat.angle = ?", angle).
		Where("pat.is_active = ?", true).
		OrderExpr("pat.id ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DB) CategoryName(ctx context.Context, id int64) (string, error) {
	var name string
	err := d.bun.NewSelect().Model((*Category)(nil)).
		Column("name").
		Where("c.id = ?", id).
		Scan(ctx, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

// SubjectUsedSince reports whether a posted-content record exists for the
// subject at or after since.
func (d *DB) SubjectUsedSince(ctx context.Context, ct content.ContentType, id int64, since time.Time) (bool, error) {
	return d.bun.NewSelect().Model((*PostedContentRecord)(nil)).
		Where("pc.content_type = ?", ct).
		Where("pc.content_id = ?", id).
		Where("pc.posted_at >= ?", ts(since)).
		Exists(ctx)
}
