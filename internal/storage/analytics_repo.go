package storage

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"postbot/internal/content"
)

// AnalyticsDue lists analytics rows for targetType whose entry was posted
// within [postedFrom, postedTo] and that carry a platform post id.
func (d *DB) AnalyticsDue(ctx context.Context, targetType content.TargetType, postedFrom, postedTo time.Time) ([]PostAnalytics, error) {
	var out []PostAnalytics
	err := d.bun.NewSelect().Model(&out).
		Join("JOIN social_media_queue AS q ON q.id = pa.queue_id").
		Where("pa.target_type = ?", targetType).
		Where("pa.post_id IS NOT NULL").
		Where("q.posted_at >= ?", ts(postedFrom)).
		Where("q.posted_at <= ?", ts(postedTo)).
		OrderExpr("q.posted_at ASC").
		Scan(ctx)
	return out, err
}

// UpdateAnalytics overwrites the metric columns of one row.
func (d *DB) UpdateAnalytics(ctx context.Context, a *PostAnalytics) error {
	a.LastUpdated = ts(a.LastUpdated)
	res, err := d.bun.NewUpdate().Model(a).
		Column(
			"impressions", "reach", "engaged_users", "clicks",
			"reactions_like", "reactions_love", "reactions_wow",
			"reactions_haha", "reactions_sad", "reactions_angry",
			"likes", "comments", "shares", "last_updated",
		).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) AnalyticsFor(ctx context.Context, queueID string) ([]PostAnalytics, error) {
	var out []PostAnalytics
	err := d.bun.NewSelect().Model(&out).
		Where("pa.queue_id = ?", queueID).
		OrderExpr("pa.target_type ASC").
		Scan(ctx)
	return out, err
}

// MetricTotals are summed engagement counters.
type MetricTotals struct {
	Posts        int64 `bun:"posts" json:"posts"`
	Impressions  int64 `bun:"impressions" json:"impressions"`
	Reach        int64 `bun:"reach" json:"reach"`
	EngagedUsers int64 `bun:"engaged_users" json:"engaged_users"`
	Clicks       int64 `bun:"clicks" json:"clicks"`
	Reactions    int64 `bun:"reactions" json:"reactions"`
	Likes        int64 `bun:"likes" json:"likes"`
	Comments     int64 `bun:"comments" json:"comments"`
	Shares       int64 `bun:"shares" json:"shares"`
}

type TargetTotals struct {
	TargetType content.TargetType `bun:"target_type" json:"target_type"`
	MetricTotals
}

type ContentTypeTotals struct {
	ContentType content.ContentType `bun:"content_type" json:"content_type"`
	MetricTotals
}

type AnalyticsSummary struct {
	Since         time.Time           `json:"since"`
	Total         MetricTotals        `json:"total"`
	ByTarget      []TargetTotals      `json:"by_target"`
	ByContentType []ContentTypeTotals `json:"by_content_type"`
}

var totalsColumns = []string{
	"COUNT(*) AS posts",
	"COALESCE(SUM(pa.impressions), 0) AS impressions",
	"COALESCE(SUM(pa.reach), 0) AS reach",
	"COALESCE(SUM(pa.engaged_users), 0) AS engaged_users",
	"COALESCE(SUM(pa.clicks), 0) AS clicks",
	"COALESCE(SUM(pa.reactions_like + pa.reactions_love + pa.reactions_wow + pa.reactions_haha + pa.reactions_sad + pa.reactions_angry), 0) AS reactions",
	"COALESCE(SUM(pa.likes), 0) AS likes",
	"COALESCE(SUM(pa.comments), 0) AS comments",
	"COALESCE(SUM(pa.shares), 0) AS shares",
}

// Summary aggregates analytics for entries posted at or after since.
func (d *DB) Summary(ctx context.Context, since time.Time) (*AnalyticsSummary, error) {
	base := func(groupCol string) []string {
		cols := make([]string, 0, len(totalsColumns)+1)
		if groupCol != "" {
			cols = append(cols, groupCol)
		}
		return append(cols, totalsColumns...)
	}
	sel := func(cols []string) *bun.SelectQuery {
		q := d.bun.NewSelect().Model((*PostAnalytics)(nil)).
			Join("JOIN social_media_queue AS q ON q.id = pa.queue_id").
			Where("q.posted_at >= ?", ts(since))
		for _, c := range cols {
			q = q.ColumnExpr(c)
		}
		return q
	}

	out := &AnalyticsSummary{Since: ts(since)}
	if err := sel(base("")).Scan(ctx, &out.Total); err != nil {
		return nil, err
	}
	if err := sel(base("pa.target_type")).
		GroupExpr("pa.target_type").
		OrderExpr("pa.target_type ASC").
		Scan(ctx, &out.ByTarget); err != nil {
		return nil, err
	}
	if err := sel(base("q.content_type")).
		GroupExpr("q.content_type").
		OrderExpr("q.content_type ASC").
		Scan(ctx, &out.ByContentType); err != nil {
		return nil, err
	}
	return out, nil
}
