// Package analytics refreshes engagement metrics for published page posts.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/content"
	"postbot/internal/poster"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	DefaultMinAge = time.Hour
	DefaultMaxAge = 7 * 24 * time.Hour
)

var ErrNoPageToken = errors.New("analytics: page access token is not configured")

type Store interface {
	AnalyticsDue(ctx context.Context, targetType content.TargetType, postedFrom, postedTo time.Time) ([]storage.PostAnalytics, error)
	UpdateAnalytics(ctx context.Context, a *storage.PostAnalytics) error
}

// Insights fetches metrics for one post.
type Insights interface {
	Insights(ctx context.Context, postID, accessToken string) (poster.Metrics, error)
}

type Config struct {
	MinAge    time.Duration
	MaxAge    time.Duration
	PageToken string
	// RowTimeout bounds the fetch for a single post.
	RowTimeout time.Duration
}

type Result struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

type Collector struct {
	cfg      Config
	store    Store
	insights Insights
	log      logx.Logger
}

func NewCollector(cfg Config, store Store, insights Insights, log logx.Logger) *Collector {
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}
	if cfg.MaxAge <= cfg.MinAge {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.RowTimeout <= 0 {
		cfg.RowTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{cfg: cfg, store: store, insights: insights, log: log.With(logx.String("comp", "analytics"))}
}

// Refresh overwrites metrics for page posts published between MinAge and
// MaxAge before now. Group posts are not covered by the insights API.
func (c *Collector) Refresh(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	if c.cfg.PageToken == "" {
		return res, ErrNoPageToken
	}
	rows, err := c.store.AnalyticsDue(ctx, content.TargetPage, now.Add(-c.cfg.MaxAge), now.Add(-c.cfg.MinAge))
	if err != nil {
		return res, fmt.Errorf("analytics: load due rows: %w", err)
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		row := &rows[i]
		if err := c.refreshRow(ctx, row, now); err != nil {
			res.Failed++
			c.log.Warn("analytics refresh failed",
				logx.String("queue_id", row.QueueID),
				logx.String("post_id", row.PostID),
				logx.Err(err))
			continue
		}
		res.Updated++
	}
	c.log.Info("analytics refreshed", logx.Int("updated", res.Updated), logx.Int("failed", res.Failed))
	return res, nil
}

func (c *Collector) refreshRow(ctx context.Context, row *storage.PostAnalytics, now time.Time) error {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RowTimeout)
	defer cancel()

	m, err := c.insights.Insights(rctx, row.PostID, c.cfg.PageToken)
	if err != nil {
		return err
	}
	apply(row, m)
	row.LastUpdated = now.UTC()
	return c.store.UpdateAnalytics(ctx, row)
}

func apply(row *storage.PostAnalytics, m poster.Metrics) {
	row.Impressions = m.Impressions
	row.Reach = m.Reach
	row.EngagedUsers = m.EngagedUsers
	row.Clicks = m.Clicks
	row.ReactionsLike = m.Reactions["like"]
	row.ReactionsLove = m.Reactions["love"]
	row.ReactionsWow = m.Reactions["wow"]
	row.ReactionsHaha = m.Reactions["haha"]
	row.ReactionsSad = m.Reactions["sad"]
	row.ReactionsAngry = m.Reactions["angry"]
	row.Likes = m.Likes
	row.Comments = m.Comments
	row.Shares = m.Shares
}
