package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/content"
	"postbot/internal/poster"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type fakeInsights struct {
	fail  map[string]bool
	calls []string
}

func (f *fakeInsights) Insights(_ context.Context, postID, token string) (poster.Metrics, error) {
	f.calls = append(f.calls, postID)
	if f.fail[postID] {
		return poster.Metrics{}, errors.New("graph: (#100) unsupported get request")
	}
	return poster.Metrics{
		Impressions: 200, Reach: 150, EngagedUsers: 20, Clicks: 9,
		Reactions: map[string]int64{"like": 6, "love": 3, "wow": 1},
		Likes:     6, Comments: 4, Shares: 2,
	}, nil
}

func seed(t *testing.T, db *storage.DB, postedAt time.Time, pageID string) string {
	t.Helper()
	ctx := context.Background()
	e := &storage.QueueEntry{
		ID:           uuid.NewString(),
		ContentType:  content.EngagementPrompt,
		TargetType:   content.TargetBoth,
		Message:      "m",
		ScheduledFor: postedAt,
		ContentHash:  "h",
	}
	require.NoError(t, db.InsertQueueEntry(ctx, e))
	require.NoError(t, db.CompleteEntry(ctx, e.ID, storage.Outcome{
		Status:      storage.StatusPosted,
		PostedAt:    postedAt,
		PagePostID:  pageID,
		GroupPostID: "g-" + pageID,
		Analytics: []storage.PostAnalytics{
			{TargetType: content.TargetPage, PostID: pageID, CreatedAt: postedAt},
			{TargetType: content.TargetGroup, PostID: "g-" + pageID, CreatedAt: postedAt},
		},
	}))
	return e.ID
}

func TestRefreshUpdatesPageRowsInWindow(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: "file:" + uuid.NewString() + "?mode=memory&cache=shared"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	fresh := seed(t, db, now.Add(-20*time.Minute), "too-fresh")
	ok := seed(t, db, now.Add(-5*time.Hour), "ok")
	broken := seed(t, db, now.Add(-2*24*time.Hour), "broken")
	seed(t, db, now.Add(-9*24*time.Hour), "too-old")

	ins := &fakeInsights{fail: map[string]bool{"broken": true}}
	c := NewCollector(Config{PageToken: "tok"}, db, ins, logx.Nop())
	res, err := c.Refresh(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, Result{Updated: 1, Failed: 1}, res)
	assert.ElementsMatch(t, []string{"ok", "broken"}, ins.calls)

	rows, err := db.AnalyticsFor(ctx, ok)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	group, page := rows[0], rows[1]
	assert.Equal(t, content.TargetPage, page.TargetType)
	assert.EqualValues(t, 200, page.Impressions)
	assert.EqualValues(t, 3, page.ReactionsLove)
	assert.EqualValues(t, 2, page.Shares)
	assert.True(t, page.LastUpdated.Equal(now))
	assert.Zero(t, group.Impressions)

	for _, id := range []string{fresh, broken} {
		rows, err := db.AnalyticsFor(ctx, id)
		require.NoError(t, err)
		for _, r := range rows {
			assert.Zero(t, r.Impressions)
		}
	}

	// A second pass overwrites with the same values.
	res, err = c.Refresh(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
}

func TestRefreshNeedsToken(t *testing.T) {
	c := NewCollector(Config{}, nil, &fakeInsights{}, logx.Nop())
	_, err := c.Refresh(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrNoPageToken)
}
