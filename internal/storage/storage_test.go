package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/content"
	logx "postbot/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite", Path: "file:" + uuid.NewString() + "?mode=memory&cache=shared"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db
}

func ptr[T any](v T) *T { return &v }

func newEntry(at time.Time, ct content.ContentType, prio int) *QueueEntry {
	return &QueueEntry{
		ID:           uuid.NewString(),
		ContentType:  ct,
		TargetType:   content.TargetPage,
		Message:      "hello",
		ScheduledFor: at,
		Priority:     prio,
		ContentHash:  content.Hash(ct, "x"),
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestDueEntriesOrderingAndWindow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	early := newEntry(now.Add(-4*time.Minute), content.BlogShare, 0)
	high := newEntry(now.Add(2*time.Minute), content.Spotlight, 5)
	late := newEntry(now.Add(10*time.Minute), content.Spotlight, 9)
	done := newEntry(now, content.Spotlight, 9)
	done.Status = StatusPosted
	for _, e := range []*QueueEntry{early, high, late, done} {
		require.NoError(t, db.InsertQueueEntry(ctx, e))
	}

	due, err := db.DueEntries(ctx, now.Add(-5*time.Minute), now.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, high.ID, due[0].ID)
	assert.Equal(t, early.ID, due[1].ID)

	ok, err := db.EntryExistsAt(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.EntryExistsAt(ctx, now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteEntryIsConditional(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := newEntry(now, content.Spotlight, 0)
	e.BusinessID = ptr(int64(7))
	require.NoError(t, db.InsertQueueEntry(ctx, e))

	err := db.CompleteEntry(ctx, e.ID, Outcome{
		Status:     StatusPosted,
		PostedAt:   now,
		PagePostID: "123",
		Records:    []PostedContentRecord{{ContentType: content.Spotlight, ContentID: 7, TargetType: content.TargetPage, PostedAt: now}},
		Analytics:  []PostAnalytics{{TargetType: content.TargetPage, PostID: "123", CreatedAt: now}},
	})
	require.NoError(t, err)

	got, err := db.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, got.Status)
	assert.Equal(t, "123", got.PagePostID)
	assert.Empty(t, got.GroupPostID)
	assert.False(t, got.PostedAt.IsZero())

	rows, err := db.AnalyticsFor(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].Impressions)

	used, err := db.SubjectUsedSince(ctx, content.Spotlight, 7, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, used)

	err = db.CompleteEntry(ctx, e.ID, Outcome{Status: StatusFailed, ErrorMessage: "late"})
	assert.ErrorIs(t, err, ErrNotPending)
	got, err = db.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, got.Status)
}

func TestEligibleSubjects(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	bdb := db.Bun()

	cat := &Category{Name: "Bakeries", Slug: "bakeries"}
	empty := &Category{Name: "Empty", Slug: "empty"}
	_, err := bdb.NewInsert().Model(cat).Exec(ctx)
	require.NoError(t, err)
	_, err = bdb.NewInsert().Model(empty).Exec(ctx)
	require.NoError(t, err)

	fresh := &Business{Name: "Fresh", Slug: "fresh", CategoryID: &cat.ID, IsActive: true, CreatedAt: now}
	recent := &Business{Name: "Recent", Slug: "recent", CategoryID: &cat.ID, IsActive: true, CreatedAt: now}
	closed := &Business{Name: "Closed", Slug: "closed", IsActive: false, CreatedAt: now}
	for _, b := range []*Business{fresh, recent, closed} {
		_, err := bdb.NewInsert().Model(b).Exec(ctx)
		require.NoError(t, err)
	}
	_, err = bdb.NewInsert().Model(&PostedContentRecord{
		ContentType: content.Spotlight, ContentID: recent.ID, TargetType: content.TargetPage,
		QueueID: "q1", PostedAt: ts(now.Add(-48 * time.Hour)),
	}).Exec(ctx)
	require.NoError(t, err)

	biz, err := db.EligibleBusinesses(ctx, now.Add(-30*24*time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, biz, 1)
	assert.Equal(t, "Fresh", biz[0].Name)

	biz, err = db.EligibleBusinesses(ctx, now.Add(-30*24*time.Hour), []int64{fresh.ID})
	require.NoError(t, err)
	assert.Empty(t, biz)

	cats, err := db.EligibleCategories(ctx, now.Add(-30*24*time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "Bakeries", cats[0].Name)
	assert.Equal(t, 2, cats[0].BusinessCount)
}

func TestAngleLastUsedMergesHistoryAndQueue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := db.Bun().NewInsert().Model(&VIPPostHistory{
		BusinessID: 3, PostAngle: "team", ContentHash: "h", QueueID: "old", PostedAt: now.Add(-72 * time.Hour),
	}).Exec(ctx)
	require.NoError(t, err)

	e := newEntry(now, content.Spotlight, 1)
	e.BusinessID = ptr(int64(3))
	e.PostAngle = "seasonal"
	require.NoError(t, db.InsertQueueEntry(ctx, e))

	used, err := db.AngleLastUsed(ctx, 3)
	require.NoError(t, err)
	assert.True(t, used["team"].Equal(now.Add(-72*time.Hour)))
	assert.True(t, used["seasonal"].Equal(now))

	last, err := db.LastVIPUse(ctx, 3)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

func TestAnalyticsDueAndSummary(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(postedAgo time.Duration, ct content.ContentType) string {
		e := newEntry(now.Add(-postedAgo), ct, 0)
		require.NoError(t, db.InsertQueueEntry(ctx, e))
		require.NoError(t, db.CompleteEntry(ctx, e.ID, Outcome{
			Status:     StatusPosted,
			PostedAt:   now.Add(-postedAgo),
			PagePostID: "p-" + e.ID,
			Analytics: []PostAnalytics{
				{TargetType: content.TargetPage, PostID: "p-" + e.ID, CreatedAt: now},
				{TargetType: content.TargetGroup, PostID: "g-" + e.ID, CreatedAt: now},
			},
		}))
		return e.ID
	}
	mk(10*time.Minute, content.Spotlight)
	inWindow := mk(3*time.Hour, content.BlogShare)
	mk(10*24*time.Hour, content.Spotlight)

	due, err := db.AnalyticsDue(ctx, content.TargetPage, now.Add(-7*24*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, inWindow, due[0].QueueID)

	row := due[0]
	row.Impressions, row.Likes, row.ReactionsLove, row.LastUpdated = 100, 4, 2, now
	require.NoError(t, db.UpdateAnalytics(ctx, &row))

	sum, err := db.Summary(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 4, sum.Total.Posts)
	assert.EqualValues(t, 100, sum.Total.Impressions)
	assert.EqualValues(t, 2, sum.Total.Reactions)
	require.Len(t, sum.ByTarget, 2)
	assert.Equal(t, content.TargetGroup, sum.ByTarget[0].TargetType)
	require.Len(t, sum.ByContentType, 2)
}
