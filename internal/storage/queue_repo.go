package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"postbot/internal/content"
)

func (d *DB) InsertQueueEntry(ctx context.Context, e *QueueEntry) error {
	e.ScheduledFor = ts(e.ScheduledFor)
	e.CreatedAt = ts(e.CreatedAt)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = ts(time.Now())
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	_, err := d.bun.NewInsert().Model(e).Exec(ctx)
	return err
}

func (d *DB) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	var e QueueEntry
	err := d.bun.NewSelect().Model(&e).Where("q.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EntryExistsAt reports whether any entry, in any status, is scheduled at t.
func (d *DB) EntryExistsAt(ctx context.Context, t time.Time) (bool, error) {
	return d.bun.NewSelect().Model((*QueueEntry)(nil)).
		Where("q.scheduled_for = ?", ts(t)).
		Exists(ctx)
}

// DueEntries returns pending entries scheduled within [from, to], highest
// priority first, then earliest.
func (d *DB) DueEntries(ctx context.Context, from, to time.Time) ([]QueueEntry, error) {
	var out []QueueEntry
	err := d.bun.NewSelect().Model(&out).
		Where("q.status = ?", StatusPending).
		Where("q.scheduled_for >= ?", ts(from)).
		Where("q.scheduled_for <= ?", ts(to)).
		OrderExpr("q.priority DESC").
		OrderExpr("q.scheduled_for ASC").
		Scan(ctx)
	return out, err
}

// RecentEntries lists entries newest first. status may be empty.
func (d *DB) RecentEntries(ctx context.Context, limit int, status Status) ([]QueueEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := make([]QueueEntry, 0, limit)
	q := d.bun.NewSelect().Model(&out).OrderExpr("q.scheduled_for DESC").Limit(limit)
	if status != "" {
		q = q.Where("q.status = ?", status)
	}
	err := q.Scan(ctx)
	return out, err
}

// CountByStatus returns entry counts keyed by status.
func (d *DB) CountByStatus(ctx context.Context) (map[Status]int, error) {
	var rows []struct {
		Status Status `bun:"status"`
		N      int    `bun:"n"`
	}
	err := d.bun.NewSelect().Model((*QueueEntry)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS n").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// LastScheduledByType returns the latest scheduled_for per content type
// across live (pending or posted) entries.
func (d *DB) LastScheduledByType(ctx context.Context) (map[content.ContentType]time.Time, error) {
	var rows []struct {
		ContentType content.ContentType `bun:"content_type"`
		Last        time.Time           `bun:"last"`
	}
	err := d.bun.NewSelect().Model((*QueueEntry)(nil)).
		Column("content_type").
		ColumnExpr("MAX(q.scheduled_for) AS last").
		Where("q.status IN (?)", bun.In([]Status{StatusPending, StatusPosted})).
		Group("content_type").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make(map[content.ContentType]time.Time, len(rows))
	for _, r := range rows {
		out[r.ContentType] = r.Last
	}
	return out, nil
}

// LiveHashBetween reports whether a pending or posted entry with hash is
// scheduled within [from, to].
func (d *DB) LiveHashBetween(ctx context.Context, hash string, from, to time.Time) (bool, error) {
	return d.bun.NewSelect().Model((*QueueEntry)(nil)).
		Where("q.content_hash = ?", hash).
		Where("q.status IN (?)", bun.In([]Status{StatusPending, StatusPosted})).
		Where("q.scheduled_for >= ?", ts(from)).
		Where("q.scheduled_for <= ?", ts(to)).
		Exists(ctx)
}

// Outcome is the terminal result of one dispatch attempt.
type Outcome struct {
	Status       Status
	PostedAt     time.Time
	ErrorMessage string
	PagePostID   string
	GroupPostID  string

	Records   []PostedContentRecord
	Analytics []PostAnalytics
	VIP       *VIPPostHistory
}

// CompleteEntry moves a pending entry to its terminal status and writes the
// side records in one transaction. It returns ErrNotPending when another
// writer already finished the entry.
func (d *DB) CompleteEntry(ctx context.Context, id string, o Outcome) error {
	if o.Status != StatusPosted && o.Status != StatusFailed {
		return errors.New("storage: outcome status must be posted or failed")
	}
	return d.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().Model((*QueueEntry)(nil)).
			Set("status = ?", o.Status).
			Set("error_message = ?", nullString(o.ErrorMessage)).
			Set("page_post_id = ?", nullString(o.PagePostID)).
			Set("group_post_id = ?", nullString(o.GroupPostID)).
			Where("id = ?", id).
			Where("status = ?", StatusPending)
		if !o.PostedAt.IsZero() {
			q = q.Set("posted_at = ?", ts(o.PostedAt))
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotPending
		}

		for i := range o.Records {
			r := &o.Records[i]
			r.QueueID = id
			r.PostedAt = ts(r.PostedAt)
			if _, err := tx.NewInsert().Model(r).Exec(ctx); err != nil {
				return err
			}
		}
		for i := range o.Analytics {
			a := &o.Analytics[i]
			a.QueueID = id
			a.CreatedAt = ts(a.CreatedAt)
			if _, err := tx.NewInsert().Model(a).
				On("CONFLICT (queue_id, target_type) DO NOTHING").
				Exec(ctx); err != nil {
				return err
			}
		}
		if o.VIP != nil {
			o.VIP.QueueID = id
			o.VIP.PostedAt = ts(o.VIP.PostedAt)
			if _, err := tx.NewInsert().Model(o.VIP).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
