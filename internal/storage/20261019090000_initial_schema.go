package storage

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		tables := []any{
			(*Category)(nil),
			(*Business)(nil),
			(*BlogPost)(nil),
			(*VIPBusiness)(nil),
			(*PostAngleTemplate)(nil),
			(*PostingScheduleSlot)(nil),
			(*QueueEntry)(nil),
			(*PostedContentRecord)(nil),
			(*PostAnalytics)(nil),
			(*VIPPostHistory)(nil),
		}
		for _, model := range tables {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return fmt.Errorf("create table %T: %w", model, err)
			}
		}

		indexes := []struct {
			model   any
			name    string
			unique  bool
			columns []string
		}{
			{(*QueueEntry)(nil), "queue_status_scheduled_idx", false, []string{"status", "scheduled_for"}},
			{(*QueueEntry)(nil), "queue_scheduled_idx", false, []string{"scheduled_for"}},
			{(*QueueEntry)(nil), "queue_content_hash_idx", false, []string{"content_hash"}},
			{(*PostedContentRecord)(nil), "posted_content_lookup_idx", false, []string{"content_type", "content_id", "posted_at"}},
			{(*PostAnalytics)(nil), "post_analytics_queue_target_idx", true, []string{"queue_id", "target_type"}},
			{(*VIPPostHistory)(nil), "vip_history_business_idx", false, []string{"business_id", "posted_at"}},
		}
		for _, ix := range indexes {
			q := db.NewCreateIndex().Model(ix.model).Index(ix.name).Column(ix.columns...).IfNotExists()
			if ix.unique {
				q = q.Unique()
			}
			if _, err := q.Exec(ctx); err != nil {
				return fmt.Errorf("create index %s: %w", ix.name, err)
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		for _, model := range []any{
			(*VIPPostHistory)(nil),
			(*PostAnalytics)(nil),
			(*PostedContentRecord)(nil),
			(*QueueEntry)(nil),
		} {
			if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
