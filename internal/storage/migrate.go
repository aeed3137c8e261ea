package storage

import (
	"context"
	"fmt"

	"github.com/uptrace/bun/migrate"

	logx "postbot/pkg/logx"
)

// migrations holds the schema history. Files are named <timestamp>_<name>.go.
var migrations = migrate.NewMigrations()

// Migrate applies pending migrations.
func (d *DB) Migrate(ctx context.Context) error {
	m := migrate.NewMigrator(d.bun, migrations)
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrator: %w", err)
	}
	defer m.Unlock(ctx) //nolint:errcheck

	group, err := m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if !group.IsZero() {
		d.log.Info("migrations applied", logx.Int64("group", group.ID), logx.Int("count", len(group.Migrations)))
	}
	return nil
}
