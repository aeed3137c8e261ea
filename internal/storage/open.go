package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"

	logx "postbot/pkg/logx"
)

var (
	ErrNotFound   = errors.New("storage: not found")
	ErrNotPending = errors.New("storage: entry is not pending")
)

// Config configures storage.
//
// Driver values:
//   - "postgres": DSN is a postgres:// URL
//   - "sqlite": Path is a database file, or ":memory:"
//
// Empty Driver means sqlite.
type Config struct {
	Driver       string
	DSN          string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	MaxOpenConns int           // postgres only
}

// DB is the store handle shared by the repositories.
type DB struct {
	bun *bun.DB
	log logx.Logger
}

// Open connects to the configured database. It does not migrate.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	var (
		db  *bun.DB
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "postgres", "postgresql", "pg":
		db, err = openPostgres(cfg)
	case "", "sqlite", "sqlite3":
		db, err = openSQLite(cfg)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	db.AddQueryHook(&queryHook{log: log})

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &DB{bun: db, log: log}, nil
}

func openPostgres(cfg Config) (*bun.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.DSN),
		pgdriver.WithApplicationName("postbot"),
		pgdriver.WithTimeout(10*time.Second),
	))
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	sqldb.SetMaxOpenConns(maxOpen)
	sqldb.SetMaxIdleConns(maxOpen)
	sqldb.SetConnMaxIdleTime(5 * time.Minute)
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

func openSQLite(cfg Config) (*bun.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps a :memory: database alive on a single connection.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxIdleTime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = sqldb.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = sqldb.Exec("PRAGMA journal_mode = WAL")
	_, _ = sqldb.Exec("PRAGMA synchronous = NORMAL")
	_, _ = sqldb.Exec("PRAGMA foreign_keys = ON")

	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func (d *DB) Close() error {
	if d == nil || d.bun == nil {
		return nil
	}
	return d.bun.Close()
}

// Bun exposes the underlying handle for seeding and ad hoc queries.
func (d *DB) Bun() *bun.DB { return d.bun }

// ts normalizes times before they reach the database.
func ts(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}

type queryHook struct{ log logx.Logger }

func (h *queryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *queryHook) AfterQuery(_ context.Context, ev *bun.QueryEvent) {
	if ev.Err != nil && !errors.Is(ev.Err, sql.ErrNoRows) {
		h.log.Warn("query failed",
			logx.String("query", truncateQuery(ev.Query)),
			logx.Duration("took", time.Since(ev.StartTime)),
			logx.Err(ev.Err))
		return
	}
	if h.log.Enabled(logx.LevelTrace) {
		h.log.Trace("query", logx.String("query", truncateQuery(ev.Query)), logx.Duration("took", time.Since(ev.StartTime)))
	}
}

func truncateQuery(q string) string {
	if len(q) > 500 {
		return q[:497] + "..."
	}
	return q
}
