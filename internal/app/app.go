package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/rueidis"

	"postbot/internal/config"
	"postbot/internal/eventbus"
	"postbot/internal/httpapi"
	"postbot/internal/metrics"
	"postbot/internal/notifier"
	"postbot/internal/pipeline"
	"postbot/internal/queue"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/session"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	logs *logx.Service
	root logx.Logger
	log  logx.Logger

	bus     eventbus.Bus
	metrics *metrics.Metrics
	db      *storage.DB
	redis   rueidis.Client

	sessions       *session.Registry
	refreshWithin  time.Duration
	queue          *queue.Manager
	dispatchWindow time.Duration
	pipe           *pipeline.Pipeline

	engine     *engine.Service
	engineOn   bool
	sched      *scheduler.Service
	schedOn    bool
	runTimeout atomic.Int64

	notif     *notifier.Service
	alerts    *notifier.Alerts
	hasSender bool
	http      *httpapi.Server

	closeOnce sync.Once
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Log() logx.Logger { return a.log }
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }
func (a *App) Sessions() *session.Registry { return a.sessions }
func (a *App) Store() *storage.DB { return a.db }
func (a *App) Migrate(ctx context.Context) error { return a.db.Migrate(ctx) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{Routines: []rtsup.Routine{}}
	}
	return a.sup.Snapshot()
}

// TriggerPosting runs one posting pass through the engine, so a manual
// trigger never overlaps a scheduled one. With the engine disabled the pass
// runs inline.
func (a *App) TriggerPosting(ctx context.Context) (pipeline.PostingResult, error) {
	if !a.engineOn {
		return a.pipe.Posting(ctx)
	}
	var (
		mu  sync.Mutex
		res pipeline.PostingResult
	)
	err := a.engine.Run(ctx, engine.Task{
		Name:          pipeline.JobPosting,
		Timeout:       time.Duration(a.runTimeout.Load()),
		SkipIfRunning: true,
		Run: func(c context.Context) error {
			r, err := a.pipe.Posting(c)
			mu.Lock()
			res = r
			mu.Unlock()
			return err
		},
	})
	mu.Lock()
	defer mu.Unlock()
	return res, err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()
	cfg := a.cfgm.Get()

	if cfg.Storage.AutoMigrate {
		if err := a.db.Migrate(ctx); err != nil {
			return err
		}
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	if a.engineOn {
		a.engine.Start(sctx)
	}
	a.warnUnscheduledSlots(ctx, cfg)
	if cfg.Scheduler.Enabled {
		a.sched.Start(sctx)
		a.schedOn = true
	}
	a.notif.Start(sctx)
	a.sup.Go("alerts", a.alerts.Run)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.http.Reconfigure(sctx, hcfg); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("scheduler", a.schedOn),
		logx.Bool("task_engine", a.engineOn),
		logx.String("http", a.http.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Order: stop intake first, then the engine so running passes are
	// canceled before their dependencies close.
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.Close()
	return nil
}

// Close releases redis, the store and the log sinks. It is safe to call
// more than once and without Start.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.redis != nil {
			a.redis.Close()
		}
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				a.log.Warn("storage close failed", logx.Err(err))
			}
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
