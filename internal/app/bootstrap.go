package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"postbot/internal/analytics"
	"postbot/internal/config"
	"postbot/internal/content"
	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/httpapi"
	"postbot/internal/metrics"
	"postbot/internal/notifier"
	"postbot/internal/pipeline"
	"postbot/internal/poster"
	"postbot/internal/queue"
	"postbot/internal/session"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram"
	logx "postbot/pkg/logx"
)

// New loads the config at cfgPath and builds every component. Nothing is
// started; the store is opened but not migrated.
func New(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The alert sender exists before the logging service so that the
	// Telegram log sink can share it.
	var sender kit.Sender
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
		tg, err := telegram.New(telegram.Config{Token: tok, Timeout: timeout}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}
	logs, root := logx.New(mapLogConfig(cfg, sender != nil), sender)

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		root:    root,
		log:     root.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.db, err = storage.Open(ctx, sc, root); err != nil {
		return nil, err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	if err := a.buildSessions(cfg); err != nil {
		return nil, err
	}
	if err := a.buildPipeline(cfg); err != nil {
		return nil, err
	}
	if err := a.buildRuntime(cfg, sender); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildSessions(cfg *config.Config) error {
	var store session.StateStore
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress:  []string{addr},
			Password:     cfg.Redis.Password,
			SelectDB:     cfg.Redis.DB,
			DisableCache: true,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		store = session.NewRedisStateStore(client, cfg.Redis.KeyPrefix)
	} else {
		if sessionConfigured(cfg) {
			a.log.Warn("redis.addr not set; session state is kept in memory and lost on restart")
		}
		store = session.NewMemoryStateStore()
	}

	scfg, rodCfg, within, err := mapSessionConfig(cfg)
	if err != nil {
		return err
	}
	a.refreshWithin = within
	driver := session.NewRodDriver(rodCfg)
	obs := sessionObserver{metrics: a.metrics, bus: a.bus}
	a.sessions = session.NewRegistry(scfg.Account, func(account string) *session.Actor {
		c := scfg
		c.Account = account
		act := session.NewActor(c, store, driver, a.root)
		act.SetObserver(obs)
		return act
	})
	return nil
}

func (a *App) buildPipeline(cfg *config.Config) error {
	gcfg, tcfg, err := mapGraphConfig(cfg)
	if err != nil {
		return err
	}
	graph := poster.NewGraphPoster(gcfg, a.root)

	var (
		publisher poster.SessionPublisher
		refresher pipeline.SessionRefresher
	)
	if sessionConfigured(cfg) {
		act := a.sessions.Default()
		publisher, refresher = act, act
	}
	targets := poster.SelectTargets(tcfg, graph, publisher)
	a.log.Info("publish targets bound",
		logx.String("page", posterKind(targets.Page)),
		logx.String("group", posterKind(targets.Group)))

	ccfg, err := mapContentConfig(cfg)
	if err != nil {
		return err
	}
	gen, err := content.NewGenerator(ccfg, a.root)
	if err != nil {
		return err
	}

	loc, err := mapLocation(cfg)
	if err != nil {
		return err
	}
	qcfg, err := mapQueueConfig(cfg, loc)
	if err != nil {
		return err
	}
	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	acfg, err := mapAnalyticsConfig(cfg)
	if err != nil {
		return err
	}

	a.queue = queue.NewManager(qcfg, a.db, gen, a.root)
	a.dispatchWindow = dcfg.Window
	a.pipe = pipeline.New(pipeline.Deps{
		Queue:         a.queue,
		Dispatch:      dispatch.New(dcfg, a.db, targets, a.root),
		Analytics:     analytics.NewCollector(acfg, a.db, graph, a.root),
		Session:       refresher,
		Observer:      a.metrics,
		Bus:           a.bus,
		Log:           a.root,
		RefreshWithin: a.refreshWithin,
	})
	return nil
}

func posterKind(p poster.Poster) string {
	if p == nil {
		return "none"
	}
	return p.Kind()
}

func (a *App) buildRuntime(cfg *config.Config, sender kit.Sender) error {
	ecfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engineOn = engineEnabled(cfg)
	a.engine = engine.New(ecfg, a.root, a.bus)
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, a.engine, a.root)
	runTimeout, err := mapRunTimeout(cfg)
	if err != nil {
		return err
	}
	a.runTimeout.Store(int64(runTimeout))
	if err := a.registerWindows(cfg); err != nil {
		return err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, sender, a.root)
	a.hasSender = sender != nil
	a.alerts = notifier.NewAlerts(a.bus, a.notif, a.root)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Trigger:  a.TriggerPosting,
		Store:    a.db,
		Sessions: a.session,
		Metrics:  a.metrics.Handler(),
		Health:   a.health,
	}, a.root)
	return nil
}

// session resolves the actor for the HTTP API. Only the configured account
// is reachable.
func (a *App) session(account string) httpapi.Session {
	def := a.sessions.Default()
	if account != "" && account != def.Account() {
		return nil
	}
	return def
}
