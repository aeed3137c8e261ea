package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v3"

	"postbot/internal/app"
	"postbot/internal/pipeline"
	logx "postbot/pkg/logx"
)

const stopTimeout = 15 * time.Second

func main() {
	cmd := &cli.Command{
		Name:  "postbot",
		Usage: "Scheduled social publishing pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.json",
				Usage:   "Path to config file (JSON or YAML)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the scheduler, task engine and HTTP API",
				Action: serve,
			},
			{
				Name:  "run",
				Usage: "Run one pipeline job now and print its result",
				Commands: []*cli.Command{
					jobCommand(pipeline.JobPosting, "Populate the queue and dispatch due entries",
						func(ctx context.Context, p *pipeline.Pipeline) (any, error) { return p.Posting(ctx) }),
					jobCommand(pipeline.JobAnalytics, "Refresh engagement metrics for recent posts",
						func(ctx context.Context, p *pipeline.Pipeline) (any, error) { return p.Analytics(ctx) }),
					jobCommand(pipeline.JobTokenRefresh, "Re-login the session when it is close to expiry",
						func(ctx context.Context, p *pipeline.Pipeline) (any, error) {
							ran, err := p.TokenRefresh(ctx)
							return map[string]bool{"refreshed": ran}, err
						}),
				},
			},
			sessionCommands(),
			{
				Name:  "migrate",
				Usage: "Apply pending database migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
						if err := a.Migrate(ctx); err != nil {
							return err
						}
						a.Log().Info("migrations applied")
						return nil
					})
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	a, err := app.New(ctx, cmd.String("config"))
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.Log().Debug("sd_notify ready failed", logx.Err(err))
	}

	reason := app.StopUnknown
	select {
	case s := <-sig:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	fatal := a.Err()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return fatal
}

// withApp builds the app without starting it, for one-shot commands.
func withApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *app.App) error) error {
	a, err := app.New(ctx, cmd.String("config"))
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func jobCommand(name, usage string, run func(context.Context, *pipeline.Pipeline) (any, error)) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				res, err := run(ctx, a.Pipeline())
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func sessionCommands() *cli.Command {
	account := func() cli.Flag {
		return &cli.StringFlag{
			Name:  "account",
			Usage: "Session account (defaults to session.account)",
		}
	}
	action := func(fn func(ctx context.Context, a *app.App, account string) (any, error)) cli.ActionFunc {
		return func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				out, err := fn(ctx, a, cmd.String("account"))
				if out != nil {
					if perr := printJSON(out); perr != nil {
						return perr
					}
				}
				return err
			})
		}
	}
	return &cli.Command{
		Name:  "session",
		Usage: "Manage the browser session account",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Log in with the configured credentials",
				Flags: []cli.Flag{account()},
				Action: action(func(ctx context.Context, a *app.App, account string) (any, error) {
					return a.Sessions().Get(account).Login(ctx)
				}),
			},
			{
				Name:  "status",
				Usage: "Show the stored session state",
				Flags: []cli.Flag{account()},
				Action: action(func(ctx context.Context, a *app.App, account string) (any, error) {
					return a.Sessions().Get(account).Status(ctx)
				}),
			},
			{
				Name:  "logout",
				Usage: "Discard the stored session",
				Flags: []cli.Flag{account()},
				Action: action(func(ctx context.Context, a *app.App, account string) (any, error) {
					if err := a.Sessions().Get(account).Logout(ctx); err != nil {
						return nil, err
					}
					return map[string]bool{"success": true}, nil
				}),
			},
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
