package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/mattjoyce/backpost/internal/assemble"
	"github.com/mattjoyce/backpost/internal/config"
	"github.com/mattjoyce/backpost/internal/dispatch"
	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/metrics"
	"github.com/mattjoyce/backpost/internal/network"
	"github.com/mattjoyce/backpost/internal/notify"
	"github.com/mattjoyce/backpost/internal/page"
	"github.com/mattjoyce/backpost/internal/queue"
	"github.com/mattjoyce/backpost/internal/storage"
	"github.com/mattjoyce/backpost/internal/verify"
	"github.com/mattjoyce/backpost/internal/worker"
)

// app holds the long-lived handles one CLI invocation needs.
type app struct {
	cfg     *config.Config
	db      *sqlx.DB
	store   *queue.Store
	logger  *slog.Logger
	closers []io.Closer
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// openApp loads config, sets up logging and opens the store. Callers must
// Close the returned app.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	var sinks []io.Writer
	if cfg.Service.AuditLog != "" {
		audit, err := log.OpenAudit(cfg.Service.AuditLog)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.closers = append(a.closers, audit)
		sinks = append(sinks, audit)
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, sinks...)
	a.logger = log.WithComponent("main")
	metrics.MustRegister()

	db, err := storage.Open(ctx, storage.Options{
		Driver:          cfg.Database.Driver,
		Path:            cfg.Database.Path,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db)

	var mirror queue.Mirror
	if cfg.Redis.URL != "" {
		rm, err := queue.NewRedisMirror(ctx, cfg.Redis.URL, cfg.Redis.Prefix, cfg.Redis.TTL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis mirror: %w", err)
		}
		a.closers = append(a.closers, rm)
		mirror = rm
	}
	a.store = queue.NewStore(db, mirror)
	return a, nil
}

// Close releases handles in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
}

// snapshot reads the settings table over the YAML worker defaults. A settings
// read failure keeps the defaults.
func (a *app) snapshot(ctx context.Context) config.Snapshot {
	snap := config.SnapshotFrom(a.cfg.Worker)
	settings, err := a.store.Settings(ctx)
	if err != nil {
		a.logger.Warn("failed to read settings, using config defaults", "error", err)
		return snap
	}
	snap, warnings := snap.Overlay(settings)
	for _, w := range warnings {
		a.logger.Warn("ignored setting", "detail", w)
	}
	return snap
}

func (a *app) directory() network.Directory {
	if a.cfg.Networks.Source == "dir" {
		return network.NewManifestDirectory(a.cfg.Networks.Dir)
	}
	return network.NewTableDirectory(a.db)
}

func (a *app) fetcher() *page.Fetcher {
	return page.NewFetcher(a.cfg.Verify.Timeout, a.cfg.Verify.UserAgent, a.cfg.Verify.MaxBodyBytes)
}

func (a *app) verifier() *verify.Engine {
	return verify.New(a.fetcher(), nil, a.cfg.Verify.RetryDelay)
}

func (a *app) notifier() notify.Notifier {
	if a.cfg.Notify.AMQPURL == "" {
		return notify.Nop{}
	}
	n, err := notify.DialAMQP(a.cfg.Notify)
	if err != nil {
		a.logger.Warn("amqp notifications disabled", "error", err)
		return notify.Nop{}
	}
	a.closers = append(a.closers, n)
	return n
}

// newWorker wires a worker for one invocation. Limits are read from the
// settings table at construction time.
func (a *app) newWorker(ctx context.Context, n notify.Notifier) *worker.Worker {
	snap := a.snapshot(ctx)

	var meta assemble.MetaSource
	if a.cfg.Verify.FetchMeta {
		meta = assemble.FetchedMeta{Fetcher: a.fetcher()}
	}

	return worker.New(worker.Deps{
		Store:   a.store,
		Claimer: queue.NewClaimer(a.store, queue.Limits{Batch: snap.ClaimBatch, MaxPerProject: snap.MaxPerProject}),
		Sweeper: queue.NewWatchdog(a.store, snap.StaleAfter, snap.MaxAttempts),
		Assembler: assemble.New(a.directory(), assemble.NewSQLProjects(a.db), meta, assemble.Options{
			AI:      a.cfg.AI,
			Captcha: a.cfg.Captcha,
		}),
		Publisher: dispatch.New(dispatch.Options{
			Resolver:  dispatch.ResolverFromConfig(a.cfg.Runtime),
			DataDir:   a.cfg.Service.DataDir,
			KillGrace: a.cfg.Runtime.KillGrace,
		}),
		Verifier: a.verifier(),
		Notifier: n,
	}, worker.Options{
		Snapshot:   snap,
		Refresh:    a.snapshot,
		CancelPoll: a.cfg.Worker.CancelPollInterval,
	})
}

// runner builds a fresh worker per Run so concurrent API-triggered runs never
// share one.
type runner struct {
	a        *app
	notifier notify.Notifier
}

func (r runner) Run(ctx context.Context, maxJobs int) (worker.RunReport, error) {
	return r.a.newWorker(ctx, r.notifier).Run(ctx, maxJobs)
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}
