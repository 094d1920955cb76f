package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-diary/internal/audit"
	"github.com/basket/go-diary/internal/bus"
	"github.com/basket/go-diary/internal/config"
	"github.com/basket/go-diary/internal/cron"
	"github.com/basket/go-diary/internal/gateway"
	otelPkg "github.com/basket/go-diary/internal/otel"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/sweep"
	"github.com/basket/go-diary/internal/telemetry"
	"github.com/basket/go-diary/internal/validate"
)

type serveCommand struct {
	Bind  string `long:"bind" description:"Listen address (default: bind_addr from config)"`
	Quiet bool   `long:"quiet" description:"Log to the log file only"`
}

func newLogger(cfg config.Config, quiet bool) (*slog.Logger, io.Closer, error) {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, closer, nil
}

func cronJobs(cfg config.Config) []cron.Job {
	var jobs []cron.Job
	for _, sc := range cfg.EnabledSweeps() {
		jobs = append(jobs, cron.Job{Name: sc.Name, Expr: sc.Cron})
	}
	return jobs
}

func (c *serveCommand) Execute(_ []string) error {
	ctx := commandCtx
	home := homeDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_GENESIS", err)
		}
		if cfg, err = config.LoadFrom(home); err != nil {
			fatalStartup(nil, "E_CONFIG_LOAD", err)
		}
	}

	quiet := c.Quiet || !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("GODIARY_LOG_STDOUT") == ""
	logger, logCloser, err := newLogger(cfg, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Catalog: otelPkg.CatalogInfo{
			DBPath:            cfg.DBPath,
			Sweeps:            sweepNames(cfg.EnabledSweeps()),
			ConfigFingerprint: cfg.Fingerprint(),
		},
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus,
		persistence.WithPricing(cfg.PriceTable()),
		persistence.WithFilePurge(cfg.PurgeFilesOnHardDelete),
		persistence.WithLogger(logger),
	)
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("catalog opened", "db_path", cfg.DBPath, "schema_version", store.SchemaVersion())
	if reg, err := otelPkg.ObserveCatalog(otelProvider.Meter, catalogCounts(store)); err != nil {
		logger.Warn("catalog gauges unavailable", "error", err)
	} else {
		defer reg.Unregister()
	}

	runner := sweep.NewRunner(store, logger, metrics, otelProvider.Tracer)
	sweeps := newSweeper(cfg, store, runner)

	sched := cron.NewScheduler(cron.Config{
		Store:       store,
		Bus:         eventBus,
		Logger:      logger,
		Metrics:     metrics,
		RunSweep:    sweeps.Run,
		Retention:   cfg.Retention(),
		LinkTimeout: cfg.PendingLinkTimeout(),
	})
	if err := sched.Reload(cfg.MaintenanceCron, cronJobs(cfg), cfg.Retention(), cfg.PendingLinkTimeout()); err != nil {
		fatalStartup(logger, "E_CRON_CONFIG", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	validator, err := validate.New()
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_COMPILE", err)
	}
	gw, err := gateway.New(gateway.Config{
		Store:              store,
		Bus:                eventBus,
		Validator:          validator,
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             otelProvider.Tracer,
		APIToken:           cfg.APIToken,
		RateLimit:          cfg.RateLimit,
		AllowOrigins:       cfg.AllowOrigins,
		DeletionMode:       cfg.Deletion(),
		PendingLinkTimeout: cfg.PendingLinkTimeout(),
		ConfigFingerprint:  cfg.Fingerprint(),
		Version:            Version,
		RunSweep:           sweeps.Run,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.StartEviction(ctx)

	go watchConfig(ctx, cfg, logger, eventBus, sweeps, sched)

	addr := cfg.BindAddr
	if c.Bind != "" {
		addr = c.Bind
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("bind failed", "addr", addr, "hint", fmt.Sprintf("%s is in use; stop the other process or change bind_addr in config.yaml", addr))
		}
		fatalStartup(logger, "E_BIND", err)
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("gateway listening", "addr", ln.Addr().String(), "sweeps", len(cfg.EnabledSweeps()), "auth", cfg.APIToken != "")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", "error", err)
			return err
		}
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// watchConfig reloads sweeps and the schedule when config.yaml or .env
// changes. An invalid edit keeps the running config.
func watchConfig(ctx context.Context, cfg config.Config, logger *slog.Logger, eventBus *bus.Bus, sweeps *sweeper, sched *cron.Scheduler) {
	w := config.NewWatcher(cfg.HomeDir, cfg, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next := ev.Config
			if ev.Changes.Reschedule() {
				if err := sched.Reload(next.MaintenanceCron, cronJobs(next), next.Retention(), next.PendingLinkTimeout()); err != nil {
					logger.Error("config reload rejected", "path", ev.Path, "error", err)
					continue
				}
			}
			sweeps.setConfig(next)
			eventBus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{
				Path:          ev.Path,
				Fingerprint:   next.Fingerprint(),
				SweepsAdded:   ev.Changes.SweepsAdded,
				SweepsRemoved: ev.Changes.SweepsRemoved,
				SweepsChanged: ev.Changes.SweepsChanged,
				Restart:       ev.Changes.Restart,
			})
			logger.Info("config reloaded", "path", ev.Path, "fingerprint", next.Fingerprint(), "rescheduled", ev.Changes.Reschedule())
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.RecordDetail(context.Background(), "system", "runtime.startup", reasonCode, audit.OutcomeFailed, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func sweepNames(sweeps []config.SweepConfig) []string {
	names := make([]string, len(sweeps))
	for i, sc := range sweeps {
		names[i] = sc.Name
	}
	return names
}

func catalogCounts(store *persistence.Store) func(context.Context) ([]otelPkg.CatalogCount, error) {
	return func(ctx context.Context) ([]otelPkg.CatalogCount, error) {
		stats, err := store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]otelPkg.CatalogCount, len(stats))
		for i, ps := range stats {
			out[i] = otelPkg.CatalogCount{Provider: string(ps.Provider), Live: ps.Live, Trashed: ps.Trashed, PendingLinks: ps.PendingLinks}
		}
		return out, nil
	}
}
