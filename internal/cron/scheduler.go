// Package cron runs configured sweeps and the catalog maintenance job on
// 5-field cron expressions.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-diary/internal/audit"
	"github.com/basket/go-diary/internal/bus"
	"github.com/basket/go-diary/internal/otel"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/shared"
)

// MaintenanceJob is the reserved name of the retention and stale-link job.
const MaintenanceJob = "maintenance"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweepFunc runs the named sweep once.
type SweepFunc func(ctx context.Context, name string) error

// Job is one scheduled sweep.
type Job struct {
	Name string
	Expr string
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	RunSweep SweepFunc

	// Retention is the soft-delete retention; zero disables purging.
	Retention time.Duration
	// LinkTimeout is the age at which a pending link is reported stale.
	LinkTimeout time.Duration
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Purged     int      `json:"purged"`
	StaleLinks []string `json:"stale_links"`
}

// Entry describes a scheduled job and its next fire time.
type Entry struct {
	Name string    `json:"name"`
	Expr string    `json:"expr"`
	Next time.Time `json:"next"`
}

type Scheduler struct {
	store    *persistence.Store
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	runSweep SweepFunc

	mu          sync.Mutex
	retention   time.Duration
	linkTimeout time.Duration
	cron        *cronlib.Cron
	entries     map[string]scheduled

	ctx    context.Context
	cancel context.CancelFunc
}

type scheduled struct {
	id   cronlib.EntryID
	expr string
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      logger,
		metrics:     cfg.Metrics,
		runSweep:    cfg.RunSweep,
		retention:   cfg.Retention,
		linkTimeout: cfg.LinkTimeout,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]scheduled),
		ctx:     context.Background(),
	}
}

// Start begins firing jobs. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(shared.WithActor(ctx, "cron"))
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.Entries()))
}

// Stop cancels running jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Reload replaces every scheduled job. Nothing changes if any expression is
// invalid. An empty maintenanceExpr leaves maintenance unscheduled.
func (s *Scheduler) Reload(maintenanceExpr string, jobs []Job, retention, linkTimeout time.Duration) error {
	type parsed struct {
		name, expr string
		sched      cronlib.Schedule
	}
	var next []parsed
	if maintenanceExpr != "" {
		sched, err := cronParser.Parse(maintenanceExpr)
		if err != nil {
			return fmt.Errorf("maintenance cron %q: %w", maintenanceExpr, err)
		}
		next = append(next, parsed{MaintenanceJob, maintenanceExpr, sched})
	}
	for _, j := range jobs {
		if j.Name == MaintenanceJob {
			return fmt.Errorf("sweep name %q is reserved", j.Name)
		}
		if j.Expr == "" {
			continue
		}
		sched, err := cronParser.Parse(j.Expr)
		if err != nil {
			return fmt.Errorf("sweep %s cron %q: %w", j.Name, j.Expr, err)
		}
		next = append(next, parsed{j.Name, j.Expr, sched})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, name)
	}
	s.retention, s.linkTimeout = retention, linkTimeout
	for _, p := range next {
		name := p.name
		id := s.cron.Schedule(p.sched, cronlib.FuncJob(func() { s.fire(name) }))
		s.entries[name] = scheduled{id: id, expr: p.expr}
	}
	s.logger.Info("cron jobs reloaded", "jobs", len(next))
	return nil
}

// Entries lists scheduled jobs by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, Entry{Name: name, Expr: e.expr, Next: s.cron.Entry(e.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	if name == MaintenanceJob {
		_, err := s.RunMaintenance(ctx)
		return err
	}
	if s.runSweep == nil {
		return errors.New("no sweep runner configured")
	}
	return s.runSweep(ctx, name)
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if err := s.RunNow(shared.WithTraceID(ctx, shared.NewTraceID()), name); err != nil {
		if errors.Is(err, persistence.ErrPartialSweep) {
			s.logger.WarnContext(ctx, "cron: job finished with failures", "job", name, "error", err)
			return
		}
		s.logger.ErrorContext(ctx, "cron: job failed", "job", name, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "cron: job fired", "job", name)
}

// RunMaintenance purges soft-deleted items past retention and reports pending
// calendar links past the timeout. Stale links are never retried here.
func (s *Scheduler) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	s.mu.Lock()
	retention, linkTimeout := s.retention, s.linkTimeout
	s.mu.Unlock()

	var report MaintenanceReport
	var errs []error
	if retention > 0 {
		n, err := s.store.PurgeSoftDeleted(ctx, retention)
		report.Purged = n
		if n > 0 || err != nil {
			audit.Record(ctx, shared.Actor(ctx), "retention.purge", fmt.Sprintf("%d items", n), err)
		}
		if s.metrics != nil && n > 0 {
			s.metrics.ItemsPurged.Add(ctx, int64(n))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("retention purge: %w", err))
		}
	}
	if linkTimeout > 0 {
		links, err := s.store.StalePendingLinks(ctx, linkTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("stale links: %w", err))
		}
		for _, l := range links {
			report.StaleLinks = append(report.StaleLinks, l.ID)
		}
		if len(links) > 0 {
			s.logger.WarnContext(ctx, "pending calendar links past timeout",
				"count", len(links), "timeout", linkTimeout, "link_ids", report.StaleLinks)
			if s.bus != nil {
				s.bus.Publish(bus.TopicStaleLinks, bus.StaleLinksEvent{LinkIDs: report.StaleLinks, Timeout: linkTimeout.String()})
			}
			if s.metrics != nil {
				s.metrics.StaleLinks.Add(ctx, int64(len(links)))
			}
		}
	}
	return report, errors.Join(errs...)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger adapts slog to the robfig logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
