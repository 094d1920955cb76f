package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-diary/internal/config"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/sources"
	"github.com/basket/go-diary/internal/sweep"
)

// sweeper resolves configured sweeps by name against the current config.
type sweeper struct {
	store  *persistence.Store
	runner *sweep.Runner

	mu  sync.RWMutex
	cfg config.Config
}

func newSweeper(cfg config.Config, store *persistence.Store, runner *sweep.Runner) *sweeper {
	return &sweeper{cfg: cfg, store: store, runner: runner}
}

func (s *sweeper) setConfig(cfg config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *sweeper) current() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// target builds the source for sc and registers its account.
func (s *sweeper) target(ctx context.Context, sc config.SweepConfig) (sweep.Target, error) {
	src, err := sources.FromConfig(sc, s.current().DefaultLanguage)
	if err != nil {
		return sweep.Target{}, err
	}
	t := sweep.Target{Source: src}
	if sc.Account != "" {
		acct, err := s.store.UpsertAccount(ctx, src.Provider(), sc.Account, sc.Name)
		if err != nil {
			return sweep.Target{}, fmt.Errorf("sweep %s: register account: %w", sc.Name, err)
		}
		t.AccountID = acct.ID
	}
	return t, nil
}

// Run sweeps the named source once.
func (s *sweeper) Run(ctx context.Context, name string) error {
	_, err := s.run(ctx, name)
	return err
}

func (s *sweeper) run(ctx context.Context, name string) (sweep.Result, error) {
	sc, ok := s.current().Sweep(name)
	if !ok {
		return sweep.Result{}, &persistence.ReferenceError{Entity: "sweep", ID: name}
	}
	t, err := s.target(ctx, sc)
	if err != nil {
		return sweep.Result{}, err
	}
	return s.runner.Run(ctx, t.Source, t.AccountID)
}

// RunAll sweeps the named sources, or every enabled one when names is empty.
func (s *sweeper) RunAll(ctx context.Context, names []string) ([]sweep.Result, error) {
	cfg := s.current()
	var scs []config.SweepConfig
	if len(names) == 0 {
		scs = cfg.EnabledSweeps()
	} else {
		for _, n := range names {
			sc, ok := cfg.Sweep(n)
			if !ok {
				return nil, &persistence.ReferenceError{Entity: "sweep", ID: n}
			}
			scs = append(scs, sc)
		}
	}
	targets := make([]sweep.Target, 0, len(scs))
	for _, sc := range scs {
		t, err := s.target(ctx, sc)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return s.runner.RunAll(ctx, targets)
}

type sweepCommand struct {
	Concurrency int `long:"concurrency" default:"2" description:"Sweeps run at once"`
	Args        struct {
		Names []string `positional-arg-name:"name"`
	} `positional-args:"yes"`
}

func (c *sweepCommand) Execute(_ []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	logger, closer, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer closer.Close()

	runner := sweep.NewRunner(store, logger, nil, nil)
	runner.Concurrency = c.Concurrency
	results, runErr := newSweeper(cfg, store, runner).RunAll(commandCtx, c.Args.Names)

	out := newOutput()
	if out.json {
		if err := out.emitJSON(results); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			if r.RunID == "" {
				continue
			}
			rows = append(rows, []string{
				r.Source, statusLabel(out, r.Status), fmt.Sprint(r.Stats.Created), fmt.Sprint(r.Stats.Updated),
				fmt.Sprint(r.Stats.Errored), r.Duration.Round(time.Millisecond).String(),
			})
		}
		if err := out.emit(results, []string{"SWEEP", "STATUS", "CREATED", "UPDATED", "ERRORS", "TOOK"}, rows); err != nil {
			return err
		}
	}
	return runErr
}

func statusLabel(out *output, st persistence.RunStatus) string {
	switch st {
	case persistence.RunStatusOK:
		return out.style(okStyle, string(st))
	case persistence.RunStatusPartial:
		return out.style(warnStyle, string(st))
	default:
		return out.style(failStyle, string(st))
	}
}
