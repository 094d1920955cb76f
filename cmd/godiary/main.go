package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/basket/go-diary/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// globalOptions apply to every command.
type globalOptions struct {
	Home string `long:"home" env:"GODIARY_HOME" description:"Data directory (default: ~/.godiary)"`
	JSON bool   `long:"json" description:"Write JSON instead of tables"`
}

var opts globalOptions

// exitError carries a process exit code out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newParser() *flags.Parser {
	p := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	p.ShortDescription = "personal ingestion catalog"
	p.LongDescription = "godiary indexes mail, notes and documents into a local SQLite catalog and serves it over HTTP."

	add := func(name, short, long string, data any) {
		if _, err := p.AddCommand(name, short, long, data); err != nil {
			panic(err)
		}
	}
	add("serve", "Run the gateway and scheduler", "Starts the HTTP gateway, the sweep schedule and the maintenance job.", &serveCommand{})
	add("sweep", "Run sweeps once", "Runs the named sweeps, or every enabled sweep when none is named.", &sweepCommand{})
	add("search", "Full-text search", "Searches item vectors. Quote phrases, prefix a term with - to exclude it.", &searchCommand{})
	add("fuzzy", "Typo-tolerant title match", "Ranks items by edit-distance similarity of the query to their titles.", &fuzzyCommand{})
	add("canonical", "List canonical items", "Lists one item per duplicate group with the ids it stands for.", &canonicalCommand{})
	add("costs", "Model usage cost report", "Aggregates recorded model usage by operation, model or day.", &costsCommand{})
	add("estimate", "Estimate reprocessing cost", "Approximates the prompt tokens of an item and prices a model call over it.", &estimateCommand{})
	add("trash", "List soft-deleted items", "Lists soft-deleted items with their deletion age.", &trashCommand{})
	add("delete", "Delete an item", "Soft or hard deletes an item.", &deleteCommand{})
	add("restore", "Restore a soft-deleted item", "Returns a soft-deleted item to the active state.", &restoreCommand{})
	add("purge", "Purge old soft-deleted items", "Hard deletes soft-deleted items past the retention window.", &purgeCommand{})
	add("backup", "Copy the catalog", "Writes a consistent copy of the catalog database.", &backupCommand{})
	add("doctor", "Run diagnostic checks", "Checks configuration, database integrity, sweep directories and pending work.", &doctorCommand{})
	add("status", "Query a running gateway", "Prints /healthz of the configured gateway.", &statusCommand{})
	return p
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	commandCtx = ctx

	if _, err := newParser().Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		if flagsErr != nil {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// commandCtx is cancelled on SIGINT or SIGTERM.
var commandCtx = context.Background()

func homeDir() string {
	if opts.Home != "" {
		return opts.Home
	}
	return config.HomeDir()
}

func loadConfig() (config.Config, error) {
	return config.LoadFrom(homeDir())
}
