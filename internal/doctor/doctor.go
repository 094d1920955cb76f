package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/basket/go-diary/internal/config"
	"github.com/basket/go-diary/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, FAIL, WARN or SKIP
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type checkFunc func(context.Context, *config.Config, *persistence.Store) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(ctx, cfg, nil))
	var store *persistence.Store
	dbResult := checkDatabase(ctx, cfg, nil)
	if dbResult.Status == StatusPass {
		var err error
		if store, err = persistence.Open(cfg.DBPath, nil); err == nil {
			defer store.Close()
		} else {
			dbResult = CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
		}
	}
	d.Results = append(d.Results, dbResult)

	checks := []checkFunc{
		checkIntegrity,
		checkPermissions,
		checkSweepDirs,
		checkTrash,
		checkPendingLinks,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, store))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ *persistence.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults",
			Detail: "Run `godiary serve` once to write a starter config"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkDatabase(_ context.Context, cfg *config.Config, _ *persistence.Store) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	info, err := os.Stat(cfg.DBPath)
	switch {
	case os.IsNotExist(err):
		return CheckResult{Name: "Database", Status: StatusPass, Message: "Database will be created on first use", Detail: cfg.DBPath}
	case err != nil:
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass,
		Message: fmt.Sprintf("%s (%s)", cfg.DBPath, humanize.Bytes(uint64(info.Size())))}
}

func checkIntegrity(ctx context.Context, _ *config.Config, store *persistence.Store) CheckResult {
	if store == nil {
		return CheckResult{Name: "Integrity", Status: StatusSkip, Message: "Database unavailable"}
	}
	db := store.DB()
	var journal, quick string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&journal); err != nil {
		return CheckResult{Name: "Integrity", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&quick); err != nil {
		return CheckResult{Name: "Integrity", Status: StatusFail, Message: fmt.Sprintf("quick_check failed: %v", err)}
	}
	if quick != "ok" {
		return CheckResult{Name: "Integrity", Status: StatusFail, Message: "quick_check reported corruption", Detail: quick}
	}
	rows, err := db.QueryContext(ctx, `PRAGMA foreign_key_check;`)
	if err != nil {
		return CheckResult{Name: "Integrity", Status: StatusFail, Message: fmt.Sprintf("foreign_key_check failed: %v", err)}
	}
	violations := 0
	for rows.Next() {
		violations++
	}
	rows.Close()
	if violations > 0 {
		return CheckResult{Name: "Integrity", Status: StatusFail, Message: fmt.Sprintf("%d foreign key violations", violations)}
	}
	if journal != "wal" {
		return CheckResult{Name: "Integrity", Status: StatusWarn, Message: fmt.Sprintf("journal_mode=%s, expected wal", journal)}
	}
	return CheckResult{Name: "Integrity", Status: StatusPass,
		Message: fmt.Sprintf("Schema v%d, WAL, no violations", store.SchemaVersion())}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ *persistence.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkSweepDirs(_ context.Context, cfg *config.Config, _ *persistence.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sweeps", Status: StatusSkip, Message: "Config missing"}
	}
	enabled := cfg.EnabledSweeps()
	if len(enabled) == 0 {
		return CheckResult{Name: "Sweeps", Status: StatusPass, Message: "No sweeps enabled"}
	}
	var problems []string
	for _, s := range enabled {
		info, err := os.Stat(s.Dir)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", s.Name, err))
			continue
		}
		if !info.IsDir() {
			problems = append(problems, fmt.Sprintf("%s: %s is not a directory", s.Name, s.Dir))
		}
	}
	if len(problems) > 0 {
		return CheckResult{Name: "Sweeps", Status: StatusWarn,
			Message: fmt.Sprintf("%d of %d sweep dirs unreadable", len(problems), len(enabled)),
			Detail:  strings.Join(problems, "; ")}
	}
	return CheckResult{Name: "Sweeps", Status: StatusPass, Message: fmt.Sprintf("%d sweep dirs readable", len(enabled))}
}

func checkTrash(ctx context.Context, cfg *config.Config, store *persistence.Store) CheckResult {
	if store == nil || cfg == nil {
		return CheckResult{Name: "Trash", Status: StatusSkip, Message: "Database unavailable"}
	}
	deleted, err := store.ListDeleted(ctx)
	if err != nil {
		return CheckResult{Name: "Trash", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if cfg.Retention() <= 0 {
		return CheckResult{Name: "Trash", Status: StatusPass, Message: fmt.Sprintf("%d items, retention disabled", len(deleted))}
	}
	cutoff := time.Now().Add(-cfg.Retention())
	overdue := 0
	for _, it := range deleted {
		if it.DeletedAt != nil && it.DeletedAt.Before(cutoff) {
			overdue++
		}
	}
	if overdue > 0 {
		return CheckResult{Name: "Trash", Status: StatusWarn,
			Message: fmt.Sprintf("%d of %d items past %d day retention", overdue, len(deleted), cfg.SoftDeleteRetentionDays),
			Detail:  "Run `godiary purge` or check the maintenance schedule"}
	}
	return CheckResult{Name: "Trash", Status: StatusPass, Message: fmt.Sprintf("%d items within retention", len(deleted))}
}

func checkPendingLinks(ctx context.Context, cfg *config.Config, store *persistence.Store) CheckResult {
	if store == nil || cfg == nil {
		return CheckResult{Name: "Calendar Links", Status: StatusSkip, Message: "Database unavailable"}
	}
	stale, err := store.StalePendingLinks(ctx, cfg.PendingLinkTimeout())
	if err != nil {
		return CheckResult{Name: "Calendar Links", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if len(stale) > 0 {
		oldest := stale[0].CreatedAt
		for _, l := range stale[1:] {
			if l.CreatedAt.Before(oldest) {
				oldest = l.CreatedAt
			}
		}
		return CheckResult{Name: "Calendar Links", Status: StatusWarn,
			Message: fmt.Sprintf("%d pending links past %s", len(stale), cfg.PendingLinkTimeout()),
			Detail:  "oldest created " + humanize.Time(oldest)}
	}
	return CheckResult{Name: "Calendar Links", Status: StatusPass, Message: "No stale pending links"}
}
