package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StarterSweeps returns the sweeps generated into a fresh config.yaml.
// Both are disabled until the operator points them at real directories.
func StarterSweeps() []SweepConfig {
	return []SweepConfig{
		{Name: "notes", Source: SourceNotesDir, Dir: "inbox/notes", Provider: "manual", Cron: "*/15 * * * *"},
		{Name: "mail-export", Source: SourceEMLDir, Dir: "inbox/mail", Provider: "gmail", Cron: "0 * * * *"},
	}
}

// WriteStarter writes a first-run config.yaml into homeDir. An existing file
// is left untouched.
func WriteStarter(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config.yaml: %w", err)
	}
	cfg := defaultConfig()
	cfg.Sweeps = StarterSweeps()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create godiary home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
