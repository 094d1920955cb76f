package config_test

import (
	"os"
	"testing"

	"github.com/basket/go-diary/internal/config"
)

func TestWriteStarter_RoundTrips(t *testing.T) {
	home := t.TempDir()
	if err := config.WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load starter: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("expected starter config to satisfy genesis")
	}
	if len(cfg.Sweeps) != len(config.StarterSweeps()) {
		t.Fatalf("expected %d sweeps, got %d", len(config.StarterSweeps()), len(cfg.Sweeps))
	}
	if len(cfg.EnabledSweeps()) != 0 {
		t.Fatal("starter sweeps must be disabled")
	}
}

func TestWriteStarter_KeepsExistingFile(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := config.WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	raw, _ := os.ReadFile(config.ConfigPath(home))
	if string(raw) != "log_level: debug\n" {
		t.Fatalf("existing config was overwritten: %q", raw)
	}
}
