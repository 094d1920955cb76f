package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/pricing"
)

// Sweep source kinds.
const (
	SourceNotesDir = "notes_dir"
	SourceEMLDir   = "eml_dir"
)

// SweepConfig declares one scheduled ingestion source.
type SweepConfig struct {
	Name     string `yaml:"name"`
	Source   string `yaml:"source"`
	Dir      string `yaml:"dir"`
	Provider string `yaml:"provider"`
	// Account is the provider-side account id; it is registered on first sweep.
	Account string `yaml:"account"`
	Cron    string `yaml:"cron"`
	Enabled bool   `yaml:"enabled"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RateLimitConfig bounds gateway requests per client.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
	// WritesPerMinute limits mutating requests; zero means RequestsPerMinute.
	WritesPerMinute int `yaml:"writes_per_minute"`
	// SweepsPerMinute limits manual sweep triggers; zero means 2.
	SweepsPerMinute int `yaml:"sweeps_per_minute"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`

	// APIToken, when set, is required as a bearer token on every /api route.
	APIToken  string          `yaml:"api_token"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// AllowOrigins lists browser origins accepted on /ws/events. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	DeletionMode              string `yaml:"deletion_mode"`
	SoftDeleteRetentionDays   int    `yaml:"soft_delete_retention_days"`
	PendingLinkTimeoutMinutes int    `yaml:"pending_link_timeout_minutes"`
	PurgeFilesOnHardDelete    bool   `yaml:"purge_files_on_hard_delete"`
	DefaultLanguage           string `yaml:"default_language"`

	MaintenanceCron string        `yaml:"maintenance_cron"`
	Sweeps          []SweepConfig `yaml:"sweeps"`

	// Pricing adds or overrides per-model prices used when a usage report has no cost.
	Pricing map[string]pricing.ModelPricing `yaml:"pricing"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// Retention is how long soft-deleted items stay restorable. Zero disables purging.
func (c Config) Retention() time.Duration {
	return time.Duration(c.SoftDeleteRetentionDays) * 24 * time.Hour
}

// PendingLinkTimeout is the age after which a pending calendar link is reported stale.
func (c Config) PendingLinkTimeout() time.Duration {
	return time.Duration(c.PendingLinkTimeoutMinutes) * time.Minute
}

// PriceTable layers configured prices on the built-in table.
func (c Config) PriceTable() *pricing.Table {
	return pricing.Default().WithOverrides(c.Pricing)
}

// Deletion returns the default mode for delete requests that do not name one.
func (c Config) Deletion() persistence.DeletionType {
	return persistence.DeletionType(c.DeletionMode)
}

// EnabledSweeps returns the sweeps that should be scheduled.
func (c Config) EnabledSweeps() []SweepConfig {
	var out []SweepConfig
	for _, s := range c.Sweeps {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Sweep finds a configured sweep by name.
func (c Config) Sweep(name string) (SweepConfig, bool) {
	for _, s := range c.Sweeps {
		if s.Name == name {
			return s, true
		}
	}
	return SweepConfig{}, false
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect scheduling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|log=%s|del=%s|ret=%d|link=%d|purge=%t|lang=%s|maint=%s",
		c.DBPath, c.BindAddr, c.LogLevel, c.DeletionMode, c.SoftDeleteRetentionDays,
		c.PendingLinkTimeoutMinutes, c.PurgeFilesOnHardDelete, c.DefaultLanguage, c.MaintenanceCron)
	for _, s := range c.Sweeps {
		fmt.Fprintf(h, "|%s:%s:%s:%s:%s:%t", s.Name, s.Source, s.Dir, s.Provider, s.Cron, s.Enabled)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:                  "info",
		BindAddr:                  "127.0.0.1:18790",
		DeletionMode:              string(persistence.DeletionSoft),
		SoftDeleteRetentionDays:   90,
		PendingLinkTimeoutMinutes: 30,
		DefaultLanguage:           "en",
		MaintenanceCron:           "17 3 * * *",
		Telemetry: TelemetryConfig{
			Exporter:    "otlp",
			ServiceName: "godiary",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GODIARY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".godiary")
}

// Load reads defaults, then config.yaml, then .env and GODIARY_* overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load for an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create godiary home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	// Existing environment wins over .env.
	if err := godotenv.Load(filepath.Join(cfg.HomeDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "diary.db")
	} else if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	cfg.DeletionMode = strings.ToLower(strings.TrimSpace(cfg.DeletionMode))
	if cfg.DeletionMode == "" {
		cfg.DeletionMode = string(persistence.DeletionSoft)
	}
	if cfg.PendingLinkTimeoutMinutes <= 0 {
		cfg.PendingLinkTimeoutMinutes = 30
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "godiary"
	}
	for i := range cfg.Sweeps {
		s := &cfg.Sweeps[i]
		if s.Provider == "" {
			switch s.Source {
			case SourceEMLDir:
				s.Provider = string(persistence.ProviderGmail)
			default:
				s.Provider = string(persistence.ProviderManual)
			}
		}
		if s.Dir != "" && !filepath.IsAbs(s.Dir) {
			s.Dir = filepath.Join(cfg.HomeDir, s.Dir)
		}
	}
}

// Validate rejects settings the catalog cannot run with.
func (c Config) Validate() error {
	if _, err := persistence.ParseDeletionType(c.DeletionMode); err != nil {
		return fmt.Errorf("deletion_mode: %w", err)
	}
	if c.SoftDeleteRetentionDays < 0 {
		return fmt.Errorf("soft_delete_retention_days must be >= 0, got %d", c.SoftDeleteRetentionDays)
	}
	if c.MaintenanceCron != "" {
		if _, err := cron.ParseStandard(c.MaintenanceCron); err != nil {
			return fmt.Errorf("maintenance_cron %q: %w", c.MaintenanceCron, err)
		}
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0 || c.RateLimit.WritesPerMinute < 0 || c.RateLimit.SweepsPerMinute < 0 {
		return fmt.Errorf("rate_limit values must be >= 0")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1], got %v", c.Telemetry.SampleRate)
	}
	seen := make(map[string]struct{}, len(c.Sweeps))
	for i, s := range c.Sweeps {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("sweeps[%d]: name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("sweeps[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Source != SourceNotesDir && s.Source != SourceEMLDir {
			return fmt.Errorf("sweep %s: unknown source %q", s.Name, s.Source)
		}
		if s.Dir == "" {
			return fmt.Errorf("sweep %s: dir is required", s.Name)
		}
		if _, err := persistence.ParseProvider(s.Provider); err != nil {
			return fmt.Errorf("sweep %s: %w", s.Name, err)
		}
		if s.Cron != "" {
			if _, err := cron.ParseStandard(s.Cron); err != nil {
				return fmt.Errorf("sweep %s: cron %q: %w", s.Name, s.Cron, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GODIARY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GODIARY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GODIARY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GODIARY_API_TOKEN"); raw != "" {
		cfg.APIToken = raw
	}
	if raw := os.Getenv("GODIARY_DELETION_MODE"); raw != "" {
		cfg.DeletionMode = raw
	}
	if raw := os.Getenv("GODIARY_SOFT_DELETE_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SoftDeleteRetentionDays = v
		}
	}
	if raw := os.Getenv("GODIARY_PENDING_LINK_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PendingLinkTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("GODIARY_PURGE_FILES_ON_HARD_DELETE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.PurgeFilesOnHardDelete = v
		}
	}
	if raw := os.Getenv("GODIARY_DEFAULT_LANGUAGE"); raw != "" {
		cfg.DefaultLanguage = raw
	}
	if raw := os.Getenv("GODIARY_TELEMETRY_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
