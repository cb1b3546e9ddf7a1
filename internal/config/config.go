package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/metarepo/server/internal/domain"
)

// ScheduleParser parses seed sync schedules: standard five-field cron
// expressions and descriptors such as "@hourly" or "@every 5m".
var ScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config holds all application configuration
type Config struct {
	// Storage settings
	DataPath      string
	ScratchPath   string
	CacheSize     int
	DefaultTenant string

	// Data type directory overrides, relative to a store or archive root
	SourceDirs map[domain.DataType]string
	OutputDirs map[domain.DataType]string

	// Seed catalogue: a local directory, or a git repository cloned into
	// <DataPath>/seed
	SeedPath     string
	SeedRepoURL  string
	SeedBranch   string
	SeedSchedule string
	SeedSync     cron.Schedule
	CloneTimeout time.Duration

	// GitHub App authentication for private seed repositories
	GitHubAppID          int64
	GitHubAppPrivateKey  []byte
	GitHubInstallationID int64

	// Webhook settings
	WebhookSecret string

	// Server settings
	Host string
	Port int

	// Logging
	LogLevel  slog.Level
	LogFormat string

	// Observability
	OTLPEndpoint string
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SeedDir returns the directory new tenant stores are copied from, or ""
// when no seed is configured.
func (c *Config) SeedDir() string {
	if c.SeedRepoURL != "" {
		return filepath.Join(c.DataPath, "seed")
	}
	return c.SeedPath
}

// Load reads configuration from environment variables, then applies
// command-line overrides from args.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		// Defaults
		DataPath:      filepath.Join(xdg.DataHome, "metadata-repository"),
		CacheSize:     1000,
		DefaultTenant: "default",
		SourceDirs:    map[domain.DataType]string{},
		OutputDirs:    map[domain.DataType]string{},
		SeedBranch:    "main",
		SeedSchedule:  "@every 5m",
		CloneTimeout:  2 * time.Minute,
		Port:          8080,
		LogLevel:      slog.LevelInfo,
		LogFormat:     "json",
	}

	if v := os.Getenv("DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	cfg.ScratchPath = os.Getenv("SCRATCH_PATH")

	if v := os.Getenv("CACHE_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_SIZE: %w", err)
		}
		cfg.CacheSize = size
	}

	if v := os.Getenv("DEFAULT_TENANT"); v != "" {
		cfg.DefaultTenant = v
	}

	for _, dt := range domain.DataTypes {
		if dt == domain.DataTypeManifest {
			continue
		}
		name := strings.ToUpper(string(dt))
		if v := os.Getenv("DIR_" + name); v != "" {
			cfg.SourceDirs[dt] = v
		}
		if v := os.Getenv("OUTPUT_DIR_" + name); v != "" {
			cfg.OutputDirs[dt] = v
		}
	}

	// Optional: seed catalogue
	cfg.SeedPath = os.Getenv("SEED_PATH")
	cfg.SeedRepoURL = os.Getenv("SEED_REPO_URL")
	if v := os.Getenv("SEED_BRANCH"); v != "" {
		cfg.SeedBranch = v
	}
	if v := os.Getenv("SEED_SYNC_SCHEDULE"); v != "" {
		cfg.SeedSchedule = v
	}
	if v := os.Getenv("CLONE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CLONE_TIMEOUT: %w", err)
		}
		cfg.CloneTimeout = d
	}

	if err := loadGitHubApp(cfg); err != nil {
		return nil, err
	}

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	cfg.Host = os.Getenv("HOST")
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = port
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	// Optional: OTLP endpoint for tracing
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	if err := applyFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadGitHubApp reads the optional GitHub App credentials. Either all of
// them are set or none.
func loadGitHubApp(cfg *Config) error {
	appIDStr := os.Getenv("GITHUB_APP_ID")
	if appIDStr == "" {
		return nil
	}
	appID, err := strconv.ParseInt(appIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid GITHUB_APP_ID: %w", err)
	}
	cfg.GitHubAppID = appID

	// Private key can be provided as file path or direct value
	privateKeyPath := os.Getenv("GITHUB_APP_PRIVATE_KEY_PATH")
	privateKeyValue := os.Getenv("GITHUB_APP_PRIVATE_KEY")
	if privateKeyPath != "" {
		key, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return fmt.Errorf("failed to read private key file: %w", err)
		}
		cfg.GitHubAppPrivateKey = key
	} else if privateKeyValue != "" {
		cfg.GitHubAppPrivateKey = []byte(privateKeyValue)
	} else {
		return fmt.Errorf("GITHUB_APP_PRIVATE_KEY or GITHUB_APP_PRIVATE_KEY_PATH is required with GITHUB_APP_ID")
	}

	installIDStr := os.Getenv("GITHUB_INSTALLATION_ID")
	if installIDStr == "" {
		return fmt.Errorf("GITHUB_INSTALLATION_ID is required with GITHUB_APP_ID")
	}
	installID, err := strconv.ParseInt(installIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid GITHUB_INSTALLATION_ID: %w", err)
	}
	cfg.GitHubInstallationID = installID
	return nil
}

func applyFlags(cfg *Config, args []string) error {
	var logLevel string

	flagSet := pflag.NewFlagSet("metarepo", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.DataPath, "data-dir", cfg.DataPath, "directory holding tenant stores, caches and backups")
	flagSet.StringVar(&cfg.Host, "host", cfg.Host, "address to listen on")
	flagSet.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if logLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("data path is required")
	}
	if c.SeedPath != "" && c.SeedRepoURL != "" {
		return fmt.Errorf("SEED_PATH and SEED_REPO_URL are mutually exclusive")
	}
	if err := domain.ValidateTenant(c.DefaultTenant); err != nil {
		return fmt.Errorf("invalid DEFAULT_TENANT: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: must be json or text", c.LogFormat)
	}

	schedule, err := ScheduleParser.Parse(c.SeedSchedule)
	if err != nil {
		return fmt.Errorf("invalid SEED_SYNC_SCHEDULE: %w", err)
	}
	c.SeedSync = schedule
	return nil
}
