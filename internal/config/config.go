package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/psycho789/bball-sub002/internal/season"
)

// Config holds all application configuration
type Config struct {
	// Source API
	ScoreboardBaseURL    string        `envconfig:"SCOREBOARD_BASE_URL" default:"https://site.api.espn.com/apis/site/v2/sports/basketball/nba"`
	ProbabilitiesBaseURL string        `envconfig:"PROBABILITIES_BASE_URL" default:"https://sports.core.api.espn.com/v2/sports/basketball/leagues/nba"`
	SourceTimeout        time.Duration `envconfig:"SOURCE_TIMEOUT" default:"30s"`
	SourceMaxAttempts    int           `envconfig:"SOURCE_MAX_ATTEMPTS" default:"3"`
	SourceRetryBase      time.Duration `envconfig:"SOURCE_RETRY_BASE" default:"1s"`
	SourceRetryDeadline  time.Duration `envconfig:"SOURCE_RETRY_DEADLINE" default:"2m"`
	SourceRateLimit      float64       `envconfig:"SOURCE_RATE_LIMIT" default:"4"`
	SourceBurstLimit     int           `envconfig:"SOURCE_BURST_LIMIT" default:"4"`
	SourceRequestSleep   time.Duration `envconfig:"SOURCE_REQUEST_SLEEP" default:"250ms"`

	// Archive layout
	ArchiveRoot    string `envconfig:"ARCHIVE_ROOT" default:"./archive"`
	LedgerTemplate string `envconfig:"LEDGER_TEMPLATE" default:"./archive/ledgers/errors_{season}.jsonl"`
	ReportTemplate string `envconfig:"REPORT_TEMPLATE" default:"./archive/reports/completeness_{season}.json"`

	// Season window
	SeasonStartOffset string `envconfig:"SEASON_START_OFFSET" default:"08-01"`
	SeasonEndOffset   string `envconfig:"SEASON_END_OFFSET" default:"07-31"`

	// Fetch behavior
	FetchWorkers       int           `envconfig:"FETCH_WORKERS" default:"4"`
	FetchMaxWrites     int           `envconfig:"FETCH_MAX_WRITES" default:"0"`
	FetchStopOnError   bool          `envconfig:"FETCH_STOP_ON_ERROR" default:"false"`
	FetchHeartbeat     time.Duration `envconfig:"FETCH_HEARTBEAT" default:"30s"`
	FetchProgressEvery int           `envconfig:"FETCH_PROGRESS_EVERY" default:"25"`

	// Database
	DatabaseHost     string `envconfig:"DATABASE_HOST" default:"localhost"`
	DatabasePort     int    `envconfig:"DATABASE_PORT" default:"5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME" default:"bball_archive"`
	DatabaseUser     string `envconfig:"DATABASE_USER" default:"bball_user"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD" default:""`
	DatabaseSSLMode  string `envconfig:"DATABASE_SSL_MODE" default:"disable"`

	// Migrations
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`

	// Application
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Scheduler
	NightlyCron string `envconfig:"NIGHTLY_CRON" default:"0 4 * * *"`

	// Monitoring
	EnableMetrics bool `envconfig:"ENABLE_METRICS" default:"true"`
	MetricsPort   int  `envconfig:"METRICS_PORT" default:"9090"`
}

// Load loads configuration from environment variables
// It first attempts to load from .env file if in development mode
func Load() (*Config, error) {
	// Try to load .env file (ignore error if doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ScoreboardBaseURL == "" {
		return fmt.Errorf("SCOREBOARD_BASE_URL is required")
	}

	if c.ProbabilitiesBaseURL == "" {
		return fmt.Errorf("PROBABILITIES_BASE_URL is required")
	}

	if c.SourceTimeout <= 0 {
		return fmt.Errorf("SOURCE_TIMEOUT must be positive")
	}

	if c.SourceMaxAttempts < 1 {
		return fmt.Errorf("SOURCE_MAX_ATTEMPTS must be at least 1")
	}

	if c.FetchWorkers < 1 {
		return fmt.Errorf("FETCH_WORKERS must be at least 1")
	}

	if c.ArchiveRoot == "" {
		return fmt.Errorf("ARCHIVE_ROOT is required")
	}

	// Probe the offsets against an arbitrary season so a bad calendar date
	// fails at startup, not mid-run
	if _, err := season.NewWindow(season.Season{StartYear: 2000}, c.SeasonStartOffset, c.SeasonEndOffset); err != nil {
		return fmt.Errorf("invalid season window offsets: %w", err)
	}

	return nil
}

// ValidateDatabase checks the settings the load step needs
// It is separate from Validate so archive-only runs work without a database
func (c *Config) ValidateDatabase() error {
	if c.DatabasePassword == "" {
		return fmt.Errorf("DATABASE_PASSWORD is required")
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseName,
		c.DatabaseSSLMode,
	)
}

// DatabaseURL returns the PostgreSQL URL used by migrations
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseName,
		c.DatabaseSSLMode,
	)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// MustLoad loads configuration or panics on error
// Use this in main() where we want to fail fast
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
