// Package config handles loading and validating the application configuration
// from YAML files with environment variable substitution.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/donaldgifford/market-ledger/internal/resilience"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Collection source kinds.
const (
	SourceFile = "file"
	SourceHTTP = "http"
)

// Config is the top-level application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Collection    CollectionConfig    `yaml:"collection"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Export        ExportConfig        `yaml:"export"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

// ServerConfig defines the Echo HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig selects and configures the store. Postgres uses the
// connection fields, SQLite only Path.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	PoolSize int    `yaml:"pool_size"`
	Path     string `yaml:"path"`
}

// DSN returns a PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode,
	)
}

// CollectionConfig defines where candidates come from and when a
// convergence pass stops.
type CollectionConfig struct {
	Source        string            `yaml:"source"` // file, http
	Dir           string            `yaml:"dir"`
	BaseURL       string            `yaml:"base_url"`
	Token         string            `yaml:"token"`
	Feeds         []string          `yaml:"feeds"`
	FeedBuilder   FeedBuilderConfig `yaml:"feed_builder"`
	NoGrowthLimit int               `yaml:"no_growth_limit"`
	MaxItems      int               `yaml:"max_items"`
	MaxIterations int               `yaml:"max_iterations"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Retry         RetryConfig       `yaml:"retry"`
}

// FeedBuilderConfig generates marketplace feeds from a search area when no
// explicit feeds are listed.
type FeedBuilderConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	RadiusKM  int     `yaml:"radius_km"`
	Query     string  `yaml:"query"`
	Category  string  `yaml:"category"` // vehicles, motorcycles, all
}

// Enabled reports whether a search area was configured.
func (f *FeedBuilderConfig) Enabled() bool {
	return f.Latitude != 0 || f.Longitude != 0 || f.Query != ""
}

// RateLimitConfig throttles batch fetches per feed.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// RetryConfig bounds retries of transient faults.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Policy converts the section into a retry policy.
func (r RetryConfig) Policy() resilience.Policy {
	p := resilience.DefaultPolicy()
	p.MaxAttempts = r.MaxAttempts
	p.InitialBackoff = r.InitialBackoff
	p.MaxBackoff = r.MaxBackoff
	return p
}

// IngestionConfig defines the ingestion schedule and the reconciliation
// worker pool.
type IngestionConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Timeout         time.Duration `yaml:"timeout"`
	Workers         int           `yaml:"workers"`
	CommitRetry     RetryConfig   `yaml:"commit_retry"`
	DefaultCurrency string        `yaml:"default_currency"`
}

// ExportConfig defines where exports are written when no path is given.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// NotificationsConfig defines where run summaries are sent.
type NotificationsConfig struct {
	Discord DiscordConfig `yaml:"discord"`
}

// DiscordConfig defines Discord webhook settings.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`   // optional, in addition to stderr
}

// TracingConfig defines OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads and parses a YAML config file, performing environment variable
// substitution and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path from trusted CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse is Load for config already in memory.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the YAML content.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a config with every default applied: a SQLite store in
// the working directory and file feeds read from ./feeds.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyCollectionDefaults(&cfg.Collection)
	applyIngestionDefaults(&cfg.Ingestion)
	applyExportDefaults(&cfg.Export)
	applyLoggingDefaults(&cfg.Logging)
	applyTracingDefaults(&cfg.Tracing)
}

func applyServerDefaults(s *ServerConfig) {
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 30 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 30 * time.Second
	}
}

func applyDatabaseDefaults(d *DatabaseConfig) {
	if d.Driver == "" {
		d.Driver = DriverSQLite
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}
	if d.PoolSize == 0 {
		d.PoolSize = 10
	}
	if d.Path == "" {
		d.Path = "market-ledger.db"
	}
}

func applyCollectionDefaults(c *CollectionConfig) {
	if c.Source == "" {
		c.Source = SourceFile
	}
	if c.Dir == "" {
		c.Dir = "feeds"
	}
	if c.FeedBuilder.RadiusKM == 0 {
		c.FeedBuilder.RadiusKM = 50
	}
	if c.FeedBuilder.Category == "" {
		c.FeedBuilder.Category = "all"
	}
	if c.NoGrowthLimit == 0 {
		c.NoGrowthLimit = 3
	}
	if c.MaxItems == 0 {
		c.MaxItems = 300
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 50
	}
	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = 1.0
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}
	applyRetryDefaults(&c.Retry)
}

func applyRetryDefaults(r *RetryConfig) {
	def := resilience.DefaultPolicy()
	if r.MaxAttempts == 0 {
		r.MaxAttempts = def.MaxAttempts
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = def.InitialBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = def.MaxBackoff
	}
}

func applyIngestionDefaults(i *IngestionConfig) {
	if i.Interval == 0 {
		i.Interval = time.Hour
	}
	if i.Timeout == 0 {
		i.Timeout = 30 * time.Minute
	}
	if i.Workers == 0 {
		i.Workers = 4
	}
	if i.DefaultCurrency == "" {
		i.DefaultCurrency = "USD"
	}
	i.DefaultCurrency = strings.ToUpper(i.DefaultCurrency)
	applyRetryDefaults(&i.CommitRetry)
}

func applyExportDefaults(e *ExportConfig) {
	if e.Dir == "" {
		e.Dir = "exports"
	}
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

func applyTracingDefaults(t *TracingConfig) {
	if t.Endpoint == "" {
		t.Endpoint = "localhost:4317"
	}
	if t.ServiceName == "" {
		t.ServiceName = "market-ledger"
	}
	if t.SampleRatio == 0 {
		t.SampleRatio = 1.0
	}
}

func validate(cfg *Config) error {
	var errs []error

	switch cfg.Database.Driver {
	case DriverPostgres:
		if cfg.Database.Host == "" {
			errs = append(errs, fmt.Errorf("database.host is required when driver is postgres"))
		}
		if cfg.Database.Name == "" {
			errs = append(errs, fmt.Errorf("database.name is required when driver is postgres"))
		}
		if cfg.Database.User == "" {
			errs = append(errs, fmt.Errorf("database.user is required when driver is postgres"))
		}
	case DriverSQLite:
	default:
		errs = append(
			errs,
			fmt.Errorf("database.driver must be one of: postgres, sqlite (got %q)", cfg.Database.Driver),
		)
	}

	switch cfg.Collection.Source {
	case SourceFile:
	case SourceHTTP:
		if cfg.Collection.BaseURL == "" {
			errs = append(errs, fmt.Errorf("collection.base_url is required when source is http"))
		}
	default:
		errs = append(
			errs,
			fmt.Errorf("collection.source must be one of: file, http (got %q)", cfg.Collection.Source),
		)
	}

	switch cfg.Collection.FeedBuilder.Category {
	case "vehicles", "motorcycles", "all":
	default:
		errs = append(
			errs,
			fmt.Errorf(
				"collection.feed_builder.category must be one of: vehicles, motorcycles, all (got %q)",
				cfg.Collection.FeedBuilder.Category,
			),
		)
	}

	if cfg.Collection.NoGrowthLimit < 0 || cfg.Collection.MaxItems < 0 || cfg.Collection.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("collection stop thresholds must not be negative"))
	}
	if cfg.Collection.RateLimit.PerSecond < 0 {
		errs = append(errs, fmt.Errorf("collection.rate_limit.per_second must not be negative"))
	}
	if cfg.Ingestion.Workers < 0 {
		errs = append(errs, fmt.Errorf("ingestion.workers must not be negative"))
	}
	if cfg.Ingestion.Interval < time.Minute {
		errs = append(errs, fmt.Errorf("ingestion.interval must be at least 1m (got %s)", cfg.Ingestion.Interval))
	}
	if len(cfg.Ingestion.DefaultCurrency) != 3 {
		errs = append(
			errs,
			fmt.Errorf("ingestion.default_currency must be an ISO 4217 code (got %q)", cfg.Ingestion.DefaultCurrency),
		)
	}
	if cfg.Notifications.Discord.Enabled && cfg.Notifications.Discord.WebhookURL == "" {
		errs = append(errs, fmt.Errorf("notifications.discord.webhook_url is required when discord is enabled"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0, 1]"))
	}

	return errors.Join(errs...)
}
