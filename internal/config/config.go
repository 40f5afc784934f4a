package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PAGESYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "pagesync.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultCookieName   = "app_session"
	defaultBackupDir    = ".pagesync/backups"
	defaultBaselinePath = ".pagesync/baseline.json"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and locates the page store.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// SiteConfig locates the static site and its backups.
type SiteConfig struct {
	Root          string
	BackupDir     string
	BackupKeep    int
	Watch         bool
	WatchDebounce time.Duration
}

// LockConfig bounds edit lock leases.
type LockConfig struct {
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	SweepInterval  time.Duration
	RequireForEdit bool
}

// VersionConfig tunes the optimistic version gate.
type VersionConfig struct {
	// MaxRetries of zero keeps the gate default; -1 disables re-reads.
	MaxRetries int
	RetryDelay time.Duration
}

// ValidatorConfig tunes the script-injection validator.
type ValidatorConfig struct {
	BaselinePath     string
	BlockThreshold   int
	MonitorThreshold int
	CacheSize        int
}

// WorkerConfig schedules the retry queue worker.
type WorkerConfig struct {
	Enabled         bool
	PollInterval    time.Duration
	BatchSize       int
	RetryDelay      time.Duration
	MaxAttempts     int
	Retention       time.Duration
	CleanupInterval time.Duration
	ShutdownTimeout time.Duration
	AbandonAfter    time.Duration
}

// AppConfig captures runtime configuration for the API server, the worker and the CLI tools.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionCookieName string
	SessionIssuer     string
	LogLevel          string
	LogFormat         string
	Database          DatabaseConfig
	Site              SiteConfig
	Locks             LockConfig
	Versions          VersionConfig
	Validator         ValidatorConfig
	Worker            WorkerConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", DriverSQLite)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", "")

	configViper.SetDefault("site.backup_dir", defaultBackupDir)
	configViper.SetDefault("site.backup_keep", 5)
	configViper.SetDefault("site.watch", false)
	configViper.SetDefault("site.watch_debounce", 250*time.Millisecond)

	configViper.SetDefault("locks.default_ttl", 30*time.Minute)
	configViper.SetDefault("locks.max_ttl", 2*time.Hour)
	configViper.SetDefault("locks.sweep_interval", time.Minute)
	configViper.SetDefault("locks.require_for_edit", true)

	configViper.SetDefault("versions.max_retries", 3)
	configViper.SetDefault("versions.retry_delay", 100*time.Millisecond)

	configViper.SetDefault("validator.baseline_path", defaultBaselinePath)
	configViper.SetDefault("validator.block_threshold", 7)
	configViper.SetDefault("validator.monitor_threshold", 4)
	configViper.SetDefault("validator.cache_size", 256)

	configViper.SetDefault("worker.enabled", true)
	configViper.SetDefault("worker.poll_interval", 5*time.Second)
	configViper.SetDefault("worker.batch_size", 10)
	configViper.SetDefault("worker.retry_delay", 30*time.Second)
	configViper.SetDefault("worker.max_attempts", 3)
	configViper.SetDefault("worker.retention", 7*24*time.Hour)
	configViper.SetDefault("worker.cleanup_interval", time.Hour)
	configViper.SetDefault("worker.shutdown_timeout", 30*time.Second)
	configViper.SetDefault("worker.abandon_after", 15*time.Minute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Site: SiteConfig{
			Root:          configViper.GetString("site.root"),
			BackupDir:     configViper.GetString("site.backup_dir"),
			BackupKeep:    configViper.GetInt("site.backup_keep"),
			Watch:         configViper.GetBool("site.watch"),
			WatchDebounce: configViper.GetDuration("site.watch_debounce"),
		},
		Locks: LockConfig{
			DefaultTTL:     configViper.GetDuration("locks.default_ttl"),
			MaxTTL:         configViper.GetDuration("locks.max_ttl"),
			SweepInterval:  configViper.GetDuration("locks.sweep_interval"),
			RequireForEdit: configViper.GetBool("locks.require_for_edit"),
		},
		Versions: VersionConfig{
			MaxRetries: configViper.GetInt("versions.max_retries"),
			RetryDelay: configViper.GetDuration("versions.retry_delay"),
		},
		Validator: ValidatorConfig{
			BaselinePath:     configViper.GetString("validator.baseline_path"),
			BlockThreshold:   configViper.GetInt("validator.block_threshold"),
			MonitorThreshold: configViper.GetInt("validator.monitor_threshold"),
			CacheSize:        configViper.GetInt("validator.cache_size"),
		},
		Worker: WorkerConfig{
			Enabled:         configViper.GetBool("worker.enabled"),
			PollInterval:    configViper.GetDuration("worker.poll_interval"),
			BatchSize:       configViper.GetInt("worker.batch_size"),
			RetryDelay:      configViper.GetDuration("worker.retry_delay"),
			MaxAttempts:     configViper.GetInt("worker.max_attempts"),
			Retention:       configViper.GetDuration("worker.retention"),
			CleanupInterval: configViper.GetDuration("worker.cleanup_interval"),
			ShutdownTimeout: configViper.GetDuration("worker.shutdown_timeout"),
			AbandonAfter:    configViper.GetDuration("worker.abandon_after"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSession checks the settings needed to validate editor sessions.
func (c AppConfig) RequireSession() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Site.Root) == "" {
		return fmt.Errorf("site.root is required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Locks.DefaultTTL <= 0 || c.Locks.MaxTTL < c.Locks.DefaultTTL {
		return fmt.Errorf("locks.max_ttl must be at least locks.default_ttl")
	}
	if c.Validator.MonitorThreshold > c.Validator.BlockThreshold {
		return fmt.Errorf("validator.monitor_threshold must not exceed validator.block_threshold")
	}
	if c.Worker.BatchSize <= 0 || c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.batch_size and worker.max_attempts must be positive")
	}
	return nil
}
