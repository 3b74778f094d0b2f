package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       LogConfig       `yaml:"log"`
	DevServer DevServerConfig `yaml:"devserver"`
	Backup    BackupConfig    `yaml:"backup"`
}

// APIConfig contains remote endpoint settings.
type APIConfig struct {
	URL     string   `yaml:"url" env:"LIFTLOG_API_URL"`
	Key     string   `yaml:"-" env:"LIFTLOG_API_KEY"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout" env:"LIFTLOG_API_TIMEOUT"`
}

// StoreConfig contains durable store settings.
type StoreConfig struct {
	Path          string   `yaml:"path" env:"LIFTLOG_STORE_PATH"`
	FlushInterval Duration `yaml:"flush_interval" env:"LIFTLOG_FLUSH_INTERVAL"`
	// CacheMaxAge prunes cached responses not read for this long. Zero keeps
	// them forever.
	CacheMaxAge Duration `yaml:"cache_max_age" env:"LIFTLOG_CACHE_MAX_AGE"`
}

// SyncConfig contains replay settings.
type SyncConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval" env:"LIFTLOG_HEARTBEAT_INTERVAL"`
	ReplayEveryReads  int      `yaml:"replay_every_reads" env:"LIFTLOG_REPLAY_EVERY_READS"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LIFTLOG_LOG_LEVEL"`
	Format string `yaml:"format" env:"LIFTLOG_LOG_FORMAT"`
	// File, when set, receives logs through a rotating writer.
	File       string `yaml:"file" env:"LIFTLOG_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LIFTLOG_LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"LIFTLOG_LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LIFTLOG_LOG_MAX_AGE_DAYS"`
}

// DevServerConfig contains settings for the local API stub.
type DevServerConfig struct {
	Port int `yaml:"port" env:"LIFTLOG_DEVSERVER_PORT"`
}

// BackupConfig contains S3-compatible object storage settings for store
// image backups. An empty Bucket disables backups.
type BackupConfig struct {
	Endpoint  string `yaml:"endpoint" env:"LIFTLOG_BACKUP_ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"LIFTLOG_BACKUP_BUCKET"`
	Region    string `yaml:"region" env:"LIFTLOG_BACKUP_REGION"`
	UseSSL    *bool  `yaml:"use_ssl" env:"LIFTLOG_BACKUP_USE_SSL"`
	AccessKey string `yaml:"-" env:"LIFTLOG_BACKUP_ACCESS_KEY"` // env-only
	SecretKey string `yaml:"-" env:"LIFTLOG_BACKUP_SECRET_KEY"` // env-only
	// Device names the object prefix so several installs can share a bucket.
	Device    string   `yaml:"device" env:"LIFTLOG_BACKUP_DEVICE"`
	URLExpiry Duration `yaml:"url_expiry" env:"LIFTLOG_BACKUP_URL_EXPIRY"`
}

// Duration is a wrapper around time.Duration that supports YAML and
// environment string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("LIFTLOG_CONFIG_PATH", "config/liftlog.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		API: APIConfig{
			Timeout: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Path:          "data/liftlog.db",
			FlushInterval: Duration(30 * time.Second),
			CacheMaxAge:   Duration(30 * 24 * time.Hour),
		},
		Sync: SyncConfig{
			HeartbeatInterval: Duration(15 * time.Second),
			ReplayEveryReads:  10,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		DevServer: DevServerConfig{
			Port: 8080,
		},
		Backup: BackupConfig{
			Device:    "default",
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies LIFTLOG_* environment overrides.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	var errs []error

	if c.API.URL != "" {
		u, err := url.Parse(c.API.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("api.url must be an absolute http(s) URL, got %q", c.API.URL))
		}
	}
	if c.API.Timeout < 0 {
		errs = append(errs, errors.New("api.timeout must not be negative"))
	}
	if c.Store.FlushInterval <= 0 {
		errs = append(errs, errors.New("store.flush_interval must be positive"))
	}
	if c.Store.CacheMaxAge < 0 {
		errs = append(errs, errors.New("store.cache_max_age must not be negative"))
	}
	if c.Sync.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("sync.heartbeat_interval must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if c.DevServer.Port < 0 || c.DevServer.Port > 65535 {
		errs = append(errs, fmt.Errorf("devserver.port out of range: %d", c.DevServer.Port))
	}

	if c.Backup.Bucket != "" {
		if c.Backup.Endpoint == "" {
			errs = append(errs, errors.New("backup.endpoint is required when backup.bucket is set"))
		}
		if c.Backup.Device == "" || strings.Contains(c.Backup.Device, "..") {
			errs = append(errs, fmt.Errorf("backup.device is invalid: %q", c.Backup.Device))
		}
		if c.Backup.URLExpiry <= 0 {
			errs = append(errs, errors.New("backup.url_expiry must be positive"))
		}
	}

	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
