package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Backup       BackupConfig       `yaml:"backup"`
	Transport    TransportConfig    `yaml:"transport"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	API          APIConfig          `yaml:"api"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type StorageConfig struct {
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	QueueKey     string        `yaml:"queue_key"`
	StateKey     string        `yaml:"state_key"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Failover keeps a SQLite copy when the redis driver is unavailable.
	Failover         bool          `yaml:"failover"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	KeyPrefix     string `yaml:"key_prefix"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type TransportConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Token       string        `yaml:"token"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	RPS         float64       `yaml:"rps"`
	Burst       int           `yaml:"burst"`
}

type SyncConfig struct {
	BatchSize          int            `yaml:"batch_size"`
	MaxPassActions     int            `yaml:"max_pass_actions"`
	BaseDelay          time.Duration  `yaml:"base_delay"`
	MaxDelay           time.Duration  `yaml:"max_delay"`
	Jitter             float64        `yaml:"jitter"`
	DefaultMaxAttempts int            `yaml:"default_max_attempts"`
	MaxAttempts        map[string]int `yaml:"max_attempts"`
	Schedule           string         `yaml:"schedule"`
	SyncOnReconnect    *bool          `yaml:"sync_on_reconnect"`
}

// ReconnectEnabled defaults to true when the key is absent.
func (s SyncConfig) ReconnectEnabled() bool {
	return s.SyncOnReconnect == nil || *s.SyncOnReconnect
}

type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	StartOnline   bool          `yaml:"start_online"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	APIKey    string             `yaml:"api_key"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// Load reads a YAML config, expanding ${VAR} references from the environment
// and an optional .env file.
func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns a config with defaults applied, for tools that run without
// a config file.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage path is required for sqlite driver")
		}
	case DriverRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis driver")
		}
		if c.Storage.Failover && c.Storage.Path == "" {
			return errors.New("storage path is required for redis failover")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Transport.BaseURL != "" {
		u, err := url.Parse(c.Transport.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("transport base_url %q is not an absolute URL", c.Transport.BaseURL)
		}
	}

	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		return errors.New("sync max_delay must not be less than base_delay")
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		return errors.New("sync jitter must be within [0,1]")
	}
	for typ, n := range c.Sync.MaxAttempts {
		if n < 1 {
			return fmt.Errorf("sync max_attempts for %q must be positive", typ)
		}
	}

	if c.Backup.Enabled && c.Storage.Driver != DriverSQLite {
		return errors.New("backup requires the sqlite storage driver")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "offsync"
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.Path == "" {
		c.Storage.Path = "data/offsync.db"
	}
	if c.Storage.QueueKey == "" {
		c.Storage.QueueKey = "offsync:queue"
	}
	if c.Storage.StateKey == "" {
		c.Storage.StateKey = "offsync:state"
	}
	if c.Storage.WriteTimeout == 0 {
		c.Storage.WriteTimeout = 5 * time.Second
	}
	if c.Storage.RecoveryInterval == 0 {
		c.Storage.RecoveryInterval = time.Minute
	}

	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}

	if c.Transport.SendTimeout == 0 {
		c.Transport.SendTimeout = 15 * time.Second
	}
	if c.Transport.Burst == 0 {
		c.Transport.Burst = 5
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 20
	}
	if c.Sync.BaseDelay == 0 {
		c.Sync.BaseDelay = 2 * time.Second
	}
	if c.Sync.MaxDelay == 0 {
		c.Sync.MaxDelay = 5 * time.Minute
	}
	if c.Sync.Jitter == 0 {
		c.Sync.Jitter = 0.2
	}
	if c.Sync.DefaultMaxAttempts == 0 {
		c.Sync.DefaultMaxAttempts = 5
	}

	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = 30 * time.Second
	}
	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = 5 * time.Second
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 20
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
