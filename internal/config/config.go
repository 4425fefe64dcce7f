package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"fieldtrack/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Remote     RemoteConfig     `yaml:"remote"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Sync       SyncConfig       `yaml:"sync"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	PoolSize         int    `yaml:"pool_size"`
	NotificationsKey string `yaml:"notifications_key"`
	NotificationsCap int64  `yaml:"notifications_cap"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// RemoteConfig points at the task/evidence REST API.
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	BatchPath      string        `yaml:"batch_path"`
	TasksPath      string        `yaml:"tasks_path"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

// TrackingConfig is handed to the platform location adapter.
type TrackingConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	MinDistanceM   float64       `yaml:"min_distance_m"`
	HighAccuracy   *bool         `yaml:"high_accuracy"`
	NoticeTitle    string        `yaml:"notice_title"`
	NoticeBody     string        `yaml:"notice_body"`
}

type SyncConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	// PhotoDir resolves relative photo references of queued submissions.
	PhotoDir string `yaml:"photo_dir"`
}

type WatchdogConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	WarnAfter    time.Duration `yaml:"warn_after"`
	CloseAfter   time.Duration `yaml:"close_after"`
}

// APIConfig configures the local control surface used by the host app.
type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

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

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Watchdog.WarnAfter >= c.Watchdog.CloseAfter {
		return fmt.Errorf("watchdog warn_after (%s) must be below close_after (%s)", c.Watchdog.WarnAfter, c.Watchdog.CloseAfter)
	}
	return nil
}

// HighAccuracyEnabled reports the positioning mode, on unless disabled explicitly.
func (t TrackingConfig) HighAccuracyEnabled() bool {
	return t.HighAccuracy == nil || *t.HighAccuracy
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldtrack"
	}
	if c.Remote.BatchPath == "" {
		c.Remote.BatchPath = "/tracking/batch"
	}
	if c.Remote.TasksPath == "" {
		c.Remote.TasksPath = "/tasks"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 15 * time.Second
	}
	if c.Redis.NotificationsKey == "" {
		c.Redis.NotificationsKey = "fieldtrack:notifications"
	}
	if c.Redis.NotificationsCap == 0 {
		c.Redis.NotificationsCap = 100
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Tracking.SampleInterval == 0 {
		c.Tracking.SampleInterval = models.DefaultSampleInterval
	}
	if c.Tracking.MinDistanceM == 0 {
		c.Tracking.MinDistanceM = models.DefaultMinDistanceMeters
	}
	if c.Tracking.NoticeTitle == "" {
		c.Tracking.NoticeTitle = "Seguimiento activo"
	}
	if c.Tracking.NoticeBody == "" {
		c.Tracking.NoticeBody = "Registrando ubicación de la tarea en curso"
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}

	if c.Watchdog.PollInterval == 0 {
		c.Watchdog.PollInterval = models.DefaultWatchdogInterval
	}
	if c.Watchdog.WarnAfter == 0 {
		c.Watchdog.WarnAfter = models.DefaultWarnAfter
	}
	if c.Watchdog.CloseAfter == 0 {
		c.Watchdog.CloseAfter = models.DefaultCloseAfter
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
}
