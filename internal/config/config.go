package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Backup       BackupConfig       `yaml:"backup"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Bot          BotConfig          `yaml:"bot"`
	Dedup        DedupConfig        `yaml:"dedup"`
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
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
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

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Webhook   WebhookConfig      `yaml:"webhook"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type WebhookConfig struct {
	Secret    string        `yaml:"secret"`
	Tolerance time.Duration `yaml:"tolerance"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ProvisioningConfig describes the external bot/calendar API.
type ProvisioningConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// OAuth2 client credentials, used instead of APIKey when TokenURL is set.
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	MaxPages       int           `yaml:"max_pages"`
}

type SchedulerConfig struct {
	SyncInterval            time.Duration `yaml:"sync_interval"`
	ConnectionCheckInterval time.Duration `yaml:"connection_check_interval"`
	SyncLookback            time.Duration `yaml:"sync_lookback"`
	CalendarParallelism     int           `yaml:"calendar_parallelism"`

	SchedulingConcurrency      int `yaml:"scheduling_concurrency"`
	RemovalConcurrency         int `yaml:"removal_concurrency"`
	PeriodicSyncConcurrency    int `yaml:"periodic_sync_concurrency"`
	WebhookSyncConcurrency     int `yaml:"webhook_sync_concurrency"`
	ConnectionCheckConcurrency int `yaml:"connection_check_concurrency"`

	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	LockDuration    time.Duration `yaml:"lock_duration"`
	RemoteLookupTTL time.Duration `yaml:"remote_lookup_ttl"`
}

type BotConfig struct {
	CallbackBaseURL string `yaml:"callback_base_url"`
	DefaultName     string `yaml:"default_name"`
}

type DedupConfig struct {
	Enabled         bool     `yaml:"enabled"`
	PersonalDomains []string `yaml:"personal_domains"`
}

// DefaultPersonalDomains are consumer mail providers whose users never share a bot.
var DefaultPersonalDomains = []string{
	"gmail.com",
	"googlemail.com",
	"outlook.com",
	"hotmail.com",
	"live.com",
	"msn.com",
	"yahoo.com",
	"icloud.com",
	"me.com",
	"aol.com",
	"proton.me",
	"protonmail.com",
}

func Load(configPath string) (*Config, error) {
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
	if c.Provisioning.BaseURL == "" {
		return errors.New("provisioning base_url is required")
	}
	if c.Provisioning.TokenURL != "" {
		if c.Provisioning.ClientID == "" || c.Provisioning.ClientSecret == "" {
			return errors.New("provisioning client_id and client_secret are required with token_url")
		}
	} else if c.Provisioning.APIKey == "" {
		return errors.New("provisioning api_key is required")
	}

	concurrency := map[string]int{
		"scheduling_concurrency":       c.Scheduler.SchedulingConcurrency,
		"removal_concurrency":          c.Scheduler.RemovalConcurrency,
		"periodic_sync_concurrency":    c.Scheduler.PeriodicSyncConcurrency,
		"webhook_sync_concurrency":     c.Scheduler.WebhookSyncConcurrency,
		"connection_check_concurrency": c.Scheduler.ConnectionCheckConcurrency,
	}
	for name, v := range concurrency {
		if v < 0 {
			return fmt.Errorf("scheduler.%s must not be negative", name)
		}
	}

	if c.Backup.Enabled && c.Backup.StoragePath == "" {
		return errors.New("backup storage_path is required when backup is enabled")
	}
	return nil
}

// PersonalDomainSet returns the lowercased personal-domain exclusion set.
func (c DedupConfig) PersonalDomainSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.PersonalDomains))
	for _, d := range c.PersonalDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			set[d] = struct{}{}
		}
	}
	return set
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "recallbot"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.Webhook.Tolerance == 0 {
		c.API.Webhook.Tolerance = 5 * time.Minute
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	// Provisioning defaults
	p := &c.Provisioning
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.RateLimitRPS == 0 {
		p.RateLimitRPS = 10
	}
	if p.RateLimitBurst == 0 {
		p.RateLimitBurst = 5
	}
	if p.MaxPages == 0 {
		p.MaxPages = 100
	}

	// Scheduler defaults
	s := &c.Scheduler
	if s.SyncInterval == 0 {
		s.SyncInterval = 2 * time.Minute
	}
	if s.ConnectionCheckInterval == 0 {
		s.ConnectionCheckInterval = 15 * time.Minute
	}
	if s.SyncLookback == 0 {
		s.SyncLookback = 24 * time.Hour
	}
	if s.CalendarParallelism == 0 {
		s.CalendarParallelism = 4
	}
	if s.SchedulingConcurrency == 0 {
		s.SchedulingConcurrency = 2
	}
	if s.RemovalConcurrency == 0 {
		s.RemovalConcurrency = 2
	}
	if s.PeriodicSyncConcurrency == 0 {
		s.PeriodicSyncConcurrency = 1
	}
	if s.WebhookSyncConcurrency == 0 {
		s.WebhookSyncConcurrency = 2
	}
	if s.ConnectionCheckConcurrency == 0 {
		s.ConnectionCheckConcurrency = 1
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	if s.InitialDelay == 0 {
		s.InitialDelay = 2 * time.Second
	}
	if s.MaxDelay == 0 {
		s.MaxDelay = time.Minute
	}
	if s.PollInterval == 0 {
		s.PollInterval = 2 * time.Second
	}
	if s.LockDuration == 0 {
		s.LockDuration = 5 * time.Minute
	}
	if s.RemoteLookupTTL == 0 {
		s.RemoteLookupTTL = time.Minute
	}

	if c.Bot.DefaultName == "" {
		c.Bot.DefaultName = "Meeting Notetaker"
	}
	if c.Dedup.PersonalDomains == nil {
		c.Dedup.PersonalDomains = append([]string(nil), DefaultPersonalDomains...)
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "24h"
	}
}
