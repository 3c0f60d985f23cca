// SPDX-License-Identifier: MIT

// Package config loads gateway configuration with precedence ENV > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved gateway configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// PostgreSQL
	DatabaseURL string `yaml:"database_url"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	// Dispatcher
	PollInterval       time.Duration `yaml:"poll_interval"`
	BatchSize          int           `yaml:"batch_size"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	StaleProcessing    time.Duration `yaml:"stale_processing"`
	AdapterURL         string        `yaml:"adapter_url"`
	DeviceStaleAfter   time.Duration `yaml:"device_stale_after"`
	DeviceSweepEvery   time.Duration `yaml:"device_sweep_every"`
	DevicePollInterval time.Duration `yaml:"device_poll_interval"`

	// Auth
	AdminToken         string `yaml:"admin_token"`
	AdminAllowCfAccess bool   `yaml:"admin_allow_cf_access"`
	AdminSessionCookie string `yaml:"admin_session_cookie"`
	InternalSecret     string `yaml:"internal_secret"`
	DefaultTenantSlug  string `yaml:"default_tenant_slug"`

	// Rate limiting
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	DeviceIPRPM   int    `yaml:"device_ip_rpm"`

	// Webhooks
	WebhookTimeout   time.Duration `yaml:"webhook_timeout"`
	WebhookQueueSize int           `yaml:"webhook_queue_size"`

	// Public base URL used to build pair redemption links.
	PublicBaseURL string `yaml:"public_base_url"`
}

// ErrMissingDatabaseURL indicates no PostgreSQL connection string was provided.
var ErrMissingDatabaseURL = errors.New("config: SMSGW_DATABASE_URL is required")

// Load resolves configuration from an optional YAML file overlaid by environment
// variables, then validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Listen:             ":8080",
		LogLevel:           "info",
		AutoMigrate:        true,
		PollInterval:       5 * time.Second,
		BatchSize:          5,
		SendTimeout:        15 * time.Second,
		MaxAttempts:        5,
		StaleProcessing:    60 * time.Second,
		DeviceStaleAfter:   120 * time.Second,
		DeviceSweepEvery:   60 * time.Second,
		DevicePollInterval: 10 * time.Second,
		AdminSessionCookie: "",
		DefaultTenantSlug:  "getouch",
		DeviceIPRPM:        600,
		WebhookTimeout:     10 * time.Second,
		WebhookQueueSize:   256,
	}
}

func applyEnv(cfg *Config) {
	cfg.Listen = ParseString("SMSGW_LISTEN", cfg.Listen)
	cfg.LogLevel = ParseString("SMSGW_LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = ParseString("SMSGW_DATABASE_URL", cfg.DatabaseURL)
	cfg.AutoMigrate = ParseBool("SMSGW_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.PollInterval = ParseDuration("SMSGW_POLL_INTERVAL", cfg.PollInterval)
	cfg.BatchSize = ParseInt("SMSGW_BATCH_SIZE", cfg.BatchSize)
	cfg.SendTimeout = ParseDuration("SMSGW_SEND_TIMEOUT", cfg.SendTimeout)
	cfg.MaxAttempts = ParseInt("SMSGW_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.StaleProcessing = ParseDuration("SMSGW_STALE_PROCESSING", cfg.StaleProcessing)
	cfg.AdapterURL = ParseString("SMSGW_ADAPTER_URL", cfg.AdapterURL)
	cfg.DeviceStaleAfter = ParseDuration("SMSGW_DEVICE_STALE_AFTER", cfg.DeviceStaleAfter)
	cfg.DeviceSweepEvery = ParseDuration("SMSGW_DEVICE_SWEEP_EVERY", cfg.DeviceSweepEvery)
	cfg.DevicePollInterval = ParseDuration("SMSGW_DEVICE_POLL_INTERVAL", cfg.DevicePollInterval)
	cfg.AdminToken = ParseString("SMSGW_ADMIN_TOKEN", cfg.AdminToken)
	cfg.AdminAllowCfAccess = ParseBool("SMSGW_ADMIN_ALLOW_CF_ACCESS", cfg.AdminAllowCfAccess)
	cfg.AdminSessionCookie = ParseString("SMSGW_ADMIN_SESSION_COOKIE", cfg.AdminSessionCookie)
	cfg.InternalSecret = ParseString("SMSGW_INTERNAL_SECRET", cfg.InternalSecret)
	cfg.DefaultTenantSlug = ParseString("SMSGW_DEFAULT_TENANT_SLUG", cfg.DefaultTenantSlug)
	cfg.RedisAddr = ParseString("SMSGW_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("SMSGW_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.DeviceIPRPM = ParseInt("SMSGW_DEVICE_IP_RPM", cfg.DeviceIPRPM)
	cfg.WebhookTimeout = ParseDuration("SMSGW_WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.WebhookQueueSize = ParseInt("SMSGW_WEBHOOK_QUEUE_SIZE", cfg.WebhookQueueSize)
	cfg.PublicBaseURL = ParseString("SMSGW_PUBLIC_BASE_URL", cfg.PublicBaseURL)
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.WebhookQueueSize <= 0 {
		return fmt.Errorf("config: webhook_queue_size must be positive, got %d", c.WebhookQueueSize)
	}
	return nil
}
