package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Conductor server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
	Catalog  CatalogConfig
	Identity IdentityConfig
	Provider ProviderConfig
	Follow   FollowConfig
	Monitor  MonitorConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// LedgerConfig points at the external wallet ledger.
type LedgerConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// CatalogConfig points at the external application/product catalog.
type CatalogConfig struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// IdentityConfig points at the external identity/session service.
type IdentityConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// ProviderConfig tunes provider communication handles.
type ProviderConfig struct {
	CallTimeout     time.Duration
	HandleTTL       time.Duration
	SupportCacheTTL time.Duration
}

// FollowConfig tunes follow subscriptions.
type FollowConfig struct {
	UpdateInterval time.Duration
	StatePoll      time.Duration
}

// MonitorConfig tunes the background job monitor.
type MonitorConfig struct {
	Enabled       bool
	Interval      time.Duration
	LeaseDuration time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CONDUCTOR_PORT", 8080),
			Env:  envString("CONDUCTOR_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Ledger: LedgerConfig{
			BaseURL: os.Getenv("LEDGER_BASE_URL"),
			Token:   os.Getenv("LEDGER_TOKEN"),
			Timeout: envDuration("LEDGER_TIMEOUT", 15*time.Second),
		},
		Catalog: CatalogConfig{
			BaseURL:  os.Getenv("CATALOG_BASE_URL"),
			Token:    os.Getenv("CATALOG_TOKEN"),
			Timeout:  envDuration("CATALOG_TIMEOUT", 15*time.Second),
			CacheTTL: envDuration("CATALOG_CACHE_TTL", 5*time.Minute),
		},
		Identity: IdentityConfig{
			BaseURL: os.Getenv("IDENTITY_BASE_URL"),
			Token:   os.Getenv("IDENTITY_TOKEN"),
			Timeout: envDuration("IDENTITY_TIMEOUT", 15*time.Second),
		},
		Provider: ProviderConfig{
			CallTimeout:     envDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second),
			HandleTTL:       envDuration("PROVIDER_HANDLE_TTL", 5*time.Minute),
			SupportCacheTTL: envDuration("PROVIDER_SUPPORT_CACHE_TTL", 5*time.Minute),
		},
		Follow: FollowConfig{
			UpdateInterval: envDuration("FOLLOW_UPDATE_INTERVAL", time.Second),
			StatePoll:      envDuration("FOLLOW_STATE_POLL", 500*time.Millisecond),
		},
		Monitor: MonitorConfig{
			Enabled:       envBool("MONITOR_ENABLED", true),
			Interval:      envDuration("MONITOR_INTERVAL", time.Minute),
			LeaseDuration: envDuration("MONITOR_LEASE_DURATION", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	for name, url := range map[string]string{
		"LEDGER_BASE_URL":   c.Ledger.BaseURL,
		"CATALOG_BASE_URL":  c.Catalog.BaseURL,
		"IDENTITY_BASE_URL": c.Identity.BaseURL,
	} {
		if url == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, url)
		}
	}

	if c.Provider.HandleTTL <= 0 {
		return fmt.Errorf("PROVIDER_HANDLE_TTL must be positive")
	}
	if c.Monitor.LeaseDuration <= 0 {
		return fmt.Errorf("MONITOR_LEASE_DURATION must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
