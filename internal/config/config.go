// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/specboard/specboard/internal/logging"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
}

// DatabaseConfig controls the Postgres connection pool.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_sec"`
}

// RedisConfig controls the shared cache store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig controls sessions and the login lockout policy.
type AuthConfig struct {
	JWTSecret         string `yaml:"jwt_secret"`
	TokenTTLHours     int    `yaml:"token_ttl_hours"`
	GoogleClientID    string `yaml:"google_client_id"`
	MaxFailedAttempts int    `yaml:"max_failed_attempts"`
	LockoutMinutes    int    `yaml:"lockout_minutes"`
}

// RateLimitConfig controls per-caller request budgets.
type RateLimitConfig struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	Burst           int `yaml:"burst"`
}

// CacheConfig holds per-collection response cache TTLs in seconds.
type CacheConfig struct {
	ProjectTTLSec       int    `yaml:"project_ttl_sec"`
	SpecificationTTLSec int    `yaml:"specification_ttl_sec"`
	ItemTTLSec          int    `yaml:"item_ttl_sec"`
	KeyPrefix           string `yaml:"key_prefix"`
}

// Config is the root configuration.
type Config struct {
	Server             ServerConfig    `yaml:"server"`
	Database           DatabaseConfig  `yaml:"database"`
	Redis              RedisConfig     `yaml:"redis"`
	Auth               AuthConfig      `yaml:"auth"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	Cache              CacheConfig     `yaml:"cache"`
	Logging            logging.Config  `yaml:"logging"`
	CORSAllowedOrigins string          `yaml:"cors_allowed_origins"`
}

// Load reads configuration from the file named by CONFIG_PATH (default
// config/config.yaml, optional) and applies environment overrides. A local
// .env file is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	path := envString("CONFIG_PATH", "config/config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (JWT_SECRET)")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Database.DSN != "" && c.Database.Driver == "" {
		return fmt.Errorf("database.driver is required when database.dsn is set")
	}
	return nil
}

// TokenTTL returns the configured JWT lifetime.
func (c *AuthConfig) TokenTTL() time.Duration {
	hours := c.TokenTTLHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// LockoutWindow returns the failed-attempt lockout duration.
func (c *AuthConfig) LockoutWindow() time.Duration {
	minutes := c.LockoutMinutes
	if minutes <= 0 {
		minutes = 15
	}
	return time.Duration(minutes) * time.Minute
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 30,
			IdleTimeoutSec:  120,
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Auth: AuthConfig{
			TokenTTLHours:     24,
			MaxFailedAttempts: 5,
			LockoutMinutes:    15,
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 1000,
			Burst:           50,
		},
		Cache: CacheConfig{
			ProjectTTLSec:       300,
			SpecificationTTLSec: 120,
			ItemTTLSec:          120,
			KeyPrefix:           "specboard",
		},
		Logging: logging.Config{Level: "info", Format: "json", Output: "stdout"},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = envString("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = envInt("SERVER_PORT", cfg.Server.Port)
	cfg.Database.Driver = envString("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = envString("DATABASE_DSN", cfg.Database.DSN)
	cfg.Redis.Addr = envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("REDIS_DB", cfg.Redis.DB)
	cfg.Auth.JWTSecret = envString("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.GoogleClientID = envString("GOOGLE_CLIENT_ID", cfg.Auth.GoogleClientID)
	cfg.Auth.TokenTTLHours = envInt("JWT_TTL_HOURS", cfg.Auth.TokenTTLHours)
	cfg.RateLimit.RequestsPerHour = envInt("RATE_LIMIT_PER_HOUR", cfg.RateLimit.RequestsPerHour)
	cfg.RateLimit.Burst = envInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	cfg.Logging.Level = envString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envString("LOG_FORMAT", cfg.Logging.Format)
	cfg.CORSAllowedOrigins = envString("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
