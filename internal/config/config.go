package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	TenantID string `yaml:"tenant_id"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPServiceConfig describes an outbound HTTP collaborator.
type HTTPServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type IdentityConfig struct {
	HTTPServiceConfig `yaml:",inline"`
	// RedirectURL is where an accepted invitation lands the new user.
	RedirectURL string `yaml:"redirect_url"`
}

type FiscalConfig struct {
	HTTPServiceConfig `yaml:",inline"`
	CompanyID         string  `yaml:"company_id"`
	CityServiceCode   string  `yaml:"city_service_code"`
	ISSRate           float64 `yaml:"iss_rate"`
}

type WebhookConfig struct {
	// GatewayTokenHash is the bcrypt hash of the access token the gateway sends with every webhook.
	GatewayTokenHash  string `yaml:"gateway_token_hash"`
	IdentityTokenHash string `yaml:"identity_token_hash"`
}

type RetryConfig struct {
	Schedule       string        `yaml:"schedule"`
	BatchSize      int           `yaml:"batch_size"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxAttempts    int           `yaml:"max_attempts"`
	LockExpiry     time.Duration `yaml:"lock_expiry"`
}

type Config struct {
	App      AppConfig         `yaml:"app"`
	Postgres PostgresConfig    `yaml:"postgres"`
	Redis    RedisConfig       `yaml:"redis"`
	Gateway  HTTPServiceConfig `yaml:"gateway"`
	Identity IdentityConfig    `yaml:"identity"`
	Fiscal   FiscalConfig      `yaml:"fiscal"`
	Webhook  WebhookConfig     `yaml:"webhook"`
	Retry    RetryConfig       `yaml:"retry"`
}

// NewConfig loads .env (if present), then an optional YAML file named by CONFIG_FILE,
// then environment variables, which always win.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.App.Port = "8080"
	cfg.App.LogLevel = "info"
	cfg.Postgres.Port = "5432"
	cfg.Postgres.SSLMode = "disable"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2
	cfg.Postgres.MaxConnLifetime = 30 * time.Minute
	cfg.Postgres.MigrationsPath = "migrations"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Gateway.Timeout = 15 * time.Second
	cfg.Identity.Timeout = 10 * time.Second
	cfg.Fiscal.Timeout = 20 * time.Second
	cfg.Retry.Schedule = "@every 5s"
	cfg.Retry.BatchSize = 20
	cfg.Retry.InitialBackoff = 30 * time.Second
	cfg.Retry.Multiplier = 2
	cfg.Retry.MaxAttempts = 5
	cfg.Retry.LockExpiry = time.Minute
	return cfg
}

func loadYAML(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.App.Port, "APP_PORT")
	setString(&cfg.App.LogLevel, "LOG_LEVEL")
	setString(&cfg.App.TenantID, "TENANT_ID")

	setString(&cfg.Postgres.Host, "DB_HOST")
	setString(&cfg.Postgres.Port, "DB_PORT")
	setString(&cfg.Postgres.User, "DB_USER")
	setString(&cfg.Postgres.Password, "DB_PASSWORD")
	setString(&cfg.Postgres.DBName, "DB_NAME")
	setString(&cfg.Postgres.SSLMode, "DB_SSLMODE")
	setString(&cfg.Postgres.MigrationsPath, "DB_MIGRATIONS_PATH")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.Gateway.BaseURL, "GATEWAY_BASE_URL")
	setString(&cfg.Gateway.APIKey, "GATEWAY_API_KEY")
	setString(&cfg.Identity.BaseURL, "IDENTITY_BASE_URL")
	setString(&cfg.Identity.APIKey, "IDENTITY_API_KEY")
	setString(&cfg.Identity.RedirectURL, "IDENTITY_REDIRECT_URL")
	setString(&cfg.Fiscal.BaseURL, "FISCAL_BASE_URL")
	setString(&cfg.Fiscal.APIKey, "FISCAL_API_KEY")
	setString(&cfg.Fiscal.CompanyID, "FISCAL_COMPANY_ID")
	setString(&cfg.Fiscal.CityServiceCode, "FISCAL_CITY_SERVICE_CODE")

	setString(&cfg.Webhook.GatewayTokenHash, "WEBHOOK_GATEWAY_TOKEN_HASH")
	setString(&cfg.Webhook.IdentityTokenHash, "WEBHOOK_IDENTITY_TOKEN_HASH")

	setString(&cfg.Retry.Schedule, "RETRY_SCHEDULE")

	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid DB_MAX_CONNS %q: %w", v, err)
		}
		cfg.Postgres.MaxConns = int32(n)
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("FISCAL_ISS_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FISCAL_ISS_RATE %q: %w", v, err)
		}
		cfg.Fiscal.ISSRate = f
	}
	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RETRY_MAX_ATTEMPTS %q: %w", v, err)
		}
		cfg.Retry.MaxAttempts = n
	}
	if v := os.Getenv("RETRY_INITIAL_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RETRY_INITIAL_BACKOFF %q: %w", v, err)
		}
		cfg.Retry.InitialBackoff = d
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that every required setting is present.
func (c *Config) Validate() error {
	if c.Postgres.Host == "" {
		return errors.New("DB_HOST is required")
	}
	if c.Postgres.User == "" {
		return errors.New("DB_USER is required")
	}
	if c.Postgres.DBName == "" {
		return errors.New("DB_NAME is required")
	}
	if c.App.TenantID == "" {
		return errors.New("TENANT_ID is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	return nil
}
