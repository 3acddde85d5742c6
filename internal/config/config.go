// Package config loads service configuration from an optional YAML file,
// a .env file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`

	Upstream Upstream `yaml:"upstream"`
	Trading  Trading  `yaml:"trading"`
	HTTP     HTTP     `yaml:"http"`
	Archive  Archive  `yaml:"archive"`
}

type Postgres struct {
	URL           string `yaml:"url" env:"DATABASE_URL"`
	RunMigrations bool   `yaml:"run_migrations" env:"RUN_MIGRATIONS" env-default:"true"`
}

type Redis struct {
	URL      string        `yaml:"url" env:"REDIS_URL"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL" env-default:"30s"`
}

// Upstream configures the external catalog and account services. Empty URLs
// mean the local store serves that concern.
type Upstream struct {
	CatalogURL  string        `yaml:"catalog_url" env:"CATALOG_URL"`
	AccountsURL string        `yaml:"accounts_url" env:"ACCOUNTS_URL"`
	Timeout     time.Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT" env-default:"2s"`
	Retries     uint64        `yaml:"retries" env:"UPSTREAM_RETRIES" env-default:"3"`
	Backoff     time.Duration `yaml:"backoff" env:"UPSTREAM_BACKOFF" env-default:"100ms"`
}

type Trading struct {
	OrderTimeout       time.Duration `yaml:"order_timeout" env:"ORDER_TIMEOUT" env-default:"10s"`
	LockTimeout        time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT" env-default:"3s"`
	MaxOrderQuantity   int64         `yaml:"max_order_quantity" env:"MAX_ORDER_QUANTITY" env-default:"10000"`
	DefaultPageSize    int           `yaml:"default_page_size" env:"DEFAULT_PAGE_SIZE" env-default:"20"`
	MaxPageSize        int           `yaml:"max_page_size" env:"MAX_PAGE_SIZE" env-default:"100"`
	MaxHoldingQuantity int64         `yaml:"max_holding_quantity" env:"MAX_HOLDING_QUANTITY" env-default:"0"`
	MaxTotalInvested   string        `yaml:"max_total_invested" env:"MAX_TOTAL_INVESTED" env-default:"0"`
}

type HTTP struct {
	RateLimit   int           `yaml:"rate_limit" env:"RATE_LIMIT" env-default:"60"`
	RateWindow  time.Duration `yaml:"rate_window" env:"RATE_WINDOW" env-default:"1m"`
	CORSOrigins []string      `yaml:"cors_origins" env:"CORS_ORIGINS" env-separator:"," env-default:"*"`
}

// Archive configures the nightly trade export. An empty bucket disables it.
type Archive struct {
	Bucket         string `yaml:"bucket" env:"S3_BUCKET"`
	Region         string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	Endpoint       string `yaml:"endpoint" env:"S3_ENDPOINT"`
	AccessKey      string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey      string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	Prefix         string `yaml:"prefix" env:"S3_PREFIX" env-default:"exchange"`
	ForcePathStyle bool   `yaml:"force_path_style" env:"S3_FORCE_PATH_STYLE" env-default:"true"`
	Schedule       string `yaml:"schedule" env:"ARCHIVE_SCHEDULE" env-default:"0 15 0 * * *"`
}

// Load reads configuration. path may be empty, in which case only the
// environment (and .env, if present) is used.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}

	t := c.Trading
	if t.MaxOrderQuantity <= 0 {
		errs = append(errs, errors.New("MAX_ORDER_QUANTITY must be positive"))
	}
	if t.MaxPageSize <= 0 {
		errs = append(errs, errors.New("MAX_PAGE_SIZE must be positive"))
	}
	if t.DefaultPageSize <= 0 || t.DefaultPageSize > t.MaxPageSize {
		errs = append(errs, errors.New("DEFAULT_PAGE_SIZE must be between 1 and MAX_PAGE_SIZE"))
	}
	if t.OrderTimeout <= 0 || t.LockTimeout <= 0 {
		errs = append(errs, errors.New("ORDER_TIMEOUT and LOCK_TIMEOUT must be positive"))
	}
	if t.MaxHoldingQuantity < 0 {
		errs = append(errs, errors.New("MAX_HOLDING_QUANTITY must not be negative"))
	}
	if v, err := decimal.NewFromString(t.MaxTotalInvested); err != nil || v.IsNegative() {
		errs = append(errs, fmt.Errorf("MAX_TOTAL_INVESTED %q must be a non-negative number", t.MaxTotalInvested))
	}

	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be positive"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("RATE_LIMIT must not be negative"))
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateWindow <= 0 {
		errs = append(errs, errors.New("RATE_WINDOW must be positive when RATE_LIMIT is set"))
	}
	return errors.Join(errs...)
}

// MaxTotalInvestedDecimal returns the parsed aggregate investment cap.
// Call after Validate.
func (t Trading) MaxTotalInvestedDecimal() decimal.Decimal {
	v, _ := decimal.NewFromString(t.MaxTotalInvested)
	return v
}
