// Package config loads service settings from the environment and an optional
// .env file using viper. Settings are read once at startup and injected.
package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/warp/wallet-engine/ledger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every setting of the wallet service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
	SQLitePath             string `mapstructure:"SQLITE_PATH"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	NotifyExchange         string `mapstructure:"NOTIFY_EXCHANGE"`
	CatalogPath            string `mapstructure:"CATALOG_PATH"`
	CashbackRateRaw        string `mapstructure:"CASHBACK_RATE"`
	CommitMaxRetries       int    `mapstructure:"COMMIT_MAX_RETRIES"`
	ProviderBaseURL        string `mapstructure:"PROVIDER_BASE_URL"`
	ProviderAPIKey         string `mapstructure:"PROVIDER_API_KEY"`
	ProviderTimeoutSeconds int    `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`
	PendingSweepSchedule   string `mapstructure:"PENDING_SWEEP_SCHEDULE"`
	PendingMaxAgeSeconds   int    `mapstructure:"PENDING_MAX_AGE_SECONDS"`
	JWTSecret              string `mapstructure:"JWT_SECRET"`
	LogLevel               string `mapstructure:"LOG_LEVEL"`
	LogFormat              string `mapstructure:"LOG_FORMAT"`
	CORSOrigins            string `mapstructure:"CORS_ORIGINS"`

	// CashbackRate is CASHBACK_RATE parsed and clamped to [0, 1].
	CashbackRate decimal.Decimal `mapstructure:"-"`
}

var keys = []string{
	"SERVER_PORT", "STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL", "REDIS_URL",
	"RABBITMQ_URL", "NOTIFY_EXCHANGE", "CATALOG_PATH", "CASHBACK_RATE",
	"COMMIT_MAX_RETRIES", "PROVIDER_BASE_URL", "PROVIDER_API_KEY",
	"PROVIDER_TIMEOUT_SECONDS", "PENDING_SWEEP_SCHEDULE", "PENDING_MAX_AGE_SECONDS",
	"JWT_SECRET", "LOG_LEVEL", "LOG_FORMAT", "CORS_ORIGINS",
}

// Load reads configuration from the environment, falling back to a .env
// file in path and then to defaults.
func Load(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", DriverSQLite)
	viper.SetDefault("SQLITE_PATH", "wallet.db")
	viper.SetDefault("NOTIFY_EXCHANGE", "wallet.events")
	viper.SetDefault("CASHBACK_RATE", "0.03")
	viper.SetDefault("COMMIT_MAX_RETRIES", ledger.DefaultMaxRetries)
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PENDING_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("PENDING_MAX_AGE_SECONDS", 300)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("CORS_ORIGINS", "*")

	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithError(err).Warn("failed to read config file; using environment values")
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}
	config.normalize()
	return config, nil
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	if c.StoreDriver != DriverSQLite && c.StoreDriver != DriverPostgres {
		logrus.WithField("store_driver", c.StoreDriver).Warn("unknown store driver; using sqlite")
		c.StoreDriver = DriverSQLite
	}

	rate, err := ledger.ParseRate(strings.TrimSpace(c.CashbackRateRaw))
	if err != nil {
		logrus.WithError(err).WithField("value", c.CashbackRateRaw).Warn("invalid CASHBACK_RATE; coercing")
		rate = clampRate(c.CashbackRateRaw)
	}
	c.CashbackRate = rate

	if c.CommitMaxRetries < 0 {
		logrus.WithField("value", c.CommitMaxRetries).Warn("negative COMMIT_MAX_RETRIES; coercing to zero")
		c.CommitMaxRetries = 0
	}
	if c.ProviderTimeoutSeconds <= 0 {
		logrus.WithField("value", c.ProviderTimeoutSeconds).Warn("non-positive PROVIDER_TIMEOUT_SECONDS; using 30")
		c.ProviderTimeoutSeconds = 30
	}
	if c.PendingMaxAgeSeconds <= 0 {
		c.PendingMaxAgeSeconds = 300
	}
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.ProviderBaseURL = strings.TrimSpace(c.ProviderBaseURL)
}

// clampRate keeps a parseable but out-of-range rate inside [0, 1]; anything
// unparseable falls back to zero.
func clampRate(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return d
}

func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c Config) PendingMaxAge() time.Duration {
	return time.Duration(c.PendingMaxAgeSeconds) * time.Second
}

// AllowedOrigins splits CORS_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
