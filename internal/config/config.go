// Package config loads and validates engine configuration from a yaml file
// with ORDERGATE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/quantfleet/ordergate/internal/fills"
	"github.com/quantfleet/ordergate/internal/limits"
	"github.com/quantfleet/ordergate/internal/queue"
	"github.com/quantfleet/ordergate/internal/ratelimit"
	"github.com/quantfleet/ordergate/internal/scheduler"
)

// VenueConfig describes one connected venue.
type VenueConfig struct {
	Name         string         `mapstructure:"name" validate:"required"`
	Mode         string         `mapstructure:"mode" validate:"oneof=paper live"`
	PushURL      string         `mapstructure:"push_url"`
	Market       string         `mapstructure:"market"`
	AccountQuota int            `mapstructure:"account_quota"`
	SymbolQuotas map[string]int `mapstructure:"symbol_quotas"`
}

// Config is the full engine configuration.
type Config struct {
	Environment string `mapstructure:"environment" validate:"required,oneof=development staging production"`
	LogLevel    string `mapstructure:"log_level"`

	Database struct {
		Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
		DSN    string `mapstructure:"dsn" validate:"required"`
	} `mapstructure:"database"`

	Redis struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"redis"`

	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Limits    limits.Config    `mapstructure:"limits"`
	RateLimit ratelimit.Config `mapstructure:"ratelimit"`
	Breaker   struct {
		MaxFailures int `mapstructure:"max_failures"`
	} `mapstructure:"breaker"`
	Queue     queue.Config     `mapstructure:"queue"`
	Fills     fills.Config     `mapstructure:"fills"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`

	Venues []VenueConfig `mapstructure:"venues" validate:"min=1,dive"`
}

// Load reads the config file at path (optional) plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORDERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:ordergate.db?cache=shared")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "ordergate.order-events")

	v.SetDefault("metrics.addr", ":9123")

	v.SetDefault("limits.ttl", 30*time.Second)
	v.SetDefault("limits.default_max", 10)
	v.SetDefault("limits.stop_quota", 5)

	v.SetDefault("ratelimit.rate", 10.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("ratelimit.max_wait", 5*time.Second)

	v.SetDefault("breaker.max_failures", 3)

	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.lock_timeout", 10*time.Second)
	v.SetDefault("queue.call_timeout", 5*time.Second)
	v.SetDefault("queue.slow_threshold", 800*time.Millisecond)

	v.SetDefault("fills.workers", 4)
	v.SetDefault("fills.claim_timeout", 30*time.Second)
	v.SetDefault("fills.sweep_interval", 10*time.Second)
	v.SetDefault("fills.fetch_timeout", 5*time.Second)

	v.SetDefault("scheduler.interval", 5*time.Second)
	v.SetDefault("scheduler.workers", 4)
}
