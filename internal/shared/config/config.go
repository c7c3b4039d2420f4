// Package config loads the orchestrator's tuning knobs from environment
// variables via viper, with documented defaults for anything unset.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment input the orchestrator consumes.
type Config struct {
	StoreDSN   string
	BrokerAddr string
	BrokerDB   int
	HTTPAddr   string

	SchedulerTick     time.Duration
	DispatcherTick    time.Duration
	RetryMonitorTick  time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	HeartbeatTimeout  time.Duration
	LockTTL           time.Duration
	GroupKeyTTL       time.Duration
	SchedulerBatch    int
	RetryMonitorBatch int
}

// Option customizes a Config after defaults and environment are applied.
type Option func(*Config)

// WithHTTPAddr overrides the HTTP listen address.
func WithHTTPAddr(addr string) Option {
	return func(c *Config) { c.HTTPAddr = addr }
}

// Load reads configuration from environment variables prefixed TESTFORGE_
// (e.g. TESTFORGE_STORE_DSN, TESTFORGE_SCHEDULER_TICK_SECONDS), applying
// documented defaults for anything unset.
func Load(opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("testforge")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("store_dsn", "postgres://localhost:5432/testforge?sslmode=disable")
	v.SetDefault("broker_addr", "localhost:6379")
	v.SetDefault("broker_db", 0)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("scheduler_tick_seconds", 5)
	v.SetDefault("dispatcher_tick_seconds", 2)
	v.SetDefault("retry_monitor_tick_seconds", 30)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay_seconds", 60)
	v.SetDefault("heartbeat_timeout_seconds", 90)
	v.SetDefault("lock_ttl_seconds", 10)
	v.SetDefault("group_key_ttl_seconds", 3600)
	v.SetDefault("scheduler_batch", 100)
	v.SetDefault("retry_monitor_batch", 50)

	cfg := Config{
		StoreDSN:          v.GetString("store_dsn"),
		BrokerAddr:        v.GetString("broker_addr"),
		BrokerDB:          v.GetInt("broker_db"),
		HTTPAddr:          v.GetString("http_addr"),
		SchedulerTick:     time.Duration(v.GetInt("scheduler_tick_seconds")) * time.Second,
		DispatcherTick:    time.Duration(v.GetInt("dispatcher_tick_seconds")) * time.Second,
		RetryMonitorTick:  time.Duration(v.GetInt("retry_monitor_tick_seconds")) * time.Second,
		MaxRetries:        v.GetInt("max_retries"),
		RetryDelay:        time.Duration(v.GetInt("retry_delay_seconds")) * time.Second,
		HeartbeatTimeout:  time.Duration(v.GetInt("heartbeat_timeout_seconds")) * time.Second,
		LockTTL:           time.Duration(v.GetInt("lock_ttl_seconds")) * time.Second,
		GroupKeyTTL:       time.Duration(v.GetInt("group_key_ttl_seconds")) * time.Second,
		SchedulerBatch:    v.GetInt("scheduler_batch"),
		RetryMonitorBatch: v.GetInt("retry_monitor_batch"),
	}

	if cfg.StoreDSN == "" {
		return Config{}, fmt.Errorf("config: store_dsn is required")
	}
	if cfg.MaxRetries < 0 {
		return Config{}, fmt.Errorf("config: max_retries must be >= 0")
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}
