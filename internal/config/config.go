// Package config loads the daemon configuration from YAML with
// environment overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		HealthPort int    `yaml:"health_port"`
		Tenant     string `yaml:"tenant"`
	} `yaml:"service"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		DB      int    `yaml:"db"`
		// IdempotencyTTLHours bounds the idempotency cache entries.
		IdempotencyTTLHours int `yaml:"idempotency_ttl_hours"`
	} `yaml:"redis"`

	AMQP struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
		Queue    string `yaml:"queue"`
	} `yaml:"amqp"`

	Breaker struct {
		FailureThreshold   int `yaml:"failure_threshold"`
		VolumeThreshold    int `yaml:"volume_threshold"`
		SuccessThreshold   int `yaml:"success_threshold"`
		FailureWindowSecs  int `yaml:"failure_window_seconds"`
		OpenTimeoutSecs    int `yaml:"open_timeout_seconds"`
		RequestTimeoutSecs int `yaml:"request_timeout_seconds"`
	} `yaml:"breaker"`

	Retry struct {
		MaxAttempts    int  `yaml:"max_attempts"`
		InitialDelayMs int  `yaml:"initial_delay_ms"`
		Multiplier     int  `yaml:"multiplier"`
		MaxDelaySecs   int  `yaml:"max_delay_seconds"`
		JitterEnabled  bool `yaml:"jitter_enabled"`
	} `yaml:"retry"`

	Router struct {
		Strategy            string   `yaml:"strategy"`
		MaxFallbackAttempts int      `yaml:"max_fallback_attempts"`
		PriorityList        []string `yaml:"priority_list"`
	} `yaml:"router"`

	Settlement struct {
		MaxRetries         int `yaml:"max_retries"`
		BaseBackoffMinutes int `yaml:"base_backoff_minutes"`
		BackoffCeilingHrs  int `yaml:"backoff_ceiling_hours"`
	} `yaml:"settlement"`

	Ledger struct {
		// AdjustmentOverrideThreshold is the amount in minor units above
		// which a manual adjustment needs a finance admin override.
		AdjustmentOverrideThreshold int64            `yaml:"adjustment_override_threshold"`
		TenantThresholds            map[string]int64 `yaml:"tenant_thresholds"`
	} `yaml:"ledger"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file and applies defaults.
// Credentials may be overridden through the environment so they stay out
// of the config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Set defaults
	if cfg.Service.Name == "" {
		cfg.Service.Name = "paygated"
	}
	if cfg.Service.HealthPort == 0 {
		cfg.Service.HealthPort = 8088
	}
	if cfg.Service.Tenant == "" {
		cfg.Service.Tenant = "default"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.IdempotencyTTLHours == 0 {
		cfg.Redis.IdempotencyTTLHours = 24
	}
	if cfg.AMQP.Exchange == "" {
		cfg.AMQP.Exchange = "payments"
	}
	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = "payments.ledger"
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.VolumeThreshold == 0 {
		cfg.Breaker.VolumeThreshold = 10
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.FailureWindowSecs == 0 {
		cfg.Breaker.FailureWindowSecs = 60
	}
	if cfg.Breaker.OpenTimeoutSecs == 0 {
		cfg.Breaker.OpenTimeoutSecs = 30
	}
	if cfg.Breaker.RequestTimeoutSecs == 0 {
		cfg.Breaker.RequestTimeoutSecs = 10
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelayMs == 0 {
		cfg.Retry.InitialDelayMs = 1000
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelaySecs == 0 {
		cfg.Retry.MaxDelaySecs = 30
	}
	if cfg.Router.Strategy == "" {
		cfg.Router.Strategy = "HEALTH_BASED"
	}
	if cfg.Router.MaxFallbackAttempts == 0 {
		cfg.Router.MaxFallbackAttempts = 2
	}
	if cfg.Settlement.MaxRetries == 0 {
		cfg.Settlement.MaxRetries = 3
	}
	if cfg.Settlement.BaseBackoffMinutes == 0 {
		cfg.Settlement.BaseBackoffMinutes = 30
	}
	if cfg.Settlement.BackoffCeilingHrs == 0 {
		cfg.Settlement.BackoffCeilingHrs = 24
	}
	if cfg.Ledger.AdjustmentOverrideThreshold == 0 {
		cfg.Ledger.AdjustmentOverrideThreshold = 1_000_000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// Environment overrides for credentials
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	return &cfg, nil
}

// GetPostgresConnectionString returns a connection string for PostgreSQL.
func (c *Config) GetPostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Database,
		c.Postgres.SSLMode,
	)
}

// IdempotencyTTL returns the Redis idempotency cache TTL.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Redis.IdempotencyTTLHours) * time.Hour
}
