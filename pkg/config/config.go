// Package config loads runtime configuration: spec defaults, then an
// optional YAML file, then environment overrides, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BreakerConfig tunes the shared circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// OrchestratorConfig tunes the dead-letter recovery loop.
type OrchestratorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BaseRetryDelay    time.Duration `yaml:"base_retry_delay"`
	JitterFactor      float64       `yaml:"jitter_factor"`
	MaxJobsPerCycle   int           `yaml:"max_jobs_per_cycle"`
	PurgeAfterDays    int           `yaml:"purge_after_days"`
}

// TrustConfig bounds the decision path's only suspension point and pins
// the static agent scores served when no remote trust store is wired.
type TrustConfig struct {
	LookupTimeout time.Duration  `yaml:"lookup_timeout"`
	Scores        map[string]int `yaml:"scores"`
}

// StoresConfig selects persistence backends. Empty values mean in-memory.
type StoresConfig struct {
	PostgresURL string `yaml:"postgres_url"`
	RedisAddr   string `yaml:"redis_addr"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// ObservabilityConfig mirrors observability.Config's file-settable fields.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
	Insecure     bool   `yaml:"insecure"`
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr    string              `yaml:"listen_addr"`
	LogLevel      string              `yaml:"log_level"`
	PolicyBundle  string              `yaml:"policy_bundle"` // path to YAML bundle
	Breaker       BreakerConfig       `yaml:"breaker"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Trust         TrustConfig         `yaml:"trust"`
	Stores        StoresConfig        `yaml:"stores"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "INFO",
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Interval:          60 * time.Second,
			MaxRetryAttempts:  5,
			BackoffMultiplier: 2,
			BaseRetryDelay:    10 * time.Second,
			JitterFactor:      0.15,
			MaxJobsPerCycle:   25,
			PurgeAfterDays:    7,
		},
		Trust: TrustConfig{LookupTimeout: 2 * time.Second},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
		},
	}
}

// Load reads the optional YAML file at path (empty path skips the file),
// applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s failed: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s failed: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "COGNIGATE_LISTEN_ADDR")
	setString(&c.LogLevel, "COGNIGATE_LOG_LEVEL")
	setString(&c.PolicyBundle, "COGNIGATE_POLICY_BUNDLE")
	setString(&c.Stores.PostgresURL, "COGNIGATE_POSTGRES_URL")
	setString(&c.Stores.RedisAddr, "COGNIGATE_REDIS_ADDR")
	setString(&c.Stores.SQLitePath, "COGNIGATE_SQLITE_PATH")
	setString(&c.Observability.OTLPEndpoint, "COGNIGATE_OTLP_ENDPOINT")
	setBool(&c.Observability.Enabled, "COGNIGATE_OBSERVABILITY_ENABLED")
	setInt(&c.Breaker.FailureThreshold, "COGNIGATE_BREAKER_FAILURE_THRESHOLD")
	setDuration(&c.Breaker.Timeout, "COGNIGATE_BREAKER_TIMEOUT")
	setDuration(&c.Orchestrator.Interval, "COGNIGATE_ORCHESTRATOR_INTERVAL")
	setInt(&c.Orchestrator.MaxRetryAttempts, "COGNIGATE_MAX_RETRY_ATTEMPTS")
	setInt(&c.Orchestrator.MaxJobsPerCycle, "COGNIGATE_MAX_JOBS_PER_CYCLE")
	setInt(&c.Orchestrator.PurgeAfterDays, "COGNIGATE_PURGE_AFTER_DAYS")
	setDuration(&c.Trust.LookupTimeout, "COGNIGATE_TRUST_LOOKUP_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate rejects configurations that would misbehave silently.
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("config: breaker.success_threshold must be positive")
	}
	if c.Breaker.Timeout <= 0 {
		return fmt.Errorf("config: breaker.timeout must be positive")
	}
	if c.Orchestrator.Interval <= 0 {
		return fmt.Errorf("config: orchestrator.interval must be positive")
	}
	if c.Orchestrator.MaxRetryAttempts <= 0 {
		return fmt.Errorf("config: orchestrator.max_retry_attempts must be positive")
	}
	if c.Orchestrator.BackoffMultiplier < 1 {
		return fmt.Errorf("config: orchestrator.backoff_multiplier must be >= 1")
	}
	if c.Orchestrator.JitterFactor < 0 || c.Orchestrator.JitterFactor > 1 {
		return fmt.Errorf("config: orchestrator.jitter_factor must be in [0, 1]")
	}
	if c.Orchestrator.MaxJobsPerCycle <= 0 {
		return fmt.Errorf("config: orchestrator.max_jobs_per_cycle must be positive")
	}
	if c.Orchestrator.PurgeAfterDays <= 0 {
		return fmt.Errorf("config: orchestrator.purge_after_days must be positive")
	}
	if c.Trust.LookupTimeout <= 0 {
		return fmt.Errorf("config: trust.lookup_timeout must be positive")
	}
	for agent, score := range c.Trust.Scores {
		if score < 0 || score > 1000 {
			return fmt.Errorf("config: trust.scores[%s] must be in [0, 1000]", agent)
		}
	}
	return nil
}
