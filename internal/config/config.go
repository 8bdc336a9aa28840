// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Generation    GenerationConfig    `yaml:"generation"`
	Notifier      NotifierConfig      `yaml:"notifier"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes persistence settings shared by all stores.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "memory"
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LedgerConfig describes credit ledger settings.
type LedgerConfig struct {
	// EligibilityPolicy selects the out-of-balance policy: "trial" allows
	// deductions during an account's trial window, "deny" refuses them.
	EligibilityPolicy string `yaml:"eligibility_policy"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Reviewers          []string              `yaml:"reviewers"`
	DefaultStep        StepPolicyConfig      `yaml:"default_step"`
	Steps              map[string]StepPolicyConfig `yaml:"steps"`
	Breaker            BreakerConfig         `yaml:"breaker"`
	StaleAfter         time.Duration         `yaml:"stale_after"`
	StaleSweepInterval time.Duration         `yaml:"stale_sweep_interval"`
	RecoveryInterval   time.Duration         `yaml:"recovery_interval"`
	RecoveryBatch      int                   `yaml:"recovery_batch"`
}

// StepPolicyConfig describes retry settings per workflow step.
type StepPolicyConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	JitterFraction    float64       `yaml:"jitter_fraction"`
}

// BreakerConfig describes circuit breaker settings shared by all steps.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// GenerationConfig describes the content generation backend.
type GenerationConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotifierConfig describes the notification service. An empty base URL
// selects the logging notifier.
type NotifierConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"` // "redis" or "memory"
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "QUILLGATE_DB_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Ledger: LedgerConfig{
			EligibilityPolicy: "trial",
		},
		Workflow: WorkflowConfig{
			DefaultStep: StepPolicyConfig{
				MaxAttempts:       3,
				AttemptTimeout:    30 * time.Second,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        5 * time.Second,
				JitterFraction:    0.2,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Cooldown:         30 * time.Second,
			},
			StaleAfter:         24 * time.Hour,
			StaleSweepInterval: 10 * time.Minute,
			RecoveryInterval:   60 * time.Second,
			RecoveryBatch:      100,
		},
		Generation: GenerationConfig{
			Timeout: 30 * time.Second,
		},
		Notifier: NotifierConfig{
			Timeout: 10 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "QUILLGATE_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Store.Driver != "memory" && c.Store.Driver != "postgres" {
		errs = append(errs, `store.driver must be "memory" or "postgres"`)
	}
	if c.Ledger.EligibilityPolicy != "trial" && c.Ledger.EligibilityPolicy != "deny" {
		errs = append(errs, `ledger.eligibility_policy must be "trial" or "deny"`)
	}
	if c.Generation.BaseURL == "" {
		errs = append(errs, "generation.base_url is required")
	}
	if d := c.Idempotency.Store.Driver; c.Idempotency.Enabled && d != "memory" && d != "redis" {
		errs = append(errs, `idempotency.store.driver must be "memory" or "redis"`)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads QUILLGATE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUILLGATE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("QUILLGATE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("QUILLGATE_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("QUILLGATE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("QUILLGATE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("QUILLGATE_GENERATION_BASE_URL"); v != "" {
		cfg.Generation.BaseURL = v
	}
	if v := os.Getenv("QUILLGATE_NOTIFIER_BASE_URL"); v != "" {
		cfg.Notifier.BaseURL = v
	}
	if v := os.Getenv("QUILLGATE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
