// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Wizard        WizardConfig        `yaml:"wizard"`
	Drafts        DraftsConfig        `yaml:"drafts"`
	Offers        OffersConfig        `yaml:"offers"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Options       OptionsConfig       `yaml:"options"`
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

// IdentityConfig describes how callers are identified. When Enabled is false
// the caller's identity is taken from the X-Tenant-Id, X-Subject-Id and
// X-Roles headers, which is only meant for local development.
type IdentityConfig struct {
	Enabled    bool              `yaml:"enabled"`
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	SecretEnv  string            `yaml:"secret_env"`
	Algorithms []string          `yaml:"algorithms"`
	Leeway     time.Duration     `yaml:"leeway"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// Secret returns the HMAC signing secret named by SecretEnv.
func (c IdentityConfig) Secret() []byte {
	if c.SecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(c.SecretEnv))
}

// DefinitionsConfig describes where to find wizard schema files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// WizardConfig describes wizard session settings.
type WizardConfig struct {
	AutoSaveInterval time.Duration `yaml:"autosave_interval"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
}

// DraftsConfig describes draft persistence settings.
type DraftsConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// OffersConfig describes offer persistence settings.
type OffersConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// ApprovalConfig describes the offsets from submission at which each
// approval stage is entered.
type ApprovalConfig struct {
	ComplianceReview     time.Duration `yaml:"compliance_review"`
	RegulatoryAssessment time.Duration `yaml:"regulatory_assessment"`
	FinalApproval        time.Duration `yaml:"final_approval"`
	Approved             time.Duration `yaml:"approved"`
	ProgressTick         time.Duration `yaml:"progress_tick"`
}

// OptionsConfig describes the option source cache.
type OptionsConfig struct {
	Cache CacheConfig `yaml:"cache"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
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
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id",
					"X-Tenant-Id", "X-Subject-Id", "X-Roles"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Enabled:    true,
			SecretEnv:  "OFFERDESK_JWT_SECRET",
			Algorithms: []string{"HS256"},
			Leeway:     30 * time.Second,
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
				"locale":     "locale",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions/wizards"},
		},
		Capability: CapabilityConfig{
			StaticPolicyFile: "/definitions/policies.yaml",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Wizard: WizardConfig{
			AutoSaveInterval: 30 * time.Second,
			IdleTimeout:      2 * time.Hour,
			ReapInterval:     time.Minute,
		},
		Drafts: DraftsConfig{
			Driver:  DriverMemory,
			AddrEnv: "OFFERDESK_REDIS_ADDR",
			TTL:     30 * 24 * time.Hour,
		},
		Offers: OffersConfig{
			Driver:          DriverMemory,
			DSNEnv:          "OFFERDESK_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Approval: ApprovalConfig{
			ComplianceReview:     2 * time.Second,
			RegulatoryAssessment: 5 * time.Second,
			FinalApproval:        8 * time.Second,
			Approved:             10 * time.Second,
			ProgressTick:         200 * time.Millisecond,
		},
		Options: OptionsConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 1000,
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
// and validates required fields. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
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
	if c.Identity.Enabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
		if len(c.Identity.Secret()) == 0 {
			errs = append(errs, fmt.Sprintf("identity.secret_env: %s is not set", c.Identity.SecretEnv))
		}
		for _, alg := range c.Identity.Algorithms {
			if !strings.HasPrefix(alg, "HS") {
				errs = append(errs, fmt.Sprintf("identity.algorithms: %s is not an HMAC algorithm", alg))
			}
		}
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required")
	}
	if c.Wizard.IdleTimeout < 0 {
		errs = append(errs, "wizard.idle_timeout must not be negative")
	}
	if !slices.Contains([]string{DriverMemory, DriverRedis}, c.Drafts.Driver) {
		errs = append(errs, fmt.Sprintf("drafts.driver %q must be memory or redis", c.Drafts.Driver))
	}
	if !slices.Contains([]string{DriverMemory, DriverPostgres}, c.Offers.Driver) {
		errs = append(errs, fmt.Sprintf("offers.driver %q must be memory or postgres", c.Offers.Driver))
	}
	a := c.Approval
	if a.ComplianceReview <= 0 || a.RegulatoryAssessment <= a.ComplianceReview ||
		a.FinalApproval <= a.RegulatoryAssessment || a.Approved <= a.FinalApproval {
		errs = append(errs, "approval stage offsets must be positive and increasing")
	}
	if a.ProgressTick <= 0 {
		errs = append(errs, "approval.progress_tick must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads OFFERDESK_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OFFERDESK_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OFFERDESK_IDENTITY_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Identity.Enabled = enabled
		}
	}
	if v := os.Getenv("OFFERDESK_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("OFFERDESK_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("OFFERDESK_DEFINITIONS_DIRS"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("OFFERDESK_POLICY_FILE"); v != "" {
		cfg.Capability.StaticPolicyFile = v
	}
	if v := os.Getenv("OFFERDESK_DRAFTS_DRIVER"); v != "" {
		cfg.Drafts.Driver = v
	}
	if v := os.Getenv("OFFERDESK_OFFERS_DRIVER"); v != "" {
		cfg.Offers.Driver = v
	}
	if v := os.Getenv("OFFERDESK_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
