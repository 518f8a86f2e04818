package config

import (
	"strings"
	"testing"
	"time"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("OFFERDESK_TEST_JWT_SECRET", "test-secret")
}

func TestLoad_valid(t *testing.T) {
	setSecret(t)
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if string(cfg.Identity.Secret()) != "test-secret" {
		t.Errorf("Identity.Secret() = %q, want test-secret", cfg.Identity.Secret())
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Identity.ClaimPaths["tenant_id"] != "tenant_id" {
		t.Errorf("Identity.ClaimPaths = %v, want defaults kept", cfg.Identity.ClaimPaths)
	}
	if cfg.Wizard.AutoSaveInterval != 10*time.Second || cfg.Wizard.IdleTimeout != 30*time.Minute {
		t.Errorf("Wizard = %+v", cfg.Wizard)
	}
	if cfg.Wizard.ReapInterval != time.Minute {
		t.Errorf("Wizard.ReapInterval = %v, want default 1m", cfg.Wizard.ReapInterval)
	}
	if cfg.Drafts.Driver != DriverRedis || cfg.Drafts.DB != 2 || cfg.Drafts.TTL != 168*time.Hour {
		t.Errorf("Drafts = %+v", cfg.Drafts)
	}
	if cfg.Offers.Driver != DriverPostgres || cfg.Offers.MaxOpenConns != 10 {
		t.Errorf("Offers = %+v", cfg.Offers)
	}
	if cfg.Approval.Approved != 4*time.Second || cfg.Approval.ProgressTick != 100*time.Millisecond {
		t.Errorf("Approval = %+v", cfg.Approval)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	setSecret(t)
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	for _, want := range []string{"identity.issuer", "identity.audience"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestLoad_identityDisabled(t *testing.T) {
	cfg, err := Load("testdata/dev.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Identity.Enabled {
		t.Error("Identity.Enabled = true, want false")
	}
	if cfg.Drafts.Driver != DriverMemory || cfg.Offers.Driver != DriverMemory {
		t.Errorf("drivers = %s/%s, want memory/memory", cfg.Drafts.Driver, cfg.Offers.Driver)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Capability.Cache.TTL != 5*time.Minute {
		t.Errorf("default Capability.Cache.TTL = %v, want 5m", cfg.Capability.Cache.TTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	a := cfg.Approval
	if a.ComplianceReview != 2*time.Second || a.RegulatoryAssessment != 5*time.Second ||
		a.FinalApproval != 8*time.Second || a.Approved != 10*time.Second {
		t.Errorf("default Approval = %+v, want 2s/5s/8s/10s", a)
	}
}

// --- Environment ---

func TestEnvOverrides(t *testing.T) {
	setSecret(t)
	t.Setenv("OFFERDESK_SERVER_PORT", "3000")
	t.Setenv("OFFERDESK_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("OFFERDESK_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("OFFERDESK_DEFINITIONS_DIRS", "/a,/b")
	t.Setenv("OFFERDESK_DRAFTS_DRIVER", "memory")
	t.Setenv("OFFERDESK_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if got := cfg.Definitions.Directories; len(got) != 2 || got[1] != "/b" {
		t.Errorf("Definitions.Directories = %v, want [/a /b]", got)
	}
	if cfg.Drafts.Driver != DriverMemory {
		t.Errorf("Drafts.Driver = %q, want memory (env override)", cfg.Drafts.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides_disableIdentity(t *testing.T) {
	t.Setenv("OFFERDESK_IDENTITY_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Identity.Enabled {
		t.Error("Identity.Enabled = true, want false")
	}
}

// --- Validation ---

func TestValidate(t *testing.T) {
	setSecret(t)
	valid := func() *Config {
		cfg := Defaults()
		cfg.Identity.Issuer = "https://auth.example.com"
		cfg.Identity.Audience = "offerdesk"
		cfg.Identity.SecretEnv = "OFFERDESK_TEST_JWT_SECRET"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"secret unset", func(c *Config) { c.Identity.SecretEnv = "OFFERDESK_UNSET_SECRET" }, "identity.secret_env"},
		{"asymmetric algorithm", func(c *Config) { c.Identity.Algorithms = []string{"RS256"} }, "RS256"},
		{"no definitions", func(c *Config) { c.Definitions.Directories = nil }, "definitions.directories"},
		{"unknown draft driver", func(c *Config) { c.Drafts.Driver = "etcd" }, "drafts.driver"},
		{"unknown offer driver", func(c *Config) { c.Offers.Driver = "mysql" }, "offers.driver"},
		{"stages out of order", func(c *Config) { c.Approval.FinalApproval = time.Second }, "approval stage offsets"},
		{"no progress tick", func(c *Config) { c.Approval.ProgressTick = 0 }, "approval.progress_tick"},
		{"identity disabled skips identity", func(c *Config) {
			c.Identity = IdentityConfig{Enabled: false}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_env_priority_over_file(t *testing.T) {
	setSecret(t)
	// File sets port 9090, env sets 5555.
	t.Setenv("OFFERDESK_SERVER_PORT", "5555")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("Server.Port = %d, want 5555 (env override beats file)", cfg.Server.Port)
	}
}
