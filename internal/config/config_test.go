package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Vault.Owner = "0x1111111111111111111111111111111111111111"
	cfg.Vault.Signer = "0x2222222222222222222222222222222222222222"
	return cfg
}

func TestDefaultsValidateWithIdentity(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateRejectsMissingOwner(t *testing.T) {
	cfg := Defaults()
	cfg.Vault.Signer = "0x2222222222222222222222222222222222222222"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestValidateRejectsShareLockAboveMinDeposit(t *testing.T) {
	cfg := validConfig()
	cfg.Pool.MinShareLock = cfg.Pool.MinDeposit
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for min_share_lock >= min_deposit")
	}
}

func TestLoadTOMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
log_level = "debug"

[vault]
owner = "0x1111111111111111111111111111111111111111"
signer = "0x2222222222222222222222222222222222222222"
epoch_interval = "4h"

[pool]
min_deposit = 50000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	os.Setenv("CREDIT_POOL_MIN_DEPOSIT", "75000")
	os.Setenv("CREDIT_HTTP_ADDR", ":9999")
	defer os.Unsetenv("CREDIT_POOL_MIN_DEPOSIT")
	defer os.Unsetenv("CREDIT_HTTP_ADDR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level: got %s, want debug", cfg.LogLevel)
	}
	if cfg.Vault.EpochInterval.Duration != 4*time.Hour {
		t.Errorf("epoch_interval: got %s, want 4h", cfg.Vault.EpochInterval.Duration)
	}
	// Env beats TOML
	if cfg.Pool.MinDeposit != 75_000 {
		t.Errorf("min_deposit: got %d, want 75000", cfg.Pool.MinDeposit)
	}
	if cfg.Server.HTTPAddr != ":9999" {
		t.Errorf("http_addr: got %s, want :9999", cfg.Server.HTTPAddr)
	}
	// Defaults survive when untouched
	if cfg.Pipeline.PersistBatchSize != 50 {
		t.Errorf("persist_batch_size: got %d, want 50", cfg.Pipeline.PersistBatchSize)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
