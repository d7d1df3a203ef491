package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CREDIT_* environment variable overrides, and
// returns the final Config. Pass an empty path to skip the TOML file. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CREDIT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Postgres.DSN, "CREDIT_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "CREDIT_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "CREDIT_POSTGRES_MAX_IDLE_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "CREDIT_MIGRATIONS_DIR")

	setStr(&cfg.NATS.URL, "CREDIT_NATS_URL")
	setBool(&cfg.NATS.Enabled, "CREDIT_NATS_ENABLED")

	setStr(&cfg.Server.HTTPAddr, "CREDIT_HTTP_ADDR")

	setStr(&cfg.Vault.Owner, "CREDIT_VAULT_OWNER")
	setStr(&cfg.Vault.Signer, "CREDIT_VAULT_SIGNER")
	setStr(&cfg.Vault.DomainName, "CREDIT_DOMAIN_NAME")
	setStr(&cfg.Vault.DomainVersion, "CREDIT_DOMAIN_VERSION")
	setInt64(&cfg.Vault.ChainID, "CREDIT_CHAIN_ID")
	setDuration(&cfg.Vault.EpochInterval, "CREDIT_EPOCH_INTERVAL")

	setInt64(&cfg.Pool.MinDeposit, "CREDIT_POOL_MIN_DEPOSIT")
	setInt64(&cfg.Pool.MinShareLock, "CREDIT_POOL_MIN_SHARE_LOCK")
	setDuration(&cfg.Pool.Cooldown, "CREDIT_POOL_COOLDOWN")
	setInt64(&cfg.Pool.ExitFeeBips, "CREDIT_POOL_EXIT_FEE_BIPS")
	setInt64(&cfg.Pool.MaxRateStepBips, "CREDIT_POOL_MAX_RATE_STEP_BIPS")

	setInt(&cfg.Pipeline.PersistChanSize, "CREDIT_PERSIST_CHAN_SIZE")
	setInt(&cfg.Pipeline.ProjectionChanSize, "CREDIT_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Pipeline.PersistBatchSize, "CREDIT_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Pipeline.PersistFlushTimeout, "CREDIT_PERSIST_FLUSH_TIMEOUT")
	setInt64(&cfg.Pipeline.SnapshotInterval, "CREDIT_SNAPSHOT_INTERVAL")
	setInt(&cfg.Pipeline.IdempotencyCapacity, "CREDIT_IDEMPOTENCY_CAPACITY")

	setStr(&cfg.LogLevel, "CREDIT_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
