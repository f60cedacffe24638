// Package config loads gateway configuration. Tunables come from
// environment variables with safe defaults; connector endpoints and
// policy rules, which are deployment-shaped rather than tunable, come
// from an optional YAML profile.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/keel/core/pkg/breaker"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/bridge"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/evm"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/hyperliquid"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/lending"
	"github.com/Mindburn-Labs/keel/core/pkg/perimeter"
	"github.com/Mindburn-Labs/keel/core/pkg/policy"
	"github.com/Mindburn-Labs/keel/core/pkg/settlement"
)

// Config is the full gateway configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Store selects the durable backend: memory, sqlite, or redis. A
	// non-empty PostgresDSN additionally moves idempotency records into a
	// shared PostgreSQL instance.
	Store        string
	SQLitePath   string
	RedisAddr    string
	RedisDB      int
	PostgresDSN  string
	IdempotentTTL time.Duration

	Perimeter  perimeter.Config
	Breaker    breaker.Config
	Settlement settlement.Config

	RateLimit  float64 // requests per second admitted; 0 disables
	RateBurst  int

	OTLPEndpoint string
	OTELEnabled  bool

	AuditDBPath  string
	AuditS3      S3Config

	Profile Profile
}

// S3Config configures the optional audit archive exporter.
type S3Config struct {
	Bucket   string
	Endpoint string
	Region   string
}

// Profile is the YAML-side deployment shape.
type Profile struct {
	EVM struct {
		Chains []evm.ChainConfig `yaml:"chains"`
		KeyHex string            `yaml:"keyHex"`
	} `yaml:"evm"`
	Swap        SwapProfile       `yaml:"swap"`
	LendingPool lending.Config    `yaml:"lendingPool"`
	LendingCT   lending.Config    `yaml:"lendingCToken"`
	Bridge      bridge.Config     `yaml:"bridge"`
	Hyperliquid hyperliquid.Config `yaml:"hyperliquid"`
	Policy      struct {
		Version string        `yaml:"version"`
		Rules   []policy.Rule `yaml:"rules"`
	} `yaml:"policy"`
}

// SwapProfile mirrors the dexswap config; declared here so the profile
// file stays one document.
type SwapProfile struct {
	BaseURL string   `yaml:"baseUrl"`
	APIKey  string   `yaml:"apiKey"`
	Chains  []string `yaml:"chains"`
	Wallet  string   `yaml:"wallet"`
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Load reads the environment and, when KEEL_PROFILE points at a YAML
// file, the deployment profile.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getenv("LISTEN_ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "INFO"),

		Store:        getenv("KEEL_STORE", "sqlite"),
		SQLitePath:   getenv("SQLITE_PATH", "keel.db"),
		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		RedisDB:      getenvInt("REDIS_DB", 0),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		IdempotentTTL: getenvMillis("IDEMPOTENCY_TTL_MS", 24*time.Hour),

		Perimeter: perimeter.Config{
			Mode:              perimeter.Mode(getenv("SECURITY_MODE", string(perimeter.ModeEnforce))),
			MaxSkew:           getenvMillis("MAX_SKEW_MS", 2*time.Minute),
			NonceTTL:          getenvMillis("NONCE_TTL_MS", 10*time.Minute),
			AllowUnsignedLive: os.Getenv("ALLOW_UNSIGNED_LIVE") == "true",
			LockTimeout:       getenvMillis("LOCK_TIMEOUT_MS", 5*time.Second),
			LockStale:         getenvMillis("LOCK_STALE_MS", 30*time.Second),
		},
		Breaker: breaker.Config{
			FailureThreshold: getenvInt("FAILURE_THRESHOLD", 5),
			Window:           getenvMillis("WINDOW_MS", time.Minute),
			Cooldown:         getenvMillis("COOLDOWN_MS", 30*time.Second),
		},
		Settlement: settlement.Config{
			PollAttempts: getenvInt("POLL_ATTEMPTS", 10),
			PollInterval: getenvMillis("POLL_INTERVAL_MS", 3*time.Second),
		},

		RateLimit: getenvFloat("RATE_LIMIT_RPS", 20),
		RateBurst: getenvInt("RATE_LIMIT_BURST", 40),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTELEnabled:  os.Getenv("OTEL_ENABLED") == "true",

		AuditDBPath: getenv("AUDIT_DB_PATH", "keel-audit.db"),
		AuditS3: S3Config{
			Bucket:   os.Getenv("AUDIT_S3_BUCKET"),
			Endpoint: os.Getenv("AUDIT_S3_ENDPOINT"),
			Region:   getenv("AUDIT_S3_REGION", "us-east-1"),
		},
	}

	switch cfg.Perimeter.Mode {
	case perimeter.ModeDisabled, perimeter.ModePermissive, perimeter.ModeEnforce:
	default:
		return nil, fmt.Errorf("config: unknown SECURITY_MODE %q", cfg.Perimeter.Mode)
	}

	if path := os.Getenv("KEEL_PROFILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read profile: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg.Profile); err != nil {
			return nil, fmt.Errorf("config: parse profile: %w", err)
		}
	}
	return cfg, nil
}
