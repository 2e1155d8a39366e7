package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/alexjbarnes/token-authority/internal/hawk"
	"github.com/alexjbarnes/token-authority/internal/tokens"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Config holds all environment-based configuration for the token
// authority.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8085"`

	// YAML file with clients, resource owners and the scope catalog.
	RegistryFile  string `env:"REGISTRY_FILE"`
	WatchRegistry bool   `env:"WATCH_REGISTRY" envDefault:"true"`

	// Token store. STORE_PATH is required for bolt, REDIS_ADDR for redis.
	StoreBackend  string        `env:"STORE_BACKEND" envDefault:"memory"`
	StorePath     string        `env:"STORE_PATH"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`

	// At-rest encryption of token secrets. Off when no key is set.
	TokenEncryptionKey  string `env:"TOKEN_ENCRYPTION_KEY"`
	TokenEncryptionSalt string `env:"TOKEN_ENCRYPTION_SALT" envDefault:"token-authority"`

	// Token lifetimes. A zero refresh lifetime never expires.
	AccessTokenLifetime    time.Duration `env:"ACCESS_TOKEN_LIFETIME" envDefault:"1h"`
	RefreshTokenLifetime   time.Duration `env:"REFRESH_TOKEN_LIFETIME" envDefault:"0s"`
	TemporaryTokenLifetime time.Duration `env:"TEMPORARY_TOKEN_LIFETIME" envDefault:"10m"`

	RecycleRefreshTokens  bool `env:"RECYCLE_REFRESH_TOKENS" envDefault:"true"`
	RevokeAccessOnRefresh bool `env:"REVOKE_ACCESS_ON_REFRESH" envDefault:"false"`

	// MAC request authentication.
	MACAlgorithm   string        `env:"MAC_ALGORITHM" envDefault:"hmac-sha-256"`
	NonceWindow    time.Duration `env:"NONCE_WINDOW" envDefault:"60s"`
	NonceRetention int           `env:"NONCE_RETENTION" envDefault:"64"`
	NonceAdaptive  bool          `env:"NONCE_ADAPTIVE" envDefault:"false"`

	// JWT bearer grant. The grant is disabled when no secret is set.
	JWTBearerSecret   string `env:"JWT_BEARER_SECRET"`
	JWTBearerAudience string `env:"JWT_BEARER_AUDIENCE"`
}

// jwtSecretMinLen is the minimum HS256 secret length. Shorter secrets
// are brute-forceable offline from a single captured assertion.
const jwtSecretMinLen = 32

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve file paths up front so the registry watcher compares
	// against the same absolute name fsnotify reports.
	absRegistry, err := filepath.Abs(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("resolving registry file path: %w", err)
	}

	cfg.RegistryFile = absRegistry

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RegistryFile == "" {
		return fmt.Errorf("REGISTRY_FILE is required")
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendBolt:
		if c.StorePath == "" {
			return fmt.Errorf("STORE_PATH is required when STORE_BACKEND is bolt")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want one of %v)", c.StoreBackend, []string{BackendMemory, BackendBolt, BackendRedis})
	}

	if !slices.Contains([]string{hawk.AlgorithmSHA256, hawk.AlgorithmSHA1}, c.MACAlgorithm) {
		return fmt.Errorf("unsupported MAC_ALGORITHM %q", c.MACAlgorithm)
	}

	if c.NonceWindow <= 0 {
		return fmt.Errorf("NONCE_WINDOW must be positive")
	}

	if c.NonceRetention <= 0 {
		return fmt.Errorf("NONCE_RETENTION must be positive")
	}

	if c.AccessTokenLifetime < 0 || c.RefreshTokenLifetime < 0 || c.TemporaryTokenLifetime < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}

	if c.StoreTimeout < 0 {
		return fmt.Errorf("STORE_TIMEOUT must not be negative")
	}

	if c.TokenEncryptionKey != "" && c.TokenEncryptionSalt == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_SALT must not be empty when TOKEN_ENCRYPTION_KEY is set")
	}

	if c.JWTBearerSecret != "" && len(c.JWTBearerSecret) < jwtSecretMinLen {
		return fmt.Errorf("JWT_BEARER_SECRET too short (minimum %d characters)", jwtSecretMinLen)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Tokens returns the lifecycle policy.
func (c *Config) Tokens() tokens.Config {
	return tokens.Config{
		AccessTokenLifetime:    c.AccessTokenLifetime,
		RefreshTokenLifetime:   c.RefreshTokenLifetime,
		TemporaryTokenLifetime: c.TemporaryTokenLifetime,
		MACAlgorithm:           c.MACAlgorithm,
		KeyBytes:               tokens.DefaultKeyBytes,
		RecycleRefreshTokens:   c.RecycleRefreshTokens,
		RevokeAccessOnRefresh:  c.RevokeAccessOnRefresh,
		StoreTimeout:           c.StoreTimeout,
	}
}
