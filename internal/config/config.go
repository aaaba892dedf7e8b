// Package config provides configuration loading and management for the marketplace service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-market-go/internal/lock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/pricing"
	"github.com/RegistryAccord/registryaccord-market-go/internal/sale"
	"github.com/RegistryAccord/registryaccord-market-go/internal/worker"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the marketplace service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL)
	NATSURL     string // NATS server URL
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // JWKS endpoint of the identity provider

	// External collaborators
	UserDirectoryURL   string // Optional remote user directory
	PaymentGatewayURL  string // Payment gateway API base; empty selects the sandbox
	PaymentMerchantKey string

	// Sale engine
	LockDuration         time.Duration   // How long a reservation holds a video
	RewardRatio          decimal.Decimal // Seller reward = price * ratio
	RewardMaxAttempts    int             // Relay attempts before a reward is dead-lettered
	TransactionTimeout   time.Duration   // Upper bound on one sale unit of work
	AllowNegativeBalance bool            // Permit token debits beyond the balance
	FiatUnit             string
	TokenSymbol          string
	PageSize             int // Default token history page size

	// Background workers
	SweepInterval time.Duration
	RelayInterval time.Duration

	// Media
	MaxMediaSize     int64    // Maximum upload size in bytes
	AllowedMimeTypes []string // Allowed MIME types for video uploads

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort               = "8080"
	defaultS3Region           = "us-east-1"
	defaultEnv                = "dev"
	defaultLockDuration       = 30 * time.Minute
	defaultRewardRatio        = "0.1"
	defaultRewardMaxAttempts  = 5
	defaultTransactionTimeout = 100 * time.Second
	defaultFiatUnit           = "HKD"
	defaultTokenSymbol        = "VTK"
	defaultPageSize           = 20
	defaultSweepInterval      = time.Minute
	defaultRelayInterval      = 30 * time.Second
	defaultMaxMediaSize       = 2 * 1024 * 1024 * 1024
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                  getEnv("MKT_ENV", defaultEnv),
		Port:                 getEnv("MKT_PORT", defaultPort),
		DatabaseDSN:          os.Getenv("MKT_DB_DSN"),
		NATSURL:              os.Getenv("MKT_NATS_URL"),
		S3Endpoint:           os.Getenv("MKT_S3_ENDPOINT"),
		S3Region:             getEnv("MKT_S3_REGION", defaultS3Region),
		S3Bucket:             os.Getenv("MKT_S3_BUCKET"),
		S3AccessKey:          os.Getenv("MKT_S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("MKT_S3_SECRET_KEY"),
		JWTIssuer:            os.Getenv("MKT_JWT_ISSUER"),
		JWTAudience:          os.Getenv("MKT_JWT_AUDIENCE"),
		JWKSURL:              os.Getenv("MKT_JWKS_URL"),
		UserDirectoryURL:     os.Getenv("MKT_USER_DIRECTORY_URL"),
		PaymentGatewayURL:    os.Getenv("MKT_PAYMENT_GATEWAY_URL"),
		PaymentMerchantKey:   os.Getenv("MKT_PAYMENT_MERCHANT_KEY"),
		FiatUnit:             getEnv("MKT_FIAT_UNIT", defaultFiatUnit),
		TokenSymbol:          getEnv("MKT_TOKEN_SYMBOL", defaultTokenSymbol),
		AllowNegativeBalance: parseBool(os.Getenv("MKT_ALLOW_NEGATIVE_BALANCE")),
	}

	var err error
	if cfg.LockDuration, err = durationEnv("MKT_LOCK_DURATION", defaultLockDuration); err != nil {
		return cfg, err
	}
	if cfg.TransactionTimeout, err = durationEnv("MKT_TRANSACTION_TIMEOUT", defaultTransactionTimeout); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = durationEnv("MKT_LOCK_SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return cfg, err
	}
	if cfg.RelayInterval, err = durationEnv("MKT_REWARD_RELAY_INTERVAL", defaultRelayInterval); err != nil {
		return cfg, err
	}
	if cfg.RewardMaxAttempts, err = intEnv("MKT_REWARD_MAX_ATTEMPTS", defaultRewardMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.PageSize, err = intEnv("MKT_PAGE_SIZE", defaultPageSize); err != nil {
		return cfg, err
	}

	ratio := getEnv("MKT_REWARD_RATIO", defaultRewardRatio)
	if cfg.RewardRatio, err = decimal.NewFromString(ratio); err != nil || cfg.RewardRatio.IsNegative() {
		return cfg, fmt.Errorf("MKT_REWARD_RATIO must be a non-negative decimal, got %q", ratio)
	}

	cfg.MaxMediaSize = defaultMaxMediaSize
	if maxMediaSize, exists := os.LookupEnv("MKT_MAX_MEDIA_SIZE"); exists {
		if size, err := strconv.ParseInt(maxMediaSize, 10, 64); err == nil {
			cfg.MaxMediaSize = size
		}
	}

	if allowedMimeTypes, exists := os.LookupEnv("MKT_ALLOWED_MIME_TYPES"); exists {
		cfg.AllowedMimeTypes = splitList(allowedMimeTypes)
	} else {
		cfg.AllowedMimeTypes = []string{"video/mp4", "video/quicktime", "video/webm"}
	}

	if corsOrigins, exists := os.LookupEnv("MKT_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitList(corsOrigins)
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("MKT_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("MKT_JWT_AUDIENCE is required")
	}
	if cfg.LockDuration <= 0 {
		return cfg, fmt.Errorf("MKT_LOCK_DURATION must be positive")
	}
	if cfg.PageSize <= 0 {
		return cfg, fmt.Errorf("MKT_PAGE_SIZE must be positive")
	}

	return cfg, nil
}

// Lock projects the lock manager settings.
func (c Config) Lock() lock.Config {
	return lock.Config{Duration: c.LockDuration}
}

// Pricing projects the pricing resolver settings.
func (c Config) Pricing() pricing.Config {
	return pricing.Config{
		FiatUnit:       c.FiatUnit,
		TokenUnit:      c.TokenSymbol,
		CommissionRate: decimal.Zero,
		GasFee:         decimal.Zero,
	}
}

// Ledger projects the token ledger settings.
func (c Config) Ledger() ledger.Config {
	return ledger.Config{
		AllowNegativeBalance: c.AllowNegativeBalance,
		PerPage:              c.PageSize,
	}
}

// Sale projects the orchestrator settings.
func (c Config) Sale() sale.Config {
	return sale.Config{
		Timeout:        c.TransactionTimeout,
		RewardRatio:    c.RewardRatio,
		RewardAttempts: c.RewardMaxAttempts,
	}
}

// Worker projects the background worker settings.
func (c Config) Worker() worker.Config {
	return worker.Config{
		SweepInterval: c.SweepInterval,
		RelayInterval: c.RelayInterval,
		BatchSize:     100,
	}
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
