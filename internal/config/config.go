// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// PublicBaseURL is the externally visible origin used to build the
	// resource URL inside payment requirements (e.g. "https://api.example.io").
	PublicBaseURL string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Network config cache (optional)
	NATSURL     string // Reconciliation events (optional)

	// Chain / payment rail
	NetworksFile      string // YAML network overrides (optional)
	FacilitatorURL    string
	FacilitatorAPIKey string
	RPCTimeout        time.Duration

	// Forwarding
	ForwardDefaultTimeout time.Duration
	ForwardMaxTimeout     time.Duration

	// AllowPrivateTargets disables the SSRF guard on agent target URLs.
	// Only honoured in development.
	AllowPrivateTargets bool

	// Security
	FeedbackKeyEncryptionKey string // hex, 32 bytes
	JWTSecret                string

	// Tracing
	OTLPEndpoint string

	// ReconcileInterval is the period of the unsettled-payment sweep.
	ReconcileInterval time.Duration
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultFacilitatorURL        = "https://facilitator.payai.network"
	DefaultRPCTimeout            = 10 * time.Second
	DefaultForwardTimeout        = 30 * time.Second
	DefaultForwardMaxTimeout     = 60 * time.Second
	DefaultPublicBaseURL         = "http://localhost:8080"
	DefaultReconcileInterval     = 5 * time.Minute
	feedbackEncryptionKeyHexSize = 64
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		PublicBaseURL:            strings.TrimRight(getEnv("PUBLIC_BASE_URL", DefaultPublicBaseURL), "/"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisURL:                 os.Getenv("REDIS_URL"),
		NATSURL:                  os.Getenv("NATS_URL"),
		NetworksFile:             os.Getenv("NETWORKS_FILE"),
		FacilitatorURL:           strings.TrimRight(getEnv("FACILITATOR_URL", DefaultFacilitatorURL), "/"),
		FacilitatorAPIKey:        os.Getenv("FACILITATOR_API_KEY"),
		RPCTimeout:               getEnvDuration("RPC_TIMEOUT", DefaultRPCTimeout),
		ForwardDefaultTimeout:    getEnvDuration("FORWARD_DEFAULT_TIMEOUT", DefaultForwardTimeout),
		ForwardMaxTimeout:        getEnvDuration("FORWARD_MAX_TIMEOUT", DefaultForwardMaxTimeout),
		AllowPrivateTargets:      getEnvBool("ALLOW_PRIVATE_TARGETS", false),
		FeedbackKeyEncryptionKey: os.Getenv("FEEDBACK_KEY_ENCRYPTION_KEY"),
		JWTSecret:                os.Getenv("JWT_SECRET"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FacilitatorURL == "" {
		return fmt.Errorf("FACILITATOR_URL is required")
	}
	if !strings.HasPrefix(c.FacilitatorURL, "http://") && !strings.HasPrefix(c.FacilitatorURL, "https://") {
		return fmt.Errorf("FACILITATOR_URL must be an http(s) URL")
	}

	if c.ForwardMaxTimeout <= 0 {
		return fmt.Errorf("FORWARD_MAX_TIMEOUT must be positive")
	}
	if c.ForwardDefaultTimeout <= 0 || c.ForwardDefaultTimeout > c.ForwardMaxTimeout {
		return fmt.Errorf("FORWARD_DEFAULT_TIMEOUT must be positive and not exceed FORWARD_MAX_TIMEOUT")
	}

	if c.AllowPrivateTargets && !c.IsDevelopment() {
		return fmt.Errorf("ALLOW_PRIVATE_TARGETS is only permitted when ENV=development")
	}

	if c.FeedbackKeyEncryptionKey != "" {
		key := strings.TrimPrefix(c.FeedbackKeyEncryptionKey, "0x")
		if len(key) != feedbackEncryptionKeyHexSize {
			return fmt.Errorf("FEEDBACK_KEY_ENCRYPTION_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if _, err := hex.DecodeString(key); err != nil {
			return fmt.Errorf("FEEDBACK_KEY_ENCRYPTION_KEY is not valid hex: %w", err)
		}
	}

	if c.IsProduction() && c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("15s") or bare milliseconds ("15000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
