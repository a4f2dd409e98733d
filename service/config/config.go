package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior;
// core packages never read the process environment themselves.
type Config struct {
	// Card network API configuration
	BaseURL        string
	ConsumerKey    string
	SigningKeyPath string
	SigningKeyPass string

	// Optional payload encryption certificate; empty disables encryption.
	EncryptionCertPath string

	// HTTP client tuning
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxRetryDelay  time.Duration

	// Polling defaults
	PollMaxAttempts int
	PollBackoff     time.Duration

	// Storage configuration
	DataDir string

	// NATS configuration; empty disables event publishing.
	NATSURL string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and validates all
// required fields. Returns an error if any required configuration is missing
// or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.BaseURL = getEnvOrDefault("CARDNET_BASE_URL", "https://sandbox.api.cardnetwork.example/openapis")

	cfg.ConsumerKey = os.Getenv("CARDNET_CONSUMER_KEY")
	if cfg.ConsumerKey == "" {
		errs = append(errs, fmt.Errorf("CARDNET_CONSUMER_KEY is required"))
	}

	cfg.SigningKeyPath = os.Getenv("CARDNET_SIGNING_KEY_PATH")
	if cfg.SigningKeyPath == "" {
		errs = append(errs, fmt.Errorf("CARDNET_SIGNING_KEY_PATH is required"))
	} else if _, err := os.Stat(cfg.SigningKeyPath); err != nil {
		errs = append(errs, fmt.Errorf("signing key not found: %s", cfg.SigningKeyPath))
	}

	cfg.SigningKeyPass = os.Getenv("CARDNET_SIGNING_KEY_PASSWORD")

	cfg.EncryptionCertPath = os.Getenv("CARDNET_ENCRYPTION_CERT_PATH")
	if cfg.EncryptionCertPath != "" {
		if _, err := os.Stat(cfg.EncryptionCertPath); err != nil {
			errs = append(errs, fmt.Errorf("encryption certificate not found: %s", cfg.EncryptionCertPath))
		}
	}

	timeout, err := parseDuration("CARDNET_REQUEST_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RequestTimeout = timeout
	}

	retries, err := parseInt("CARDNET_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxRetries = retries
	}

	backoff, err := parseDuration("CARDNET_RETRY_BACKOFF", "500ms")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RetryBackoff = backoff
	}

	maxDelay, err := parseDuration("CARDNET_MAX_RETRY_DELAY", "5s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxRetryDelay = maxDelay
	}

	attempts, err := parseInt("POLL_MAX_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PollMaxAttempts = attempts
	}

	pollBackoff, err := parseDuration("POLL_BACKOFF", "1s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PollBackoff = pollBackoff
	}

	cfg.DataDir = getEnvOrDefault("DATA_DIR", "data")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. This is useful for testing
// configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("BaseURL is required"))
	}

	if c.ConsumerKey == "" {
		errs = append(errs, fmt.Errorf("ConsumerKey is required"))
	}

	if c.SigningKeyPath == "" {
		errs = append(errs, fmt.Errorf("SigningKeyPath is required"))
	}

	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MaxRetries must be at least 1"))
	}

	if c.RetryBackoff <= 0 {
		errs = append(errs, fmt.Errorf("RetryBackoff must be positive"))
	}

	if c.MaxRetryDelay < c.RetryBackoff {
		errs = append(errs, fmt.Errorf("MaxRetryDelay (%v) cannot be less than RetryBackoff (%v)",
			c.MaxRetryDelay, c.RetryBackoff))
	}

	if c.PollMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("PollMaxAttempts must be at least 1"))
	}

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("DataDir is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
