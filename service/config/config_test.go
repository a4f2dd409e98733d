package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, []byte("pem"), 0o600))
	return path
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CARDNET_CONSUMER_KEY", "consumer-key")
	t.Setenv("CARDNET_SIGNING_KEY_PATH", writeKeyFile(t))
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Contains(t, cfg.BaseURL, "https://")
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 3, cfg.PollMaxAttempts)
	assert.Equal(t, time.Second, cfg.PollBackoff)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.EncryptionCertPath)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CARDNET_BASE_URL", "https://prod.example.com/api")
	t.Setenv("CARDNET_REQUEST_TIMEOUT", "10s")
	t.Setenv("CARDNET_MAX_RETRIES", "5")
	t.Setenv("POLL_MAX_ATTEMPTS", "7")
	t.Setenv("POLL_BACKOFF", "2s")
	t.Setenv("DATA_DIR", "/var/lib/cardwatch")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://prod.example.com/api", cfg.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 7, cfg.PollMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.PollBackoff)
	assert.Equal(t, "/var/lib/cardwatch", cfg.DataDir)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("CARDNET_CONSUMER_KEY", "")
	t.Setenv("CARDNET_SIGNING_KEY_PATH", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CARDNET_CONSUMER_KEY")
	assert.Contains(t, err.Error(), "CARDNET_SIGNING_KEY_PATH")
}

func TestLoad_SigningKeyMustExist(t *testing.T) {
	t.Setenv("CARDNET_CONSUMER_KEY", "consumer-key")
	t.Setenv("CARDNET_SIGNING_KEY_PATH", filepath.Join(t.TempDir(), "missing.pem"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing key not found")
}

func TestLoad_EncryptionCertMustExistWhenSet(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CARDNET_ENCRYPTION_CERT_PATH", filepath.Join(t.TempDir(), "missing.pem"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption certificate not found")
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"bad timeout":  {"CARDNET_REQUEST_TIMEOUT", "soon"},
		"bad retries":  {"CARDNET_MAX_RETRIES", "many"},
		"bad backoff":  {"CARDNET_RETRY_BACKOFF", "x"},
		"bad attempts": {"POLL_MAX_ATTEMPTS", "a few"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := &Config{
		BaseURL:         "https://example.com",
		ConsumerKey:     "key",
		SigningKeyPath:  "/tmp/key.pem",
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		MaxRetryDelay:   5 * time.Second,
		PollMaxAttempts: 3,
		DataDir:         "data",
	}
	assert.NoError(t, valid.Validate())

	t.Run("max delay below backoff", func(t *testing.T) {
		cfg := *valid
		cfg.MaxRetryDelay = 100 * time.Millisecond
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero retries", func(t *testing.T) {
		cfg := *valid
		cfg.MaxRetries = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing data dir", func(t *testing.T) {
		cfg := *valid
		cfg.DataDir = ""
		assert.Error(t, cfg.Validate())
	})
}
