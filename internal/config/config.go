// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the integration service configuration.
type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	SigningKey          string        `mapstructure:"ENVELOPE_SIGNING_KEY"`
	EncryptionKeyHex    string        `mapstructure:"PHI_ENCRYPTION_KEY"`
	HealthCheckInterval time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL"`
	DefaultCacheTTL     time.Duration `mapstructure:"DEFAULT_CACHE_TTL"`
	RetryMaxAttempts    int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialDelay   time.Duration `mapstructure:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay       time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	AlertProjectID      string        `mapstructure:"ALERT_PUBSUB_PROJECT"`
	AlertTopicID        string        `mapstructure:"ALERT_PUBSUB_TOPIC"`
	OTLPEndpoint        string        `mapstructure:"OTLP_ENDPOINT"`
	TelemetryEnabled    bool          `mapstructure:"TELEMETRY_ENABLED"`
}

// Load reads configuration from the environment, with .env as an optional
// local override.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")
	v.SetDefault("DEFAULT_CACHE_TTL", "5m")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_INITIAL_DELAY", "1s")
	v.SetDefault("RETRY_MAX_DELAY", "30s")
	v.SetDefault("TELEMETRY_ENABLED", false)

	for _, key := range []string{
		"PORT", "ENV", "ENVELOPE_SIGNING_KEY", "PHI_ENCRYPTION_KEY",
		"HEALTH_CHECK_INTERVAL", "DEFAULT_CACHE_TTL",
		"RETRY_MAX_ATTEMPTS", "RETRY_INITIAL_DELAY", "RETRY_MAX_DELAY",
		"ALERT_PUBSUB_PROJECT", "ALERT_PUBSUB_TOPIC",
		"OTLP_ENDPOINT", "TELEMETRY_ENABLED",
	} {
		_ = v.BindEnv(key)
	}

	// The .env file is a local convenience; missing is fine.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Env == "production" {
		if cfg.SigningKey == "" {
			return nil, fmt.Errorf("ENVELOPE_SIGNING_KEY is required in production")
		}
		if cfg.EncryptionKeyHex == "" {
			return nil, fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
		}
	}

	return &cfg, nil
}

// EncryptionKey decodes the hex-encoded PHI key. Returns nil when unset.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.EncryptionKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
