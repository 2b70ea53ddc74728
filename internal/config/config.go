// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database. Empty falls back to the in-memory store.
	DatabaseURL string `koanf:"database_url"`

	// Redis. Empty falls back to the in-process rate limiter.
	RedisURL string `koanf:"redis_url"`

	// JWT Authentication for the operator API. JWTSecretPrevious keeps old
	// tokens valid while a secret rotation is in progress.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTSecretPrevious string `koanf:"jwt_secret_previous"`

	// Security engine secrets
	HashSecret  string `koanf:"hash_secret"`  // keys identifier hashing
	TokenSecret string `koanf:"token_secret"` // keys security token encryption
	StampSecret string `koanf:"stamp_secret"` // keys response stamping (optional)

	// Rate limiting
	RateLimitMaxRequests   int `koanf:"rate_limit_max_requests"`
	RateLimitWindowSeconds int `koanf:"rate_limit_window_seconds"`

	// Escalation
	AutoBlockThreshold   int `koanf:"auto_block_threshold"`
	SweepIntervalMinutes int `koanf:"sweep_interval_minutes"`

	// Block cache
	BlockCacheTTLMinutes int `koanf:"block_cache_ttl_minutes"`

	// Security tokens
	TokenExpiryHours int `koanf:"token_expiry_hours"`

	// Pattern detection. Empty uses the stock pattern list.
	SuspiciousPatterns []string `koanf:"suspicious_patterns"`

	// Paths served with the relaxed Content-Security-Policy.
	RelaxedCSPPaths []string `koanf:"relaxed_csp_paths"`

	// Archive (S3-compatible object storage, optional)
	ArchiveBucketName      string `koanf:"archive_bucket_name"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"`

	// Feature Flags
	SimulationEnabled bool `koanf:"simulation_enabled"` // Enable the attack simulation endpoint
}

// Configuration validation errors.
var (
	ErrMissingJWTSecret              = errors.New("JWT_SECRET is required")
	ErrMissingHashSecret             = errors.New("HASH_SECRET is required")
	ErrMissingTokenSecret            = errors.New("TOKEN_SECRET is required")
	ErrMissingArchiveBucketName      = errors.New("ARCHIVE_BUCKET_NAME is required")
	ErrMissingArchiveAccessKeyID     = errors.New("ARCHIVE_ACCESS_KEY_ID is required")
	ErrMissingArchiveSecretAccessKey = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required")
	ErrInvalidPort                   = errors.New("PORT must be a valid integer")
	ErrSimulationInProduction        = errors.New("SIMULATION_ENABLED must not be set in production")
)

// Default values for non-secret configuration.
const (
	DefaultPort                   = 8080
	DefaultEnv                    = "development"
	DefaultRateLimitMaxRequests   = 100
	DefaultRateLimitWindowSeconds = 60
	DefaultAutoBlockThreshold     = 5
	DefaultSweepIntervalMinutes   = 5
	DefaultBlockCacheTTLMinutes   = 5
	DefaultTokenExpiryHours       = 24
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try GATEKEEP_PORT first, then PORT for backward compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{"GATEKEEP_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	intField := func(envKey, koanfKey string, defaultVal int) int {
		v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), defaultVal)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	cfg := &Config{
		Port:              port,
		Env:               getEnvOrDefaultMulti([]string{"GATEKEEP_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:       getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:          getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:         getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTSecretPrevious: getEnvOrKoanf("JWT_SECRET_PREVIOUS", k, "jwt_secret_previous"),
		HashSecret:        getEnvOrKoanf("HASH_SECRET", k, "hash_secret"),
		TokenSecret:       getEnvOrKoanf("TOKEN_SECRET", k, "token_secret"),
		StampSecret:       getEnvOrKoanf("STAMP_SECRET", k, "stamp_secret"),

		RateLimitMaxRequests:   intField("RATE_LIMIT_MAX_REQUESTS", "rate_limit_max_requests", DefaultRateLimitMaxRequests),
		RateLimitWindowSeconds: intField("RATE_LIMIT_WINDOW_SECONDS", "rate_limit_window_seconds", DefaultRateLimitWindowSeconds),
		AutoBlockThreshold:     intField("AUTO_BLOCK_THRESHOLD", "auto_block_threshold", DefaultAutoBlockThreshold),
		SweepIntervalMinutes:   intField("SWEEP_INTERVAL_MINUTES", "sweep_interval_minutes", DefaultSweepIntervalMinutes),
		BlockCacheTTLMinutes:   intField("BLOCK_CACHE_TTL_MINUTES", "block_cache_ttl_minutes", DefaultBlockCacheTTLMinutes),
		TokenExpiryHours:       intField("TOKEN_EXPIRY_HOURS", "token_expiry_hours", DefaultTokenExpiryHours),

		SuspiciousPatterns: getEnvListOrKoanf("SUSPICIOUS_PATTERNS", k, "suspicious_patterns"),
		RelaxedCSPPaths:    getEnvListOrKoanf("RELAXED_CSP_PATHS", k, "relaxed_csp_paths"),

		ArchiveBucketName:      getEnvOrKoanf("ARCHIVE_BUCKET_NAME", k, "archive_bucket_name"),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveRegion:          getEnvOrKoanf("ARCHIVE_REGION", k, "archive_region"),

		SimulationEnabled: getEnvBoolOrKoanf("SIMULATION_ENABLED", k, "simulation_enabled"),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// GetJWTSecrets returns the current and previous JWT secrets. Previous is
// empty when no rotation is in progress.
func (c *Config) GetJWTSecrets() (current, previous string) {
	return c.JWTSecret, c.JWTSecretPrevious
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// ArchiveConfigured reports whether any archive storage value is set.
func (c *Config) ArchiveConfigured() bool {
	return c.ArchiveBucketName != "" || c.ArchiveAccessKeyID != "" ||
		c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != ""
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvListOrKoanf parses a comma-separated environment variable if set,
// otherwise the koanf string slice.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		parts := strings.Split(val, ",")
		var out []string
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}

// getEnvBoolOrKoanf parses a boolean environment variable if set, otherwise
// the koanf value. Env var takes precedence over file config.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return k.Bool(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.HashSecret == "" {
		errs = append(errs, ErrMissingHashSecret)
	}
	if c.TokenSecret == "" {
		errs = append(errs, ErrMissingTokenSecret)
	}
	if c.SimulationEnabled && c.IsProduction() {
		errs = append(errs, ErrSimulationInProduction)
	}

	// Archive configuration is optional. Only validate fields if any
	// archive value is set.
	if c.ArchiveConfigured() {
		if c.ArchiveBucketName == "" {
			errs = append(errs, ErrMissingArchiveBucketName)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretAccessKey)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      fmt.Sprintf("%d", c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"jwt_secret":                maskSecret(c.JWTSecret),
		"hash_secret":               maskSecret(c.HashSecret),
		"token_secret":              maskSecret(c.TokenSecret),
		"stamp_secret":              maskSecret(c.StampSecret),
		"rate_limit_max_requests":   fmt.Sprintf("%d", c.RateLimitMaxRequests),
		"rate_limit_window_seconds": fmt.Sprintf("%d", c.RateLimitWindowSeconds),
		"auto_block_threshold":      fmt.Sprintf("%d", c.AutoBlockThreshold),
		"sweep_interval_minutes":    fmt.Sprintf("%d", c.SweepIntervalMinutes),
		"block_cache_ttl_minutes":   fmt.Sprintf("%d", c.BlockCacheTTLMinutes),
		"token_expiry_hours":        fmt.Sprintf("%d", c.TokenExpiryHours),
		"suspicious_patterns":       fmt.Sprintf("%d configured", len(c.SuspiciousPatterns)),
		"relaxed_csp_paths":         strings.Join(c.RelaxedCSPPaths, ","),
		"archive_bucket_name":       c.ArchiveBucketName,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
		"archive_endpoint":          c.ArchiveEndpoint,
		"simulation_enabled":        fmt.Sprintf("%t", c.SimulationEnabled),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
