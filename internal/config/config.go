// Package config provides configuration loading and validation for the relay.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the relay.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. Empty URLs select the in-memory implementations.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Path history
	HistoryHorizon   time.Duration `koanf:"history_horizon"`
	HistoryMaxPoints int           `koanf:"history_max_points"`
	PruneInterval    time.Duration `koanf:"prune_interval"`

	// Relay behaviour
	FreshnessThreshold time.Duration `koanf:"freshness_threshold"`
	RequireIssuedIDs   bool          `koanf:"require_issued_ids"`
	SendQueueSize      int           `koanf:"send_queue_size"`

	// HTTP surface
	AllowedOrigins     []string `koanf:"allowed_origins"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	OTelExporter      string  `koanf:"otel_exporter"`
	OTelEndpoint      string  `koanf:"otel_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
}

// Configuration validation errors.
var (
	ErrInvalidPort          = errors.New("PORT must be between 1 and 65535")
	ErrInvalidNumber        = errors.New("must be a valid number")
	ErrInvalidDuration      = errors.New("must be a positive duration")
	ErrFreshnessBeyondHoriz = errors.New("FRESHNESS_THRESHOLD must be shorter than HISTORY_HORIZON")
	ErrInvalidSampleRate    = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidExporter      = errors.New("OTEL_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidPositiveInt   = errors.New("must be a positive integer")
)

// Default values.
const (
	DefaultPort               = 8080
	DefaultEnv                = "development"
	DefaultHistoryHorizon     = 24 * time.Hour
	DefaultHistoryMaxPoints   = 5000
	DefaultPruneInterval      = 15 * time.Minute
	DefaultFreshnessThreshold = 60 * time.Second
	DefaultSendQueueSize      = 64
	DefaultRateLimitPerMinute = 120
	DefaultOTelExporter       = "otlp-http"
	DefaultTracingSampleRate  = 0.1
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

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"LIVETRACK_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	maxPoints, err := getEnvIntOrDefault("HISTORY_MAX_POINTS", k.Int("history_max_points"), DefaultHistoryMaxPoints)
	collect(err)
	queueSize, err := getEnvIntOrDefault("SEND_QUEUE_SIZE", k.Int("send_queue_size"), DefaultSendQueueSize)
	collect(err)
	perMinute, err := getEnvIntOrDefault("RATE_LIMIT_PER_MINUTE", k.Int("rate_limit_per_minute"), DefaultRateLimitPerMinute)
	collect(err)

	horizon, err := getEnvDurationOrDefault("HISTORY_HORIZON", k.String("history_horizon"), DefaultHistoryHorizon)
	collect(err)
	pruneInterval, err := getEnvDurationOrDefault("PRUNE_INTERVAL", k.String("prune_interval"), DefaultPruneInterval)
	collect(err)
	freshness, err := getEnvDurationOrDefault("FRESHNESS_THRESHOLD", k.String("freshness_threshold"), DefaultFreshnessThreshold)
	collect(err)

	sampleRate := DefaultTracingSampleRate
	if k.Exists("tracing_sample_rate") {
		sampleRate = k.Float64("tracing_sample_rate")
	}
	sampleRate, err = getEnvFloatOrDefault("TRACING_SAMPLE_RATE", sampleRate)
	collect(err)

	origins := k.Strings("allowed_origins")
	if val := os.Getenv("ALLOWED_ORIGINS"); val != "" {
		origins = splitList(val)
	}

	cfg := &Config{
		Port:               port,
		Env:                getEnvOrDefaultMulti([]string{"LIVETRACK_ENV", "ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:        getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:           getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		HistoryHorizon:     horizon,
		HistoryMaxPoints:   maxPoints,
		PruneInterval:      pruneInterval,
		FreshnessThreshold: freshness,
		RequireIssuedIDs:   getEnvBoolOrKoanf("REQUIRE_ISSUED_IDS", k, "require_issued_ids", false),
		SendQueueSize:      queueSize,
		AllowedOrigins:     origins,
		RateLimitPerMinute: perMinute,
		TracingEnabled:     getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled", false),
		OTelExporter:       getEnvOrDefault("OTEL_EXPORTER", k.String("otel_exporter"), DefaultOTelExporter),
		OTelEndpoint:       getEnvOrKoanf("OTEL_ENDPOINT", k, "otel_endpoint"),
		TracingSampleRate:  sampleRate,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
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

// getEnvBoolOrKoanf accepts true/1/yes/on and false/0/no/off from the environment.
// Unrecognised values keep the file or default value.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise current.
func getEnvFloatOrDefault(envKey string, current float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	return current, nil
}

// getEnvDurationOrDefault parses a Go duration ("90s", "24h") from the
// environment, then the file, then falls back to the default.
func getEnvDurationOrDefault(envKey string, koanfVal string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = koanfVal
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %w: %q", envKey, ErrInvalidDuration, raw)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks ranges and cross-field constraints.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"HISTORY_HORIZON", c.HistoryHorizon},
		{"PRUNE_INTERVAL", c.PruneInterval},
		{"FRESHNESS_THRESHOLD", c.FreshnessThreshold},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s %w", d.name, ErrInvalidDuration))
		}
	}
	if c.FreshnessThreshold > 0 && c.HistoryHorizon > 0 && c.FreshnessThreshold >= c.HistoryHorizon {
		errs = append(errs, ErrFreshnessBeyondHoriz)
	}

	ints := []struct {
		name string
		v    int
	}{
		{"HISTORY_MAX_POINTS", c.HistoryMaxPoints},
		{"SEND_QUEUE_SIZE", c.SendQueueSize},
		{"RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute},
	}
	for _, i := range ints {
		if i.v <= 0 {
			errs = append(errs, fmt.Errorf("%s %w", i.name, ErrInvalidPositiveInt))
		}
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if c.TracingEnabled && c.OTelExporter != "otlp-http" && c.OTelExporter != "otlp-grpc" {
		errs = append(errs, ErrInvalidExporter)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// Credentials inside connection URLs are masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                  strconv.Itoa(c.Port),
		"env":                   c.Env,
		"database_url":          maskDatabaseURL(c.DatabaseURL),
		"redis_url":             maskDatabaseURL(c.RedisURL),
		"history_horizon":       c.HistoryHorizon.String(),
		"history_max_points":    strconv.Itoa(c.HistoryMaxPoints),
		"prune_interval":        c.PruneInterval.String(),
		"freshness_threshold":   c.FreshnessThreshold.String(),
		"require_issued_ids":    strconv.FormatBool(c.RequireIssuedIDs),
		"send_queue_size":       strconv.Itoa(c.SendQueueSize),
		"allowed_origins":       strings.Join(c.AllowedOrigins, ","),
		"rate_limit_per_minute": strconv.Itoa(c.RateLimitPerMinute),
		"tracing_enabled":       strconv.FormatBool(c.TracingEnabled),
		"otel_exporter":         c.OTelExporter,
		"otel_endpoint":         c.OTelEndpoint,
		"tracing_sample_rate":   strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
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
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
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
