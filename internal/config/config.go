// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Feed served by default when a request names none
	DefaultFeedID string

	// Base URL and credential of the external feed registry
	RegistryURL    string
	RegistryAPIKey string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Identities granted administrative and operator capabilities
	AdminIDs    []string
	OperatorIDs []string

	// Engine defaults applied to newly created feeds
	QuorumThreshold      int
	DeviationCeilingBps  uint64
	StalenessCeiling     time.Duration
	FailureCeiling       int
	HistoryCapacity      int
	SubscriptionPrice    uint64
	SubscriptionDuration time.Duration
	PublicReads          bool

	// Request handling
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	// Notification webhook for anomaly and emergency signals
	WebhookURL      string
	WebhookAPIKey   string
	WebhookBatch    int
	WebhookInterval time.Duration
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:                 GetEnvOrDefault("PORT", "8080"),
		DefaultFeedID:        GetEnvOrDefault("FEED_ID", "default"),
		RegistryURL:          GetEnvOrDefault("REGISTRY_URL", ""),
		RegistryAPIKey:       GetEnvOrDefault("REGISTRY_API_KEY", ""),
		OtelEndpoint:         GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AdminIDs:             GetEnvAsList("ADMIN_IDS", nil),
		OperatorIDs:          GetEnvAsList("OPERATOR_IDS", nil),
		QuorumThreshold:      GetEnvAsInt("QUORUM_THRESHOLD", 1),
		DeviationCeilingBps:  uint64(GetEnvAsInt("DEVIATION_CEILING_BPS", 1000)), // 10% default
		StalenessCeiling:     GetEnvAsDuration("STALENESS_CEILING", time.Hour),
		FailureCeiling:       GetEnvAsInt("FAILURE_CEILING", 3),
		HistoryCapacity:      GetEnvAsInt("HISTORY_CAPACITY", 100),
		SubscriptionPrice:    uint64(GetEnvAsInt("SUBSCRIPTION_PRICE", 0)),
		SubscriptionDuration: GetEnvAsDuration("SUBSCRIPTION_DURATION", 30*24*time.Hour),
		PublicReads:          GetEnvAsBool("PUBLIC_READS", true),
		RequestTimeout:       GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		RateLimitRPS:         GetEnvAsFloat("RATE_LIMIT_RPS", 10.0),
		RateLimitBurst:       GetEnvAsInt("RATE_LIMIT_BURST", 20),
		WebhookURL:           GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:        GetEnvOrDefault("WEBHOOK_API_KEY", ""),
		WebhookBatch:         GetEnvAsInt("WEBHOOK_BATCH_SIZE", 100),
		WebhookInterval:      GetEnvAsDuration("WEBHOOK_INTERVAL", time.Minute),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsList retrieves an environment variable as a comma-separated list
func GetEnvAsList(key string, defaultValue []string) []string {
	if value, exists := GetEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
