// Package config resolves runtime settings from the environment. Every
// option has a working default so a bare `conhub` starts locally; secret
// material only ever enters the process through this boundary.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved process configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string
	APIKeys        []string

	HealthCheckInterval time.Duration
	ConnIdleTimeout     time.Duration
	SessionMaxAge       time.Duration
	DefaultConnector    string

	// ConnectorEndpoints overrides external connector addresses.
	ConnectorEndpoints map[string]string
	ConnectorOptions   map[string]map[string]string

	// WebhookSecrets and WebhookAlgorithms are keyed by provider.
	WebhookSecrets    map[string]string
	WebhookAlgorithms map[string]string
	WebhookQueueSize  int
	WebhookRatePerSec float64

	OTLPEndpoint string
}

// externalConnectors maps known external connector IDs to their
// default local endpoints.
var externalConnectors = map[string]string{
	"google_drive": "http://localhost:8091",
	"dropbox":      "http://localhost:8092",
}

var webhookProviders = []string{"github", "gitlab", "stripe", "dropbox", "generic"}

// Load reads the environment once and returns the configuration.
func Load() *Config {
	cfg := &Config{
		Port:                envStr("CONHUB_PORT", "8085"),
		AllowedOrigins:      envList("CONHUB_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		LogLevel:            envStr("CONHUB_LOG_LEVEL", "info"),
		APIKeys:             envList("CONHUB_API_KEYS", nil),
		HealthCheckInterval: envDuration("CONHUB_HEALTH_CHECK_INTERVAL", 300*time.Second),
		ConnIdleTimeout:     envDuration("CONHUB_CONN_IDLE_TIMEOUT", 30*time.Minute),
		SessionMaxAge:       envDuration("CONHUB_SESSION_MAX_AGE", 24*time.Hour),
		DefaultConnector:    envStr("CONHUB_DEFAULT_CONNECTOR", "filesystem"),
		ConnectorEndpoints:  make(map[string]string),
		ConnectorOptions:    make(map[string]map[string]string),
		WebhookSecrets:      make(map[string]string),
		WebhookAlgorithms:   make(map[string]string),
		WebhookQueueSize:    envInt("CONHUB_WEBHOOK_QUEUE_SIZE", 256),
		WebhookRatePerSec:   float64(envInt("CONHUB_WEBHOOK_RATE_LIMIT", 10)),
		OTLPEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	for id, fallback := range externalConnectors {
		key := "CONHUB_CONNECTOR_" + strings.ToUpper(id) + "_URL"
		cfg.ConnectorEndpoints[id] = envStr(key, fallback)
	}
	cfg.ConnectorOptions["filesystem"] = map[string]string{
		"root": envStr("CONHUB_FILESYSTEM_ROOT", ""),
	}
	cfg.ConnectorOptions["github"] = map[string]string{
		"token": envStr("CONHUB_GITHUB_TOKEN", ""),
	}

	for _, provider := range webhookProviders {
		upper := strings.ToUpper(provider)
		if secret := os.Getenv("CONHUB_WEBHOOK_SECRET_" + upper); secret != "" {
			cfg.WebhookSecrets[provider] = secret
		}
		if algo := os.Getenv("CONHUB_WEBHOOK_ALGORITHM_" + upper); algo != "" {
			cfg.WebhookAlgorithms[provider] = algo
		}
	}

	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
