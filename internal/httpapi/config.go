package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultTokenIssuer   = "quizforge"
	defaultShutdownGrace = 5 * time.Second
)

// Config aggregates runtime settings for the billing HTTP surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	WebhookSecret  string
	APISigningKey  string
	APITokenIssuer string
}

// Validate fills defaults and ensures required values are present. The
// webhook secret is mandatory; an empty API signing key disables service
// auth, which is only acceptable for local development.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.APITokenIssuer = defaultIfEmpty(cfg.APITokenIssuer, defaultTokenIssuer)
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
