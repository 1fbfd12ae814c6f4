package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/generation"
)

const (
	// EnvironmentDevelopment enables error details in responses and development logging.
	EnvironmentDevelopment = "development"
	// EnvironmentProduction is the default environment.
	EnvironmentProduction = "production"
	// DefaultSignupGrantCredits is the starting balance the serve command grants by default.
	DefaultSignupGrantCredits int64 = 10

	defaultListenAddr           = ":8080"
	defaultAllowedOrigin        = "http://localhost:3000"
	defaultSessionIssuer        = "tauth"
	defaultSessionCookie        = "app_session"
	defaultHistoryLimit         = 20
	maxHistoryLimit             = 100
	defaultRequestTimeout       = 5 * time.Second
	defaultShutdownTimeout      = 5 * time.Second
	defaultStreamHeartbeat      = 25 * time.Second
	maxWebhookBodyBytes   int64 = 64 << 10
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr         string
	Environment        string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	SignupGrantCredits int64 // zero disables the grant
	HistoryLimit       int
	RequestTimeout     time.Duration
	GenerationTimeout  time.Duration
	ShutdownTimeout    time.Duration
	StreamHeartbeat    time.Duration
	WebhookSecret      string
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.Environment = strings.ToLower(defaultIfEmpty(cfg.Environment, EnvironmentProduction))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.HistoryLimit > maxHistoryLimit {
		cfg.HistoryLimit = maxHistoryLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	// Clamped to the orchestrator range; handlers add RequestTimeout on top for capture or refund.
	cfg.GenerationTimeout = generation.ClampTimeout(cfg.GenerationTimeout)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = defaultStreamHeartbeat
	}

	if cfg.Environment != EnvironmentDevelopment && cfg.Environment != EnvironmentProduction {
		return fmt.Errorf("environment must be %q or %q", EnvironmentDevelopment, EnvironmentProduction)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.SignupGrantCredits < 0 {
		return fmt.Errorf("signup grant must not be negative")
	}
	return nil
}

// Development reports whether responses may carry error details.
func (cfg Config) Development() bool {
	return cfg.Environment == EnvironmentDevelopment
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
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
