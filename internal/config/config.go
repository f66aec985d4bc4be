package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the conversation service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode plain bearer tokens are accepted as user IDs even when
	// JWT verification is configured.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres", "sqlite" or "mongo"

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type
	CacheType string // "redis" or "none"

	// Redis
	RedisURL string

	// How long a computed unread total stays cached.
	UnreadCacheTTL time.Duration

	// StoreTimeout bounds every individual store call.
	StoreTimeout time.Duration

	// UnreadFanout caps concurrent per-conversation count queries.
	UnreadFanout int

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// JWTSecret enables HS256 bearer tokens signed with a shared secret.
	JWTSecret string

	// APIKeys maps API key values to client IDs (CONVERSATION_SERVICE_API_KEYS_<CLIENT_ID>=<key>).
	APIKeys map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Logging
	LogLevel  string
	LogFormat string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly provided.
	// When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for /health, /ready and /metrics.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout
	DrainTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		CacheType:               "none",
		UnreadCacheTTL:          5 * time.Second,
		StoreTimeout:            3 * time.Second,
		UnreadFanout:            8,
		MetricsLabels:           "service=conversation-service",
		LogLevel:                "info",
		LogFormat:               "text",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:  1024 * 1024,
		DrainTimeout: 30 * time.Second,
	}
}

// Validate checks settings that flag parsing cannot.
func (c *Config) Validate() error {
	switch c.DatastoreType {
	case "postgres", "sqlite", "mongo":
	default:
		return fmt.Errorf("invalid db-kind %q: expected postgres, sqlite or mongo", c.DatastoreType)
	}
	if strings.TrimSpace(c.DBURL) == "" {
		return fmt.Errorf("db-url is required")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store-timeout must be positive")
	}
	if c.UnreadFanout < 1 {
		return fmt.Errorf("unread-fanout must be at least 1")
	}
	if c.Mode != ModeProd && c.Mode != ModeTesting {
		return fmt.Errorf("invalid mode %q: expected %s or %s", c.Mode, ModeProd, ModeTesting)
	}
	return nil
}
