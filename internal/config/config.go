// Package config holds the runtime settings of the chatledger service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/internal/authcookie"
)

const (
	defaultHTTPListenAddr   = ":8080"
	defaultDatabaseURL      = "sqlite:///tmp/chatledger.db"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultMetricsNamespace = "chatledger"
	defaultRequestTimeout   = 15 * time.Second
	defaultProviderTimeout  = 10 * time.Second
	defaultLockTTL          = 30 * time.Second
	defaultTAuthIssuer      = "tauth"

	minSessionKeyBytes = 32
)

// ErrInvalidConfig reports a missing or malformed setting.
var ErrInvalidConfig = errors.New("config: invalid")

// Database engines.
const (
	EngineGorm = "gorm"
	EnginePGX  = "pgx"
)

// Config aggregates every runtime setting. It is built once by the binary
// and passed down explicitly.
type Config struct {
	HTTPListenAddr string
	GRPCListenAddr string
	PublicURL      string
	RootPath       string
	AllowedOrigins []string
	RequestTimeout time.Duration
	LogLevel       string

	DatabaseURL    string
	DatabaseEngine string

	SessionSigningKey string
	SessionIssuer     string
	SessionLifetime   time.Duration
	CookieName        string
	CookieSameSite    string
	CookieChunkSize   int

	PasswordFile      string
	TrustedHeader     string
	TAuthSigningKey   string
	TAuthIssuer       string
	GoogleClientID    string
	GoogleSecret      string
	GitHubClientID    string
	GitHubSecret      string
	RedirectHosts     []string
	RedirectPaths     []string
	RedirectQueryKeys []string

	VivaOrdersURL       string
	VivaTransactionsURL string
	VivaTokenFile       string
	VivaWebhookKeyFile  string
	VivaSourceCode      string
	ProviderTimeout     time.Duration
	AmountTiers         []int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	LockTTL       time.Duration

	PipelineURL     string
	PipelineAPIKey  string
	PipelineTimeout time.Duration

	PriceInputPerMillion  string
	PriceOutputPerMillion string
	PriceMargin           string
	PriceOverhead         string
	PriceVATRate          string

	MetricsNamespace string
}

// Validate applies defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = strings.TrimSpace(cfg.GRPCListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.DatabaseEngine = strings.ToLower(defaultIfEmpty(cfg.DatabaseEngine, EngineGorm))
	cfg.RootPath = strings.TrimRight(strings.TrimSpace(cfg.RootPath), "/")
	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
	cfg.CookieName = defaultIfEmpty(cfg.CookieName, authcookie.DefaultName)
	cfg.MetricsNamespace = defaultIfEmpty(cfg.MetricsNamespace, defaultMetricsNamespace)
	cfg.LogLevel = strings.ToLower(defaultIfEmpty(cfg.LogLevel, "info"))
	cfg.TAuthIssuer = defaultIfEmpty(cfg.TAuthIssuer, defaultTAuthIssuer)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}

	if len(cfg.SessionSigningKey) < minSessionKeyBytes {
		return fmt.Errorf("%w: session signing key must be at least %d bytes", ErrInvalidConfig, minSessionKeyBytes)
	}
	if cfg.DatabaseEngine != EngineGorm && cfg.DatabaseEngine != EnginePGX {
		return fmt.Errorf("%w: unsupported database engine %q", ErrInvalidConfig, cfg.DatabaseEngine)
	}
	if cfg.DatabaseEngine == EnginePGX && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("%w: pgx engine requires a postgres database url", ErrInvalidConfig)
	}
	if (cfg.GoogleClientID == "") != (cfg.GoogleSecret == "") {
		return fmt.Errorf("%w: google client id and secret must be set together", ErrInvalidConfig)
	}
	if (cfg.GitHubClientID == "") != (cfg.GitHubSecret == "") {
		return fmt.Errorf("%w: github client id and secret must be set together", ErrInvalidConfig)
	}
	for _, tier := range cfg.AmountTiers {
		if tier <= 0 {
			return fmt.Errorf("%w: amount tiers must be positive", ErrInvalidConfig)
		}
	}
	if cfg.RootPath != "" && !strings.HasPrefix(cfg.RootPath, "/") {
		return fmt.Errorf("%w: root path must start with /", ErrInvalidConfig)
	}
	return nil
}

// OAuthEnabled reports whether any OAuth provider is configured.
func (cfg Config) OAuthEnabled() bool {
	return cfg.GoogleClientID != "" || cfg.GitHubClientID != ""
}

// IsPostgresURL reports whether dsn addresses PostgreSQL.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits a comma-delimited value, dropping blanks.
func ParseList(raw string) []string {
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
