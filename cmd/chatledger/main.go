package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/chatledger/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CHATLEDGER"

	flagHTTPListenAddr     = "http-listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagPublicURL          = "public-url"
	flagRootPath           = "root-path"
	flagAllowedOrigins     = "allowed-origins"
	flagRequestTimeout     = "request-timeout"
	flagLogLevel           = "log-level"
	flagDatabaseURL        = "database-url"
	flagDatabaseEngine     = "database-engine"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionLifetime    = "session-lifetime"
	flagCookieName         = "cookie-name"
	flagCookieSameSite     = "cookie-samesite"
	flagCookieChunkSize    = "cookie-chunk-size"
	flagPasswordFile       = "password-file"
	flagTrustedHeader      = "trusted-header"
	flagTAuthSigningKey    = "tauth-signing-key"
	flagTAuthIssuer        = "tauth-issuer"
	flagGoogleClientID     = "google-client-id"
	flagGoogleSecret       = "google-client-secret"
	flagGitHubClientID     = "github-client-id"
	flagGitHubSecret       = "github-client-secret"
	flagRedirectHosts      = "redirect-hosts"
	flagRedirectPaths      = "redirect-paths"
	flagRedirectQueryKeys  = "redirect-query-keys"
	flagVivaOrdersURL      = "viva-orders-url"
	flagVivaTransactions   = "viva-transactions-url"
	flagVivaTokenFile      = "viva-token-file"
	flagVivaWebhookKeyFile = "viva-webhook-key-file"
	flagVivaSourceCode     = "viva-source-code"
	flagProviderTimeout    = "provider-timeout"
	flagAmountTiers        = "amount-tiers"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagRedisTLS           = "redis-tls"
	flagLockTTL            = "lock-ttl"
	flagPipelineURL        = "pipeline-url"
	flagPipelineAPIKey     = "pipeline-api-key"
	flagPipelineTimeout    = "pipeline-timeout"
	flagPriceInput         = "price-input-per-million"
	flagPriceOutput        = "price-output-per-million"
	flagPriceMargin        = "price-margin"
	flagPriceOverhead      = "price-overhead"
	flagPriceVATRate       = "price-vat-rate"
	flagMetricsNamespace   = "metrics-namespace"
)

func main() {
	_ = godotenv.Load()
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatledger: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "chatledger",
		Short:         "Metered chat with a payment-backed balance ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, ":7000", "gRPC admin listen address (empty disables it)")
	flags.String(flagPublicURL, "", "externally visible base URL used for OAuth callbacks")
	flags.String(flagRootPath, "", "path prefix of the frontend login routes")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request ledger timeout")
	flags.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(flagDatabaseURL, "sqlite:///tmp/chatledger.db", "postgres:// URL or sqlite path")
	flags.String(flagDatabaseEngine, config.EngineGorm, "store engine: gorm or pgx")
	flags.String(flagSessionSigningKey, "", "HS256 session signing key, at least 32 bytes (required)")
	flags.String(flagSessionIssuer, "", "session token issuer")
	flags.Duration(flagSessionLifetime, 0, "session lifetime")
	flags.String(flagCookieName, "", "auth cookie name")
	flags.String(flagCookieSameSite, "", "auth cookie SameSite (lax, strict, none)")
	flags.Int(flagCookieChunkSize, 0, "maximum auth cookie chunk size in bytes")
	flags.String(flagPasswordFile, "", "user:bcrypt-hash file enabling password login")
	flags.String(flagTrustedHeader, "", "header set by an authenticating proxy")
	flags.String(flagTAuthSigningKey, "", "TAuth signing key; accepts TAuth sessions as bearer proofs")
	flags.String(flagTAuthIssuer, "", "expected TAuth issuer")
	flags.String(flagGoogleClientID, "", "Google OAuth client id")
	flags.String(flagGoogleSecret, "", "Google OAuth client secret")
	flags.String(flagGitHubClientID, "", "GitHub OAuth client id")
	flags.String(flagGitHubSecret, "", "GitHub OAuth client secret")
	flags.String(flagRedirectHosts, "", "comma-separated hostnames allowed as post-login referers")
	flags.String(flagRedirectPaths, "", "comma-separated paths allowed as post-login referers")
	flags.String(flagRedirectQueryKeys, "", "comma-separated referer query keys kept across login")
	flags.String(flagVivaOrdersURL, "", "Viva orders endpoint")
	flags.String(flagVivaTransactions, "", "Viva transactions endpoint")
	flags.String(flagVivaTokenFile, "", "file holding the Viva API bearer token")
	flags.String(flagVivaWebhookKeyFile, "", "file holding the Viva webhook verification key JSON")
	flags.String(flagVivaSourceCode, "", "Viva payment source code")
	flags.Duration(flagProviderTimeout, 0, "payment provider call timeout")
	flags.String(flagAmountTiers, "", "comma-separated purchasable amounts in cents")
	flags.String(flagRedisAddr, "", "redis address enabling the transaction lock")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database")
	flags.Bool(flagRedisTLS, false, "connect to redis over TLS")
	flags.Duration(flagLockTTL, 0, "transaction lock TTL")
	flags.String(flagPipelineURL, "", "answer pipeline endpoint enabling chat")
	flags.String(flagPipelineAPIKey, "", "answer pipeline bearer key")
	flags.Duration(flagPipelineTimeout, 0, "answer pipeline timeout")
	flags.String(flagPriceInput, "", "base price per million input tokens")
	flags.String(flagPriceOutput, "", "base price per million output tokens")
	flags.String(flagPriceMargin, "", "price margin multiplier")
	flags.String(flagPriceOverhead, "", "flat per-turn overhead")
	flags.String(flagPriceVATRate, "", "VAT rate applied to each charge")
	flags.String(flagMetricsNamespace, "", "prometheus namespace")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return bindErr
	}
	// DATABASE_URL is honoured without the prefix, as most hosting platforms set it.
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	tiers, err := parseTiers(v.GetString(flagAmountTiers))
	if err != nil {
		return err
	}

	*cfg = config.Config{
		HTTPListenAddr:        v.GetString(flagHTTPListenAddr),
		GRPCListenAddr:        v.GetString(flagGRPCListenAddr),
		PublicURL:             v.GetString(flagPublicURL),
		RootPath:              v.GetString(flagRootPath),
		AllowedOrigins:        config.ParseList(v.GetString(flagAllowedOrigins)),
		RequestTimeout:        v.GetDuration(flagRequestTimeout),
		LogLevel:              v.GetString(flagLogLevel),
		DatabaseURL:           strings.TrimSpace(v.GetString(flagDatabaseURL)),
		DatabaseEngine:        v.GetString(flagDatabaseEngine),
		SessionSigningKey:     v.GetString(flagSessionSigningKey),
		SessionIssuer:         v.GetString(flagSessionIssuer),
		SessionLifetime:       v.GetDuration(flagSessionLifetime),
		CookieName:            v.GetString(flagCookieName),
		CookieSameSite:        v.GetString(flagCookieSameSite),
		CookieChunkSize:       v.GetInt(flagCookieChunkSize),
		PasswordFile:          strings.TrimSpace(v.GetString(flagPasswordFile)),
		TrustedHeader:         strings.TrimSpace(v.GetString(flagTrustedHeader)),
		TAuthSigningKey:       v.GetString(flagTAuthSigningKey),
		TAuthIssuer:           v.GetString(flagTAuthIssuer),
		GoogleClientID:        strings.TrimSpace(v.GetString(flagGoogleClientID)),
		GoogleSecret:          v.GetString(flagGoogleSecret),
		GitHubClientID:        strings.TrimSpace(v.GetString(flagGitHubClientID)),
		GitHubSecret:          v.GetString(flagGitHubSecret),
		RedirectHosts:         config.ParseList(v.GetString(flagRedirectHosts)),
		RedirectPaths:         config.ParseList(v.GetString(flagRedirectPaths)),
		RedirectQueryKeys:     config.ParseList(v.GetString(flagRedirectQueryKeys)),
		VivaOrdersURL:         strings.TrimSpace(v.GetString(flagVivaOrdersURL)),
		VivaTransactionsURL:   strings.TrimSpace(v.GetString(flagVivaTransactions)),
		VivaTokenFile:         strings.TrimSpace(v.GetString(flagVivaTokenFile)),
		VivaWebhookKeyFile:    strings.TrimSpace(v.GetString(flagVivaWebhookKeyFile)),
		VivaSourceCode:        strings.TrimSpace(v.GetString(flagVivaSourceCode)),
		ProviderTimeout:       v.GetDuration(flagProviderTimeout),
		AmountTiers:           tiers,
		RedisAddr:             strings.TrimSpace(v.GetString(flagRedisAddr)),
		RedisPassword:         v.GetString(flagRedisPassword),
		RedisDB:               v.GetInt(flagRedisDB),
		RedisTLS:              v.GetBool(flagRedisTLS),
		LockTTL:               v.GetDuration(flagLockTTL),
		PipelineURL:           strings.TrimSpace(v.GetString(flagPipelineURL)),
		PipelineAPIKey:        v.GetString(flagPipelineAPIKey),
		PipelineTimeout:       v.GetDuration(flagPipelineTimeout),
		PriceInputPerMillion:  v.GetString(flagPriceInput),
		PriceOutputPerMillion: v.GetString(flagPriceOutput),
		PriceMargin:           v.GetString(flagPriceMargin),
		PriceOverhead:         v.GetString(flagPriceOverhead),
		PriceVATRate:          v.GetString(flagPriceVATRate),
		MetricsNamespace:      v.GetString(flagMetricsNamespace),
	}
	return cfg.Validate()
}

func parseTiers(raw string) ([]int64, error) {
	var tiers []int64
	for _, part := range config.ParseList(raw) {
		value, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer amount in cents", flagAmountTiers, part)
		}
		tiers = append(tiers, value)
	}
	return tiers, nil
}
