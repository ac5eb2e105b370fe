// Package webapi assembles the HTTP surface of chatledger.
package webapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/internal/auth"
	"github.com/MarkoPoloResearchLab/chatledger/internal/authcookie"
	"github.com/MarkoPoloResearchLab/chatledger/internal/chat"
	"github.com/MarkoPoloResearchLab/chatledger/internal/config"
	"github.com/MarkoPoloResearchLab/chatledger/internal/metering"
	"github.com/MarkoPoloResearchLab/chatledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/chatledger/internal/oauthstate"
	"github.com/MarkoPoloResearchLab/chatledger/internal/payments"
	"github.com/MarkoPoloResearchLab/chatledger/internal/txlock"
	"github.com/MarkoPoloResearchLab/chatledger/internal/viva"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Dependencies are the collaborators built by the binary.
type Dependencies struct {
	Ledger   *ledger.Service
	Provider payments.Provider
	Orders   payments.OrderCreator
	Locker   txlock.Locker
	Pipeline chat.Pipeline
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Run serves the HTTP API until ctx ends.
func Run(ctx context.Context, cfg config.Config, deps Dependencies) error {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires every handler onto a gin engine.
func NewRouter(cfg config.Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Ledger == nil {
		return nil, errors.New("webapi: ledger is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	authHandler, err := newAuthHandler(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	paymentHandler, err := newPaymentHandler(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	chatHandler, err := newChatHandler(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	shareHandler, err := chat.NewShareHandler(chat.ShareHandlerConfig{
		Sharing:        deps.Ledger,
		Identity:       auth.CurrentUser,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("share handler: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.Named("http")))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authHandler.Register(router)
	protected := router.Group("", authHandler.Middleware())
	paymentHandler.Register(router, protected)
	shareHandler.Register(router, protected)
	if chatHandler != nil {
		chatHandler.Register(protected)
	}
	return router, nil
}

func newAuthHandler(cfg config.Config, deps Dependencies, logger *zap.Logger) (*auth.Handler, error) {
	sessions, err := auth.NewSessionIssuer(auth.SessionConfig{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		Lifetime:   cfg.SessionLifetime,
	})
	if err != nil {
		return nil, err
	}
	tokens := auth.TokenVerifiers{sessions}
	if cfg.TAuthSigningKey != "" {
		tauth, err := auth.NewTAuthVerifier(auth.TAuthConfig{SigningKey: []byte(cfg.TAuthSigningKey), Issuer: cfg.TAuthIssuer})
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tauth)
	}

	gatewayConfig := auth.GatewayConfig{
		Sessions: sessions,
		Users:    deps.Ledger,
		Tokens:   tokens,
		Logger:   logger,
		Metrics:  deps.Metrics,
	}
	if cfg.PasswordFile != "" {
		directory, err := auth.LoadPasswordFile(cfg.PasswordFile)
		if err != nil {
			return nil, err
		}
		gatewayConfig.Passwords = directory
	}
	if cfg.TrustedHeader != "" {
		gatewayConfig.Headers = auth.TrustedHeader{Name: cfg.TrustedHeader}
	}
	if cfg.GoogleClientID != "" {
		gatewayConfig.Providers = append(gatewayConfig.Providers, auth.NewGoogleProvider(auth.OAuthClientConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleSecret,
		}))
	}
	if cfg.GitHubClientID != "" {
		gatewayConfig.Providers = append(gatewayConfig.Providers, auth.NewGitHubProvider(auth.OAuthClientConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubSecret,
		}))
	}
	gateway, err := auth.NewGateway(gatewayConfig)
	if err != nil {
		return nil, err
	}

	cookies, err := authcookie.NewCodec(authcookie.Config{
		Name:      cfg.CookieName,
		SameSite:  cfg.CookieSameSite,
		ChunkSize: cfg.CookieChunkSize,
		MaxAge:    sessions.Lifetime(),
	})
	if err != nil {
		return nil, err
	}
	states := oauthstate.NewStore(oauthstate.Config{Secure: strings.HasPrefix(cfg.PublicURL, "https://")})
	return auth.NewHandler(auth.HandlerConfig{
		Gateway:   gateway,
		Cookies:   cookies,
		States:    states,
		Redirects: oauthstate.NewRedirectPolicy(cfg.RedirectHosts, cfg.RedirectPaths, cfg.RedirectQueryKeys),
		RootPath:  cfg.RootPath,
		PublicURL: cfg.PublicURL,
		Logger:    logger,
	})
}

func newPaymentHandler(cfg config.Config, deps Dependencies, logger *zap.Logger) (*payments.Handler, error) {
	if deps.Provider == nil {
		return nil, errors.New("webapi: payment provider is required")
	}
	options := []payments.VerifierOption{
		payments.WithLogger(logger),
		payments.WithMetrics(deps.Metrics),
		payments.WithProviderTimeout(cfg.ProviderTimeout),
	}
	if deps.Locker != nil {
		options = append(options, payments.WithLocker(deps.Locker))
	}
	verifier, err := payments.NewVerifier(deps.Ledger, deps.Provider, options...)
	if err != nil {
		return nil, err
	}
	tiers := make([]ledger.AmountCents, 0, len(cfg.AmountTiers))
	for _, tier := range cfg.AmountTiers {
		tiers = append(tiers, ledger.AmountCents(tier))
	}
	return payments.NewHandler(payments.HandlerConfig{
		Verifier:       verifier,
		Ledger:         deps.Ledger,
		Orders:         deps.Orders,
		WebhookKey:     viva.FileWebhookKey{Path: cfg.VivaWebhookKeyFile},
		Identity:       auth.CurrentUser,
		AmountTiers:    tiers,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
}

// newChatHandler returns nil when no answer pipeline is configured.
func newChatHandler(cfg config.Config, deps Dependencies, logger *zap.Logger) (*chat.Handler, error) {
	if deps.Pipeline == nil {
		return nil, nil
	}
	policy, err := metering.NewPolicy(metering.PolicyConfig{
		BaseInputPerMillion:  cfg.PriceInputPerMillion,
		BaseOutputPerMillion: cfg.PriceOutputPerMillion,
		Margin:               cfg.PriceMargin,
		Overhead:             cfg.PriceOverhead,
		VATRate:              cfg.PriceVATRate,
	})
	if err != nil {
		return nil, err
	}
	biller, err := metering.NewBiller(deps.Ledger, policy, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}
	runner, err := chat.NewRunner(chat.RunnerConfig{
		Pipeline: deps.Pipeline,
		Users:    deps.Ledger,
		Biller:   biller,
		Logger:   logger,
		Metrics:  deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("chat runner: %w", err)
	}
	return chat.NewHandler(chat.HandlerConfig{
		Runner:         runner,
		Registry:       chat.NewRegistry(),
		Threads:        deps.Ledger,
		Identity:       auth.CurrentUser,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		logger.Debug("request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}
