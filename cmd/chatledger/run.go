package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/internal/chat"
	"github.com/MarkoPoloResearchLab/chatledger/internal/config"
	"github.com/MarkoPoloResearchLab/chatledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/chatledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/chatledger/internal/txlock"
	"github.com/MarkoPoloResearchLab/chatledger/internal/viva"
	"github.com/MarkoPoloResearchLab/chatledger/internal/webapi"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
)

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(webapi.NewOperationLogger(logger)),
		ledger.WithIDGenerator(func() string { return uuid.NewString() }),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	collectors := metrics.New(cfg.MetricsNamespace)
	provider := viva.New(viva.Config{
		OrdersURL:       cfg.VivaOrdersURL,
		TransactionsURL: cfg.VivaTransactionsURL,
		Timeout:         cfg.ProviderTimeout,
		SourceCode:      cfg.VivaSourceCode,
	}, viva.FileTokenSource{Path: cfg.VivaTokenFile}, logger, collectors)

	deps := webapi.Dependencies{
		Ledger:   service,
		Provider: provider,
		Orders:   provider,
		Metrics:  collectors,
		Logger:   logger,
	}

	if cfg.RedisAddr != "" {
		lockConfig := txlock.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
			TTL:      cfg.LockTTL,
		}
		client := txlock.NewRedisClient(lockConfig)
		defer func() { _ = client.Close() }()
		if err := txlock.Ping(ctx, client); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		deps.Locker = txlock.NewRedis(client, lockConfig, logger)
	}

	if cfg.PipelineURL != "" {
		pipeline, err := chat.NewHTTPPipeline(chat.HTTPPipelineConfig{
			URL:     cfg.PipelineURL,
			APIKey:  cfg.PipelineAPIKey,
			Timeout: cfg.PipelineTimeout,
		})
		if err != nil {
			return err
		}
		deps.Pipeline = pipeline
	} else {
		logger.Warn("no answer pipeline configured; chat routes disabled")
	}

	errCh := make(chan error, 2)
	var grpcServer *grpc.Server
	if cfg.GRPCListenAddr != "" {
		listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		grpcServer = grpc.NewServer()
		grpcserver.Register(grpcServer, grpcserver.NewLedgerAdminServer(service))
		go func() {
			logger.Info("gRPC admin server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
			if serveErr := grpcServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", serveErr)
			}
		}()
		defer grpcServer.GracefulStop()
	}

	httpCtx, cancelHTTP := context.WithCancel(ctx)
	defer cancelHTTP()
	go func() {
		errCh <- webapi.Run(httpCtx, cfg, deps)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		cancelHTTP()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(parsed)
	return zapConfig.Build()
}
