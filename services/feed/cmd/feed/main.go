package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"myway/internal/servicetoken"
	"myway/internal/util"
	"myway/pkg/domain"
	"myway/pkg/reco"
	"myway/services/feed/internal/app"
	"myway/services/feed/internal/config"
	"myway/services/feed/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	internalVerifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}

	appCore, err := app.New(appConfig(cfg))
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := appCore.SeedMockContent(ctx); err != nil {
		logger.Warn("seed mock content failed", "err", err)
	} else if n > 0 {
		slog.Info("seeded mock content", "posts", n)
	}
	appCore.StartWorkers(ctx)

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		InternalJWTKeyID:            cfg.InternalJWTKeyID,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: internalVerifyKeys,
		InternalJWTIssuers:          cfg.InternalJWTIssuers,
		TrustedProxies:              cfg.TrustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}()

	slog.Info("feed server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func appConfig(cfg config.FileConfig) app.Config {
	return app.Config{
		Mocks:              cfg.EnableMocks,
		GenerateTimeout:    time.Duration(cfg.GenerateTimeoutMs) * time.Millisecond,
		FeedSize:           cfg.FeedSize,
		Shares:             reco.Shares{Interest: cfg.FeedShareInterest, Explore: cfg.FeedShareExplore, Trending: cfg.FeedShareTrending},
		TrendingPrompts:    cfg.TrendingPrompts,
		AutoFill:           cfg.AutoFill,
		Blocklist:          cfg.Blocklist,
		EnforceBudget:      cfg.EnforceGenerationBudget,
		RateLimitPerMinute: cfg.GenerationRateLimitPerMinute,

		DatabaseURL:  cfg.DatabaseURL,
		FeedIndexCap: cfg.FeedIndexCap,
		FallbackCap:  cfg.FallbackCap,
		SessionBudget: domain.Budget{
			domain.BudgetImages: cfg.SessionBudgetImages,
			domain.BudgetVideos: cfg.SessionBudgetVideos,
		},

		RedisAddr:        cfg.RedisAddr,
		RedisPassword:    cfg.RedisPassword,
		QueueBackend:     cfg.QueueBackend,
		AMQPURL:          cfg.AMQPURL,
		QueueName:        cfg.QueueName,
		QueueGroup:       cfg.QueueGroup,
		QueueConcurrency: cfg.QueueConcurrency,
		QueueMaxRetries:  cfg.QueueMaxRetries,
		QueueRetryDelay:  time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		RunWorker:        cfg.RunWorker,

		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioUseSSL:    cfg.MinioUseSSL,

		RendererBaseURL: cfg.RendererBaseURL,
		RendererAPIKey:  cfg.RendererAPIKey,
		RendererModel:   cfg.RendererModel,
		RendererTimeout: time.Duration(cfg.RendererTimeoutSeconds) * time.Second,
	}
}
