package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"orderflow/backend/internal/cache"
	"orderflow/backend/internal/config"
	"orderflow/backend/internal/document"
	"orderflow/backend/internal/events"
	"orderflow/backend/internal/httpapi"
	"orderflow/backend/internal/logging"
	"orderflow/backend/internal/metrics"
	"orderflow/backend/internal/notify"
	"orderflow/backend/internal/payment"
	"orderflow/backend/internal/policy"
	"orderflow/backend/internal/service"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/store/memory"
	pgstore "orderflow/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	logCfg := logging.ForEnvironment(cfg.AppEnv, cfg.LogLevel)
	logCfg.Format = cfg.LogFormat
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

type closer struct {
	name string
	fn   func() error
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				logger.Warn("close failed", zap.String("component", closers[i].name), zap.Error(err))
			}
		}
	}()

	repo, health, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := repo.(interface{ Close() error }); ok {
		closers = append(closers, closer{"repository", c.Close})
	}

	policyOpts := []policy.EngineOption{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisPolicyCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, policy cache disabled", zap.Error(err))
			_ = redisCache.Close()
		} else {
			policyOpts = append(policyOpts, policy.WithCache(redisCache, cfg.PolicyCacheTTL))
			closers = append(closers, closer{"redis", redisCache.Close})
			logger.Info("policy cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}
	if cfg.PolicyFile != "" {
		seed, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("load policy file: %w", err)
		}
		policyOpts = append(policyOpts, policy.WithSeed(seed))
		logger.Info("policy seed loaded", zap.String("path", cfg.PolicyFile))
	}
	engine := policy.NewEngine(repo, logger, policyOpts...)

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	documents, err := buildDocuments(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var gateway payment.Gateway
	if cfg.StripeSecretKey != "" {
		gateway = payment.NewStripeGateway(cfg.StripeSecretKey)
		logger.Info("refund gateway: stripe")
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = kafka
		closers = append(closers, closer{"kafka", kafka.Close})
		logger.Info("event publisher: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	workflowMetrics := metrics.New()
	svc := service.New(repo, service.Deps{
		Logger:        logger,
		Policy:        engine,
		Notifier:      notifier,
		Documents:     documents,
		Payments:      gateway,
		Events:        publisher,
		Metrics:       workflowMetrics,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:    cfg.AllowedOrigin,
		OperationTimeout: cfg.OperationTimeout,
		Logger:           logger,
		Metrics:          workflowMetrics,
		Health:           health,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.OperationTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("order workflow backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.NotifyTimeout+8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := svc.Drain(shutdownCtx); err != nil {
		logger.Warn("background work still running at shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func(context.Context) error, error) {
	if cfg.DatabaseURL == "" {
		repo, err := memory.NewSeeded(logger)
		if err != nil {
			return nil, nil, fmt.Errorf("seed memory store: %w", err)
		}
		logger.Info("repository: in-memory")
		return repo, nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
	}
	if err := pg.Migrate(logger); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("repository: postgres")
	return pg, pg.Ping, nil
}

func buildNotifier(cfg config.Config, logger *zap.Logger) (notify.Notifier, error) {
	if cfg.SMTPHost == "" {
		logger.Info("notifier: log only")
		return notify.NewLogNotifier(logger), nil
	}
	smtp, err := notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("smtp notifier: %w", err)
	}
	logger.Info("notifier: smtp", zap.String("host", cfg.SMTPHost), zap.Int("port", cfg.SMTPPort))
	return smtp, nil
}

func buildDocuments(ctx context.Context, cfg config.Config, logger *zap.Logger) (document.Generator, error) {
	var renderer document.Renderer = document.HTMLRenderer{}
	if cfg.DocumentFormat == "pdf" {
		renderer = document.PDFRenderer{Timeout: cfg.NotifyTimeout}
	}

	var archive document.Archive
	if cfg.MinioEndpoint != "" {
		minioArchive, err := document.NewMinioArchive(document.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := minioArchive.EnsureBucket(ctx); err != nil {
			logger.Warn("document archive unavailable, keeping documents local only", zap.Error(err))
		} else {
			archive = minioArchive
			logger.Info("document archive: minio", zap.String("bucket", cfg.MinioBucket))
		}
	}
	return document.NewFileGenerator(cfg.DocumentDir, renderer, archive, logger), nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AppEnv == "production" && cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must not be * in production")
	}
	return nil
}
