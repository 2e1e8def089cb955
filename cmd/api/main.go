package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"caseguard/api/internal/app"
	"caseguard/api/internal/config"
	"caseguard/api/internal/email"
	"caseguard/api/internal/export"
	"caseguard/api/internal/llm"
	"caseguard/api/internal/search"
	"caseguard/api/internal/session"
	"caseguard/api/internal/storage"
	"caseguard/api/internal/store"
)

func newLogger(format string) (*zap.Logger, error) {
	if strings.EqualFold(format, "console") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.Migrate(ctx, db, os.DirFS(cfg.MigrationsDir))
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)

	var tokens app.TokenStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		tokens = redisStore
		logger.Info("using redis for session tokens")
	} else {
		logger.Info("using postgres for session tokens")
	}

	pgSearch := search.NewPostgres(db)
	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meili.Close()
		primary = meili
	}
	searchService := search.NewService(primary, pgSearch, pgSearch, logger.Named("search"))
	searchService.StartReindex(ctx)

	var uploader app.Uploader
	if strings.TrimSpace(cfg.StorageEndpoint) != "" {
		objects, err := storage.New(storage.Config{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.StorageUseSSL,
			PublicURL: cfg.StoragePublicURL,
			MaxBytes:  cfg.MaxUploadBytes,
		})
		if err != nil {
			logger.Fatal("object storage init failed", zap.Error(err))
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn("object storage bucket check failed", zap.Error(err))
		}
		uploader = objects
	} else {
		logger.Warn("object storage not configured, uploads disabled")
	}

	completer, err := llm.NewCompleter(llm.Options{
		Mode:    cfg.LLMMode,
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	}, logger.Named("llm"))
	if err != nil {
		logger.Fatal("llm client init failed", zap.Error(err))
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Warn("SMTP not configured, verification tokens are returned in API responses")
	}

	service := app.New(cfg, app.Deps{
		Store:     dataStore,
		Tokens:    tokens,
		Mailer:    mailer,
		Completer: completer,
		Uploader:  uploader,
		Search:    searchService,
		Exporter:  export.NewService(dataStore, nil),
		Logger:    logger,
	})
	defer service.Close()

	if err := service.BootstrapAdmin(ctx, cfg.BootstrapAdminEmail); err != nil {
		logger.Warn("bootstrap admin failed, will retry on next restart", zap.Error(err))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("caseguard api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
