package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chronicle/coedit/internal/app"
	"chronicle/coedit/internal/blob"
	"chronicle/coedit/internal/config"
	"chronicle/coedit/internal/gitrepo"
	"chronicle/coedit/internal/presence"
	"chronicle/coedit/internal/relay"
	"chronicle/coedit/internal/search"
	"chronicle/coedit/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	var updateLog store.UpdateLog
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "database connection failed", err)
		}
		defer db.Close()
		updateLog = store.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, keeping the update log in memory")
		updateLog = store.NewMemoryStore()
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		fatal(logger, "create repos dir", err)
	}

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithCheckpoints(gitrepo.New(cfg.ReposDir)),
		app.WithSettings(app.Settings{
			MaxRetries:      cfg.MaxRetries,
			MaxTargets:      cfg.MaxTargets,
			ObserveThrottle: cfg.ObserveThrottle,
			DedupWindow:     cfg.DedupWindow,
			BatchWindow:     cfg.BatchWindow,
			MaxListed:       cfg.MaxListedBlocks,
			AllowFallback:   true,
			PreferCursor:    true,
		}),
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, logger)
	defer searchService.Close()
	opts = append(opts, app.WithIndex(searchService))

	if strings.TrimSpace(cfg.RedisURL) != "" {
		mirror, err := presence.NewRedisMirror(cfg.RedisURL,
			presence.WithTTL(cfg.PresenceMirrorTTL),
			presence.WithLogger(logger),
		)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer mirror.Close()
		opts = append(opts, app.WithPresenceMirror(mirror))
		logger.Info("mirroring presence through redis")
	}

	var publisher *relay.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := relay.NewSyncProducer(cfg.KafkaBrokers)
		if err != nil {
			fatal(logger, "kafka producer failed", err)
		}
		publisher = relay.NewPublisher(producer, cfg.KafkaTopic, relay.Options{Logger: logger})
		opts = append(opts, app.WithRelay(publisher))
		logger.Info("relaying updates to kafka", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := blob.NewMinioArchive(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			fatal(logger, "minio connection failed", err)
		}
		opts = append(opts, app.WithArchive(archive))
	}

	service := app.New(updateLog, opts...)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("coedit listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	// Sessions flush pending updates through the relay, so it closes after.
	service.Close()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("close kafka publisher", "error", err)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
