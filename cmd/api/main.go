package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"talebranch/api/internal/app"
	"talebranch/api/internal/auth"
	"talebranch/api/internal/config"
	"talebranch/api/internal/export"
	"talebranch/api/internal/metrics"
	"talebranch/api/internal/realtime"
	"talebranch/api/internal/search"
	"talebranch/api/internal/store"
)

func main() {
	tokenFor := flag.String("token", "", "print a signed token for this user id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), *tokenFor, *tokenFor, cfg.TokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	if cfg.StoreDriver == store.SQLite.Name {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			logger.Fatal("failed to create sqlite dir", zap.Error(err))
		}
	}
	dataStore, err := store.OpenStore(ctx, cfg.StoreDriver, cfg.DSN())
	if err != nil {
		logger.Fatal("database connection failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer dataStore.Close()

	if err := dataStore.Migrate(ctx); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	collector := metrics.NewCollector()

	var (
		transport realtime.Transport
		broker    app.Pinger
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for realtime fan-out")
		redisTransport, err := realtime.NewRedisTransport(cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		transport = redisTransport
		broker = redisTransport
	} else {
		logger.Info("using in-process realtime fan-out")
		transport = realtime.NewLocalTransport()
	}
	defer transport.Close()

	publisher := realtime.NewPublisher(transport, cfg.FanoutQueueSize, cfg.FanoutTimeout, logger, collector)

	hubConfig := realtime.DefaultHubConfig()
	hubConfig.CheckOrigin = originChecker(cfg.CORSOrigin)
	hub := realtime.NewHub(transport, hubConfig, logger, collector)

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		index = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(index, dataStore, logger)
	defer searchService.Close()
	go func() {
		reindexCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		searchService.ReindexAll(reindexCtx)
	}()

	var archiver export.Archiver
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minioArchiver, err := export.NewMinioArchiver(ctx, export.ArchiveConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Warn("object storage unavailable, archive disabled", zap.Error(err))
		} else {
			archiver = minioArchiver
		}
	}

	service := app.NewService(app.Options{
		Store:        dataStore,
		Logger:       logger,
		Publisher:    publisher,
		Subscriber:   transport,
		Search:       searchService,
		Archiver:     archiver,
		Metrics:      collector,
		StoreTimeout: cfg.StoreTimeout,
	})

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		Verifier:   auth.NewVerifier(cfg.JWTSecret),
		Hub:        hub,
		Realtime:   broker,
		Metrics:    collector,
		Logger:     logger,
		CORSOrigin: cfg.CORSOrigin,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("talebranch api listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	hub.Close()
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Warn("fan-out drain incomplete", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.LogFormat == "json" || (cfg.LogFormat == "" && cfg.Production()) {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// originChecker mirrors the CORS setting for websocket handshakes.
func originChecker(allowed string) func(r *http.Request) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" {
		return func(r *http.Request) bool { return true }
	}
	origins := make(map[string]struct{})
	for _, origin := range strings.Split(allowed, ",") {
		origins[strings.TrimSpace(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[origin]
		return ok
	}
}
