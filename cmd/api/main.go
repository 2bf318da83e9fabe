package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"storefront/api/internal/app"
	"storefront/api/internal/authpw"
	"storefront/api/internal/cache"
	"storefront/api/internal/config"
	"storefront/api/internal/contents"
	"storefront/api/internal/mirror"
	"storefront/api/internal/store"
)

func main() {
	config.LoadDotenv()
	cfg := config.Load()
	ctx := context.Background()

	if strings.TrimSpace(cfg.LogFile) != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}))
	}
	logger := log.New(log.Writer(), "[api] ", log.LstdFlags)

	client := contents.New(contents.Config{
		BaseURL:        cfg.GitHubAPIBase,
		Owner:          cfg.GitHubOwner,
		Repo:           cfg.GitHubRepo,
		Token:          cfg.GitHubToken,
		Branch:         cfg.GitHubBranch,
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.MaxRetries,
	})
	if err := client.Validate(); err != nil {
		// Keep serving: writes answer with a configuration error until fixed.
		log.Printf("WARNING: content host not configured: %v", err)
	}

	admin, err := authpw.NewService(cfg.AdminUser, cfg.AdminPasswordHash)
	if err != nil {
		log.Fatalf("admin guard: %v", err)
	}
	if !admin.Enabled() {
		log.Printf("WARNING: ADMIN_USER not set, settings writes are unauthenticated")
	}

	opts := app.Options{Admin: admin, Logger: logger}

	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		log.Printf("Using Redis for the server settings cache")
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cache.DefaultNamespace)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisCache.Close()
		opts.Cache = redisCache
	case strings.TrimSpace(cfg.CacheDir) != "":
		log.Printf("Using %s for the server settings cache", cfg.CacheDir)
		fileCache, err := cache.NewFileCache(cfg.CacheDir, cache.DefaultNamespace)
		if err != nil {
			log.Fatalf("file cache: %v", err)
		}
		opts.Cache = fileCache
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, store.DBConfig{URL: cfg.DatabaseURL, MaxOpenConns: cfg.DBMaxOpenConns})
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
		if err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		for _, name := range applied {
			log.Printf("Applied migration %s", name)
		}
		opts.Publishes = store.NewPostgresStore(db)
		if opts.Cache == nil {
			log.Printf("Using PostgreSQL for the server settings cache")
			opts.Cache = cache.NewPostgresCache(db, cache.DefaultNamespace)
		}
	}

	snapshots, err := mirror.New(ctx, mirror.Config{
		Endpoint:  cfg.MirrorEndpoint,
		AccessKey: cfg.MirrorAccessKey,
		SecretKey: cfg.MirrorSecretKey,
		Bucket:    cfg.MirrorBucket,
		UseSSL:    cfg.MirrorUseSSL,
	})
	if err != nil {
		log.Printf("WARNING: mirror disabled: %v", err)
	} else if snapshots != nil {
		log.Printf("Mirroring published settings to bucket %s", cfg.MirrorBucket)
		opts.Mirror = snapshots
	}

	service := app.New(cfg, client, opts)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Storefront settings API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
