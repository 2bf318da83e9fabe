// Command contenthost serves git-backed repositories through a subset of the
// GitHub contents API, for local development and tests of the settings API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"storefront/api/internal/config"
	"storefront/api/internal/gitrepo"
)

func main() {
	config.LoadDotenv()
	cfg := config.Load()

	if err := os.MkdirAll(cfg.ContentHostDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}
	token := cfg.ContentHostToken
	if strings.TrimSpace(token) == "" {
		token = cfg.GitHubToken
	}
	if strings.TrimSpace(token) == "" {
		log.Fatalf("CONTENTHOST_TOKEN or GITHUB_TOKEN must be set")
	}

	server := &http.Server{
		Addr:              cfg.ContentHostAddr,
		Handler:           gitrepo.NewHandler(gitrepo.New(cfg.ContentHostDir), token),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Content host serving %s on %s", cfg.ContentHostDir, cfg.ContentHostAddr)
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
