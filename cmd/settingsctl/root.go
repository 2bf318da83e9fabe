package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storefront/api/internal/cache"
	"storefront/api/internal/client"
	"storefront/api/internal/config"
	"storefront/api/internal/contents"
	"storefront/api/internal/syncmgr"
)

// historyRemote is a remote that can also list past versions.
type historyRemote interface {
	syncmgr.Remote
	History(ctx context.Context, limit int) ([]contents.Commit, error)
}

var (
	manager *syncmgr.Manager
	remote  historyRemote
	local   *cache.FileCache

	RootCmd = &cobra.Command{
		Use:   "settingsctl",
		Short: "Manage the storefront settings document",
		Long: `settingsctl reads and writes the storefront settings document.

Writes are applied to the local cache first and then published to the
settings server guarded by the last version this machine loaded. Every flag
can also be set as STOREFRONT_<FLAG> (e.g. STOREFRONT_DEV_MODE=true).`,
		SilenceUsage:       true,
		PersistentPreRunE:  setupManager,
		PersistentPostRunE: closeManager,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	key := "server"
	RootCmd.PersistentFlags().String(key, "http://localhost:8787", "Base URL of the settings server")
	key = "user"
	RootCmd.PersistentFlags().String(key, "", "Admin user for writes")
	key = "password"
	RootCmd.PersistentFlags().String(key, "", "Admin password for writes")
	key = "timeout"
	RootCmd.PersistentFlags().Int(key, 10, "Request timeout in seconds")
	key = "cache-dir"
	RootCmd.PersistentFlags().String(key, defaultCacheDir(), "Directory of the local settings cache")
	key = "dev-mode"
	RootCmd.PersistentFlags().Bool(key, false, "Keep saves local; they settle after a short delay without publishing")
	key = "direct"
	RootCmd.PersistentFlags().Bool(key, false, "Talk to the content host directly using GITHUB_* credentials")
	key = "message"
	RootCmd.PersistentFlags().String(key, "", "Commit message for saves")
	key = "verbose"
	RootCmd.PersistentFlags().Bool(key, false, "Log sync activity to stderr")

	RootCmd.AddCommand(loadCmd)
	RootCmd.AddCommand(showCmd)
	RootCmd.AddCommand(saveCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(historyCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("storefront")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".storefront-cache"
	}
	return filepath.Join(dir, "storefront")
}

func setupManager(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	logger := log.New(io.Discard, "", 0)
	if viper.GetBool("verbose") {
		logger = log.New(os.Stderr, "[settingsctl] ", log.LstdFlags)
	}

	var err error
	local, err = cache.NewFileCache(viper.GetString("cache-dir"), cache.DefaultNamespace)
	if err != nil {
		return fmt.Errorf("open local cache: %w", err)
	}

	timeout := time.Duration(viper.GetInt("timeout")) * time.Second
	if viper.GetBool("direct") {
		cfg := config.Load()
		host := contents.New(contents.Config{
			BaseURL:        cfg.GitHubAPIBase,
			Owner:          cfg.GitHubOwner,
			Repo:           cfg.GitHubRepo,
			Token:          cfg.GitHubToken,
			Branch:         cfg.GitHubBranch,
			RequestTimeout: timeout,
			MaxRetries:     cfg.MaxRetries,
		})
		remote = client.NewDirect(host, cfg.SettingsPath, viper.GetString("message"), logger)
	} else {
		remote = client.New(client.Config{
			BaseURL:  viper.GetString("server"),
			Username: viper.GetString("user"),
			Password: viper.GetString("password"),
			Message:  viper.GetString("message"),
			Timeout:  timeout,
		})
	}

	manager = syncmgr.New(syncmgr.Options{
		Remote:  remote,
		Cache:   local,
		DevMode: viper.GetBool("dev-mode"),
		Logger:  logger,
	})
	return nil
}

func closeManager(*cobra.Command, []string) error {
	if manager != nil {
		manager.Close()
	}
	return nil
}
