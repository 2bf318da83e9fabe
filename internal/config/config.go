package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr       string
	CORSOrigin string
	// Content host
	GitHubAPIBase  string
	GitHubOwner    string
	GitHubRepo     string
	GitHubToken    string
	GitHubBranch   string
	SettingsPath   string
	RequestTimeout time.Duration
	MaxRetries     int
	// Optional server-side copies of the last published document
	RedisURL       string
	DatabaseURL    string
	DBMaxOpenConns int
	MigrationsDir  string
	CacheDir       string
	// Object-store mirror, disabled when MirrorEndpoint is empty
	MirrorEndpoint  string
	MirrorAccessKey string
	MirrorSecretKey string
	MirrorBucket    string
	MirrorUseSSL    bool
	// Admin guard on the write path, disabled when both are empty
	AdminUser         string
	AdminPasswordHash string
	LogFile           string
	// Local content host (cmd/contenthost)
	ContentHostAddr  string
	ContentHostDir   string
	ContentHostToken string
}

// LoadDotenv reads .env.local and .env when present. Variables already set in
// the environment win.
func LoadDotenv() {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err == nil {
			_ = godotenv.Load(name)
		}
	}
}

func Load() Config {
	return Config{
		Addr:              getenv("API_ADDR", ":8787"),
		CORSOrigin:        getenv("CORS_ORIGIN", "*"),
		GitHubAPIBase:     getenv("GITHUB_API_BASE", "https://api.github.com"),
		GitHubOwner:       getenv("GITHUB_OWNER", ""),
		GitHubRepo:        getenv("GITHUB_REPO", ""),
		GitHubToken:       getenv("GITHUB_TOKEN", ""),
		GitHubBranch:      getenv("GITHUB_BRANCH", "main"),
		SettingsPath:      getenv("SETTINGS_PATH", "settings.json"),
		RequestTimeout:    time.Duration(getenvInt("REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,
		MaxRetries:        getenvInt("MAX_RETRIES", 2),
		RedisURL:          getenv("REDIS_URL", ""),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		DBMaxOpenConns:    getenvInt("DB_MAX_OPEN_CONNS", 4),
		MigrationsDir:     getenv("MIGRATIONS_DIR", "./db/migrations"),
		CacheDir:          getenv("CACHE_DIR", ""),
		MirrorEndpoint:    getenv("MIRROR_ENDPOINT", ""),
		MirrorAccessKey:   getenv("MIRROR_ACCESS_KEY", ""),
		MirrorSecretKey:   getenv("MIRROR_SECRET_KEY", ""),
		MirrorBucket:      getenv("MIRROR_BUCKET", "storefront-settings"),
		MirrorUseSSL:      getenvBool("MIRROR_USE_SSL", false),
		AdminUser:         getenv("ADMIN_USER", ""),
		AdminPasswordHash: getenv("ADMIN_PASSWORD_HASH", ""),
		LogFile:           getenv("LOG_FILE", ""),
		ContentHostAddr:   getenv("CONTENTHOST_ADDR", ":8788"),
		ContentHostDir:    getenv("CONTENTHOST_DIR", "./data/contenthost"),
		ContentHostToken:  getenv("CONTENTHOST_TOKEN", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
