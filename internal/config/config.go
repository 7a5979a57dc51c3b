// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Logging
	LogLevel string

	// Resolve
	ResolveTimeout      time.Duration
	ResolveMaxRedirects int
	ResolveMaxBody      int64
	ResolveRatePerMin   int
	ResolveWorkers      int
	ResolveMinInterval  time.Duration
	ResolvePollInterval time.Duration
	ResolveBatchSize    int
	NewsArticleBaseURL  string
	NewsBatchEndpoint   string

	// Feed ingestion
	FeedURLs          []string
	FeedFetchInterval time.Duration
	FeedPollInterval  time.Duration
	FeedFetchTimeout  time.Duration
	FeedMaxSize       int64
	FeedMaxConcurrent int

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitAPI int

	// Retention
	ItemRetentionDays int
	CleanupInterval   time.Duration

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.ResolveTimeout = getEnvDuration("RESOLVE_TIMEOUT", 10*time.Second)
	cfg.ResolveMaxRedirects = getEnvInt("RESOLVE_MAX_REDIRECTS", 5)
	cfg.ResolveMaxBody = getEnvInt64("RESOLVE_MAX_BODY", 2*1024*1024)
	cfg.ResolveRatePerMin = getEnvInt("RESOLVE_RATE_PER_MIN", 30)
	cfg.ResolveWorkers = getEnvInt("RESOLVE_WORKERS", 2)
	cfg.ResolveMinInterval = getEnvDuration("RESOLVE_MIN_INTERVAL", 2*time.Second)
	cfg.ResolvePollInterval = getEnvDuration("RESOLVE_POLL_INTERVAL", 30*time.Second)
	cfg.ResolveBatchSize = getEnvInt("RESOLVE_BATCH_SIZE", 50)
	cfg.NewsArticleBaseURL = getEnvString("NEWS_ARTICLE_BASE_URL", "https://news.google.com/rss/articles")
	cfg.NewsBatchEndpoint = getEnvString("NEWS_BATCH_ENDPOINT", "https://news.google.com/_/DotsSplashUi/data/batchexecute")

	cfg.FeedURLs = getEnvList("FEED_URLS")
	cfg.FeedFetchInterval = getEnvDuration("FEED_FETCH_INTERVAL", 30*time.Minute)
	cfg.FeedPollInterval = getEnvDuration("FEED_POLL_INTERVAL", time.Minute)
	cfg.FeedFetchTimeout = getEnvDuration("FEED_FETCH_TIMEOUT", 30*time.Second)
	cfg.FeedMaxSize = getEnvInt64("FEED_MAX_SIZE", 5*1024*1024)
	cfg.FeedMaxConcurrent = getEnvInt("FEED_MAX_CONCURRENT", 4)

	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 60)

	cfg.ItemRetentionDays = getEnvInt("ITEM_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
