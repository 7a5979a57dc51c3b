// Package app はサブコマンドごとの起動処理と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/gnewsresolver/internal/config"
	"github.com/hitoshi/gnewsresolver/internal/database"
	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/handler"
	"github.com/hitoshi/gnewsresolver/internal/logger"
	"github.com/hitoshi/gnewsresolver/internal/metrics"
	"github.com/hitoshi/gnewsresolver/internal/middleware"
	"github.com/hitoshi/gnewsresolver/internal/repository"
	"github.com/hitoshi/gnewsresolver/internal/resolver"
	"github.com/hitoshi/gnewsresolver/internal/retry"
	"github.com/hitoshi/gnewsresolver/internal/security"
	"github.com/hitoshi/gnewsresolver/internal/worker/cleanup"
	"github.com/hitoshi/gnewsresolver/internal/worker/ingest"
	"github.com/hitoshi/gnewsresolver/internal/worker/resolve"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数を読み込み、LOG_LEVELに従ってロガーを再設定する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	l := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信すると停止する。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		Usage(w)
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, l)
	case CommandMigrate:
		return runMigrate(cfg, l)
	default:
		return runServe(ctx, cfg, l)
	}
}

// components はserveとworkerの両モードで共有する依存関係。
type components struct {
	feedRepo     *repository.PostgresFeedRepo
	itemRepo     *repository.PostgresItemRepo
	clients      security.SafeClientFactory
	validator    *security.DestinationValidator
	decoder      *decoder.TokenDecoder
	orchestrator *retry.Orchestrator
	registry     *prometheus.Registry
	metrics      *metrics.Collector
}

// newComponents は設定とDB接続から共有の依存関係を構築する。
func newComponents(cfg *config.Config, db *sql.DB, l *slog.Logger) *components {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clients := security.NewSSRFGuard()
	validator := security.NewDestinationValidator(nil)

	res := resolver.NewHTTPResolver(clients, resolver.Config{
		BatchEndpoint: cfg.NewsBatchEndpoint,
		MaxBodySize:   cfg.ResolveMaxBody,
		RatePerMinute: cfg.ResolveRatePerMin,
		SourceHosts:   sourceHosts(cfg.NewsArticleBaseURL),
	}, l.With(slog.String("component", "resolver")))

	dec := decoder.NewTokenDecoder(validator, res, decoder.Config{
		ArticleBaseURL: cfg.NewsArticleBaseURL,
		ResolveTimeout: cfg.ResolveTimeout,
		MaxRedirects:   cfg.ResolveMaxRedirects,
	}, l.With(slog.String("component", "decoder")))

	return &components{
		feedRepo:     repository.NewPostgresFeedRepo(db),
		itemRepo:     repository.NewPostgresItemRepo(db),
		clients:      clients,
		validator:    validator,
		decoder:      dec,
		orchestrator: retry.NewOrchestrator(retry.SystemClock{}),
		registry:     registry,
		metrics:      metrics.NewCollector(registry),
	}
}

// sourceHosts は記事URLの基底からインラインAPIで解決すべきホストを求める。
// 基底が未設定またはパースできない場合はリゾルバのデフォルトに任せる。
func sourceHosts(articleBaseURL string) []string {
	if articleBaseURL == "" {
		return nil
	}
	u, err := url.Parse(articleBaseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}

// newAPIHandler はAPIサーバーのルーターを構築する。
func newAPIHandler(db *sql.DB, c *components, limiter *middleware.RateLimiter, l *slog.Logger) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		HealthChecker: db,
		Gatherer:      c.registry,
		RateLimiter:   limiter,
		Logger:        l,
		Decoder:       c.decoder,
		Items:         c.itemRepo,
		Metrics:       c.metrics,
	})
}

// newWorkerHandler はワーカーのヘルスチェックとメトリクス用のルーターを構築する。
func newWorkerHandler(db *sql.DB, c *components, l *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(l))
	r.Get("/health", handler.NewHealthHandler(db, l))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(c.registry))
	return r
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	l.Info("database connection established")

	c := newComponents(cfg, db, l)

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitAPI), l)
	defer limiter.Stop()

	router := newAPIHandler(db, c, limiter, l)
	if err := serveHTTP(ctx, ":"+cfg.ServerPort, router, l); err != nil {
		return err
	}

	l.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// フィード取り込み、トークン解決、クリーンアップの各ジョブとメトリクス用HTTPサーバーを
// errgroupで並行実行し、ctxがキャンセルされるかいずれかが失敗すると全体を停止する。
func runWorker(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	l.Info("database connection established (worker)")

	c := newComponents(cfg, db, l)
	ingestScheduler, resolveScheduler, cleanupJob := newWorkerJobs(cfg, db, c, l)

	if err := ingestScheduler.RegisterFeeds(ctx, cfg.FeedURLs); err != nil {
		return err
	}

	l.Info("worker starting",
		slog.Int("feeds", len(cfg.FeedURLs)),
		slog.Duration("feed_poll_interval", cfg.FeedPollInterval),
		slog.Int("resolve_workers", cfg.ResolveWorkers),
		slog.Duration("resolve_poll_interval", cfg.ResolvePollInterval),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ingestScheduler.Start(gctx, cfg.FeedPollInterval)
		return nil
	})
	g.Go(func() error {
		resolveScheduler.Start(gctx, cfg.ResolvePollInterval)
		return nil
	})
	g.Go(func() error {
		// 起動直後に1回実行。エラーはRun内でログ出力済み
		_ = cleanupJob.Run(gctx)
		cleanupJob.Start(gctx, cfg.CleanupInterval)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(gctx, ":"+cfg.ServerPort, newWorkerHandler(db, c, l), l)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}

	l.Info("worker stopped gracefully")
	return nil
}

// newWorkerJobs はワーカーモードで動かすジョブを構築する。
func newWorkerJobs(cfg *config.Config, db *sql.DB, c *components, l *slog.Logger) (*ingest.Scheduler, *resolve.Scheduler, *cleanup.CleanupJob) {
	ingestLogger := l.With(slog.String("component", "ingest"))
	fetcher := ingest.NewFetcher(
		c.feedRepo, c.itemRepo, c.validator, c.clients,
		security.NewSummarySanitizer(), c.metrics, ingestLogger,
		ingest.FetcherConfig{
			Timeout:     cfg.FeedFetchTimeout,
			MaxBodySize: cfg.FeedMaxSize,
			Interval:    cfg.FeedFetchInterval,
		},
	)
	ingestScheduler := ingest.NewScheduler(c.feedRepo, fetcher, ingestLogger, cfg.FeedMaxConcurrent)

	resolveLogger := l.With(slog.String("component", "resolve"))
	processor := resolve.NewProcessor(c.itemRepo, c.itemRepo, c.decoder, c.orchestrator, c.metrics, resolveLogger)
	resolveScheduler := resolve.NewScheduler(c.itemRepo, processor, c.orchestrator, retry.SystemClock{}, resolveLogger, resolve.SchedulerConfig{
		Workers:     cfg.ResolveWorkers,
		MinInterval: cfg.ResolveMinInterval,
		BatchSize:   cfg.ResolveBatchSize,
	})

	cleanupJob := cleanup.NewCleanupJob(db, l.With(slog.String("component", "cleanup")))
	if cfg.ItemRetentionDays > 0 {
		cleanupJob.RetentionDays = cfg.ItemRetentionDays
	}

	return ingestScheduler, resolveScheduler, cleanupJob
}

// serveHTTP はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func serveHTTP(ctx context.Context, addr string, h http.Handler, l *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("HTTP server starting", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	l.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリを伏せる。
// パースできない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
