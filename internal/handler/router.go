// Package handler は運用者向けHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gnewsresolver/internal/metrics"
	"github.com/hitoshi/gnewsresolver/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger

	Decoder TokenDecoder
	Items   ItemFinder
	Metrics metrics.MetricsCollector
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders
//
// /api 配下にはさらにクライアントIP単位のレート制限を適用する。
// /health と /metrics はレート制限の対象外。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	resolveHandler := NewResolveHandler(deps.Decoder, deps.Metrics, deps.Logger)
	itemHandler := NewItemHandler(deps.Items, deps.Logger)

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/resolve", resolveHandler.Resolve)
		r.Get("/items/{id}", itemHandler.GetItem)
	})

	return r
}
