// Package resolver はモダン形式のトークンが指す記事URLから実際の遷移先を取得するHTTPクライアントを提供する。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/security"
)

const (
	// DefaultBatchEndpoint はインラインAPIのエンドポイント。
	DefaultBatchEndpoint = "https://news.google.com/_/DotsSplashUi/data/batchexecute"
	// DefaultMaxBodySize は記事ページとAPIレスポンスの最大読み込みサイズ。
	DefaultMaxBodySize = 2 * 1024 * 1024
	// DefaultRatePerMinute は1分あたりの最大リクエスト数。
	DefaultRatePerMinute = 30

	userAgent = "Mozilla/5.0 (compatible; gnewsresolver/1.0)"
)

// defaultSourceHosts はリダイレクトせず記事ページ内のパラメータで遷移先を返すホスト。
var defaultSourceHosts = []string{"news.google.com"}

// ErrInlineTargetMissing は記事ページに遷移先を求めるためのパラメータが見つからないことを示す。
var ErrInlineTargetMissing = errors.New("article page carries no decoding parameters")

// Config はHTTPResolverの設定。
type Config struct {
	BatchEndpoint string
	MaxBodySize   int64
	// RatePerMinute は送信元サービスへのリクエスト上限。0以下の場合は制限しない。
	RatePerMinute int
	// SourceHosts はインラインAPIによる解決が必要なホスト。ポート付きでも指定できる。
	SourceHosts []string
}

// HTTPResolver はdecoder.RedirectResolverのHTTP実装。
// リダイレクトを追跡し、送信元サービスのページに留まった場合はページ内のパラメータと
// インラインAPIで遷移先を取得する。
type HTTPResolver struct {
	clients security.SafeClientFactory
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger
}

// NewHTTPResolver はHTTPResolverを生成する。設定のゼロ値はデフォルト値で補われる。
func NewHTTPResolver(clients security.SafeClientFactory, cfg Config, logger *slog.Logger) *HTTPResolver {
	if cfg.BatchEndpoint == "" {
		cfg.BatchEndpoint = DefaultBatchEndpoint
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if len(cfg.SourceHosts) == 0 {
		cfg.SourceHosts = defaultSourceHosts
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}

	return &HTTPResolver{
		clients: clients,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		logger:  logger,
	}
}

// Resolve はrawURLへリクエストを送り、最終的な遷移先URLを返す。
// http/https以外へのリダイレクトはdecoder.ErrUnsafeRedirect、
// maxRedirectsを超えるリダイレクトはdecoder.ErrTooManyRedirectsとして返す。
// 失敗は*decoder.ResolverErrorで返す。
func (r *HTTPResolver) Resolve(ctx context.Context, rawURL string, timeout time.Duration, maxRedirects int) (string, error) {
	client := r.newClient(timeout, maxRedirects)

	resp, err := r.do(ctx, client, http.MethodGet, rawURL, nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	final := resp.Request.URL
	if !r.isSourceHost(final) {
		r.logger.Debug("リダイレクトで遷移先を取得しました",
			slog.String("final_host", final.Hostname()),
		)
		return final.String(), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBodySize))
	if err != nil {
		return "", &decoder.ResolverError{URL: rawURL, Err: fmt.Errorf("レスポンス読み取りに失敗: %w", err)}
	}

	params := parseArticleParams(body)
	if params.target != "" {
		return params.target, nil
	}
	if params.signature == "" || params.timestamp == "" {
		return "", &decoder.ResolverError{URL: rawURL, Err: ErrInlineTargetMissing}
	}

	articleID := params.id
	if articleID == "" {
		articleID = lastPathSegment(final)
	}
	return r.fetchInlineTarget(ctx, client, articleID, params)
}

// newClient はリダイレクト方針を設定したSSRF防止クライアントを返す。
func (r *HTTPResolver) newClient(timeout time.Duration, maxRedirects int) *http.Client {
	base := r.clients.NewSafeClient(timeout, r.cfg.MaxBodySize)
	client := *base
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return fmt.Errorf("scheme %q: %w", req.URL.Scheme, decoder.ErrUnsafeRedirect)
		}
		if len(via) > maxRedirects {
			return decoder.ErrTooManyRedirects
		}
		return nil
	}
	return &client
}

// do はレート制限を待ってリクエストを送信する。400以上のステータスはエラーとして返す。
func (r *HTTPResolver) do(ctx context.Context, client *http.Client, method, rawURL string, body io.Reader, contentType string) (*http.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &decoder.ResolverError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &decoder.ResolverError{URL: rawURL, Err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &decoder.ResolverError{URL: rawURL, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		r.logger.Warn("リダイレクト解決でエラーステータスを受信しました",
			slog.String("host", req.URL.Hostname()),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &decoder.ResolverError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// isSourceHost は送信元サービスのホストかを判定する。
func (r *HTTPResolver) isSourceHost(u *url.URL) bool {
	for _, h := range r.cfg.SourceHosts {
		if strings.EqualFold(h, u.Host) || strings.EqualFold(h, u.Hostname()) {
			return true
		}
	}
	return false
}

// lastPathSegment はURLパスの最後の要素を返す。
func lastPathSegment(u *url.URL) string {
	path := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
