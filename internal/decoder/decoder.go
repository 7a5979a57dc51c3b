// Package decoder はニュース集約フィードの難読化されたリンクトークンを遷移先URLへ復元する。
package decoder

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/security"
)

const (
	// DefaultArticleBaseURL はモダン形式のトークンを解決する記事URLの基底。
	DefaultArticleBaseURL = "https://news.google.com/rss/articles"
	// DefaultResolveTimeout はモダン形式の解決1回あたりのタイムアウト。
	DefaultResolveTimeout = 10 * time.Second
	// DefaultMaxRedirects はモダン形式の解決で追跡するリダイレクト回数の上限。
	DefaultMaxRedirects = 5
)

// Validator は遷移先URLを検証する。
// *security.DestinationValidator がこのインターフェースを満たす。
type Validator interface {
	Validate(ctx context.Context, rawURL string) error
}

// RedirectResolver はモダン形式のトークンが指す記事URLから実際の遷移先を取得する。
// http/https以外のスキームへのリダイレクトは追跡せず ErrUnsafeRedirect を返すこと。
type RedirectResolver interface {
	Resolve(ctx context.Context, rawURL string, timeout time.Duration, maxRedirects int) (string, error)
}

// Config はTokenDecoderの設定。
type Config struct {
	ArticleBaseURL string
	ResolveTimeout time.Duration
	MaxRedirects   int
}

// DecodedURL は検証済みの遷移先URL。
// このパッケージの外では生成できず、値は必ずValidatorを通過している。
type DecodedURL struct {
	url string
}

// String はURL文字列を返す。
func (u DecodedURL) String() string {
	return u.url
}

// IsZero は値が空かを返す。
func (u DecodedURL) IsZero() bool {
	return u.url == ""
}

// TokenDecoder はトークンを遷移先URLへ復元する。
// 可変状態を持たないため、複数のゴルーチンから並行に利用できる。
type TokenDecoder struct {
	validator Validator
	resolver  RedirectResolver
	cfg       Config
	logger    *slog.Logger
}

// NewTokenDecoder はTokenDecoderを生成する。
// 設定のゼロ値はデフォルト値で補われる。resolverがnilの場合、モダン形式は解決できない。
func NewTokenDecoder(validator Validator, resolver RedirectResolver, cfg Config, logger *slog.Logger) *TokenDecoder {
	if cfg.ArticleBaseURL == "" {
		cfg.ArticleBaseURL = DefaultArticleBaseURL
	}
	cfg.ArticleBaseURL = strings.TrimRight(cfg.ArticleBaseURL, "/")
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenDecoder{
		validator: validator,
		resolver:  resolver,
		cfg:       cfg,
		logger:    logger,
	}
}

// Decode はトークンを検証済みの遷移先URLへ復元する。
// 失敗は常に*DecodeErrorとして返す。どちらの形式にも該当しないトークンはネットワークI/Oなしで
// KindNotRecognizedとなる。
func (d *TokenDecoder) Decode(ctx context.Context, token string) (DecodedURL, error) {
	switch detectPath(token) {
	case PathLegacy:
		return d.decodeLegacy(ctx, token)
	case PathModern:
		return d.decodeModern(ctx, token)
	default:
		return DecodedURL{}, &DecodeError{Kind: KindNotRecognized, Path: PathUnknown}
	}
}

// PathOf はトークンの形式を返す。メトリクスのラベル付けに使う。
func PathOf(token string) Path {
	return detectPath(token)
}

func (d *TokenDecoder) decodeLegacy(ctx context.Context, token string) (DecodedURL, error) {
	payload := token
	for _, marker := range legacyMarkers {
		if strings.HasPrefix(token, marker) {
			payload = token[len(marker):]
			break
		}
	}

	record, err := decodePayload(payload)
	if err != nil {
		return DecodedURL{}, &DecodeError{Kind: KindInvalidEncoding, Path: PathLegacy, Err: err}
	}

	target, kind, err := parseLegacyRecord(record)
	if errors.Is(err, errModernArticleID) {
		d.logger.Debug("レガシーマーカー付きのモダン形式トークンを検出", slog.Int("token_length", len(token)))
		return d.decodeModern(ctx, token)
	}
	if err != nil {
		return DecodedURL{}, &DecodeError{Kind: kind, Path: PathLegacy, Err: err}
	}

	return d.validate(ctx, target, PathLegacy)
}

func (d *TokenDecoder) decodeModern(ctx context.Context, token string) (DecodedURL, error) {
	if d.resolver == nil {
		return DecodedURL{}, &DecodeError{Kind: KindNetworkFailure, Path: PathModern, Err: ErrNoResolver}
	}

	articleURL := d.cfg.ArticleBaseURL + "/" + token

	resolveCtx, cancel := context.WithTimeout(ctx, d.cfg.ResolveTimeout)
	defer cancel()

	start := time.Now()
	target, err := d.resolver.Resolve(resolveCtx, articleURL, d.cfg.ResolveTimeout, d.cfg.MaxRedirects)
	if err != nil {
		decodeErr := classifyResolveError(resolveCtx, err)
		d.logger.Debug("リダイレクト解決に失敗",
			slog.String("kind", decodeErr.Kind.String()),
			slog.Int("status_code", decodeErr.StatusCode),
			slog.Bool("timeout", decodeErr.Timeout),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
			slog.String("error", err.Error()),
		)
		return DecodedURL{}, decodeErr
	}

	return d.validate(ctx, target, PathModern)
}

// classifyResolveError はリゾルバのエラーをDecodeErrorへ変換する。
func classifyResolveError(ctx context.Context, err error) *DecodeError {
	if errors.Is(err, ErrUnsafeRedirect) {
		return &DecodeError{
			Kind:   KindRejected,
			Path:   PathModern,
			Reason: security.ReasonInvalidScheme,
			Err:    err,
		}
	}

	// 接続時にSSRFガードが遮断した宛先は再試行しても変わらない
	if rej, ok := security.GuardRejection(err); ok {
		return &DecodeError{Kind: KindRejected, Path: PathModern, Reason: rej.Reason, Err: rej}
	}

	// 拒否理由を持つエラー（リダイレクト先の事前検証など）はそのまま引き継ぐ
	if reason, ok := security.ReasonOf(err); ok {
		return &DecodeError{Kind: KindRejected, Path: PathModern, Reason: reason, Err: err}
	}

	decodeErr := &DecodeError{Kind: KindNetworkFailure, Path: PathModern, Err: err}

	var resolverErr *ResolverError
	if errors.As(err, &resolverErr) {
		decodeErr.StatusCode = resolverErr.StatusCode
	}

	var netErr net.Error
	if ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		decodeErr.Timeout = true
	}

	return decodeErr
}

func (d *TokenDecoder) validate(ctx context.Context, target string, path Path) (DecodedURL, error) {
	if err := d.validator.Validate(ctx, target); err != nil {
		reason, ok := security.ReasonOf(err)
		if !ok {
			reason = security.ReasonMalformed
		}
		return DecodedURL{}, &DecodeError{Kind: KindRejected, Path: path, Reason: reason, Err: err}
	}
	return DecodedURL{url: target}, nil
}
