package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/metrics"
	"github.com/hitoshi/gnewsresolver/internal/middleware"
	"github.com/hitoshi/gnewsresolver/internal/model"
)

// TokenDecoder はトークンのデコードを抽象化する。
// *decoder.TokenDecoder がこのインターフェースを満たす。
type TokenDecoder interface {
	Decode(ctx context.Context, token string) (decoder.DecodedURL, error)
}

// ResolveHandler はトークンをその場で遷移先URLへ解決するハンドラー。
// 結果は保存しない。
type ResolveHandler struct {
	decoder TokenDecoder
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewResolveHandler はResolveHandlerを生成する。
func NewResolveHandler(dec TokenDecoder, collector metrics.MetricsCollector, logger *slog.Logger) *ResolveHandler {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &ResolveHandler{
		decoder: dec,
		metrics: collector,
		logger:  logger,
	}
}

// resolveResponse は解決結果のレスポンス。
type resolveResponse struct {
	Path       string  `json:"path"`
	URL        string  `json:"url"`
	DurationMs float64 `json:"duration_ms"`
}

// Resolve はクエリパラメータのトークンまたはフィードリンクを解決する。
// GET /api/resolve?token=xxx または GET /api/resolve?link=https://...
func (h *ResolveHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		link := r.URL.Query().Get("link")
		if link == "" {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingTokenError())
			return
		}
		var ok bool
		token, ok = decoder.TokenFromLink(link)
		if !ok {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidTokenError("リンクにトークンが含まれていません"))
			return
		}
	}

	path := decoder.PathOf(token)

	start := time.Now()
	decoded, err := h.decoder.Decode(r.Context(), token)
	duration := time.Since(start)
	h.metrics.RecordResolveLatency(duration)

	if err != nil {
		outcome := "error"
		if kind, ok := decoder.KindOf(err); ok {
			outcome = kind.String()
		}
		h.metrics.RecordDecode(path.String(), outcome)

		status, apiErr := decodeErrorToAPIError(err)
		if status == http.StatusInternalServerError {
			writeInternalError(w, h.logger, "トークンの解決で予期しないエラー", err)
			return
		}
		h.logger.Info("トークンを解決できませんでした",
			slog.String("path", path.String()),
			slog.String("error", err.Error()),
			slog.Bool("retryable", apiErr.Retryable),
		)
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	h.metrics.RecordDecode(path.String(), "ok")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resolveResponse{
		Path:       path.String(),
		URL:        decoded.String(),
		DurationMs: float64(duration.Nanoseconds()) / float64(time.Millisecond),
	})
}
