package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gnewsresolver/internal/middleware"
	"github.com/hitoshi/gnewsresolver/internal/model"
)

// ItemFinder は記事の参照を抽象化する。
// repository.ItemRepository がこのインターフェースを満たす。
type ItemFinder interface {
	FindByID(ctx context.Context, id string) (*model.Item, error)
}

// ItemHandler は記事の解決状況を参照するハンドラー。
type ItemHandler struct {
	items  ItemFinder
	logger *slog.Logger
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(items ItemFinder, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{items: items, logger: logger}
}

// itemResponse は記事の解決状況のレスポンス。
type itemResponse struct {
	ID            string     `json:"id"`
	FeedID        string     `json:"feed_id"`
	Title         string     `json:"title"`
	Summary       string     `json:"summary"`
	Link          string     `json:"link"`
	Status        string     `json:"status"`
	ResolvedURL   string     `json:"resolved_url,omitempty"`
	AttemptCount  uint32     `json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// GetItem は記事の解決状況を返す。
// GET /api/items/{id}
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	item, err := h.items.FindByID(r.Context(), itemID)
	if err != nil {
		writeInternalError(w, h.logger, "記事の取得に失敗", err)
		return
	}
	if item == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewItemNotFoundError(itemID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(itemResponse{
		ID:            item.ID,
		FeedID:        item.FeedID,
		Title:         item.Title,
		Summary:       item.Summary,
		Link:          item.Link,
		Status:        string(item.Status),
		ResolvedURL:   item.ResolvedURL,
		AttemptCount:  item.Retry.AttemptCount,
		NextAttemptAt: item.Retry.NextAttemptAt,
		LastError:     item.Retry.LastError,
		PublishedAt:   item.PublishedAt,
		ResolvedAt:    item.ResolvedAt,
		UpdatedAt:     item.UpdatedAt,
	})
}
