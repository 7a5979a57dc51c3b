package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/metrics"
	"github.com/hitoshi/gnewsresolver/internal/model"
	"github.com/hitoshi/gnewsresolver/internal/repository"
	"github.com/hitoshi/gnewsresolver/internal/security"
)

const (
	// DefaultFetchTimeout はフィード取得1回あたりのタイムアウト。
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxBodySize はフィードのレスポンスボディの上限。
	DefaultMaxBodySize int64 = 5 * 1024 * 1024
	// DefaultFetchInterval は成功時の次回フェッチまでの間隔。
	DefaultFetchInterval = 30 * time.Minute
)

// URLValidator はフィードURLの宛先検証を抽象化する。
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// FetcherConfig はFetcherの設定。ゼロ値はデフォルト値で補われる。
type FetcherConfig struct {
	Timeout     time.Duration
	MaxBodySize int64
	Interval    time.Duration
}

// Fetcher は個別フィードのHTTPフェッチとパースを行う。
// ETag/Last-Modifiedを使用した条件付きGET、宛先検証、gofeedによるパースを行い、
// リンクからトークンを取り出せた記事を未解決状態で登録する。
type Fetcher struct {
	feedRepo  repository.FeedRepository
	itemRepo  repository.ItemRepository
	validator URLValidator
	clients   security.SafeClientFactory
	sanitizer security.SummarySanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       FetcherConfig
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	feedRepo repository.FeedRepository,
	itemRepo repository.ItemRepository,
	validator URLValidator,
	clients security.SafeClientFactory,
	sanitizer security.SummarySanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg FetcherConfig,
) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFetchInterval
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Fetcher{
		feedRepo:  feedRepo,
		itemRepo:  itemRepo,
		validator: validator,
		clients:   clients,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		cfg:       cfg,
	}
}

// Fetch はフィードをフェッチし、結果に応じてフィード状態を更新する。
// FeedFetcherServiceインターフェースを実装する。
func (f *Fetcher) Fetch(ctx context.Context, feed *model.Feed) error {
	start := time.Now()

	if err := f.validator.Validate(ctx, feed.FeedURL); err != nil {
		f.logger.Error("フィードURLの宛先検証に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordFetchFailure(feed.ID, "destination")
		if rej, ok := security.ReasonOf(err); ok && rej == security.ReasonUnresolvableHost {
			ApplyBackoff(feed, fmt.Sprintf("宛先検証失敗: %s", err.Error()))
		} else {
			ApplyStopFeed(feed, fmt.Sprintf("宛先検証失敗: %s", err.Error()))
		}
		f.saveState(ctx, feed)
		return fmt.Errorf("宛先検証に失敗: %w", err)
	}

	client := f.clients.NewSafeClient(f.cfg.Timeout, f.cfg.MaxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.FeedURL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", "gnewsresolver/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.String("error", err.Error()),
		)
		// 事前検証後にDNS応答が変わり接続時に遮断された場合は、宛先検証失敗と同様に停止する
		if rej, ok := security.GuardRejection(err); ok {
			f.metrics.RecordFetchFailure(feed.ID, "destination")
			ApplyStopFeed(feed, fmt.Sprintf("宛先検証失敗: %s", rej.Error()))
			f.saveState(ctx, feed)
			return fmt.Errorf("宛先検証に失敗: %w", rej)
		}
		f.metrics.RecordFetchFailure(feed.ID, "http")
		ApplyBackoff(feed, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		f.saveState(ctx, feed)
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	f.metrics.RecordHTTPStatus(resp.StatusCode)
	f.metrics.RecordFetchLatency(duration)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		f.logger.Info("フィードは未変更です（304）",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		f.metrics.RecordFetchSuccess(feed.ID)
		ApplySuccess(feed, f.cfg.Interval)
		return f.feedRepo.UpdateFetchState(ctx, feed)

	case FetchResultStop:
		reason := fmt.Sprintf("HTTPステータス %d によりフェッチを停止しました", resp.StatusCode)
		f.logger.Warn("フィードフェッチを停止します",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("http_status", resp.StatusCode),
		)
		f.metrics.RecordFetchFailure(feed.ID, "stopped")
		ApplyStopFeed(feed, reason)
		return f.feedRepo.UpdateFetchState(ctx, feed)

	case FetchResultBackoff:
		f.logger.Warn("フィードフェッチにバックオフを適用します",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", feed.ConsecutiveErrors+1),
		)
		f.metrics.RecordFetchFailure(feed.ID, "backoff")
		ApplyBackoff(feed, fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode))
		return f.feedRepo.UpdateFetchState(ctx, feed)

	case FetchResultOK:
	default:
		f.logger.Warn("予期しないHTTPステータスコード",
			slog.String("feed_id", feed.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		f.metrics.RecordFetchFailure(feed.ID, "unexpected_status")
		ApplyBackoff(feed, fmt.Sprintf("予期しないHTTPステータス: %d", resp.StatusCode))
		return f.feedRepo.UpdateFetchState(ctx, feed)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodySize))
	if err != nil {
		f.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordFetchFailure(feed.ID, "http")
		ApplyBackoff(feed, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		return f.feedRepo.UpdateFetchState(ctx, feed)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		feed.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		feed.LastModified = lastMod
	}

	parsedFeed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordFetchFailure(feed.ID, "parse")
		ApplyParseFailure(feed, err.Error(), f.cfg.Interval)
		f.saveState(ctx, feed)
		return nil // パース失敗はカウントして継続
	}

	if parsedFeed.Title != "" {
		feed.Title = parsedFeed.Title
	}

	parsedItems := convertGofeedItems(parsedFeed.Items)
	inserted, skipped, err := f.storeItems(ctx, feed.ID, parsedItems)
	if err != nil {
		f.logger.Error("記事の登録に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordFetchFailure(feed.ID, "store")
		ApplyBackoff(feed, fmt.Sprintf("記事登録失敗: %s", err.Error()))
		f.saveState(ctx, feed)
		return fmt.Errorf("記事の登録に失敗: %w", err)
	}
	f.metrics.RecordItemsIngested(inserted)
	f.metrics.RecordFetchSuccess(feed.ID)

	ApplySuccess(feed, f.cfg.Interval)
	if err := f.feedRepo.UpdateFetchState(ctx, feed); err != nil {
		f.logger.Error("フィード状態の更新に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	f.logger.Info("フィードフェッチが完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.FeedURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("items_inserted", inserted),
		slog.Int("items_skipped", skipped),
		slog.Int("items_total", len(parsedItems)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// storeItems はトークンを取り出せた記事を未解決状態で登録する。
// 新規登録数と、トークンを持たないため登録しなかった記事数を返す。
func (f *Fetcher) storeItems(ctx context.Context, feedID string, items []model.ParsedItem) (int, int, error) {
	inserted, skipped := 0, 0
	for _, p := range items {
		token, ok := decoder.TokenFromLink(p.Link)
		if !ok {
			skipped++
			f.logger.Debug("トークンを含まないリンクをスキップしました",
				slog.String("feed_id", feedID),
				slog.String("link", p.Link),
			)
			continue
		}

		item := &model.Item{
			FeedID:      feedID,
			GuidOrID:    p.GuidOrID,
			Title:       p.Title,
			Summary:     f.sanitizer.Sanitize(p.Summary),
			Link:        p.Link,
			Token:       token,
			Status:      model.ItemStatusPending,
			PublishedAt: p.PublishedAt,
		}
		created, err := f.itemRepo.CreateIfNotExists(ctx, item)
		if err != nil {
			return inserted, skipped, err
		}
		if created {
			inserted++
		}
	}
	return inserted, skipped, nil
}

// saveState はフィード状態を保存し、失敗はログに記録するのみとする。
func (f *Fetcher) saveState(ctx context.Context, feed *model.Feed) {
	if err := f.feedRepo.UpdateFetchState(ctx, feed); err != nil {
		f.logger.Error("フィード状態の更新に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
	}
}

// convertGofeedItems はgofeedの記事をmodel.ParsedItemに変換する。
func convertGofeedItems(items []*gofeed.Item) []model.ParsedItem {
	parsedItems := make([]model.ParsedItem, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		parsed := model.ParsedItem{
			GuidOrID: item.GUID,
			Title:    item.Title,
			Link:     strings.TrimSpace(item.Link),
			Summary:  item.Description,
		}

		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			parsed.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			parsed.PublishedAt = &t
		}

		// Linkがない場合はGUIDをリンクとして扱う
		if parsed.Link == "" && strings.Contains(parsed.GuidOrID, "/") {
			parsed.Link = parsed.GuidOrID
		}
		// GUIDがない場合はリンクで重複判定する
		if parsed.GuidOrID == "" {
			parsed.GuidOrID = parsed.Link
		}
		if parsed.GuidOrID == "" {
			continue
		}

		parsedItems = append(parsedItems, parsed)
	}

	return parsedItems
}
