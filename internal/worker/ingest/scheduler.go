// Package ingest は取り込み対象フィードの定期フェッチと記事登録を提供する。
// スケジューラ、フェッチャー、フィード単位のバックオフ戦略を含む。
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/model"
	"github.com/hitoshi/gnewsresolver/internal/repository"
)

// FeedFetcherService はフィードフェッチの実行インターフェース。
type FeedFetcherService interface {
	// Fetch は指定フィードをフェッチし、結果に応じてフィード状態を更新する。
	Fetch(ctx context.Context, feed *model.Feed) error
}

// Scheduler はフィードフェッチのスケジューリングと並列制御を行う。
// 一定間隔のティッカーでフェッチ対象フィードを取得し、
// semaphoreパターンで最大並列数を制御しながらフェッチを実行する。
type Scheduler struct {
	feedRepo       repository.FeedRepository
	fetcher        FeedFetcherService
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	feedRepo repository.FeedRepository,
	fetcher FeedFetcherService,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		feedRepo:       feedRepo,
		fetcher:        fetcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// RegisterFeeds は設定されたフィードURLを登録する。登録済みのURLはそのまま残る。
func (s *Scheduler) RegisterFeeds(ctx context.Context, feedURLs []string) error {
	for _, u := range feedURLs {
		feed, err := s.feedRepo.Upsert(ctx, u)
		if err != nil {
			return fmt.Errorf("フィードの登録に失敗しました (%s): %w", u, err)
		}
		s.logger.Info("フィードを登録しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.String("fetch_status", string(feed.FetchStatus)),
		)
	}
	return nil
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("フェッチスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("フェッチサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("フェッチスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("フェッチサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はフェッチ対象フィードを1回取得し、並列でフェッチを実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	feeds, err := s.feedRepo.ListDueForFetch(ctx)
	if err != nil {
		return err
	}

	if len(feeds) == 0 {
		s.logger.Debug("フェッチ対象のフィードはありません")
		return nil
	}

	s.logger.Info("フェッチサイクルを開始します",
		slog.Int("feed_count", len(feeds)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, feed := range feeds {
		wg.Add(1)
		sem <- struct{}{}

		go func(f *model.Feed) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.fetcher.Fetch(ctx, f); err != nil {
				s.logger.Error("フィードフェッチに失敗しました",
					slog.String("feed_id", f.ID),
					slog.String("feed_url", f.FeedURL),
					slog.String("error", err.Error()),
				)
			}
		}(feed)
	}

	wg.Wait()

	s.logger.Info("フェッチサイクルが完了しました",
		slog.Int("feed_count", len(feeds)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
