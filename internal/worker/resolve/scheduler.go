// Package resolve は未解決記事のトークン解決と再試行のスケジューリングを提供する。
package resolve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/repository"
	"github.com/hitoshi/gnewsresolver/internal/retry"
)

const (
	// DefaultWorkers はデフォルトのワーカー数。
	DefaultWorkers = 2
	// DefaultBatchSize は1サイクルで取得する記事数の上限。
	DefaultBatchSize = 50
)

// ItemProcessor は記事1件の処理を抽象化する。
type ItemProcessor interface {
	Process(ctx context.Context, itemID string) (Outcome, error)
}

// SchedulerConfig はSchedulerの設定。
type SchedulerConfig struct {
	// Workers は並行に処理するワーカー数。各ワーカーは自身のRateWindowを持つ。
	Workers int
	// MinInterval はワーカーごとの処理間隔の下限。0の場合は制限しない。
	MinInterval time.Duration
	// BatchSize は1サイクルで取得する記事数の上限。
	BatchSize int
}

// Scheduler は再試行時刻を迎えた記事を定期的に取得し、ワーカーへ分配する。
type Scheduler struct {
	store        repository.ItemStore
	processor    ItemProcessor
	orchestrator *retry.Orchestrator
	clock        retry.Clock
	logger       *slog.Logger
	cfg          SchedulerConfig

	// windows はワーカーごとのRateWindow。windows[i]はワーカーiだけが参照する。
	windows []retry.RateWindow
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(
	store repository.ItemStore,
	processor ItemProcessor,
	orchestrator *retry.Orchestrator,
	clock retry.Clock,
	logger *slog.Logger,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if clock == nil {
		clock = retry.SystemClock{}
	}
	return &Scheduler{
		store:        store,
		processor:    processor,
		orchestrator: orchestrator,
		clock:        clock,
		logger:       logger,
		cfg:          cfg,
		windows:      make([]retry.RateWindow, cfg.Workers),
	}
}

// Start は指定間隔で RunOnce を繰り返す。コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("解決スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("workers", s.cfg.Workers),
		slog.Duration("min_interval", s.cfg.MinInterval),
	)

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("解決サイクルの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("解決スケジューラを停止しました")
			return
		case <-ticker.C:
		}
	}
}

// Summary は1サイクルの処理件数。
type Summary struct {
	Resolved  int
	Scheduled int
	Terminal  int
	Skipped   int
	Errors    int
}

// RunOnce は再試行時刻を迎えた記事を取得し、ワーカーで処理する。
// 全記事の処理が終わるまで待機する。
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	start := time.Now()

	ids, err := s.store.ListDueForRetry(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return summary, err
	}
	if len(ids) == 0 {
		return summary, nil
	}

	s.logger.Info("解決サイクルを開始します", slog.Int("item_count", len(ids)))

	queue := make(chan string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(window *retry.RateWindow) {
			defer wg.Done()
			for id := range queue {
				if !s.waitForWindow(ctx, window) {
					continue
				}
				window.Record(s.clock.Now())

				outcome, err := s.processor.Process(ctx, id)

				mu.Lock()
				if err != nil {
					summary.Errors++
				} else {
					summary.add(outcome)
				}
				mu.Unlock()

				if err != nil && ctx.Err() == nil {
					s.logger.Error("記事の処理に失敗しました",
						slog.String("item_id", id),
						slog.String("error", err.Error()),
					)
				}
			}
		}(&s.windows[i])
	}

dispatch:
	for _, id := range ids {
		select {
		case queue <- id:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()

	s.logger.Info("解決サイクルが完了しました",
		slog.Int("item_count", len(ids)),
		slog.Int("resolved", summary.Resolved),
		slog.Int("scheduled", summary.Scheduled),
		slog.Int("terminal", summary.Terminal),
		slog.Int("errors", summary.Errors),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return summary, ctx.Err()
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeResolved:
		s.Resolved++
	case OutcomeScheduled:
		s.Scheduled++
	case OutcomeTerminal:
		s.Terminal++
	default:
		s.Skipped++
	}
}

// waitForWindow はワーカーのRateWindowが処理を許可するまで待機する。
// コンテキストがキャンセルされた場合はfalseを返す。
func (s *Scheduler) waitForWindow(ctx context.Context, window *retry.RateWindow) bool {
	for !s.orchestrator.CanProceed(window, s.cfg.MinInterval) {
		wait := s.cfg.MinInterval - s.clock.Now().Sub(window.Last())
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return ctx.Err() == nil
}
