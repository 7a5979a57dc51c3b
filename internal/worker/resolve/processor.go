package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/metrics"
	"github.com/hitoshi/gnewsresolver/internal/model"
	"github.com/hitoshi/gnewsresolver/internal/repository"
	"github.com/hitoshi/gnewsresolver/internal/retry"
)

// Outcome は記事1件の処理結果。
type Outcome int

const (
	// OutcomeSkipped は処理対象外だったことを示す（削除済み、解決済みなど）。
	OutcomeSkipped Outcome = iota
	// OutcomeResolved は遷移先URLの解決に成功したことを示す。
	OutcomeResolved
	// OutcomeScheduled は失敗し、再試行が予定されたことを示す。
	OutcomeScheduled
	// OutcomeTerminal は失敗し、これ以上再試行しないことを示す。
	OutcomeTerminal
)

// String はログ用の表記を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeScheduled:
		return "scheduled"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "skipped"
	}
}

// TokenDecoder はトークンのデコードを抽象化する。
// *decoder.TokenDecoder がこのインターフェースを満たす。
type TokenDecoder interface {
	Decode(ctx context.Context, token string) (decoder.DecodedURL, error)
}

// Processor は記事1件のトークンを解決し、結果に応じて再試行状態を更新する。
type Processor struct {
	items        repository.ItemRepository
	store        repository.ItemStore
	decoder      TokenDecoder
	orchestrator *retry.Orchestrator
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
}

// NewProcessor はProcessorを生成する。
func NewProcessor(
	items repository.ItemRepository,
	store repository.ItemStore,
	dec TokenDecoder,
	orchestrator *retry.Orchestrator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Processor {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Processor{
		items:        items,
		store:        store,
		decoder:      dec,
		orchestrator: orchestrator,
		metrics:      collector,
		logger:       logger,
	}
}

// Process は記事のトークンをデコードする。
// 成功時は遷移先URLを保存して解決済みにし、失敗時は永続化された最新の再試行状態から
// 次の状態を計算して保存する。終端状態に達した記事は恒久失敗として記録する。
// 親コンテキストのキャンセルによる中断は試行として数えず、エラーを返す。
func (p *Processor) Process(ctx context.Context, itemID string) (Outcome, error) {
	item, err := p.items.FindByID(ctx, itemID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("記事の取得に失敗: %w", err)
	}
	if item == nil || item.Status != model.ItemStatusPending {
		return OutcomeSkipped, nil
	}

	start := time.Now()
	decoded, decodeErr := p.decoder.Decode(ctx, item.Token)
	duration := time.Since(start)
	p.metrics.RecordResolveLatency(duration)

	path := decoder.PathOf(item.Token).String()
	if decodeErr == nil {
		p.metrics.RecordDecode(path, "ok")
		return p.succeed(ctx, item, decoded, duration)
	}

	if kind, ok := decoder.KindOf(decodeErr); ok {
		p.metrics.RecordDecode(path, kind.String())
	}

	if ctx.Err() != nil {
		return OutcomeSkipped, fmt.Errorf("処理が中断されました: %w", errors.Join(ctx.Err(), decodeErr))
	}

	return p.fail(ctx, item, decodeErr)
}

func (p *Processor) succeed(ctx context.Context, item *model.Item, decoded decoder.DecodedURL, duration time.Duration) (Outcome, error) {
	if err := p.store.MarkSucceeded(ctx, item.ID, decoded.String()); err != nil {
		return OutcomeSkipped, fmt.Errorf("解決済みの記録に失敗: %w", err)
	}
	p.metrics.RecordRetryTransition(metrics.TransitionSucceeded)

	p.logger.Info("遷移先URLを解決しました",
		slog.String("item_id", item.ID),
		slog.String("resolved_url", decoded.String()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return OutcomeResolved, nil
}

func (p *Processor) fail(ctx context.Context, item *model.Item, decodeErr error) (Outcome, error) {
	// 並行する更新があっても最新の状態から遷移させる
	current, err := p.store.LoadRetryState(ctx, item.ID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("再試行状態の取得に失敗: %w", err)
	}
	if current == nil {
		return OutcomeSkipped, nil
	}

	next := p.orchestrator.NextStateForError(*current, decodeErr)
	if err := p.store.SaveRetryState(ctx, item.ID, next); err != nil {
		return OutcomeSkipped, fmt.Errorf("再試行状態の保存に失敗: %w", err)
	}

	if next.IsTerminal() {
		if err := p.store.MarkPermanentlyFailed(ctx, item.ID, next.LastError); err != nil {
			return OutcomeSkipped, fmt.Errorf("恒久失敗の記録に失敗: %w", err)
		}
		p.metrics.RecordRetryTransition(metrics.TransitionTerminal)
		p.logger.Warn("遷移先URLの解決を断念しました",
			slog.String("item_id", item.ID),
			slog.Int("attempt_count", int(next.AttemptCount)),
			slog.String("error", next.LastError),
		)
		return OutcomeTerminal, nil
	}

	p.metrics.RecordRetryTransition(metrics.TransitionScheduled)
	p.logger.Info("遷移先URLの解決を再試行します",
		slog.String("item_id", item.ID),
		slog.Int("attempt_count", int(next.AttemptCount)),
		slog.Time("next_attempt_at", *next.NextAttemptAt),
		slog.String("error", next.LastError),
	)
	return OutcomeScheduled, nil
}
