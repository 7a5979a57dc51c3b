// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/model"
)

// FeedRepository は取り込み対象フィードの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// Upsert は設定されたフィードURLを登録し、登録済みのフィードを返す。
	// 既に存在する場合は既存の行をそのまま返す。
	Upsert(ctx context.Context, feedURL string) (*model.Feed, error)

	// ListDueForFetch はフェッチ対象のフィードを取得する。
	// next_fetch_at <= now() かつ fetch_status = 'active' のフィードを
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForFetch(ctx context.Context) ([]*model.Feed, error)

	// UpdateFetchState はフィードのフェッチ状態を更新する。
	// title、fetch_status、consecutive_errors、error_message、next_fetch_at、etag、last_modifiedを更新する。
	UpdateFetchState(ctx context.Context, feed *model.Feed) error
}

// ItemRepository は記事データの永続化インターフェース。
type ItemRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Item, error)

	// CreateIfNotExists は(feed_id, guid_or_id)が未登録の場合のみ記事を作成する。
	// 作成した場合はtrueを返す。
	CreateIfNotExists(ctx context.Context, item *model.Item) (bool, error)
}

// ItemStore は記事ごとの再試行状態を読み書きするインターフェース。
// 再試行方針の計算はretryパッケージが行い、ここでは永続化のみを扱う。
type ItemStore interface {
	// LoadRetryState は記事の再試行状態を取得する。記事が存在しない場合はnilを返す。
	// 一度も失敗していない記事はゼロ値の状態を返す。
	LoadRetryState(ctx context.Context, itemID string) (*model.RetryState, error)

	// SaveRetryState は記事の再試行状態を保存する。
	SaveRetryState(ctx context.Context, itemID string, state model.RetryState) error

	// ListDueForRetry は next_attempt_at <= now の未解決記事を最大limit件取得する。
	// 取得した記事は一定時間ほかのワーカーから取得されないよう予約される。
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]string, error)

	// MarkPermanentlyFailed は記事を終端失敗として記録する。
	MarkPermanentlyFailed(ctx context.Context, itemID, reason string) error

	// MarkSucceeded は遷移先URLと解決済みの状態を1回の更新で記録する。
	MarkSucceeded(ctx context.Context, itemID, resolvedURL string) error
}
