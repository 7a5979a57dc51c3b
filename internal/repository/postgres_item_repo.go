package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gnewsresolver/internal/model"
)

// defaultClaimLease は再試行対象として取得した記事をほかのワーカーから隠す時間。
const defaultClaimLease = 5 * time.Minute

// itemColumns はitemsテーブルのSELECT対象カラム。
const itemColumns = `id, feed_id, guid_or_id, title, summary, link, token, status,
	resolved_url, attempt_count, next_attempt_at, last_error,
	published_at, resolved_at, created_at, updated_at`

// PostgresItemRepo はPostgreSQLを使用した記事リポジトリ。
// ItemRepositoryとItemStoreの両方を実装する。
type PostgresItemRepo struct {
	db *sql.DB
	// ClaimLease はListDueForRetryで取得した記事の予約期間。
	// ワーカーが処理中に停止した場合、この期間の経過後に再び取得対象となる。
	ClaimLease time.Duration
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{
		db:         db,
		ClaimLease: defaultClaimLease,
	}
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	item := &model.Item{}
	var summary, resolvedURL, lastError sql.NullString
	var nextAttemptAt, publishedAt, resolvedAt sql.NullTime
	var attemptCount int64

	err := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id,
	).Scan(
		&item.ID, &item.FeedID, &item.GuidOrID, &item.Title, &summary, &item.Link, &item.Token, &item.Status,
		&resolvedURL, &attemptCount, &nextAttemptAt, &lastError,
		&publishedAt, &resolvedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}

	item.Summary = nullStringValue(summary)
	item.ResolvedURL = nullStringValue(resolvedURL)
	item.Retry = model.RetryState{
		AttemptCount:  uint32(attemptCount),
		NextAttemptAt: nullTimePtr(nextAttemptAt),
		LastError:     nullStringValue(lastError),
	}
	item.PublishedAt = nullTimePtr(publishedAt)
	item.ResolvedAt = nullTimePtr(resolvedAt)

	return item, nil
}

// CreateIfNotExists は(feed_id, guid_or_id)が未登録の場合のみ記事を作成する。
// IDが空の場合は新しいUUIDを割り当てる。
func (r *PostgresItemRepo) CreateIfNotExists(ctx context.Context, item *model.Item) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = model.ItemStatusPending
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, feed_id, guid_or_id, title, summary, link, token, status, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (feed_id, guid_or_id) DO NOTHING`,
		item.ID, item.FeedID, item.GuidOrID, item.Title, nullString(item.Summary),
		item.Link, item.Token, item.Status, item.PublishedAt,
	)
	if err != nil {
		return false, fmt.Errorf("記事の作成に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("作成件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// LoadRetryState は記事の再試行状態を取得する。記事が存在しない場合はnilを返す。
func (r *PostgresItemRepo) LoadRetryState(ctx context.Context, itemID string) (*model.RetryState, error) {
	var attemptCount int64
	var nextAttemptAt sql.NullTime
	var lastError sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT attempt_count, next_attempt_at, last_error FROM items WHERE id = $1`,
		itemID,
	).Scan(&attemptCount, &nextAttemptAt, &lastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("再試行状態の取得に失敗しました: %w", err)
	}

	return &model.RetryState{
		AttemptCount:  uint32(attemptCount),
		NextAttemptAt: nullTimePtr(nextAttemptAt),
		LastError:     nullStringValue(lastError),
	}, nil
}

// SaveRetryState は記事の再試行状態を保存する。
func (r *PostgresItemRepo) SaveRetryState(ctx context.Context, itemID string, state model.RetryState) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE items SET
		    attempt_count = $2,
		    next_attempt_at = $3,
		    last_error = $4,
		    updated_at = now()
		 WHERE id = $1`,
		itemID, int64(state.AttemptCount), state.NextAttemptAt, nullString(state.LastError),
	)
	if err != nil {
		return fmt.Errorf("再試行状態の保存に失敗しました: %w", err)
	}
	return nil
}

// ListDueForRetry は next_attempt_at <= now の未解決記事を最大limit件取得する。
// 一度も試行していない記事（next_attempt_at IS NULL）を優先する。
// 取得と同時にnext_attempt_atをnow + ClaimLeaseへ進めることで、並行するワーカーが
// 同じ記事を取得しないようにする。
func (r *PostgresItemRepo) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE items SET next_attempt_at = $2, updated_at = now()
		 WHERE id IN (
		     SELECT id FROM items
		     WHERE status = 'pending'
		       AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		     ORDER BY next_attempt_at ASC NULLS FIRST, created_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id`,
		now, now.Add(r.ClaimLease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("再試行対象記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("再試行対象記事の読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("再試行対象記事の走査に失敗しました: %w", err)
	}

	return ids, nil
}

// MarkPermanentlyFailed は記事を終端失敗として記録する。
func (r *PostgresItemRepo) MarkPermanentlyFailed(ctx context.Context, itemID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE items SET
		    status = 'failed',
		    next_attempt_at = NULL,
		    last_error = $2,
		    updated_at = now()
		 WHERE id = $1`,
		itemID, reason,
	)
	if err != nil {
		return fmt.Errorf("終端失敗の記録に失敗しました: %w", err)
	}
	return nil
}

// MarkSucceeded は遷移先URLと解決済みの状態を1回の更新で記録する。
func (r *PostgresItemRepo) MarkSucceeded(ctx context.Context, itemID, resolvedURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE items SET
		    status = 'resolved',
		    resolved_url = $2,
		    next_attempt_at = NULL,
		    last_error = NULL,
		    resolved_at = now(),
		    updated_at = now()
		 WHERE id = $1`,
		itemID, resolvedURL,
	)
	if err != nil {
		return fmt.Errorf("解決済みの記録に失敗しました: %w", err)
	}
	return nil
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// compile-time interface check
var (
	_ ItemRepository = (*PostgresItemRepo)(nil)
	_ ItemStore      = (*PostgresItemRepo)(nil)
)
