package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/gnewsresolver/internal/model"
)

// feedColumns はfeedsテーブルのSELECT対象カラム。
const feedColumns = `id, feed_url, title, etag, last_modified, fetch_status,
	consecutive_errors, error_message, next_fetch_at, created_at, updated_at`

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanFeed は1行分のフィードを読み取る。
func scanFeed(row rowScanner) (*model.Feed, error) {
	feed := &model.Feed{}
	var etag, lastModified, errorMessage sql.NullString

	if err := row.Scan(
		&feed.ID, &feed.FeedURL, &feed.Title, &etag, &lastModified, &feed.FetchStatus,
		&feed.ConsecutiveErrors, &errorMessage, &feed.NextFetchAt, &feed.CreatedAt, &feed.UpdatedAt,
	); err != nil {
		return nil, err
	}

	feed.ETag = nullStringValue(etag)
	feed.LastModified = nullStringValue(lastModified)
	feed.ErrorMessage = nullStringValue(errorMessage)
	return feed, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// Upsert は設定されたフィードURLを登録し、登録済みのフィードを返す。
// 競合時は既存行を更新せずに返すため、フェッチ状態は保持される。
func (r *PostgresFeedRepo) Upsert(ctx context.Context, feedURL string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`INSERT INTO feeds (id, feed_url)
		 VALUES ($1, $2)
		 ON CONFLICT (feed_url) DO UPDATE SET feed_url = EXCLUDED.feed_url
		 RETURNING `+feedColumns,
		uuid.NewString(), feedURL,
	))
	if err != nil {
		return nil, fmt.Errorf("フィードの登録に失敗しました: %w", err)
	}
	return feed, nil
}

// ListDueForFetch はフェッチ対象のフィードを取得する。
func (r *PostgresFeedRepo) ListDueForFetch(ctx context.Context) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+`
		 FROM feeds
		 WHERE next_fetch_at <= now()
		   AND fetch_status = 'active'
		 ORDER BY next_fetch_at ASC
		 FOR UPDATE SKIP LOCKED`,
	)
	if err != nil {
		return nil, fmt.Errorf("フェッチ対象フィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フェッチ対象フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フェッチ対象フィードの走査に失敗しました: %w", err)
	}

	return feeds, nil
}

// UpdateFetchState はフィードのフェッチ状態を更新する。
func (r *PostgresFeedRepo) UpdateFetchState(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    title = $2,
		    fetch_status = $3,
		    consecutive_errors = $4,
		    error_message = $5,
		    next_fetch_at = $6,
		    etag = $7,
		    last_modified = $8,
		    updated_at = now()
		 WHERE id = $1`,
		feed.ID,
		feed.Title,
		feed.FetchStatus,
		feed.ConsecutiveErrors,
		nullString(feed.ErrorMessage),
		feed.NextFetchAt,
		nullString(feed.ETag),
		nullString(feed.LastModified),
	)
	if err != nil {
		return fmt.Errorf("フェッチ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
