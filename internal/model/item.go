// Package model はドメインモデルを定義する。
package model

import "time"

// ItemStatus は記事のリンク解決状態を表す。
type ItemStatus string

const (
	// ItemStatusPending は未解決または再試行待ちの状態。
	ItemStatusPending ItemStatus = "pending"
	// ItemStatusResolved は遷移先URLの解決に成功した状態。
	ItemStatusResolved ItemStatus = "resolved"
	// ItemStatusFailed は再試行しない終端失敗の状態。
	ItemStatusFailed ItemStatus = "failed"
)

// Item はフィードから取得した記事を表す。
// Linkはフィードに掲載されたリダイレクト用リンク、Tokenはそこから抽出したトークン。
type Item struct {
	ID          string
	FeedID      string
	GuidOrID    string
	Title       string
	Summary     string // サニタイズ済み
	Link        string
	Token       string
	Status      ItemStatus
	ResolvedURL string
	Retry       RetryState
	PublishedAt *time.Time
	ResolvedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RetryState は記事ごとの再試行の記録。
// ゼロ値は一度も失敗していない状態を表す。
type RetryState struct {
	AttemptCount  uint32
	NextAttemptAt *time.Time // 終端状態ではnil
	LastError     string
}

// IsTerminal はこれ以上再試行を予定しない状態かを返す。
func (s RetryState) IsTerminal() bool {
	return s.NextAttemptAt == nil && s.AttemptCount > 0
}

// ParsedItem はフィードパーサーから取得した未保存の記事データを表す。
// 取り込みワーカーがフィードをパースした後、リポジトリに渡される。
type ParsedItem struct {
	GuidOrID    string
	Title       string
	Link        string
	Summary     string // 未サニタイズ
	PublishedAt *time.Time
}
