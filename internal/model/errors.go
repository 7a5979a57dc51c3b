package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// Retryableは再試行で成功しうるかを示し、運用者が一時的な失敗と恒久的な失敗を区別できるようにする。
type APIError struct {
	Code      string // エラーコード
	Message   string // エラーメッセージ
	Category  string // カテゴリ: validation, resolve, system
	Action    string // 対処方法
	Retryable bool
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidToken        = "INVALID_TOKEN"
	ErrCodeMissingToken        = "MISSING_TOKEN"
	ErrCodeDestinationRejected = "DESTINATION_REJECTED"
	ErrCodeResolveFailed       = "RESOLVE_FAILED"
	ErrCodeItemNotFound        = "ITEM_NOT_FOUND"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewMissingTokenError はトークン未指定エラーを生成する。
func NewMissingTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingToken,
		Message:  "token または link パラメータが必要です。",
		Category: "validation",
		Action:   "クエリパラメータ token または link を指定してください。",
	}
}

// NewInvalidTokenError はトークン形式不正エラーを生成する。
func NewInvalidTokenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  fmt.Sprintf("トークンを解読できません: %s", reason),
		Category: "validation",
		Action:   "フィードに掲載されたリンクのトークンをそのまま指定してください。",
	}
}

// NewDestinationRejectedError は遷移先URLの拒否エラーを生成する。
func NewDestinationRejectedError(reason string, retryable bool) *APIError {
	return &APIError{
		Code:      ErrCodeDestinationRejected,
		Message:   fmt.Sprintf("セキュリティポリシーにより遷移先URLが拒否されました: %s", reason),
		Category:  "validation",
		Action:    "公開されているWebサイトを指すトークンのみ解決できます。",
		Retryable: retryable,
	}
}

// NewResolveFailedError はリダイレクト解決の失敗エラーを生成する。
func NewResolveFailedError(reason string, retryable bool) *APIError {
	action := "トークンが失効している可能性があります。"
	if retryable {
		action = "しばらく待ってから再度お試しください。"
	}
	return &APIError{
		Code:      ErrCodeResolveFailed,
		Message:   fmt.Sprintf("遷移先URLの解決に失敗しました: %s", reason),
		Category:  "resolve",
		Action:    action,
		Retryable: retryable,
	}
}

// NewItemNotFoundError は記事未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定された記事が見つかりません: %s", itemID),
		Category: "validation",
		Action:   "記事IDを確認してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:      ErrCodeRateLimited,
		Message:   "リクエスト数が上限を超えました。",
		Category:  "system",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:      ErrCodeInternal,
		Message:   "内部エラーが発生しました。",
		Category:  "system",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
	}
}
