package decoder

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hitoshi/gnewsresolver/internal/security"
)

// Kind はデコード失敗の種別を表す。
type Kind int

const (
	// KindInvalidEncoding はbase64として不正なペイロード。
	KindInvalidEncoding Kind = iota + 1
	// KindTruncated はレコードの長さ指定がバッファを超えている。
	KindTruncated
	// KindNoURLFound はレコード中にURLとして解釈できるフィールドがない。
	KindNoURLFound
	// KindNotRecognized はどちらの形式のトークンでもない。
	KindNotRecognized
	// KindNetworkFailure はリダイレクト解決中の通信失敗。
	KindNetworkFailure
	// KindRejected は遷移先URLがDestinationValidatorに拒否された。
	KindRejected
)

// String はログやエラーメッセージ用の識別子を返す。
func (k Kind) String() string {
	switch k {
	case KindInvalidEncoding:
		return "invalid encoding"
	case KindTruncated:
		return "truncated"
	case KindNoURLFound:
		return "no url found"
	case KindNotRecognized:
		return "not recognized"
	case KindNetworkFailure:
		return "network failure"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Path はトークンの形式を表す。
type Path int

const (
	// PathUnknown は形式を判定できなかったトークン。
	PathUnknown Path = iota
	// PathLegacy はマーカー付きbase64レコード形式。
	PathLegacy
	// PathModern はネットワーク越しの解決が必要な形式。
	PathModern
)

// String はログやメトリクスのラベル用の識別子を返す。
func (p Path) String() string {
	switch p {
	case PathLegacy:
		return "legacy"
	case PathModern:
		return "modern"
	default:
		return "unknown"
	}
}

var (
	// ErrUnsafeRedirect はhttp/https以外のスキームへのリダイレクトを示す。
	ErrUnsafeRedirect = errors.New("redirect to non-http(s) scheme refused")
	// ErrTooManyRedirects はリダイレクト回数の上限超過を示す。
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrNoResolver はRedirectResolverが設定されていないことを示す。
	ErrNoResolver = errors.New("redirect resolver not configured")
)

// DecodeError はTokenDecoderが返すエラー。
type DecodeError struct {
	Kind Kind
	Path Path
	// Reason はKindRejectedの場合の拒否理由。
	Reason security.RejectionReason
	// Timeout はタイムアウトまたはキャンセルによる失敗かを示す。
	Timeout bool
	// StatusCode はリゾルバが受け取ったHTTPステータス（不明な場合は0）。
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("%s token: %s", e.Path, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因となったエラーを返す。
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Retryable は時間をおいて再試行すれば成功しうる失敗かを返す。
// 形式エラーとスキームやアドレスによる拒否は恒久的な失敗として扱う。
func (e *DecodeError) Retryable() bool {
	switch e.Kind {
	case KindNetworkFailure:
		if errors.Is(e.Err, ErrTooManyRedirects) || errors.Is(e.Err, ErrNoResolver) {
			return false
		}
		switch e.StatusCode {
		case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			return false
		}
		return true
	case KindRejected:
		return e.Reason == security.ReasonUnresolvableHost
	default:
		return false
	}
}

// KindOf はエラーチェーンからKindを取り出す。
func KindOf(err error) (Kind, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

// ResolverError はRedirectResolverが返すエラー。
type ResolverError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *ResolverError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("resolve %s: HTTP %d: %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("resolve %s: failed", e.URL)
}

// Unwrap は原因となったエラーを返す。
func (e *ResolverError) Unwrap() error {
	return e.Err
}
