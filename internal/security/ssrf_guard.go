package security

import (
	"errors"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// SafeClientFactory はSSRF防止機能付きHTTPクライアントの生成を抽象化する。
// リダイレクト解決とフィード取得の両方で使用される。
type SafeClientFactory interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// ssrfGuard はSafeClientFactoryの実装。
type ssrfGuard struct{}

// NewSSRFGuard はSafeClientFactoryの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはnet.DialerのControlフックで接続直前のIPアドレスを検証するため、
// DestinationValidatorによる事前検証と実際の接続の間にDNS応答が変わっても
// 内部アドレスへは接続しない。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// GuardRejection は接続時にSSRFガードが遮断したエラーをRejectionErrorへ変換する。
// safeurlはダイアル直前にアドレスとポートを検証し、遮断した場合は
// *url.Error と *net.OpError に包まれた独自のエラー型を返す。
// 遮断はいずれも宛先そのものの問題であり、再試行しても結果は変わらない。
func GuardRejection(err error) (*RejectionError, bool) {
	var (
		ipErr   *safeurl.AllowedIPError
		portErr *safeurl.AllowedPortError
		v6Err   *safeurl.IPv6BlockedError
	)
	switch {
	case errors.As(err, &ipErr):
		return &RejectionError{Reason: ReasonBlockedAddress, Detail: ipErr.Error(), Err: err}, true
	case errors.As(err, &portErr):
		return &RejectionError{Reason: ReasonBlockedAddress, Detail: portErr.Error(), Err: err}, true
	case errors.As(err, &v6Err):
		return &RejectionError{Reason: ReasonBlockedAddress, Detail: v6Err.Error(), Err: err}, true
	default:
		return nil, false
	}
}
