// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// MaxURLLength はデコード結果として受け入れるURLの最大長。
const MaxURLLength = 2000

// RejectionReason は遷移先URLを拒否した理由を表す。
type RejectionReason int

const (
	// ReasonMalformed はURLとして解釈できない、またはホストがないことを示す。
	ReasonMalformed RejectionReason = iota + 1
	// ReasonInvalidScheme はhttp/https以外のスキームであることを示す。
	ReasonInvalidScheme
	// ReasonTooLong はURLがMaxURLLengthを超えることを示す。
	ReasonTooLong
	// ReasonUnresolvableHost はホスト名を解決できなかったことを示す。
	ReasonUnresolvableHost
	// ReasonBlockedAddress は解決先アドレスがブロック対象範囲に含まれることを示す。
	ReasonBlockedAddress
)

// String はログやエラーメッセージ用の識別子を返す。
func (r RejectionReason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonInvalidScheme:
		return "invalid_scheme"
	case ReasonTooLong:
		return "too_long"
	case ReasonUnresolvableHost:
		return "unresolvable_host"
	case ReasonBlockedAddress:
		return "blocked_address"
	default:
		return "unknown"
	}
}

// RejectionError はDestinationValidatorが返す拒否エラー。
type RejectionError struct {
	Reason RejectionReason
	Detail string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("destination rejected: %s", e.Reason)
	}
	return fmt.Sprintf("destination rejected: %s: %s", e.Reason, e.Detail)
}

// Unwrap は原因となったエラーを返す。
func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Retryable はDNS解決失敗のみ再試行に値すると判定する。
func (e *RejectionError) Retryable() bool {
	return e.Reason == ReasonUnresolvableHost
}

// ReasonOf はエラーチェーンからRejectionReasonを取り出す。
func ReasonOf(err error) (RejectionReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return 0, false
}

// HostResolver はホスト名のアドレス解決を抽象化する。
// *net.Resolver がこのインターフェースを満たす。
type HostResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// blockedRanges はSSRF防止でブロックされるネットワーク範囲。
var blockedRanges = []cidrBlock{
	// ループバック (RFC 1122)
	mustParseCIDR("127.0.0.0/8", "loopback"),
	// プライベートIPアドレス (RFC 1918)
	mustParseCIDR("10.0.0.0/8", "private"),
	mustParseCIDR("172.16.0.0/12", "private"),
	mustParseCIDR("192.168.0.0/16", "private"),
	// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
	mustParseCIDR("169.254.0.0/16", "link_local"),
	// カレントネットワーク
	mustParseCIDR("0.0.0.0/8", "current_network"),
	// IPv6ループバック
	mustParseCIDR("::1/128", "loopback"),
	// IPv6ユニークローカル
	mustParseCIDR("fc00::/7", "unique_local"),
	// IPv6リンクローカル
	mustParseCIDR("fe80::/10", "link_local"),
}

// DestinationValidator はデコード結果のURLが内部ネットワークを指していないかを検証する。
// 検証は副作用を持たず、DNS応答が同一であれば結果も同一になる。
type DestinationValidator struct {
	resolver  HostResolver
	maxLength int
}

// NewDestinationValidator はDestinationValidatorを生成する。
// resolverがnilの場合はnet.DefaultResolverを使用する。
func NewDestinationValidator(resolver HostResolver) *DestinationValidator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DestinationValidator{
		resolver:  resolver,
		maxLength: MaxURLLength,
	}
}

// Validate はURLを検証し、拒否する場合は*RejectionErrorを返す。
//
// 検証順序:
//  1. パース（失敗はMalformed）
//  2. スキームがhttp/httpsであること（InvalidScheme）
//  3. ホストが空でないこと（Malformed）
//  4. 長さがMaxURLLength以下であること（TooLong）
//  5. ホストの名前解決（UnresolvableHost）
//  6. 解決された全アドレスがブロック対象外であること（BlockedAddress）
func (v *DestinationValidator) Validate(ctx context.Context, rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return &RejectionError{Reason: ReasonMalformed, Detail: "empty URL"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &RejectionError{Reason: ReasonMalformed, Detail: "unparseable URL", Err: err}
	}

	// スキーム検証はホスト検証より先に行う（javascript:, data: 等はホストを持たない）
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &RejectionError{
			Reason: ReasonInvalidScheme,
			Detail: fmt.Sprintf("scheme %q is not allowed", parsed.Scheme),
		}
	}

	host := parsed.Hostname()
	if host == "" {
		return &RejectionError{Reason: ReasonMalformed, Detail: "missing host"}
	}

	if len(parsed.String()) > v.maxLength {
		return &RejectionError{
			Reason: ReasonTooLong,
			Detail: fmt.Sprintf("length %d exceeds %d", len(parsed.String()), v.maxLength),
		}
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return err
	}

	for _, ip := range addrs {
		if label, blocked := blockedLabel(ip); blocked {
			return &RejectionError{
				Reason: ReasonBlockedAddress,
				Detail: fmt.Sprintf("%s resolves to %s (%s)", host, ip, label),
			}
		}
	}

	return nil
}

// resolve はホストをアドレスへ解決する。IPリテラルはDNSを使わずそのまま返す。
func (v *DestinationValidator) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, &RejectionError{Reason: ReasonMalformed, Detail: "invalid hostname", Err: err}
	}

	// localhostはリゾルバ設定に依存させず拒否する
	if isBlockedHostname(asciiHost) {
		return nil, &RejectionError{
			Reason: ReasonBlockedAddress,
			Detail: fmt.Sprintf("blocked host: %s", asciiHost),
		}
	}

	answers, err := v.resolver.LookupIPAddr(ctx, asciiHost)
	if err != nil {
		return nil, &RejectionError{
			Reason: ReasonUnresolvableHost,
			Detail: asciiHost,
			Err:    err,
		}
	}
	if len(answers) == 0 {
		return nil, &RejectionError{Reason: ReasonUnresolvableHost, Detail: asciiHost + ": empty answer"}
	}

	ips := make([]net.IP, 0, len(answers))
	for _, a := range answers {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// blockedLabel はアドレスがブロック対象範囲に含まれる場合、その分類名を返す。
func blockedLabel(ip net.IP) (string, bool) {
	addr := canonicalAddr(ip)
	if addr == nil {
		return "invalid", true
	}
	for _, block := range blockedRanges {
		if block.contains(addr) {
			return block.label, true
		}
	}
	return "", false
}

// IsBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func IsBlockedIP(ip net.IP) bool {
	_, blocked := blockedLabel(ip)
	return blocked
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return true
		}
	}
	return false
}
