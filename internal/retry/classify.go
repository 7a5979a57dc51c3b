package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// FailureClass は失敗が再試行に値するかの分類。
type FailureClass int

const (
	// Retryable は時間をおけば成功しうる失敗。
	Retryable FailureClass = iota
	// Permanent は再試行しても成功しない失敗。
	Permanent
)

// String はログ用の識別子を返す。
func (c FailureClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "retryable"
}

// classifyRule はエラー文字列の部分一致ルール。
type classifyRule struct {
	pattern string
	class   FailureClass
}

// classifyRules は上から順に評価される。
// 恒久失敗のルールを先に置き、"unresolvable_host" のような例外は該当ルールより前に置く。
// どれにも一致しない文字列は Retryable として扱う。
var classifyRules = []classifyRule{
	{"unresolvable_host", Retryable},
	{"http 404", Permanent},
	{"http 403", Permanent},
	{"http 410", Permanent},
	{"not found", Permanent},
	{"forbidden", Permanent},
	{"malformed", Permanent},
	{"invalid url", Permanent},
	{"invalid_scheme", Permanent},
	{"invalid scheme", Permanent},
	{"unsupported protocol scheme", Permanent},
	{"ssrf", Permanent},
	{"destination rejected", Permanent},
	{"blocked_address", Permanent},
	{"too_long", Permanent},
	{"no content", Permanent},
	{"no url found", Permanent},
	{"invalid encoding", Permanent},
	{"truncated", Permanent},
	{"not recognized", Permanent},

	{"timeout", Retryable},
	{"timed out", Retryable},
	{"deadline exceeded", Retryable},
	{"connection refused", Retryable},
	{"connection reset", Retryable},
	{"http 429", Retryable},
	{"too many requests", Retryable},
	{"http 502", Retryable},
	{"http 503", Retryable},
	{"http 504", Retryable},
	{"no such host", Retryable},
	{"dns", Retryable},
}

// Classify はエラーの説明文を分類する。大文字小文字は区別しない。
// 型情報を持つエラーにはClassifyErrorを使うこと。文字列照合はその代替手段である。
func Classify(desc string) FailureClass {
	lower := strings.ToLower(desc)
	for _, rule := range classifyRules {
		if strings.Contains(lower, rule.pattern) {
			return rule.class
		}
	}
	return Retryable
}

// retryabler は自身が再試行可能かを知っているエラー。
type retryabler interface {
	Retryable() bool
}

// ClassifyError はエラーの型情報を優先して分類し、判断できない場合はメッセージ文字列で分類する。
// nil は Retryable として扱う。
func ClassifyError(err error) FailureClass {
	if err == nil {
		return Retryable
	}

	var r retryabler
	if errors.As(err, &r) {
		if r.Retryable() {
			return Retryable
		}
		return Permanent
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	return Classify(err.Error())
}
