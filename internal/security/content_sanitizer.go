package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// SummarySanitizer はフィード記事の概要HTMLをプレーンテキストへ変換する。
// ニュース集約フィードのdescriptionは関連記事リンクのHTML断片を含むため、
// 保存前にタグをすべて取り除く。
type SummarySanitizer interface {
	Sanitize(rawHTML string) string
}

// summarySanitizer はSummarySanitizerの実装。
// bluemondayのStrictPolicyは並行利用に対して安全である。
type summarySanitizer struct {
	policy *bluemonday.Policy
}

// NewSummarySanitizer はSummarySanitizerの新しいインスタンスを生成する。
func NewSummarySanitizer() *summarySanitizer {
	return &summarySanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は全タグを除去し、エンティティを復元して空白を正規化したテキストを返す。
// 空文字列の入力には空文字列を返す。
func (s *summarySanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	stripped := s.policy.Sanitize(rawHTML)
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}
