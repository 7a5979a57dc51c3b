package decoder

import (
	"net/url"
	"strings"
)

// legacyMarkers はレガシー形式のトークン先頭に付くマーカー。
var legacyMarkers = []string{"CBM", "CAI"}

// minModernTokenLen はモダン形式として扱うトークンの最小長。
const minModernTokenLen = 16

// tokenPathSegments はリンク中でトークンの直前に現れるパス要素。
var tokenPathSegments = map[string]struct{}{
	"articles": {},
	"read":     {},
}

// detectPath はトークンの形状から形式を判定する。ネットワークI/Oは行わない。
func detectPath(token string) Path {
	if token == "" {
		return PathUnknown
	}
	for _, marker := range legacyMarkers {
		if strings.HasPrefix(token, marker) && len(token) > len(marker) {
			return PathLegacy
		}
	}
	if len(token) >= minModernTokenLen && isBase64URL(token) {
		return PathModern
	}
	return PathUnknown
}

// isBase64URL はURLセーフbase64の文字のみで構成されているかを判定する。
func isBase64URL(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// TokenFromLink はフィード記事のリンクからトークンを取り出す。
// ".../articles/<token>?oc=5" や ".../read/<token>" の形式に対応し、
// トークンそのものが渡された場合はそれを返す。
func TokenFromLink(link string) (string, bool) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", false
	}

	if !strings.Contains(link, "/") {
		if detectPath(link) == PathUnknown {
			return "", false
		}
		return link, true
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if _, ok := tokenPathSegments[segments[i]]; !ok {
			continue
		}
		token := segments[i+1]
		if detectPath(token) == PathUnknown {
			return "", false
		}
		return token, true
	}
	return "", false
}
