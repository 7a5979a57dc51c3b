package decoder

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// legacyHeader はレガシーレコード先頭の固定ヘッダ。
var legacyHeader = []byte{0x08, 0x13}

const (
	// legacyHeaderLen はヘッダのバイト長。
	legacyHeaderLen = 2
	// fieldTagLen はフィールドタグのバイト長。
	fieldTagLen = 2
	// maxFieldLen は1バイト長で表現できるフィールドの最大長。
	maxFieldLen = 0xff

	// modernArticlePrefix はレコード内にモダン形式の記事IDが埋め込まれていることを示す接頭辞。
	modernArticlePrefix = "AU_yqL"
)

// フィールドタグ。デコード時はタグの値を区別しない。
var (
	tagCanonicalURL = [fieldTagLen]byte{0x22, 0x01}
	tagAMPURL       = [fieldTagLen]byte{0xd2, 0x01}
)

// errModernArticleID はレガシーマーカー付きのトークンがモダン形式の記事IDを含むことを示す。
var errModernArticleID = errors.New("record carries a modern article id")

// decodePayload はマーカーを除いたbase64文字列をデコードする。
// 標準とURLセーフのどちらのアルファベットも受け付け、パディングは任意。
func decodePayload(payload string) ([]byte, error) {
	normalized := strings.TrimRight(payload, "=")
	normalized = strings.NewReplacer("+", "-", "/", "_").Replace(normalized)

	b, err := base64.RawURLEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return b, nil
}

// parseLegacyRecord はレコードのフィールドを先頭から走査し、最初にURLとして解釈できる文字列を返す。
// "//" を伴う階層型URLを優先し、それがない場合に限り "file:/etc/passwd" のような
// 不透明形式のURLを返す。後者はスキーム検証で拒否させるための候補である。
// 範囲外の読み出しはKindTruncatedとして返し、パニックしない。
func parseLegacyRecord(record []byte) (string, Kind, error) {
	if len(record) < legacyHeaderLen {
		return "", KindTruncated, fmt.Errorf("record of %d bytes is shorter than header", len(record))
	}

	var opaque string
	pos := legacyHeaderLen
	first := true
	for pos < len(record) {
		if len(record)-pos < fieldTagLen+1 {
			return "", KindTruncated, fmt.Errorf("incomplete field header at offset %d", pos)
		}
		length := int(record[pos+fieldTagLen])
		start := pos + fieldTagLen + 1
		end := start + length
		if end > len(record) {
			return "", KindTruncated, fmt.Errorf("field at offset %d declares %d bytes, %d available", pos, length, len(record)-start)
		}

		field := record[start:end]
		if first && strings.HasPrefix(string(field), modernArticlePrefix) {
			return "", 0, errModernArticleID
		}
		first = false
		pos = end

		if !utf8.Valid(field) {
			continue
		}
		switch classifyField(string(field)) {
		case fieldHierarchicalURL:
			return string(field), 0, nil
		case fieldOpaqueURL:
			if opaque == "" {
				opaque = string(field)
			}
		}
	}

	if opaque != "" {
		return opaque, 0, nil
	}
	return "", KindNoURLFound, errors.New("no field parses as an absolute URL")
}

// fieldClass はレコードのフィールドがURLとしてどう解釈できるかを表す。
type fieldClass int

const (
	fieldNotURL fieldClass = iota
	// fieldHierarchicalURL はスキームの後に "//" またはホストを持つURL。
	fieldHierarchicalURL
	// fieldOpaqueURL はスキームのみを持つURL（"tel:+1..." や "javascript:..." など）。
	fieldOpaqueURL
)

// classifyField はフィールドを分類する。空白を含む文字列は見出し等とみなしURLとして扱わない。
func classifyField(s string) fieldClass {
	if strings.ContainsAny(s, " \t\r\n") {
		return fieldNotURL
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return fieldNotURL
	}
	if u.Host != "" || strings.HasPrefix(s[len(u.Scheme)+1:], "//") {
		return fieldHierarchicalURL
	}
	return fieldOpaqueURL
}

// EncodeLegacyRecord はURLをレガシー形式のバイナリレコードへ符号化する。
// 先頭のURLが正規URL、以降がAMP等の代替URLとして扱われる。
func EncodeLegacyRecord(urls ...string) ([]byte, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one URL is required")
	}

	record := make([]byte, 0, legacyHeaderLen+len(urls)*(fieldTagLen+1+64))
	record = append(record, legacyHeader...)
	for i, u := range urls {
		if len(u) > maxFieldLen {
			return nil, fmt.Errorf("url %d is %d bytes, exceeds %d", i, len(u), maxFieldLen)
		}
		tag := tagAMPURL
		if i == 0 {
			tag = tagCanonicalURL
		}
		record = append(record, tag[:]...)
		record = append(record, byte(len(u)))
		record = append(record, u...)
	}
	return record, nil
}

// EncodeLegacyToken はURLをレガシー形式のトークンへ符号化する。
func EncodeLegacyToken(urls ...string) (string, error) {
	record, err := EncodeLegacyRecord(urls...)
	if err != nil {
		return "", err
	}
	return legacyMarkers[0] + base64.RawURLEncoding.EncodeToString(record), nil
}
