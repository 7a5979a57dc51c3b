package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
)

const (
	// batchRPCID はURL取得APIの識別子。
	batchRPCID = "Fbv4je"
	// batchResponsePrefix はAPIレスポンス先頭のXSSI対策用の接頭辞。
	batchResponsePrefix = ")]}'"
)

// articleParams は記事ページから取り出した遷移先解決用のパラメータ。
type articleParams struct {
	id        string
	signature string
	timestamp string
	// target はページに遷移先URLが直接埋め込まれている場合のURL。
	target string
}

// parseArticleParams は記事ページのHTMLから data-n-a-* 属性を探す。
// 最初に署名とタイムスタンプを両方持つ要素、または遷移先URLを持つ要素の値を返す。
func parseArticleParams(body []byte) articleParams {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return articleParams{}

		case html.StartTagToken, html.SelfClosingTagToken:
			_, hasAttr := tokenizer.TagName()
			if !hasAttr {
				continue
			}

			var p articleParams
			for {
				key, val, more := tokenizer.TagAttr()
				switch string(key) {
				case "data-n-a-id":
					p.id = string(val)
				case "data-n-a-sg":
					p.signature = string(val)
				case "data-n-a-ts":
					p.timestamp = string(val)
				case "data-n-au":
					p.target = string(val)
				}
				if !more {
					break
				}
			}

			if p.target != "" {
				if u, err := url.Parse(p.target); err == nil && u.IsAbs() {
					return articleParams{target: p.target}
				}
				p.target = ""
			}
			if p.signature != "" && p.timestamp != "" {
				return p
			}
		}
	}
}

// buildBatchRequest はURL取得APIのリクエストボディを組み立てる。
func buildBatchRequest(articleID string, params articleParams) (string, error) {
	ts, err := strconv.ParseInt(params.timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("タイムスタンプが不正です: %w", err)
	}

	inner, err := json.Marshal([]any{
		"garturlreq",
		[]any{
			[]any{"X", "X", []any{"X", "X"}, nil, nil, 1, 1, "US:en", nil, 1, nil, nil, nil, nil, nil, 0, 1},
			"X", "X", 1, []any{1, 1, 1}, 1, 1, nil, 0, 0, nil, 0,
		},
		articleID,
		ts,
		params.signature,
	})
	if err != nil {
		return "", err
	}

	outer, err := json.Marshal([]any{[]any{[]any{batchRPCID, string(inner), nil, "generic"}}})
	if err != nil {
		return "", err
	}

	return url.Values{"f.req": {string(outer)}}.Encode(), nil
}

// parseBatchResponse はAPIレスポンスから遷移先URLを取り出す。
func parseBatchResponse(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	text = strings.TrimPrefix(text, batchResponsePrefix)

	// レスポンスは長さ行とJSON配列が交互に続く。最初の配列のみを読む。
	dec := json.NewDecoder(strings.NewReader(skipToArray(text)))
	var envelopes [][]json.RawMessage
	if err := dec.Decode(&envelopes); err != nil {
		return "", fmt.Errorf("レスポンスJSONのパースに失敗: %w", err)
	}

	for _, env := range envelopes {
		if len(env) < 3 {
			continue
		}
		var kind, rpcID string
		if json.Unmarshal(env[0], &kind) != nil || json.Unmarshal(env[1], &rpcID) != nil {
			continue
		}
		if kind != "wrb.fr" || rpcID != batchRPCID {
			continue
		}

		var payload string
		if err := json.Unmarshal(env[2], &payload); err != nil {
			return "", fmt.Errorf("ペイロードが文字列ではありません: %w", err)
		}
		var fields []any
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return "", fmt.Errorf("ペイロードのパースに失敗: %w", err)
		}
		if len(fields) < 2 {
			return "", errors.New("ペイロードに遷移先URLがありません")
		}
		target, ok := fields[1].(string)
		if !ok || target == "" {
			return "", errors.New("ペイロードに遷移先URLがありません")
		}
		return target, nil
	}

	return "", errors.New("レスポンスに対象のRPC結果がありません")
}

// skipToArray は先頭の長さ行などを読み飛ばし、最初の '[' 以降を返す。
func skipToArray(s string) string {
	if i := strings.IndexByte(s, '['); i >= 0 {
		return s[i:]
	}
	return s
}

// fetchInlineTarget はURL取得APIを呼び出して遷移先URLを取得する。
func (r *HTTPResolver) fetchInlineTarget(ctx context.Context, client *http.Client, articleID string, params articleParams) (string, error) {
	form, err := buildBatchRequest(articleID, params)
	if err != nil {
		return "", &decoder.ResolverError{URL: r.cfg.BatchEndpoint, Err: err}
	}

	resp, err := r.do(ctx, client, http.MethodPost, r.cfg.BatchEndpoint,
		strings.NewReader(form), "application/x-www-form-urlencoded;charset=UTF-8")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBodySize))
	if err != nil {
		return "", &decoder.ResolverError{URL: r.cfg.BatchEndpoint, Err: fmt.Errorf("レスポンス読み取りに失敗: %w", err)}
	}

	target, err := parseBatchResponse(body)
	if err != nil {
		return "", &decoder.ResolverError{URL: r.cfg.BatchEndpoint, Err: err}
	}
	return target, nil
}
