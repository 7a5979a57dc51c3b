package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/metrics"
	"github.com/hitoshi/gnewsresolver/internal/model"
	"github.com/hitoshi/gnewsresolver/internal/security"
)

// --- モック定義 ---

// stubValidator は指定されたURLのみ拒否するValidator。
type stubValidator struct {
	reject map[string]security.RejectionReason
}

func (v *stubValidator) Validate(ctx context.Context, rawURL string) error {
	if reason, ok := v.reject[rawURL]; ok {
		return &security.RejectionError{Reason: reason, Detail: rawURL}
	}
	return nil
}

// stubResolver はモダン形式の解決結果を固定で返すRedirectResolver。
type stubResolver struct {
	resolveFn func(ctx context.Context, rawURL string) (string, error)
}

func (r *stubResolver) Resolve(ctx context.Context, rawURL string, timeout time.Duration, maxRedirects int) (string, error) {
	return r.resolveFn(ctx, rawURL)
}

// mockItemFinder はItemFinderのモック実装。
type mockItemFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.Item, error)
}

func (m *mockItemFinder) FindByID(ctx context.Context, id string) (*model.Item, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// recordingCollector はデコード結果の記録を保持するMetricsCollector。
type recordingCollector struct {
	metrics.NopCollector
	mu      sync.Mutex
	decodes []string
}

func (c *recordingCollector) RecordDecode(path, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodes = append(c.decodes, path+"/"+outcome)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newTestDecoder は実際のTokenDecoderをスタブのValidatorとResolverで構成する。
func newTestDecoder(v *stubValidator, r decoder.RedirectResolver) *decoder.TokenDecoder {
	if v == nil {
		v = &stubValidator{}
	}
	return decoder.NewTokenDecoder(v, r, decoder.Config{ResolveTimeout: time.Second}, newTestLogger())
}

func legacyToken(t *testing.T, urls ...string) string {
	t.Helper()
	token, err := decoder.EncodeLegacyToken(urls...)
	if err != nil {
		t.Fatalf("EncodeLegacyToken: %v", err)
	}
	return token
}
