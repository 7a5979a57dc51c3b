package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/model"
)

// mockFeedRepo はFeedRepositoryのテスト用モック。
type mockFeedRepo struct {
	listDueForFetchFunc  func(ctx context.Context) ([]*model.Feed, error)
	updateFetchStateFunc func(ctx context.Context, feed *model.Feed) error
	upsertFunc           func(ctx context.Context, feedURL string) (*model.Feed, error)

	mu      sync.Mutex
	updated []model.Feed
}

func (m *mockFeedRepo) FindByID(_ context.Context, _ string) (*model.Feed, error) {
	return nil, nil
}

func (m *mockFeedRepo) Upsert(ctx context.Context, feedURL string) (*model.Feed, error) {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, feedURL)
	}
	return &model.Feed{ID: "feed-" + feedURL, FeedURL: feedURL, FetchStatus: model.FetchStatusActive}, nil
}

func (m *mockFeedRepo) ListDueForFetch(ctx context.Context) ([]*model.Feed, error) {
	if m.listDueForFetchFunc != nil {
		return m.listDueForFetchFunc(ctx)
	}
	return nil, nil
}

func (m *mockFeedRepo) UpdateFetchState(ctx context.Context, feed *model.Feed) error {
	m.mu.Lock()
	m.updated = append(m.updated, *feed)
	m.mu.Unlock()
	if m.updateFetchStateFunc != nil {
		return m.updateFetchStateFunc(ctx, feed)
	}
	return nil
}

func (m *mockFeedRepo) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updated)
}

// mockItemRepo はItemRepositoryのテスト用モック。
// (feed_id, guid_or_id)で重複を判定する。
type mockItemRepo struct {
	err   error
	seen  map[string]bool
	items []*model.Item
}

func (m *mockItemRepo) FindByID(_ context.Context, _ string) (*model.Item, error) {
	return nil, nil
}

func (m *mockItemRepo) CreateIfNotExists(_ context.Context, item *model.Item) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	key := item.FeedID + "\x00" + item.GuidOrID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	m.items = append(m.items, item)
	return true, nil
}

// mockValidator はURLValidatorのテスト用モック。
type mockValidator struct {
	err error
}

func (m *mockValidator) Validate(_ context.Context, _ string) error {
	return m.err
}

// plainClientFactory はhttptestのループバックサーバーへ接続できる通常のクライアントを返す。
type plainClientFactory struct{}

func (plainClientFactory) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

// passthroughSanitizer は入力をそのまま返す。
type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(s string) string { return s }

// mockFetcher はFeedFetcherServiceのテスト用モック。
type mockFetcher struct {
	fetchFunc func(ctx context.Context, feed *model.Feed) error
}

func (m *mockFetcher) Fetch(ctx context.Context, feed *model.Feed) error {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, feed)
	}
	return nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
