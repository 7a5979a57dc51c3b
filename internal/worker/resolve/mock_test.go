package resolve

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/model"
)

// memoryStore はItemRepositoryとItemStoreを兼ねるインメモリ実装。
type memoryStore struct {
	mu    sync.Mutex
	items map[string]*model.Item

	dueIDs    []string
	listCalls int
	saveErr   error
	saves     int
	succeeds  int
}

func newMemoryStore(items ...*model.Item) *memoryStore {
	s := &memoryStore{items: map[string]*model.Item{}}
	for _, it := range items {
		if it.Status == "" {
			it.Status = model.ItemStatusPending
		}
		s.items[it.ID] = it
	}
	return s
}

func (s *memoryStore) get(id string) model.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

func (s *memoryStore) FindByID(_ context.Context, id string) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (s *memoryStore) CreateIfNotExists(_ context.Context, item *model.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return false, nil
	}
	s.items[item.ID] = item
	return true, nil
}

func (s *memoryStore) LoadRetryState(_ context.Context, id string) (*model.RetryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	state := it.Retry
	return &state, nil
}

func (s *memoryStore) SaveRetryState(_ context.Context, id string, state model.RetryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.items[id].Retry = state
	return nil
}

func (s *memoryStore) ListDueForRetry(_ context.Context, _ time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	ids := s.dueIDs
	if len(ids) > limit {
		ids = ids[:limit]
	}
	s.dueIDs = nil
	return ids, nil
}

func (s *memoryStore) MarkPermanentlyFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id].Status = model.ItemStatusFailed
	s.items[id].Retry.LastError = reason
	return nil
}

func (s *memoryStore) MarkSucceeded(_ context.Context, id, resolvedURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeds++
	s.items[id].Status = model.ItemStatusResolved
	s.items[id].ResolvedURL = resolvedURL
	s.items[id].Retry.NextAttemptAt = nil
	return nil
}

// allowAllValidator はすべてのURLを受理する。
type allowAllValidator struct{}

func (allowAllValidator) Validate(context.Context, string) error { return nil }

// scriptedDecoder は設定されたエラーを順に返し、尽きた後は実際のデコーダーに委譲する。
type scriptedDecoder struct {
	mu    sync.Mutex
	errs  []error
	calls int
	inner *decoder.TokenDecoder
}

func newScriptedDecoder(errs ...error) *scriptedDecoder {
	return &scriptedDecoder{
		errs:  errs,
		inner: decoder.NewTokenDecoder(allowAllValidator{}, nil, decoder.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil))),
	}
}

func (d *scriptedDecoder) Decode(ctx context.Context, token string) (decoder.DecodedURL, error) {
	d.mu.Lock()
	d.calls++
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return decoder.DecodedURL{}, err
	}
	return d.inner.Decode(ctx, token)
}

// fakeClock は固定時刻を返すClock。
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func legacyToken(t *testing.T, u string) string {
	t.Helper()
	token, err := decoder.EncodeLegacyToken(u)
	if err != nil {
		t.Fatalf("EncodeLegacyToken() error = %v", err)
	}
	return token
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
