package resolve

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/metrics"
	"github.com/hitoshi/gnewsresolver/internal/model"
	"github.com/hitoshi/gnewsresolver/internal/retry"
	"github.com/hitoshi/gnewsresolver/internal/security"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(store *memoryStore, dec TokenDecoder, collector metrics.MetricsCollector, buf *bytes.Buffer) *Processor {
	orch := retry.NewOrchestrator(&fakeClock{now: testNow}, retry.WithJitter(func() time.Duration { return 0 }))
	return NewProcessor(store, store, dec, orch, collector, newTestLogger(buf))
}

func networkFailure() error {
	return &decoder.DecodeError{
		Kind:    decoder.KindNetworkFailure,
		Path:    decoder.PathModern,
		Timeout: true,
		Err:     context.DeadlineExceeded,
	}
}

func TestProcess_Resolved(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore(&model.Item{ID: "item-1", Token: legacyToken(t, "https://example.com/a")})
	p := newTestProcessor(store, newScriptedDecoder(), nil, &buf)

	outcome, err := p.Process(context.Background(), "item-1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != OutcomeResolved {
		t.Errorf("outcome = %s, want resolved", outcome)
	}

	got := store.get("item-1")
	if got.Status != model.ItemStatusResolved || got.ResolvedURL != "https://example.com/a" {
		t.Errorf("item = %+v", got)
	}
	// 遷移先URLと解決済み状態は1回の書き込みで記録される
	if store.succeeds != 1 {
		t.Errorf("MarkSucceeded calls = %d, want 1", store.succeeds)
	}
}

func TestProcess_RetryableFailureSchedulesRetry(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore(&model.Item{ID: "item-1", Token: "AU_yqLPnKxA4mZ0example"})
	p := newTestProcessor(store, newScriptedDecoder(networkFailure()), nil, &buf)

	outcome, err := p.Process(context.Background(), "item-1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != OutcomeScheduled {
		t.Errorf("outcome = %s, want scheduled", outcome)
	}

	got := store.get("item-1")
	if got.Status != model.ItemStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Retry.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.Retry.AttemptCount)
	}
	want := testNow.Add(retry.BaseDelay)
	if got.Retry.NextAttemptAt == nil || !got.Retry.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", got.Retry.NextAttemptAt, want)
	}
}

// TestProcess_TerminalAfterThreeFailures は再試行可能な失敗が3回続くと終端になることを検証する。
func TestProcess_TerminalAfterThreeFailures(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore(&model.Item{ID: "item-1", Token: "AU_yqLPnKxA4mZ0example"})
	p := newTestProcessor(store, newScriptedDecoder(networkFailure(), networkFailure(), networkFailure()), nil, &buf)

	want := []Outcome{OutcomeScheduled, OutcomeScheduled, OutcomeTerminal}
	for i, w := range want {
		outcome, err := p.Process(context.Background(), "item-1")
		if err != nil {
			t.Fatalf("attempt %d: Process() error = %v", i+1, err)
		}
		if outcome != w {
			t.Errorf("attempt %d: outcome = %s, want %s", i+1, outcome, w)
		}
	}

	got := store.get("item-1")
	if got.Status != model.ItemStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.Retry.AttemptCount != 3 || got.Retry.NextAttemptAt != nil {
		t.Errorf("Retry = %+v", got.Retry)
	}
	if got.Retry.LastError == "" {
		t.Error("終端理由が記録されるべき")
	}

	// 終端後は処理対象外
	outcome, err := p.Process(context.Background(), "item-1")
	if err != nil || outcome != OutcomeSkipped {
		t.Errorf("終端後の Process() = (%s, %v), want skipped", outcome, err)
	}
}

func TestProcess_PermanentFailureIsTerminal(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore(&model.Item{ID: "item-1", Token: legacyToken(t, "http://127.0.0.1/admin")})
	rejected := &decoder.DecodeError{
		Kind:   decoder.KindRejected,
		Path:   decoder.PathLegacy,
		Reason: security.ReasonBlockedAddress,
		Err:    &security.RejectionError{Reason: security.ReasonBlockedAddress, Detail: "127.0.0.1"},
	}
	p := newTestProcessor(store, newScriptedDecoder(rejected), nil, &buf)

	outcome, err := p.Process(context.Background(), "item-1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != OutcomeTerminal {
		t.Errorf("outcome = %s, want terminal", outcome)
	}
	got := store.get("item-1")
	if got.Status != model.ItemStatusFailed || got.Retry.AttemptCount != 1 {
		t.Errorf("item = %+v", got)
	}
}

func TestProcess_SkipsNonPendingAndMissing(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore(&model.Item{ID: "done", Token: "CBMiAA", Status: model.ItemStatusResolved})
	dec := newScriptedDecoder()
	p := newTestProcessor(store, dec, nil, &buf)

	for _, id := range []string{"done", "missing"} {
		outcome, err := p.Process(context.Background(), id)
		if err != nil || outcome != OutcomeSkipped {
			t.Errorf("Process(%q) = (%s, %v), want skipped", id, outcome, err)
		}
	}
	if dec.calls != 0 {
		t.Errorf("処理対象外の記事をデコードしてはならない: calls = %d", dec.calls)
	}
}

func TestProcess_CancelledContextDoesNotCountAttempt(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore(&model.Item{ID: "item-1", Token: "AU_yqLPnKxA4mZ0example"})
	p := newTestProcessor(store, newScriptedDecoder(networkFailure()), nil, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, "item-1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if store.saves != 0 {
		t.Errorf("中断時に再試行状態を保存してはならない: saves = %d", store.saves)
	}
}

func TestProcess_SaveError(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore(&model.Item{ID: "item-1", Token: "AU_yqLPnKxA4mZ0example"})
	store.saveErr = errors.New("db down")
	p := newTestProcessor(store, newScriptedDecoder(networkFailure()), nil, &buf)

	if _, err := p.Process(context.Background(), "item-1"); err == nil {
		t.Fatal("保存失敗時はエラーを返すべき")
	}
}

func TestProcess_RecordsMetrics(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	store := newMemoryStore(
		&model.Item{ID: "ok", Token: legacyToken(t, "https://example.com/a")},
		&model.Item{ID: "ng", Token: "AU_yqLPnKxA4mZ0example"},
	)
	p := newTestProcessor(store, newScriptedDecoder(), collector, &buf)
	if _, err := p.Process(context.Background(), "ok"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	p.decoder = newScriptedDecoder(networkFailure())
	if _, err := p.Process(context.Background(), "ng"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				counts[mf.GetName()] += c.GetValue()
			}
		}
	}
	if counts["gnewsresolver_decode_total"] != 2 {
		t.Errorf("decode_total = %v, want 2", counts["gnewsresolver_decode_total"])
	}
	if counts["gnewsresolver_retry_transitions_total"] != 2 {
		t.Errorf("retry_transitions_total = %v, want 2", counts["gnewsresolver_retry_transitions_total"])
	}
}
