package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/model"
)

// fakeClock は固定時刻を返すテスト用Clock。
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestComputeBackoff_Ranges(t *testing.T) {
	o := NewOrchestrator(&fakeClock{now: baseTime})

	tests := []struct {
		attempt uint32
		min     time.Duration
		max     time.Duration
	}{
		{0, 60 * time.Second, 70 * time.Second},
		{1, 120 * time.Second, 130 * time.Second},
		{2, 240 * time.Second, 250 * time.Second},
		{3, 480 * time.Second, 490 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			for i := 0; i < 200; i++ {
				got := o.ComputeBackoff(tt.attempt)
				if got < tt.min || got >= tt.max {
					t.Fatalf("ComputeBackoff(%d) = %v, want [%v, %v)", tt.attempt, got, tt.min, tt.max)
				}
			}
		})
	}
}

func TestComputeBackoff_JitterBounds(t *testing.T) {
	zero := NewOrchestrator(nil, WithJitter(func() time.Duration { return 0 }))
	if got := zero.ComputeBackoff(0); got != 60*time.Second {
		t.Errorf("ジッタ0の場合 60s であるべき: got %v", got)
	}

	almost := NewOrchestrator(nil, WithJitter(func() time.Duration { return MaxJitter - time.Nanosecond }))
	if got := almost.ComputeBackoff(2); got >= 250*time.Second {
		t.Errorf("ジッタ最大でも 250s 未満であるべき: got %v", got)
	}
}

func TestComputeBackoff_Distinct(t *testing.T) {
	o := NewOrchestrator(nil)

	seen := make(map[time.Duration]struct{})
	for i := 0; i < 20; i++ {
		seen[o.ComputeBackoff(1)] = struct{}{}
	}
	if len(seen) < 2 {
		t.Errorf("ジッタにより複数の異なる値が得られるべき: distinct = %d", len(seen))
	}
}

func TestComputeBackoff_LargeAttemptDoesNotOverflow(t *testing.T) {
	o := NewOrchestrator(nil, WithJitter(func() time.Duration { return 0 }))

	if got := o.ComputeBackoff(1000); got <= 0 {
		t.Errorf("大きな試行回数でも正の値であるべき: got %v", got)
	}
}

func TestNextState_RetryableReachesTerminalAtThree(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	o := NewOrchestrator(clock, WithJitter(func() time.Duration { return 0 }))

	state := model.RetryState{}
	wantDelays := []time.Duration{60 * time.Second, 120 * time.Second}

	for i, delay := range wantDelays {
		state = o.NextState(state, "HTTP 503: Service Unavailable")
		if state.IsTerminal() {
			t.Fatalf("%d 回目の失敗で終端になってはならない: %+v", i+1, state)
		}
		if state.AttemptCount != uint32(i+1) {
			t.Fatalf("AttemptCount = %d, want %d", state.AttemptCount, i+1)
		}
		if !state.NextAttemptAt.Equal(baseTime.Add(delay)) {
			t.Errorf("NextAttemptAt = %v, want %v", state.NextAttemptAt, baseTime.Add(delay))
		}
	}

	state = o.NextState(state, "HTTP 503: Service Unavailable")
	if !state.IsTerminal() {
		t.Fatalf("3 回目の失敗で終端になるべき: %+v", state)
	}
	if state.AttemptCount != MaxAttempts {
		t.Errorf("AttemptCount = %d, want %d", state.AttemptCount, MaxAttempts)
	}
	if state.LastError != "HTTP 503: Service Unavailable" {
		t.Errorf("LastError = %q", state.LastError)
	}
}

func TestNextState_PermanentIsTerminalAtAnyCount(t *testing.T) {
	o := NewOrchestrator(&fakeClock{now: baseTime})
	next := baseTime.Add(time.Minute)

	for _, count := range []uint32{0, 1, 2} {
		t.Run(fmt.Sprintf("count_%d", count), func(t *testing.T) {
			current := model.RetryState{AttemptCount: count}
			if count > 0 {
				current.NextAttemptAt = &next
			}
			got := o.NextState(current, "HTTP 404: Not Found")
			if got.NextAttemptAt != nil {
				t.Errorf("恒久失敗は終端であるべき: %+v", got)
			}
			if got.LastError != "HTTP 404: Not Found" {
				t.Errorf("LastError = %q", got.LastError)
			}
		})
	}
}

func TestNextState_AttemptCountSaturates(t *testing.T) {
	o := NewOrchestrator(&fakeClock{now: baseTime})

	for _, count := range []uint32{MaxAttempts, math.MaxUint32 - 1, math.MaxUint32} {
		t.Run(fmt.Sprintf("count_%d", count), func(t *testing.T) {
			got := o.NextState(model.RetryState{AttemptCount: count}, "HTTP 503: Service Unavailable")
			if !got.IsTerminal() {
				t.Errorf("上限以上の試行回数は終端であるべき: %+v", got)
			}
			if got.AttemptCount < count {
				t.Errorf("AttemptCount = %d, %d より小さくなってはならない", got.AttemptCount, count)
			}
		})
	}
}

func TestNextState_UnknownErrorRetries(t *testing.T) {
	o := NewOrchestrator(&fakeClock{now: baseTime})

	got := o.NextState(model.RetryState{}, "something nobody has seen before")
	if got.NextAttemptAt == nil {
		t.Fatal("未知のエラーは再試行されるべき")
	}
	if got.NextAttemptAt.Before(baseTime.Add(BaseDelay)) {
		t.Errorf("NextAttemptAt は現在時刻 + バックオフ以降であるべき: %v", got.NextAttemptAt)
	}
}

// testRetryableError は Retryable() を持つテスト用エラー。
type testRetryableError struct {
	retryable bool
}

func (e *testRetryableError) Error() string   { return "HTTP 503" }
func (e *testRetryableError) Retryable() bool { return e.retryable }

func TestNextStateForError_PrefersTypedError(t *testing.T) {
	o := NewOrchestrator(&fakeClock{now: baseTime})

	// メッセージは再試行可能だが、型情報では恒久失敗
	err := fmt.Errorf("resolve: %w", &testRetryableError{retryable: false})
	got := o.NextStateForError(model.RetryState{}, err)
	if got.NextAttemptAt != nil {
		t.Errorf("型情報で恒久失敗と判断されるべき: %+v", got)
	}
	if got.LastError != "resolve: HTTP 503" {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		desc string
		want FailureClass
	}{
		{"HTTP 503: Service Unavailable", Retryable},
		{"HTTP 404: Not Found", Permanent},
		{"HTTP 403: Forbidden", Permanent},
		{"HTTP 429: Too Many Requests", Retryable},
		{"HTTP 502: Bad Gateway", Retryable},
		{"HTTP 504: Gateway Timeout", Retryable},
		{"dial tcp 203.0.113.1:443: connect: connection refused", Retryable},
		{"read tcp: connection reset by peer", Retryable},
		{"context deadline exceeded", Retryable},
		{"net/http: request canceled (Client.Timeout exceeded)", Retryable},
		{"lookup example.invalid: no such host", Retryable},
		{"parse \"::\": missing protocol scheme: malformed URL", Permanent},
		{"destination rejected: blocked_address: 127.0.0.1", Permanent},
		{"destination rejected: invalid_scheme: scheme \"ftp\" is not allowed", Permanent},
		{"destination rejected: unresolvable_host: example.invalid", Retryable},
		{"SSRF blocked", Permanent},
		{"no content", Permanent},
		{"", Retryable},
		{"weird new failure", Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := Classify(tt.desc); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.desc, got, tt.want)
			}
		})
	}
}

// timeoutError は net.Error を満たすテスト用エラー。
type timeoutError struct{}

func (timeoutError) Error() string   { return "HTTP 404 while reading" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, Retryable},
		{"Retryable()=true", &testRetryableError{retryable: true}, Retryable},
		{"Retryable()=false", &testRetryableError{retryable: false}, Permanent},
		{"context deadline", fmt.Errorf("decode: %w", context.DeadlineExceeded), Retryable},
		{"context canceled", context.Canceled, Retryable},
		{"net.Error timeout", timeoutError{}, Retryable},
		{"文字列へのフォールバック", errors.New("HTTP 404: Not Found"), Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestCanProceed(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	o := NewOrchestrator(clock)
	window := &RateWindow{}

	if !o.CanProceed(window, time.Second) {
		t.Fatal("未記録のウィンドウは許可されるべき")
	}

	window.Record(clock.now)
	if o.CanProceed(window, time.Second) {
		t.Error("記録直後は拒否されるべき")
	}

	clock.now = baseTime.Add(999 * time.Millisecond)
	if o.CanProceed(window, time.Second) {
		t.Error("最小間隔未満では拒否されるべき")
	}

	clock.now = baseTime.Add(time.Second)
	if !o.CanProceed(window, time.Second) {
		t.Error("最小間隔ちょうどで許可されるべき")
	}
	if !window.Last().Equal(baseTime) {
		t.Errorf("CanProceed はウィンドウを更新してはならない: last = %v", window.Last())
	}
}

func TestCanProceed_IndependentWindows(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	o := NewOrchestrator(clock)

	a, b := &RateWindow{}, &RateWindow{}
	a.Record(baseTime)

	if o.CanProceed(a, time.Minute) {
		t.Error("a は記録直後のため拒否されるべき")
	}
	if !o.CanProceed(b, time.Minute) {
		t.Error("b は a の記録の影響を受けてはならない")
	}
}
