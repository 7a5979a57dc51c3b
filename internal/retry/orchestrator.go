// Package retry は失敗した処理の再試行判断を提供する。
// このパッケージの関数はI/Oを行わず、再試行状態の永続化は呼び出し側の責務とする。
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/model"
)

const (
	// MaxAttempts は終端失敗となるまでの最大試行回数。
	MaxAttempts = 3
	// BaseDelay は初回再試行までの基本待機時間。
	BaseDelay = 60 * time.Second
	// MaxJitter は待機時間に加えるランダム幅の上限（この値を含まない）。
	MaxJitter = 10 * time.Second

	// maxShift はオーバーフローを防ぐためのシフト上限。
	maxShift = 20
)

// Clock は現在時刻を返す。
type Clock interface {
	Now() time.Time
}

// SystemClock は実時刻を返すClock。
type SystemClock struct{}

// Now は現在時刻を返す。
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Orchestrator は再試行状態の遷移を計算する。
// 内部に可変状態を持たないため、複数のゴルーチンから並行に利用できる。
type Orchestrator struct {
	clock  Clock
	jitter func() time.Duration
}

// Option はOrchestratorの設定を変更する。
type Option func(*Orchestrator)

// WithJitter はジッタの生成元を差し替える。テスト用。
func WithJitter(fn func() time.Duration) Option {
	return func(o *Orchestrator) {
		o.jitter = fn
	}
}

// NewOrchestrator はOrchestratorを生成する。clockがnilの場合はSystemClockを使用する。
func NewOrchestrator(clock Clock, opts ...Option) *Orchestrator {
	if clock == nil {
		clock = SystemClock{}
	}
	o := &Orchestrator{
		clock:  clock,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// randomJitter は [0, MaxJitter) の一様乱数を返す。
func randomJitter() time.Duration {
	return rand.N(MaxJitter)
}

// ComputeBackoff は attempt 回目の失敗後の待機時間を返す。
// BaseDelay * 2^attempt に [0, MaxJitter) のジッタを加える。
func (o *Orchestrator) ComputeBackoff(attempt uint32) time.Duration {
	shift := attempt
	if shift > maxShift {
		shift = maxShift
	}
	return BaseDelay*time.Duration(1<<shift) + o.jitter()
}

// NextState は現在の状態と今回の失敗から次の再試行状態を計算する。
// 試行回数がMaxAttemptsに達するか恒久失敗と分類された場合は終端状態（NextAttemptAt == nil）を返す。
// 呼び出し側は必ず永続化された最新の状態を渡すこと。
func (o *Orchestrator) NextState(current model.RetryState, errDesc string) model.RetryState {
	return o.transition(current, errDesc, Classify(errDesc))
}

// NextStateForError はNextStateと同じ遷移を、エラーの型情報を優先した分類で行う。
func (o *Orchestrator) NextStateForError(current model.RetryState, err error) model.RetryState {
	desc := ""
	if err != nil {
		desc = err.Error()
	}
	return o.transition(current, desc, ClassifyError(err))
}

func (o *Orchestrator) transition(current model.RetryState, errDesc string, class FailureClass) model.RetryState {
	terminal := current.AttemptCount >= MaxAttempts-1 || class == Permanent

	next := model.RetryState{
		AttemptCount: current.AttemptCount,
		LastError:    errDesc,
	}
	// 上限で飽和させ、終端状態が0回目へ巻き戻らないようにする
	if next.AttemptCount < math.MaxUint32 {
		next.AttemptCount++
	}

	if terminal {
		return next
	}

	at := o.clock.Now().Add(o.ComputeBackoff(current.AttemptCount))
	next.NextAttemptAt = &at
	return next
}
