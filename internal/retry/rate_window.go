package retry

import "time"

// RateWindow は最後に処理を許可した時刻を保持する。
// ワーカーごとに1つ所有するプロセス内のペース制御であり、分散レートリミッタではない。
// 複数のゴルーチンで共有してはならない。
type RateWindow struct {
	last time.Time
}

// Last は最後に記録された時刻を返す。未記録の場合はゼロ値。
func (w *RateWindow) Last() time.Time {
	return w.last
}

// Record は処理を実行した時刻を記録する。
func (w *RateWindow) Record(t time.Time) {
	w.last = t
}

// CanProceed は最後の記録から minInterval 以上経過していれば true を返す。
// 時刻を記録するのは呼び出し側の責務で、実際に処理を行った後に Record を呼ぶ。
func (o *Orchestrator) CanProceed(window *RateWindow, minInterval time.Duration) bool {
	if window == nil || window.last.IsZero() {
		return true
	}
	return o.clock.Now().Sub(window.last) >= minInterval
}
