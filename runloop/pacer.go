package runloop

import (
	"context"
	"time"
)

// IntervalFromHz は周波数から周期を求める。hz が 0 以下なら fallback を返す。
func IntervalFromHz(hz float64, fallback time.Duration) time.Duration {
	if hz <= 0 {
		return fallback
	}
	return time.Duration(float64(time.Second) / hz)
}

// Pacer はドリフト補正付きの周期待ちを行う。
// 次の予定時刻を interval ずつ進め、残り時間だけ眠る。予定より遅れていれば基準を現在時刻に戻す。
type Pacer struct {
	interval time.Duration
	behind   time.Duration // 遅れている場合に眠る時間
	next     time.Time
}

// NewPacer は現在時刻を基準にした Pacer を返す
func NewPacer(interval, behind time.Duration) *Pacer {
	return &Pacer{
		interval: interval,
		behind:   behind,
		next:     time.Now(),
	}
}

// Interval は周期を返す
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Reset は基準時刻を現在時刻に戻す
func (p *Pacer) Reset() {
	p.next = time.Now()
}

// Wait は次の予定時刻まで眠る。ctx が終了したら false を返す。
func (p *Pacer) Wait(ctx context.Context) bool {
	p.next = p.next.Add(p.interval)

	delay := time.Until(p.next)
	if delay <= 0 {
		p.next = time.Now()
		delay = p.behind
	}
	return Sleep(ctx, delay)
}

// Sleep は d だけ眠る。途中で ctx が終了したら false を返す。
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
