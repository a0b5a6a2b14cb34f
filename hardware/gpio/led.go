package gpio

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

// LED点滅速度
const (
	BlinkNormal = 500 * time.Millisecond // 通常時の点滅間隔
	BlinkFast   = 75 * time.Millisecond  // 異常時の点滅間隔

	// AlertHold は異常で止まった後も高速点滅を続ける時間
	AlertHold = 3 * time.Second
)

// LED は動作中であることを点滅で示す
type LED struct {
	handle
	pin   outputPin
	alert atomic.Bool
	hold  time.Duration
}

// NewLED は BCM ピン番号を指定して LED を返す
func NewLED(pin int) (*LED, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	p := rpio.Pin(pin)
	p.Output()
	p.Low()
	return &LED{pin: p, hold: AlertHold}, nil
}

// SetAlert は高速点滅に切り替える
func (l *LED) SetAlert(on bool) { l.alert.Store(on) }

func (l *LED) interval() time.Duration {
	if l.alert.Load() {
		return BlinkFast
	}
	return BlinkNormal
}

// Run は ctx が終わるまで点滅させ、最後に消灯する。
// 異常を示している時は ctx が終わってからさらに hold の間だけ高速点滅を続ける。
func (l *LED) Run(ctx context.Context) error {
	defer l.pin.Write(rpio.Low)

	state := l.blink(ctx, rpio.Low)
	if l.alert.Load() && l.hold > 0 {
		hctx, cancel := context.WithTimeout(context.Background(), l.hold)
		defer cancel()
		l.blink(hctx, state)
	}
	return nil
}

func (l *LED) blink(ctx context.Context, state rpio.State) rpio.State {
	timer := time.NewTimer(l.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return state
		case <-timer.C:
		}
		if state == rpio.Low {
			state = rpio.High
		} else {
			state = rpio.Low
		}
		l.pin.Write(state)
		timer.Reset(l.interval())
	}
}

func (l *LED) Close() error { return l.close() }
