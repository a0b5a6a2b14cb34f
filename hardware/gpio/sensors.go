package gpio

import (
	"errors"
	"fmt"
	"time"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/Rione/carbot/hardware"
)

// Infrared はライントレースセンサー 3 チャンネルを読む
type Infrared struct {
	handle
	pins map[hardware.Channel]inputPin
}

// NewInfrared は BCM ピン番号を指定して Infrared を返す
func NewInfrared(left, middle, right int) (*Infrared, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	pins := map[hardware.Channel]inputPin{}
	for ch, n := range map[hardware.Channel]int{hardware.Left: left, hardware.Middle: middle, hardware.Right: right} {
		p := rpio.Pin(n)
		p.Input()
		pins[ch] = p
	}
	return &Infrared{pins: pins}, nil
}

// ReadChannel はピンのレベルを 0/1 で返す
func (ir *Infrared) ReadChannel(ch hardware.Channel) (int, error) {
	p, ok := ir.pins[ch]
	if !ok {
		return 0, fmt.Errorf("infrared: unknown channel %v", ch)
	}
	if p.Read() == rpio.High {
		return 1, nil
	}
	return 0, nil
}

func (ir *Infrared) Close() error { return ir.close() }

const (
	triggerPulse = 10 * time.Microsecond
	// 音速 343 m/s を cm/ns にしたもの
	soundCMPerNs = 34300.0 / float64(time.Second)
	// 3m 往復 + 余裕
	echoTimeout = 25 * time.Millisecond
)

// ErrNoEcho は反射波が返ってこなかった時に返される
var ErrNoEcho = errors.New("ultrasonic: no echo")

// Ultrasonic は HC-SR04 で距離を測る
type Ultrasonic struct {
	handle
	trigger outputPin
	echo    inputPin
	now     func() time.Time
}

// NewUltrasonic は BCM ピン番号を指定して Ultrasonic を返す
func NewUltrasonic(trigger, echo int) (*Ultrasonic, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	trig := rpio.Pin(trigger)
	trig.Output()
	trig.Low()
	ech := rpio.Pin(echo)
	ech.Input()
	ech.PullDown()
	return &Ultrasonic{trigger: trig, echo: ech, now: time.Now}, nil
}

// ReadDistance はトリガーパルスを送り、エコーが High の時間から距離 (cm) を求める
func (u *Ultrasonic) ReadDistance() (float64, error) {
	u.trigger.Write(rpio.High)
	time.Sleep(triggerPulse)
	u.trigger.Write(rpio.Low)

	start, ok := u.waitFor(rpio.High, u.now().Add(echoTimeout))
	if !ok {
		return 0, ErrNoEcho
	}
	end, ok := u.waitFor(rpio.Low, start.Add(echoTimeout))
	if !ok {
		return 0, ErrNoEcho
	}
	return float64(end.Sub(start)) * soundCMPerNs / 2, nil
}

// waitFor はエコーが state になるまでビジーウェイトし、その時刻を返す
func (u *Ultrasonic) waitFor(state rpio.State, deadline time.Time) (time.Time, bool) {
	for {
		now := u.now()
		if u.echo.Read() == state {
			return now, true
		}
		if now.After(deadline) {
			return now, false
		}
	}
}

func (u *Ultrasonic) Close() error { return u.close() }
