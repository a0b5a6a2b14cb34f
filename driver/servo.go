package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Rione/carbot/hardware"
)

// ServoConfig はパン・チルトの中心・可動範囲 (物理角度) と取り付け誤差
type ServoConfig struct {
	PanCenter  int
	TiltCenter int

	PanMin  int
	PanMax  int
	TiltMin int
	TiltMax int

	PanOffset  int
	TiltOffset int
}

// ServoState はある軸に最後に送った角度
type ServoState struct {
	Requested int // 要求された相対角度
	Relative  int // 可動範囲に収めた相対角度
	Logical   int // Relative + 中心
	Physical  int // 実際に送った角度
	Time      time.Time
}

type axisLimits struct {
	center, offset int
	min, max       int // 物理角度
	relMin, relMax int // 相対角度
}

func (a axisLimits) resolve(relative int) ServoState {
	rel := clampInt(relative, a.relMin, a.relMax)
	logical := rel + a.center
	return ServoState{
		Requested: relative,
		Relative:  rel,
		Logical:   logical,
		Physical:  clampInt(logical+a.offset, a.min, a.max),
	}
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// ServoDriver は中心からの相対角度を物理角度に変換してパン・チルトを動かす
type ServoDriver struct {
	mu     sync.Mutex
	ctl    hardware.ServoController
	cfg    ServoConfig
	limits [2]axisLimits
	state  [2]ServoState
	closed bool
	logger *slog.Logger
}

// NewServoDriver はドライバを作り、両軸を中心に合わせる。ctl の所有権はドライバに移る。
func NewServoDriver(ctl hardware.ServoController, cfg ServoConfig, opts ...Option) (*ServoDriver, error) {
	o := buildOptions("servo", opts)
	d := &ServoDriver{ctl: ctl, cfg: cfg, logger: o.logger}
	d.limits[hardware.Pan] = axisLimits{
		center: cfg.PanCenter,
		offset: cfg.PanOffset,
		min:    cfg.PanMin,
		max:    cfg.PanMax,
		relMin: cfg.PanMin - cfg.PanOffset - cfg.PanCenter,
		relMax: cfg.PanMax - cfg.PanOffset - cfg.PanCenter,
	}
	d.limits[hardware.Tilt] = axisLimits{
		center: cfg.TiltCenter,
		offset: cfg.TiltOffset,
		min:    cfg.TiltMin,
		max:    cfg.TiltMax,
		relMin: cfg.TiltMin - cfg.TiltOffset - cfg.TiltCenter,
		relMax: cfg.TiltMax - cfg.TiltOffset - cfg.TiltCenter,
	}

	if err := d.Center(); err != nil {
		return nil, fmt.Errorf("center servo: %w", err)
	}
	return d, nil
}

func (d *ServoDriver) Config() ServoConfig { return d.cfg }

// SetPan はパンを相対角度に設定する
func (d *ServoDriver) SetPan(relative int) error {
	return d.set(hardware.Pan, relative)
}

// SetTilt はチルトを相対角度に設定する
func (d *ServoDriver) SetTilt(relative int) error {
	return d.set(hardware.Tilt, relative)
}

// Center は両軸を相対 0 に戻す
func (d *ServoDriver) Center() error {
	return errors.Join(d.SetPan(0), d.SetTilt(0))
}

// CurrentPan は可動範囲に収めた現在のパンの相対角度
func (d *ServoDriver) CurrentPan() int { return d.State(hardware.Pan).Relative }

// CurrentTilt は可動範囲に収めた現在のチルトの相対角度
func (d *ServoDriver) CurrentTilt() int { return d.State(hardware.Tilt).Relative }

// State は軸の最後の状態を返す
func (d *ServoDriver) State(axis hardware.Axis) ServoState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[axis]
}

func (d *ServoDriver) set(axis hardware.Axis, relative int) error {
	if axis != hardware.Pan && axis != hardware.Tilt {
		return fmt.Errorf("servo: unknown axis %d", axis)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("servo: %w", hardware.ErrClosed)
	}
	return d.setLocked(axis, relative)
}

func (d *ServoDriver) setLocked(axis hardware.Axis, relative int) error {
	st := d.limits[axis].resolve(relative)
	if err := d.ctl.SetAngle(axis, st.Physical); err != nil {
		return fmt.Errorf("set %s: %w", axis, err)
	}
	st.Time = time.Now()
	d.state[axis] = st
	return nil
}

// Close は中心に戻してからコントローラを閉じる。二度目以降は何もしない
func (d *ServoDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	err := errors.Join(
		d.setLocked(hardware.Pan, 0),
		d.setLocked(hardware.Tilt, 0),
		d.ctl.Close(),
	)
	if err != nil {
		d.logger.Warn("servo close failed", "error", err)
	}
	return err
}
