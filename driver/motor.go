package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Rione/carbot/hardware"
)

// MotorConfig は差動二輪の混合設定
type MotorConfig struct {
	MaxPower   int     // 各車輪に送る値の上限 (絶対値)
	LeftScale  float64 // 旋回成分があるときの左車輪の倍率
	RightScale float64
}

// DefaultMotorConfig は倍率 1 の設定を返す
func DefaultMotorConfig() MotorConfig {
	return MotorConfig{MaxPower: 4095, LeftScale: 1, RightScale: 1}
}

// MotorDriver は (throttle, steer) を左右の車輪出力に変換してコントローラに送る
type MotorDriver struct {
	mu     sync.Mutex
	ctl    hardware.MotorController
	cfg    MotorConfig
	closed bool
	logger *slog.Logger
}

// NewMotorDriver はドライバを返す。ctl の所有権はドライバに移る。
func NewMotorDriver(ctl hardware.MotorController, cfg MotorConfig, opts ...Option) *MotorDriver {
	o := buildOptions("motor", opts)
	return &MotorDriver{ctl: ctl, cfg: cfg, logger: o.logger}
}

func (d *MotorDriver) Config() MotorConfig { return d.cfg }

// Mix は throttle と steer から (left, right) を求める。
// 倍率は旋回成分があるときだけ掛け、結果は ±MaxPower に収める。
func (d *MotorDriver) Mix(throttle, steer int) (left, right int) {
	lScale, rScale := 1.0, 1.0
	if steer != 0 {
		lScale, rScale = d.cfg.LeftScale, d.cfg.RightScale
	}

	r := rScale * float64(throttle+steer)
	l := lScale * float64(throttle-steer)

	return clampPower(l, d.cfg.MaxPower), clampPower(r, d.cfg.MaxPower)
}

// 小数部は 0 方向に切り捨てる
func clampPower(v float64, limit int) int {
	p := int(v)
	if p > limit {
		return limit
	}
	if p < -limit {
		return -limit
	}
	return p
}

// Drive は両輪の出力を送る。前後の車輪には同じ値を送る
func (d *MotorDriver) Drive(throttle, steer int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("motor: %w", hardware.ErrClosed)
	}
	l, r := d.Mix(throttle, steer)
	return d.ctl.SetWheels(l, l, r, r)
}

// Stop は (0, 0) を送る
func (d *MotorDriver) Stop() error { return d.Drive(0, 0) }

// Close は停止を送ってからコントローラを閉じる。二度目以降は何もしない
func (d *MotorDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if err := d.ctl.SetWheels(0, 0, 0, 0); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if err := d.ctl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("motor close failed", "error", err)
		return err
	}
	return nil
}
