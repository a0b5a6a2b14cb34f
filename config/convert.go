package config

import (
	"fmt"
	"time"

	"github.com/Rione/carbot/control"
	"github.com/Rione/carbot/driver"
	"github.com/Rione/carbot/runloop"
	"github.com/Rione/carbot/teleop"
	"github.com/Rione/carbot/vision"
)

// 各セクションを対応するパッケージの設定に変換する

func (m *MotorSection) DriverConfig() driver.MotorConfig {
	return driver.MotorConfig{MaxPower: m.MaxPower, LeftScale: m.LeftScale, RightScale: m.RightScale}
}

func (s *ServoSection) DriverConfig() driver.ServoConfig {
	return driver.ServoConfig{
		PanCenter:  s.PanCenter,
		TiltCenter: s.TiltCenter,
		PanMin:     s.PanMin,
		PanMax:     s.PanMax,
		TiltMin:    s.TiltMin,
		TiltMax:    s.TiltMax,
		PanOffset:  s.PanOffset,
		TiltOffset: s.TiltOffset,
	}
}

func (p *PollSection) DriverConfig() driver.PollConfig {
	return driver.PollConfig{Hz: p.Hz, TimeLimit: seconds(p.TimeLimit)}
}

// Policy はカメラの取得ポリシーを返す
func (c *CameraSection) Policy() driver.CameraPolicy {
	return driver.CameraPolicy{
		TimeLimit: seconds(c.TimeLimit),
		Retries:   c.Retries,
		IdleSleep: seconds(c.IdleSleep),
		MaxFPS:    c.MaxFPS,
	}
}

func (n *NetworkSection) VisionConfig() vision.NetworkConfig {
	return vision.NetworkConfig{
		Host:        n.Host,
		Port:        n.Port,
		JPEGQuality: n.JPEGQuality,
		IdleSleep:   seconds(n.IdleSleepS),
		Transform:   n.Transform,
	}
}

// TeleopConfig はキー名をトークンに変換した設定を返す
func (t *TeleopSection) TeleopConfig() (teleop.Config, error) {
	km, err := t.Keymap.Normalize()
	if err != nil {
		return teleop.Config{}, fmt.Errorf("%w: teleop.keymap: %v", ErrInvalidConfig, err)
	}
	return teleop.Config{
		Speed:       t.Speed,
		Steer:       t.Steer,
		ServoStep:   t.ServoStep,
		Poll:        seconds(t.PollS),
		Deadman:     seconds(t.DeadmanS),
		InvertSteer: t.InvertSteer,
		InvertPan:   t.InvertPan,
		InvertTilt:  t.InvertTilt,
		DebugKeys:   t.DebugKeys,
		Keymap:      km,
	}, nil
}

// MotorMaxAge は teleop の走行コマンドの有効期限。deadman の 2 倍、最低 50ms
func (t *TeleopSection) MotorMaxAge() time.Duration {
	return max(50*time.Millisecond, 2*seconds(t.DeadmanS))
}

func (c ControlSection) LoopConfig() control.LoopConfig {
	return control.LoopConfig{Hz: c.Hz, IdleSleep: seconds(c.IdleSleep)}
}

// Failsafe は failsafe_stop の値。省略時は有効
func (c ControlSection) Failsafe() bool {
	return c.FailsafeStop == nil || *c.FailsafeStop
}

func (c ControlSection) ServoAge() time.Duration {
	return seconds(c.ServoMaxAge)
}

// Interval は状態表示の周期。hz が 0 以下なら 500ms
func (s StatusSection) Interval() time.Duration {
	return runloop.IntervalFromHz(s.Hz, 500*time.Millisecond)
}
