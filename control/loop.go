package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rione/carbot/metrics"
	"github.com/Rione/carbot/runloop"
)

// MotorSink は走行コマンドの書き込み先
type MotorSink interface {
	Drive(throttle, steerDifferential int) error
}

// ServoSink はパン・チルトの書き込み先 (相対角度)
type ServoSink interface {
	SetPan(relative int) error
	SetTilt(relative int) error
	Center() error
}

// LoopConfig は制御ループの設定
type LoopConfig struct {
	Hz        float64
	IdleSleep time.Duration // Hz が 0 以下の場合の周期、および周期に遅れた時の待ち時間
}

// DefaultLoopConfig は 50Hz の設定を返す
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{Hz: 50, IdleSleep: 2 * time.Millisecond}
}

// LoopOption は Loop の設定
type LoopOption func(*Loop)

// WithMotor はモーターの書き込み先と調停器を設定する
func WithMotor(sink MotorSink, mux *Mux[MotorCommand]) LoopOption {
	return func(l *Loop) {
		l.motor = sink
		l.motorMux = mux
	}
}

// WithServo はサーボの書き込み先と調停器を設定する
func WithServo(sink ServoSink, mux *Mux[ServoCommand]) LoopOption {
	return func(l *Loop) {
		l.servo = sink
		l.servoMux = mux
	}
}

// WithFailsafeStop はコマンドが無い時の自動停止を切り替える (既定で有効)
func WithFailsafeStop(enabled bool) LoopOption {
	return func(l *Loop) { l.failsafe = enabled }
}

// WithLoopLogger はロガーを設定する
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithLoopMetrics はメトリクスを設定する
func WithLoopMetrics(m *metrics.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// Loop は一定周期で調停器からコマンドを取り出し、前回と異なる場合だけアクチュエータに書き込む。
// Tick は単一の goroutine から呼ぶこと。
type Loop struct {
	cfg LoopConfig

	motor    MotorSink
	servo    ServoSink
	motorMux *Mux[MotorCommand]
	servoMux *Mux[ServoCommand]
	failsafe bool

	lastMotor     [2]int
	haveLastMotor bool
	lastServo     [2]int
	haveLastServo bool

	logger   *slog.Logger
	metrics  *metrics.Metrics
	errLimit *rate.Limiter
}

// NewLoop は制御ループを生成する
func NewLoop(cfg LoopConfig, opts ...LoopOption) *Loop {
	l := &Loop{
		cfg:      cfg,
		failsafe: true,
		errLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "control-loop")
	return l
}

// Tick は一周期分の処理を行う。書き込みに失敗した値は次の周期で再送される。
func (l *Loop) Tick() error {
	l.metrics.Tick()

	var errs []error

	if l.motor != nil && l.motorMux != nil {
		cmd, ok := l.motorMux.Pick()
		if !ok && l.failsafe {
			cmd, ok = StopCommand(), true
			l.metrics.Failsafe()
		}

		if ok {
			pair := [2]int{cmd.Throttle, cmd.SteerDifferential}
			if !l.haveLastMotor || pair != l.lastMotor {
				if err := l.motor.Drive(cmd.Throttle, cmd.SteerDifferential); err != nil {
					errs = append(errs, fmt.Errorf("motor drive: %w", err))
				} else {
					l.lastMotor = pair
					l.haveLastMotor = true
					l.metrics.ActuatorWrite("motor")
				}
			}
		}
	}

	// サーボにはフェイルセーフが無い。コマンドが無ければ現状維持
	if l.servo != nil && l.servoMux != nil {
		if cmd, ok := l.servoMux.Pick(); ok {
			pair := [2]int{cmd.Pan, cmd.Tilt}
			if !l.haveLastServo || pair != l.lastServo {
				if err := l.writeServo(cmd); err != nil {
					errs = append(errs, err)
				} else {
					l.lastServo = pair
					l.haveLastServo = true
					l.metrics.ActuatorWrite("servo")
				}
			}
		}
	}

	return errors.Join(errs...)
}

func (l *Loop) writeServo(cmd ServoCommand) error {
	if err := l.servo.SetPan(cmd.Pan); err != nil {
		return fmt.Errorf("servo pan: %w", err)
	}
	if err := l.servo.SetTilt(cmd.Tilt); err != nil {
		return fmt.Errorf("servo tilt: %w", err)
	}
	return nil
}

// Run は ctx が終了するまで Tick を周期実行する。
// 終了時、フェイルセーフが有効なら停止コマンドを一度だけ送る (エラーは無視する)。
func (l *Loop) Run(ctx context.Context) error {
	interval := runloop.IntervalFromHz(l.cfg.Hz, l.cfg.IdleSleep)
	pacer := runloop.NewPacer(interval, l.cfg.IdleSleep)

	l.logger.Info("control loop started", "interval", interval)

	for ctx.Err() == nil {
		if err := l.Tick(); err != nil && l.errLimit.Allow() {
			l.logger.Warn("tick failed", "error", err)
		}
		if !pacer.Wait(ctx) {
			break
		}
	}

	if l.motor != nil && l.failsafe {
		if err := l.motor.Drive(0, 0); err != nil {
			l.logger.Debug("final stop failed", "error", err)
		}
	}

	l.logger.Info("control loop stopped")
	return nil
}
