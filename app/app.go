// Package app は設定からロボットの各コンポーネントを組み立て、まとめて動かす。
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Rione/carbot/config"
	"github.com/Rione/carbot/control"
	"github.com/Rione/carbot/driver"
	"github.com/Rione/carbot/hardware/gpio"
	"github.com/Rione/carbot/metrics"
	"github.com/Rione/carbot/status"
	"github.com/Rione/carbot/teleop"
	"github.com/Rione/carbot/vision"
)

// キーボードの走行コマンドの Mux 上の名前
const keyboardSource = "kb"

type options struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	teleop   teleop.Teleop
	out      io.Writer
}

// Option は App の設定
type Option func(*options)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry はメトリクスを登録するレジストリを設定する。省略時は新しく作る
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTeleop は設定の teleop セクションの代わりに t を使う
func WithTeleop(t teleop.Teleop) Option {
	return func(o *options) { o.teleop = t }
}

// WithStatusOutput は状態表示の出力先を設定する。省略時は標準出力
func WithStatusOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// App は組み立て済みのロボット。設定に無いコンポーネントは nil
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	out      io.Writer

	Motor      *driver.MotorDriver
	Servo      *driver.ServoDriver
	Infrared   *driver.InfraredDriver
	Ultrasonic *driver.UltrasonicDriver
	Camera     *driver.CameraDriver

	Pipeline *vision.Pipeline
	Encoder  *vision.Encoder
	Stream   *vision.Server

	Teleop   teleop.Teleop
	MotorMux *control.Mux[control.MotorCommand]
	ServoMux *control.Mux[control.ServoCommand]
	Loop     *control.Loop

	Publisher *status.Publisher
	Health    *status.Health
	LED       *gpio.LED

	closeOnce sync.Once
	closeErr  error
}

// Build は cfg からすべてのコンポーネントを作る。途中で失敗した場合は作ったものを閉じる。
// goroutine はまだ起動しない。
func Build(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	a := &App{
		cfg:      cfg,
		logger:   o.logger,
		registry: o.registry,
		metrics:  metrics.New(o.registry),
		out:      o.out,
	}
	if err := a.build(o); err != nil {
		if cerr := a.Close(); cerr != nil {
			a.logger.Warn("cleanup after build failure", "error", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(o options) error {
	cfg := a.cfg
	ctl := &controllers{cfg: cfg, app: a}
	dopts := []driver.Option{driver.WithLogger(a.logger), driver.WithMetrics(a.metrics)}

	if cfg.Motor != nil {
		mc, err := ctl.motor(cfg.Motor.Controller)
		if err != nil {
			return fmt.Errorf("motor: %w", err)
		}
		a.Motor = driver.NewMotorDriver(mc, cfg.Motor.DriverConfig(), dopts...)
	}
	if cfg.Servo != nil {
		sc, err := ctl.servo(cfg.Servo.Controller)
		if err != nil {
			return fmt.Errorf("servo: %w", err)
		}
		a.Servo, err = driver.NewServoDriver(sc, cfg.Servo.DriverConfig(), dopts...)
		if err != nil {
			_ = sc.Close()
			return fmt.Errorf("servo: %w", err)
		}
	}
	if cfg.Infrared != nil {
		ic, err := ctl.infrared(cfg.Infrared.Controller)
		if err != nil {
			return fmt.Errorf("infrared: %w", err)
		}
		a.Infrared = driver.NewInfraredDriver(ic, cfg.Infrared.DriverConfig(), dopts...)
	}
	if cfg.Ultrasonic != nil {
		uc, err := ctl.ultrasonic(cfg.Ultrasonic.Controller)
		if err != nil {
			return fmt.Errorf("ultrasonic: %w", err)
		}
		a.Ultrasonic = driver.NewUltrasonicDriver(uc, cfg.Ultrasonic.DriverConfig(), dopts...)
	}
	if cfg.Camera != nil {
		cc, err := ctl.camera(cfg.Camera)
		if err != nil {
			return fmt.Errorf("camera: %w", err)
		}
		a.Camera = driver.NewCameraDriver(cc, cfg.Camera.Policy(), dopts...)
	}

	if cfg.Network != nil && a.Camera != nil {
		if err := a.buildStreaming(cfg.Network.VisionConfig()); err != nil {
			return err
		}
	}

	if err := a.buildTeleop(o.teleop); err != nil {
		return err
	}
	a.buildControl()

	if err := a.buildStatus(); err != nil {
		return err
	}
	return nil
}

func (a *App) buildStreaming(nc vision.NetworkConfig) error {
	transform, err := vision.TransformByName(nc.Transform)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	vopts := []vision.Option{vision.WithLogger(a.logger), vision.WithMetrics(a.metrics)}

	a.Pipeline = vision.NewPipeline(a.Camera, transform, append(vopts, vision.WithIdleSleep(nc.IdleSleep))...)
	a.Encoder = vision.NewEncoder(a.Pipeline.Store(), nc.JPEGQuality, append(vopts, vision.WithJPEGEncoder(registeredJPEGEncoder()))...)
	a.Stream = vision.NewServer(a.Encoder.Store(), nc, append(vopts, vision.WithFrameStore(a.Pipeline.Store()))...)
	return nil
}

func (a *App) buildTeleop(injected teleop.Teleop) error {
	if injected != nil {
		a.Teleop = injected
		return nil
	}
	sec := a.cfg.Teleop
	if sec == nil {
		return nil
	}
	tc, err := sec.TeleopConfig()
	if err != nil {
		return err
	}
	switch sec.Keyboard {
	case "terminal":
		a.Teleop = teleop.NewTerminal(tc, teleop.WithLogger(a.logger))
	case "usb":
		a.Teleop = teleop.NewUSB(tc,
			teleop.WithDevice(sec.Device),
			teleop.WithGrab(sec.Grab),
			teleop.WithLogger(a.logger),
		)
	default:
		return fmt.Errorf("%w: unknown teleop keyboard %q", config.ErrInvalidConfig, sec.Keyboard)
	}
	return nil
}

// motorMaxAge は deadman の 2 倍、最低 50ms
func (a *App) motorMaxAge() time.Duration {
	if a.cfg.Teleop != nil {
		return a.cfg.Teleop.MotorMaxAge()
	}
	return max(50*time.Millisecond, 2*a.Teleop.Config().Deadman)
}

func (a *App) buildControl() {
	loopOpts := []control.LoopOption{
		control.WithFailsafeStop(a.cfg.Control.Failsafe()),
		control.WithLoopLogger(a.logger),
		control.WithLoopMetrics(a.metrics),
	}

	if a.Motor != nil {
		var entries []control.Entry[control.MotorCommand]
		if a.Teleop != nil {
			entries = append(entries, control.Entry[control.MotorCommand]{
				Source:   teleop.MotorSource{T: a.Teleop},
				MaxAge:   a.motorMaxAge(),
				Priority: 0,
				Name:     keyboardSource,
			})
		}
		a.MotorMux = control.NewMux(entries, control.WithMuxName("motor"), control.WithMuxMetrics(a.metrics))
		loopOpts = append(loopOpts, control.WithMotor(a.Motor, a.MotorMux))
	}
	if a.Servo != nil {
		var entries []control.Entry[control.ServoCommand]
		if a.Teleop != nil {
			entries = append(entries, control.Entry[control.ServoCommand]{
				Source:   teleop.ServoSource{T: a.Teleop},
				MaxAge:   a.cfg.Control.ServoAge(),
				Priority: 0,
				Name:     keyboardSource,
			})
		}
		a.ServoMux = control.NewMux(entries, control.WithMuxName("servo"), control.WithMuxMetrics(a.metrics))
		loopOpts = append(loopOpts, control.WithServo(a.Servo, a.ServoMux))
	}

	a.Loop = control.NewLoop(a.cfg.Control.LoopConfig(), loopOpts...)
}

func (a *App) buildStatus() error {
	st := a.cfg.Status
	if st.HealthAddr != "" {
		a.Health = status.NewHealth(a.logger)
	}
	if st.UDPAddr != "" {
		p, err := status.NewPublisher(st.UDPAddr, st.Interval(), a.Snapshot, a.logger)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		a.Publisher = p
	}
	if a.cfg.GPIO.LED != 0 {
		led, err := gpio.NewLED(a.cfg.GPIO.LED)
		if err != nil {
			return fmt.Errorf("led: %w", err)
		}
		a.LED = led
	}
	return nil
}

// Config は組み立てに使った設定を返す
func (a *App) Config() *config.Config { return a.cfg }

// Registry はメトリクスのレジストリを返す
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Snapshot は現在の状態を返す
func (a *App) Snapshot() status.Snapshot {
	s := status.Snapshot{
		RobotID: a.cfg.RobotID,
		Time:    time.Now(),
	}
	if a.Teleop != nil {
		s.TeleopAlive = a.Teleop.Alive()
		if m, ok := a.Teleop.LatestMotor(); ok {
			s.Motor = &m
		}
		if sv, ok := a.Teleop.LatestServo(); ok {
			s.Servo = &sv
		}
	}
	if a.Infrared != nil {
		if ir, ok := a.Infrared.Latest(); ok {
			bits := ir.Bits
			s.InfraredBits = &bits
		}
	}
	if a.Ultrasonic != nil {
		if us, ok := a.Ultrasonic.Latest(); ok {
			d := us.DistanceCM
			s.DistanceCM = &d
		}
	}
	if a.Encoder != nil {
		if _, ts, ok := a.Encoder.Store().Get(); ok {
			s.JPEGTime = ts
		}
	}
	return s
}

type closer struct {
	name string
	c    io.Closer
}

// Close はすべてのコンポーネントを止める。
// 入力を先に止め、次に配信と映像処理、最後にセンサーとアクチュエーターを閉じる。
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var cs []closer
		add := func(name string, c io.Closer, present bool) {
			if present {
				cs = append(cs, closer{name, c})
			}
		}
		add("teleop", a.Teleop, a.Teleop != nil)
		add("stream", a.Stream, a.Stream != nil)
		add("encoder", a.Encoder, a.Encoder != nil)
		add("pipeline", a.Pipeline, a.Pipeline != nil)
		add("camera", a.Camera, a.Camera != nil)
		add("ultrasonic", a.Ultrasonic, a.Ultrasonic != nil)
		add("infrared", a.Infrared, a.Infrared != nil)
		add("servo", a.Servo, a.Servo != nil)
		add("motor", a.Motor, a.Motor != nil)
		add("status", a.Publisher, a.Publisher != nil)
		add("health", a.Health, a.Health != nil)
		add("led", a.LED, a.LED != nil)

		var errs []error
		for _, c := range cs {
			if err := c.c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
