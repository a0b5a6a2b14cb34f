// Package teleop はキーボードから走行・サーボのコマンドを生成する。
//
// ハードウェアには触れず、コマンドを公開するだけである。
// 端末 (raw TTY) と USB キーボード (evdev) の 2 種類の入力を持つ。
package teleop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rione/carbot/control"
	"github.com/Rione/carbot/runloop"
)

// ErrNotTerminal は標準入力が端末でない時に返される
var ErrNotTerminal = errors.New("stdin is not a terminal")

// 停止時に goroutine の終了を待つ上限
const stopTimeLimit = time.Second

// Config はキーボード操作の設定
type Config struct {
	Speed     int
	Steer     int
	ServoStep int

	Poll    time.Duration // 端末入力のポーリング間隔
	Deadman time.Duration // この間入力が無ければ停止コマンドを返す

	InvertSteer bool
	InvertPan   bool
	InvertTilt  bool

	DebugKeys bool

	Keymap Keymap
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		Speed:     1500,
		Steer:     1500,
		ServoStep: 20,
		Poll:      20 * time.Millisecond,
		Deadman:   150 * time.Millisecond,
		Keymap:    DefaultKeymap(),
	}
}

// KeyDebug は最後に読んだキーの情報
type KeyDebug struct {
	Key   string
	Bytes []byte
	Time  time.Time
}

// Teleop は走行コマンドとサーボコマンドを生成する入力源
type Teleop interface {
	control.Source[control.MotorCommand]

	Start() error
	Stop() error
	Close() error

	LatestMotor() (control.MotorCommand, bool)
	LatestServo() (control.ServoCommand, bool)

	QuitRequested() bool
	// Quitting は終了要求で閉じるチャネルを返す
	Quitting() <-chan struct{}
	Alive() bool
	ThreadError() error
	DebugLastKey() KeyDebug

	Keymap() Keymap
	Config() Config
}

// MotorSource は Teleop の走行コマンドを参照する
type MotorSource struct{ T Teleop }

func (s MotorSource) Latest() (control.MotorCommand, bool) { return s.T.LatestMotor() }

// ServoSource は Teleop のサーボコマンドを参照する
type ServoSource struct{ T Teleop }

func (s ServoSource) Latest() (control.ServoCommand, bool) { return s.T.LatestServo() }

// Option は Teleop の設定
type Option func(*state)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *state) { s.logger = logger }
}

// WithDevice はデバイスパス (/dev/input/eventN) を指定する。省略時は自動検出する (USB のみ)
func WithDevice(path string) Option {
	return func(s *state) { s.device = path }
}

// WithGrab はデバイスを排他的に掴む (USB のみ)
func WithGrab(grab bool) Option {
	return func(s *state) { s.grab = grab }
}

// state は両方の入力方式が共有する状態
type state struct {
	cfg  Config
	keys bindings

	mu             sync.Mutex
	latestMotor    control.MotorCommand
	hasMotor       bool
	latestServo    control.ServoCommand
	hasServo       bool
	lastMotorInput time.Time
	threadErr      error
	lastKey        KeyDebug

	// 入力 goroutine だけが触る
	pan, tilt int

	quit     atomic.Bool
	quitOnce sync.Once
	quitCh   chan struct{}

	worker *runloop.Worker
	logger *slog.Logger
	now    func() time.Time

	device string
	grab   bool
}

func newState(name string, cfg Config, opts []Option) *state {
	s := &state{
		cfg:    cfg,
		keys:   newBindings(cfg.Keymap),
		quitCh: make(chan struct{}),
		worker: runloop.NewWorker(name),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", name)
	s.lastMotorInput = s.now()
	return s
}

func (s *state) Config() Config { return s.cfg }

func (s *state) Keymap() Keymap { return s.cfg.Keymap }

// LatestMotor は最新の走行コマンドを返す。
// 最後の入力から Deadman 以上経っていれば停止コマンドを返す。
func (s *state) LatestMotor() (control.MotorCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasMotor {
		return control.MotorCommand{}, false
	}
	if s.now().Sub(s.lastMotorInput) >= s.cfg.Deadman {
		return control.StopCommand(), true
	}
	return s.latestMotor, true
}

func (s *state) LatestServo() (control.ServoCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestServo, s.hasServo
}

// Latest は LatestMotor と同じ
func (s *state) Latest() (control.MotorCommand, bool) { return s.LatestMotor() }

func (s *state) QuitRequested() bool { return s.quit.Load() }

func (s *state) Quitting() <-chan struct{} { return s.quitCh }

func (s *state) Alive() bool { return s.worker.Alive() }

// ThreadError は入力 goroutine が異常終了した原因を返す
func (s *state) ThreadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadErr
}

func (s *state) DebugLastKey() KeyDebug {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKey
}

func (s *state) requestQuit() {
	s.quit.Store(true)
	s.quitOnce.Do(func() { close(s.quitCh) })
}

func (s *state) recordKey(key string, raw []byte) {
	s.mu.Lock()
	s.lastKey = KeyDebug{Key: key, Bytes: raw, Time: s.now()}
	s.mu.Unlock()
}

func (s *state) setMotor(throttle, steer int) {
	if s.cfg.InvertSteer {
		steer = -steer
	}
	s.mu.Lock()
	s.latestMotor = control.NewMotorCommand(throttle, steer)
	s.hasMotor = true
	s.lastMotorInput = s.now()
	s.mu.Unlock()
}

func (s *state) setServo(pan, tilt int) {
	s.mu.Lock()
	s.latestServo = control.NewServoCommand(pan, tilt)
	s.hasServo = true
	s.mu.Unlock()
}

func (s *state) panSign() int {
	if s.cfg.InvertPan {
		return -1
	}
	return 1
}

func (s *state) tiltSign() int {
	if s.cfg.InvertTilt {
		return -1
	}
	return 1
}

// start は loop を入力 goroutine で実行する。
// loop のエラーや panic は ThreadError に記録し、終了を要求する。
func (s *state) start(loop func(stop <-chan struct{}) error) error {
	return s.worker.Start(func(ctx context.Context) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("teleop panic: %v", r)
			}
			if err != nil {
				s.mu.Lock()
				s.threadErr = err
				s.mu.Unlock()
				s.logger.Error("input loop failed", "error", err)
				s.requestQuit()
			}
		}()
		err = loop(ctx.Done())
	})
}

func (s *state) stop() bool {
	return s.worker.Stop(stopTimeLimit)
}

// HelpText はキー操作の一覧を返す。cfgName が空でなければ見出しに含める。
func HelpText(t Teleop, cfgName string) string {
	km := t.Keymap()

	var b strings.Builder
	b.WriteString("\n=== TELEOP CONTROLS ===\n")
	if cfgName != "" {
		fmt.Fprintf(&b, "teleop config: %s\n", cfgName)
	}
	b.WriteString("\n")

	line := func(label string, keys []string) {
		fmt.Fprintf(&b, "  %-11s %s\n", label+":", formatKeys(keys))
	}

	b.WriteString("Motor:\n")
	line("forward", km.MotorForward)
	line("backward", km.MotorBackward)
	line("left", km.MotorLeft)
	line("right", km.MotorRight)
	line("fwd-left", km.MotorFwdLeft)
	line("fwd-right", km.MotorFwdRight)
	line("back-left", km.MotorBackLeft)
	line("back-right", km.MotorBackRight)
	line("stop", km.MotorStop)

	b.WriteString("\nServo:\n")
	line("pan left", km.ServoPanLeft)
	line("pan right", km.ServoPanRight)
	line("tilt up", km.ServoTiltUp)
	line("tilt down", km.ServoTiltDown)
	line("center", km.ServoCenter)

	b.WriteString("\nQuit:\n")
	line("quit", km.Quit)

	b.WriteString("\nNote: input method may run without echo / in raw mode depending on teleop.\n")
	return b.String()
}
