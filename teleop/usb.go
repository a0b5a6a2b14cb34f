package teleop

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"

	"github.com/Rione/carbot/hardware"
)

const (
	usbPollEvery      = 10 * time.Millisecond
	usbMotorRefresh   = 30 * time.Millisecond // Deadman より短くする
	usbServoStepEvery = 40 * time.Millisecond
)

// キーイベントの value
const (
	keyStateUp     = 0
	keyStateDown   = 1
	keyStateRepeat = 2
)

var keyCodeTokens = map[evdev.EvCode]string{
	evdev.KEY_ESC:   KeyEsc,
	evdev.KEY_TAB:   KeyTab,
	evdev.KEY_ENTER: KeyEnter,
	evdev.KEY_SPACE: KeySpace,
	evdev.KEY_UP:    KeyUp,
	evdev.KEY_LEFT:  KeyLeft,
	evdev.KEY_RIGHT: KeyRight,
	evdev.KEY_DOWN:  KeyDown,

	evdev.KEY_1: "1", evdev.KEY_2: "2", evdev.KEY_3: "3", evdev.KEY_4: "4", evdev.KEY_5: "5",
	evdev.KEY_6: "6", evdev.KEY_7: "7", evdev.KEY_8: "8", evdev.KEY_9: "9", evdev.KEY_0: "0",

	evdev.KEY_Q: "q", evdev.KEY_W: "w", evdev.KEY_E: "e", evdev.KEY_R: "r", evdev.KEY_T: "t",
	evdev.KEY_Y: "y", evdev.KEY_U: "u", evdev.KEY_I: "i", evdev.KEY_O: "o", evdev.KEY_P: "p",
	evdev.KEY_A: "a", evdev.KEY_S: "s", evdev.KEY_D: "d", evdev.KEY_F: "f", evdev.KEY_G: "g",
	evdev.KEY_H: "h", evdev.KEY_J: "j", evdev.KEY_K: "k", evdev.KEY_L: "l",
	evdev.KEY_Z: "z", evdev.KEY_X: "x", evdev.KEY_C: "c", evdev.KEY_V: "v", evdev.KEY_B: "b",
	evdev.KEY_N: "n", evdev.KEY_M: "m",
}

// keyCodeToken はキーコードをトークンに変換する。対応しないキーは ok が false
func keyCodeToken(code evdev.EvCode) (string, bool) {
	tok, ok := keyCodeTokens[code]
	return tok, ok
}

// inputDevice は evdev.InputDevice のうち使う部分
type inputDevice interface {
	ReadOne() (*evdev.InputEvent, error)
	Grab() error
	Ungrab() error
	Close() error
}

// USB は evdev からキーの押下・解放を読み、押されているキーの組み合わせからコマンドを作る。
// 押している間は走行コマンドを更新し続け、サーボは一定周期で動かし続ける。
type USB struct {
	*state

	open  func() (inputDevice, error)
	devMu sync.Mutex
	dev   inputDevice

	// 入力 goroutine だけが触る
	pressed keySet
}

// NewUSB は USB キーボードを読む Teleop を返す
func NewUSB(cfg Config, opts ...Option) *USB {
	u := &USB{
		state:   newState("teleop-usb", cfg, opts),
		pressed: keySet{},
	}
	u.open = u.openDevice
	return u
}

// Device は開いたデバイスのパスを返す
func (u *USB) Device() string { return u.device }

// Start はデバイスを開いて入力 goroutine を開始する
func (u *USB) Start() error {
	// 起動済み・停止済みならデバイスを開かずにエラーを返す
	if u.worker.Started() {
		return u.start(u.loop)
	}

	dev, err := u.open()
	if err != nil {
		return err
	}
	u.devMu.Lock()
	u.dev = dev
	u.devMu.Unlock()

	if err := u.start(u.loop); err != nil {
		u.closeDevice()
		return err
	}
	u.logger.Info("usb keyboard opened", "device", u.device, "grab", u.grab)
	return nil
}

// Stop は入力 goroutine を止めてデバイスを閉じる。閉じると読み込み待ちが解ける
func (u *USB) Stop() error {
	if !u.stop() {
		u.logger.Warn("input goroutine did not exit in time")
	}
	u.closeDevice()
	return nil
}

func (u *USB) Close() error { return u.Stop() }

func (u *USB) openDevice() (inputDevice, error) {
	if u.device == "" {
		path, err := detectKeyboard(listDevicePaths, deviceKeyCaps)
		if err != nil {
			return nil, err
		}
		u.device = path
	}

	dev, err := evdev.Open(u.device)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("open %s: %w (add the user to the input group)", u.device, err)
		}
		return nil, fmt.Errorf("open %s: %w", u.device, err)
	}

	if u.grab {
		if err := dev.Grab(); err != nil {
			u.logger.Warn("grab failed", "device", u.device, "error", err)
		}
	}
	return dev, nil
}

func (u *USB) closeDevice() {
	u.devMu.Lock()
	dev := u.dev
	u.dev = nil
	u.devMu.Unlock()
	if dev == nil {
		return
	}
	if u.grab {
		_ = dev.Ungrab()
	}
	_ = dev.Close()
}

func (u *USB) loop(stop <-chan struct{}) error {
	u.devMu.Lock()
	dev := u.dev
	u.devMu.Unlock()
	if dev == nil {
		return errors.New("usb keyboard device not open")
	}

	// ReadOne はブロックするので別 goroutine で読む。デバイスを閉じると抜ける
	events := make(chan evdev.InputEvent, 64)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			ev, err := dev.ReadOne()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- *ev:
			case <-done:
				return
			}
		}
	}()

	tick := time.NewTicker(usbPollEvery)
	defer tick.Stop()

	lastRefresh := time.Now()
	lastServoStep := time.Now()

	for !u.QuitRequested() {
		select {
		case <-stop:
			return nil
		case err := <-readErr:
			return fmt.Errorf("read %s: %w", u.device, err)
		case ev := <-events:
			if u.handleEvent(ev) {
				return nil
			}
		case <-tick.C:
		}

		now := time.Now()
		if now.Sub(lastRefresh) >= usbMotorRefresh {
			if u.keys.motor.any(u.pressed) {
				u.recomputeMotor()
			}
			lastRefresh = now
		}
		if now.Sub(lastServoStep) >= usbServoStepEvery {
			if u.keys.servo.any(u.pressed) {
				u.stepServo()
			}
			lastServoStep = now
		}
	}
	return nil
}

// handleEvent は 1 イベントを適用する。終了要求が出たら true を返す
func (u *USB) handleEvent(ev evdev.InputEvent) bool {
	if ev.Type != evdev.EV_KEY {
		return false
	}
	tok, ok := keyCodeToken(ev.Code)
	if !ok {
		return false
	}

	switch ev.Value {
	case keyStateDown, keyStateRepeat:
		u.pressed[tok] = struct{}{}
	case keyStateUp:
		delete(u.pressed, tok)
	}
	u.recordKey(tok, nil)

	// リピートでは終了しない
	if ev.Value == keyStateDown && u.keys.quit.has(tok) {
		u.requestQuit()
		return true
	}

	if u.keys.motor.has(tok) {
		u.recomputeMotor()
	}
	if u.keys.servo.has(tok) {
		u.stepServo()
	}
	return false
}

// recomputeMotor は押されているキーから走行コマンドを作る。
// 停止 > 斜め > 前後左右の加算 の順に優先し、何も押されていなければ更新しない。
func (u *USB) recomputeMotor() {
	k, p := &u.keys, u.pressed
	speed, steer := u.cfg.Speed, u.cfg.Steer

	switch {
	case k.stop.any(p):
		u.setMotor(0, 0)
		return
	case k.fwdRight.any(p):
		u.setMotor(speed, steer)
		return
	case k.fwdLeft.any(p):
		u.setMotor(speed, -steer)
		return
	case k.backRight.any(p):
		u.setMotor(-speed, -steer)
		return
	case k.backLeft.any(p):
		u.setMotor(-speed, steer)
		return
	}

	throttle, steerVal := 0, 0
	if k.forward.any(p) {
		throttle += speed
	}
	if k.backward.any(p) {
		throttle -= speed
	}
	if k.right.any(p) {
		steerVal += steer
	}
	if k.left.any(p) {
		steerVal -= steer
	}

	if throttle == 0 && steerVal == 0 {
		return
	}
	u.setMotor(throttle, steerVal)
}

// stepServo は押されているキーに応じてサーボを 1 ステップ動かす。
// センターキーは他のキーより優先し、すでに中心なら何もしない。
func (u *USB) stepServo() {
	k, p := &u.keys, u.pressed
	step := u.cfg.ServoStep
	pan, tilt := u.pan, u.tilt
	changed := false

	if k.center.any(p) {
		if pan != 0 || tilt != 0 {
			pan, tilt = 0, 0
			changed = true
		}
	} else {
		if k.panLeft.any(p) {
			pan -= step * u.panSign()
			changed = true
		}
		if k.panRight.any(p) {
			pan += step * u.panSign()
			changed = true
		}
		if k.tiltUp.any(p) {
			tilt += step * u.tiltSign()
			changed = true
		}
		if k.tiltDown.any(p) {
			tilt -= step * u.tiltSign()
			changed = true
		}
	}

	if changed {
		u.pan, u.tilt = pan, tilt
		u.setServo(pan, tilt)
	}
}

// detectKeyboard は KEY_A と KEY_SPACE を持つ最初の入力デバイスを返す
func detectKeyboard(list func() ([]string, error), keyCaps func(path string) ([]evdev.EvCode, error)) (string, error) {
	paths, err := list()
	if err != nil {
		return "", fmt.Errorf("list input devices: %w", err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no input devices: %w", hardware.ErrNoDevice)
	}

	for _, path := range paths {
		caps, err := keyCaps(path)
		if err != nil {
			continue
		}
		if slices.Contains(caps, evdev.KEY_A) && slices.Contains(caps, evdev.KEY_SPACE) {
			return path, nil
		}
	}
	return "", fmt.Errorf("could not auto-detect a usb keyboard, set the device path: %w", hardware.ErrNoDevice)
}

func listDevicePaths() ([]string, error) {
	devs, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(devs))
	for _, d := range devs {
		paths = append(paths, d.Path)
	}
	return paths, nil
}

func deviceKeyCaps(path string) ([]evdev.EvCode, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	return dev.CapableEvents(evdev.EV_KEY), nil
}
