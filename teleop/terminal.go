package teleop

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	terminalReadSize    = 64
	terminalFlushPasses = 10
)

// Terminal は標準入力を raw モードで読み、キーごとにコマンドを更新する。
// 1 キーで 1 コマンドを発行し、キーを離したことは検出できない。
type Terminal struct {
	*state

	in  *os.File
	raw bool // false ならテスト用にモード変更をしない
}

// NewTerminal は標準入力を読む Terminal を返す
func NewTerminal(cfg Config, opts ...Option) *Terminal {
	return &Terminal{
		state: newState("teleop-terminal", cfg, opts),
		in:    os.Stdin,
		raw:   true,
	}
}

// Start は入力 goroutine を開始する。標準入力が端末でなければ ErrNotTerminal
func (t *Terminal) Start() error {
	if t.raw && !term.IsTerminal(int(t.in.Fd())) {
		return ErrNotTerminal
	}
	return t.start(t.loop)
}

// Stop は入力 goroutine を止める。端末のモードは goroutine が戻す
func (t *Terminal) Stop() error {
	if !t.stop() {
		t.logger.Warn("input goroutine did not exit in time")
	}
	return nil
}

func (t *Terminal) Close() error { return t.Stop() }

func (t *Terminal) loop(stop <-chan struct{}) (err error) {
	fd := int(t.in.Fd())

	if t.raw {
		old, rawErr := term.MakeRaw(fd)
		if rawErr != nil {
			return fmt.Errorf("set raw mode: %w", rawErr)
		}
		defer func() {
			if restoreErr := term.Restore(fd, old); restoreErr != nil && err == nil {
				err = fmt.Errorf("restore terminal: %w", restoreErr)
			}
		}()
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("get fd flags: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("set nonblock: %w", err)
	}
	defer unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)

	readBuf := make([]byte, terminalReadSize)

	// 起動前に溜まった入力を捨てる
	for i := 0; i < terminalFlushPasses; i++ {
		if _, err := readAvailable(fd, readBuf, 0); err != nil {
			return err
		}
	}

	var buf []byte
	for !t.QuitRequested() {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := readAvailable(fd, readBuf, t.cfg.Poll)
		if err != nil {
			return err
		}
		if n > 0 {
			raw := append([]byte(nil), readBuf[:n]...)
			t.mu.Lock()
			t.lastKey.Bytes = raw
			t.lastKey.Time = t.now()
			t.mu.Unlock()
			buf = append(buf, raw...)
		}

		for {
			key, rest, ok := popKey(buf)
			if !ok {
				break
			}
			buf = rest
			key = normalizeKey(key)
			t.mu.Lock()
			t.lastKey.Key = key
			t.mu.Unlock()
			t.handleKey(key)
		}
	}
	return nil
}

// readAvailable は timeout まで入力を待ち、読めた分だけ返す
func readAvailable(fd int, buf []byte, timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll input: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	r, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("read input: %w", err)
	}
	if r == 0 && fds[0].Revents&unix.POLLHUP != 0 {
		return 0, errors.New("input closed")
	}
	return r, nil
}

// popKey は buf の先頭から 1 キー分を取り出す。
// 矢印キーは ESC [ A-D の 3 バイト。ESC だけで 3 バイトに満たない場合は続きを待つ。
func popKey(buf []byte) (key string, rest []byte, ok bool) {
	if len(buf) == 0 {
		return "", buf, false
	}

	if buf[0] == 0x1b {
		if len(buf) < 3 {
			return "", buf, false
		}
		if buf[1] == '[' && buf[2] >= 'A' && buf[2] <= 'D' {
			return string(buf[:3]), buf[3:], true
		}
		return KeyEsc, buf[1:], true
	}

	// 1 バイトを latin-1 の 1 文字として扱う
	return string(rune(buf[0])), buf[1:], true
}

// normalizeKey は 1 文字のキーを小文字にする
func normalizeKey(key string) string {
	if len([]rune(key)) == 1 {
		return strings.ToLower(key)
	}
	return key
}

// handleKey は 1 キー分の操作を適用する。最初に一致した操作だけを実行する
func (t *Terminal) handleKey(k string) {
	keys := &t.keys
	if keys.quit.has(k) {
		t.requestQuit()
		return
	}

	speed, steer := t.cfg.Speed, t.cfg.Steer

	switch {
	case keys.stop.has(k):
		t.setMotor(0, 0)
	case keys.forward.has(k):
		t.setMotor(speed, 0)
	case keys.backward.has(k):
		t.setMotor(-speed, 0)
	case keys.right.has(k):
		t.setMotor(0, steer)
	case keys.left.has(k):
		t.setMotor(0, -steer)
	case keys.fwdRight.has(k):
		t.setMotor(speed, steer)
	case keys.fwdLeft.has(k):
		t.setMotor(speed, -steer)
	case keys.backRight.has(k):
		t.setMotor(-speed, -steer)
	case keys.backLeft.has(k):
		t.setMotor(-speed, steer)
	default:
		t.handleServoKey(k)
	}
}

func (t *Terminal) handleServoKey(k string) {
	keys := &t.keys
	step := t.cfg.ServoStep

	switch {
	case keys.center.has(k):
		t.pan, t.tilt = 0, 0
	case keys.panLeft.has(k):
		t.pan -= step * t.panSign()
	case keys.panRight.has(k):
		t.pan += step * t.panSign()
	case keys.tiltUp.has(k):
		t.tilt += step * t.tiltSign()
	case keys.tiltDown.has(k):
		t.tilt -= step * t.tiltSign()
	default:
		return
	}
	t.setServo(t.pan, t.tilt)
}
