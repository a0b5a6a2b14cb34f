package teleop

import (
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rione/carbot/control"
	"github.com/Rione/carbot/hardware"
	"github.com/Rione/carbot/runloop"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Deadman = 10 * time.Second
	return cfg
}

func TestPopKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		key  string
		rest string
		ok   bool
	}{
		{name: "empty", in: "", ok: false},
		{name: "printable", in: "ab", key: "a", rest: "b", ok: true},
		{name: "arrow up", in: "\x1b[Ax", key: KeyUp, rest: "x", ok: true},
		{name: "arrow left", in: "\x1b[D", key: KeyLeft, rest: "", ok: true},
		{name: "lone esc held", in: "\x1b", rest: "\x1b", ok: false},
		{name: "esc bracket held", in: "\x1b[", rest: "\x1b[", ok: false},
		{name: "esc other", in: "\x1bOP", key: KeyEsc, rest: "OP", ok: true},
		{name: "esc bracket other", in: "\x1b[Z", key: KeyEsc, rest: "[Z", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, rest, ok := popKey([]byte(tt.in))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.rest, string(rest))
		})
	}
}

func TestNormalizeKeyLowercasesSingleCharacters(t *testing.T) {
	assert.Equal(t, "w", normalizeKey("W"))
	assert.Equal(t, KeyUp, normalizeKey(KeyUp))
	assert.Equal(t, " ", normalizeKey(" "))
}

func TestTerminalDispatch(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		key      string
		throttle int
		steer    int
	}{
		{KeyUp, 1500, 0},
		{KeyDown, -1500, 0},
		{KeyRight, 0, 1500},
		{KeyLeft, 0, -1500},
		{"o", 1500, 1500},
		{"u", 1500, -1500},
		{"l", -1500, -1500},
		{"j", -1500, 1500},
		{KeySpace, 0, 0},
	}
	for _, tt := range tests {
		t.Run(FormatKey(tt.key), func(t *testing.T) {
			term := NewTerminal(cfg)
			term.handleKey(tt.key)
			cmd, ok := term.LatestMotor()
			require.True(t, ok)
			assert.Equal(t, tt.throttle, cmd.Throttle)
			assert.Equal(t, tt.steer, cmd.SteerDifferential)
		})
	}
}

func TestTerminalServoKeys(t *testing.T) {
	term := NewTerminal(testConfig())

	_, ok := term.LatestServo()
	assert.False(t, ok)

	term.handleKey("a")
	term.handleKey("a")
	term.handleKey("w")
	cmd, ok := term.LatestServo()
	require.True(t, ok)
	assert.Equal(t, -40, cmd.Pan)
	assert.Equal(t, 20, cmd.Tilt)

	term.handleKey("c")
	cmd, _ = term.LatestServo()
	assert.Equal(t, 0, cmd.Pan)
	assert.Equal(t, 0, cmd.Tilt)

	// 割り当てのないキーは何もしない
	term.handleKey("z")
	_, ok = term.LatestMotor()
	assert.False(t, ok)
}

func TestTerminalInversion(t *testing.T) {
	cfg := testConfig()
	cfg.InvertSteer = true
	cfg.InvertPan = true
	cfg.InvertTilt = true
	term := NewTerminal(cfg)

	term.handleKey(KeyRight)
	cmd, _ := term.LatestMotor()
	assert.Equal(t, -1500, cmd.SteerDifferential)

	term.handleKey("d")
	term.handleKey("w")
	servo, _ := term.LatestServo()
	assert.Equal(t, -20, servo.Pan)
	assert.Equal(t, -20, servo.Tilt)
}

func TestTerminalQuitKeys(t *testing.T) {
	for _, key := range []string{"q", KeyCtrlC} {
		term := NewTerminal(testConfig())
		term.handleKey(key)
		assert.True(t, term.QuitRequested())
		select {
		case <-term.Quitting():
		default:
			t.Fatalf("Quitting not closed after %q", key)
		}
	}
}

func TestDeadmanSynthesizesStop(t *testing.T) {
	cfg := DefaultConfig()
	term := NewTerminal(cfg)

	now := time.Now()
	term.now = func() time.Time { return now }

	_, ok := term.LatestMotor()
	assert.False(t, ok, "no command before any motor input")

	term.handleKey(KeyUp)
	cmd, ok := term.LatestMotor()
	require.True(t, ok)
	assert.Equal(t, 1500, cmd.Throttle)

	now = now.Add(cfg.Deadman)
	cmd, ok = term.LatestMotor()
	require.True(t, ok)
	assert.True(t, cmd.IsStop())

	// Latest は LatestMotor と同じ
	cmd, ok = term.Latest()
	require.True(t, ok)
	assert.True(t, cmd.IsStop())
}

func TestTerminalLoopReadsPipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	term := NewTerminal(testConfig())
	term.in, term.raw = r, false
	require.NoError(t, term.Start())
	defer term.Stop()

	// 起動直後の入力は捨てられるので届くまで書き続ける
	require.Eventually(t, func() bool {
		_, _ = w.Write([]byte(KeyUp))
		cmd, ok := term.LatestMotor()
		return ok && cmd.Throttle == 1500
	}, 2*time.Second, 20*time.Millisecond)

	dbg := term.DebugLastKey()
	assert.Equal(t, KeyUp, dbg.Key)
	assert.NotEmpty(t, dbg.Bytes)

	require.Eventually(t, func() bool {
		_, _ = w.Write([]byte("Q"))
		return term.QuitRequested()
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return !term.Alive() }, time.Second, 10*time.Millisecond)
	assert.NoError(t, term.ThreadError())
}

func TestTerminalThreadErrorRequestsQuit(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	term := NewTerminal(testConfig())
	term.in, term.raw = r, false
	require.NoError(t, w.Close())
	require.NoError(t, term.Start())
	defer term.Stop()

	select {
	case <-term.Quitting():
	case <-time.After(2 * time.Second):
		t.Fatal("quit not requested after input closed")
	}
	assert.Error(t, term.ThreadError())
}

func TestTerminalRequiresTTY(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	term := NewTerminal(testConfig())
	term.in = r
	assert.ErrorIs(t, term.Start(), ErrNotTerminal)
}

func TestTerminalStartTwice(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	term := NewTerminal(testConfig())
	term.in, term.raw = r, false
	require.NoError(t, term.Start())
	assert.ErrorIs(t, term.Start(), runloop.ErrAlreadyStarted)
	require.NoError(t, term.Stop())
	require.NoError(t, term.Stop())
}

func keyEvent(code evdev.EvCode, value int32) evdev.InputEvent {
	return evdev.InputEvent{Type: evdev.EV_KEY, Code: code, Value: value}
}

const (
	codeQ     = evdev.KEY_Q
	codeW     = evdev.KEY_W
	codeA     = evdev.KEY_A
	codeC     = evdev.KEY_C
	codeO     = evdev.KEY_O
	codeUp    = evdev.KEY_UP
	codeRight = evdev.KEY_RIGHT
	codeSpace = evdev.KEY_SPACE
)

// fakeDevice は events に送ったイベントを返す入力デバイス
type fakeDevice struct {
	events  chan evdev.InputEvent
	closed  chan struct{}
	once    sync.Once
	grabbed atomic.Bool
	readErr error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{events: make(chan evdev.InputEvent, 16), closed: make(chan struct{})}
}

func (d *fakeDevice) ReadOne() (*evdev.InputEvent, error) {
	if d.readErr != nil {
		return nil, d.readErr
	}
	select {
	case ev := <-d.events:
		return &ev, nil
	case <-d.closed:
		return nil, os.ErrClosed
	}
}

func (d *fakeDevice) Grab() error   { d.grabbed.Store(true); return nil }
func (d *fakeDevice) Ungrab() error { d.grabbed.Store(false); return nil }

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func TestUSBRecomputePriority(t *testing.T) {
	u := NewUSB(testConfig())

	// 前進 + 右は加算される
	u.handleEvent(keyEvent(codeUp, keyStateDown))
	u.handleEvent(keyEvent(codeRight, keyStateDown))
	cmd, _ := u.LatestMotor()
	assert.Equal(t, 1500, cmd.Throttle)
	assert.Equal(t, 1500, cmd.SteerDifferential)

	// 右を離しても前進は続く
	u.handleEvent(keyEvent(codeRight, keyStateUp))
	cmd, _ = u.LatestMotor()
	assert.Equal(t, 1500, cmd.Throttle)
	assert.Equal(t, 0, cmd.SteerDifferential)

	// 斜めキーは加算より優先
	u.handleEvent(keyEvent(codeO, keyStateDown))
	cmd, _ = u.LatestMotor()
	assert.Equal(t, 1500, cmd.Throttle)
	assert.Equal(t, 1500, cmd.SteerDifferential)

	// 停止キーは全てに優先
	u.handleEvent(keyEvent(codeSpace, keyStateDown))
	cmd, _ = u.LatestMotor()
	assert.True(t, cmd.IsStop())
}

func TestUSBNothingHeldKeepsLastCommand(t *testing.T) {
	u := NewUSB(testConfig())
	u.handleEvent(keyEvent(codeUp, keyStateDown))
	before, _ := u.LatestMotor()

	u.handleEvent(keyEvent(codeUp, keyStateUp))
	after, ok := u.LatestMotor()
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestUSBServoCenterOverrides(t *testing.T) {
	u := NewUSB(testConfig())

	u.handleEvent(keyEvent(codeA, keyStateDown))
	u.handleEvent(keyEvent(codeW, keyStateDown))
	cmd, ok := u.LatestServo()
	require.True(t, ok)
	// a の押下で 1 ステップ、w の押下で a と w の両方が 1 ステップ
	assert.Equal(t, -40, cmd.Pan)
	assert.Equal(t, 20, cmd.Tilt)

	u.handleEvent(keyEvent(codeC, keyStateDown))
	cmd, _ = u.LatestServo()
	assert.Equal(t, 0, cmd.Pan)
	assert.Equal(t, 0, cmd.Tilt)

	// 中心にいる間は center を押し続けても更新しない
	stamp := cmd.TS
	u.stepServo()
	cmd, _ = u.LatestServo()
	assert.Equal(t, stamp, cmd.TS)
}

func TestUSBQuitOnlyOnKeyDown(t *testing.T) {
	u := NewUSB(testConfig())

	assert.False(t, u.handleEvent(keyEvent(codeQ, keyStateRepeat)))
	assert.False(t, u.QuitRequested())

	assert.True(t, u.handleEvent(keyEvent(codeQ, keyStateDown)))
	assert.True(t, u.QuitRequested())
}

func TestUSBIgnoresNonKeyEvents(t *testing.T) {
	u := NewUSB(testConfig())
	u.handleEvent(evdev.InputEvent{Type: evdev.EV_REL, Code: codeUp, Value: 1})
	u.handleEvent(keyEvent(evdev.KEY_F1, keyStateDown))
	_, ok := u.LatestMotor()
	assert.False(t, ok)
	assert.Empty(t, u.pressed)
}

func TestKeyCodeToken(t *testing.T) {
	for code, want := range map[evdev.EvCode]string{
		codeUp:          KeyUp,
		codeSpace:       KeySpace,
		evdev.KEY_ENTER: KeyEnter,
		evdev.KEY_ESC:   KeyEsc,
		codeA:           "a",
		evdev.KEY_0:     "0",
		evdev.KEY_1:     "1",
	} {
		got, ok := keyCodeToken(code)
		require.True(t, ok, "code %d", code)
		assert.Equal(t, want, got)
	}
	_, ok := keyCodeToken(evdev.KEY_F1)
	assert.False(t, ok)
}

func TestUSBOptions(t *testing.T) {
	u := NewUSB(testConfig(), WithDevice("/dev/input/event3"), WithGrab(true), WithLogger(nil))
	assert.Equal(t, "/dev/input/event3", u.Device())
	assert.True(t, u.grab)
	assert.NotNil(t, u.logger)
}

func TestUSBLoopReadsEvents(t *testing.T) {
	dev := newFakeDevice()
	u := NewUSB(testConfig(), WithGrab(true))
	u.open = func() (inputDevice, error) {
		require.NoError(t, dev.Grab())
		return dev, nil
	}
	require.NoError(t, u.Start())
	defer u.Stop()

	dev.events <- keyEvent(codeUp, keyStateDown)

	require.Eventually(t, func() bool {
		cmd, ok := u.LatestMotor()
		return ok && cmd.Throttle == 1500
	}, 2*time.Second, 10*time.Millisecond)

	// 押している間は定期的にタイムスタンプが更新される
	first, _ := u.LatestMotor()
	require.Eventually(t, func() bool {
		cmd, _ := u.LatestMotor()
		return cmd.TS.After(first.TS)
	}, time.Second, 10*time.Millisecond)

	dev.events <- keyEvent(codeQ, keyStateDown)
	select {
	case <-u.Quitting():
	case <-time.After(2 * time.Second):
		t.Fatal("quit not requested")
	}

	require.NoError(t, u.Stop())
	assert.False(t, dev.grabbed.Load())
	assert.NoError(t, u.ThreadError())
}

func TestUSBStopUnblocksRead(t *testing.T) {
	dev := newFakeDevice()
	u := NewUSB(testConfig())
	u.open = func() (inputDevice, error) { return dev, nil }
	require.NoError(t, u.Start())

	require.NoError(t, u.Stop())
	select {
	case <-dev.closed:
	default:
		t.Fatal("device not closed")
	}
	assert.False(t, u.Alive())
	assert.NoError(t, u.ThreadError())
}

func TestUSBReadErrorRequestsQuit(t *testing.T) {
	dev := newFakeDevice()
	dev.readErr = errors.New("device unplugged")
	u := NewUSB(testConfig())
	u.open = func() (inputDevice, error) { return dev, nil }
	require.NoError(t, u.Start())
	defer u.Stop()

	select {
	case <-u.Quitting():
	case <-time.After(2 * time.Second):
		t.Fatal("quit not requested")
	}
	require.Eventually(t, func() bool { return u.ThreadError() != nil }, time.Second, 10*time.Millisecond)
	assert.ErrorContains(t, u.ThreadError(), "device unplugged")
}

func TestUSBStartAfterStop(t *testing.T) {
	opened := 0
	u := NewUSB(testConfig())
	u.open = func() (inputDevice, error) {
		opened++
		return newFakeDevice(), nil
	}
	require.NoError(t, u.Start())
	require.NoError(t, u.Stop())
	assert.ErrorIs(t, u.Start(), runloop.ErrClosed)
	assert.Equal(t, 1, opened)
}

func TestParseKey(t *testing.T) {
	for in, want := range map[string]string{
		"UP":     KeyUp,
		"space":  KeySpace,
		"CTRL_C": KeyCtrlC,
		"W":      "w",
		"q":      "q",
		"\x1b[B": KeyDown,
	} {
		got, err := ParseKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKey("F13")
	assert.Error(t, err)
}

func TestKeymapNormalize(t *testing.T) {
	km := Keymap{MotorForward: []string{"UP", "W"}, Quit: []string{"ctrl_c"}}
	got, err := km.Normalize()
	require.NoError(t, err)
	assert.Equal(t, []string{KeyUp, "w"}, got.MotorForward)
	assert.Equal(t, []string{KeyCtrlC}, got.Quit)
	assert.Equal(t, []string{"UP", "W"}, km.MotorForward, "input keymap is not modified")

	_, err = Keymap{MotorStop: []string{"nope"}}.Normalize()
	assert.Error(t, err)
}

func TestHelpText(t *testing.T) {
	text := HelpText(NewTerminal(DefaultConfig()), "keyboard")

	assert.Contains(t, text, "=== TELEOP CONTROLS ===")
	assert.Contains(t, text, "teleop config: keyboard\n")
	assert.Contains(t, text, "  forward:    UP\n")
	assert.Contains(t, text, "  back-right: l\n")
	assert.Contains(t, text, "  stop:       SPACE\n")
	assert.Contains(t, text, "  quit:       q / CTRL_C\n")

	empty := NewTerminal(Config{})
	assert.Contains(t, HelpText(empty, ""), "  forward:    -\n")
	assert.False(t, strings.Contains(HelpText(empty, ""), "teleop config:"))
}

func TestSourcesWrapTeleop(t *testing.T) {
	term := NewTerminal(testConfig())
	term.handleKey(KeyUp)
	term.handleKey("d")

	var ms control.Source[control.MotorCommand] = MotorSource{T: term}
	var ss control.Source[control.ServoCommand] = ServoSource{T: term}

	m, ok := ms.Latest()
	require.True(t, ok)
	assert.Equal(t, 1500, m.Throttle)
	s, ok := ss.Latest()
	require.True(t, ok)
	assert.Equal(t, 20, s.Pan)
}

func TestDetectKeyboard(t *testing.T) {
	caps := map[string][]evdev.EvCode{
		"/dev/input/event0": {codeSpace, evdev.BTN_LEFT},
		"/dev/input/event1": {codeA, codeSpace, codeQ},
	}
	keyCaps := func(path string) ([]evdev.EvCode, error) {
		c, ok := caps[path]
		if !ok {
			return nil, os.ErrPermission
		}
		return c, nil
	}
	list := func(paths ...string) func() ([]string, error) {
		return func() ([]string, error) { return paths, nil }
	}

	_, err := detectKeyboard(list(), keyCaps)
	assert.ErrorIs(t, err, hardware.ErrNoDevice)

	// マウスなど KEY_A を持たないデバイスと開けないデバイス
	_, err = detectKeyboard(list("/dev/input/event0", "/dev/input/event9"), keyCaps)
	assert.ErrorIs(t, err, hardware.ErrNoDevice)

	path, err := detectKeyboard(list("/dev/input/event9", "/dev/input/event0", "/dev/input/event1"), keyCaps)
	require.NoError(t, err)
	assert.Equal(t, "/dev/input/event1", path)

	_, err = detectKeyboard(func() ([]string, error) { return nil, os.ErrNotExist }, keyCaps)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
