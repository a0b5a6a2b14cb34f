package teleop

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// キートークン。端末から読んだバイト列 (latin-1 として解釈) と同じ表現を使う
const (
	KeyUp    = "\x1b[A"
	KeyDown  = "\x1b[B"
	KeyRight = "\x1b[C"
	KeyLeft  = "\x1b[D"
	KeySpace = " "
	KeyEnter = "\r"
	KeyTab   = "\t"
	KeyEsc   = "\x1b"
	KeyCtrlC = "\x03"
)

var keyAliases = map[string]string{
	"UP":     KeyUp,
	"DOWN":   KeyDown,
	"RIGHT":  KeyRight,
	"LEFT":   KeyLeft,
	"SPACE":  KeySpace,
	"ENTER":  KeyEnter,
	"TAB":    KeyTab,
	"ESC":    KeyEsc,
	"CTRL_C": KeyCtrlC,
}

var reverseKeyAliases = func() map[string]string {
	m := make(map[string]string, len(keyAliases))
	for alias, tok := range keyAliases {
		m[tok] = alias
	}
	return m
}()

// ParseKey は設定に書かれたキー名をトークンに変換する。
// エイリアス (UP, SPACE, CTRL_C など) と 1 文字のリテラルを受け付け、1 文字は小文字にする。
func ParseKey(s string) (string, error) {
	if tok, ok := keyAliases[strings.ToUpper(s)]; ok {
		return tok, nil
	}
	if _, ok := reverseKeyAliases[s]; ok {
		return s, nil
	}
	if utf8.RuneCountInString(s) == 1 {
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("unknown key %q", s)
}

// FormatKey はトークンを表示用の名前にする
func FormatKey(tok string) string {
	if alias, ok := reverseKeyAliases[tok]; ok {
		return alias
	}
	if r, size := utf8.DecodeRuneInString(tok); size == len(tok) && unicode.IsPrint(r) {
		return tok
	}
	q := strconv.QuoteToASCII(tok)
	return q[1 : len(q)-1]
}

func formatKeys(toks []string) string {
	if len(toks) == 0 {
		return "-"
	}
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = FormatKey(t)
	}
	return strings.Join(out, " / ")
}

// Keymap は操作ごとのキートークンの一覧
type Keymap struct {
	MotorForward   []string `yaml:"motor_forward"`
	MotorBackward  []string `yaml:"motor_backward"`
	MotorLeft      []string `yaml:"motor_left"`
	MotorRight     []string `yaml:"motor_right"`
	MotorFwdLeft   []string `yaml:"motor_fwd_left"`
	MotorFwdRight  []string `yaml:"motor_fwd_right"`
	MotorBackLeft  []string `yaml:"motor_back_left"`
	MotorBackRight []string `yaml:"motor_back_right"`
	MotorStop      []string `yaml:"motor_stop"`

	ServoPanLeft  []string `yaml:"servo_pan_left"`
	ServoPanRight []string `yaml:"servo_pan_right"`
	ServoTiltUp   []string `yaml:"servo_tilt_up"`
	ServoTiltDown []string `yaml:"servo_tilt_down"`
	ServoCenter   []string `yaml:"servo_center"`

	Quit []string `yaml:"quit"`
}

// DefaultKeymap は矢印キーで走行、u/o/j/l で斜め、wasd でサーボを動かすキーマップ
func DefaultKeymap() Keymap {
	return Keymap{
		MotorForward:   []string{KeyUp},
		MotorBackward:  []string{KeyDown},
		MotorLeft:      []string{KeyLeft},
		MotorRight:     []string{KeyRight},
		MotorFwdLeft:   []string{"u"},
		MotorFwdRight:  []string{"o"},
		MotorBackLeft:  []string{"j"},
		MotorBackRight: []string{"l"},
		MotorStop:      []string{KeySpace},

		ServoPanLeft:  []string{"a"},
		ServoPanRight: []string{"d"},
		ServoTiltUp:   []string{"w"},
		ServoTiltDown: []string{"s"},
		ServoCenter:   []string{"c"},

		Quit: []string{"q", KeyCtrlC},
	}
}

func (k *Keymap) fields() []*[]string {
	return []*[]string{
		&k.MotorForward, &k.MotorBackward, &k.MotorLeft, &k.MotorRight,
		&k.MotorFwdLeft, &k.MotorFwdRight, &k.MotorBackLeft, &k.MotorBackRight,
		&k.MotorStop,
		&k.ServoPanLeft, &k.ServoPanRight, &k.ServoTiltUp, &k.ServoTiltDown, &k.ServoCenter,
		&k.Quit,
	}
}

// Normalize はすべてのキー名をトークンに変換したキーマップを返す
func (k Keymap) Normalize() (Keymap, error) {
	out := k
	for _, f := range out.fields() {
		toks := make([]string, 0, len(*f))
		for _, name := range *f {
			tok, err := ParseKey(name)
			if err != nil {
				return Keymap{}, err
			}
			toks = append(toks, tok)
		}
		*f = toks
	}
	return out, nil
}

type keySet map[string]struct{}

func newKeySet(lists ...[]string) keySet {
	s := keySet{}
	for _, l := range lists {
		for _, k := range l {
			s[k] = struct{}{}
		}
	}
	return s
}

func (s keySet) has(tok string) bool {
	_, ok := s[tok]
	return ok
}

// any は pressed のいずれかが s に含まれるか
func (s keySet) any(pressed keySet) bool {
	for k := range pressed {
		if s.has(k) {
			return true
		}
	}
	return false
}

// bindings は Keymap を検索しやすい形にしたもの
type bindings struct {
	forward, backward, left, right keySet

	fwdLeft, fwdRight, backLeft, backRight keySet

	stop keySet

	panLeft, panRight, tiltUp, tiltDown, center keySet

	quit keySet

	motor, servo keySet
}

func newBindings(k Keymap) bindings {
	return bindings{
		forward:   newKeySet(k.MotorForward),
		backward:  newKeySet(k.MotorBackward),
		left:      newKeySet(k.MotorLeft),
		right:     newKeySet(k.MotorRight),
		fwdLeft:   newKeySet(k.MotorFwdLeft),
		fwdRight:  newKeySet(k.MotorFwdRight),
		backLeft:  newKeySet(k.MotorBackLeft),
		backRight: newKeySet(k.MotorBackRight),
		stop:      newKeySet(k.MotorStop),

		panLeft:  newKeySet(k.ServoPanLeft),
		panRight: newKeySet(k.ServoPanRight),
		tiltUp:   newKeySet(k.ServoTiltUp),
		tiltDown: newKeySet(k.ServoTiltDown),
		center:   newKeySet(k.ServoCenter),

		quit: newKeySet(k.Quit),

		motor: newKeySet(
			k.MotorForward, k.MotorBackward, k.MotorLeft, k.MotorRight,
			k.MotorFwdLeft, k.MotorFwdRight, k.MotorBackLeft, k.MotorBackRight,
			k.MotorStop,
		),
		servo: newKeySet(k.ServoPanLeft, k.ServoPanRight, k.ServoTiltUp, k.ServoTiltDown, k.ServoCenter),
	}
}
