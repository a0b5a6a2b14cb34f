// Package serial はモーター・サーボを制御するマイコンと UART で通信する。
//
// 1 本のポートをモーターとサーボで共有する。フレームは
//
//	0xFF 0x00 0xFF 0x00 | cmd | payload | checksum
//
// で、checksum は cmd と payload の 8bit 和。数値はリトルエンディアン。
package serial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"log/slog"
	"sync"

	goserial "go.bug.st/serial"

	"github.com/Rione/carbot/hardware"
)

var preamble = []byte{0xFF, 0x00, 0xFF, 0x00}

// ErrOutOfRange は値が int16 に収まらない時に返す
var ErrOutOfRange = errors.New("value out of int16 range")

// コマンド
const (
	cmdWheels byte = 'W' // fl, bl, fr, br (int16 ×4)
	cmdServo  byte = 'S' // axis (uint8), degrees (int16)
)

// フレーム内のインデックス
const (
	idxCmd     = 4
	idxPayload = 5
)

// Link は UART ポートを所有し、モーターとサーボのハンドルに共有させる。
// ハンドルがすべて閉じられた時にポートを閉じる。
type Link struct {
	mu     sync.Mutex
	port   io.WriteCloser
	refs   int
	closed bool
	logger *slog.Logger
}

// Open はポートを開いて Link を返す
func Open(portName string, baud int, logger *slog.Logger) (*Link, error) {
	mode := &goserial.Mode{
		BaudRate: baud,
		Parity:   goserial.NoParity,
		DataBits: 8,
		StopBits: goserial.OneStopBit,
	}
	port, err := goserial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", portName, err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("reset serial %s: %w", portName, err)
	}

	l := NewLink(port, logger)
	l.logger.Info("serial opened", "port", portName, "baud", baud)
	return l, nil
}

// NewLink は開いたポートから Link を作る
func NewLink(port io.WriteCloser, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{port: port, logger: logger.With("component", "serial")}
}

// Motor はモーターのハンドルを返す
func (l *Link) Motor() hardware.MotorController {
	l.acquire()
	return &motor{link: l}
}

// Servo はサーボのハンドルを返す
func (l *Link) Servo() hardware.ServoController {
	l.acquire()
	return &servo{link: l}
}

func (l *Link) acquire() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

func (l *Link) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs--
	if l.refs > 0 || l.closed {
		return nil
	}
	l.closed = true
	return l.port.Close()
}

// send は 1 フレームを書き込む
func (l *Link) send(cmd byte, payload []byte) error {
	frame := encodeFrame(cmd, payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return hardware.ErrClosed
	}
	if _, err := l.port.Write(frame); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func encodeFrame(cmd byte, payload []byte) []byte {
	frame := make([]byte, 0, len(preamble)+1+len(payload)+1)
	frame = append(frame, preamble...)
	frame = append(frame, cmd)
	frame = append(frame, payload...)
	return append(frame, checksum(frame[idxCmd:]))
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

type motor struct {
	link *Link
	once sync.Once
}

// putInt16 は v を書き込む。範囲外なら折り返さずにエラーを返す
func putInt16(b []byte, name string, v int) error {
	if v < math.MinInt16 || v > math.MaxInt16 {
		return fmt.Errorf("%s=%d: %w", name, v, ErrOutOfRange)
	}
	binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	return nil
}

func (m *motor) SetWheels(fl, bl, fr, br int) error {
	payload := make([]byte, 8)
	for i, w := range []struct {
		name string
		v    int
	}{{"fl", fl}, {"bl", bl}, {"fr", fr}, {"br", br}} {
		if err := putInt16(payload[i*2:], w.name, w.v); err != nil {
			return err
		}
	}
	return m.link.send(cmdWheels, payload)
}

func (m *motor) Close() error {
	var err error
	m.once.Do(func() { err = m.link.release() })
	return err
}

type servo struct {
	link *Link
	once sync.Once
}

func (s *servo) SetAngle(axis hardware.Axis, degrees int) error {
	payload := make([]byte, 3)
	payload[0] = byte(axis)
	if err := putInt16(payload[1:], "degrees", degrees); err != nil {
		return err
	}
	return s.link.send(cmdServo, payload)
}

func (s *servo) Close() error {
	var err error
	s.once.Do(func() { err = s.link.release() })
	return err
}
