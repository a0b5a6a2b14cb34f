// Package hardware はモーター・サーボ・センサー・カメラのハードウェア能力インタフェースを定義する。
// 各インタフェースのハンドルは、ちょうど一つのドライバが排他的に所有する。
package hardware

import (
	"errors"
	"image"
)

var (
	// ErrNoDevice はデバイスが見つからない時に返される
	ErrNoDevice = errors.New("device not found")
	// ErrClosed は閉じたハンドルを使おうとした時に返される
	ErrClosed = errors.New("controller closed")
)

// MotorController は 4 輪のパワーを設定する
type MotorController interface {
	SetWheels(fl, bl, fr, br int) error
	Close() error
}

// Axis はサーボの軸
type Axis int

const (
	Pan Axis = iota
	Tilt
)

func (a Axis) String() string {
	switch a {
	case Pan:
		return "pan"
	case Tilt:
		return "tilt"
	default:
		return "unknown"
	}
}

// ServoController はサーボを物理角度 (度) に設定する
type ServoController interface {
	SetAngle(axis Axis, degrees int) error
	Close() error
}

// Channel はライントレース用赤外線センサーのチャンネル
type Channel int

const (
	Left Channel = iota
	Middle
	Right
)

func (c Channel) String() string {
	switch c {
	case Left:
		return "left"
	case Middle:
		return "middle"
	case Right:
		return "right"
	default:
		return "unknown"
	}
}

// InfraredController はチャンネルごとに 0/1 を読む
type InfraredController interface {
	ReadChannel(ch Channel) (int, error)
	Close() error
}

// UltrasonicController は距離 (cm) を読む
type UltrasonicController interface {
	ReadDistance() (float64, error)
	Close() error
}

// Frame はカメラの 1 フレーム。Image は読み取り専用として扱うこと。
type Frame struct {
	Image     image.Image
	Timestamp int64 // 単調増加するナノ秒
}

// CameraController はフレームの取得を試みる。取得できなければ ok は false
type CameraController interface {
	TryReadFrame() (Frame, bool)
	Close() error
}
