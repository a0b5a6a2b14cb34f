// Package control は入力源からのコマンドを調停し、一定周期でアクチュエータへ書き込む。
package control

import "time"

// MotorCommand は走行コマンド。生成後は変更しない。
// SteerDifferential が負なら左旋回。
type MotorCommand struct {
	Throttle          int
	SteerDifferential int
	TS                time.Time
}

// NewMotorCommand は現在時刻のタイムスタンプ付きでコマンドを生成する
func NewMotorCommand(throttle, steerDifferential int) MotorCommand {
	return MotorCommand{
		Throttle:          throttle,
		SteerDifferential: steerDifferential,
		TS:                time.Now(),
	}
}

// StopCommand は停止コマンド (throttle=0, steer=0) を生成する
func StopCommand() MotorCommand {
	return NewMotorCommand(0, 0)
}

// Stamp は生成時刻を返す
func (c MotorCommand) Stamp() time.Time { return c.TS }

// IsStop は停止コマンドかどうか
func (c MotorCommand) IsStop() bool {
	return c.Throttle == 0 && c.SteerDifferential == 0
}

// ServoCommand はパン・チルトのコマンド。角度は物理中心からの相対値。
type ServoCommand struct {
	Pan  int
	Tilt int
	TS   time.Time
}

// NewServoCommand は現在時刻のタイムスタンプ付きでコマンドを生成する
func NewServoCommand(pan, tilt int) ServoCommand {
	return ServoCommand{Pan: pan, Tilt: tilt, TS: time.Now()}
}

// Stamp は生成時刻を返す
func (c ServoCommand) Stamp() time.Time { return c.TS }

// Source は最新のコマンドを返す入力源。値が無ければ ok は false
type Source[T any] interface {
	Latest() (T, bool)
}

// Stamped はタイムスタンプを持つ値。持たない値は常に新鮮として扱われる。
type Stamped interface {
	Stamp() time.Time
}

// SourceFunc は関数を Source として扱うアダプタ
type SourceFunc[T any] func() (T, bool)

// Latest は f を呼ぶ
func (f SourceFunc[T]) Latest() (T, bool) { return f() }
