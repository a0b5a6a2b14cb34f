// Package fake はテストおよび実機なしの動作確認用のコントローラを提供する。
// すべての呼び出しを記録する。
package fake

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rione/carbot/hardware"
)

// Motor は SetWheels の呼び出しを記録する
type Motor struct {
	mu     sync.Mutex
	wheels [][4]int
	closes atomic.Int32
}

func NewMotor() *Motor { return &Motor{} }

func (m *Motor) SetWheels(fl, bl, fr, br int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wheels = append(m.wheels, [4]int{fl, bl, fr, br})
	return nil
}

// Calls は記録された (fl, bl, fr, br) を返す
func (m *Motor) Calls() [][4]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][4]int(nil), m.wheels...)
}

// Last は最後の呼び出しを返す
func (m *Motor) Last() ([4]int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.wheels) == 0 {
		return [4]int{}, false
	}
	return m.wheels[len(m.wheels)-1], true
}

func (m *Motor) Close() error {
	m.closes.Add(1)
	return nil
}

// Closes は Close が呼ばれた回数
func (m *Motor) Closes() int { return int(m.closes.Load()) }

// ServoCall は SetAngle の一回分
type ServoCall struct {
	Axis    hardware.Axis
	Degrees int
}

// Servo は SetAngle の呼び出しを記録する
type Servo struct {
	mu     sync.Mutex
	calls  []ServoCall
	closes atomic.Int32
}

func NewServo() *Servo { return &Servo{} }

func (s *Servo) SetAngle(axis hardware.Axis, degrees int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ServoCall{Axis: axis, Degrees: degrees})
	return nil
}

func (s *Servo) Calls() []ServoCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServoCall(nil), s.calls...)
}

func (s *Servo) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *Servo) Closes() int { return int(s.closes.Load()) }

// Infrared は設定されたビット列を返す
type Infrared struct {
	bits   atomic.Int32
	reads  atomic.Int64
	closes atomic.Int32
}

func NewInfrared() *Infrared { return &Infrared{} }

// SetBits は左・中・右の値を設定する
func (f *Infrared) SetBits(left, middle, right int) {
	f.bits.Store(int32((left&1)<<2 | (middle&1)<<1 | right&1))
}

func (f *Infrared) ReadChannel(ch hardware.Channel) (int, error) {
	f.reads.Add(1)
	bits := int(f.bits.Load())
	switch ch {
	case hardware.Left:
		return (bits >> 2) & 1, nil
	case hardware.Middle:
		return (bits >> 1) & 1, nil
	case hardware.Right:
		return bits & 1, nil
	}
	return 0, errors.New("fake infrared: unknown channel")
}

func (f *Infrared) Reads() int64 { return f.reads.Load() }

func (f *Infrared) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *Infrared) Closes() int { return int(f.closes.Load()) }

// Ultrasonic は設定された距離を返す。Fail を設定すると読み取りに失敗する。
type Ultrasonic struct {
	mu       sync.Mutex
	distance float64
	failures int // 残りの失敗回数 (負なら常に失敗)
	reads    atomic.Int64
	closes   atomic.Int32
}

func NewUltrasonic() *Ultrasonic { return &Ultrasonic{} }

func (u *Ultrasonic) SetDistance(cm float64) {
	u.mu.Lock()
	u.distance = cm
	u.mu.Unlock()
}

// Fail は次の n 回の読み取りを失敗させる
func (u *Ultrasonic) Fail(n int) {
	u.mu.Lock()
	u.failures = n
	u.mu.Unlock()
}

func (u *Ultrasonic) ReadDistance() (float64, error) {
	u.reads.Add(1)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failures != 0 {
		if u.failures > 0 {
			u.failures--
		}
		return 0, errors.New("fake ultrasonic: echo timeout")
	}
	return u.distance, nil
}

func (u *Ultrasonic) Reads() int64 { return u.reads.Load() }

func (u *Ultrasonic) Close() error {
	u.closes.Add(1)
	return nil
}

func (u *Ultrasonic) Closes() int { return int(u.closes.Load()) }

// Camera は SetImage で設定された画像を返す
type Camera struct {
	mu     sync.Mutex
	frame  hardware.Frame
	ok     bool
	misses int // 残りの取得失敗回数
	reads  atomic.Int64
	closes atomic.Int32
}

func NewCamera() *Camera { return &Camera{} }

// SetImage は新しいフレームを設定する
func (c *Camera) SetImage(img image.Image) {
	c.mu.Lock()
	c.frame = hardware.Frame{Image: img, Timestamp: time.Now().UnixNano()}
	c.ok = true
	c.mu.Unlock()
}

// Miss は次の n 回の読み取りを空振りさせる
func (c *Camera) Miss(n int) {
	c.mu.Lock()
	c.misses = n
	c.mu.Unlock()
}

func (c *Camera) TryReadFrame() (hardware.Frame, bool) {
	c.reads.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.misses > 0 {
		c.misses--
		return hardware.Frame{}, false
	}
	return c.frame, c.ok
}

func (c *Camera) Reads() int64 { return c.reads.Load() }

func (c *Camera) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *Camera) Closes() int { return int(c.closes.Load()) }

// TestPattern は単色の RGBA 画像を返す
func TestPattern(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	return img
}
