package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Rione/carbot/config"
	"github.com/Rione/carbot/hardware"
	"github.com/Rione/carbot/hardware/fake"
	"github.com/Rione/carbot/hardware/gpio"
	"github.com/Rione/carbot/hardware/serial"
	"github.com/Rione/carbot/vision"
)

// CameraSpec はカメラを開く時の設定
type CameraSpec struct {
	Width     int
	Height    int
	FPS       int
	DeviceIdx int
}

// CameraOpener はカメラを開く
type CameraOpener func(spec CameraSpec) (hardware.CameraController, error)

var (
	camerasMu sync.RWMutex
	cameras   = map[string]CameraOpener{
		"fake": openFakeCamera,
	}
)

// RegisterCamera はカメラの種類を登録する。ビルドタグ付きのパッケージが init から呼ぶ
func RegisterCamera(kind string, open CameraOpener) {
	camerasMu.Lock()
	defer camerasMu.Unlock()
	cameras[kind] = open
}

// CameraKinds は登録されているカメラの種類を返す
func CameraKinds() []string {
	camerasMu.RLock()
	defer camerasMu.RUnlock()
	kinds := make([]string, 0, len(cameras))
	for k := range cameras {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func openCamera(kind string, spec CameraSpec) (hardware.CameraController, error) {
	camerasMu.RLock()
	open, ok := cameras[kind]
	camerasMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("camera %q is not available in this build (available: %v)", kind, CameraKinds())
	}
	return open(spec)
}

var (
	encoderMu   sync.RWMutex
	jpegEncoder vision.JPEGEncoder
)

// RegisterJPEGEncoder は配信に使う JPEG エンコーダを登録する。nil なら既定に戻す
func RegisterJPEGEncoder(enc vision.JPEGEncoder) {
	encoderMu.Lock()
	defer encoderMu.Unlock()
	jpegEncoder = enc
}

func registeredJPEGEncoder() vision.JPEGEncoder {
	encoderMu.RLock()
	defer encoderMu.RUnlock()
	return jpegEncoder
}

func openFakeCamera(spec CameraSpec) (hardware.CameraController, error) {
	c := fake.NewCamera()
	c.SetImage(fake.TestPattern(spec.Width, spec.Height))
	return c, nil
}

// controllers は設定からハードウェアのハンドルを作る。シリアルポートは最初に必要になった時に開く
type controllers struct {
	cfg  *config.Config
	app  *App
	link *serial.Link
}

func (c *controllers) serialLink() (*serial.Link, error) {
	if c.link != nil {
		return c.link, nil
	}
	link, err := serial.Open(c.cfg.Serial.Port, c.cfg.Serial.Baud, c.app.logger)
	if err != nil {
		return nil, err
	}
	c.link = link
	return link, nil
}

func (c *controllers) motor(kind string) (hardware.MotorController, error) {
	switch kind {
	case "fake":
		return fake.NewMotor(), nil
	case "serial":
		link, err := c.serialLink()
		if err != nil {
			return nil, err
		}
		return link.Motor(), nil
	}
	return nil, fmt.Errorf("unknown motor controller %q", kind)
}

func (c *controllers) servo(kind string) (hardware.ServoController, error) {
	switch kind {
	case "fake":
		return fake.NewServo(), nil
	case "serial":
		link, err := c.serialLink()
		if err != nil {
			return nil, err
		}
		return link.Servo(), nil
	}
	return nil, fmt.Errorf("unknown servo controller %q", kind)
}

func (c *controllers) infrared(kind string) (hardware.InfraredController, error) {
	switch kind {
	case "fake":
		return fake.NewInfrared(), nil
	case "gpio":
		p := c.cfg.GPIO
		return gpio.NewInfrared(p.InfraredLeft, p.InfraredMiddle, p.InfraredRight)
	}
	return nil, fmt.Errorf("unknown infrared controller %q", kind)
}

func (c *controllers) ultrasonic(kind string) (hardware.UltrasonicController, error) {
	switch kind {
	case "fake":
		u := fake.NewUltrasonic()
		u.SetDistance(100)
		return u, nil
	case "gpio":
		return gpio.NewUltrasonic(c.cfg.GPIO.Trigger, c.cfg.GPIO.Echo)
	}
	return nil, fmt.Errorf("unknown ultrasonic controller %q", kind)
}

func (c *controllers) camera(sec *config.CameraSection) (hardware.CameraController, error) {
	return openCamera(sec.Controller, CameraSpec{
		Width:     sec.Width,
		Height:    sec.Height,
		FPS:       sec.FPS,
		DeviceIdx: sec.DeviceIdx,
	})
}
