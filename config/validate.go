package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/Rione/carbot/vision"
)

var (
	actuatorControllers = []string{"fake", "serial"}
	sensorControllers   = []string{"fake", "gpio"}
	cameraControllers   = []string{"fake", "gocv"}
	keyboards           = []string{"terminal", "usb"}
)

// Validate は設定の値と、コンポーネント間の依存を検証する。
// 見つかったエラーはすべてまとめて ErrInvalidConfig で包んで返す。
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	oneOf := func(key, v string, allowed []string) {
		if !slices.Contains(allowed, v) {
			bad("%s: %q must be one of %s", key, v, strings.Join(allowed, ", "))
		}
	}

	if strings.TrimSpace(c.RobotID) == "" {
		bad("robot_id must not be empty")
	}

	if m := c.Motor; m != nil {
		oneOf("motor.controller", m.Controller, actuatorControllers)
		if m.MaxPower <= 0 || m.MaxPower > math.MaxInt16 {
			bad("motor.max_power must be in [1, %d]; got %d", math.MaxInt16, m.MaxPower)
		}
		if m.LeftScale < 0 || m.RightScale < 0 {
			bad("motor scales must be >= 0; got left=%g right=%g", m.LeftScale, m.RightScale)
		}
	}

	if s := c.Servo; s != nil {
		oneOf("servo.controller", s.Controller, actuatorControllers)
		if s.PanMin > s.PanMax {
			bad("servo.pan_min (%d) > servo.pan_max (%d)", s.PanMin, s.PanMax)
		}
		if s.TiltMin > s.TiltMax {
			bad("servo.tilt_min (%d) > servo.tilt_max (%d)", s.TiltMin, s.TiltMax)
		}
		for key, v := range map[string]int{
			"pan_min": s.PanMin, "pan_max": s.PanMax, "tilt_min": s.TiltMin, "tilt_max": s.TiltMax,
		} {
			if v < math.MinInt16 || v > math.MaxInt16 {
				bad("servo.%s must fit in int16; got %d", key, v)
			}
		}
	}

	for _, p := range []struct {
		name string
		s    *PollSection
	}{{"infrared", c.Infrared}, {"ultrasonic", c.Ultrasonic}} {
		if p.s == nil {
			continue
		}
		oneOf(p.name+".controller", p.s.Controller, sensorControllers)
		if p.s.Hz <= 0 {
			bad("%s.hz must be > 0; got %g", p.name, p.s.Hz)
		}
		if p.s.TimeLimit <= 0 {
			bad("%s.time_limit must be > 0; got %g", p.name, p.s.TimeLimit)
		}
	}

	if cam := c.Camera; cam != nil {
		oneOf("camera.controller", cam.Controller, cameraControllers)
		if cam.Width <= 0 || cam.Height <= 0 {
			bad("camera size must be positive; got %dx%d", cam.Width, cam.Height)
		}
		if cam.TimeLimit <= 0 {
			bad("camera.time_limit must be > 0; got %g", cam.TimeLimit)
		}
		if cam.Retries < 0 {
			bad("camera.retries must be >= 0; got %d", cam.Retries)
		}
		if cam.IdleSleep <= 0 {
			bad("camera.idle_sleep must be > 0; got %g", cam.IdleSleep)
		}
		if cam.MaxFPS < 0 {
			bad("camera.max_fps must be >= 0; got %g", cam.MaxFPS)
		}
	}

	if n := c.Network; n != nil {
		if c.Camera == nil {
			bad("network requires a camera section")
		}
		if strings.TrimSpace(n.Host) == "" {
			bad("network.host must not be empty")
		}
		if n.Port < 1 || n.Port > 65535 {
			bad("network.port must be in [1, 65535]; got %d", n.Port)
		}
		if n.JPEGQuality < vision.MinJPEGQuality || n.JPEGQuality > vision.MaxJPEGQuality {
			bad("network.jpeg_quality must be in [%d, %d]; got %d", vision.MinJPEGQuality, vision.MaxJPEGQuality, n.JPEGQuality)
		}
		if n.IdleSleepS < 0 {
			bad("network.idle_sleep_s must be >= 0; got %g", n.IdleSleepS)
		}
		if _, err := vision.TransformByName(n.Transform); err != nil {
			bad("network.transform: %v", err)
		}
	}

	if t := c.Teleop; t != nil {
		if c.Motor == nil && c.Servo == nil {
			bad("teleop requires a motor and/or servo section")
		}
		oneOf("teleop.keyboard", t.Keyboard, keyboards)
		if t.Speed < 0 || t.Steer < 0 {
			bad("teleop speed and steer must be >= 0")
		}
		if t.ServoStep <= 0 {
			bad("teleop.servo_step must be > 0; got %d", t.ServoStep)
		}
		if t.PollS <= 0 {
			bad("teleop.poll_s must be > 0; got %g", t.PollS)
		}
		if t.DeadmanS <= 0 {
			bad("teleop.deadman_s must be > 0; got %g", t.DeadmanS)
		}
		if _, err := t.Keymap.Normalize(); err != nil {
			bad("teleop.keymap: %v", err)
		}
	}

	if c.Control.Hz < 0 {
		bad("control.hz must be >= 0; got %g", c.Control.Hz)
	}
	if c.Control.IdleSleep < 0 {
		bad("control.idle_sleep must be >= 0; got %g", c.Control.IdleSleep)
	}
	// hz が 0 の時はループが idle_sleep だけで回る
	if c.Control.Hz == 0 && c.Control.IdleSleep <= 0 {
		bad("control.idle_sleep must be > 0 when control.hz is 0")
	}
	if c.Control.ServoMaxAge <= 0 {
		bad("control.servo_max_age must be > 0; got %g", c.Control.ServoMaxAge)
	}

	if c.usesController("serial") {
		if c.Serial.Port == "" {
			bad("serial.port must be set for serial controllers")
		}
		if c.Serial.Baud <= 0 {
			bad("serial.baud must be > 0; got %d", c.Serial.Baud)
		}
	}

	if c.usesController("gpio") {
		pins := map[string]int{
			"infrared_left":      c.GPIO.InfraredLeft,
			"infrared_middle":    c.GPIO.InfraredMiddle,
			"infrared_right":     c.GPIO.InfraredRight,
			"ultrasonic_trigger": c.GPIO.Trigger,
			"ultrasonic_echo":    c.GPIO.Echo,
		}
		for name, pin := range pins {
			if pin < 0 || pin > 27 {
				bad("gpio.%s must be a BCM pin in [0, 27]; got %d", name, pin)
			}
		}
	}
	if c.GPIO.LED < 0 || c.GPIO.LED > 27 {
		bad("gpio.led must be a BCM pin in [0, 27]; got %d", c.GPIO.LED)
	}

	if c.Status.Hz < 0 {
		bad("status.hz must be >= 0; got %g", c.Status.Hz)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) usesController(kind string) bool {
	switch {
	case c.Motor != nil && c.Motor.Controller == kind,
		c.Servo != nil && c.Servo.Controller == kind,
		c.Infrared != nil && c.Infrared.Controller == kind,
		c.Ultrasonic != nil && c.Ultrasonic.Controller == kind,
		c.Camera != nil && c.Camera.Controller == kind:
		return true
	}
	return false
}
