package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rione/carbot/driver"
	"github.com/Rione/carbot/teleop"
	"github.com/Rione/carbot/vision"
)

// EnvPrefix は環境変数による上書きの接頭辞
const EnvPrefix = "CARBOT"

// DefaultDir は名前で指定された設定ファイルを探すディレクトリ
const DefaultDir = "configs"

// Resolve は名前またはパスから設定ファイルのパスを求める。
// nameOrPath が存在するファイルならそのまま、そうでなければ dir/<name>.yaml を返す。
func Resolve(nameOrPath, dir string) (string, error) {
	if st, err := os.Stat(nameOrPath); err == nil && !st.IsDir() {
		return nameOrPath, nil
	}

	name := nameOrPath
	if filepath.Ext(name) == "" {
		name += ".yaml"
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("config %q not found (looked in %s): %w", nameOrPath, dir, err)
	}
	return path, nil
}

// LoadDotEnv はカレントディレクトリの .env を環境変数に読み込む。ファイルが無ければ何もしない
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load は設定ファイルを読み、環境変数で上書きして検証する
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse は YAML を読む。未知のキーはエラーにする。
// 書かれたセクションは既定値を埋めてから上書きするため、省略したキーは既定値になる。
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	var present map[string]yaml.Node
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for key := range present {
		switch key {
		case "motor":
			cfg.Motor = defaultMotor()
		case "servo":
			cfg.Servo = defaultServo()
		case "infrared":
			cfg.Infrared = defaultPoll()
		case "ultrasonic":
			cfg.Ultrasonic = defaultPoll()
		case "camera":
			cfg.Camera = defaultCamera()
		case "network":
			cfg.Network = defaultNetwork()
		case "teleop":
			cfg.Teleop = defaultTeleop()
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func defaultMotor() *MotorSection {
	d := driver.DefaultMotorConfig()
	return &MotorSection{MaxPower: d.MaxPower, LeftScale: d.LeftScale, RightScale: d.RightScale}
}

func defaultServo() *ServoSection {
	return &ServoSection{
		PanCenter:  90,
		TiltCenter: 90,
		PanMin:     0,
		PanMax:     180,
		TiltMin:    0,
		TiltMax:    180,
	}
}

func defaultPoll() *PollSection {
	d := driver.DefaultPollConfig()
	return &PollSection{Hz: d.Hz, TimeLimit: d.TimeLimit.Seconds()}
}

func defaultCamera() *CameraSection {
	return &CameraSection{
		Width:     640,
		Height:    480,
		FPS:       30,
		TimeLimit: 2,
		Retries:   3,
		IdleSleep: 0.01,
	}
}

func defaultNetwork() *NetworkSection {
	d := vision.DefaultNetworkConfig()
	return &NetworkSection{
		Host:        d.Host,
		Port:        d.Port,
		JPEGQuality: d.JPEGQuality,
		IdleSleepS:  d.IdleSleep.Seconds(),
		Transform:   d.Transform,
	}
}

func defaultTeleop() *TeleopSection {
	d := teleop.DefaultConfig()
	return &TeleopSection{
		Keyboard:  "terminal",
		Speed:     d.Speed,
		Steer:     d.Steer,
		ServoStep: d.ServoStep,
		PollS:     d.Poll.Seconds(),
		DeadmanS:  d.Deadman.Seconds(),
		Keymap:    d.Keymap,
	}
}

// ApplyEnv は CARBOT_* 環境変数で設定を上書きする。
// コントローラの種類は、そのセクションが書かれている場合だけ上書きする。
func (c *Config) ApplyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + "_" + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		v, ok := os.LookupEnv(EnvPrefix + "_" + name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s_%s: %v", ErrInvalidConfig, EnvPrefix, name, err))
			return
		}
		*dst = n
	}

	str("ROBOT_ID", &c.RobotID)
	str("SERIAL_PORT", &c.Serial.Port)
	num("SERIAL_BAUD", &c.Serial.Baud)
	str("STATUS_UDP_ADDR", &c.Status.UDPAddr)
	str("HEALTH_ADDR", &c.Status.HealthAddr)
	str("METRICS_ADDR", &c.Metrics.Addr)

	if c.Motor != nil {
		str("MOTOR_CONTROLLER", &c.Motor.Controller)
	}
	if c.Servo != nil {
		str("SERVO_CONTROLLER", &c.Servo.Controller)
	}
	if c.Infrared != nil {
		str("INFRARED_CONTROLLER", &c.Infrared.Controller)
	}
	if c.Ultrasonic != nil {
		str("ULTRASONIC_CONTROLLER", &c.Ultrasonic.Controller)
	}
	if c.Camera != nil {
		str("CAMERA_CONTROLLER", &c.Camera.Controller)
		num("CAMERA_DEVICE", &c.Camera.DeviceIdx)
	}
	if c.Network != nil {
		str("NETWORK_HOST", &c.Network.Host)
		num("NETWORK_PORT", &c.Network.Port)
	}
	if c.Teleop != nil {
		str("TELEOP_KEYBOARD", &c.Teleop.Keyboard)
		str("TELEOP_DEVICE", &c.Teleop.Device)
	}
	return errors.Join(errs...)
}
