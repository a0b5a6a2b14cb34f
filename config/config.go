// Package config は実行設定 (YAML) を読み込み、検証して各パッケージの設定に変換する。
//
// YAML の時間は秒 (小数) で書く。セクションを省略したコンポーネントは起動しない。
package config

import (
	"errors"
	"time"

	"github.com/Rione/carbot/teleop"
)

// ErrInvalidConfig は設定の検証に失敗した時に返される
var ErrInvalidConfig = errors.New("invalid config")

// Config は実行設定ファイルの全体
type Config struct {
	RobotID string `yaml:"robot_id"`

	Motor      *MotorSection   `yaml:"motor"`
	Servo      *ServoSection   `yaml:"servo"`
	Infrared   *PollSection    `yaml:"infrared"`
	Ultrasonic *PollSection    `yaml:"ultrasonic"`
	Camera     *CameraSection  `yaml:"camera"`
	Network    *NetworkSection `yaml:"network"`
	Teleop     *TeleopSection  `yaml:"teleop"`
	Control    ControlSection  `yaml:"control"`
	Serial     SerialSection   `yaml:"serial"`
	GPIO       GPIOSection     `yaml:"gpio"`
	Status     StatusSection   `yaml:"status"`
	Metrics    MetricsSection  `yaml:"metrics"`
}

// MotorSection は走行モーターの設定
type MotorSection struct {
	Controller string  `yaml:"controller"` // fake | serial
	MaxPower   int     `yaml:"max_power"`
	LeftScale  float64 `yaml:"left_scale"`
	RightScale float64 `yaml:"right_scale"`
}

// ServoSection はパン・チルトサーボの設定 (物理角度)
type ServoSection struct {
	Controller string `yaml:"controller"` // fake | serial
	PanCenter  int    `yaml:"pan_center"`
	TiltCenter int    `yaml:"tilt_center"`
	PanMin     int    `yaml:"pan_min"`
	PanMax     int    `yaml:"pan_max"`
	TiltMin    int    `yaml:"tilt_min"`
	TiltMax    int    `yaml:"tilt_max"`
	PanOffset  int    `yaml:"pan_offset"`
	TiltOffset int    `yaml:"tilt_offset"`
}

// PollSection は赤外線・超音波センサーの設定
type PollSection struct {
	Controller string  `yaml:"controller"` // fake | gpio
	Hz         float64 `yaml:"hz"`
	TimeLimit  float64 `yaml:"time_limit"`
}

// CameraSection はカメラとその取得ポリシーの設定
type CameraSection struct {
	Controller string `yaml:"controller"` // fake | gocv
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        int    `yaml:"fps"`
	DeviceIdx  int    `yaml:"device_idx"`

	TimeLimit float64 `yaml:"time_limit"`
	Retries   int     `yaml:"retries"`
	IdleSleep float64 `yaml:"idle_sleep"`
	MaxFPS    float64 `yaml:"max_fps"`
}

// NetworkSection は MJPEG 配信の設定
type NetworkSection struct {
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	JPEGQuality int     `yaml:"jpeg_quality"`
	IdleSleepS  float64 `yaml:"idle_sleep_s"`
	Transform   string  `yaml:"transform"`
}

// TeleopSection はキーボード操作の設定
type TeleopSection struct {
	Keyboard string `yaml:"keyboard"` // terminal | usb
	Device   string `yaml:"device"`   // usb のみ。空なら自動検出
	Grab     bool   `yaml:"grab"`

	Speed     int     `yaml:"speed"`
	Steer     int     `yaml:"steer"`
	ServoStep int     `yaml:"servo_step"`
	PollS     float64 `yaml:"poll_s"`
	DeadmanS  float64 `yaml:"deadman_s"`

	InvertSteer bool `yaml:"invert_steer"`
	InvertPan   bool `yaml:"invert_pan"`
	InvertTilt  bool `yaml:"invert_tilt"`
	DebugKeys   bool `yaml:"debug_keys"`

	// 書かれた操作だけ既定のキーマップを置き換える
	Keymap teleop.Keymap `yaml:"keymap"`
}

// ControlSection は制御ループの設定
type ControlSection struct {
	Hz           float64 `yaml:"hz"`
	IdleSleep    float64 `yaml:"idle_sleep"`
	FailsafeStop *bool   `yaml:"failsafe_stop"`
	ServoMaxAge  float64 `yaml:"servo_max_age"`
}

// SerialSection はモーター・サーボのマイコンとの UART の設定
type SerialSection struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// GPIOSection は Raspberry Pi のピン番号 (BCM)
type GPIOSection struct {
	InfraredLeft   int `yaml:"infrared_left"`
	InfraredMiddle int `yaml:"infrared_middle"`
	InfraredRight  int `yaml:"infrared_right"`
	Trigger        int `yaml:"ultrasonic_trigger"`
	Echo           int `yaml:"ultrasonic_echo"`
	LED            int `yaml:"led"` // 0 なら使わない
}

// StatusSection は状態表示と外部への状態送信の設定
type StatusSection struct {
	Hz         float64 `yaml:"hz"`
	Disabled   bool    `yaml:"disabled"`
	UDPAddr    string  `yaml:"udp_addr"`    // 空なら送信しない
	HealthAddr string  `yaml:"health_addr"` // 空なら gRPC ヘルスチェックを公開しない
}

// MetricsSection は Prometheus の公開先
type MetricsSection struct {
	Addr string `yaml:"addr"` // 空なら公開しない
}

// Default は何も書かれていない時の設定を返す
func Default() *Config {
	return &Config{
		RobotID: "carbot",
		Control: ControlSection{Hz: 50, IdleSleep: 0.002, ServoMaxAge: 60},
		Serial:  SerialSection{Port: "/dev/serial0", Baud: 115200},
		GPIO: GPIOSection{
			InfraredLeft:   14,
			InfraredMiddle: 15,
			InfraredRight:  23,
			Trigger:        27,
			Echo:           22,
		},
		Status: StatusSection{Hz: 2},
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
