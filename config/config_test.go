package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rione/carbot/teleop"
)

func TestParseFillsSectionDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
motor:
  controller: fake
  max_power: 2000
servo:
teleop:
  deadman_s: 0.3
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Motor)
	assert.Equal(t, 2000, cfg.Motor.MaxPower)
	assert.Equal(t, 1.0, cfg.Motor.LeftScale)
	assert.Equal(t, 1.0, cfg.Motor.RightScale)

	require.NotNil(t, cfg.Servo)
	assert.Equal(t, 90, cfg.Servo.PanCenter)

	require.NotNil(t, cfg.Teleop)
	assert.Equal(t, "terminal", cfg.Teleop.Keyboard)
	assert.Equal(t, 1500, cfg.Teleop.Speed)
	assert.Equal(t, 0.3, cfg.Teleop.DeadmanS)

	assert.Nil(t, cfg.Camera)
	assert.Nil(t, cfg.Network)
	assert.Nil(t, cfg.Infrared)
	assert.Equal(t, 50.0, cfg.Control.Hz)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "carbot", cfg.RobotID)
	assert.Nil(t, cfg.Motor)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("motor:\n  controller: fake\n  max_pwr: 10\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Parse([]byte("motors: {}\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseKeymapOverridesNamedActions(t *testing.T) {
	cfg, err := Parse([]byte(`
motor:
  controller: fake
teleop:
  keymap:
    quit: [x, ESC]
    motor_forward: [w]
`))
	require.NoError(t, err)

	tc, err := cfg.Teleop.TeleopConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", teleop.KeyEsc}, tc.Keymap.Quit)
	assert.Equal(t, []string{"w"}, tc.Keymap.MotorForward)
	assert.Equal(t, teleop.DefaultKeymap().MotorStop, tc.Keymap.MotorStop)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid",
			yaml: "motor: {controller: fake}\nteleop: {}\n",
		},
		{
			name:    "unknown controller",
			yaml:    "motor: {controller: pwm}\n",
			wantErr: "motor.controller",
		},
		{
			name:    "missing controller",
			yaml:    "motor:\n",
			wantErr: "motor.controller",
		},
		{
			name:    "network without camera",
			yaml:    "network: {}\n",
			wantErr: "network requires a camera",
		},
		{
			name:    "port out of range",
			yaml:    "camera: {controller: fake}\nnetwork: {port: 70000}\n",
			wantErr: "network.port",
		},
		{
			name:    "jpeg quality",
			yaml:    "camera: {controller: fake}\nnetwork: {jpeg_quality: 5}\n",
			wantErr: "network.jpeg_quality",
		},
		{
			name:    "unknown transform",
			yaml:    "camera: {controller: fake}\nnetwork: {transform: canny}\n",
			wantErr: "network.transform",
		},
		{
			name:    "negative retries",
			yaml:    "camera: {controller: fake, retries: -1}\n",
			wantErr: "camera.retries",
		},
		{
			name:    "zero time limit",
			yaml:    "camera: {controller: fake, time_limit: 0}\n",
			wantErr: "camera.time_limit",
		},
		{
			name:    "teleop without actuators",
			yaml:    "teleop: {}\n",
			wantErr: "teleop requires",
		},
		{
			name:    "bad keyboard",
			yaml:    "servo: {controller: fake}\nteleop: {keyboard: joystick}\n",
			wantErr: "teleop.keyboard",
		},
		{
			name:    "bad key name",
			yaml:    "servo: {controller: fake}\nteleop: {keymap: {quit: [PAGEUP]}}\n",
			wantErr: "teleop.keymap",
		},
		{
			name:    "servo range",
			yaml:    "servo: {controller: fake, pan_min: 100, pan_max: 10}\n",
			wantErr: "servo.pan_min",
		},
		{
			name:    "sensor hz",
			yaml:    "infrared: {controller: fake, hz: 0}\n",
			wantErr: "infrared.hz",
		},
		{
			name:    "serial port required",
			yaml:    "motor: {controller: serial}\nserial: {port: \"\"}\n",
			wantErr: "serial.port",
		},
		{
			name:    "max power beyond int16",
			yaml:    "motor: {controller: serial, max_power: 40000}\n",
			wantErr: "motor.max_power",
		},
		{
			name: "max power at int16 limit",
			yaml: "motor: {controller: fake, max_power: 32767}\n",
		},
		{
			name:    "servo limit beyond int16",
			yaml:    "servo: {controller: fake, pan_min: -40000}\n",
			wantErr: "servo.pan_min must fit in int16",
		},
		{
			name:    "camera idle sleep zero",
			yaml:    "camera: {controller: fake, idle_sleep: 0}\n",
			wantErr: "camera.idle_sleep",
		},
		{
			name:    "unpaced control loop without idle sleep",
			yaml:    "control: {hz: 0, idle_sleep: 0}\n",
			wantErr: "control.idle_sleep must be > 0 when control.hz is 0",
		},
		{
			name: "unpaced control loop with idle sleep",
			yaml: "control: {hz: 0, idle_sleep: 0.005}\n",
		},
		{
			name:    "gpio pin range",
			yaml:    "infrared: {controller: gpio}\ngpio: {infrared_left: 40}\n",
			wantErr: "gpio.infrared_left",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse([]byte("motor: {controller: serial}\ncamera: {controller: gocv}\nnetwork: {}\n"))
	require.NoError(t, err)

	t.Setenv("CARBOT_MOTOR_CONTROLLER", "fake")
	t.Setenv("CARBOT_SERVO_CONTROLLER", "fake")
	t.Setenv("CARBOT_NETWORK_PORT", "9000")
	t.Setenv("CARBOT_SERIAL_PORT", "/dev/ttyUSB0")
	t.Setenv("CARBOT_ROBOT_ID", "carbot-7")

	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "fake", cfg.Motor.Controller)
	assert.Nil(t, cfg.Servo, "absent sections stay absent")
	assert.Equal(t, 9000, cfg.Network.Port)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, "carbot-7", cfg.RobotID)

	t.Setenv("CARBOT_NETWORK_PORT", "http")
	assert.ErrorIs(t, cfg.ApplyEnv(), ErrInvalidConfig)
}

func TestConversions(t *testing.T) {
	cfg, err := Parse([]byte(`
camera: {controller: fake, time_limit: 1.5, retries: 2, idle_sleep: 0.02, max_fps: 10}
network: {idle_sleep_s: 0.005}
infrared: {controller: fake, hz: 4, time_limit: 0.5}
motor: {controller: fake}
teleop: {deadman_s: 0.01, poll_s: 0.05}
control: {hz: 100, idle_sleep: 0.001, failsafe_stop: false}
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	p := cfg.Camera.Policy()
	assert.Equal(t, 1500*time.Millisecond, p.TimeLimit)
	assert.Equal(t, 2, p.Retries)
	assert.Equal(t, 20*time.Millisecond, p.IdleSleep)
	assert.Equal(t, 10.0, p.MaxFPS)

	assert.Equal(t, 5*time.Millisecond, cfg.Network.VisionConfig().IdleSleep)
	assert.Equal(t, 500*time.Millisecond, cfg.Infrared.DriverConfig().TimeLimit)

	tc, err := cfg.Teleop.TeleopConfig()
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, tc.Poll)
	assert.Equal(t, 50*time.Millisecond, cfg.Teleop.MotorMaxAge())

	cfg.Teleop.DeadmanS = 0.15
	assert.Equal(t, 300*time.Millisecond, cfg.Teleop.MotorMaxAge())

	assert.Equal(t, 100.0, cfg.Control.LoopConfig().Hz)
	assert.False(t, cfg.Control.Failsafe())
	assert.Equal(t, 60*time.Second, cfg.Control.ServoAge())
	assert.Equal(t, 500*time.Millisecond, cfg.Status.Interval())
}

func TestLoadShippedConfigs(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", DefaultDir, "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		_, err := Load(p)
		assert.NoError(t, err, p)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("robot_id: bench\n"), 0o600))

	got, err := Resolve("bench", dir)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	got, err = Resolve(path, "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = Resolve("missing", dir)
	assert.Error(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bench", cfg.RobotID)
}
