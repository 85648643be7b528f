package main

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	control "balancebot-core/closed_loop/balance_control"
	"balancebot-core/closed_loop/formation"
)

// RobotConfig is the YAML file the robot boots from.
type RobotConfig struct {
	Name      string          `yaml:"name"`
	CAN       CANConfig       `yaml:"can"`
	Control   ControlConfig   `yaml:"control"`
	Motor     MotorConfig     `yaml:"motor"`
	Formation FormationConfig `yaml:"formation"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Log       LogConfig       `yaml:"log"`
}

type CANConfig struct {
	Interface    string        `yaml:"interface"`
	MapPath      string        `yaml:"map"`
	WheelFrame   string        `yaml:"wheel_frame"`
	EncoderFrame string        `yaml:"encoder_frame"`
	AngleFrame   string        `yaml:"imu_angle_frame"`
	RateFrame    string        `yaml:"imu_rate_frame"`
	IMUTimeout   time.Duration `yaml:"imu_timeout"`
}

type ControlConfig struct {
	control.Params `yaml:",inline"`
	// Gains by loop name; absent loops keep the stock tuning.
	Gains     map[string]control.Gains `yaml:"gains"`
	Run       bool                     `yaml:"run"`
	DiagEvery int                      `yaml:"diag_every"` // ticks between diagnostic lines
}

type MotorConfig struct {
	Calibrate     bool             `yaml:"calibrate"`
	Step          float64          `yaml:"step"`
	StepInterval  time.Duration    `yaml:"step_interval"`
	MoveThreshold int64            `yaml:"move_threshold"` // encoder counts
	Deadzone      control.Deadzone `yaml:"deadzone"`       // used when not calibrating
}

type FormationConfig struct {
	formation.UDPConfig `yaml:",inline"`
	Enabled             bool          `yaml:"enabled"`
	Group               int32         `yaml:"group"`
	Role                string        `yaml:"role"`
	Timeout             time.Duration `yaml:"timeout"`
}

type BridgeConfig struct {
	Listen string `yaml:"listen"`
	Queue  int    `yaml:"queue"`
}

type LogConfig struct {
	File   string `yaml:"file"`
	Level  string `yaml:"level"`
	Stdout bool   `yaml:"stdout"`
}

func DefaultConfig() RobotConfig {
	params := control.DefaultParams()
	params.FallDetect = true
	return RobotConfig{
		Name: "balancebot",
		CAN: CANConfig{
			Interface:    "can0",
			MapPath:      "config/can/robot_can_map.csv",
			WheelFrame:   "WHEEL_CMD",
			EncoderFrame: "ENCODER_DELTA",
			AngleFrame:   "IMU_ANGLE",
			RateFrame:    "IMU_RATE",
			IMUTimeout:   100 * time.Millisecond,
		},
		Control: ControlConfig{Params: params, DiagEvery: 500},
		Motor: MotorConfig{
			Calibrate:     true,
			Step:          0.05,
			StepInterval:  40 * time.Millisecond,
			MoveThreshold: 1,
		},
		Formation: FormationConfig{
			UDPConfig: formation.UDPConfig{Port: formation.Port, QueueLen: 32},
			Group:     1,
			Role:      "leader",
			Timeout:   formation.DefaultTimeout,
		},
		Bridge: BridgeConfig{Listen: ":8080", Queue: 64},
		Log:    LogConfig{File: "closed_loop.log", Level: "info", Stdout: true},
	}
}

// LoadConfig reads path over the defaults and validates the result.
func LoadConfig(path string) (RobotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RobotConfig{}, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (RobotConfig, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return RobotConfig{}, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return RobotConfig{}, err
	}
	return cfg, nil
}

// Validate rejects settings the robot cannot run with. Gains are not checked
// here; they are clamped to their envelopes when applied.
func (c *RobotConfig) Validate() error {
	switch {
	case c.CAN.Interface == "":
		return errors.New("can.interface is required")
	case c.CAN.MapPath == "":
		return errors.New("can.map is required")
	case c.Control.Period <= 0 || c.Control.Period > 50*time.Millisecond:
		return errors.Errorf("invalid control.period %v", c.Control.Period)
	case c.Motor.Step <= 0 || c.Motor.Step > 1:
		return errors.Errorf("invalid motor.step %.3f", c.Motor.Step)
	case c.Motor.StepInterval <= 0:
		return errors.Errorf("invalid motor.step_interval %v", c.Motor.StepInterval)
	case c.Bridge.Listen == "":
		return errors.New("bridge.listen is required")
	}
	for name := range c.Control.Gains {
		if _, err := control.ParseLoop(name); err != nil {
			return errors.Wrap(err, "control.gains")
		}
	}
	if c.Motor.MoveThreshold <= 0 {
		c.Motor.MoveThreshold = 1
	}
	return nil
}

// PipelineParams merges the configured gains into the pipeline parameters.
func (c ControlConfig) PipelineParams() control.Params {
	p := c.Params
	if p.Gains == (control.GainSet{}) {
		p.Gains = control.DefaultGains()
	}
	for name, g := range c.Gains {
		if l, err := control.ParseLoop(name); err == nil {
			p.Gains[l] = g
		}
	}
	return p
}

// FormationCommand is the boot-time formation configuration.
func (c FormationConfig) FormationCommand(name string) formation.Command {
	return formation.Command{
		Enable:  c.Enabled,
		Group:   c.Group,
		Role:    formation.ParseRole(c.Role, formation.RoleLeader),
		Count:   1,
		Name:    name,
		Timeout: c.Timeout,
	}
}
