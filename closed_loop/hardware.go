package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.uber.org/atomic"

	control "balancebot-core/closed_loop/balance_control"
	"balancebot-core/utils"
)

// Signal names expected in the CAN map.
const (
	sigEnable    = "enable"
	sigLeftDuty  = "left_duty"
	sigRightDuty = "right_duty"
	sigEnc1      = "enc1_delta"
	sigEnc2      = "enc2_delta"
	sigAngleX    = "angle_x"
	sigAngleY    = "angle_y"
	sigAngleZ    = "angle_z"
	sigGyroX     = "gyro_x"
	sigGyroY     = "gyro_y"
	sigGyroZ     = "gyro_z"
)

func requireFrame(cmap *utils.CANMap, name, dir string, signals ...string) (*utils.FrameDef, error) {
	fd, err := cmap.FrameByName(name)
	if err != nil {
		return nil, err
	}
	if fd.Direction != dir {
		return nil, errors.Errorf("frame %s is %s, expected %s", name, fd.Direction, dir)
	}
	for _, s := range signals {
		if _, ok := fd.Signal(s); !ok {
			return nil, errors.Errorf("frame %s has no signal %s", name, s)
		}
	}
	return fd, nil
}

// Sensors decodes the IMU and encoder frames. Handle runs on the CAN receive
// goroutine; IMU is read by the control goroutine.
type Sensors struct {
	cmap *utils.CANMap
	odo  *control.Odometry
	clk  clock.Clock
	log  *utils.Logger

	angleID, rateID, encID uint32
	values                 map[string]float64

	mu    sync.Mutex
	imu   control.IMUSample
	imuAt time.Time

	frames     atomic.Uint64
	decodeErrs atomic.Uint64
}

func NewSensors(cmap *utils.CANMap, cfg CANConfig, odo *control.Odometry, clk clock.Clock, log *utils.Logger) (*Sensors, error) {
	angle, err := requireFrame(cmap, cfg.AngleFrame, utils.DirectionRx, sigAngleX, sigAngleY, sigAngleZ)
	if err != nil {
		return nil, err
	}
	rate, err := requireFrame(cmap, cfg.RateFrame, utils.DirectionRx, sigGyroX, sigGyroY, sigGyroZ)
	if err != nil {
		return nil, err
	}
	enc, err := requireFrame(cmap, cfg.EncoderFrame, utils.DirectionRx, sigEnc1, sigEnc2)
	if err != nil {
		return nil, err
	}
	return &Sensors{
		cmap:    cmap,
		odo:     odo,
		clk:     clk,
		log:     log,
		angleID: angle.ID,
		rateID:  rate.ID,
		encID:   enc.ID,
		values:  make(map[string]float64, 8),
	}, nil
}

// Handle consumes one received frame. Frames the robot does not read are ignored.
func (s *Sensors) Handle(f can.Frame) {
	if f.ID != s.angleID && f.ID != s.rateID && f.ID != s.encID {
		return
	}
	s.frames.Inc()
	v, err := s.cmap.DecodeFrame(f, s.values)
	if err != nil {
		if s.decodeErrs.Inc()%100 == 1 {
			s.log.Warn("RX decode 0x%X: %v", f.ID, err)
		}
		return
	}
	s.values = v

	switch f.ID {
	case s.encID:
		s.odo.Accumulate(int64(v[sigEnc1]), int64(v[sigEnc2]))
	case s.angleID:
		s.mu.Lock()
		s.imu.AngleX, s.imu.AngleY, s.imu.AngleZ = v[sigAngleX], v[sigAngleY], v[sigAngleZ]
		s.imuAt = s.clk.Now()
		s.mu.Unlock()
	case s.rateID:
		s.mu.Lock()
		s.imu.GyroX, s.imu.GyroY, s.imu.GyroZ = v[sigGyroX], v[sigGyroY], v[sigGyroZ]
		s.mu.Unlock()
	}
	s.log.Trace("RX id=0x%X len=%d data=% X", f.ID, f.Length, f.Data[:f.Length])
}

// IMU returns the latest sample and when its angles arrived. The time is zero
// until the first angle frame.
func (s *Sensors) IMU() (control.IMUSample, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imu, s.imuAt
}

// Compensate maps a normalised command onto the motor's usable duty range:
// start + (1-start)*|cmd| with the sign of cmd. Zero stays zero.
func Compensate(cmd, fwdStart, revStart float64) float64 {
	cmd = control.ClampAbs(cmd, 1)
	switch {
	case cmd > 0:
		return fwdStart + (1-fwdStart)*cmd
	case cmd < 0:
		return -(revStart + (1-revStart)*-cmd)
	default:
		return 0
	}
}

// Motors writes wheel duties over CAN.
type Motors struct {
	cmap   *utils.CANMap
	w      utils.CANWriter
	frame  string
	dz     control.Deadzone
	values map[string]float64
}

func NewMotors(cmap *utils.CANMap, w utils.CANWriter, frame string) (*Motors, error) {
	if _, err := requireFrame(cmap, frame, utils.DirectionTx, sigLeftDuty, sigRightDuty); err != nil {
		return nil, err
	}
	return &Motors{cmap: cmap, w: w, frame: frame, values: make(map[string]float64, 3)}, nil
}

func (m *Motors) SetDeadzone(dz control.Deadzone) { m.dz = dz }

// Drive applies dead-zone compensation and writes the duties it applied.
func (m *Motors) Drive(ctx context.Context, left, right float64) (float64, float64, error) {
	l := Compensate(left, m.dz.LeftFwd, m.dz.LeftRev)
	r := Compensate(right, m.dz.RightFwd, m.dz.RightRev)
	return l, r, m.WriteRaw(ctx, l, r)
}

// WriteRaw writes duties without compensation. Both zero disables the bridge.
func (m *Motors) WriteRaw(ctx context.Context, left, right float64) error {
	m.values[sigEnable] = control.BoolToFloat(left != 0 || right != 0)
	m.values[sigLeftDuty] = left
	m.values[sigRightDuty] = right
	f, err := m.cmap.EncodeFrame(m.frame, m.values)
	if err != nil {
		return err
	}
	return m.w.WriteFrame(ctx, f)
}

func (m *Motors) Stop(ctx context.Context) error { return m.WriteRaw(ctx, 0, 0) }

// stopTimeout bounds a stop written after the caller's context is gone.
const stopTimeout = 100 * time.Millisecond

// stopDetached stops the motors on a fresh context.
func (m *Motors) stopDetached() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return m.Stop(ctx)
}

// Calibrator finds the smallest duty that moves each wheel in each direction.
type Calibrator struct {
	motors    *Motors
	odo       *control.Odometry
	clk       clock.Clock
	log       *utils.Logger
	step      float64
	interval  time.Duration
	threshold int64
}

func NewCalibrator(motors *Motors, odo *control.Odometry, cfg MotorConfig, clk clock.Clock, log *utils.Logger) *Calibrator {
	return &Calibrator{
		motors:    motors,
		odo:       odo,
		clk:       clk,
		log:       log,
		step:      cfg.Step,
		interval:  cfg.StepInterval,
		threshold: cfg.MoveThreshold,
	}
}

// Run ramps every wheel and direction in turn. A wheel that never moves gets
// a start duty of 1 and a fault entry; calibration carries on.
func (c *Calibrator) Run(ctx context.Context) (control.Deadzone, []string, error) {
	var dz control.Deadzone
	var faults []string
	reportsBefore := c.odo.Reports()

	for _, p := range []struct {
		name  string
		wheel int
		dir   float64
		out   *float64
	}{
		{"left forward", 0, 1, &dz.LeftFwd},
		{"left reverse", 0, -1, &dz.LeftRev},
		{"right forward", 1, 1, &dz.RightFwd},
		{"right reverse", 1, -1, &dz.RightRev},
	} {
		duty, moved, err := c.find(ctx, p.wheel, p.dir)
		if err != nil {
			return dz, faults, err
		}
		*p.out = duty
		if moved {
			c.log.Info("calibration %s: start duty %.2f", p.name, duty)
		} else {
			faults = append(faults, fmt.Sprintf("%s: no encoder movement", p.name))
			c.log.Error("calibration %s: wheel did not move up to full duty", p.name)
		}
	}
	if c.odo.Reports() == reportsBefore {
		faults = append(faults, "encoders: no reports during calibration")
		c.log.Error("calibration: no encoder frames received")
	}
	c.odo.Update(0)
	return dz, faults, nil
}

func (c *Calibrator) find(ctx context.Context, wheel int, dir float64) (float64, bool, error) {
	defer func() {
		if err := c.motors.stopDetached(); err != nil {
			c.log.Error("calibration: stop motors: %v", err)
		}
	}()

	base1, base2 := c.odo.Pending()
	steps := int(math.Ceil(1 / c.step))
	for i := 1; i <= steps; i++ {
		duty := math.Min(float64(i)*c.step, 1)
		left, right := 0.0, 0.0
		if wheel == 0 {
			left = dir * duty
		} else {
			right = dir * duty
		}
		if err := c.motors.WriteRaw(ctx, left, right); err != nil {
			return 0, false, err
		}
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-c.clk.After(c.interval):
		}

		p1, p2 := c.odo.Pending()
		moved := p1 - base1
		if wheel == 1 {
			moved = p2 - base2
		}
		if moved >= c.threshold || -moved >= c.threshold {
			return duty, true, nil
		}
	}
	return 1, false, nil
}
