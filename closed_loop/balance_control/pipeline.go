package control

import (
	"math"

	"github.com/benbjohnson/clock"
)

// Pipeline is the cascaded balance controller. It is owned by a single
// goroutine: Tick and every setter must be called from that goroutine.
type Pipeline struct {
	params Params
	clk    clock.Clock

	gains      GainSet
	pids       [loopCount]*PIDController
	joyFilter  *LowPassFilter
	zeroFilter *LowPassFilter

	imu       IMUSample
	wheels    WheelState
	ang       MotionState
	spd       MotionState
	pos       MotionState
	yaw       MotionState
	motor     MotorDuty
	joy       JoyState
	joyLast   JoyState
	fall      FallState
	pitchZero float64

	run        bool
	manual     bool
	groupDrive bool
	joyStop    bool
}

// NewPipeline builds a pipeline from params; gains are clamped to Envelopes.
func NewPipeline(params Params, clk clock.Clock) *Pipeline {
	if clk == nil {
		clk = clock.New()
	}
	p := &Pipeline{
		params:     params,
		clk:        clk,
		gains:      params.Gains.Clamped(),
		joyFilter:  NewLowPassFilter(joyFilterTau, clk),
		zeroFilter: NewLowPassFilter(adaptFilterTau, clk),
		pitchZero:  params.PitchTrim,
		joy:        JoyState{XCoef: params.JoyXCoef, YCoef: params.JoyYCoef},
		fall:       FallState{Enabled: params.FallDetect},
	}
	p.joyLast = p.joy
	for _, l := range Loops {
		g := p.gains[l]
		p.pids[l] = NewPIDController(PIDConfig{
			Kp: g.P, Ki: g.I, Kd: g.D,
			Limit: g.Limit, IntegralLimit: g.IntegralLimit,
		}, clk)
	}
	p.syncGains()
	return p
}

// Tick runs one control period and returns the wheel commands to actuate.
func (p *Pipeline) Tick(in Input) Output {
	p.snapshot(in)

	if in.Formation.Enabled {
		p.joy.X = in.Formation.Yaw
		p.joy.Y = in.Formation.Linear
	}

	groupDrive := in.Formation.Enabled || p.manual
	if groupDrive != p.groupDrive {
		if !groupDrive {
			// drop the last group command so it does not become a speed setpoint
			p.joy.X = 0
			p.joy.Y = 0
			p.joyFilter.Reset(0)
		}
		p.idleReset()
		p.joyStop = false
		p.groupDrive = groupDrive
	}

	if groupDrive {
		p.directDrive()
	} else {
		p.syncGains()
		p.holdPosition()
		p.pitchControl()
		p.yawControl()
		p.mix()
		p.adaptPitchZero()
	}

	p.checkFall()

	if !p.run {
		p.idleReset()
	}

	p.joyLast = p.joy
	return Output{
		Left:       p.motor.LeftCmd,
		Right:      p.motor.RightCmd,
		Fallen:     p.fall.Fallen,
		GroupDrive: p.groupDrive,
	}
}

func (p *Pipeline) snapshot(in Input) {
	p.ang.Last = p.ang.Now
	p.spd.Last = p.spd.Now
	p.pos.Last = p.pos.Now
	p.yaw.Last = p.yaw.Now

	p.imu = in.IMU
	p.wheels = in.Wheels

	p.ang.Now = in.IMU.AngleY
	p.spd.Now = -0.5 * (in.Wheels.Speed1 + in.Wheels.Speed2)
	p.pos.Now = -0.5 * (in.Wheels.Pos1 + in.Wheels.Pos2)
	p.yaw.Now = in.IMU.GyroZ
}

// syncGains pushes the live gain set into the controllers before they compute.
func (p *Pipeline) syncGains() {
	for _, l := range Loops {
		g := p.gains[l]
		kd := g.D
		if l == LoopBalance {
			// balance damping uses the gyro rate directly
			kd = 0
		}
		p.pids[l].SetGains(g.P, g.I, kd)
		p.pids[l].SetLimits(g.Limit, g.IntegralLimit)
	}
}

func (p *Pipeline) directDrive() {
	lin := ClampAbs(p.joy.Y, 1)
	yaw := ClampAbs(p.joy.X, 1)
	p.motor.LeftCmd = ClampAbs(lin+yaw, 1)
	p.motor.RightCmd = ClampAbs(lin-yaw, 1)
	p.motor.BaseDuty = 0
	p.motor.YawDuty = 0
}

func (p *Pipeline) holdPosition() {
	if p.joy.Y != 0 {
		p.pos.Target = p.pos.Now
	}
	if (p.joyLast.X != 0 && p.joy.X == 0) || (p.joyLast.Y != 0 && p.joy.Y == 0) {
		p.joyStop = true
	}
	if p.joyStop && math.Abs(p.spd.Now) < StopSpeedThreshold {
		p.pos.Target = p.pos.Now
		p.joyStop = false
	}
	if math.Abs(p.spd.Now) > ShoveSpeedThreshold {
		p.pos.Target = p.pos.Now
	}
}

// pitchControl runs position -> velocity -> pitch.
func (p *Pipeline) pitchControl() {
	db := p.params.Deadbands

	p.pos.Err = p.pos.Now - p.pos.Target
	p.pos.Duty = p.pids[LoopPosition].Compute(p.pos.Err)

	joySpeed := p.joy.YCoef * p.joyFilter.ApplyAuto(p.joy.Y)
	p.spd.Target = joySpeed - p.pos.Duty
	p.spd.Err = Deadband(p.spd.Now-p.spd.Target, db.Speed)
	p.spd.Duty = p.pids[LoopVelocity].Compute(p.spd.Err)

	offset := ClampAbs(p.spd.Duty*RadToDeg, PitchOffsetLimit)
	p.ang.Target = p.pitchZero - offset
	p.ang.Err = Deadband(p.ang.Now-p.ang.Target, db.Pitch)

	bal := p.gains[LoopBalance]
	p.ang.Duty = p.pids[LoopBalance].Compute(p.ang.Err) + ClampAbs(bal.D*p.imu.GyroY, bal.Limit)

	if math.Abs(p.spd.Now-p.spd.Last) > LiftoffSpeedDelta || math.Abs(p.spd.Now) > LiftoffSpeed {
		p.pos.Target = p.pos.Now
	}
	p.motor.BaseDuty = Deadband(p.ang.Duty, db.Torque)
}

// yawControl is rate only; there is no heading hold.
func (p *Pipeline) yawControl() {
	g := p.gains[LoopYaw]
	cmdRate := p.joy.X * p.joy.XCoef * YawRateMax
	rate := p.imu.GyroZ

	p.yaw.Target = cmdRate
	p.yaw.Now = rate
	p.yaw.Err = cmdRate - rate

	if math.Abs(cmdRate) < YawRateCmdDeadband {
		p.pids[LoopYaw].Reset(0, 0)
		p.motor.YawDuty = Deadband(-g.D*rate, YawTorqueDeadband)
		p.yaw.Duty = p.motor.YawDuty
		return
	}
	p.motor.YawDuty = ClampAbs(g.P*cmdRate-g.D*rate, g.Limit)
	p.yaw.Duty = p.motor.YawDuty
}

func (p *Pipeline) mix() {
	left := ClampAbs(p.motor.BaseDuty+p.motor.YawDuty, DutySumLimit)
	right := ClampAbs(p.motor.BaseDuty-p.motor.YawDuty, DutySumLimit)
	p.motor.LeftCmd = ClampAbs(-left/DutySumLimit, 1)
	p.motor.RightCmd = ClampAbs(-right/DutySumLimit, 1)
}

// adaptPitchZero drifts the balance reference toward where the position loop
// keeps pushing it, only while the robot is standing still.
func (p *Pipeline) adaptPitchZero() {
	cmd := math.Max(math.Abs(p.motor.LeftCmd), math.Abs(p.motor.RightCmd))
	if cmd >= adaptCmdThreshold || p.joy.Y != 0 || math.Abs(p.pos.Duty) >= adaptDutyLimit {
		return
	}
	step := ClampAbs(adaptGain*p.zeroFilter.ApplyAuto(p.pos.Duty), adaptStepLimit)
	trim := p.params.PitchTrim
	p.pitchZero = ClampFloat(p.pitchZero-step, trim-adaptDriftLimit, trim+adaptDriftLimit)
}

func (p *Pipeline) checkFall() {
	if !p.fall.Enabled {
		return
	}
	pitch := p.imu.AngleY
	if pitch > FallMaxPitch || pitch < FallMinPitch {
		p.fall.Count++
	} else {
		p.fall.Count = 0
		p.fall.Fallen = false
	}
	if p.fall.Count >= CountFallMax {
		p.fall.Fallen = true
	}
	if p.fall.Fallen {
		p.joy.X = 0
		p.joy.Y = 0
		p.idleReset()
	}
}

// idleReset zeroes integrators and outputs and re-syncs targets to the
// current state so re-enabling does not kick.
func (p *Pipeline) idleReset() {
	for _, pid := range p.pids {
		pid.Reset(0, 0)
	}
	p.pos.Target = p.pos.Now
	p.spd.Target = 0
	p.motor.BaseDuty = 0
	p.motor.YawDuty = 0
	p.motor.LeftDuty = 0
	p.motor.RightDuty = 0
	p.motor.LeftCmd = 0
	p.motor.RightCmd = 0
}

// SetRun sets the master enable.
func (p *Pipeline) SetRun(run bool) { p.run = run }

// Running reports the master enable.
func (p *Pipeline) Running() bool { return p.run }

// SetFallDetect toggles fall detection; disabling clears a latched fall.
func (p *Pipeline) SetFallDetect(enabled bool) {
	p.fall.Enabled = enabled
	if !enabled {
		p.fall.Fallen = false
		p.fall.Count = 0
	}
}

// SetJoystick stores an operator stick sample. In group drive the formation
// input overrides it every tick.
func (p *Pipeline) SetJoystick(x, y, a float64) {
	p.joy.X = ClampAbs(x, 1)
	p.joy.Y = ClampAbs(y, 1)
	p.joy.A = ClampAbs(a, 1)
}

// SetManualGroupDrive forces direct differential drive without formation.
func (p *Pipeline) SetManualGroupDrive(on bool) { p.manual = on }

// SetGains replaces one loop's gains, clamped to its envelope, and returns
// what was stored.
func (p *Pipeline) SetGains(l Loop, g Gains) Gains {
	if l < 0 || l >= loopCount {
		return Gains{}
	}
	p.gains[l] = Envelopes[l].Clamp(g)
	return p.gains[l]
}

// Gains returns the gains in effect.
func (p *Pipeline) Gains() GainSet { return p.gains }

// SetDeadzones records the calibrated motor start duties.
func (p *Pipeline) SetDeadzones(dz Deadzone) { p.motor.Deadzone = dz }

// RecordApplied stores the dead-zone compensated duties the motor adapter applied.
func (p *Pipeline) RecordApplied(left, right float64) {
	p.motor.LeftDuty = left
	p.motor.RightDuty = right
}

// PitchZero returns the current, possibly adapted, balance reference.
func (p *Pipeline) PitchZero() float64 { return p.pitchZero }

// Snapshot copies the state for telemetry.
func (p *Pipeline) Snapshot() ControlState {
	return ControlState{
		Run:        p.run,
		GroupDrive: p.groupDrive,
		Manual:     p.manual,
		PitchZero:  p.pitchZero,
		IMU:        p.imu,
		Wheels:     p.wheels,
		Balance:    p.ang,
		Velocity:   p.spd,
		Position:   p.pos,
		Yaw:        p.yaw,
		Motor:      p.motor,
		Joy:        p.joy,
		Fall:       p.fall,
		Gains:      p.gains,
	}
}
