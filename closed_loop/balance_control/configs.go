package control

import (
	"fmt"
	"math"
	"time"
)

// Loop names one of the four control loops.
type Loop int

const (
	LoopBalance Loop = iota
	LoopVelocity
	LoopPosition
	LoopYaw
	loopCount
)

// Loops lists every loop in telemetry key order.
var Loops = [loopCount]Loop{LoopBalance, LoopVelocity, LoopPosition, LoopYaw}

func (l Loop) String() string {
	switch l {
	case LoopBalance:
		return "balance"
	case LoopVelocity:
		return "velocity"
	case LoopPosition:
		return "position"
	case LoopYaw:
		return "yaw"
	default:
		return fmt.Sprintf("loop(%d)", int(l))
	}
}

// ParseLoop is the inverse of Loop.String.
func ParseLoop(s string) (Loop, error) {
	for _, l := range Loops {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown control loop %q", s)
}

// Gains is the operator-tunable parameter set of one loop. For the balance
// loop D is the gyro damping gain; its PID runs with kd = 0.
type Gains struct {
	P             float64 `yaml:"p" json:"p"`
	I             float64 `yaml:"i" json:"i"`
	D             float64 `yaml:"d" json:"d"`
	Limit         float64 `yaml:"limit" json:"limit"`
	IntegralLimit float64 `yaml:"integral_limit" json:"integral_limit"`
}

// Envelope bounds a loop's gains: P, I and D symmetric, limits absolute and capped.
type Envelope struct {
	P, I, D       float64
	Limit         float64
	IntegralLimit float64
}

// Clamp returns g constrained to e.
func (e Envelope) Clamp(g Gains) Gains {
	return Gains{
		P:             ClampAbs(g.P, e.P),
		I:             ClampAbs(g.I, e.I),
		D:             ClampAbs(g.D, e.D),
		Limit:         math.Min(math.Abs(g.Limit), e.Limit),
		IntegralLimit: math.Min(math.Abs(g.IntegralLimit), e.IntegralLimit),
	}
}

// Envelopes are the fixed per-loop safety bounds.
var Envelopes = [loopCount]Envelope{
	LoopBalance:  {P: 1.0, I: 12, D: 0.02, Limit: DutySumLimit, IntegralLimit: 250},
	LoopVelocity: {P: 0.005, I: 0.005, D: 0.005, Limit: 2, IntegralLimit: 10},
	LoopPosition: {P: 0.005, I: 0.005, D: 0.005, Limit: 20, IntegralLimit: 10},
	LoopYaw:      {P: 0.03, I: 0.005, D: 0.005, Limit: DutySumLimit, IntegralLimit: 10},
}

// GainSet holds the gains of all four loops, indexed by Loop.
type GainSet [loopCount]Gains

// DefaultGains returns the boot-time tuning, already inside the envelopes.
func DefaultGains() GainSet {
	return GainSet{
		LoopBalance:  {P: 0.4, I: 10, D: 0.012, Limit: 10, IntegralLimit: 250},
		LoopVelocity: {P: 0.003, I: 0, D: 0, Limit: 1, IntegralLimit: 5},
		LoopPosition: {P: 0, I: 0, D: 0, Limit: 15, IntegralLimit: 5},
		LoopYaw:      {P: 0.025, I: 0, D: 0, Limit: 5, IntegralLimit: 5},
	}
}

// Clamped returns every loop's gains constrained to its envelope.
func (s GainSet) Clamped() GainSet {
	for _, l := range Loops {
		s[l] = Envelopes[l].Clamp(s[l])
	}
	return s
}

const (
	RadToDeg = 57.2958

	// DutySumLimit bounds |base±yaw| before normalisation to ±1.
	DutySumLimit = 10.0

	FallMaxPitch = 30.0
	FallMinPitch = -30.0
	// CountFallMax consecutive out-of-range pitch samples mark a fall.
	CountFallMax = 3

	YawRateMax          = 200.0 // deg/s at full stick
	YawRateCmdDeadband  = 0.5
	YawTorqueDeadband   = 0.02
	PitchOffsetLimit    = 10.0 // deg
	StopSpeedThreshold  = 0.5  // rad/s
	ShoveSpeedThreshold = 15.0 // rad/s
	LiftoffSpeedDelta   = 10.0 // rad/s per tick
	LiftoffSpeed        = 50.0 // rad/s

	adaptCmdThreshold = 0.1
	adaptDutyLimit    = 4.0
	adaptGain         = 0.002
	adaptStepLimit    = 4.0
	adaptDriftLimit   = 4.0 // deg around the trim
	adaptFilterTau    = 0.1
	joyFilterTau      = 0.2
)

// Params are the fixed, non-tunable settings of a pipeline.
type Params struct {
	Period     time.Duration `yaml:"period"`
	PitchTrim  float64       `yaml:"pitch_trim"` // deg, balance reference at boot
	JoyXCoef   float64       `yaml:"joy_x_coef"`
	JoyYCoef   float64       `yaml:"joy_y_coef"`
	Deadbands  Deadbands     `yaml:"deadbands"`
	Gains      GainSet       `yaml:"-"`
	FallDetect bool          `yaml:"fall_detect"`
}

// Deadbands below which errors or outputs snap to zero.
type Deadbands struct {
	Pitch  float64 `yaml:"pitch"`  // deg
	Speed  float64 `yaml:"speed"`  // rad/s
	Torque float64 `yaml:"torque"` // duty units
}

// DefaultParams returns the stock tuning for a 2 ms loop.
func DefaultParams() Params {
	return Params{
		Period:    2 * time.Millisecond,
		PitchTrim: -5.5,
		JoyXCoef:  0.1,
		JoyYCoef:  10,
		Gains:     DefaultGains(),
	}
}
