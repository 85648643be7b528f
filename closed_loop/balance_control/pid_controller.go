package control

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// PIDConfig holds PID controller parameters. Limits are sign-agnostic.
type PIDConfig struct {
	Kp            float64 `yaml:"kp"`
	Ki            float64 `yaml:"ki"`
	Kd            float64 `yaml:"kd"`
	Limit         float64 `yaml:"limit"`
	IntegralLimit float64 `yaml:"integral_limit"`
	OutputRamp    float64 `yaml:"output_ramp"`    // units per second, 0 disables slew limiting
	DerivativeTau float64 `yaml:"derivative_tau"` // seconds, 0 disables derivative filtering
}

// PIDController is a discrete PID with trapezoidal integration, integral
// clamping, output clamping, output slew limiting and an optional derivative
// low-pass filter. The step is measured from the injected clock.
type PIDController struct {
	cfg PIDConfig
	clk clock.Clock

	// State
	integral    float64
	prevError   float64
	lastOutput  float64
	last        time.Time
	initialized bool

	dFilter *LowPassFilter
}

// NewPIDController creates a new PID controller with given configuration
func NewPIDController(cfg PIDConfig, clk clock.Clock) *PIDController {
	if clk == nil {
		clk = clock.New()
	}
	cfg.Limit = math.Abs(cfg.Limit)
	cfg.IntegralLimit = math.Abs(cfg.IntegralLimit)
	return &PIDController{
		cfg:     cfg,
		clk:     clk,
		dFilter: NewLowPassFilter(cfg.DerivativeTau, clk),
	}
}

// SetGains replaces kp, ki and kd. The next Compute uses them.
func (pid *PIDController) SetGains(kp, ki, kd float64) {
	pid.cfg.Kp = kp
	pid.cfg.Ki = ki
	pid.cfg.Kd = kd
}

// SetLimits replaces the output and integral limits.
func (pid *PIDController) SetLimits(limit, integralLimit float64) {
	pid.cfg.Limit = math.Abs(limit)
	pid.cfg.IntegralLimit = math.Abs(integralLimit)
}

// Config returns the parameters currently in use.
func (pid *PIDController) Config() PIDConfig {
	return pid.cfg
}

// Reset clears the integral, seeds the previous error and output, and makes
// the next Compute behave like a first call.
func (pid *PIDController) Reset(output, err float64) {
	pid.integral = 0
	pid.prevError = err
	pid.lastOutput = ClampAbs(output, pid.cfg.Limit)
	pid.last = pid.clk.Now()
	pid.initialized = false
	pid.dFilter.Reset(0)
}

// Compute returns the control output for err.
//
// The first call after construction or Reset returns the clamped
// proportional term only, so an undefined previous error never produces a
// derivative spike.
func (pid *PIDController) Compute(err float64) float64 {
	now := pid.clk.Now()
	if !pid.initialized {
		pid.prevError = err
		pid.last = now
		pid.initialized = true
		pid.lastOutput = ClampAbs(pid.cfg.Kp*err, pid.cfg.Limit)
		pid.integral = 0
		pid.dFilter.unprime()
		return pid.lastOutput
	}

	dt := stepSeconds(pid.last, now)

	// Trapezoidal integral, gain applied before clamping
	pid.integral += 0.5 * (err + pid.prevError) * dt * pid.cfg.Ki
	pid.integral = ClampAbs(pid.integral, pid.cfg.IntegralLimit)

	derr := (err - pid.prevError) / dt
	if pid.cfg.DerivativeTau > 0 {
		derr = pid.dFilter.Apply(derr, dt)
	}
	d := pid.cfg.Kd * derr

	output := ClampAbs(pid.cfg.Kp*err+pid.integral+d, pid.cfg.Limit)

	if pid.cfg.OutputRamp > 0 {
		rampStep := pid.cfg.OutputRamp * dt
		output = ClampFloat(output, pid.lastOutput-rampStep, pid.lastOutput+rampStep)
	}

	pid.lastOutput = output
	pid.prevError = err
	pid.last = now
	return output
}

// LastOutput returns the most recent output.
func (pid *PIDController) LastOutput() float64 {
	return pid.lastOutput
}

// GetDiagnostics returns current PID state for logging/debugging
func (pid *PIDController) GetDiagnostics() PIDDiagnostics {
	return PIDDiagnostics{
		Error:    pid.prevError,
		Integral: pid.integral,
		P:        pid.cfg.Kp * pid.prevError,
		Output:   pid.lastOutput,
	}
}

// PIDDiagnostics contains PID internal state for monitoring
type PIDDiagnostics struct {
	Error    float64
	Integral float64
	P        float64
	Output   float64
}
