package control

import (
	"time"

	"github.com/benbjohnson/clock"
)

// LowPassFilter is a single-pole filter. An unprimed filter adopts its first
// input exactly.
type LowPassFilter struct {
	tau         float64
	clk         clock.Clock
	state       float64
	initialized bool
	last        time.Time
}

// NewLowPassFilter creates a filter with time constant tau seconds.
func NewLowPassFilter(tau float64, clk clock.Clock) *LowPassFilter {
	if clk == nil {
		clk = clock.New()
	}
	return &LowPassFilter{tau: tau, clk: clk}
}

// Apply filters input over an explicit step of dt seconds.
func (f *LowPassFilter) Apply(input, dt float64) float64 {
	if f.tau <= 0 || dt <= 0 {
		f.state = input
		f.initialized = true
		return input
	}
	if !f.initialized {
		f.Reset(input)
		return input
	}
	alpha := dt / (f.tau + dt)
	f.state += alpha * (input - f.state)
	return f.state
}

// ApplyAuto filters input using the clock time elapsed since the previous call.
func (f *LowPassFilter) ApplyAuto(input float64) float64 {
	now := f.clk.Now()
	dt := DefaultStep.Seconds()
	if f.initialized {
		dt = stepSeconds(f.last, now)
	}
	f.last = now
	return f.Apply(input, dt)
}

// Reset primes the filter with value.
func (f *LowPassFilter) Reset(value float64) {
	f.state = value
	f.initialized = true
	f.last = f.clk.Now()
}

// Value returns the current filter state.
func (f *LowPassFilter) Value() float64 {
	return f.state
}

func (f *LowPassFilter) unprime() {
	f.initialized = false
}
