package control

import (
	"math"

	"go.uber.org/atomic"
)

// Encoder geometry: 385 line encoder, both edges counted, 35:1 gearbox.
const (
	CountsPerRev = 385 * 2 * 35
	RadPerCount  = 2 * math.Pi / CountsPerRev
)

// Odometry turns encoder count deltas into wheel speed and position.
//
// Accumulate may be called from any goroutine. Update belongs to the control
// goroutine; it takes the pending deltas with an atomic swap so no count
// added concurrently is lost.
type Odometry struct {
	pending1 atomic.Int64
	pending2 atomic.Int64
	received atomic.Uint64

	radPerCount float64
	total1      int64
	total2      int64
	state       WheelState
}

func NewOdometry(radPerCount float64) *Odometry {
	if radPerCount <= 0 {
		radPerCount = RadPerCount
	}
	return &Odometry{radPerCount: radPerCount}
}

// Accumulate adds one encoder report.
func (o *Odometry) Accumulate(delta1, delta2 int64) {
	o.pending1.Add(delta1)
	o.pending2.Add(delta2)
	o.received.Inc()
}

// Update consumes the pending deltas over a step of dt seconds. A
// non-positive dt falls back to DefaultStep.
func (o *Odometry) Update(dt float64) WheelState {
	if dt <= 0 {
		dt = DefaultStep.Seconds()
	}
	d1 := o.pending1.Swap(0)
	d2 := o.pending2.Swap(0)
	o.total1 += d1
	o.total2 += d2

	o.state = WheelState{
		Speed1: float64(d1) * o.radPerCount / dt,
		Speed2: float64(d2) * o.radPerCount / dt,
		Pos1:   float64(o.total1) * o.radPerCount,
		Pos2:   float64(o.total2) * o.radPerCount,
	}
	return o.state
}

// Reports counts Accumulate calls; calibration watches it to see whether the
// encoders are alive.
func (o *Odometry) Reports() uint64 { return o.received.Load() }

// Pending returns the not yet consumed deltas without clearing them.
func (o *Odometry) Pending() (int64, int64) {
	return o.pending1.Load(), o.pending2.Load()
}
