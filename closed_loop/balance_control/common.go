package control

import "time"

const (
	// DefaultStep replaces elapsed times that are non-positive or implausibly long.
	DefaultStep = time.Millisecond
	maxStep     = 500 * time.Millisecond
)

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// ClampAbs clamps value into [-limit, limit].
func ClampAbs(value, limit float64) float64 {
	if limit < 0 {
		limit = -limit
	}
	return ClampFloat(value, -limit, limit)
}

// Deadband snaps values whose magnitude is below band to zero.
func Deadband(value, band float64) float64 {
	if value < band && value > -band {
		return 0
	}
	return value
}

// BoolToFloat converts bool to float64 (for CAN encoding)
func BoolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// stepSeconds returns the seconds between last and now, or DefaultStep when
// that span is unusable.
func stepSeconds(last, now time.Time) float64 {
	d := now.Sub(last)
	if d <= 0 || d > maxStep {
		d = DefaultStep
	}
	return d.Seconds()
}
