package control

import "math"

const (
	joyDeadbandX    = 0.10
	joyDeadbandY    = 0.02
	joyDeadbandA    = 0.02
	joyLockFloor    = 0.05
	joyLockFraction = 0.2
)

// ShapeJoystick clamps an operator stick sample to ±1, applies per-axis
// deadbands and suppresses small drift on the minor axis while the other
// axis clearly dominates.
func ShapeJoystick(x, y, a float64) (float64, float64, float64) {
	x = Deadband(ClampAbs(x, 1), joyDeadbandX)
	y = Deadband(ClampAbs(y, 1), joyDeadbandY)
	a = Deadband(ClampAbs(a, 1), joyDeadbandA)

	if math.Abs(y) > joyLockFloor && math.Abs(x) < math.Max(joyLockFloor, math.Abs(y)*joyLockFraction) {
		x = 0
	}
	if math.Abs(x) > joyLockFloor && math.Abs(y) < math.Max(joyLockFloor, math.Abs(x)*joyLockFraction) {
		y = 0
	}
	return x, y, a
}
