package sim

import "math"

// StepMovement integrates a movement intent over one fixed time slice and
// returns the resulting coordinates clamped to the world extent. The function
// is pure so the client predictor and the authoritative step stay in lockstep.
func StepMovement(x, y, dx, dy, dt, speed, extent float64) (float64, float64) {
	if dt <= 0 || (dx == 0 && dy == 0) {
		return clamp(x, extent), clamp(y, extent)
	}
	length := math.Hypot(dx, dy)
	if length > 1 {
		dx /= length
		dy /= length
	}
	nx := x + dx*speed*dt
	ny := y + dy*speed*dt
	return clamp(nx, extent), clamp(ny, extent)
}

// RotationFromIntent derives the entity rotation from a movement vector,
// keeping the previous rotation when the vector is zero.
func RotationFromIntent(dx, dy, previous float64) float64 {
	if dx == 0 && dy == 0 {
		return previous
	}
	angle := math.Atan2(dy, dx)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	return angle
}

func clamp(v, extent float64) float64 {
	if v > extent {
		return extent
	}
	if v < -extent {
		return -extent
	}
	return v
}
