// Package quant converts continuous transforms into the fixed-width integer
// representation carried on the wire. Encoding is lossy but bounded: a decoded
// value re-encodes to the same integer, and reconstruction error never exceeds
// one step.
package quant

import "math"

const (
	// PositionStep is the linear resolution in world meters (one centimeter).
	PositionStep = 0.01
	// WorldExtent bounds positions to [-WorldExtent, WorldExtent] meters.
	WorldExtent = 512.0
	// RotationSteps divides a full turn into equal wire increments.
	RotationSteps = 256
)

const (
	maxPositionUnits = int32(WorldExtent / PositionStep)
	minPositionUnits = -maxPositionUnits
	fullTurn         = 2 * math.Pi
)

// Position encodes a linear coordinate as centimeter units, clamped to the
// world extent.
func Position(v float64) int32 {
	if math.IsNaN(v) {
		return 0
	}
	// Clamp in float space first: converting an out-of-range value to int32
	// is implementation-defined and can wrap past the opposite extreme.
	if v > WorldExtent {
		return maxPositionUnits
	}
	if v < -WorldExtent {
		return minPositionUnits
	}
	return int32(math.Round(v / PositionStep))
}

// PositionValue decodes centimeter units back into meters.
func PositionValue(units int32) float64 {
	return float64(units) * PositionStep
}

// Rotation encodes an angle in radians as a step count over a full turn. Any
// input angle is first wrapped into [0, 2π).
func Rotation(rad float64) uint8 {
	if math.IsNaN(rad) {
		return 0
	}
	wrapped := math.Mod(rad, fullTurn)
	if wrapped < 0 {
		wrapped += fullTurn
	}
	steps := int(math.Round(wrapped / fullTurn * RotationSteps))
	return uint8(steps % RotationSteps)
}

// RotationValue decodes a rotation step count back into radians in [0, 2π).
func RotationValue(steps uint8) float64 {
	return float64(steps) / RotationSteps * fullTurn
}
