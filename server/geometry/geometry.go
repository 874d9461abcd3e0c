// Package geometry holds the angle and range math used for form scoring.
package geometry

import (
	"math"

	"github.com/san-kum/formcoach/server/models"
)

// coincident is the squared distance below which two points are treated as
// the same landmark.
const coincident = 1e-12

// AngleBetween returns the angle in degrees at vertex b between the rays b->a
// and b->c, folded into [0,180]. Coincident points yield NaN.
func AngleBetween(a, b, c models.Point) float64 {
	if dist2(a, b) < coincident || dist2(c, b) < coincident {
		return math.NaN()
	}

	radians := math.Atan2(c.Y-b.Y, c.X-b.X) - math.Atan2(a.Y-b.Y, a.X-b.X)
	angle := math.Abs(radians * 180.0 / math.Pi)
	if angle > 180.0 {
		angle = 360.0 - angle
	}
	return angle
}

// DeviationFromRange is 0 inside [min,max] and otherwise the distance from the
// range midpoint as a percentage of that midpoint.
func DeviationFromRange(value, min, max float64) float64 {
	if math.IsNaN(value) {
		return math.NaN()
	}
	if value >= min && value <= max {
		return 0
	}
	mid := (min + max) / 2
	if mid == 0 {
		return math.Abs(value) * 100
	}
	return math.Abs((value-mid)/mid) * 100
}

// Valid reports whether an angle is a usable measurement.
func Valid(angle float64) bool {
	return !math.IsNaN(angle) && !math.IsInf(angle, 0)
}

func dist2(a, b models.Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}
