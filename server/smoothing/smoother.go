// Package smoothing filters detector jitter out of joint angles and estimates
// per-joint motion between frames.
package smoothing

import (
	"github.com/san-kum/formcoach/server/geometry"
	"github.com/san-kum/formcoach/server/models"
)

// DefaultAlpha is the weight given to the newest raw angle.
const DefaultAlpha = 0.3

type Key struct {
	Exercise models.ExerciseID
	Joint    models.JointKey
}

// Smoother keeps one exponentially smoothed angle per (exercise, joint).
// The weight is fixed rather than derived from frame timing, so the effective
// time constant varies with the frame rate.
type Smoother struct {
	alpha  float64
	values map[Key]float64
}

func NewSmoother(alpha float64) *Smoother {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Smoother{
		alpha:  alpha,
		values: make(map[Key]float64),
	}
}

// Update folds raw into the smoothed value for key and returns it. The first
// observation seeds the filter. Invalid raw angles leave the state untouched
// and report ok=false.
func (s *Smoother) Update(key Key, raw float64) (float64, bool) {
	if !geometry.Valid(raw) {
		return s.values[key], false
	}

	prev, seen := s.values[key]
	if !seen {
		s.values[key] = raw
		return raw, true
	}

	smoothed := (1-s.alpha)*prev + s.alpha*raw
	s.values[key] = smoothed
	return smoothed, true
}

func (s *Smoother) Reset() {
	s.values = make(map[Key]float64)
}
