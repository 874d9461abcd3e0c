package smoothing

import (
	"math"

	"github.com/san-kum/formcoach/server/models"
)

// DefaultMotionThreshold is the velocity, in normalized units per second,
// that at least one tracked joint must exceed for the movement gate to open.
const DefaultMotionThreshold = 0.01

// VelocityTracker estimates joint velocity from consecutive raw positions and
// derives the movement gate.
type VelocityTracker struct {
	joints        []models.Landmark
	threshold     float64
	minVisibility float64

	last     map[models.Landmark]models.Point
	lastTime int64
	primed   bool
}

// Motion is the velocity estimate for one frame.
type Motion struct {
	Joints map[models.Landmark]models.Velocity
	Moving bool
}

func NewVelocityTracker(joints []models.Landmark, threshold, minVisibility float64) *VelocityTracker {
	if threshold <= 0 {
		threshold = DefaultMotionThreshold
	}
	return &VelocityTracker{
		joints:        joints,
		threshold:     threshold,
		minVisibility: minVisibility,
		last:          make(map[models.Landmark]models.Point),
	}
}

// Observe records frame and returns the motion since the previous frame.
// The first frame only primes the history. A frame that does not advance the
// clock is ignored. Both report a closed gate.
func (v *VelocityTracker) Observe(frame *models.Frame) Motion {
	motion := Motion{Joints: make(map[models.Landmark]models.Velocity)}
	if frame.Empty() {
		return motion
	}

	if v.primed && frame.Timestamp <= v.lastTime {
		return motion
	}

	dt := float64(frame.Timestamp-v.lastTime) / 1000.0
	current := make(map[models.Landmark]models.Point, len(v.joints))
	for _, joint := range v.joints {
		kp, ok := frame.Keypoint(joint, v.minVisibility)
		if !ok {
			continue
		}
		pos := kp.Point()
		current[joint] = pos

		prev, seen := v.last[joint]
		if !v.primed || !seen {
			continue
		}
		dx := pos.X - prev.X
		dy := pos.Y - prev.Y
		vel := models.Velocity{
			X:         dx / dt,
			Y:         dy / dt,
			Magnitude: math.Sqrt(dx*dx+dy*dy) / dt,
		}
		motion.Joints[joint] = vel
		if vel.Magnitude > v.threshold {
			motion.Moving = true
		}
	}

	for joint, pos := range current {
		v.last[joint] = pos
	}
	v.lastTime = frame.Timestamp
	v.primed = true
	return motion
}

func (v *VelocityTracker) Reset() {
	v.last = make(map[models.Landmark]models.Point)
	v.lastTime = 0
	v.primed = false
}
