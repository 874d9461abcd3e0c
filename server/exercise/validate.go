package exercise

import (
	"fmt"
	"math"
	"strings"

	"github.com/san-kum/formcoach/server/geometry"
	"github.com/san-kum/formcoach/server/models"
)

// Measurement holds the raw angles computed from one frame. Joints whose
// landmarks were hidden or whose geometry was degenerate are listed in
// Missing instead of Angles.
type Measurement struct {
	Angles  map[models.JointKey]float64
	Missing []models.JointKey
}

// PhaseSignal is the raw governing angle of a frame.
type PhaseSignal struct {
	Joint models.JointKey
	Angle float64
	OK    bool
}

func resolve(frame *models.Frame, ref PointRef, minVisibility float64) (models.Point, bool) {
	kp, ok := frame.Keypoint(ref.Landmark, minVisibility)
	if !ok {
		return models.Point{}, false
	}
	return models.Point{X: kp.X + ref.Offset.X, Y: kp.Y + ref.Offset.Y}, true
}

// Angle computes the angle described by t, or NaN when any point is unusable.
func (t Triple) Angle(frame *models.Frame, minVisibility float64) float64 {
	var pts [3]models.Point
	for i, ref := range t {
		p, ok := resolve(frame, ref, minVisibility)
		if !ok {
			return math.NaN()
		}
		pts[i] = p
	}
	return geometry.AngleBetween(pts[0], pts[1], pts[2])
}

func (d *Definition) Measure(frame *models.Frame, minVisibility float64) Measurement {
	m := Measurement{Angles: make(map[models.JointKey]float64, len(d.Joints))}
	for _, j := range d.Joints {
		angle := j.Points.Angle(frame, minVisibility)
		if !geometry.Valid(angle) {
			m.Missing = append(m.Missing, j.Key)
			continue
		}
		m.Angles[j.Key] = angle
	}
	return m
}

// Validate scores frame with the default visibility threshold.
func (d *Definition) Validate(frame *models.Frame) models.FormResult {
	return d.Score(d.Measure(frame, DefaultMinVisibility))
}

func (d *Definition) DetectPhase(frame *models.Frame, minVisibility float64) PhaseSignal {
	angle := d.Phases.Points.Angle(frame, minVisibility)
	return PhaseSignal{Joint: d.Phases.Joint, Angle: angle, OK: geometry.Valid(angle)}
}

// Score turns measured angles into a FormResult. Missing joints are left out
// of the mean rather than counted as zero or maximal deviation.
func (d *Definition) Score(m Measurement) models.FormResult {
	result := models.FormResult{
		Status:     models.StatusNeutral,
		Deviations: make(map[models.JointKey]float64, len(m.Angles)),
		Angles:     make(map[models.JointKey]float64, len(m.Angles)),
		Missing:    m.Missing,
	}

	var (
		total   float64
		primary *Joint
		worst   = -1.0
	)
	for i := range d.Joints {
		j := &d.Joints[i]
		angle, ok := m.Angles[j.Key]
		if !ok {
			continue
		}
		dev := geometry.DeviationFromRange(angle, j.Ideal.Min, j.Ideal.Max)
		result.Deviations[j.Key] = dev
		result.Angles[j.Key] = angle
		total += dev
		if dev > worst {
			worst = dev
			primary = j
		}
	}

	if primary == nil {
		result.Feedback = d.unseenFeedback()
		return result
	}

	mean := total / float64(len(result.Deviations))
	result.FormScore = int(math.Round(clamp(100-mean, 0, 100)))
	result.Status = StatusFor(worst)
	result.IsValid = worst <= 10
	result.Primary = primary.Key
	result.Feedback = d.feedback(primary, result.Angles[primary.Key], worst, len(m.Missing) == 0)
	return result
}

// StatusFor buckets a deviation percentage.
func StatusFor(deviation float64) models.Status {
	switch {
	case deviation <= 10:
		return models.StatusGood
	case deviation <= 20:
		return models.StatusWarning
	default:
		return models.StatusError
	}
}

func (d *Definition) feedback(j *Joint, angle, deviation float64, complete bool) string {
	if deviation == 0 {
		if d.AllGood != "" && complete {
			return d.AllGood
		}
		return fmt.Sprintf(j.Perfect, angle)
	}
	hint := j.TooHigh
	if angle < j.Ideal.Min {
		hint = j.TooLow
	}
	return fmt.Sprintf("%s angle is %.1f° - %s (ideal: %s)", j.Label, angle, hint, j.idealText())
}

func (d *Definition) unseenFeedback() string {
	labels := make([]string, 0, len(d.Joints))
	for _, j := range d.Joints {
		labels = append(labels, strings.ToLower(j.Label))
	}
	return fmt.Sprintf("Cannot see your %s clearly - step fully into view", strings.Join(labels, ", "))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
