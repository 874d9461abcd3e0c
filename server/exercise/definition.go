// Package exercise declares the supported exercises: which joint angles they
// measure, the ideal range of each, the feedback text and the thresholds that
// drive rep counting.
package exercise

import (
	"fmt"

	"github.com/san-kum/formcoach/server/models"
)

// DefaultMinVisibility is the visibility a landmark must exceed to be used.
const DefaultMinVisibility = 0.3

type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("%g-%g°", r.Min, r.Max)
}

// PointRef resolves to a landmark position, optionally shifted by Offset.
// Offsets build virtual reference points such as "straight up from the
// shoulder".
type PointRef struct {
	Landmark models.Landmark `json:"landmark"`
	Offset   models.Point    `json:"offset"`
}

func At(l models.Landmark) PointRef {
	return PointRef{Landmark: l}
}

func Shifted(l models.Landmark, dx, dy float64) PointRef {
	return PointRef{Landmark: l, Offset: models.Point{X: dx, Y: dy}}
}

// Triple is the three points of an angle; the middle one is the vertex.
type Triple [3]PointRef

// Joint is one measured angle of an exercise.
type Joint struct {
	Key       models.JointKey `json:"key"`
	Label     string          `json:"label"`
	Points    Triple          `json:"-"`
	Ideal     Range           `json:"ideal"`
	IdealText string          `json:"ideal_text,omitempty"`
	// Perfect is a format string taking the measured angle.
	Perfect string `json:"-"`
	TooLow  string `json:"-"`
	TooHigh string `json:"-"`
}

func (j Joint) idealText() string {
	if j.IdealText != "" {
		return j.IdealText
	}
	return j.Ideal.String()
}

// Thresholds drive the two-phase rep cycle on one governing angle.
type Thresholds struct {
	Joint      models.JointKey    `json:"joint"`
	Points     Triple             `json:"-"`
	PhaseA     models.MotionPhase `json:"phase_a"`
	EnterBelow float64            `json:"enter_a_below"`
	PhaseB     models.MotionPhase `json:"phase_b"`
	EnterAbove float64            `json:"enter_b_above"`
}

// Definition is immutable once registered.
type Definition struct {
	ID           models.ExerciseID `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Instructions []string          `json:"instructions"`
	// Joints are listed in tie-break order: when several joints share the
	// worst deviation the earliest one drives the feedback.
	Joints  []Joint    `json:"joints"`
	AllGood string     `json:"-"`
	Phases  Thresholds `json:"phases"`
}

var bicepCurls = &Definition{
	ID:          models.BicepCurls,
	Name:        "Bicep Curls",
	Description: "Stand with your arm at your side and curl your forearm toward your shoulder.",
	Instructions: []string{
		"Keep your upper arm close to your torso (angle < 35°)",
		"Curl your arm to bring your hand close to your shoulder (angle < 70°)",
		"Maintain good posture throughout the exercise",
		"Follow the real-time feedback for proper form",
	},
	Joints: []Joint{
		{
			Key:     models.JointArm,
			Label:   "Arm",
			Points:  Triple{At(models.LeftShoulder), At(models.LeftElbow), At(models.LeftWrist)},
			Ideal:   Range{Min: 30, Max: 70},
			Perfect: "Perfect arm curl (%.1f°)",
			TooLow:  "curl more to reach the target range",
			TooHigh: "curl more to reach the target range",
		},
		{
			Key:     models.JointTorso,
			Label:   "Torso",
			Points:  Triple{At(models.LeftHip), At(models.LeftShoulder), At(models.LeftElbow)},
			Ideal:   Range{Min: 0, Max: 35},
			Perfect: "Perfect torso position (%.1f°)",
			TooLow:  "keep upper arm closer to torso",
			TooHigh: "keep upper arm closer to torso",
		},
	},
	Phases: Thresholds{
		Joint:      models.JointArm,
		Points:     Triple{At(models.LeftShoulder), At(models.LeftElbow), At(models.LeftWrist)},
		PhaseA:     models.PhaseContracted,
		EnterBelow: 70,
		PhaseB:     models.PhaseExtended,
		EnterAbove: 160,
	},
}

var squats = &Definition{
	ID:          models.Squats,
	Name:        "Squats",
	Description: "Stand with feet shoulder-width apart and lower your body by bending your knees.",
	Instructions: []string{
		"Squat to the proper depth (hip angle 50-71°)",
		"Bend your knees adequately (knee angle 55-68°)",
		"Keep your chest up (torso angle 35-43°)",
		"Keep weight on your heels (ankle angle 75-85°)",
	},
	Joints: []Joint{
		{
			Key:     models.JointKnee,
			Label:   "Knee",
			Points:  Triple{At(models.LeftHip), At(models.LeftKnee), At(models.LeftAnkle)},
			Ideal:   Range{Min: 55, Max: 68},
			Perfect: "Perfect knee bend (%.1f°)",
			TooLow:  "reduce knee bend",
			TooHigh: "bend knees more",
		},
		{
			Key:     models.JointHip,
			Label:   "Hip",
			Points:  Triple{At(models.LeftShoulder), At(models.LeftHip), At(models.LeftKnee)},
			Ideal:   Range{Min: 50, Max: 71},
			Perfect: "Perfect squat depth (%.1f°)",
			TooLow:  "come up slightly",
			TooHigh: "squat deeper",
		},
		{
			Key:     models.JointTorso,
			Label:   "Torso",
			Points:  Triple{Shifted(models.LeftShoulder, 0, -1), At(models.LeftShoulder), At(models.LeftHip)},
			Ideal:   Range{Min: 35, Max: 43},
			Perfect: "Perfect torso lean (%.1f°)",
			TooLow:  "keep chest up",
			TooHigh: "keep chest up",
		},
		{
			Key:     models.JointAnkle,
			Label:   "Ankle",
			Points:  Triple{At(models.LeftKnee), At(models.LeftAnkle), Shifted(models.LeftAnkle, 0, 1)},
			Ideal:   Range{Min: 75, Max: 85},
			Perfect: "Perfect ankle position (%.1f°)",
			TooLow:  "keep weight on heels",
			TooHigh: "keep weight on heels",
		},
	},
	AllGood: "Perfect squat form! All angles within range.",
	Phases: Thresholds{
		Joint:      models.JointHip,
		Points:     Triple{At(models.LeftShoulder), At(models.LeftHip), At(models.LeftKnee)},
		PhaseA:     models.PhaseSquat,
		EnterBelow: 70,
		PhaseB:     models.PhaseStanding,
		EnterAbove: 160,
	},
}

var frontKicks = &Definition{
	ID:          models.FrontKicks,
	Name:        "Front Kicks",
	Description: "Stand on one leg and kick forward with the other leg, keeping it straight.",
	Instructions: []string{
		"Extend your leg fully during the kick (angle > 120°)",
		"Keep your torso upright during the kick (hip angle 71-120°)",
		"Maintain balance on your standing leg",
		"Follow the real-time feedback for proper form",
	},
	Joints: []Joint{
		{
			Key:     models.JointHip,
			Label:   "Hip",
			Points:  Triple{At(models.LeftShoulder), At(models.LeftHip), At(models.LeftKnee)},
			Ideal:   Range{Min: 71, Max: 120},
			Perfect: "Perfect torso position (%.1f°)",
			TooLow:  "keep torso more upright",
			TooHigh: "keep torso more upright",
		},
		{
			Key:       models.JointLeg,
			Label:     "Leg",
			Points:    Triple{At(models.LeftHip), At(models.LeftKnee), At(models.LeftAnkle)},
			Ideal:     Range{Min: 120, Max: 180},
			IdealText: ">120°",
			Perfect:   "Perfect leg extension (%.1f°)",
			TooLow:    "extend leg more for straight kick",
			TooHigh:   "extend leg more for straight kick",
		},
	},
	Phases: Thresholds{
		Joint:      models.JointLeg,
		Points:     Triple{At(models.LeftHip), At(models.LeftKnee), At(models.LeftAnkle)},
		PhaseA:     models.PhaseRetracted,
		EnterBelow: 110,
		PhaseB:     models.PhaseExtended,
		EnterAbove: 120,
	},
}
